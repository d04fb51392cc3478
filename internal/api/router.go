package api

import (
	"github.com/gin-gonic/gin"

	"github.com/kandev/nexus/internal/common/logger"
	"github.com/kandev/nexus/internal/metrics"
	"github.com/kandev/nexus/internal/orchestrator"
)

// SetupRoutes configures the operator API. /metrics is mounted only when rec
// is not nil.
func SetupRoutes(router *gin.Engine, service *orchestrator.Service, rec *metrics.Recorder, log *logger.Logger, opts ...Option) {
	handler := NewHandler(service, log, opts...)

	router.GET("/health", handler.Health)
	if rec != nil {
		router.GET("/metrics", gin.WrapH(rec.Handler()))
	}

	api := router.Group("/api/v1")
	{
		api.GET("/agents", handler.ListAgents)
		api.GET("/agents/:name", handler.GetAgent)
		api.GET("/agents/:name/health", handler.AgentHealth)
		api.POST("/agents/:name/execute", handler.ExecuteAgent)

		api.GET("/instances", handler.ListInstances)
		api.POST("/reset", handler.ResetInstances)
		api.GET("/instances/:id", handler.GetInstance)
		api.POST("/instances/:id/tasks", handler.ExecuteTask)

		api.POST("/tasks", handler.SubmitTask)
		api.GET("/tasks", handler.ListTasks)
		api.POST("/tasks/run", handler.RunPending)
		api.DELETE("/tasks/:id", handler.CancelTask)

		api.GET("/executions", handler.ListExecutions)
		api.GET("/results", handler.DrainResults)
		api.POST("/wait", handler.Wait)
	}
}
