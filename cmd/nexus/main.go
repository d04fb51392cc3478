// Package main is the entry point for the Nexus agent orchestration service.
// It wires the registry, executor, command queue and orchestrator together
// and exposes the operator HTTP API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/nexus/internal/agent/builtin"
	"github.com/kandev/nexus/internal/agent/registry"
	"github.com/kandev/nexus/internal/api"
	"github.com/kandev/nexus/internal/common/config"
	"github.com/kandev/nexus/internal/common/httpmw"
	"github.com/kandev/nexus/internal/common/logger"
	"github.com/kandev/nexus/internal/events"
	"github.com/kandev/nexus/internal/metrics"
	"github.com/kandev/nexus/internal/orchestrator"
	"github.com/kandev/nexus/internal/orchestrator/commandqueue"
	"github.com/kandev/nexus/internal/orchestrator/executor"
	"github.com/kandev/nexus/internal/security"
	"github.com/kandev/nexus/internal/tracing"
)

const serverName = "nexus"

func main() {
	// 1. Load configuration
	cfg, err := config.LoadWithPath(os.Getenv("NEXUS_CONFIG_DIR"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting Nexus...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Event bus (in-memory, or NATS if configured)
	provided, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer func() { _ = closeBus() }()
	publisher := events.NewPublisher(provided.Bus, log)

	// 5. Metrics
	var rec *metrics.Recorder
	if cfg.Metrics.Enabled {
		rec = metrics.New()
	}

	// 6. Engine
	securityMgr := security.NewManager(cfg.Security, log, security.WithPublisher(publisher))
	reg := registry.NewRegistry(log)
	exec := executor.NewExecutor(reg, executor.Config{
		DefaultTimeout:     cfg.Agent.DefaultTimeout(),
		HealthCheckTimeout: cfg.Agent.HealthCheckTimeout(),
	}, log, executor.WithSecurity(securityMgr), executor.WithMetrics(rec))
	commands := commandqueue.New(exec, commandqueue.Config{
		Size:          cfg.Agent.CommandQueueSize,
		MaxConcurrent: cfg.Agent.MaxConcurrentAgents,
	}, log, commandqueue.WithMetrics(rec))

	service := orchestrator.NewService(reg, commands, orchestrator.ServiceConfig{
		TaskQueueSize:    cfg.Agent.TaskQueueSize,
		ResultBufferSize: cfg.Agent.ResultBufferSize,
		PollInterval:     cfg.Agent.PollInterval(),
		InitTimeout:      cfg.Agent.DefaultTimeout(),
		DefaultLimits:    cfg.Agent.ResourceLimits(),
	}, log, orchestrator.WithPublisher(publisher), orchestrator.WithMetrics(rec))

	if err := service.Start(ctx); err != nil {
		log.Fatal("Failed to start orchestrator", zap.Error(err))
	}

	// 7. Agent instances
	if err := registerPool(ctx, service, cfg.Agent.Pool, builtin.Index(builtin.Provider()), log); err != nil {
		log.Fatal("Failed to register agent pool", zap.Error(err))
	}

	// 8. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(httpmw.Correlation())
	router.Use(httpmw.RequestLogger(log, serverName))
	router.Use(httpmw.RequestTracing(tracing.Tracer(serverName)))
	router.Use(httpmw.Recovery(log))
	api.SetupRoutes(router, service, rec, log, api.WithExecutions(exec), api.WithSecurityStats(securityMgr))

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 9. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Nexus...")

	// 10. Graceful shutdown: stop intake, drain accepted commands, clean up agents
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := service.Shutdown(shutdownCtx); err != nil {
		log.Error("Orchestrator shutdown error", zap.Error(err))
	}
	if abandoned := exec.Abandoned(); abandoned > 0 {
		log.Warn("agents still running past their deadline", zap.Int64("count", abandoned))
	}
	cancel()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Nexus stopped")
}
