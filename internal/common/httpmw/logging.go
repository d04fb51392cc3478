// Package httpmw holds the gin middleware shared by the HTTP surfaces.
package httpmw

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/nexus/internal/common/errors"
	"github.com/kandev/nexus/internal/common/logger"
)

// CorrelationHeader carries the correlation id in both directions.
const CorrelationHeader = "X-Correlation-ID"

// Correlation stores the caller's correlation id, or a new one, on the request
// context so component loggers pick it up through WithContext.
func Correlation() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(CorrelationHeader)
		if id == "" {
			id = uuid.New().String()
		}
		ctx := context.WithValue(c.Request.Context(), logger.CorrelationIDKey, id)
		c.Request = c.Request.WithContext(ctx)
		c.Header(CorrelationHeader, id)
		c.Next()
	}
}

// RequestLogger logs HTTP request details after the handler completes.
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		size := c.Writer.Size()
		if size < 0 {
			size = 0
		}
		fields := []zap.Field{
			zap.String("server", serverName),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Int("bytes", size),
		}

		reqLog := log.WithContext(c.Request.Context())
		if c.Writer.Status() >= http.StatusInternalServerError {
			reqLog.Error("http", fields...)
		} else {
			reqLog.Debug("http", fields...)
		}
	}
}

// Recovery turns a handler panic into a 500 response and logs it.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.WithContext(c.Request.Context()).Error("http handler panicked",
					zap.String("path", c.Request.URL.Path),
					zap.Any("panic", r))
				appErr := errors.ExecutionFailed("internal error", fmt.Errorf("%v", r))
				c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
					"code":    appErr.Code,
					"message": appErr.Message,
				})
			}
		}()
		c.Next()
	}
}
