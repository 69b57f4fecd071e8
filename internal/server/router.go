package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/racai-ai/saroj/internal/common"
)

const requestIDHeader = "X-Request-ID"

// HealthFunc reports whether the daemon can serve. A nil error means healthy.
type HealthFunc func(ctx context.Context) error

// RouterConfig wires the handlers behind the HTTP API.
type RouterConfig struct {
	Tasks  *TaskService
	Export *ExportHandler
	Health HealthFunc
	Logger *slog.Logger
}

// NewRouter builds the gin engine serving the task API.
func NewRouter(cfg RouterConfig) *gin.Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery(), requestID(), accessLog(logger))

	r.POST("/startAnonymization", cfg.Tasks.StartAnonymization)
	r.GET("/startAnonymization", cfg.Tasks.StartAnonymization)
	r.GET("/getResult", cfg.Tasks.GetResult)
	r.POST("/getResult", cfg.Tasks.GetResult)
	if cfg.Export != nil {
		r.GET("/export", cfg.Export.ExportTasks)
	}
	r.GET("/healthz", healthz(cfg.Health, logger))
	return r
}

// requestID tags every request with an id, reusing the caller's when sent.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)
		c.Request = c.Request.WithContext(common.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

func accessLog(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		common.LoggerFromContext(c.Request.Context(), logger).Info("http.request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
	}
}

func healthz(check HealthFunc, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if check != nil {
			if err := check(c.Request.Context()); err != nil {
				logger.Warn("health check failed", "error", err)
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
