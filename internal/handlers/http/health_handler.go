package http

import (
	"context"
	"net/http"
	"time"

	"framerelay/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	checker      *monitoring.HealthChecker
	readyTimeout time.Duration
	startTime    time.Time
}

func NewHealthHandler(checker *monitoring.HealthChecker) *HealthHandler {
	return &HealthHandler{
		checker:      checker,
		readyTimeout: 2 * time.Second,
		startTime:    time.Now(),
	}
}

func (h *HealthHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
}

// Health is the liveness probe. It has no side effects and does not look at
// dependencies.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Ready reports whether storage and the analysis service are usable.
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.readyTimeout)
	defer cancel()

	status := h.checker.GetReadinessStatus(ctx)
	code := http.StatusOK
	if status.Status != monitoring.StatusHealthy {
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":    status.Status,
		"timestamp": status.Timestamp,
		"checks":    status.Checks,
		"uptime":    time.Since(h.startTime).Round(time.Second).String(),
	})
}
