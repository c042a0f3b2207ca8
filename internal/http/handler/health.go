package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"agentforge.dev/executor/internal/metrics"
)

// HealthCheck probes one dependency. The name appears in the readiness
// response body.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type HealthHandler struct {
	checks []HealthCheck
}

func NewHealthHandler(checks ...HealthCheck) *HealthHandler {
	return &HealthHandler{checks: checks}
}

// Liveness answers whether the process is up at all.
func (h *HealthHandler) Liveness(c *gin.Context) {
	metrics.HealthChecks.WithLabelValues("liveness", "ok").Inc()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Readiness probes every registered dependency and reports 503 when
// any of them fails.
func (h *HealthHandler) Readiness(c *gin.Context) {
	ctx := c.Request.Context()

	results := gin.H{}
	healthy := true
	for _, check := range h.checks {
		if err := check.Check(ctx); err != nil {
			slog.WarnContext(ctx, "readiness check failed",
				"check", check.Name,
				"error", err)
			results[check.Name] = err.Error()
			healthy = false
			continue
		}
		results[check.Name] = "ok"
	}

	status := http.StatusOK
	label := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		label = "failed"
	}
	metrics.HealthChecks.WithLabelValues("readiness", label).Inc()
	c.JSON(status, gin.H{"status": label, "checks": results})
}
