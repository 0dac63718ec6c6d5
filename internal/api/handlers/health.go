package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"workload-launcher-go/internal/models"
)

// ReadinessCheck is one dependency the launcher needs to serve work.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthHandler handles health and readiness checks
type HealthHandler struct {
	checks []ReadinessCheck
	logger *zap.Logger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(logger *zap.Logger, checks ...ReadinessCheck) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		checks: checks,
		logger: logger,
	}
}

// HandleHealth handles GET /api/v1/health (liveness probe).
// The process is alive; external services are not consulted.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, models.HealthResponse{Status: "ok"})
}

// HandleReady handles GET /api/v1/ready (readiness probe)
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	for _, c := range h.checks {
		if err := c.Check(ctx); err != nil {
			h.logger.Error("readiness check failed",
				zap.String("dependency", c.Name),
				zap.Error(err),
			)
			respondWithError(w, http.StatusServiceUnavailable, c.Name+" unavailable")
			return
		}
	}

	respondWithJSON(w, http.StatusOK, models.HealthResponse{Status: "ready"})
}
