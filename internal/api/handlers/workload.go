package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"workload-launcher-go/internal/models"
	"workload-launcher-go/internal/store"
)

// WorkloadReader reads workload records from the status store.
type WorkloadReader interface {
	Get(ctx context.Context, workloadID string) (*models.WorkloadRecord, error)
}

// WorkloadHandler handles workload status requests
type WorkloadHandler struct {
	store  WorkloadReader
	logger *zap.Logger
}

// NewWorkloadHandler creates a new workload handler. store may be nil when
// the status store is disabled.
func NewWorkloadHandler(store WorkloadReader, logger *zap.Logger) *WorkloadHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkloadHandler{
		store:  store,
		logger: logger,
	}
}

// Handle handles GET /api/v1/workloads/{workload_id}
func (h *WorkloadHandler) Handle(w http.ResponseWriter, r *http.Request) {
	workloadID := chi.URLParam(r, "workload_id")
	if workloadID == "" {
		respondWithError(w, http.StatusBadRequest, "workload_id is required")
		return
	}
	if h.store == nil {
		respondWithError(w, http.StatusNotImplemented, "status store disabled")
		return
	}

	record, err := h.store.Get(r.Context(), workloadID)
	if errors.Is(err, store.ErrNotFound) {
		respondWithError(w, http.StatusNotFound, "workload not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get workload", zap.String("workload_id", workloadID), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "failed to get workload")
		return
	}

	respondWithJSON(w, http.StatusOK, record)
}
