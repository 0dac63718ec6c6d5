package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"workload-launcher-go/internal/api/middleware"
	"workload-launcher-go/internal/labels"
	"workload-launcher-go/internal/models"
)

// MutexDeleter deletes the active pod set of a mutex key.
type MutexDeleter interface {
	DeleteMutexPods(ctx context.Context, mutexKey string) (bool, error)
}

// CancelMarker records a cancellation in the status store.
type CancelMarker interface {
	MarkCancelled(ctx context.Context, workloadID string) error
}

// CancelHandler handles mutex cancellation requests
type CancelHandler struct {
	pods   MutexDeleter
	marker CancelMarker
	logger *zap.Logger
}

// NewCancelHandler creates a new cancel handler. marker may be nil when the
// status store is disabled.
func NewCancelHandler(pods MutexDeleter, marker CancelMarker, logger *zap.Logger) *CancelHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CancelHandler{
		pods:   pods,
		marker: marker,
		logger: logger,
	}
}

// Handle handles DELETE /api/v1/mutex/{mutex_key}?workload_id=
//
// The call is idempotent. It may race an in-flight launch of the same key,
// which can finish its current step before observing the deletion.
func (h *CancelHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	mutexKey := chi.URLParam(r, "mutex_key")
	workloadID := r.URL.Query().Get("workload_id")

	h.logger.Info("cancel request received",
		zap.String("mutex_key", mutexKey),
		zap.String("workload_id", workloadID),
	)

	result := models.CancelResult{MutexKey: mutexKey}
	deleted, err := h.pods.DeleteMutexPods(ctx, mutexKey)
	switch {
	case err == nil:
	case deleted:
		// Part of the pod set is gone, so the workload is cancelled either way.
		h.logger.Warn("cancel deleted some pods only",
			zap.Error(err),
			zap.String("mutex_key", mutexKey),
		)
		result.Warning = "some pods could not be deleted: " + err.Error()
	default:
		var idErr *labels.InvalidIdentityError
		if errors.As(err, &idErr) {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("cancel failed",
			zap.Error(err),
			zap.String("mutex_key", mutexKey),
		)
		respondWithError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	result.Deleted = deleted

	if workloadID != "" && h.marker != nil {
		if err := h.marker.MarkCancelled(ctx, workloadID); err != nil {
			h.logger.Error("failed to mark workload cancelled",
				zap.Error(err),
				zap.String("workload_id", workloadID),
			)
			respondWithError(w, http.StatusInternalServerError, "pods deleted but workload status not updated")
			return
		}
	}

	middleware.CancelsTotal.WithLabelValues(strconv.FormatBool(deleted)).Inc()
	respondWithJSON(w, http.StatusOK, result)
}
