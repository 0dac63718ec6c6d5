package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"workload-launcher-go/internal/api/middleware"
	"workload-launcher-go/internal/labels"
	"workload-launcher-go/internal/mapper"
	"workload-launcher-go/internal/models"
)

// Publisher enqueues launch requests on the inbound transport.
type Publisher interface {
	Publish(ctx context.Context, req models.LaunchRequest) error
}

// PayloadValidator checks a payload before it is enqueued.
type PayloadValidator interface {
	Validate(payload models.Payload) error
}

// LaunchHandler enqueues launch requests
type LaunchHandler struct {
	publisher Publisher
	labeler   *labels.Labeler
	validator PayloadValidator
	logger    *zap.Logger
}

// NewLaunchHandler creates a new launch handler
func NewLaunchHandler(publisher Publisher, labeler *labels.Labeler, validator PayloadValidator, logger *zap.Logger) *LaunchHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if labeler == nil {
		labeler = labels.NewLabeler()
	}
	return &LaunchHandler{
		publisher: publisher,
		labeler:   labeler,
		validator: validator,
		logger:    logger,
	}
}

// Handle handles POST /api/v1/launch
func (h *LaunchHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.publisher == nil {
		respondWithError(w, http.StatusNotImplemented, "launch queue not configured")
		return
	}

	var req models.LaunchRequest
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode launch request", zap.Error(err))
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	kind, err := req.Payload.Kind()
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Reject what the pipeline would fail at BUILD_INPUT anyway.
	if err := h.labeler.Validate(labels.IdentityOf(req)); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.validator != nil {
		if err := h.validator.Validate(req.Payload); err != nil {
			var mapErr *mapper.MappingError
			if errors.As(err, &mapErr) {
				respondWithError(w, http.StatusBadRequest, err.Error())
				return
			}
			h.logger.Error("payload validation failed", zap.Error(err))
			respondWithError(w, http.StatusInternalServerError, "validation failed")
			return
		}
	}

	if err := h.publisher.Publish(ctx, req); err != nil {
		h.logger.Error("failed to enqueue launch request",
			zap.Error(err),
			zap.String("workload_id", req.WorkloadID),
			zap.String("mutex_key", req.MutexKey),
		)
		respondWithError(w, http.StatusServiceUnavailable, "failed to enqueue launch request")
		return
	}

	h.logger.Info("launch request enqueued",
		zap.String("workload_id", req.WorkloadID),
		zap.String("mutex_key", req.MutexKey),
		zap.String("kind", string(kind)),
	)
	middleware.LaunchesEnqueuedTotal.WithLabelValues(string(kind)).Inc()

	respondWithJSON(w, http.StatusAccepted, models.LaunchAccepted{
		WorkloadID: req.WorkloadID,
		MutexKey:   req.MutexKey,
		Queued:     true,
	})
}
