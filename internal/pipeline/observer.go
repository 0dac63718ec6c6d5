package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"workload-launcher-go/internal/models"
)

// Observer receives stage and pipeline outcomes. It must not affect the launch.
type Observer interface {
	StageCompleted(kind models.WorkloadKind, stage StageName, duration time.Duration, err error)
	PipelineCompleted(kind models.WorkloadKind, state State, duration time.Duration)
}

// NopObserver discards everything.
type NopObserver struct{}

func (NopObserver) StageCompleted(models.WorkloadKind, StageName, time.Duration, error) {}
func (NopObserver) PipelineCompleted(models.WorkloadKind, State, time.Duration)        {}

// StatusReporter is told about every run that reached SUCCEEDED or FAILED.
type StatusReporter interface {
	Report(ctx context.Context, lc *LaunchContext) error
}

// NopReporter reports nothing.
type NopReporter struct{}

func (NopReporter) Report(context.Context, *LaunchContext) error { return nil }

// StatusMarker records terminal workload statuses.
type StatusMarker interface {
	MarkLaunched(ctx context.Context, workloadID string) error
	MarkFailed(ctx context.Context, workloadID, reason string) error
}

// StoreReporter writes terminal statuses of claimed workloads to the store.
type StoreReporter struct {
	marker StatusMarker
	logger *zap.Logger
}

// NewStoreReporter creates a reporter backed by marker.
func NewStoreReporter(marker StatusMarker, logger *zap.Logger) *StoreReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreReporter{marker: marker, logger: logger}
}

// Report marks the workload launched or failed. Unclaimed and interrupted
// runs are left alone so that a redelivery can claim them again.
func (r *StoreReporter) Report(ctx context.Context, lc *LaunchContext) error {
	if !lc.Claimed || lc.Interrupted {
		return nil
	}
	switch lc.State {
	case StateSucceeded:
		return r.marker.MarkLaunched(ctx, lc.Request.WorkloadID)
	case StateFailed:
		reason := ""
		if lc.Err != nil {
			reason = lc.Err.Error()
		}
		return r.marker.MarkFailed(ctx, lc.Request.WorkloadID, reason)
	}
	return nil
}
