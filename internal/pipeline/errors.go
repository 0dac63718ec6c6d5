package pipeline

import (
	"errors"
	"fmt"

	"workload-launcher-go/internal/models"
	"workload-launcher-go/internal/pods"
)

// StageError carries the context of a failed pipeline run.
type StageError struct {
	Stage      StageName
	WorkloadID string
	MutexKey   string
	// Role of the failing pod, when the failure came from the lifecycle client.
	Role models.PodRole
	Err  error
}

func (e *StageError) Error() string {
	msg := fmt.Sprintf("stage %s failed for workload %s (mutex %s)", e.Stage, e.WorkloadID, e.MutexKey)
	if e.Role != "" {
		msg += fmt.Sprintf(" on %s pod", e.Role)
	}
	return msg + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func newStageError(stage StageName, req models.LaunchRequest, err error) *StageError {
	se := &StageError{Stage: stage, WorkloadID: req.WorkloadID, MutexKey: req.MutexKey, Err: err}
	var pie *pods.PodInitError
	if errors.As(err, &pie) {
		se.Role = pie.Role
	}
	return se
}

// IsRetriable reports whether a failure may succeed on redelivery. Identity
// and mapping failures never will; pod initialisation failures might.
func IsRetriable(err error) bool {
	return pods.IsPodInitError(err)
}
