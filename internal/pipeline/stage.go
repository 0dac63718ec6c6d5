// Package pipeline threads a launch request through an ordered list of
// stages until it reaches a terminal state.
package pipeline

import (
	"context"
	"time"

	"workload-launcher-go/internal/models"
	"workload-launcher-go/internal/pods"
)

// StageName is drawn from a fixed enumeration.
type StageName string

const (
	StageCheckStatus StageName = "CHECK_STATUS"
	StageClaim       StageName = "CLAIM"
	StageBuildInput  StageName = "BUILD_INPUT"
	StageMutexLock   StageName = "MUTEX_LOCK"
	StageMutexCheck  StageName = "MUTEX_CHECK"
	StageLaunch      StageName = "LAUNCH"
)

// Stage is one step of a launch. Returning an error fails the pipeline; a
// stage ends it early without failing by calling LaunchContext.Skip.
type Stage interface {
	Name() StageName
	Apply(ctx context.Context, lc *LaunchContext) error
}

type stageFunc struct {
	name StageName
	fn   func(ctx context.Context, lc *LaunchContext) error
}

// NewStage adapts a function to the Stage interface.
func NewStage(name StageName, fn func(ctx context.Context, lc *LaunchContext) error) Stage {
	return stageFunc{name: name, fn: fn}
}

func (s stageFunc) Name() StageName { return s.name }

func (s stageFunc) Apply(ctx context.Context, lc *LaunchContext) error { return s.fn(ctx, lc) }

// State of a launch. PENDING -> RUNNING -> SUCCEEDED | FAILED | SKIPPED.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
	StateSkipped   State = "SKIPPED"
)

// IsTerminal reports whether no further transition can occur.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateSkipped
}

// LaunchContext is the mutable record of one pipeline run.
type LaunchContext struct {
	Request models.LaunchRequest
	Kind    models.WorkloadKind

	State State
	// Stage is the stage currently running, or the last one that ran.
	Stage      StageName
	Err        error
	SkipReason string
	// Interrupted is set when the run failed because its context was cancelled.
	Interrupted bool

	// Claimed is set once this launcher owns the workload in the status store.
	Claimed bool
	// Preempted is set when a stale pod set of the mutex key was deleted.
	Preempted bool
	Result    *pods.LaunchResult

	StartedAt  time.Time
	FinishedAt time.Time

	onFinish []func(ctx context.Context)
}

// NewLaunchContext creates a pending context for req.
func NewLaunchContext(req models.LaunchRequest, kind models.WorkloadKind) *LaunchContext {
	return &LaunchContext{Request: req, Kind: kind, State: StatePending}
}

// OnFinish registers fn to run when the pipeline run ends, whatever its
// outcome. Functions run in reverse registration order.
func (lc *LaunchContext) OnFinish(fn func(ctx context.Context)) {
	lc.onFinish = append(lc.onFinish, fn)
}

// Skip ends the pipeline without running later stages.
func (lc *LaunchContext) Skip(reason string) {
	lc.State = StateSkipped
	lc.SkipReason = reason
}

// Duration is the wall time of the run so far.
func (lc *LaunchContext) Duration() time.Duration {
	if lc.StartedAt.IsZero() {
		return 0
	}
	if lc.FinishedAt.IsZero() {
		return time.Since(lc.StartedAt)
	}
	return lc.FinishedAt.Sub(lc.StartedAt)
}
