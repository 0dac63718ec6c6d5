package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"workload-launcher-go/internal/models"
)

// reportTimeout bounds status reporting and finish hooks, which also run
// after cancellation.
const reportTimeout = 5 * time.Second

// Pipeline runs the fixed stage list of one workload kind.
type Pipeline struct {
	kind     models.WorkloadKind
	stages   []Stage
	observer Observer
	reporter StatusReporter
	logger   *zap.Logger
}

// New creates a pipeline. Nil observer and reporter are replaced by no-ops.
func New(kind models.WorkloadKind, stages []Stage, observer Observer, reporter StatusReporter, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if observer == nil {
		observer = NopObserver{}
	}
	if reporter == nil {
		reporter = NopReporter{}
	}
	return &Pipeline{
		kind:     kind,
		stages:   stages,
		observer: observer,
		reporter: reporter,
		logger:   logger.With(zap.String("kind", string(kind))),
	}
}

// Kind returns the workload kind this pipeline launches.
func (p *Pipeline) Kind() models.WorkloadKind {
	return p.kind
}

// StageNames lists the stages in execution order.
func (p *Pipeline) StageNames() []StageName {
	names := make([]StageName, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// Run threads req through every stage and returns the terminal context.
func (p *Pipeline) Run(ctx context.Context, req models.LaunchRequest) *LaunchContext {
	lc := NewLaunchContext(req, p.kind)
	lc.StartedAt = time.Now()
	lc.State = StateRunning
	defer p.finish(ctx, lc)

	logger := p.logger.With(
		zap.String("workload_id", req.WorkloadID),
		zap.String("mutex_key", req.MutexKey),
	)

	for _, stage := range p.stages {
		lc.Stage = stage.Name()

		if err := ctx.Err(); err != nil {
			p.fail(lc, err)
			break
		}

		start := time.Now()
		err := stage.Apply(ctx, lc)
		p.observer.StageCompleted(p.kind, stage.Name(), time.Since(start), err)

		if err != nil {
			p.fail(lc, err)
			break
		}
		if lc.State == StateSkipped {
			break
		}
	}

	if lc.State == StateRunning {
		lc.State = StateSucceeded
	}
	if lc.State == StateFailed && ctx.Err() != nil {
		lc.Interrupted = true
	}
	lc.FinishedAt = time.Now()

	p.report(ctx, lc, logger)
	p.observer.PipelineCompleted(p.kind, lc.State, lc.Duration())

	switch lc.State {
	case StateSucceeded:
		logger.Info("Workload launched",
			zap.Bool("preempted", lc.Preempted),
			zap.Duration("duration", lc.Duration()),
		)
	case StateSkipped:
		logger.Info("Workload skipped",
			zap.String("stage", string(lc.Stage)),
			zap.String("reason", lc.SkipReason),
		)
	case StateFailed:
		logger.Error("Workload launch failed",
			zap.String("stage", string(lc.Stage)),
			zap.Bool("retriable", IsRetriable(lc.Err)),
			zap.Bool("interrupted", lc.Interrupted),
			zap.Error(lc.Err),
		)
	}
	return lc
}

func (p *Pipeline) fail(lc *LaunchContext, err error) {
	lc.State = StateFailed
	lc.Err = newStageError(lc.Stage, lc.Request, err)
}

// finish runs the OnFinish hooks of lc, also after a panic in a stage.
func (p *Pipeline) finish(ctx context.Context, lc *LaunchContext) {
	if len(lc.onFinish) == 0 {
		return
	}
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	for i := len(lc.onFinish) - 1; i >= 0; i-- {
		lc.onFinish[i](fctx)
	}
	lc.onFinish = nil
}

func (p *Pipeline) report(ctx context.Context, lc *LaunchContext, logger *zap.Logger) {
	if lc.State != StateSucceeded && lc.State != StateFailed {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	if err := p.reporter.Report(rctx, lc); err != nil {
		logger.Warn("Failed to report workload status", zap.Error(err))
	}
}

// Dispatcher selects the pipeline matching the payload kind of a request.
type Dispatcher struct {
	pipelines map[models.WorkloadKind]*Pipeline
	observer  Observer
	logger    *zap.Logger
}

// NewDispatcher creates a dispatcher over pipelines.
func NewDispatcher(observer Observer, logger *zap.Logger, pipelines ...*Pipeline) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if observer == nil {
		observer = NopObserver{}
	}
	d := &Dispatcher{
		pipelines: make(map[models.WorkloadKind]*Pipeline, len(pipelines)),
		observer:  observer,
		logger:    logger,
	}
	for _, p := range pipelines {
		d.pipelines[p.Kind()] = p
	}
	return d
}

// Run launches req through the pipeline of its kind. A request whose payload
// has no usable kind fails at BUILD_INPUT without touching any collaborator.
func (d *Dispatcher) Run(ctx context.Context, req models.LaunchRequest) *LaunchContext {
	kind, err := req.Payload.Kind()
	if err == nil {
		if p, ok := d.pipelines[kind]; ok {
			return p.Run(ctx, req)
		}
		err = fmt.Errorf("no pipeline for workload kind %q", kind)
	}

	lc := NewLaunchContext(req, kind)
	lc.StartedAt = time.Now()
	lc.FinishedAt = lc.StartedAt
	lc.Stage = StageBuildInput
	lc.State = StateFailed
	lc.Err = newStageError(StageBuildInput, req, err)
	d.observer.PipelineCompleted(kind, lc.State, 0)
	d.logger.Error("Rejected launch request",
		zap.String("workload_id", req.WorkloadID),
		zap.String("mutex_key", req.MutexKey),
		zap.Error(lc.Err),
	)
	return lc
}
