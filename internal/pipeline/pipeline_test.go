package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workload-launcher-go/internal/labels"
	"workload-launcher-go/internal/models"
	"workload-launcher-go/internal/pods"
)

func testRequest() models.LaunchRequest {
	return models.LaunchRequest{
		WorkloadID: "w1",
		MutexKey:   "m1",
		AutoID:     uuid.New(),
		Payload:    models.Payload{Check: &models.CheckInput{JobID: "1", ActorType: "source", Image: "img"}},
	}
}

type recordingObserver struct {
	stages []StageName
	errs   []error
	final  State
}

func (o *recordingObserver) StageCompleted(_ models.WorkloadKind, stage StageName, _ time.Duration, err error) {
	o.stages = append(o.stages, stage)
	o.errs = append(o.errs, err)
}

func (o *recordingObserver) PipelineCompleted(_ models.WorkloadKind, state State, _ time.Duration) {
	o.final = state
}

type recordingMarker struct {
	launched []string
	failed   map[string]string
}

func (m *recordingMarker) MarkLaunched(_ context.Context, id string) error {
	m.launched = append(m.launched, id)
	return nil
}

func (m *recordingMarker) MarkFailed(_ context.Context, id, reason string) error {
	if m.failed == nil {
		m.failed = map[string]string{}
	}
	m.failed[id] = reason
	return nil
}

func noop(name StageName, ran *[]StageName) Stage {
	return NewStage(name, func(_ context.Context, lc *LaunchContext) error {
		*ran = append(*ran, name)
		return nil
	})
}

func claim(ran *[]StageName) Stage {
	return NewStage(StageClaim, func(_ context.Context, lc *LaunchContext) error {
		*ran = append(*ran, StageClaim)
		lc.Claimed = true
		return nil
	})
}

func TestPipelineSucceeds(t *testing.T) {
	var ran []StageName
	observer := &recordingObserver{}
	marker := &recordingMarker{}
	p := New(models.WorkloadKindCheck, []Stage{
		claim(&ran),
		noop(StageBuildInput, &ran),
		noop(StageLaunch, &ran),
	}, observer, NewStoreReporter(marker, nil), nil)

	lc := p.Run(context.Background(), testRequest())

	assert.Equal(t, StateSucceeded, lc.State)
	assert.NoError(t, lc.Err)
	assert.Equal(t, StageLaunch, lc.Stage)
	assert.Equal(t, []StageName{StageClaim, StageBuildInput, StageLaunch}, ran)
	assert.Equal(t, ran, observer.stages)
	assert.Equal(t, StateSucceeded, observer.final)
	assert.Equal(t, []string{"w1"}, marker.launched)
	assert.Equal(t, []StageName{StageClaim, StageBuildInput, StageLaunch}, p.StageNames())
}

func TestPipelineSkipShortCircuits(t *testing.T) {
	var ran []StageName
	marker := &recordingMarker{}
	p := New(models.WorkloadKindCheck, []Stage{
		NewStage(StageCheckStatus, func(_ context.Context, lc *LaunchContext) error {
			lc.Skip("already launched")
			return nil
		}),
		noop(StageLaunch, &ran),
	}, nil, NewStoreReporter(marker, nil), nil)

	lc := p.Run(context.Background(), testRequest())

	assert.Equal(t, StateSkipped, lc.State)
	assert.Equal(t, "already launched", lc.SkipReason)
	assert.Equal(t, StageCheckStatus, lc.Stage)
	assert.Empty(t, ran)
	assert.Empty(t, marker.launched)
	assert.Empty(t, marker.failed)
}

func TestPipelineFailure(t *testing.T) {
	var ran []StageName
	marker := &recordingMarker{}
	initErr := &pods.PodInitError{Step: pods.StepCreate, PodName: "orch", Role: models.RoleOrchestrator, Err: errors.New("quota")}

	p := New(models.WorkloadKindCheck, []Stage{
		claim(&ran),
		NewStage(StageLaunch, func(context.Context, *LaunchContext) error { return initErr }),
		noop(StageMutexCheck, &ran),
	}, nil, NewStoreReporter(marker, nil), nil)

	lc := p.Run(context.Background(), testRequest())

	require.Equal(t, StateFailed, lc.State)
	assert.Equal(t, StageLaunch, lc.Stage)
	assert.False(t, lc.Interrupted)
	assert.Equal(t, []StageName{StageClaim}, ran)

	var se *StageError
	require.ErrorAs(t, lc.Err, &se)
	assert.Equal(t, StageLaunch, se.Stage)
	assert.Equal(t, "w1", se.WorkloadID)
	assert.Equal(t, "m1", se.MutexKey)
	assert.Equal(t, models.RoleOrchestrator, se.Role)
	assert.ErrorIs(t, lc.Err, initErr)
	assert.True(t, IsRetriable(lc.Err))

	assert.Contains(t, marker.failed["w1"], "quota")
}

func TestPipelineUnclaimedFailureIsNotReported(t *testing.T) {
	marker := &recordingMarker{}
	p := New(models.WorkloadKindCheck, []Stage{
		NewStage(StageBuildInput, func(context.Context, *LaunchContext) error {
			return &labels.InvalidIdentityError{Field: "mutex_key", Reason: "must not be empty"}
		}),
	}, nil, NewStoreReporter(marker, nil), nil)

	lc := p.Run(context.Background(), testRequest())
	require.Equal(t, StateFailed, lc.State)
	assert.False(t, IsRetriable(lc.Err))
	assert.Empty(t, marker.failed)
}

func TestPipelineInterrupted(t *testing.T) {
	var ran []StageName
	marker := &recordingMarker{}
	ctx, cancel := context.WithCancel(context.Background())

	p := New(models.WorkloadKindCheck, []Stage{
		claim(&ran),
		NewStage(StageLaunch, func(ctx context.Context, _ *LaunchContext) error {
			cancel()
			return &pods.PodInitError{Step: pods.StepWaitInit, Err: ctx.Err()}
		}),
		noop(StageMutexCheck, &ran),
	}, nil, NewStoreReporter(marker, nil), nil)

	lc := p.Run(ctx, testRequest())
	assert.Equal(t, StateFailed, lc.State)
	assert.True(t, lc.Interrupted)
	assert.Empty(t, marker.failed, "interrupted runs stay claimable")
}

func TestPipelineCancelledBeforeFirstStage(t *testing.T) {
	var ran []StageName
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New(models.WorkloadKindCheck, []Stage{noop(StageLaunch, &ran)}, nil, nil, nil)
	lc := p.Run(ctx, testRequest())

	assert.Equal(t, StateFailed, lc.State)
	assert.True(t, lc.Interrupted)
	assert.ErrorIs(t, lc.Err, context.Canceled)
	assert.Empty(t, ran)
}

func TestDispatcher(t *testing.T) {
	var ran []StageName
	check := New(models.WorkloadKindCheck, []Stage{noop(StageLaunch, &ran)}, nil, nil, nil)
	observer := &recordingObserver{}
	d := NewDispatcher(observer, nil, check)

	lc := d.Run(context.Background(), testRequest())
	assert.Equal(t, StateSucceeded, lc.State)
	assert.Equal(t, models.WorkloadKindCheck, lc.Kind)

	t.Run("empty payload fails at build input", func(t *testing.T) {
		req := testRequest()
		req.Payload = models.Payload{}
		lc := d.Run(context.Background(), req)
		assert.Equal(t, StateFailed, lc.State)
		assert.Equal(t, StageBuildInput, lc.Stage)
		assert.ErrorIs(t, lc.Err, models.ErrEmptyPayload)
		assert.Equal(t, StateFailed, observer.final)
	})

	t.Run("kind without pipeline fails", func(t *testing.T) {
		req := testRequest()
		req.Payload = models.Payload{Replication: &models.ReplicationInput{JobID: "1"}}
		lc := d.Run(context.Background(), req)
		assert.Equal(t, StateFailed, lc.State)
		assert.Contains(t, lc.Err.Error(), "no pipeline")
	})
}

func TestPipelineRunsFinishHooks(t *testing.T) {
	hook := func(calls *[]string, name string) func(context.Context) {
		return func(ctx context.Context) {
			if ctx.Err() == nil {
				*calls = append(*calls, name)
			}
		}
	}
	register := func(calls *[]string) Stage {
		return NewStage(StageMutexLock, func(_ context.Context, lc *LaunchContext) error {
			lc.OnFinish(hook(calls, "first"))
			lc.OnFinish(hook(calls, "second"))
			return nil
		})
	}

	tests := []struct {
		name   string
		launch func(ctx context.Context, cancel context.CancelFunc) error
		state  State
	}{
		{
			name:   "success",
			launch: func(context.Context, context.CancelFunc) error { return nil },
			state:  StateSucceeded,
		},
		{
			name:   "failure",
			launch: func(context.Context, context.CancelFunc) error { return errors.New("quota") },
			state:  StateFailed,
		},
		{
			name: "interrupted",
			launch: func(ctx context.Context, cancel context.CancelFunc) error {
				cancel()
				return ctx.Err()
			},
			state: StateFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls []string
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			p := New(models.WorkloadKindCheck, []Stage{
				register(&calls),
				NewStage(StageLaunch, func(ctx context.Context, _ *LaunchContext) error { return tt.launch(ctx, cancel) }),
			}, nil, nil, nil)

			lc := p.Run(ctx, testRequest())
			assert.Equal(t, tt.state, lc.State)
			assert.Equal(t, []string{"second", "first"}, calls)
		})
	}

	t.Run("panic", func(t *testing.T) {
		var calls []string
		p := New(models.WorkloadKindCheck, []Stage{
			register(&calls),
			NewStage(StageLaunch, func(context.Context, *LaunchContext) error { panic("nil map") }),
		}, nil, nil, nil)

		assert.Panics(t, func() { p.Run(context.Background(), testRequest()) })
		assert.Equal(t, []string{"second", "first"}, calls)
	})
}
