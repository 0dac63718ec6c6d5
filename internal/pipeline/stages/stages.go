// Package stages holds the concrete launch stages and the fixed stage list
// of each workload kind.
package stages

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"workload-launcher-go/internal/config"
	"workload-launcher-go/internal/labels"
	"workload-launcher-go/internal/models"
	"workload-launcher-go/internal/pipeline"
	"workload-launcher-go/internal/pods"
	"workload-launcher-go/internal/store"
)

// StatusStore is the read and claim side of the workload status store.
type StatusStore interface {
	Get(ctx context.Context, workloadID string) (*models.WorkloadRecord, error)
	Claim(ctx context.Context, workloadID, mutexKey string) (*store.ClaimResult, error)
}

// Lifecycle is the pod lifecycle client as seen by the stages.
type Lifecycle interface {
	PodsExistForAutoID(ctx context.Context, autoID uuid.UUID) (bool, error)
	DeleteMutexPods(ctx context.Context, mutexKey string) (bool, error)
	LaunchReplication(ctx context.Context, req models.LaunchRequest) (*pods.LaunchResult, error)
	LaunchCheck(ctx context.Context, req models.LaunchRequest) (*pods.LaunchResult, error)
}

// MutexLocker serialises launches of a mutex key across launcher replicas.
// *store.MutexLock implements it.
type MutexLocker interface {
	Acquire(ctx context.Context, mutexKey, token string) error
	Release(ctx context.Context, mutexKey, token string) error
}

// PayloadValidator checks a payload can be mapped to pods.
type PayloadValidator interface {
	Validate(payload models.Payload) error
}

// Deps are the collaborators of the stages.
type Deps struct {
	Capabilities config.Capabilities
	// Store is required when Capabilities.StatusStore is set and ignored otherwise.
	Store StatusStore
	// Locker is required when Capabilities.MutexLock is set and ignored otherwise.
	Locker    MutexLocker
	Lifecycle Lifecycle
	Labeler   *labels.Labeler
	Validator PayloadValidator
	Logger    *zap.Logger
}

func (d Deps) validate() error {
	if d.Lifecycle == nil {
		return errors.New("stages: lifecycle client is required")
	}
	if d.Validator == nil {
		return errors.New("stages: payload validator is required")
	}
	if d.Capabilities.StatusStore && d.Store == nil {
		return errors.New("stages: status store capability enabled without a store")
	}
	if d.Capabilities.MutexLock && d.Locker == nil {
		return errors.New("stages: mutex lock capability enabled without a locker")
	}
	return nil
}

func (d Deps) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

func (d Deps) labeler() *labels.Labeler {
	if d.Labeler == nil {
		return labels.NewLabeler()
	}
	return d.Labeler
}

// ReplicationStages returns CHECK_STATUS, CLAIM, BUILD_INPUT, MUTEX_LOCK,
// MUTEX_CHECK, LAUNCH.
func ReplicationStages(d Deps) ([]pipeline.Stage, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	list := append(d.statusStages(), BuildInput{labeler: d.labeler(), validator: d.Validator})
	list = append(list, d.lockStages()...)
	return append(list,
		MutexCheck{lifecycle: d.Lifecycle, logger: d.logger()},
		Launch{kind: models.WorkloadKindReplication, lifecycle: d.Lifecycle},
	), nil
}

// CheckStages returns CHECK_STATUS, CLAIM, BUILD_INPUT, MUTEX_LOCK, LAUNCH.
func CheckStages(d Deps) ([]pipeline.Stage, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	list := append(d.statusStages(), BuildInput{labeler: d.labeler(), validator: d.Validator})
	list = append(list, d.lockStages()...)
	return append(list,
		Launch{kind: models.WorkloadKindCheck, lifecycle: d.Lifecycle},
	), nil
}

func (d Deps) statusStages() []pipeline.Stage {
	if !d.Capabilities.StatusStore {
		return nil
	}
	return []pipeline.Stage{
		CheckStatus{store: d.Store, lifecycle: d.Lifecycle},
		Claim{store: d.Store},
	}
}

func (d Deps) lockStages() []pipeline.Stage {
	if !d.Capabilities.MutexLock {
		return nil
	}
	return []pipeline.Stage{MutexLock{locker: d.Locker, logger: d.logger()}}
}

// NewDispatcher builds both pipelines and a dispatcher over them.
func NewDispatcher(d Deps, observer pipeline.Observer, reporter pipeline.StatusReporter) (*pipeline.Dispatcher, error) {
	repl, err := ReplicationStages(d)
	if err != nil {
		return nil, err
	}
	check, err := CheckStages(d)
	if err != nil {
		return nil, err
	}
	logger := d.logger()
	return pipeline.NewDispatcher(observer, logger,
		pipeline.New(models.WorkloadKindReplication, repl, observer, reporter, logger),
		pipeline.New(models.WorkloadKindCheck, check, observer, reporter, logger),
	), nil
}

// CheckStatus skips workloads the store says need no launch.
type CheckStatus struct {
	store     StatusStore
	lifecycle Lifecycle
}

func (CheckStatus) Name() pipeline.StageName { return pipeline.StageCheckStatus }

func (s CheckStatus) Apply(ctx context.Context, lc *pipeline.LaunchContext) error {
	rec, err := s.store.Get(ctx, lc.Request.WorkloadID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	switch rec.Status {
	case models.WorkloadStatusCancelled, models.WorkloadStatusFailed:
		lc.Skip(fmt.Sprintf("workload is %s", rec.Status))
	case models.WorkloadStatusLaunched:
		exists, err := s.lifecycle.PodsExistForAutoID(ctx, lc.Request.AutoID)
		if err != nil {
			return err
		}
		if exists {
			lc.Skip("workload already launched and its pods exist")
		}
	}
	return nil
}

// Claim takes ownership of the workload for this dataplane.
type Claim struct {
	store StatusStore
}

func (Claim) Name() pipeline.StageName { return pipeline.StageClaim }

func (s Claim) Apply(ctx context.Context, lc *pipeline.LaunchContext) error {
	res, err := s.store.Claim(ctx, lc.Request.WorkloadID, lc.Request.MutexKey)
	if err != nil {
		return err
	}
	if !res.Claimed {
		lc.Skip(fmt.Sprintf("workload is %s by dataplane %s", res.Status, res.Dataplane))
		return nil
	}
	lc.Claimed = true
	return nil
}

// BuildInput rejects requests whose identity or payload cannot be launched,
// before any pod is touched.
type BuildInput struct {
	labeler   *labels.Labeler
	validator PayloadValidator
}

func (BuildInput) Name() pipeline.StageName { return pipeline.StageBuildInput }

func (s BuildInput) Apply(_ context.Context, lc *pipeline.LaunchContext) error {
	if err := s.labeler.Validate(labels.IdentityOf(lc.Request)); err != nil {
		return err
	}
	return s.validator.Validate(lc.Request.Payload)
}

// MutexLock holds the lock of the mutex key until the pipeline run ends, so
// that preemption and creation for one key never overlap between replicas.
type MutexLock struct {
	locker MutexLocker
	logger *zap.Logger
}

func (MutexLock) Name() pipeline.StageName { return pipeline.StageMutexLock }

func (s MutexLock) Apply(ctx context.Context, lc *pipeline.LaunchContext) error {
	key := lc.Request.MutexKey
	token := uuid.NewString()
	if err := s.locker.Acquire(ctx, key, token); err != nil {
		return err
	}
	lc.OnFinish(func(ctx context.Context) {
		if err := s.locker.Release(ctx, key, token); err != nil {
			s.logger.Warn("Failed to release mutex lock",
				zap.String("workload_id", lc.Request.WorkloadID),
				zap.String("mutex_key", key),
				zap.Error(err),
			)
		}
	})
	return nil
}

// MutexCheck deletes any active pod set left by an earlier launch of the
// same mutex key. Cluster errors are logged; the launch preempts again.
type MutexCheck struct {
	lifecycle Lifecycle
	logger    *zap.Logger
}

func (MutexCheck) Name() pipeline.StageName { return pipeline.StageMutexCheck }

func (s MutexCheck) Apply(ctx context.Context, lc *pipeline.LaunchContext) error {
	deleted, err := s.lifecycle.DeleteMutexPods(ctx, lc.Request.MutexKey)
	var idErr *labels.InvalidIdentityError
	if errors.As(err, &idErr) {
		return err
	}
	if err != nil {
		s.logger.Warn("Mutex check could not delete every stale pod",
			zap.String("workload_id", lc.Request.WorkloadID),
			zap.String("mutex_key", lc.Request.MutexKey),
			zap.Error(err),
		)
	}
	if deleted {
		lc.Preempted = true
	}
	return nil
}

// Launch provisions the pod set through the lifecycle client.
type Launch struct {
	kind      models.WorkloadKind
	lifecycle Lifecycle
}

func (Launch) Name() pipeline.StageName { return pipeline.StageLaunch }

func (s Launch) Apply(ctx context.Context, lc *pipeline.LaunchContext) error {
	var (
		result *pods.LaunchResult
		err    error
	)
	if s.kind == models.WorkloadKindReplication {
		result, err = s.lifecycle.LaunchReplication(ctx, lc.Request)
	} else {
		result, err = s.lifecycle.LaunchCheck(ctx, lc.Request)
	}
	if err != nil {
		return err
	}
	lc.Result = result
	if len(result.Preempted) > 0 {
		lc.Preempted = true
	}
	return nil
}
