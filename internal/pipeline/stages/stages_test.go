package stages

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"workload-launcher-go/internal/config"
	"workload-launcher-go/internal/labels"
	"workload-launcher-go/internal/mapper"
	"workload-launcher-go/internal/models"
	"workload-launcher-go/internal/pipeline"
	"workload-launcher-go/internal/pods"
	"workload-launcher-go/internal/store"
)

type fakeStore struct {
	records map[string]*models.WorkloadRecord
	claim   *store.ClaimResult
	getErr  error
	claims  int
}

func (f *fakeStore) Get(_ context.Context, id string) (*models.WorkloadRecord, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	rec, ok := f.records[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec, nil
}

func (f *fakeStore) Claim(context.Context, string, string) (*store.ClaimResult, error) {
	f.claims++
	if f.claim != nil {
		return f.claim, nil
	}
	return &store.ClaimResult{Claimed: true, Status: models.WorkloadStatusClaimed, Dataplane: "dp"}, nil
}

type fakeLifecycle struct {
	podsExist   bool
	deleted     bool
	deleteErr   error
	launchErr   error
	preempted   []string
	replication int
	check       int
	deletes     int
}

func (f *fakeLifecycle) PodsExistForAutoID(context.Context, uuid.UUID) (bool, error) {
	return f.podsExist, nil
}

func (f *fakeLifecycle) DeleteMutexPods(_ context.Context, key string) (bool, error) {
	f.deletes++
	if _, err := labels.NewLabeler().MutexLabels(key); err != nil {
		return false, err
	}
	return f.deleted, f.deleteErr
}

func (f *fakeLifecycle) LaunchReplication(context.Context, models.LaunchRequest) (*pods.LaunchResult, error) {
	f.replication++
	if f.launchErr != nil {
		return nil, f.launchErr
	}
	return &pods.LaunchResult{Kind: models.WorkloadKindReplication, Preempted: f.preempted}, nil
}

func (f *fakeLifecycle) LaunchCheck(context.Context, models.LaunchRequest) (*pods.LaunchResult, error) {
	f.check++
	if f.launchErr != nil {
		return nil, f.launchErr
	}
	return &pods.LaunchResult{Kind: models.WorkloadKindCheck, Preempted: f.preempted}, nil
}

func testValidator() PayloadValidator {
	return mapper.NewMapper(mapper.Config{OrchestratorImage: "orchestrator:1.0"})
}

func checkRequest() models.LaunchRequest {
	return models.LaunchRequest{
		WorkloadID: "w1",
		MutexKey:   "m1",
		AutoID:     uuid.New(),
		Payload:    models.Payload{Check: &models.CheckInput{JobID: "1", ActorType: "source", Image: "img"}},
	}
}

func replicationRequest() models.LaunchRequest {
	return models.LaunchRequest{
		WorkloadID: "w2",
		MutexKey:   "m2",
		AutoID:     uuid.New(),
		Payload: models.Payload{Replication: &models.ReplicationInput{
			ConnectionID: "c", JobID: "1", SourceImage: "src", DestinationImage: "dst",
		}},
	}
}

func names(list []pipeline.Stage) []pipeline.StageName {
	out := make([]pipeline.StageName, len(list))
	for i, s := range list {
		out[i] = s.Name()
	}
	return out
}

func TestStageLists(t *testing.T) {
	deps := Deps{
		Capabilities: config.Capabilities{StatusStore: true},
		Store:        &fakeStore{},
		Lifecycle:    &fakeLifecycle{},
		Validator:    testValidator(),
	}

	repl, err := ReplicationStages(deps)
	require.NoError(t, err)
	assert.Equal(t, []pipeline.StageName{
		pipeline.StageCheckStatus, pipeline.StageClaim, pipeline.StageBuildInput, pipeline.StageMutexCheck, pipeline.StageLaunch,
	}, names(repl))

	check, err := CheckStages(deps)
	require.NoError(t, err)
	assert.Equal(t, []pipeline.StageName{
		pipeline.StageCheckStatus, pipeline.StageClaim, pipeline.StageBuildInput, pipeline.StageLaunch,
	}, names(check))

	deps.Capabilities.StatusStore = false
	deps.Store = nil
	check, err = CheckStages(deps)
	require.NoError(t, err)
	assert.Equal(t, []pipeline.StageName{pipeline.StageBuildInput, pipeline.StageLaunch}, names(check))

	deps.Capabilities.StatusStore = true
	_, err = ReplicationStages(deps)
	assert.Error(t, err)

	deps = Deps{
		Capabilities: config.Capabilities{MutexLock: true},
		Locker:       &fakeLocker{},
		Lifecycle:    &fakeLifecycle{},
		Validator:    testValidator(),
	}
	repl, err = ReplicationStages(deps)
	require.NoError(t, err)
	assert.Equal(t, []pipeline.StageName{
		pipeline.StageBuildInput, pipeline.StageMutexLock, pipeline.StageMutexCheck, pipeline.StageLaunch,
	}, names(repl))

	check, err = CheckStages(deps)
	require.NoError(t, err)
	assert.Equal(t, []pipeline.StageName{pipeline.StageBuildInput, pipeline.StageMutexLock, pipeline.StageLaunch}, names(check))

	deps.Locker = nil
	_, err = CheckStages(deps)
	assert.ErrorContains(t, err, "without a locker")
}

func TestCheckStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    models.WorkloadStatus
		podsExist bool
		skipped   bool
	}{
		{name: "unknown workload runs", status: models.WorkloadStatusUnknown},
		{name: "claimed workload runs", status: models.WorkloadStatusClaimed},
		{name: "launched with pods is skipped", status: models.WorkloadStatusLaunched, podsExist: true, skipped: true},
		{name: "launched without pods relaunches", status: models.WorkloadStatusLaunched},
		{name: "cancelled is skipped", status: models.WorkloadStatusCancelled, skipped: true},
		{name: "failed is skipped", status: models.WorkloadStatusFailed, skipped: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := &fakeStore{records: map[string]*models.WorkloadRecord{}}
			if tt.status != models.WorkloadStatusUnknown {
				fs.records["w1"] = &models.WorkloadRecord{WorkloadID: "w1", Status: tt.status}
			}
			stage := CheckStatus{store: fs, lifecycle: &fakeLifecycle{podsExist: tt.podsExist}}

			lc := pipeline.NewLaunchContext(checkRequest(), models.WorkloadKindCheck)
			lc.State = pipeline.StateRunning
			require.NoError(t, stage.Apply(context.Background(), lc))
			assert.Equal(t, tt.skipped, lc.State == pipeline.StateSkipped)
		})
	}

	t.Run("store error fails", func(t *testing.T) {
		stage := CheckStatus{store: &fakeStore{getErr: errors.New("redis down")}, lifecycle: &fakeLifecycle{}}
		lc := pipeline.NewLaunchContext(checkRequest(), models.WorkloadKindCheck)
		assert.Error(t, stage.Apply(context.Background(), lc))
	})
}

func TestClaim(t *testing.T) {
	lc := pipeline.NewLaunchContext(checkRequest(), models.WorkloadKindCheck)
	require.NoError(t, Claim{store: &fakeStore{}}.Apply(context.Background(), lc))
	assert.True(t, lc.Claimed)

	refused := &fakeStore{claim: &store.ClaimResult{Status: models.WorkloadStatusClaimed, Dataplane: "dp-other"}}
	lc = pipeline.NewLaunchContext(checkRequest(), models.WorkloadKindCheck)
	require.NoError(t, Claim{store: refused}.Apply(context.Background(), lc))
	assert.False(t, lc.Claimed)
	assert.Equal(t, pipeline.StateSkipped, lc.State)
	assert.Contains(t, lc.SkipReason, "dp-other")
}

func TestBuildInput(t *testing.T) {
	stage := BuildInput{labeler: labels.NewLabeler(), validator: testValidator()}

	lc := pipeline.NewLaunchContext(checkRequest(), models.WorkloadKindCheck)
	assert.NoError(t, stage.Apply(context.Background(), lc))

	req := checkRequest()
	req.AutoID = uuid.Nil
	var idErr *labels.InvalidIdentityError
	assert.ErrorAs(t, stage.Apply(context.Background(), pipeline.NewLaunchContext(req, models.WorkloadKindCheck)), &idErr)

	req = checkRequest()
	req.Payload.Check.ActorType = "sidecar"
	var mapErr *mapper.MappingError
	assert.ErrorAs(t, stage.Apply(context.Background(), pipeline.NewLaunchContext(req, models.WorkloadKindCheck)), &mapErr)
}

func TestMutexCheck(t *testing.T) {
	lifecycle := &fakeLifecycle{deleted: true}
	stage := MutexCheck{lifecycle: lifecycle, logger: zap.NewNop()}

	lc := pipeline.NewLaunchContext(replicationRequest(), models.WorkloadKindReplication)
	require.NoError(t, stage.Apply(context.Background(), lc))
	assert.True(t, lc.Preempted)

	lifecycle = &fakeLifecycle{deleteErr: errors.New("forbidden")}
	stage.lifecycle = lifecycle
	lc = pipeline.NewLaunchContext(replicationRequest(), models.WorkloadKindReplication)
	require.NoError(t, stage.Apply(context.Background(), lc), "cluster errors do not fail the launch")
	assert.False(t, lc.Preempted)

	req := replicationRequest()
	req.MutexKey = ""
	assert.Error(t, stage.Apply(context.Background(), pipeline.NewLaunchContext(req, models.WorkloadKindReplication)))
}

func TestLaunch(t *testing.T) {
	lifecycle := &fakeLifecycle{preempted: []string{"old"}}

	lc := pipeline.NewLaunchContext(replicationRequest(), models.WorkloadKindReplication)
	require.NoError(t, Launch{kind: models.WorkloadKindReplication, lifecycle: lifecycle}.Apply(context.Background(), lc))
	assert.Equal(t, 1, lifecycle.replication)
	assert.True(t, lc.Preempted)
	require.NotNil(t, lc.Result)

	lc = pipeline.NewLaunchContext(checkRequest(), models.WorkloadKindCheck)
	require.NoError(t, Launch{kind: models.WorkloadKindCheck, lifecycle: lifecycle}.Apply(context.Background(), lc))
	assert.Equal(t, 1, lifecycle.check)

	lifecycle.launchErr = &pods.PodInitError{Step: pods.StepCreate}
	err := Launch{kind: models.WorkloadKindCheck, lifecycle: lifecycle}.Apply(context.Background(), lc)
	assert.True(t, pods.IsPodInitError(err))
}

func TestDispatcherRunsStoreBackedPipeline(t *testing.T) {
	fs := &fakeStore{records: map[string]*models.WorkloadRecord{
		"w1": {WorkloadID: "w1", Status: models.WorkloadStatusLaunched},
	}}
	lifecycle := &fakeLifecycle{podsExist: true}

	d, err := NewDispatcher(Deps{
		Capabilities: config.Capabilities{StatusStore: true},
		Store:        fs,
		Lifecycle:    lifecycle,
		Validator:    testValidator(),
	}, nil, nil)
	require.NoError(t, err)

	lc := d.Run(context.Background(), checkRequest())
	assert.Equal(t, pipeline.StateSkipped, lc.State)
	assert.Equal(t, 0, fs.claims)
	assert.Equal(t, 0, lifecycle.check)

	lc = d.Run(context.Background(), replicationRequest())
	assert.Equal(t, pipeline.StateSucceeded, lc.State)
	assert.True(t, lc.Claimed)
	assert.Equal(t, 1, lifecycle.deletes)
	assert.Equal(t, 1, lifecycle.replication)
}
