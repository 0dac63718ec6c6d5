package mapper

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/util/validation"

	"workload-launcher-go/internal/labels"
	"workload-launcher-go/internal/models"
)

func newTestMapper() *Mapper {
	return NewMapper(Config{
		OrchestratorImage:  "orchestrator:1.0",
		NodeSelectors:      map[string]string{"pool": "jobs"},
		CheckNodeSelectors: map[string]string{"pool": "checks"},
	}, WithNameSuffix(func() string { return "abcde" }))
}

func replicationRequest() models.LaunchRequest {
	return models.LaunchRequest{
		WorkloadID: "w1",
		MutexKey:   "m1",
		AutoID:     uuid.MustParse("6f1c1f0e-3f3c-4a4e-9d59-0c8a2b0f6d11"),
		Payload: models.Payload{Replication: &models.ReplicationInput{
			ConnectionID:      "conn-1",
			JobID:             "42",
			Attempt:           1,
			SourceImage:       "source-pg:1.0",
			DestinationImage:  "dest-s3:2.0",
			SourceConfig:      json.RawMessage(`{"host":"db"}`),
			DestinationConfig: json.RawMessage(`{"bucket":"b"}`),
			SourceRes:         models.ResourceRequirements{MemoryLimit: "4Gi"},
		}},
	}
}

func checkRequest() models.LaunchRequest {
	return models.LaunchRequest{
		WorkloadID: "w2",
		MutexKey:   "m2",
		AutoID:     uuid.MustParse("0b7e8f7c-1e0a-4f55-8a3c-4c2b5e9f0a01"),
		Payload: models.Payload{Check: &models.CheckInput{
			JobID:            "7",
			ActorType:        "source",
			Image:            "source-pg:1.0",
			ConnectionConfig: json.RawMessage(`{"host":"db"}`),
		}},
	}
}

func labelsFor(t *testing.T, req models.LaunchRequest) labels.LabelSet {
	t.Helper()
	set, err := labels.NewLabeler().Labels(labels.IdentityOf(req))
	require.NoError(t, err)
	return set
}

func TestToKubeInputReplication(t *testing.T) {
	m := newTestMapper()
	req := replicationRequest()

	in, err := m.ToKubeInput(req, labelsFor(t, req))
	require.NoError(t, err)

	descs := in.Descriptors()
	require.Len(t, descs, 3)
	assert.Equal(t, models.RoleOrchestrator, descs[0].Role)
	assert.Equal(t, models.RoleSource, descs[1].Role)
	assert.Equal(t, models.RoleDestination, descs[2].Role)

	assert.Equal(t, "orchestrator-repl-job-42-attempt-1-abcde", in.Orchestrator.Name)
	assert.Equal(t, "abcde", in.LaunchID)
	assert.Equal(t, "orchestrator:1.0", in.Orchestrator.Image)
	assert.Equal(t, "source-pg:1.0", descs[1].Image)
	assert.Equal(t, "dest-s3:2.0", descs[2].Image)

	for _, d := range descs {
		assert.Equal(t, "m1", d.Labels[labels.LabelMutexKey])
		assert.Equal(t, string(d.Role), d.Labels[labels.LabelComponent])
		assert.Equal(t, "replication", d.Labels[labels.LabelKind])
		assert.Equal(t, "abcde", d.Labels[labels.LabelLaunchID])
		assert.Equal(t, "jobs", d.NodeSelector["pool"])
		assert.Equal(t, "w1", d.Annotations[AnnotationWorkloadID])
		assert.Equal(t, "42", d.Env[EnvJobID])
	}

	srcMem := descs[1].Resources.Limits[corev1.ResourceMemory]
	assert.Equal(t, "4Gi", srcMem.String())
	srcCPU := descs[1].Resources.Requests[corev1.ResourceCPU]
	assert.Equal(t, "500m", srcCPU.String())

	assert.Contains(t, in.Files, FileReplicationInput)
	assert.Equal(t, `{"host":"db"}`, string(in.Files[FileSourceConfig]))
	assert.NotContains(t, in.Files, FileCatalog)
}

func TestToKubeInputCheck(t *testing.T) {
	m := newTestMapper()
	req := checkRequest()

	in, err := m.ToKubeInput(req, labelsFor(t, req))
	require.NoError(t, err)

	descs := in.Descriptors()
	require.Len(t, descs, 2)
	assert.Equal(t, models.RoleOrchestrator, descs[0].Role)
	assert.Equal(t, models.RoleConnector, descs[1].Role)
	assert.Equal(t, "connector-source-check-7-0-abcde", descs[1].Name)
	assert.Equal(t, "checks", descs[1].NodeSelector["pool"])

	cpu := descs[1].Resources.Requests[corev1.ResourceCPU]
	assert.Equal(t, "100m", cpu.String())

	assert.Contains(t, in.Files, FileCheckInput)
	assert.Contains(t, in.Files, FileConnectorConfig)
}

func TestToKubeInputPayloadSelectorsOverrideDefaults(t *testing.T) {
	m := newTestMapper()
	req := checkRequest()
	req.Payload.Check.NodeSelectors = map[string]string{"pool": "isolated"}

	in, err := m.ToKubeInput(req, labelsFor(t, req))
	require.NoError(t, err)
	assert.Equal(t, "isolated", in.Orchestrator.NodeSelector["pool"])
}

func TestToKubeInputErrors(t *testing.T) {
	tests := []struct {
		name     string
		req      func() models.LaunchRequest
		errorMsg string
	}{
		{
			name: "empty payload",
			req: func() models.LaunchRequest {
				r := checkRequest()
				r.Payload = models.Payload{}
				return r
			},
			errorMsg: "no workload input",
		},
		{
			name: "missing source image",
			req: func() models.LaunchRequest {
				r := replicationRequest()
				r.Payload.Replication.SourceImage = ""
				return r
			},
			errorMsg: "source_image",
		},
		{
			name: "bad actor type",
			req: func() models.LaunchRequest {
				r := checkRequest()
				r.Payload.Check.ActorType = "orchestrator"
				return r
			},
			errorMsg: "actor_type",
		},
		{
			name: "missing check image",
			req: func() models.LaunchRequest {
				r := checkRequest()
				r.Payload.Check.Image = " "
				return r
			},
			errorMsg: "image",
		},
		{
			name: "invalid quantity",
			req: func() models.LaunchRequest {
				r := checkRequest()
				r.Payload.Check.Resources.CPULimit = "lots"
				return r
			},
			errorMsg: "invalid quantity",
		},
	}

	m := newTestMapper()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req()
			_, err := m.ToKubeInput(req, labelsFor(t, req))
			require.Error(t, err)

			var mapErr *MappingError
			require.True(t, errors.As(err, &mapErr))
			assert.Contains(t, err.Error(), tt.errorMsg)
		})
	}
}

func TestValidateRequiresOrchestratorImage(t *testing.T) {
	m := NewMapper(Config{})
	err := m.Validate(checkRequest().Payload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "orchestrator_image")
}

func TestPodName(t *testing.T) {
	tests := []struct {
		name  string
		parts []string
		want  string
	}{
		{name: "simple", parts: []string{"source", "check", "7", "abcde"}, want: "source-check-7-abcde"},
		{name: "sanitizes", parts: []string{"Orchestrator", "job_ID:9", "x"}, want: "orchestrator-job-id-9-x"},
		{name: "skips empty", parts: []string{"a", "", "--", "b"}, want: "a-b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PodName(tt.parts...))
		})
	}

	long := PodName("orchestrator", strings.Repeat("job", 40), "abcde")
	assert.LessOrEqual(t, len(long), 63)
	assert.True(t, strings.HasSuffix(long, "-abcde"))
	assert.Empty(t, validation.IsDNS1123Label(long))
}
