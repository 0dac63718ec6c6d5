package labels

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/validation"

	"workload-launcher-go/internal/models"
)

func testIdentity() Identity {
	return Identity{
		WorkloadID:  "w1",
		MutexKey:    "m1",
		AutoID:      uuid.MustParse("6f1c1f0e-3f3c-4a4e-9d59-0c8a2b0f6d11"),
		PassThrough: map[string]string{"team": "data"},
	}
}

func TestMutexLabelsDeterministic(t *testing.T) {
	l := NewLabeler()

	a := testIdentity()
	b := Identity{
		WorkloadID:  "another-workload",
		MutexKey:    a.MutexKey,
		AutoID:      uuid.New(),
		PassThrough: map[string]string{"env": "prod"},
	}

	setA, err := l.Labels(a)
	require.NoError(t, err)
	setB, err := l.Labels(b)
	require.NoError(t, err)
	assert.Equal(t, setA.Mutex, setB.Mutex)

	standalone, err := l.MutexLabels(a.MutexKey)
	require.NoError(t, err)
	assert.Equal(t, setA.Mutex, standalone)

	// Shared labels must contain the mutex labels so a mutex selector finds every pod.
	for k, v := range standalone {
		assert.Equal(t, v, setA.Shared[k])
	}
}

func TestMutexLabelsLongKeyIsHashedStably(t *testing.T) {
	l := NewLabeler()
	key := "connection:" + strings.Repeat("x", 100)

	first, err := l.MutexLabels(key)
	require.NoError(t, err)
	second, err := l.MutexLabels(key)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Empty(t, validation.IsValidLabelValue(first[LabelMutexKey]))
	assert.True(t, strings.HasPrefix(first[LabelMutexKey], "h-"))

	other, err := l.MutexLabels(key + "y")
	require.NoError(t, err)
	assert.NotEqual(t, first[LabelMutexKey], other[LabelMutexKey])
}

func TestLabelsForRole(t *testing.T) {
	l := NewLabeler()
	set, err := l.Labels(testIdentity())
	require.NoError(t, err)

	src := set.ForRole(models.RoleSource)
	assert.Equal(t, "source", src[LabelComponent])
	assert.Equal(t, "data", src["team"])
	assert.Equal(t, "w1", src[LabelWorkloadID])
	assert.Equal(t, ManagedByValue, src[LabelManagedBy])

	orch := set.ForRole(models.RoleOrchestrator)
	assert.Equal(t, "orchestrator", orch[LabelComponent])

	// ForRole must not mutate the shared set.
	_, ok := set.Shared[LabelComponent]
	assert.False(t, ok)
}

func TestSharedLabelsOmitLongWorkloadID(t *testing.T) {
	l := NewLabeler()
	id := testIdentity()
	id.WorkloadID = strings.Repeat("w", 80)

	shared, err := l.SharedLabels(id)
	require.NoError(t, err)
	_, ok := shared[LabelWorkloadID]
	assert.False(t, ok)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Identity)
		errorMsg string
	}{
		{name: "valid", mutate: func(*Identity) {}},
		{name: "empty workload id", mutate: func(i *Identity) { i.WorkloadID = "" }, errorMsg: "workload_id"},
		{name: "blank mutex key", mutate: func(i *Identity) { i.MutexKey = "  " }, errorMsg: "mutex_key"},
		{name: "nil auto id", mutate: func(i *Identity) { i.AutoID = uuid.Nil }, errorMsg: "auto_id"},
		{name: "reserved label key", mutate: func(i *Identity) { i.PassThrough = map[string]string{LabelMutexKey: "x"} }, errorMsg: "reserved"},
		{name: "invalid label key", mutate: func(i *Identity) { i.PassThrough = map[string]string{"bad key": "x"} }, errorMsg: "bad key"},
		{name: "invalid label value", mutate: func(i *Identity) { i.PassThrough = map[string]string{"k": "not valid!"} }, errorMsg: "value of"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := testIdentity()
			tt.mutate(&id)

			err := NewLabeler().Validate(id)
			if tt.errorMsg == "" {
				require.NoError(t, err)
				return
			}
			var idErr *InvalidIdentityError
			require.True(t, errors.As(err, &idErr))
			assert.Contains(t, err.Error(), tt.errorMsg)
		})
	}
}

func TestAutoIDLabels(t *testing.T) {
	l := NewLabeler()
	id := uuid.New()

	got, err := l.AutoIDLabels(id)
	require.NoError(t, err)
	assert.Equal(t, id.String(), got[LabelAutoID])

	_, err = l.AutoIDLabels(uuid.Nil)
	require.Error(t, err)
}
