// Package labels derives the Kubernetes label sets that make launched pods
// discoverable: per workload, per mutex key and per pod role.
package labels

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/validation"

	"workload-launcher-go/internal/models"
)

const (
	// LabelPrefix namespaces every label the launcher owns.
	LabelPrefix = "workload-launcher.io/"

	LabelManagedBy  = "app.kubernetes.io/managed-by"
	LabelWorkloadID = LabelPrefix + "workload-id"
	LabelMutexKey   = LabelPrefix + "mutex-key"
	LabelAutoID     = LabelPrefix + "auto-id"
	LabelComponent  = LabelPrefix + "component"
	LabelKind       = LabelPrefix + "kind"

	// LabelLaunchID differs for every launch attempt, including redeliveries
	// of the same request.
	LabelLaunchID = LabelPrefix + "launch-id"

	ManagedByValue = "workload-launcher"

	hashedValuePrefix = "h-"
	hashedValueLength = 40
)

// Identity is everything the labeler needs to know about a workload.
type Identity struct {
	WorkloadID  string
	MutexKey    string
	AutoID      uuid.UUID
	PassThrough map[string]string
}

// IdentityOf extracts the identity fields of a launch request.
func IdentityOf(req models.LaunchRequest) Identity {
	return Identity{
		WorkloadID:  req.WorkloadID,
		MutexKey:    req.MutexKey,
		AutoID:      req.AutoID,
		PassThrough: req.Labels,
	}
}

// LabelSet holds the labels of a launch partitioned by role.
type LabelSet struct {
	Shared       map[string]string
	Orchestrator map[string]string
	Source       map[string]string
	Destination  map[string]string
	Connector    map[string]string
	Mutex        map[string]string
}

// ForRole returns the shared labels merged with the labels of role.
func (s LabelSet) ForRole(role models.PodRole) map[string]string {
	var specific map[string]string
	switch role {
	case models.RoleOrchestrator:
		specific = s.Orchestrator
	case models.RoleSource:
		specific = s.Source
	case models.RoleDestination:
		specific = s.Destination
	case models.RoleConnector:
		specific = s.Connector
	}
	return Merge(s.Shared, specific)
}

// Labeler is a pure function component; it performs no I/O.
type Labeler struct{}

// NewLabeler creates a labeler.
func NewLabeler() *Labeler {
	return &Labeler{}
}

// Labels returns the full label set for a workload identity.
func (l *Labeler) Labels(id Identity) (LabelSet, error) {
	shared, err := l.SharedLabels(id)
	if err != nil {
		return LabelSet{}, err
	}
	mutex, err := l.MutexLabels(id.MutexKey)
	if err != nil {
		return LabelSet{}, err
	}
	return LabelSet{
		Shared:       shared,
		Orchestrator: componentLabels(models.RoleOrchestrator),
		Source:       componentLabels(models.RoleSource),
		Destination:  componentLabels(models.RoleDestination),
		Connector:    componentLabels(models.RoleConnector),
		Mutex:        mutex,
	}, nil
}

// SharedLabels returns the labels carried by every pod of the workload:
// pass-through labels first, then the launcher's own labels, which win on conflict.
func (l *Labeler) SharedLabels(id Identity) (map[string]string, error) {
	if err := l.Validate(id); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(id.PassThrough)+4)
	for k, v := range id.PassThrough {
		out[k] = v
	}
	mutex, _ := l.MutexLabels(id.MutexKey)
	for k, v := range mutex {
		out[k] = v
	}
	out[LabelAutoID] = id.AutoID.String()
	// Workload ids that are not valid label values (too long, illegal characters)
	// are left off the pods; the mapper records them as annotations instead.
	if len(validation.IsValidLabelValue(id.WorkloadID)) == 0 {
		out[LabelWorkloadID] = id.WorkloadID
	}
	return out, nil
}

// MutexLabels returns labels that depend on the mutex key alone, so that any
// request for the same key can locate the pods of a previous launch.
func (l *Labeler) MutexLabels(mutexKey string) (map[string]string, error) {
	if strings.TrimSpace(mutexKey) == "" {
		return nil, &InvalidIdentityError{Field: "mutex_key", Reason: "must not be empty"}
	}
	return map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelMutexKey:  LabelValue(mutexKey),
	}, nil
}

// AutoIDLabels returns labels selecting every pod launched for an auto id.
func (l *Labeler) AutoIDLabels(autoID uuid.UUID) (map[string]string, error) {
	if autoID == uuid.Nil {
		return nil, &InvalidIdentityError{Field: "auto_id", Reason: "must not be nil"}
	}
	return map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelAutoID:    autoID.String(),
	}, nil
}

// Validate checks the identity fields without building any labels.
func (l *Labeler) Validate(id Identity) error {
	if strings.TrimSpace(id.WorkloadID) == "" {
		return &InvalidIdentityError{Field: "workload_id", Reason: "must not be empty"}
	}
	if strings.TrimSpace(id.MutexKey) == "" {
		return &InvalidIdentityError{Field: "mutex_key", Reason: "must not be empty"}
	}
	if id.AutoID == uuid.Nil {
		return &InvalidIdentityError{Field: "auto_id", Reason: "must not be nil"}
	}

	for _, k := range sortedKeys(id.PassThrough) {
		if strings.HasPrefix(k, LabelPrefix) || k == LabelManagedBy {
			return &InvalidIdentityError{Field: "labels", Reason: fmt.Sprintf("key %q is reserved", k)}
		}
		if errs := validation.IsQualifiedName(k); len(errs) > 0 {
			return &InvalidIdentityError{Field: "labels", Reason: fmt.Sprintf("key %q: %s", k, strings.Join(errs, "; "))}
		}
		if errs := validation.IsValidLabelValue(id.PassThrough[k]); len(errs) > 0 {
			return &InvalidIdentityError{Field: "labels", Reason: fmt.Sprintf("value of %q: %s", k, strings.Join(errs, "; "))}
		}
	}
	return nil
}

// LabelValue returns s unchanged when it is a valid label value, and a stable
// hash of s otherwise.
func LabelValue(s string) string {
	if len(validation.IsValidLabelValue(s)) == 0 {
		return s
	}
	sum := sha256.Sum256([]byte(s))
	return hashedValuePrefix + hex.EncodeToString(sum[:])[:hashedValueLength]
}

// Merge returns a new map holding every entry of sets, later sets overriding earlier ones.
func Merge(sets ...map[string]string) map[string]string {
	n := 0
	for _, s := range sets {
		n += len(s)
	}
	out := make(map[string]string, n)
	for _, s := range sets {
		for k, v := range s {
			out[k] = v
		}
	}
	return out
}

func componentLabels(role models.PodRole) map[string]string {
	return map[string]string{LabelComponent: string(role)}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
