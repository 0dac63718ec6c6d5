// Package mapper turns a domain launch payload plus its computed labels into a
// fully resolved pod provisioning descriptor.
package mapper

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	utilrand "k8s.io/apimachinery/pkg/util/rand"

	"workload-launcher-go/internal/labels"
	"workload-launcher-go/internal/models"
)

const (
	AnnotationWorkloadID = labels.LabelPrefix + "workload-id"
	AnnotationMutexKey   = labels.LabelPrefix + "mutex-key"

	FileReplicationInput  = "replication_input.json"
	FileSourceConfig      = "source_config.json"
	FileDestinationConfig = "destination_config.json"
	FileCatalog           = "catalog.json"
	FileCheckInput        = "check_input.json"
	FileConnectorConfig   = "connection_config.json"

	EnvWorkloadKind = "WORKLOAD_KIND"
	EnvRole         = "POD_ROLE"
	EnvJobID        = "JOB_ID"
	EnvAttempt      = "ATTEMPT_ID"

	maxPodNameLength = 63
	nameSuffixLength = 5
)

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

// Config carries the defaults applied when a payload declares no hint.
type Config struct {
	OrchestratorImage string
	// Resources are the default requirements per role.
	Resources map[models.PodRole]models.ResourceRequirements
	// NodeSelectors apply to replication pods, CheckNodeSelectors to check pods.
	NodeSelectors      map[string]string
	CheckNodeSelectors map[string]string
}

// DefaultResources are used for any role missing from Config.Resources.
func DefaultResources() map[models.PodRole]models.ResourceRequirements {
	return map[models.PodRole]models.ResourceRequirements{
		models.RoleOrchestrator: {CPURequest: "500m", CPULimit: "1", MemoryRequest: "512Mi", MemoryLimit: "1Gi"},
		models.RoleSource:       {CPURequest: "500m", CPULimit: "2", MemoryRequest: "1Gi", MemoryLimit: "2Gi"},
		models.RoleDestination:  {CPURequest: "500m", CPULimit: "2", MemoryRequest: "1Gi", MemoryLimit: "2Gi"},
		models.RoleConnector:    {CPURequest: "100m", CPULimit: "500m", MemoryRequest: "256Mi", MemoryLimit: "512Mi"},
	}
}

// Mapper implements the payload to KubeInput transformation.
type Mapper struct {
	cfg        Config
	nameSuffix func() string
}

// Option customises a Mapper.
type Option func(*Mapper)

// WithNameSuffix overrides the random pod name suffix generator.
func WithNameSuffix(fn func() string) Option {
	return func(m *Mapper) { m.nameSuffix = fn }
}

// NewMapper creates a mapper. Pod names get a random suffix so that a relaunch
// never collides with a still-terminating pod of the same workload.
func NewMapper(cfg Config, opts ...Option) *Mapper {
	if cfg.Resources == nil {
		cfg.Resources = DefaultResources()
	}
	m := &Mapper{
		cfg:        cfg,
		nameSuffix: func() string { return utilrand.String(nameSuffixLength) },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Validate checks that the payload carries every mandatory field without building anything.
func (m *Mapper) Validate(payload models.Payload) error {
	kind, err := payload.Kind()
	if err != nil {
		return &MappingError{Reason: err.Error()}
	}
	if m.cfg.OrchestratorImage == "" {
		return &MappingError{Kind: kind, Field: "orchestrator_image", Reason: "is not configured"}
	}

	switch kind {
	case models.WorkloadKindReplication:
		in := payload.Replication
		for field, v := range map[string]string{
			"connection_id":     in.ConnectionID,
			"job_id":            in.JobID,
			"source_image":      in.SourceImage,
			"destination_image": in.DestinationImage,
		} {
			if strings.TrimSpace(v) == "" {
				return &MappingError{Kind: kind, Field: field, Reason: "is required"}
			}
		}
		if in.Attempt < 0 {
			return &MappingError{Kind: kind, Field: "attempt", Reason: "must not be negative"}
		}
	case models.WorkloadKindCheck:
		in := payload.Check
		if strings.TrimSpace(in.JobID) == "" {
			return &MappingError{Kind: kind, Field: "job_id", Reason: "is required"}
		}
		if strings.TrimSpace(in.Image) == "" {
			return &MappingError{Kind: kind, Field: "image", Reason: "is required"}
		}
		if in.ActorType != string(models.RoleSource) && in.ActorType != string(models.RoleDestination) {
			return &MappingError{Kind: kind, Field: "actor_type", Reason: fmt.Sprintf("must be source or destination, got %q", in.ActorType)}
		}
		if in.Attempt < 0 {
			return &MappingError{Kind: kind, Field: "attempt", Reason: "must not be negative"}
		}
	}
	return nil
}

// ToKubeInput maps the request payload and its labels to a KubeInput.
func (m *Mapper) ToKubeInput(req models.LaunchRequest, set labels.LabelSet) (*models.KubeInput, error) {
	if err := m.Validate(req.Payload); err != nil {
		return nil, err
	}

	kind, _ := req.Payload.Kind()
	switch kind {
	case models.WorkloadKindReplication:
		return m.replication(req, req.Payload.Replication, set)
	default:
		return m.check(req, req.Payload.Check, set)
	}
}

func (m *Mapper) replication(req models.LaunchRequest, in *models.ReplicationInput, set labels.LabelSet) (*models.KubeInput, error) {
	kind := models.WorkloadKindReplication
	suffix := m.nameSuffix()
	base := []string{"repl", "job", in.JobID, "attempt", strconv.Itoa(in.Attempt)}
	selectors := pick(in.NodeSelectors, m.cfg.NodeSelectors)
	annotations := m.annotations(req, in.Annotations)

	orch, err := m.descriptor(kind, models.RoleOrchestrator, m.cfg.OrchestratorImage, in.OrchestratorRes, set, selectors, annotations, base, suffix)
	if err != nil {
		return nil, err
	}
	src, err := m.descriptor(kind, models.RoleSource, in.SourceImage, in.SourceRes, set, selectors, annotations, base, suffix)
	if err != nil {
		return nil, err
	}
	dst, err := m.descriptor(kind, models.RoleDestination, in.DestinationImage, in.DestinationRes, set, selectors, annotations, base, suffix)
	if err != nil {
		return nil, err
	}
	for _, d := range []*models.PodDescriptor{&orch, &src, &dst} {
		d.Env[EnvJobID] = in.JobID
		d.Env[EnvAttempt] = strconv.Itoa(in.Attempt)
	}

	serialized, err := json.Marshal(in)
	if err != nil {
		return nil, &MappingError{Kind: kind, Field: "payload", Reason: "cannot serialize", Err: err}
	}
	files := map[string][]byte{FileReplicationInput: serialized}
	addFile(files, FileSourceConfig, in.SourceConfig)
	addFile(files, FileDestinationConfig, in.DestinationConfig)
	addFile(files, FileCatalog, in.Catalog)

	return &models.KubeInput{
		Kind:         kind,
		LaunchID:     labels.LabelValue(suffix),
		Orchestrator: orch,
		Roles:        []models.PodDescriptor{src, dst},
		Files:        files,
	}, nil
}

func (m *Mapper) check(req models.LaunchRequest, in *models.CheckInput, set labels.LabelSet) (*models.KubeInput, error) {
	kind := models.WorkloadKindCheck
	suffix := m.nameSuffix()
	base := []string{in.ActorType, "check", in.JobID, strconv.Itoa(in.Attempt)}
	selectors := pick(in.NodeSelectors, m.cfg.CheckNodeSelectors, m.cfg.NodeSelectors)
	annotations := m.annotations(req, in.Annotations)

	orch, err := m.descriptor(kind, models.RoleOrchestrator, m.cfg.OrchestratorImage, models.ResourceRequirements{}, set, selectors, annotations, base, suffix)
	if err != nil {
		return nil, err
	}
	conn, err := m.descriptor(kind, models.RoleConnector, in.Image, in.Resources, set, selectors, annotations, base, suffix)
	if err != nil {
		return nil, err
	}
	for _, d := range []*models.PodDescriptor{&orch, &conn} {
		d.Env[EnvJobID] = in.JobID
		d.Env[EnvAttempt] = strconv.Itoa(in.Attempt)
	}

	serialized, err := json.Marshal(in)
	if err != nil {
		return nil, &MappingError{Kind: kind, Field: "payload", Reason: "cannot serialize", Err: err}
	}
	files := map[string][]byte{FileCheckInput: serialized}
	addFile(files, FileConnectorConfig, in.ConnectionConfig)

	return &models.KubeInput{
		Kind:         kind,
		LaunchID:     labels.LabelValue(suffix),
		Orchestrator: orch,
		Roles:        []models.PodDescriptor{conn},
		Files:        files,
	}, nil
}

func (m *Mapper) descriptor(
	kind models.WorkloadKind,
	role models.PodRole,
	image string,
	hint models.ResourceRequirements,
	set labels.LabelSet,
	selectors, annotations map[string]string,
	base []string,
	suffix string,
) (models.PodDescriptor, error) {
	res, err := m.resources(role, hint)
	if err != nil {
		return models.PodDescriptor{}, &MappingError{Kind: kind, Field: string(role) + "_resources", Reason: "invalid quantity", Err: err}
	}

	podLabels := set.ForRole(role)
	podLabels[labels.LabelKind] = string(kind)
	podLabels[labels.LabelLaunchID] = labels.LabelValue(suffix)

	return models.PodDescriptor{
		Role:         role,
		Name:         PodName(append(append([]string{string(role)}, base...), suffix)...),
		Image:        image,
		Labels:       podLabels,
		Annotations:  labels.Merge(annotations),
		NodeSelector: labels.Merge(selectors),
		Resources:    res,
		Env: map[string]string{
			EnvWorkloadKind: string(kind),
			EnvRole:         string(role),
		},
	}, nil
}

// resources overlays the payload hint on the role default, field by field.
func (m *Mapper) resources(role models.PodRole, hint models.ResourceRequirements) (corev1.ResourceRequirements, error) {
	def, ok := m.cfg.Resources[role]
	if !ok {
		def = DefaultResources()[role]
	}
	merged := def
	if hint.CPURequest != "" {
		merged.CPURequest = hint.CPURequest
	}
	if hint.CPULimit != "" {
		merged.CPULimit = hint.CPULimit
	}
	if hint.MemoryRequest != "" {
		merged.MemoryRequest = hint.MemoryRequest
	}
	if hint.MemoryLimit != "" {
		merged.MemoryLimit = hint.MemoryLimit
	}

	out := corev1.ResourceRequirements{
		Requests: corev1.ResourceList{},
		Limits:   corev1.ResourceList{},
	}
	for _, q := range []struct {
		list  corev1.ResourceList
		name  corev1.ResourceName
		value string
	}{
		{out.Requests, corev1.ResourceCPU, merged.CPURequest},
		{out.Limits, corev1.ResourceCPU, merged.CPULimit},
		{out.Requests, corev1.ResourceMemory, merged.MemoryRequest},
		{out.Limits, corev1.ResourceMemory, merged.MemoryLimit},
	} {
		if q.value == "" {
			continue
		}
		parsed, err := resource.ParseQuantity(q.value)
		if err != nil {
			return corev1.ResourceRequirements{}, fmt.Errorf("%s=%q: %w", q.name, q.value, err)
		}
		q.list[q.name] = parsed
	}
	return out, nil
}

func (m *Mapper) annotations(req models.LaunchRequest, declared map[string]string) map[string]string {
	return labels.Merge(declared, map[string]string{
		AnnotationWorkloadID: req.WorkloadID,
		AnnotationMutexKey:   req.MutexKey,
	})
}

// PodName joins parts into a valid DNS-1123 label, keeping the last part intact.
func PodName(parts ...string) string {
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(invalidNameChars.ReplaceAllString(strings.ToLower(p), "-"), "-")
		if p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) == 0 {
		return ""
	}

	last := cleaned[len(cleaned)-1]
	head := strings.Join(cleaned[:len(cleaned)-1], "-")
	if head == "" {
		return last
	}
	if room := maxPodNameLength - len(last) - 1; len(head) > room {
		head = strings.TrimRight(head[:room], "-")
	}
	return head + "-" + last
}

// pick returns the first non-empty map.
func pick(candidates ...map[string]string) map[string]string {
	for _, c := range candidates {
		if len(c) > 0 {
			return c
		}
	}
	return nil
}

func addFile(files map[string][]byte, name string, raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	files[name] = []byte(raw)
}
