package models

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// WorkloadKind identifies the shape of a workload and therefore the pods it needs.
type WorkloadKind string

const (
	WorkloadKindReplication WorkloadKind = "replication"
	WorkloadKindCheck       WorkloadKind = "check"
)

// PodRole identifies a pod within a launched pod set.
type PodRole string

const (
	RoleOrchestrator PodRole = "orchestrator"
	RoleSource       PodRole = "source"
	RoleDestination  PodRole = "destination"
	RoleConnector    PodRole = "connector"
)

var (
	ErrEmptyPayload     = errors.New("payload carries no workload input")
	ErrAmbiguousPayload = errors.New("payload carries more than one workload input")
)

// LaunchRequest is the inbound message asking for a workload to be launched.
// It is treated as immutable once decoded.
type LaunchRequest struct {
	WorkloadID string            `json:"workload_id"`
	MutexKey   string            `json:"mutex_key"`
	AutoID     uuid.UUID         `json:"auto_id"`
	Labels     map[string]string `json:"labels,omitempty"`
	Payload    Payload           `json:"payload"`
}

// Payload is a tagged variant: exactly one of Replication or Check is set.
type Payload struct {
	Replication *ReplicationInput `json:"replication,omitempty"`
	Check       *CheckInput       `json:"check,omitempty"`
}

// Kind returns the workload kind of the payload.
func (p Payload) Kind() (WorkloadKind, error) {
	switch {
	case p.Replication != nil && p.Check != nil:
		return "", ErrAmbiguousPayload
	case p.Replication != nil:
		return WorkloadKindReplication, nil
	case p.Check != nil:
		return WorkloadKindCheck, nil
	default:
		return "", ErrEmptyPayload
	}
}

// ResourceRequirements are payload-declared resource hints. Empty fields fall
// back to the configured defaults for the pod role.
type ResourceRequirements struct {
	CPURequest    string `json:"cpu_request,omitempty" yaml:"cpu_request,omitempty"`
	CPULimit      string `json:"cpu_limit,omitempty" yaml:"cpu_limit,omitempty"`
	MemoryRequest string `json:"memory_request,omitempty" yaml:"memory_request,omitempty"`
	MemoryLimit   string `json:"memory_limit,omitempty" yaml:"memory_limit,omitempty"`
}

// IsZero reports whether no hint is set.
func (r ResourceRequirements) IsZero() bool {
	return r == ResourceRequirements{}
}

// ReplicationInput is the domain input of a sync between a source and a destination.
type ReplicationInput struct {
	ConnectionID      string               `json:"connection_id"`
	JobID             string               `json:"job_id"`
	Attempt           int                  `json:"attempt"`
	SourceImage       string               `json:"source_image"`
	DestinationImage  string               `json:"destination_image"`
	SourceConfig      json.RawMessage      `json:"source_config,omitempty"`
	DestinationConfig json.RawMessage      `json:"destination_config,omitempty"`
	Catalog           json.RawMessage      `json:"catalog,omitempty"`
	OrchestratorRes   ResourceRequirements `json:"orchestrator_resources,omitempty"`
	SourceRes         ResourceRequirements `json:"source_resources,omitempty"`
	DestinationRes    ResourceRequirements `json:"destination_resources,omitempty"`
	NodeSelectors     map[string]string    `json:"node_selectors,omitempty"`
	Annotations       map[string]string    `json:"annotations,omitempty"`
}

// CheckInput is the domain input of a connection check against a single connector.
type CheckInput struct {
	JobID            string               `json:"job_id"`
	Attempt          int                  `json:"attempt"`
	ActorType        string               `json:"actor_type"`
	ActorID          string               `json:"actor_id,omitempty"`
	Image            string               `json:"image"`
	ConnectionConfig json.RawMessage      `json:"connection_config,omitempty"`
	Resources        ResourceRequirements `json:"resources,omitempty"`
	NodeSelectors    map[string]string    `json:"node_selectors,omitempty"`
	Annotations      map[string]string    `json:"annotations,omitempty"`
}

// WorkloadStatus is the launcher-side status of a workload as kept in the status store.
type WorkloadStatus string

const (
	WorkloadStatusUnknown   WorkloadStatus = ""
	WorkloadStatusClaimed   WorkloadStatus = "claimed"
	WorkloadStatusLaunched  WorkloadStatus = "launched"
	WorkloadStatusFailed    WorkloadStatus = "failed"
	WorkloadStatusCancelled WorkloadStatus = "cancelled"
)

// WorkloadRecord is the stored view of a workload.
type WorkloadRecord struct {
	WorkloadID string         `json:"workload_id"`
	Status     WorkloadStatus `json:"status"`
	Dataplane  string         `json:"dataplane,omitempty"`
	MutexKey   string         `json:"mutex_key,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

type LaunchAccepted struct {
	WorkloadID string `json:"workload_id"`
	MutexKey   string `json:"mutex_key"`
	Queued     bool   `json:"queued"`
}

type CancelResult struct {
	MutexKey string `json:"mutex_key"`
	Deleted  bool   `json:"deleted"`
	// Warning is set when some pods were deleted and others could not be.
	Warning string `json:"warning,omitempty"`
}
