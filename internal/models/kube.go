package models

import (
	corev1 "k8s.io/api/core/v1"
)

// PodDescriptor fully describes one pod to be created for a workload.
type PodDescriptor struct {
	Role         PodRole
	Name         string
	Image        string
	Labels       map[string]string
	Annotations  map[string]string
	NodeSelector map[string]string
	Resources    corev1.ResourceRequirements
	Env          map[string]string
}

// KubeInput is the resolved provisioning descriptor for a single launch.
// It is produced once per request and consumed once by the pod lifecycle client.
type KubeInput struct {
	Kind WorkloadKind
	// LaunchID tags every pod of this attempt and nothing else.
	LaunchID     string
	Orchestrator PodDescriptor
	// Roles holds the supervised pods in wait order: source then destination,
	// or the single connector.
	Roles []PodDescriptor
	// Files are injected into the orchestrator's config volume, keyed by file name.
	Files map[string][]byte
}

// Descriptors returns the orchestrator followed by every role pod.
func (k *KubeInput) Descriptors() []PodDescriptor {
	out := make([]PodDescriptor, 0, len(k.Roles)+1)
	out = append(out, k.Orchestrator)
	return append(out, k.Roles...)
}

// Role returns the descriptor for role, if present.
func (k *KubeInput) Role(role PodRole) (PodDescriptor, bool) {
	if role == RoleOrchestrator {
		return k.Orchestrator, true
	}
	for _, d := range k.Roles {
		if d.Role == role {
			return d, true
		}
	}
	return PodDescriptor{}, false
}

// PodHandle identifies a pod that was created in the cluster.
type PodHandle struct {
	Name      string
	Namespace string
	Role      PodRole
}
