package pods

import (
	"fmt"

	"workload-launcher-go/internal/models"
)

// Step names one stage of the provisioning protocol.
type Step string

const (
	StepPreempt   Step = "preempt"
	StepCreate    Step = "create"
	StepWaitInit  Step = "wait-init"
	StepCopyFiles Step = "copy-files"
	StepWaitReady Step = "wait-ready"
)

// PodInitError reports a failed or timed out Kubernetes interaction. It is
// fatal for the current launch attempt but retriable at a higher level.
type PodInitError struct {
	Step    Step
	PodName string
	Role    models.PodRole
	Message string
	Err     error
}

func (e *PodInitError) Error() string {
	msg := fmt.Sprintf("pod init failed at %s for %s pod %s: %s", e.Step, e.Role, e.PodName, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PodInitError) Unwrap() error {
	return e.Err
}
