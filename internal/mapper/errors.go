package mapper

import (
	"fmt"

	"workload-launcher-go/internal/models"
)

// MappingError reports a payload that cannot be turned into a provisioning
// descriptor. It is a local failure and never retriable.
type MappingError struct {
	Kind   models.WorkloadKind
	Field  string
	Reason string
	Err    error
}

func (e *MappingError) Error() string {
	msg := "mapping failed"
	if e.Kind != "" {
		msg += " for " + string(e.Kind)
	}
	if e.Field != "" {
		msg += fmt.Sprintf(": %s %s", e.Field, e.Reason)
	} else {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MappingError) Unwrap() error {
	return e.Err
}
