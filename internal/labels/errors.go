package labels

import "fmt"

// InvalidIdentityError reports a malformed or missing identity field of a
// launch request. It is never retriable: the message is rejected.
type InvalidIdentityError struct {
	Field  string
	Reason string
}

func (e *InvalidIdentityError) Error() string {
	return fmt.Sprintf("invalid identity: %s %s", e.Field, e.Reason)
}
