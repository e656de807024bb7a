package policy

import "fmt"

// ValidationError reports a malformed policy. It is always the caller's
// fault and never retried by the broker.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid policy: %s", e.Reason)
	}
	return fmt.Sprintf("invalid policy: %s: %s", e.Field, e.Reason)
}
