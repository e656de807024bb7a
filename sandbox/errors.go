package sandbox

import (
	"errors"
	"fmt"
)

// ErrUnsupportedPlatform is returned on hosts without Linux namespace
// support.
var ErrUnsupportedPlatform = errors.New("sandbox: only supported on linux")

// SetupError reports a failure to construct the confined environment:
// a missing mount source, a namespace the host refuses to create, a
// cgroup that cannot be written. It is fatal for the run and never
// retried, and is always distinguishable from the sandboxed program's
// own exit status.
type SetupError struct {
	Op  string
	Err error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("sandbox setup: %s: %v", e.Op, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

func setupErrorf(op, format string, args ...any) *SetupError {
	return &SetupError{Op: op, Err: fmt.Errorf(format, args...)}
}
