package sandbox

import (
	"fmt"
	"time"
)

// StatusKind identifies the terminal state of a run. The set is closed:
// every run ends in exactly one of these.
type StatusKind int

const (
	// StatusCompleted means the command exited on its own; Code carries
	// its exit code.
	StatusCompleted StatusKind = iota

	// StatusCrashed means the command was terminated by a signal it did
	// not arrange itself; Signal carries the signal number.
	StatusCrashed

	// StatusTimedOut means the wall-clock timeout expired and the broker
	// killed the process group.
	StatusTimedOut

	// StatusLimitExceeded means the kernel killed the run for breaching a
	// cgroup ceiling (memory, process count).
	StatusLimitExceeded
)

func (k StatusKind) String() string {
	switch k {
	case StatusCompleted:
		return "completed"
	case StatusCrashed:
		return "crashed"
	case StatusTimedOut:
		return "timed-out"
	case StatusLimitExceeded:
		return "resource-limit-exceeded"
	default:
		return fmt.Sprintf("StatusKind(%d)", int(k))
	}
}

// ExitStatus is the tagged terminal state of a run. Code is meaningful
// only for StatusCompleted, Signal only for StatusCrashed.
type ExitStatus struct {
	Kind   StatusKind
	Code   int
	Signal int
}

// Completed builds an ExitStatus for a normal exit.
func Completed(code int) ExitStatus {
	return ExitStatus{Kind: StatusCompleted, Code: code}
}

// Crashed builds an ExitStatus for a signal-terminated run.
func Crashed(signal int) ExitStatus {
	return ExitStatus{Kind: StatusCrashed, Signal: signal}
}

// TimedOut builds an ExitStatus for a wall-clock expiry.
func TimedOut() ExitStatus {
	return ExitStatus{Kind: StatusTimedOut}
}

// LimitExceeded builds an ExitStatus for a kernel-enforced limit kill.
func LimitExceeded() ExitStatus {
	return ExitStatus{Kind: StatusLimitExceeded}
}

func (s ExitStatus) String() string {
	switch s.Kind {
	case StatusCompleted:
		return fmt.Sprintf("completed(%d)", s.Code)
	case StatusCrashed:
		return fmt.Sprintf("crashed(signal %d)", s.Signal)
	default:
		return s.Kind.String()
	}
}

// Success reports whether the run completed with exit code zero.
func (s ExitStatus) Success() bool {
	return s.Kind == StatusCompleted && s.Code == 0
}

// Result is the outcome of one sandboxed run. It is produced exactly once
// and owned by the caller after return.
type Result struct {
	Status ExitStatus

	Stdout []byte
	Stderr []byte

	// StdoutTruncated/StderrTruncated flag output dropped because the
	// capture buffer cap was reached.
	StdoutTruncated bool
	StderrTruncated bool

	// PeakMemory is the high-water memory mark in bytes, from the run's
	// cgroup when available, otherwise from rusage.
	PeakMemory int64

	// CPUTime is user+system time consumed by the whole process tree.
	CPUTime time.Duration

	// WallTime is the elapsed time from launch to terminal state.
	WallTime time.Duration

	// ArtifactsTar holds a tar.gz of the working directory when artifact
	// collection was requested.
	ArtifactsTar []byte

	// Warnings records secondary problems (teardown failures) that do not
	// change the primary outcome.
	Warnings []string
}
