//go:build !linux

package sandbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/jailbox/policy"
)

// Options tunes environment construction. Unused off Linux.
type Options struct {
	CgroupParent string
}

// DefaultCgroupParent matches the Linux default.
const DefaultCgroupParent = "jailbox"

// DefaultGracePeriod matches the Linux default.
const DefaultGracePeriod = 5 * time.Second

// InitProcessArg matches the Linux constant so callers can reference it
// unconditionally.
const InitProcessArg = "jailbox-sandbox-init"

// Environment is a stub off Linux; Prepare always fails.
type Environment struct {
	ID   string
	Root string
}

// Prepare fails: namespace confinement needs Linux.
func Prepare(_ *zap.Logger, _ string, _ policy.Policy, _ Options) (*Environment, error) {
	return nil, ErrUnsupportedPlatform
}

// AttachLimits fails off Linux.
func (e *Environment) AttachLimits(policy.Policy) error {
	return ErrUnsupportedPlatform
}

// Release is a no-op off Linux.
func (e *Environment) Release() error {
	return nil
}

// Command matches the Linux type.
type Command struct {
	Argv []string
	Dir  string
	Env  []string
}

// Launcher is a stub off Linux.
type Launcher struct{}

// LauncherOption is accepted for signature parity.
type LauncherOption func(*Launcher)

// WithGracePeriod is a no-op off Linux.
func WithGracePeriod(time.Duration) LauncherOption {
	return func(*Launcher) {}
}

// NewLauncher creates a stub Launcher.
func NewLauncher(*zap.Logger, ...LauncherOption) *Launcher {
	return &Launcher{}
}

// Run fails off Linux.
func (l *Launcher) Run(context.Context, *Environment, Command) (*Result, error) {
	return nil, ErrUnsupportedPlatform
}

// MaybeRunInit is a no-op off Linux.
func MaybeRunInit() {}
