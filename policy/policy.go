package policy

import (
	"fmt"
	"path"
	"time"
)

// NetworkMode controls the network visibility of a sandboxed run.
type NetworkMode string

// Supported network modes.
const (
	// NetworkNone creates a network namespace and leaves it empty: no
	// interfaces are up, every connection attempt fails at the OS level.
	NetworkNone NetworkMode = "none"

	// NetworkLoopback creates a network namespace with only the loopback
	// interface brought up, allowing local IPC over 127.0.0.1.
	NetworkLoopback NetworkMode = "loopback"

	// NetworkFull shares the host network namespace.
	NetworkFull NetworkMode = "full"
)

// Mount is a single bind mount from the host into the sandbox.
type Mount struct {
	// Source is the absolute host path to bind.
	Source string `yaml:"host_path"`

	// Target is the absolute path inside the sandbox where Source appears.
	Target string `yaml:"sandbox_path"`

	// ReadOnly remounts the bind read-only at the kernel level.
	ReadOnly bool `yaml:"read_only"`
}

// IDMap maps a range of host user or group IDs into the sandbox's user
// namespace.
type IDMap struct {
	HostID    int `yaml:"host_id"`
	SandboxID int `yaml:"sandbox_id"`
	Size      int `yaml:"size"`
}

// Policy describes the confinement applied to one sandboxed run.
//
// The optional numeric limits are pointers so that an absent limit and an
// explicit zero stay distinguishable: absent means unlimited, an explicit
// zero is rejected by Validate.
type Policy struct {
	// Mounts are applied in order. At least one mount must target "/".
	Mounts []Mount `yaml:"root_mounts"`

	// Network selects the network mode. The zero value is treated as
	// NetworkNone by Validate.
	Network NetworkMode `yaml:"network_mode"`

	// CPULimit is the fraction of a core the run may consume (1.0 = one
	// full core). Nil means unlimited.
	CPULimit *float64 `yaml:"cpu_limit"`

	// MemoryLimit is the memory ceiling in bytes. Nil means unlimited.
	MemoryLimit *int64 `yaml:"memory_limit_bytes"`

	// MaxProcesses bounds the number of processes in the sandbox's
	// process tree. Nil means unlimited.
	MaxProcesses *int `yaml:"max_processes"`

	// WallClockTimeout bounds the total run duration. Zero means no
	// timeout; a negative value is rejected.
	WallClockTimeout time.Duration `yaml:"wall_clock_timeout"`

	// OutputLimit caps captured stdout and stderr, each, in bytes.
	// Zero means the broker default applies.
	OutputLimit int64 `yaml:"output_limit_bytes"`

	// Hostname is set inside the UTS namespace. Empty keeps the default.
	Hostname string `yaml:"hostname"`

	// UIDMap and GIDMap configure the user namespace. Empty mappings map
	// the current user to root inside the sandbox.
	UIDMap []IDMap `yaml:"uid_mappings"`
	GIDMap []IDMap `yaml:"gid_mappings"`
}

// Validate checks the policy for internal consistency. It is pure: no
// I/O, no mutation. Validating an already-valid policy is a no-op.
func (p *Policy) Validate() error {
	if len(p.Mounts) == 0 {
		return &ValidationError{Field: "root_mounts", Reason: "at least one mount is required"}
	}

	seen := make(map[string]bool, len(p.Mounts))
	hasRoot := false
	for i, m := range p.Mounts {
		if !path.IsAbs(m.Source) {
			return &ValidationError{
				Field:  fmt.Sprintf("root_mounts[%d].host_path", i),
				Reason: fmt.Sprintf("must be absolute, got %q", m.Source),
			}
		}
		if !path.IsAbs(m.Target) {
			return &ValidationError{
				Field:  fmt.Sprintf("root_mounts[%d].sandbox_path", i),
				Reason: fmt.Sprintf("must be absolute, got %q", m.Target),
			}
		}
		target := path.Clean(m.Target)
		if seen[target] {
			return &ValidationError{
				Field:  fmt.Sprintf("root_mounts[%d].sandbox_path", i),
				Reason: fmt.Sprintf("duplicate mount target %q", target),
			}
		}
		seen[target] = true
		if target == "/" {
			hasRoot = true
		}
	}
	if !hasRoot {
		return &ValidationError{Field: "root_mounts", Reason: `no mount targets "/"`}
	}

	switch p.Network {
	case NetworkNone, NetworkLoopback, NetworkFull, "":
	default:
		return &ValidationError{
			Field:  "network_mode",
			Reason: fmt.Sprintf("unknown mode %q, must be one of: none, loopback, full", p.Network),
		}
	}

	if p.CPULimit != nil && *p.CPULimit <= 0 {
		return &ValidationError{Field: "cpu_limit", Reason: "must be > 0 when set"}
	}
	if p.MemoryLimit != nil && *p.MemoryLimit <= 0 {
		return &ValidationError{Field: "memory_limit_bytes", Reason: "must be > 0 when set"}
	}
	if p.MaxProcesses != nil && *p.MaxProcesses <= 0 {
		return &ValidationError{Field: "max_processes", Reason: "must be > 0 when set"}
	}
	if p.WallClockTimeout < 0 {
		return &ValidationError{Field: "wall_clock_timeout", Reason: "must be > 0 when set"}
	}
	if p.OutputLimit < 0 {
		return &ValidationError{Field: "output_limit_bytes", Reason: "must not be negative"}
	}

	for _, field := range []struct {
		name string
		maps []IDMap
	}{
		{"uid_mappings", p.UIDMap},
		{"gid_mappings", p.GIDMap},
	} {
		for i, m := range field.maps {
			if m.Size <= 0 {
				return &ValidationError{
					Field:  fmt.Sprintf("%s[%d].size", field.name, i),
					Reason: "must be > 0",
				}
			}
			if m.HostID < 0 || m.SandboxID < 0 {
				return &ValidationError{
					Field:  fmt.Sprintf("%s[%d]", field.name, i),
					Reason: "ids must not be negative",
				}
			}
		}
	}

	return nil
}

// NetworkOrDefault returns the configured network mode, falling back to
// NetworkNone for the zero value.
func (p *Policy) NetworkOrDefault() NetworkMode {
	if p.Network == "" {
		return NetworkNone
	}
	return p.Network
}

// Default returns a baseline policy suitable for running ordinary
// commands: the host root bound read-only and no network. The sandbox
// always receives a private /proc and a private tmpfs /tmp on top of the
// declared mounts, so the default still leaves the run a writable
// scratch space.
func Default() Policy {
	return Policy{
		Mounts:  []Mount{{Source: "/", Target: "/", ReadOnly: true}},
		Network: NetworkNone,
	}
}
