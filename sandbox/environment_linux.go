//go:build linux

package sandbox

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/isdmx/jailbox/policy"
)

// Options tunes environment construction.
type Options struct {
	// CgroupParent is the cgroup v2 node (relative to the unified
	// hierarchy root) under which per-run cgroups are created.
	CgroupParent string
}

// DefaultCgroupParent is used when Options.CgroupParent is empty.
const DefaultCgroupParent = "jailbox"

// Environment is a prepared, not-yet-launched confined view of the OS:
// the staging root that becomes the sandbox's "/", the namespace clone
// flags, the uid/gid mappings, and (after AttachLimits) the run's
// cgroup. It owns those kernel objects until Release.
type Environment struct {
	ID   string
	Root string

	pol          policy.Policy
	cloneFlags   uintptr
	uidMappings  []syscall.SysProcIDMap
	gidMappings  []syscall.SysProcIDMap
	cgroupParent string
	cg           *cgroup
	logger       *zap.Logger

	mu       sync.Mutex
	released bool
}

// Prepare constructs an Environment from a validated policy. It fails
// fast with a SetupError if any mount source is missing or the host
// cannot grant the namespaces the policy needs; nothing is silently
// degraded. Ownership of the staging directory (and later the cgroup)
// transfers to the caller, who must Release it on every exit path.
func Prepare(logger *zap.Logger, id string, pol policy.Policy, opts Options) (*Environment, error) {
	for _, m := range pol.Mounts {
		if _, err := os.Stat(m.Source); err != nil {
			return nil, setupErrorf("mount", "source %q: %v", m.Source, err)
		}
	}

	// Full host networking plus explicit id mappings needs real
	// privileges: an unprivileged user namespace cannot be granted the
	// host network namespace safely.
	if pol.NetworkOrDefault() == policy.NetworkFull && len(pol.UIDMap) > 0 && os.Geteuid() != 0 {
		return nil, setupErrorf("network", "full network with uid mappings requires running as root")
	}

	flags := uintptr(syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC)
	if pol.NetworkOrDefault() != policy.NetworkFull {
		flags |= syscall.CLONE_NEWNET
	}

	// A user namespace is needed whenever the broker is unprivileged or
	// the policy asks for explicit id mappings.
	var uidMappings, gidMappings []syscall.SysProcIDMap
	if os.Geteuid() != 0 || len(pol.UIDMap) > 0 || len(pol.GIDMap) > 0 {
		flags |= syscall.CLONE_NEWUSER
		uidMappings = idMappings(pol.UIDMap, os.Getuid())
		gidMappings = idMappings(pol.GIDMap, os.Getgid())
	}

	root, err := os.MkdirTemp("", "jailbox-"+id+"-")
	if err != nil {
		return nil, setupErrorf("staging root", "%v", err)
	}

	parent := opts.CgroupParent
	if parent == "" {
		parent = DefaultCgroupParent
	}

	env := &Environment{
		ID:           id,
		Root:         root,
		pol:          pol,
		cloneFlags:   flags,
		uidMappings:  uidMappings,
		gidMappings:  gidMappings,
		cgroupParent: parent,
		logger:       logger,
	}
	logger.Debug("environment prepared",
		zap.String("run_id", id),
		zap.String("root", root),
		zap.String("network", string(pol.NetworkOrDefault())),
		zap.Bool("user_namespace", flags&syscall.CLONE_NEWUSER != 0))
	return env, nil
}

// idMappings converts policy mappings to SysProcIDMap, defaulting to
// "current host id becomes root inside the sandbox".
func idMappings(maps []policy.IDMap, hostID int) []syscall.SysProcIDMap {
	if len(maps) == 0 {
		return []syscall.SysProcIDMap{{ContainerID: 0, HostID: hostID, Size: 1}}
	}
	out := make([]syscall.SysProcIDMap, len(maps))
	for i, m := range maps {
		out[i] = syscall.SysProcIDMap{ContainerID: m.SandboxID, HostID: m.HostID, Size: m.Size}
	}
	return out
}

// AttachLimits creates the run's cgroup and writes the policy's CPU,
// memory, and process-count ceilings into it. Limit breaches during
// execution are enforced by the kernel; the launcher reads the cgroup
// afterwards to tell an oom kill apart from an ordinary signal.
func (e *Environment) AttachLimits(pol policy.Policy) error {
	if pol.CPULimit == nil && pol.MemoryLimit == nil && pol.MaxProcesses == nil {
		e.logger.Debug("no resource limits requested", zap.String("run_id", e.ID))
		return nil
	}
	cg, err := newCgroup(e.logger, e.cgroupParent, e.ID, pol)
	if err != nil {
		return err
	}
	e.cg = cg
	return nil
}

// sysProcAttr builds the clone configuration for the init child: the
// namespace flags, the process group, and the id mappings when a user
// namespace is in play.
func (e *Environment) sysProcAttr() *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Cloneflags: e.cloneFlags,
		Setpgid:    true,
		Pdeathsig:  syscall.SIGKILL,
	}
	if e.cloneFlags&syscall.CLONE_NEWUSER != 0 {
		attr.UidMappings = e.uidMappings
		attr.GidMappings = e.gidMappings
		attr.GidMappingsEnableSetgroups = false
	}
	return attr
}

// Release tears the environment down: the staging directory is removed
// and the cgroup deleted, killing any process still inside it. The
// namespaces themselves die with the init child (it is PID 1 of the PID
// namespace), so no explicit namespace teardown is needed. Release is
// idempotent and must run on every path out of a run.
func (e *Environment) Release() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return nil
	}
	e.released = true

	var errs []error
	// Mounts performed by the init child live in its mount namespace and
	// vanish with it; the staging directory itself is plain host state.
	if err := unix.Unmount(e.Root, unix.MNT_DETACH); err != nil && !errors.Is(err, unix.EINVAL) && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("unmount %s: %w", e.Root, err))
	}
	if err := os.RemoveAll(e.Root); err != nil {
		errs = append(errs, fmt.Errorf("remove %s: %w", e.Root, err))
	}
	if e.cg != nil {
		if err := e.cg.remove(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	e.logger.Debug("environment released", zap.String("run_id", e.ID))
	return nil
}
