//go:build linux

package sandbox

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/isdmx/jailbox/policy"
)

// InitProcessArg marks a re-exec of the host binary as the sandbox init
// child. The child runs inside the freshly created namespaces, builds
// the filesystem view there, and execs the target command.
const InitProcessArg = "jailbox-sandbox-init"

// initFailureExitCode is what the init child exits with when setup fails
// before exec. The launcher never trusts the code alone: the error pipe
// decides whether a run failed to start or the program itself exited.
const initFailureExitCode = 127

// File descriptors handed to the init child via ExtraFiles.
const (
	initSpecFD = 3 // read side: JSON initSpec
	initErrFD  = 4 // write side: setup error report
)

// defaultPath resolves bare command names when the caller's environment
// does not carry a PATH of its own.
const defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// initSpec is the setup plan the launcher serializes for the init child.
type initSpec struct {
	Root     string      `json:"root"`
	Mounts   []initMount `json:"mounts"`
	Hostname string      `json:"hostname,omitempty"`
	Network  string      `json:"network"`
	Dir      string      `json:"dir,omitempty"`
	Command  []string    `json:"command"`
	Env      []string    `json:"env,omitempty"`
}

type initMount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only"`
}

// MaybeRunInit must be the first call in main of any binary embedding
// this package. When the process is a sandbox init re-exec it performs
// the in-namespace setup and execs the target command, never returning;
// otherwise it is a no-op.
func MaybeRunInit() {
	if len(os.Args) != 2 || os.Args[1] != InitProcessArg {
		return
	}
	err := runInit()
	// Only reached on failure: exec replaces the process on success.
	reportInitError(err)
	os.Exit(initFailureExitCode)
}

func reportInitError(err error) {
	f := os.NewFile(uintptr(initErrFD), "init-error")
	if f == nil {
		fmt.Fprintf(os.Stderr, "sandbox init: %v\n", err)
		return
	}
	fmt.Fprintf(f, "%v", err)
	f.Close()
}

func runInit() error {
	spec, err := readInitSpec()
	if err != nil {
		return err
	}
	// Keep the error pipe out of the target program's fd table.
	if _, err := unix.FcntlInt(uintptr(initErrFD), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
		return fmt.Errorf("cloexec on error pipe: %w", err)
	}

	if err := setupRoot(spec); err != nil {
		return err
	}
	if spec.Hostname != "" {
		if err := unix.Sethostname([]byte(spec.Hostname)); err != nil {
			return fmt.Errorf("sethostname: %w", err)
		}
	}
	if spec.Network == string(policy.NetworkLoopback) {
		if err := setupLoopback(); err != nil {
			return err
		}
	}
	if err := pivotInto(spec.Root); err != nil {
		return err
	}

	dir := spec.Dir
	if dir == "" {
		dir = "/"
	}
	if err := unix.Chdir(dir); err != nil {
		return fmt.Errorf("chdir %s: %w", dir, err)
	}

	os.Setenv("PATH", defaultPath)
	for _, kv := range spec.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			os.Setenv(kv[:i], kv[i+1:])
		}
	}
	path, err := exec.LookPath(spec.Command[0])
	if err != nil {
		return fmt.Errorf("command %q: %w", spec.Command[0], err)
	}
	return unix.Exec(path, spec.Command, os.Environ())
}

func readInitSpec() (*initSpec, error) {
	f := os.NewFile(uintptr(initSpecFD), "init-spec")
	if f == nil {
		return nil, fmt.Errorf("init spec fd missing")
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading init spec: %w", err)
	}
	var spec initSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("decoding init spec: %w", err)
	}
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("init spec has no command")
	}
	return &spec, nil
}

// setupRoot builds the sandbox filesystem under spec.Root: the policy's
// bind mounts in order over a private tmpfs, plus /proc and, unless the
// policy claims it, a private /tmp. Mounts targeting paths under an
// implicit /tmp are deferred until that tmpfs exists, since the root
// mount is typically read-only and cannot host new mount points.
func setupRoot(spec *initSpec) error {
	// Stop mount events from leaking back into the host namespace.
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("making / private: %w", err)
	}
	if err := unix.Mount("tmpfs", spec.Root, "tmpfs", 0, ""); err != nil {
		return fmt.Errorf("tmpfs root: %w", err)
	}

	hasTmp := false
	for _, m := range spec.Mounts {
		if filepath.Clean(m.Target) == "/tmp" {
			hasTmp = true
		}
	}

	var deferred []initMount
	for _, m := range spec.Mounts {
		if !hasTmp && strings.HasPrefix(filepath.Clean(m.Target), "/tmp/") {
			deferred = append(deferred, m)
			continue
		}
		if err := bindMount(spec.Root, m); err != nil {
			return err
		}
	}

	procDir := filepath.Join(spec.Root, "proc")
	if err := os.MkdirAll(procDir, 0o755); err != nil {
		return fmt.Errorf("mkdir proc: %w", err)
	}
	if err := unix.Mount("proc", procDir, "proc", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, ""); err != nil {
		return fmt.Errorf("mounting proc: %w", err)
	}

	if !hasTmp {
		tmpDir := filepath.Join(spec.Root, "tmp")
		if err := os.MkdirAll(tmpDir, 0o777); err != nil {
			return fmt.Errorf("mkdir tmp: %w", err)
		}
		if err := unix.Mount("tmpfs", tmpDir, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, "mode=1777"); err != nil {
			return fmt.Errorf("mounting tmp: %w", err)
		}
	}

	for _, m := range deferred {
		if err := bindMount(spec.Root, m); err != nil {
			return err
		}
	}
	return nil
}

func bindMount(root string, m initMount) error {
	target := filepath.Join(root, m.Target)

	info, err := os.Stat(m.Source)
	if err != nil {
		return fmt.Errorf("mount source %s: %w", m.Source, err)
	}
	if info.IsDir() {
		if err := os.MkdirAll(target, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", target, err)
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", filepath.Dir(target), err)
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("creating mount point %s: %w", target, err)
		}
		f.Close()
	}

	if err := unix.Mount(m.Source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind %s -> %s: %w", m.Source, m.Target, err)
	}
	if m.ReadOnly {
		flags := uintptr(unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY | unix.MS_NOSUID)
		if err := unix.Mount("", target, "", flags, ""); err != nil {
			return fmt.Errorf("remounting %s read-only: %w", m.Target, err)
		}
	}
	return nil
}

// pivotInto makes root the filesystem root, so host paths outside the
// declared mounts are unreachable. It uses the stacked pivot_root(".",
// ".") form, which needs no writable put_old directory and therefore
// works with a fully read-only root mount.
func pivotInto(root string) error {
	if err := unix.Chdir(root); err != nil {
		return fmt.Errorf("chdir %s: %w", root, err)
	}
	if err := unix.PivotRoot(".", "."); err != nil {
		return fmt.Errorf("pivot_root: %w", err)
	}
	// The old root is stacked on top of the new one; detach it.
	if err := unix.Unmount(".", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("detaching old root: %w", err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("chdir /: %w", err)
	}
	return nil
}

// setupLoopback brings lo up inside the new network namespace, giving
// loopback-mode sandboxes 127.0.0.1 and nothing else.
func setupLoopback() error {
	lo, err := netlink.LinkByName("lo")
	if err != nil {
		return fmt.Errorf("loopback lookup: %w", err)
	}
	if err := netlink.LinkSetUp(lo); err != nil {
		return fmt.Errorf("loopback up: %w", err)
	}
	return nil
}
