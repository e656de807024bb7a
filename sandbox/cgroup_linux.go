//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/isdmx/jailbox/policy"
)

const (
	cgroupRoot  = "/sys/fs/cgroup"
	cpuPeriodUS = 100000
	cgroupPerm  = 0o755
	removeRetry = 10
	removePause = 100 * time.Millisecond
)

// cgroup is one cgroup v2 node scoped to a single run's process tree.
type cgroup struct {
	path   string
	logger *zap.Logger
}

// newCgroup creates <cgroupRoot>/<parent>/<id> and writes the policy's
// ceilings into it.
func newCgroup(logger *zap.Logger, parent, id string, pol policy.Policy) (*cgroup, error) {
	parentPath := filepath.Join(cgroupRoot, parent)
	if err := os.MkdirAll(parentPath, cgroupPerm); err != nil {
		return nil, setupErrorf("cgroup", "creating parent %s: %v", parentPath, err)
	}
	// Delegating controllers to child cgroups can fail when the parent
	// already has member processes; the per-limit writes below surface
	// the real problem if it matters.
	if err := os.WriteFile(filepath.Join(parentPath, "cgroup.subtree_control"), []byte("+cpu +memory +pids"), 0o644); err != nil {
		logger.Debug("enabling cgroup controllers", zap.String("parent", parentPath), zap.Error(err))
	}

	path := filepath.Join(parentPath, id)
	if err := os.Mkdir(path, cgroupPerm); err != nil {
		return nil, setupErrorf("cgroup", "creating %s: %v", path, err)
	}
	cg := &cgroup{path: path, logger: logger}

	if pol.CPULimit != nil {
		quota := int64(*pol.CPULimit * cpuPeriodUS)
		if err := cg.write("cpu.max", fmt.Sprintf("%d %d", quota, cpuPeriodUS)); err != nil {
			cg.remove()
			return nil, err
		}
	}
	if pol.MemoryLimit != nil {
		if err := cg.write("memory.max", strconv.FormatInt(*pol.MemoryLimit, 10)); err != nil {
			cg.remove()
			return nil, err
		}
		// Without this the kernel swaps instead of oom-killing, and the
		// memory ceiling stops meaning anything.
		if err := cg.write("memory.swap.max", "0"); err != nil {
			logger.Warn("disabling swap for sandbox cgroup", zap.Error(err))
		}
	}
	if pol.MaxProcesses != nil {
		if err := cg.write("pids.max", strconv.Itoa(*pol.MaxProcesses)); err != nil {
			cg.remove()
			return nil, err
		}
	}

	logger.Debug("cgroup created", zap.String("path", path))
	return cg, nil
}

func (c *cgroup) write(file, value string) error {
	if err := os.WriteFile(filepath.Join(c.path, file), []byte(value), 0o644); err != nil {
		return setupErrorf("cgroup", "writing %s: %v", file, err)
	}
	return nil
}

func (c *cgroup) read(file string) (string, error) {
	data, err := os.ReadFile(filepath.Join(c.path, file))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// addProcess moves pid (and therefore its whole future tree) into the
// cgroup.
func (c *cgroup) addProcess(pid int) error {
	if err := c.write("cgroup.procs", strconv.Itoa(pid)); err != nil {
		return setupErrorf("cgroup", "attaching pid %d: %v", pid, err)
	}
	return nil
}

// oomKilled reports whether the kernel oom-killed anything in this
// cgroup, which is how a memory-limit breach is told apart from an
// ordinary SIGKILL.
func (c *cgroup) oomKilled() bool {
	data, err := c.read("memory.events")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(data, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "oom_kill" {
			n, err := strconv.ParseInt(fields[1], 10, 64)
			return err == nil && n > 0
		}
	}
	return false
}

// peakMemory returns the high-water memory mark in bytes, or zero when
// the kernel does not expose it.
func (c *cgroup) peakMemory() int64 {
	for _, file := range []string{"memory.peak", "memory.current"} {
		if v, err := c.read(file); err == nil {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return n
			}
		}
	}
	return 0
}

// cpuTime returns total CPU time charged to the cgroup.
func (c *cgroup) cpuTime() time.Duration {
	data, err := c.read("cpu.stat")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(data, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "usage_usec" {
			if usec, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
				return time.Duration(usec) * time.Microsecond
			}
		}
	}
	return 0
}

// remove kills anything still in the cgroup and deletes the node. A busy
// cgroup gets a few retries: process exit and cgroup emptying are not
// atomic.
func (c *cgroup) remove() error {
	if procs, err := c.read("cgroup.procs"); err == nil {
		for _, line := range strings.Split(procs, "\n") {
			pidStr := strings.TrimSpace(line)
			if pidStr == "" {
				continue
			}
			if pid, err := strconv.Atoi(pidStr); err == nil && pid > 0 {
				c.logger.Debug("killing process left in cgroup", zap.Int("pid", pid))
				if err := unix.Kill(pid, unix.SIGKILL); err != nil {
					c.logger.Warn("killing cgroup process", zap.Int("pid", pid), zap.Error(err))
				}
			}
		}
	}

	var err error
	for i := 0; i < removeRetry; i++ {
		err = os.Remove(c.path)
		if err == nil || os.IsNotExist(err) {
			return nil
		}
		time.Sleep(removePause)
	}
	return fmt.Errorf("removing cgroup %s: %w", c.path, err)
}
