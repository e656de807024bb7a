//go:build linux

package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DefaultGracePeriod separates the polite SIGTERM from the SIGKILL when
// a run is timed out or cancelled.
const DefaultGracePeriod = 5 * time.Second

// Command is what actually runs inside the sandbox.
type Command struct {
	// Argv is the executable (resolved against PATH inside the sandbox)
	// and its arguments.
	Argv []string

	// Dir is the working directory inside the sandbox. Empty means "/".
	Dir string

	// Env is the full environment, one "KEY=VALUE" per entry.
	Env []string
}

// Launcher starts commands inside prepared environments and supervises
// them to a terminal state. A single Launcher is safe for concurrent
// runs; each run gets its own supervising goroutines.
type Launcher struct {
	logger      *zap.Logger
	gracePeriod time.Duration
}

// LauncherOption is a functional option for NewLauncher.
type LauncherOption func(*Launcher)

// WithGracePeriod overrides the SIGTERM-to-SIGKILL interval.
func WithGracePeriod(d time.Duration) LauncherOption {
	return func(l *Launcher) {
		if d > 0 {
			l.gracePeriod = d
		}
	}
}

// NewLauncher creates a Launcher.
func NewLauncher(logger *zap.Logger, opts ...LauncherOption) *Launcher {
	l := &Launcher{
		logger:      logger,
		gracePeriod: DefaultGracePeriod,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run executes cmd inside env and supervises it until a terminal state:
// Completed, Crashed, TimedOut, or LimitExceeded. Output is captured
// into bounded buffers; the wall-clock timeout and context cancellation
// both route through the same terminate-group, grace-period, force-kill
// sequence. Run does not release env; the caller owns teardown so it can
// run on every exit path, including Run's own failures.
func (l *Launcher) Run(ctx context.Context, env *Environment, cmd Command) (*Result, error) {
	if len(cmd.Argv) == 0 {
		return nil, setupErrorf("launch", "empty command")
	}

	spec := &initSpec{
		Root:     env.Root,
		Hostname: env.pol.Hostname,
		Network:  string(env.pol.NetworkOrDefault()),
		Dir:      cmd.Dir,
		Command:  cmd.Argv,
		Env:      cmd.Env,
	}
	for _, m := range env.pol.Mounts {
		spec.Mounts = append(spec.Mounts, initMount{Source: m.Source, Target: m.Target, ReadOnly: m.ReadOnly})
	}

	specData, err := json.Marshal(spec)
	if err != nil {
		return nil, setupErrorf("launch", "encoding init spec: %v", err)
	}

	specR, specW, err := os.Pipe()
	if err != nil {
		return nil, setupErrorf("launch", "spec pipe: %v", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		specR.Close()
		specW.Close()
		return nil, setupErrorf("launch", "error pipe: %v", err)
	}

	stdout := newCapturedOutput(env.pol.OutputLimit)
	stderr := newCapturedOutput(env.pol.OutputLimit)

	child := exec.Command("/proc/self/exe", InitProcessArg)
	child.SysProcAttr = env.sysProcAttr()
	child.Stdout = stdout
	child.Stderr = stderr
	child.ExtraFiles = []*os.File{specR, errW}
	// The init child builds its own environment from the setup plan; the
	// broker's environment must not leak in.
	child.Env = []string{}

	start := time.Now()
	l.logger.Debug("launching sandboxed command",
		zap.String("run_id", env.ID),
		zap.Strings("argv", cmd.Argv),
		zap.Duration("timeout", env.pol.WallClockTimeout))

	if err := child.Start(); err != nil {
		specR.Close()
		specW.Close()
		errR.Close()
		errW.Close()
		return nil, setupErrorf("launch", "starting init process: %v", err)
	}
	// Parent copies of the child's ends.
	specR.Close()
	errW.Close()

	initErrCh := make(chan string, 1)
	go func() {
		msg, _ := io.ReadAll(errR)
		errR.Close()
		initErrCh <- string(msg)
	}()

	// The init child blocks reading its setup plan until the spec pipe
	// closes. Attach it to the cgroup before sending the plan, so the
	// resource ceilings are in force before the target can run.
	pid := child.Process.Pid
	if env.cg != nil {
		if err := env.cg.addProcess(pid); err != nil {
			specW.Close()
			l.killGroupNow(pid)
			child.Wait()
			return nil, err
		}
	}

	go func() {
		specW.Write(specData)
		specW.Close()
	}()

	done := make(chan error, 1)
	go func() {
		done <- child.Wait()
	}()

	var timeout <-chan time.Time
	if env.pol.WallClockTimeout > 0 {
		timer := time.NewTimer(env.pol.WallClockTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var waitErr error
	interrupted := false
	select {
	case waitErr = <-done:
	case <-timeout:
		l.logger.Info("run exceeded wall-clock timeout", zap.String("run_id", env.ID))
		interrupted = true
		waitErr = l.killGroup(pid, done)
	case <-ctx.Done():
		l.logger.Info("run cancelled", zap.String("run_id", env.ID))
		interrupted = true
		waitErr = l.killGroup(pid, done)
	}
	wall := time.Since(start)

	// The init child reports pre-exec failures over the error pipe; the
	// pipe closes on exec, so a clean start reads as empty.
	if msg := <-initErrCh; msg != "" {
		return nil, &SetupError{Op: "init", Err: errors.New(msg)}
	}

	state := child.ProcessState
	if state == nil {
		return nil, setupErrorf("launch", "wait failed: %v", waitErr)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, setupErrorf("launch", "wait: %v", waitErr)
		}
	}

	res := &Result{
		Stdout:          stdout.Bytes(),
		Stderr:          stderr.Bytes(),
		StdoutTruncated: stdout.Truncated(),
		StderrTruncated: stderr.Truncated(),
		WallTime:        wall,
	}
	res.Status = l.classify(env, state, interrupted)
	l.fillUsage(env, state, res)

	l.logger.Info("run finished",
		zap.String("run_id", env.ID),
		zap.Stringer("status", res.Status),
		zap.Duration("wall_time", wall),
		zap.Duration("cpu_time", res.CPUTime),
		zap.Int64("peak_memory", res.PeakMemory))
	return res, nil
}

// classify maps the wait status onto the closed set of terminal states.
func (l *Launcher) classify(env *Environment, state *os.ProcessState, interrupted bool) ExitStatus {
	if interrupted {
		return TimedOut()
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		return Completed(state.ExitCode())
	}
	switch {
	case ws.Signaled():
		sig := ws.Signal()
		if sig == syscall.SIGKILL && env.cg != nil && env.cg.oomKilled() {
			return LimitExceeded()
		}
		return Crashed(int(sig))
	case ws.Exited():
		return Completed(ws.ExitStatus())
	default:
		return Completed(state.ExitCode())
	}
}

// fillUsage prefers cgroup accounting, which covers the whole process
// tree, over rusage, which covers only reaped children.
func (l *Launcher) fillUsage(env *Environment, state *os.ProcessState, res *Result) {
	if ru, ok := state.SysUsage().(*syscall.Rusage); ok && ru != nil {
		res.CPUTime = time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
		res.PeakMemory = ru.Maxrss * 1024
	}
	if env.cg != nil {
		if d := env.cg.cpuTime(); d > 0 {
			res.CPUTime = d
		}
		if m := env.cg.peakMemory(); m > 0 {
			res.PeakMemory = m
		}
	}
}

// killGroup terminates the whole process group: SIGTERM, a grace period,
// then SIGKILL. The init child is PID 1 of the run's PID namespace, so
// its death takes every descendant with it and no orphan can survive.
func (l *Launcher) killGroup(pid int, done <-chan error) error {
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		l.logger.Warn("signalling process group", zap.Int("pid", pid), zap.Error(err))
	}
	select {
	case err := <-done:
		return err
	case <-time.After(l.gracePeriod):
	}
	l.killGroupNow(pid)
	return <-done
}

func (l *Launcher) killGroupNow(pid int) {
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		l.logger.Warn("force-killing process group", zap.Int("pid", pid), zap.Error(err))
	}
}
