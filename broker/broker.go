package broker

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/jailbox/policy"
	"github.com/isdmx/jailbox/sandbox"
)

// DefaultMaxArtifactSize caps the collected artifact archive.
const DefaultMaxArtifactSize = 20 << 20

// environment is the slice of sandbox.Environment the broker drives.
type environment interface {
	AttachLimits(policy.Policy) error
	Release() error
}

// runner is the seam between the broker and the sandbox layer, mocked
// in tests.
type runner interface {
	Prepare(id string, pol policy.Policy) (environment, error)
	Run(ctx context.Context, env environment, cmd sandbox.Command) (*sandbox.Result, error)
}

// sandboxRunner is the production runner backed by the sandbox package.
type sandboxRunner struct {
	logger   *zap.Logger
	launcher *sandbox.Launcher
	opts     sandbox.Options
}

func (r *sandboxRunner) Prepare(id string, pol policy.Policy) (environment, error) {
	return sandbox.Prepare(r.logger, id, pol, r.opts)
}

func (r *sandboxRunner) Run(ctx context.Context, env environment, cmd sandbox.Command) (*sandbox.Result, error) {
	se, ok := env.(*sandbox.Environment)
	if !ok {
		return nil, fmt.Errorf("unexpected environment type %T", env)
	}
	return r.launcher.Run(ctx, se, cmd)
}

// handle tracks a live run for Cancel and Shutdown.
type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Broker accepts run requests, drives each through the sandbox
// pipeline, and keeps a registry of live runs so they can be cancelled.
// A single Broker serves concurrent runs.
type Broker struct {
	logger          *zap.Logger
	run             runner
	fs              sandbox.FileSystem
	cgroupParent    string
	gracePeriod     time.Duration
	outputLimit     int64
	maxArtifactSize int64

	mu     sync.Mutex
	active map[string]*handle
}

// Option is a functional option for New.
type Option func(*Broker)

// WithCgroupParent sets the cgroup node under which per-run cgroups are
// created.
func WithCgroupParent(parent string) Option {
	return func(b *Broker) {
		if parent != "" {
			b.cgroupParent = parent
		}
	}
}

// WithGracePeriod sets the SIGTERM-to-SIGKILL interval for timed-out
// and cancelled runs.
func WithGracePeriod(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.gracePeriod = d
		}
	}
}

// WithOutputLimit sets the per-stream capture cap applied when a policy
// does not set its own.
func WithOutputLimit(n int64) Option {
	return func(b *Broker) {
		if n > 0 {
			b.outputLimit = n
		}
	}
}

// WithMaxArtifactSize caps the collected artifact archive.
func WithMaxArtifactSize(n int64) Option {
	return func(b *Broker) {
		if n > 0 {
			b.maxArtifactSize = n
		}
	}
}

// WithFileSystem substitutes the file system used for workdir staging.
func WithFileSystem(fs sandbox.FileSystem) Option {
	return func(b *Broker) {
		if fs != nil {
			b.fs = fs
		}
	}
}

// withRunner substitutes the sandbox layer; used by tests.
func withRunner(r runner) Option {
	return func(b *Broker) {
		b.run = r
	}
}

// New creates a Broker.
func New(logger *zap.Logger, opts ...Option) *Broker {
	b := &Broker{
		logger:          logger,
		fs:              sandbox.RealFileSystem{},
		cgroupParent:    sandbox.DefaultCgroupParent,
		gracePeriod:     sandbox.DefaultGracePeriod,
		outputLimit:     sandbox.DefaultOutputLimit,
		maxArtifactSize: DefaultMaxArtifactSize,
		active:          make(map[string]*handle),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.run == nil {
		b.run = &sandboxRunner{
			logger:   logger,
			launcher: sandbox.NewLauncher(logger, sandbox.WithGracePeriod(b.gracePeriod)),
			opts:     sandbox.Options{CgroupParent: b.cgroupParent},
		}
	}
	return b
}

// Execute runs req to a terminal state and returns the structured
// result. Pipeline failures come back as a *BrokerError naming the
// stage; the confined program's own outcome, however bad, is a Result,
// never an error. Execute blocks until the run is over.
func (b *Broker) Execute(ctx context.Context, req RunRequest) (*sandbox.Result, error) {
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	if err := req.validate(); err != nil {
		return nil, stageError(StageValidate, runID, err)
	}

	pol := req.Policy
	if len(pol.Mounts) == 0 {
		pol.Mounts = policy.Default().Mounts
	}
	if pol.OutputLimit == 0 {
		pol.OutputLimit = b.outputLimit
	}

	dir := req.Dir
	var workdir string
	if len(req.WorkdirTar) > 0 || req.CollectArtifacts {
		wd, err := os.MkdirTemp("", "jailbox-work-"+runID+"-")
		if err != nil {
			return nil, stageError(StagePrepare, runID, fmt.Errorf("workdir staging: %w", err))
		}
		workdir = wd
		defer func() {
			if err := b.fs.RemoveAll(workdir); err != nil {
				b.logger.Warn("removing staged workdir", zap.String("run_id", runID), zap.Error(err))
			}
		}()
		if len(req.WorkdirTar) > 0 {
			if err := sandbox.ExtractTarToDir(b.fs, req.WorkdirTar, workdir); err != nil {
				return nil, stageError(StagePrepare, runID, fmt.Errorf("unpacking workdir: %w", err))
			}
		}
		// Copy before appending so the caller's policy stays untouched.
		mounts := make([]policy.Mount, len(pol.Mounts), len(pol.Mounts)+1)
		copy(mounts, pol.Mounts)
		pol.Mounts = append(mounts, policy.Mount{Source: workdir, Target: defaultWorkdirTarget})
		if dir == "" {
			dir = defaultWorkdirTarget
		}
	}

	if err := pol.Validate(); err != nil {
		return nil, stageError(StageValidate, runID, err)
	}

	env, err := b.run.Prepare(runID, pol)
	if err != nil {
		return nil, stageError(StagePrepare, runID, err)
	}
	// Release is idempotent; the deferred call covers every error path
	// and becomes a no-op after the explicit release below.
	defer func() {
		if err := env.Release(); err != nil {
			b.logger.Warn("releasing environment", zap.String("run_id", runID), zap.Error(err))
		}
	}()

	if err := env.AttachLimits(pol); err != nil {
		return nil, stageError(StageLimit, runID, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	h := &handle{cancel: cancel, done: make(chan struct{})}
	if err := b.register(runID, h); err != nil {
		return nil, stageError(StageValidate, runID, err)
	}
	defer b.unregister(runID, h)

	b.logger.Info("run starting",
		zap.String("run_id", runID),
		zap.Strings("command", req.Command))

	res, err := b.run.Run(runCtx, env, sandbox.Command{
		Argv: req.Command,
		Dir:  dir,
		Env:  req.environ(),
	})
	if err != nil {
		return nil, stageError(StageLaunch, runID, err)
	}

	if rerr := env.Release(); rerr != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("teardown: %v", rerr))
	}

	if req.CollectArtifacts {
		tarData, aerr := sandbox.CreateTarFromDir(workdir, req.ArtifactExcludes)
		if aerr != nil {
			return nil, stageError(StageCollect, runID, aerr)
		}
		if int64(len(tarData)) > b.maxArtifactSize {
			return nil, stageError(StageCollect, runID,
				fmt.Errorf("artifact archive is %d bytes, limit %d", len(tarData), b.maxArtifactSize))
		}
		res.ArtifactsTar = tarData
	}
	return res, nil
}

// Cancel requests termination of a live run. It returns true when the
// run was found; cancelling a finished or unknown run is a no-op.
func (b *Broker) Cancel(runID string) bool {
	b.mu.Lock()
	h, ok := b.active[runID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	b.logger.Info("cancelling run", zap.String("run_id", runID))
	h.cancel()
	return true
}

// Running lists the IDs of live runs, sorted.
func (b *Broker) Running() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.active))
	for id := range b.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown cancels every live run and waits for them to finish or for
// ctx to expire.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	handles := make([]*handle, 0, len(b.active))
	for _, h := range b.active {
		handles = append(handles, h)
	}
	b.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	for _, h := range handles {
		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *Broker) register(runID string, h *handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.active[runID]; exists {
		return fmt.Errorf("run id %q is already in use", runID)
	}
	b.active[runID] = h
	return nil
}

func (b *Broker) unregister(runID string, h *handle) {
	b.mu.Lock()
	delete(b.active, runID)
	b.mu.Unlock()
	close(h.done)
}
