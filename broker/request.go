package broker

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/isdmx/jailbox/policy"
)

// defaultWorkdirTarget is where a staged working directory appears
// inside the sandbox when the request does not pick its own directory.
// It lives under the private /tmp tmpfs so it works with a read-only
// root mount.
const defaultWorkdirTarget = "/tmp/workdir"

// RunRequest describes one sandboxed run. It is owned by the caller
// until submitted to Execute and treated as immutable afterwards.
type RunRequest struct {
	// RunID names the run for logging and Cancel. Empty means the broker
	// assigns one.
	RunID string

	// Command is the executable (resolved against PATH inside the
	// sandbox) and its arguments.
	Command []string

	// Dir is the working directory inside the sandbox. Empty defaults to
	// "/", or to the staged working directory when WorkdirTar or
	// CollectArtifacts is set.
	Dir string

	// Env is the sandboxed process's environment. Keys are unique by
	// construction.
	Env map[string]string

	// Policy is the confinement applied to the run.
	Policy policy.Policy

	// WorkdirTar optionally seeds the working directory from a tar.gz
	// payload staged on the host and bind-mounted read-write.
	WorkdirTar []byte

	// CollectArtifacts returns the working directory's contents as a
	// tar.gz in Result.ArtifactsTar after the run.
	CollectArtifacts bool

	// ArtifactExcludes are glob patterns dropped from the artifact
	// archive (caches, build litter).
	ArtifactExcludes []string
}

// validate checks request shape; policy content has its own Validate.
func (r *RunRequest) validate() error {
	if len(r.Command) == 0 {
		return fmt.Errorf("command must not be empty")
	}
	if strings.ContainsAny(r.RunID, "/\x00") {
		return fmt.Errorf("run id %q must not contain path separators", r.RunID)
	}
	if r.Dir != "" && !path.IsAbs(r.Dir) {
		return fmt.Errorf("working directory %q must be absolute", r.Dir)
	}
	for k := range r.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return fmt.Errorf("invalid environment variable name %q", k)
		}
	}
	return nil
}

// environ renders Env as deterministic "KEY=VALUE" entries.
func (r *RunRequest) environ() []string {
	out := make([]string, 0, len(r.Env))
	for k, v := range r.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
