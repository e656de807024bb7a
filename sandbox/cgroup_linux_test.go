//go:build linux

package sandbox

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeCgroup builds a cgroup over a plain directory so the accounting
// readers can be tested without root.
func fakeCgroup(t *testing.T, files map[string]string) *cgroup {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return &cgroup{path: dir, logger: zaptest.NewLogger(t)}
}

func TestCgroupOOMKilled(t *testing.T) {
	t.Run("OOMKillRecorded", func(t *testing.T) {
		cg := fakeCgroup(t, map[string]string{
			"memory.events": "low 0\nhigh 4\nmax 12\noom 1\noom_kill 1\noom_group_kill 0\n",
		})
		assert.True(t, cg.oomKilled())
	})

	t.Run("NoOOMKill", func(t *testing.T) {
		cg := fakeCgroup(t, map[string]string{
			"memory.events": "low 0\nhigh 0\nmax 0\noom 0\noom_kill 0\n",
		})
		assert.False(t, cg.oomKilled())
	})

	t.Run("MissingFile", func(t *testing.T) {
		cg := fakeCgroup(t, nil)
		assert.False(t, cg.oomKilled())
	})

	t.Run("GarbageCounter", func(t *testing.T) {
		cg := fakeCgroup(t, map[string]string{
			"memory.events": "oom_kill what\n",
		})
		assert.False(t, cg.oomKilled())
	})
}

func TestCgroupCPUTime(t *testing.T) {
	t.Run("UsageParsed", func(t *testing.T) {
		cg := fakeCgroup(t, map[string]string{
			"cpu.stat": "usage_usec 1500000\nuser_usec 1200000\nsystem_usec 300000\n",
		})
		assert.Equal(t, 1500*time.Millisecond, cg.cpuTime())
	})

	t.Run("MissingFile", func(t *testing.T) {
		cg := fakeCgroup(t, nil)
		assert.Zero(t, cg.cpuTime())
	})

	t.Run("NoUsageLine", func(t *testing.T) {
		cg := fakeCgroup(t, map[string]string{
			"cpu.stat": "user_usec 1200000\n",
		})
		assert.Zero(t, cg.cpuTime())
	})
}

func TestCgroupPeakMemory(t *testing.T) {
	t.Run("PeakPreferred", func(t *testing.T) {
		cg := fakeCgroup(t, map[string]string{
			"memory.peak":    "104857600",
			"memory.current": "1024",
		})
		assert.Equal(t, int64(100<<20), cg.peakMemory())
	})

	t.Run("CurrentFallback", func(t *testing.T) {
		// Older kernels do not expose memory.peak.
		cg := fakeCgroup(t, map[string]string{
			"memory.current": "2048",
		})
		assert.Equal(t, int64(2048), cg.peakMemory())
	})

	t.Run("NothingExposed", func(t *testing.T) {
		cg := fakeCgroup(t, nil)
		assert.Zero(t, cg.peakMemory())
	})
}
