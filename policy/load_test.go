package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("CompleteDocument", func(t *testing.T) {
		doc := `
root_mounts:
  - host_path: /
    sandbox_path: /
    read_only: true
  - host_path: /usr/share
    sandbox_path: /data
    read_only: true
network_mode: loopback
cpu_limit: 0.5
memory_limit_bytes: 134217728
max_processes: 32
wall_clock_timeout: 2m30s
output_limit_bytes: 65536
hostname: worker
uid_mappings:
  - host_id: 1000
    sandbox_id: 0
    size: 1
`
		p, err := Parse([]byte(doc))
		require.NoError(t, err)

		require.Len(t, p.Mounts, 2)
		assert.Equal(t, "/usr/share", p.Mounts[1].Source)
		assert.Equal(t, "/data", p.Mounts[1].Target)
		assert.Equal(t, NetworkLoopback, p.Network)
		require.NotNil(t, p.CPULimit)
		assert.Equal(t, 0.5, *p.CPULimit)
		require.NotNil(t, p.MemoryLimit)
		assert.Equal(t, int64(128<<20), *p.MemoryLimit)
		require.NotNil(t, p.MaxProcesses)
		assert.Equal(t, 32, *p.MaxProcesses)
		assert.Equal(t, 2*time.Minute+30*time.Second, p.WallClockTimeout)
		assert.Equal(t, int64(65536), p.OutputLimit)
		assert.Equal(t, "worker", p.Hostname)
		require.Len(t, p.UIDMap, 1)
		assert.Equal(t, IDMap{HostID: 1000, SandboxID: 0, Size: 1}, p.UIDMap[0])
	})

	t.Run("MinimalDocument", func(t *testing.T) {
		doc := `
root_mounts:
  - host_path: /
    sandbox_path: /
    read_only: true
`
		p, err := Parse([]byte(doc))
		require.NoError(t, err)
		assert.Equal(t, NetworkNone, p.NetworkOrDefault())
		assert.Nil(t, p.CPULimit)
		assert.Zero(t, p.WallClockTimeout)
	})

	t.Run("EmptyDocument", func(t *testing.T) {
		_, err := Parse([]byte(""))
		require.Error(t, err)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, verr.Reason, "empty policy document")
	})

	t.Run("UnknownField", func(t *testing.T) {
		doc := `
root_mounts:
  - host_path: /
    sandbox_path: /
seccomp_profile: default
`
		_, err := Parse([]byte(doc))
		require.Error(t, err)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, verr.Reason, "seccomp_profile")
	})

	t.Run("BadDuration", func(t *testing.T) {
		doc := `
root_mounts:
  - host_path: /
    sandbox_path: /
wall_clock_timeout: ten seconds
`
		_, err := Parse([]byte(doc))
		require.Error(t, err)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "wall_clock_timeout", verr.Field)
	})

	t.Run("ExplicitZeroLimitRejected", func(t *testing.T) {
		doc := `
root_mounts:
  - host_path: /
    sandbox_path: /
memory_limit_bytes: 0
`
		_, err := Parse([]byte(doc))
		require.Error(t, err)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "memory_limit_bytes", verr.Field)
	})

	t.Run("MalformedYAML", func(t *testing.T) {
		_, err := Parse([]byte("root_mounts: ["))
		require.Error(t, err)
	})
}

func TestLoadFile(t *testing.T) {
	t.Run("ValidFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "policy.yaml")
		doc := `
root_mounts:
  - host_path: /
    sandbox_path: /
    read_only: true
network_mode: none
wall_clock_timeout: 10s
`
		require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

		p, err := LoadFile(path)
		require.NoError(t, err)
		assert.Equal(t, 10*time.Second, p.WallClockTimeout)
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "reading policy file")
	})
}
