package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptrF(v float64) *float64 { return &v }
func ptrI64(v int64) *int64   { return &v }
func ptrInt(v int) *int       { return &v }

func basePolicy() Policy {
	return Policy{
		Mounts:  []Mount{{Source: "/", Target: "/", ReadOnly: true}},
		Network: NetworkNone,
	}
}

func TestValidate(t *testing.T) {
	t.Run("MinimalPolicy", func(t *testing.T) {
		p := basePolicy()
		require.NoError(t, p.Validate())
	})

	t.Run("Idempotent", func(t *testing.T) {
		p := basePolicy()
		require.NoError(t, p.Validate())
		require.NoError(t, p.Validate())
	})

	t.Run("HostIndependent", func(t *testing.T) {
		// Whether full networking can actually be granted is a host
		// question, answered at prepare time; validation only checks the
		// policy's own consistency.
		p := basePolicy()
		p.Network = NetworkFull
		p.UIDMap = []IDMap{{HostID: 1000, SandboxID: 0, Size: 1}}
		require.NoError(t, p.Validate())
	})

	t.Run("FullyLoadedPolicy", func(t *testing.T) {
		p := Policy{
			Mounts: []Mount{
				{Source: "/", Target: "/", ReadOnly: true},
				{Source: "/usr/share", Target: "/data", ReadOnly: true},
			},
			Network:          NetworkLoopback,
			CPULimit:         ptrF(1.5),
			MemoryLimit:      ptrI64(256 << 20),
			MaxProcesses:     ptrInt(64),
			WallClockTimeout: 30 * time.Second,
			OutputLimit:      1 << 20,
			Hostname:         "sandbox",
			UIDMap:           []IDMap{{HostID: 1000, SandboxID: 0, Size: 1}},
			GIDMap:           []IDMap{{HostID: 1000, SandboxID: 0, Size: 1}},
		}
		require.NoError(t, p.Validate())
	})

	cases := []struct {
		name   string
		mutate func(*Policy)
		field  string
	}{
		{
			name:   "NoMounts",
			mutate: func(p *Policy) { p.Mounts = nil },
			field:  "root_mounts",
		},
		{
			name: "RelativeSource",
			mutate: func(p *Policy) {
				p.Mounts = append(p.Mounts, Mount{Source: "usr", Target: "/usr"})
			},
			field: "root_mounts[1].host_path",
		},
		{
			name: "RelativeTarget",
			mutate: func(p *Policy) {
				p.Mounts = append(p.Mounts, Mount{Source: "/usr", Target: "usr"})
			},
			field: "root_mounts[1].sandbox_path",
		},
		{
			name: "DuplicateTarget",
			mutate: func(p *Policy) {
				p.Mounts = append(p.Mounts, Mount{Source: "/usr", Target: "/"})
			},
			field: "root_mounts[1].sandbox_path",
		},
		{
			name: "NoRootTarget",
			mutate: func(p *Policy) {
				p.Mounts = []Mount{{Source: "/usr", Target: "/usr"}}
			},
			field: "root_mounts",
		},
		{
			name:   "UnknownNetworkMode",
			mutate: func(p *Policy) { p.Network = "bridged" },
			field:  "network_mode",
		},
		{
			name:   "ZeroCPULimit",
			mutate: func(p *Policy) { p.CPULimit = ptrF(0) },
			field:  "cpu_limit",
		},
		{
			name:   "NegativeCPULimit",
			mutate: func(p *Policy) { p.CPULimit = ptrF(-1) },
			field:  "cpu_limit",
		},
		{
			name:   "ZeroMemoryLimit",
			mutate: func(p *Policy) { p.MemoryLimit = ptrI64(0) },
			field:  "memory_limit_bytes",
		},
		{
			name:   "ZeroMaxProcesses",
			mutate: func(p *Policy) { p.MaxProcesses = ptrInt(0) },
			field:  "max_processes",
		},
		{
			name:   "NegativeTimeout",
			mutate: func(p *Policy) { p.WallClockTimeout = -time.Second },
			field:  "wall_clock_timeout",
		},
		{
			name:   "NegativeOutputLimit",
			mutate: func(p *Policy) { p.OutputLimit = -1 },
			field:  "output_limit_bytes",
		},
		{
			name:   "ZeroSizeUIDMap",
			mutate: func(p *Policy) { p.UIDMap = []IDMap{{HostID: 1000, SandboxID: 0}} },
			field:  "uid_mappings[0].size",
		},
		{
			name:   "NegativeGIDMapID",
			mutate: func(p *Policy) { p.GIDMap = []IDMap{{HostID: -1, SandboxID: 0, Size: 1}} },
			field:  "gid_mappings[0]",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := basePolicy()
			tc.mutate(&p)

			err := p.Validate()
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestNetworkOrDefault(t *testing.T) {
	p := Policy{}
	assert.Equal(t, NetworkNone, p.NetworkOrDefault())

	p.Network = NetworkFull
	assert.Equal(t, NetworkFull, p.NetworkOrDefault())
}

func TestDefault(t *testing.T) {
	p := Default()
	require.NoError(t, p.Validate())
	require.Len(t, p.Mounts, 1)
	assert.Equal(t, "/", p.Mounts[0].Target)
	assert.True(t, p.Mounts[0].ReadOnly)
	assert.Equal(t, NetworkNone, p.Network)
	assert.Nil(t, p.CPULimit)
	assert.Nil(t, p.MemoryLimit)
	assert.Nil(t, p.MaxProcesses)
}

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{Field: "cpu_limit", Reason: "must be > 0 when set"}
	assert.Contains(t, err.Error(), "cpu_limit")
	assert.Contains(t, err.Error(), "must be > 0 when set")
}
