package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Transport: "http",
			HTTPPort:  8080,
		},
		Broker: BrokerConfig{
			CgroupParent:      "jailbox",
			GracePeriodSec:    5,
			OutputLimitKB:     1024,
			MaxArtifactSizeMB: 20,
		},
		Policy: PolicyConfig{
			DefaultNetwork:    "none",
			DefaultTimeoutSec: 30,
		},
		Logging: LoggingConfig{
			Mode:  "production",
			Level: "info",
		},
	}
}

func TestConfigValidation(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		err := validConfig().validate()
		require.NoError(t, err)
	})

	t.Run("InvalidServerTransport", func(t *testing.T) {
		cfg := validConfig()
		cfg.Server.Transport = "invalid"

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server.transport")
	})

	t.Run("EmptyCgroupParent", func(t *testing.T) {
		cfg := validConfig()
		cfg.Broker.CgroupParent = ""

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "broker.cgroup_parent")
	})

	t.Run("InvalidGracePeriod", func(t *testing.T) {
		cfg := validConfig()
		cfg.Broker.GracePeriodSec = 0

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "broker.grace_period_sec must be positive")
	})

	t.Run("InvalidOutputLimit", func(t *testing.T) {
		cfg := validConfig()
		cfg.Broker.OutputLimitKB = -1

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "broker.output_limit_kb must be positive")
	})

	t.Run("InvalidMaxArtifactSize", func(t *testing.T) {
		cfg := validConfig()
		cfg.Broker.MaxArtifactSizeMB = 0

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "broker.max_artifact_size_mb must be positive")
	})

	t.Run("UnsupportedDefaultNetwork", func(t *testing.T) {
		cfg := validConfig()
		cfg.Policy.DefaultNetwork = "bridged"

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported policy.default_network")
	})

	t.Run("NegativeDefaultTimeout", func(t *testing.T) {
		cfg := validConfig()
		cfg.Policy.DefaultTimeoutSec = -1

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "policy.default_timeout_sec")
	})

	t.Run("ZeroDefaultTimeoutAllowed", func(t *testing.T) {
		// Zero means no wall-clock timeout by default
		cfg := validConfig()
		cfg.Policy.DefaultTimeoutSec = 0

		err := cfg.validate()
		require.NoError(t, err)
	})

	t.Run("InvalidLoggingMode", func(t *testing.T) {
		cfg := validConfig()
		cfg.Logging.Mode = "invalid_mode"

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid logging.mode")
	})

	t.Run("InvalidLogLevel", func(t *testing.T) {
		cfg := validConfig()
		cfg.Logging.Level = "invalid_level"

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid logging.level")
	})
}

func TestConfigGetters(t *testing.T) {
	cfg := validConfig()

	assert.Equal(t, 5*time.Second, cfg.GetGracePeriod())
	assert.Equal(t, int64(1024*1024), cfg.GetOutputLimit())
	assert.Equal(t, int64(20<<20), cfg.GetMaxArtifactSize())
	assert.Equal(t, 30*time.Second, cfg.GetDefaultTimeout())
}
