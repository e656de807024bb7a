package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Broker  BrokerConfig  `mapstructure:"broker"`
	Policy  PolicyConfig  `mapstructure:"policy"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// BrokerConfig holds execution broker configuration
type BrokerConfig struct {
	CgroupParent      string `mapstructure:"cgroup_parent"`
	GracePeriodSec    int    `mapstructure:"grace_period_sec"`
	OutputLimitKB     int    `mapstructure:"output_limit_kb"`
	MaxArtifactSizeMB int    `mapstructure:"max_artifact_size_mb"`
}

// PolicyConfig holds the defaults applied to requests that carry no
// policy of their own
type PolicyConfig struct {
	DefaultNetwork    string `mapstructure:"default_network"`
	DefaultTimeoutSec int    `mapstructure:"default_timeout_sec"`
	PolicyFile        string `mapstructure:"policy_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Set default values
	viper.SetDefault("server.transport", "stdio")
	viper.SetDefault("server.http_port", 8080)
	viper.SetDefault("broker.cgroup_parent", "jailbox")
	viper.SetDefault("broker.grace_period_sec", 5)
	viper.SetDefault("broker.output_limit_kb", 1024)
	viper.SetDefault("broker.max_artifact_size_mb", 20)
	viper.SetDefault("policy.default_network", "none")
	viper.SetDefault("policy.default_timeout_sec", 30)
	viper.SetDefault("policy.policy_file", "")
	viper.SetDefault("logging.mode", "production")
	viper.SetDefault("logging.level", "info")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Broker.CgroupParent == "" {
		return fmt.Errorf("broker.cgroup_parent must not be empty")
	}

	if c.Broker.GracePeriodSec <= 0 {
		return fmt.Errorf("broker.grace_period_sec must be positive, got: %d", c.Broker.GracePeriodSec)
	}

	if c.Broker.OutputLimitKB <= 0 {
		return fmt.Errorf("broker.output_limit_kb must be positive, got: %d", c.Broker.OutputLimitKB)
	}

	if c.Broker.MaxArtifactSizeMB <= 0 {
		return fmt.Errorf("broker.max_artifact_size_mb must be positive, got: %d", c.Broker.MaxArtifactSizeMB)
	}

	supportedNetworks := map[string]bool{
		"none":     true,
		"loopback": true,
		"full":     true,
	}

	if !supportedNetworks[c.Policy.DefaultNetwork] {
		return fmt.Errorf("unsupported policy.default_network: %s", c.Policy.DefaultNetwork)
	}

	if c.Policy.DefaultTimeoutSec < 0 {
		return fmt.Errorf("policy.default_timeout_sec must not be negative, got: %d", c.Policy.DefaultTimeoutSec)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
		"dpanic": true, "panic": true, "fatal": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	return nil
}

// GetGracePeriod returns the SIGTERM-to-SIGKILL interval as a duration
func (c *Config) GetGracePeriod() time.Duration {
	return time.Duration(c.Broker.GracePeriodSec) * time.Second
}

// GetOutputLimit returns the per-stream capture cap in bytes
func (c *Config) GetOutputLimit() int64 {
	return int64(c.Broker.OutputLimitKB) * 1024
}

// GetMaxArtifactSize returns the artifact archive cap in bytes
func (c *Config) GetMaxArtifactSize() int64 {
	return int64(c.Broker.MaxArtifactSizeMB) << 20
}

// GetDefaultTimeout returns the default wall-clock timeout as a duration
func (c *Config) GetDefaultTimeout() time.Duration {
	return time.Duration(c.Policy.DefaultTimeoutSec) * time.Second
}
