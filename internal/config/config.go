// Package config loads the registry settings from an optional YAML
// file, the environment and an optional .env file.
package config

import (
	"fmt"
	"time"
)

// Config is the full runtime configuration.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// DatabasePath is the SQLite database location. ":memory:" yields
	// an in-process database.
	DatabasePath string `yaml:"database_path"`

	// Health engine tuning, in seconds to match the wire shape of the
	// bootstrap environment.
	HealthCheckInterval int `yaml:"health_check_interval"`
	HealthCheckTimeout  int `yaml:"health_check_timeout"`
	UnhealthyThreshold  int `yaml:"unhealthy_threshold"`
	HeartbeatTimeout    int `yaml:"heartbeat_timeout"`

	APIPrefix string `yaml:"api_prefix"`

	// Self-registration of the registry itself.
	SelfRegister bool   `yaml:"self_register"`
	ServiceID    string `yaml:"service_id"`
	ServiceName  string `yaml:"service_name"`
	BasePath     string `yaml:"base_path"`

	// BootstrapPath points at the declarative services document
	// preloaded at startup. A missing file is not an error.
	BootstrapPath string `yaml:"bootstrap_path"`

	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig tunes the zap logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host:                "127.0.0.1",
		Port:                9000,
		DatabasePath:        "atlas.db",
		HealthCheckInterval: 30,
		HealthCheckTimeout:  5,
		UnhealthyThreshold:  3,
		HeartbeatTimeout:    60,
		APIPrefix:           "/api/v1",
		SelfRegister:        true,
		ServiceID:           "atlas",
		ServiceName:         "Atlas Service Registry",
		BootstrapPath:       "services.yaml",
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ProbeInterval returns the probe/sweep period.
func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.HealthCheckInterval) * time.Second
}

// ProbeTimeout returns the per-probe timeout.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.HealthCheckTimeout) * time.Second
}

// HeartbeatWindow returns the maximum heartbeat silence.
func (c *Config) HeartbeatWindow() time.Duration {
	return time.Duration(c.HeartbeatTimeout) * time.Second
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be in 1..65535, got %d", c.Port)
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}
	if c.HealthCheckInterval <= 0 {
		return fmt.Errorf("health_check_interval must be positive")
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("health_check_timeout must be positive")
	}
	if c.UnhealthyThreshold <= 0 {
		return fmt.Errorf("unhealthy_threshold must be positive")
	}
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat_timeout must be positive")
	}
	if c.SelfRegister && c.ServiceID == "" {
		return fmt.Errorf("service_id is required when self_register is enabled")
	}
	return nil
}
