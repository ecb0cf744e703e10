package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Loader handles configuration loading and parsing.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load builds the configuration: defaults, then the YAML file at path
// (optional when path is empty or missing), then ATLAS_* environment
// overrides. An optional .env file in the working directory is read
// into the environment first.
func (l *Loader) Load(path string) (*Config, error) {
	// Missing .env is the normal case.
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// fall through to env overrides
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			expanded := l.expandEnvVars(string(data))
			if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
				return nil, fmt.Errorf("parse config YAML: %w", err)
			}
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values,
// keeping the original text when the variable is unset.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// applyEnv overrides config fields from ATLAS_* variables.
func applyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv("ATLAS_HOST"); ok {
		cfg.Host = v
	}
	if v, ok := os.LookupEnv("ATLAS_DATABASE_PATH"); ok {
		cfg.DatabasePath = v
	}
	if v, ok := os.LookupEnv("ATLAS_API_PREFIX"); ok {
		cfg.APIPrefix = v
	}
	if v, ok := os.LookupEnv("ATLAS_SERVICE_ID"); ok {
		cfg.ServiceID = v
	}
	if v, ok := os.LookupEnv("ATLAS_SERVICE_NAME"); ok {
		cfg.ServiceName = v
	}
	if v, ok := os.LookupEnv("ATLAS_BASE_PATH"); ok {
		cfg.BasePath = v
	}
	if v, ok := os.LookupEnv("ATLAS_BOOTSTRAP_PATH"); ok {
		cfg.BootstrapPath = v
	}
	if v, ok := os.LookupEnv("ATLAS_LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	if v, ok := os.LookupEnv("ATLAS_LOG_FILE"); ok {
		cfg.Logging.File = v
	}

	intVars := []struct {
		name string
		dst  *int
	}{
		{"ATLAS_PORT", &cfg.Port},
		{"ATLAS_HEALTH_CHECK_INTERVAL", &cfg.HealthCheckInterval},
		{"ATLAS_HEALTH_CHECK_TIMEOUT", &cfg.HealthCheckTimeout},
		{"ATLAS_UNHEALTHY_THRESHOLD", &cfg.UnhealthyThreshold},
		{"ATLAS_HEARTBEAT_TIMEOUT", &cfg.HeartbeatTimeout},
	}
	for _, iv := range intVars {
		v, ok := os.LookupEnv(iv.name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", iv.name, err)
		}
		*iv.dst = n
	}

	if v, ok := os.LookupEnv("ATLAS_SELF_REGISTER"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ATLAS_SELF_REGISTER: %w", err)
		}
		cfg.SelfRegister = b
	}
	return nil
}
