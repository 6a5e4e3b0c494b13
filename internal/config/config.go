// ABOUTME: Configuration loading and parsing for outpost-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete outpost-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	Agents   AgentsConfig   `yaml:"agents"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`

	// EnrollmentHash is an optional bcrypt hash of the shared enrollment
	// secret agents present when connecting. Empty disables the check.
	EnrollmentHash string `yaml:"enrollment_hash"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AgentsConfig holds agent probing and dispatch timing configuration
type AgentsConfig struct {
	DefaultPort   int   `yaml:"default_port"`
	FallbackPorts []int `yaml:"fallback_ports"`

	ProbeTimeout    time.Duration `yaml:"-"`
	StatusTimeout   time.Duration `yaml:"-"`
	DispatchTimeout time.Duration `yaml:"-"`
	MetadataTTL     time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ProbeTimeoutRaw    string `yaml:"probe_timeout"`
	StatusTimeoutRaw   string `yaml:"status_timeout"`
	DispatchTimeoutRaw string `yaml:"dispatch_timeout"`
	MetadataTTLRaw     string `yaml:"metadata_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes, got %d", len(c.Auth.JWTSecret))
	}

	for _, port := range c.Agents.FallbackPorts {
		if port < 1 || port > 65535 {
			return fmt.Errorf("agents.fallback_ports contains invalid port %d", port)
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Agents.ProbeTimeoutRaw != "" {
		cfg.Agents.ProbeTimeout, err = time.ParseDuration(cfg.Agents.ProbeTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing probe_timeout %q: %w", cfg.Agents.ProbeTimeoutRaw, err)
		}
	}

	if cfg.Agents.StatusTimeoutRaw != "" {
		cfg.Agents.StatusTimeout, err = time.ParseDuration(cfg.Agents.StatusTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing status_timeout %q: %w", cfg.Agents.StatusTimeoutRaw, err)
		}
	}

	if cfg.Agents.DispatchTimeoutRaw != "" {
		cfg.Agents.DispatchTimeout, err = time.ParseDuration(cfg.Agents.DispatchTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing dispatch_timeout %q: %w", cfg.Agents.DispatchTimeoutRaw, err)
		}
	}

	if cfg.Agents.MetadataTTLRaw != "" {
		cfg.Agents.MetadataTTL, err = time.ParseDuration(cfg.Agents.MetadataTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing metadata_ttl %q: %w", cfg.Agents.MetadataTTLRaw, err)
		}
	}

	return nil
}
