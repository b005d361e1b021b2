// ABOUTME: Configuration loading and parsing for coven-edit
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-edit configuration
type Config struct {
	Agent    AgentConfig    `yaml:"agent"`
	Sessions SessionsConfig `yaml:"sessions"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// AgentConfig selects the backend used for conversations
type AgentConfig struct {
	// Default names the backend from the registry used when --agent is not given
	Default string `yaml:"default"`
	// Registry is the path to the TOML backend registry
	Registry string `yaml:"registry"`
	// WorkDir is the working directory handed to new sessions (defaults to cwd)
	WorkDir string `yaml:"work_dir"`
}

// SessionsConfig holds conversation timing and scratch-file configuration
type SessionsConfig struct {
	Timeout time.Duration `yaml:"-"`

	// ScratchDir is where per-conversation answer files are created
	ScratchDir string `yaml:"scratch_dir"`

	// Raw string value for YAML unmarshaling
	TimeoutRaw string `yaml:"timeout"`
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

	cfg.applyDefaults()

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

func (c *Config) applyDefaults() {
	if c.Sessions.ScratchDir == "" {
		c.Sessions.ScratchDir = os.TempDir()
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Agent.WorkDir == "" {
		if wd, err := os.Getwd(); err == nil {
			c.Agent.WorkDir = wd
		}
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Agent.Registry == "" {
		return fmt.Errorf("agent.registry is required")
	}
	if c.Agent.Default == "" {
		return fmt.Errorf("agent.default is required")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Sessions.TimeoutRaw != "" {
		cfg.Sessions.Timeout, err = time.ParseDuration(cfg.Sessions.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing timeout %q: %w", cfg.Sessions.TimeoutRaw, err)
		}
	}

	return nil
}
