// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "edit.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfigFile(t, `
agent:
  default: "claude"
  registry: "/etc/coven/agents.toml"
  work_dir: "/src/project"

sessions:
  timeout: "90s"
  scratch_dir: "/var/tmp/coven"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Agent.Default != "claude" {
		t.Errorf("agent.default = %q, want claude", cfg.Agent.Default)
	}
	if cfg.Agent.Registry != "/etc/coven/agents.toml" {
		t.Errorf("agent.registry = %q", cfg.Agent.Registry)
	}
	if cfg.Agent.WorkDir != "/src/project" {
		t.Errorf("agent.work_dir = %q", cfg.Agent.WorkDir)
	}
	if cfg.Sessions.Timeout != 90*time.Second {
		t.Errorf("sessions.timeout = %v, want 90s", cfg.Sessions.Timeout)
	}
	if cfg.Sessions.ScratchDir != "/var/tmp/coven" {
		t.Errorf("sessions.scratch_dir = %q", cfg.Sessions.ScratchDir)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("logging.format = %q, want json", cfg.Logging.Format)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("COVEN_TEST_REGISTRY", "/home/me/agents.toml")
	configPath := writeConfigFile(t, `
agent:
  default: "claude"
  registry: "${COVEN_TEST_REGISTRY}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Agent.Registry != "/home/me/agents.toml" {
		t.Errorf("agent.registry = %q, want expanded env value", cfg.Agent.Registry)
	}
}

func TestLoad_UnsetEnvVarBecomesEmpty(t *testing.T) {
	configPath := writeConfigFile(t, `
agent:
  default: "claude"
  registry: "${COVEN_DEFINITELY_UNSET_VAR}"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load succeeded with empty registry")
	}
	if !strings.Contains(err.Error(), "agent.registry is required") {
		t.Errorf("error = %v, want missing-registry validation", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfigFile(t, `
agent:
  default: "claude"
  registry: "/etc/coven/agents.toml"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Logging.Level != "info" {
		t.Errorf("logging.level default = %q, want info", cfg.Logging.Level)
	}
	if cfg.Sessions.ScratchDir != os.TempDir() {
		t.Errorf("sessions.scratch_dir default = %q, want temp dir", cfg.Sessions.ScratchDir)
	}
	if cfg.Agent.WorkDir == "" {
		t.Error("agent.work_dir default is empty, want cwd")
	}
	if cfg.Sessions.Timeout != 0 {
		t.Errorf("sessions.timeout = %v, want 0 (pool default applies)", cfg.Sessions.Timeout)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfigFile(t, `
agent:
  default: "claude"
  registry: "/etc/coven/agents.toml"

sessions:
  timeout: "ninety seconds"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load succeeded with invalid duration")
	}
	if !strings.Contains(err.Error(), "parsing timeout") {
		t.Errorf("error = %v, want duration parse failure", err)
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	configPath := writeConfigFile(t, `
agent:
  default: "claude"
  registry: "/etc/coven/agents.toml"

logging:
  level: "verbose"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load succeeded with invalid log level")
	}
	if !strings.Contains(err.Error(), "logging.level") {
		t.Errorf("error = %v, want log level validation", err)
	}
}

func TestLoad_MissingDefault(t *testing.T) {
	configPath := writeConfigFile(t, `
agent:
  registry: "/etc/coven/agents.toml"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load succeeded without agent.default")
	}
	if !strings.Contains(err.Error(), "agent.default is required") {
		t.Errorf("error = %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("Load succeeded on a missing file")
	}
}
