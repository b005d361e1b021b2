// ABOUTME: Tests for the TOML backend registry
// ABOUTME: Covers parsing, validation, lookup, and env var expansion

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeRegistryFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agents.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write registry file: %v", err)
	}
	return path
}

func TestLoadRegistry_Valid(t *testing.T) {
	path := writeRegistryFile(t, `
[agents.claude]
command = "claude-code-acp"
args = []
model = "opus"
parallel = true

[agents.gemini]
command = "gemini"
args = ["--experimental-acp"]
parallel = false
`)

	reg, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("LoadRegistry failed: %v", err)
	}

	claude, err := reg.Get("claude")
	if err != nil {
		t.Fatalf("Get(claude): %v", err)
	}
	if claude.Command != "claude-code-acp" {
		t.Errorf("claude.command = %q", claude.Command)
	}
	if claude.Model != "opus" {
		t.Errorf("claude.model = %q", claude.Model)
	}
	if !claude.Parallel {
		t.Error("claude.parallel = false, want true")
	}

	gemini, err := reg.Get("gemini")
	if err != nil {
		t.Fatalf("Get(gemini): %v", err)
	}
	if len(gemini.Args) != 1 || gemini.Args[0] != "--experimental-acp" {
		t.Errorf("gemini.args = %v", gemini.Args)
	}
	if gemini.Parallel {
		t.Error("gemini.parallel = true, want false")
	}
}

func TestLoadRegistry_EnvVarExpansion(t *testing.T) {
	t.Setenv("COVEN_TEST_AGENT_BIN", "/opt/agents/claude-code-acp")
	path := writeRegistryFile(t, `
[agents.claude]
command = "${COVEN_TEST_AGENT_BIN}"
`)

	reg, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("LoadRegistry failed: %v", err)
	}
	claude, _ := reg.Get("claude")
	if claude.Command != "/opt/agents/claude-code-acp" {
		t.Errorf("command = %q, want expanded env value", claude.Command)
	}
}

func TestLoadRegistry_Empty(t *testing.T) {
	path := writeRegistryFile(t, ``)

	_, err := LoadRegistry(path)
	if err == nil {
		t.Fatal("LoadRegistry succeeded on an empty registry")
	}
	if !strings.Contains(err.Error(), "no agents") {
		t.Errorf("error = %v", err)
	}
}

func TestLoadRegistry_MissingCommand(t *testing.T) {
	path := writeRegistryFile(t, `
[agents.broken]
parallel = true
`)

	_, err := LoadRegistry(path)
	if err == nil {
		t.Fatal("LoadRegistry succeeded with no command")
	}
	if !strings.Contains(err.Error(), "broken") {
		t.Errorf("error = %v, want the agent named", err)
	}
}

func TestRegistry_GetUnknown(t *testing.T) {
	path := writeRegistryFile(t, `
[agents.claude]
command = "claude-code-acp"
`)

	reg, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("LoadRegistry failed: %v", err)
	}
	_, err = reg.Get("nope")
	if err == nil {
		t.Fatal("Get succeeded for unknown agent")
	}
	if !strings.Contains(err.Error(), "claude") {
		t.Errorf("error = %v, want available names listed", err)
	}
}

func TestRegistry_NamesSorted(t *testing.T) {
	path := writeRegistryFile(t, `
[agents.zeta]
command = "z"

[agents.alpha]
command = "a"
`)

	reg, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("LoadRegistry failed: %v", err)
	}
	names := reg.Names()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "zeta" {
		t.Errorf("Names() = %v, want sorted", names)
	}
}
