// ABOUTME: TOML registry of named agent backends usable by the session pool.
// ABOUTME: Each entry carries the command line, model, and parallel-session capability.

package config

import (
	"fmt"
	"os"
	"sort"

	"github.com/BurntSushi/toml"
)

// BackendConfig describes one agent program the pool can drive.
type BackendConfig struct {
	Command  string   `toml:"command"`
	Args     []string `toml:"args"`
	Model    string   `toml:"model"`
	Parallel bool     `toml:"parallel"`
}

// Registry is the set of configured agent backends, keyed by name.
type Registry struct {
	Agents map[string]BackendConfig `toml:"agents"`
}

// LoadRegistry reads the TOML backend registry from the given path,
// expanding environment variables (${VAR} syntax) first.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading registry file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var reg Registry
	if _, err := toml.Decode(expanded, &reg); err != nil {
		return nil, fmt.Errorf("parsing registry: %w", err)
	}

	if len(reg.Agents) == 0 {
		return nil, fmt.Errorf("registry defines no agents")
	}
	for name, backend := range reg.Agents {
		if backend.Command == "" {
			return nil, fmt.Errorf("agent %q has no command", name)
		}
	}

	return &reg, nil
}

// Get returns the named backend.
func (r *Registry) Get(name string) (BackendConfig, error) {
	backend, ok := r.Agents[name]
	if !ok {
		return BackendConfig{}, fmt.Errorf("agent %q not found in registry (have: %v)", name, r.Names())
	}
	return backend, nil
}

// Names returns the configured backend names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.Agents))
	for name := range r.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
