// Package config handles configuration loading for coven-edit.
//
// # Overview
//
// Configuration is loaded from a YAML file with environment variable
// expansion, plus a TOML registry describing the agent backends the
// session pool can drive.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_EDIT_CONFIG environment variable
//  2. ~/.config/coven/edit.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	sessions:
//	  scratch_dir: "${TMPDIR}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sessions:
//	  timeout: "2m"
//
// # Configuration Sections
//
// Agent selection:
//
//	agent:
//	  default: "claude"
//	  registry: "~/.config/coven/agents.toml"
//	  work_dir: ""          # defaults to the current directory
//
// Sessions:
//
//	sessions:
//	  timeout: "2m"
//	  scratch_dir: ""       # defaults to the system temp directory
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Backend Registry
//
// The registry is TOML, one table per backend:
//
//	[agents.claude]
//	command = "claude-code-acp"
//	args = []
//	model = ""
//	parallel = true
//
//	[agents.gemini]
//	command = "gemini"
//	args = ["--experimental-acp"]
//	parallel = false
//
// The parallel flag tells the edit orchestrator whether the backend can run
// one session per edit location concurrently.
package config
