// ABOUTME: Entry point for the coven-edit CLI
// ABOUTME: Drives ACP agent conversations for single questions and multi-location edits

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/coven-edit/internal/acp"
	"github.com/2389/coven-edit/internal/config"
	"github.com/2389/coven-edit/internal/edit"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                              _ _ _
  ___ _____   _____ _ __         ___  __| (_) |_
 / __/ _ \ \ / / _ \ '_ \ _____ / _ \/ _' | | __|
| (_| (_) \ V /  __/ | | |_____|  __/ (_| | | |_
 \___\___/ \_/ \___|_| |_|      \___|\__,_|_|\__|
`

// getConfigPath returns the path to the coven-edit config file.
// Priority: COVEN_EDIT_CONFIG env var > XDG_CONFIG_HOME/coven/edit.yaml > ~/.config/coven/edit.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_EDIT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "edit.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "edit.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: coven-edit <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  ask <question>                          Ask the agent one question")
		fmt.Println("  edit --pattern P --prompt TEXT <files>  Edit every matching line via the agent")
		fmt.Println("  agents                                  List configured agent backends")
		fmt.Println("  init                                    Create starter config files")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "ask":
		err = runAsk(ctx, os.Args[2:])
	case "edit":
		err = runEdit(ctx, os.Args[2:])
	case "agents":
		err = runAgents()
	case "init":
		err = runInit()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads configuration, builds the logger, and constructs a pool for
// the selected backend.
func setup(agentName string) (*config.Config, *acp.Pool, *slog.Logger, error) {
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	registry, err := config.LoadRegistry(cfg.Agent.Registry)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading registry: %w", err)
	}

	if agentName == "" {
		agentName = cfg.Agent.Default
	}
	backend, err := registry.Get(agentName)
	if err != nil {
		return nil, nil, nil, err
	}

	pool := acp.NewPool(acp.PoolConfig{
		Backend: acp.Backend{
			Name:     agentName,
			Command:  backend.Command,
			Args:     backend.Args,
			Model:    backend.Model,
			Parallel: backend.Parallel,
		},
		WorkDir:        cfg.Agent.WorkDir,
		ScratchDir:     cfg.Sessions.ScratchDir,
		SessionTimeout: cfg.Sessions.Timeout,
		ClientVersion:  version,
		Logger:         logger,
	})

	return cfg, pool, logger, nil
}

func runAsk(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ask", flag.ExitOnError)
	agentName := fs.String("agent", "", "backend name from the registry")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: coven-edit ask [--agent NAME] <question>")
	}
	question := strings.Join(fs.Args(), " ")

	_, pool, logger, err := setup(*agentName)
	if err != nil {
		return err
	}
	defer pool.Shutdown()
	go cancelOnSignal(ctx, pool)

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	color.New(color.FgHiBlack).Printf("    version: %s · agent: %s\n\n", version, pool.ProviderName())

	done := make(chan struct{})
	var finalStatus acp.Status
	var finalPayload string
	streamed := false

	err = pool.MakeRequest(ctx, acp.Request{
		Query: question,
		Observer: acp.Observer{
			OnStream: func(text string) {
				streamed = true
				fmt.Print(text)
			},
			OnStreamError: func(text string) {
				fmt.Fprint(os.Stderr, text)
			},
			OnComplete: func(status acp.Status, payload string) {
				finalStatus = status
				finalPayload = payload
				close(done)
			},
		},
	})
	if err != nil {
		return err
	}
	<-done

	if streamed {
		fmt.Println()
	}
	switch finalStatus {
	case acp.StatusSuccess:
		if !streamed {
			fmt.Println(finalPayload)
		}
		logger.Debug("request complete", "bytes", len(finalPayload))
		return nil
	case acp.StatusCancelled:
		return fmt.Errorf("cancelled")
	default:
		return fmt.Errorf("request failed: %s", finalPayload)
	}
}

func runEdit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("edit", flag.ExitOnError)
	agentName := fs.String("agent", "", "backend name from the registry")
	pattern := fs.String("pattern", "", "literal pattern selecting lines to edit")
	prompt := fs.String("prompt", "", "instruction applied to every matching line")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *pattern == "" || *prompt == "" || fs.NArg() < 1 {
		return fmt.Errorf("usage: coven-edit edit [--agent NAME] --pattern P --prompt TEXT <files>")
	}

	_, pool, logger, err := setup(*agentName)
	if err != nil {
		return err
	}
	defer pool.Shutdown()
	go cancelOnSignal(ctx, pool)

	store := edit.FileStore{}
	buffers := make([]*edit.Buffer, 0, fs.NArg())
	for _, path := range fs.Args() {
		buf, err := store.Load(path)
		if err != nil {
			return err
		}
		buffers = append(buffers, buf)
	}

	locations := edit.PatternFinder{}.FindReferences(*pattern, buffers)
	if len(locations) == 0 {
		fmt.Printf("No lines matching %q\n", *pattern)
		return nil
	}

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Agent:     %s\n", pool.ProviderName())
	green.Print("    ▶ ")
	fmt.Printf("Locations: %d\n\n", len(locations))

	contextBlocks := make([]string, 0, len(buffers))
	for _, buf := range buffers {
		contextBlocks = append(contextBlocks,
			fmt.Sprintf("Full contents of %s:\n%s", buf.Path, strings.Join(buf.Lines, "\n")))
	}

	orch := edit.New(pool, store, terminalSink{}, logger)
	result, err := orch.Run(ctx, edit.BatchRequest{
		Locations:     locations,
		ContextBlocks: contextBlocks,
		BuildQuery: func(loc edit.Location) string {
			return fmt.Sprintf(
				"%s\n\nRewrite only line %d of %s. The current line is:\n%s\n\nRespond with the replacement line(s) only.",
				*prompt, loc.StartLine, loc.Path, loc.Buffer.Lines[loc.StartLine-1],
			)
		},
	})
	if err != nil {
		return err
	}

	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("Applied: %d  Skipped: %d\n", result.Applied, result.Skipped)
	for _, path := range result.Saved {
		green.Print("    ▶ ")
		fmt.Printf("Saved:   %s\n", path)
	}
	return nil
}

func runAgents() error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	registry, err := config.LoadRegistry(cfg.Agent.Registry)
	if err != nil {
		return fmt.Errorf("loading registry: %w", err)
	}

	for _, name := range registry.Names() {
		backend := registry.Agents[name]
		marker := " "
		if name == cfg.Agent.Default {
			marker = "*"
		}
		mode := "sequential"
		if backend.Parallel {
			mode = "parallel"
		}
		fmt.Printf("%s %-12s %-10s %s\n", marker, name, mode, backend.Command)
	}
	return nil
}

const starterConfig = `agent:
  default: "claude"
  registry: "%s"

sessions:
  timeout: "2m"

logging:
  level: "info"
  format: "text"
`

const starterRegistry = `[agents.claude]
command = "claude-code-acp"
args = []
parallel = true

[agents.gemini]
command = "gemini"
args = ["--experimental-acp"]
parallel = false
`

func runInit() error {
	configPath := getConfigPath()
	registryPath := filepath.Join(filepath.Dir(configPath), "agents.toml")

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(fmt.Sprintf(starterConfig, registryPath)), 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	if _, err := os.Stat(registryPath); os.IsNotExist(err) {
		if err := os.WriteFile(registryPath, []byte(starterRegistry), 0o644); err != nil {
			return fmt.Errorf("writing registry: %w", err)
		}
	}

	fmt.Printf("Wrote %s\n", configPath)
	fmt.Printf("Wrote %s\n", registryPath)
	return nil
}

// cancelOnSignal cancels all in-flight sessions when the context is done so
// a SIGINT mid-batch still sends session/cancel where possible.
func cancelOnSignal(ctx context.Context, pool *acp.Pool) {
	<-ctx.Done()
	pool.CancelAll()
}

// terminalSink prints streamed progress lines in dim text.
type terminalSink struct{}

func (terminalSink) Progress(line string) {
	color.New(color.FgHiBlack).Fprintln(os.Stderr, line)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Fprint(os.Stderr, buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
