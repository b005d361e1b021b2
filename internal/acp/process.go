// ABOUTME: Owns the agent subprocess: spawn, stdio wiring, handshake, and health tracking.
// ABOUTME: Feeds stdout bytes into the transport and exposes the transport's request surface.

package acp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
)

// ProcessConfig describes how to launch and identify an agent subprocess.
type ProcessConfig struct {
	Command       string
	Args          []string
	Dir           string
	ClientName    string
	ClientVersion string
	Notifications NotificationHandler
	Logger        *slog.Logger
}

// Process is a running agent subprocess with its bound transport. One process
// is shared by all sessions; the pool restarts it only when unhealthy.
type Process struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	transport *Transport
	logger    *slog.Logger

	mu       sync.Mutex
	crashed  bool
	exited   bool
	crashMsg string

	ready      chan struct{}
	readyOnce  sync.Once
	failed     chan struct{}
	failedOnce sync.Once
}

// StartProcess launches the agent, wires its stdio to a new transport, and
// sends the initialize handshake. Readiness is asynchronous; use WaitReady.
func StartProcess(cfg ProcessConfig) (*Process, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "process")

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting agent %q: %w", cfg.Command, err)
	}

	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		logger: logger,
		ready:  make(chan struct{}),
		failed: make(chan struct{}),
	}

	p.transport = NewTransport(stdin, logger)
	p.transport.SetNotificationHandler(cfg.Notifications)
	p.transport.SetReadyHandlers(p.markReady, p.markCrashed)

	go p.readLoop(stdout)
	go p.stderrLoop(stderr)
	go p.waitExit()

	logger.Info("agent process started", "command", cfg.Command, "pid", cmd.Process.Pid)

	if err := p.transport.SendHandshake(NewInitialize(cfg.ClientName, cfg.ClientVersion)); err != nil {
		p.Stop()
		return nil, fmt.Errorf("sending handshake: %w", err)
	}
	return p, nil
}

// WaitReady blocks until the handshake response arrives, the process fails,
// or the context expires.
func (p *Process) WaitReady(ctx context.Context) error {
	select {
	case <-p.ready:
		return nil
	case <-p.failed:
		p.mu.Lock()
		msg := p.crashMsg
		p.mu.Unlock()
		return fmt.Errorf("agent process failed: %s", msg)
	case <-ctx.Done():
		return fmt.Errorf("waiting for agent readiness: %w", ctx.Err())
	}
}

// Healthy reports whether the process can still carry traffic.
func (p *Process) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.crashed && !p.exited
}

// Stop terminates the subprocess and tears down the transport. No graceful
// drain is attempted.
func (p *Process) Stop() {
	_ = p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	p.transport.Close()
}

// Send forwards to the bound transport.
func (p *Process) Send(requestKey string, msg *Message, obs Observer) error {
	return p.transport.Send(requestKey, msg, obs)
}

// SendNotification forwards to the bound transport.
func (p *Process) SendNotification(msg *Message) error {
	return p.transport.SendNotification(msg)
}

// CancelRequest forwards to the bound transport.
func (p *Process) CancelRequest(requestKey string) {
	p.transport.CancelRequest(requestKey)
}

func (p *Process) readLoop(stdout io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			p.transport.Feed(buf[:n])
		}
		if err != nil {
			if err != io.EOF {
				p.logger.Warn("agent stdout read error", "error", err)
			}
			p.mu.Lock()
			p.exited = true
			p.mu.Unlock()
			return
		}
	}
}

func (p *Process) stderrLoop(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.logger.Debug("agent stderr", "line", scanner.Text())
	}
}

func (p *Process) waitExit() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exited = true
	p.mu.Unlock()
	if err != nil {
		p.logger.Warn("agent process exited", "error", err)
	} else {
		p.logger.Info("agent process exited")
	}
	p.failedOnce.Do(func() { close(p.failed) })
}

func (p *Process) markReady() {
	p.logger.Info("agent handshake complete")
	p.readyOnce.Do(func() { close(p.ready) })
}

// markCrashed records a handshake-time protocol failure. No further traffic
// should be sent to the process.
func (p *Process) markCrashed(msg string) {
	p.mu.Lock()
	p.crashed = true
	p.crashMsg = msg
	p.mu.Unlock()
	p.logger.Error("agent process crashed", "reason", msg)
	p.failedOnce.Do(func() { close(p.failed) })
}
