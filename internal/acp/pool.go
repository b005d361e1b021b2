// ABOUTME: Multiplexes concurrent sessions over one shared agent process, capped at ten.
// ABOUTME: Resolves the temporary-key/server-id race with an atomic re-key plus fallback scan.

package acp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MaxSessions caps how many sessions the pool tracks at once.
const MaxSessions = 10

// ErrPoolFull indicates the concurrency cap was hit; no session was created
// and no process interaction occurred.
var ErrPoolFull = errors.New("session pool full")

// Backend describes the agent program the pool drives.
type Backend struct {
	Name     string
	Command  string
	Args     []string
	Model    string
	Parallel bool // whether the backend supports concurrent sessions
}

// Conn is the pool's view of a started agent process.
type Conn interface {
	Requester
	WaitReady(ctx context.Context) error
	Healthy() bool
	Stop()
}

// StartFunc launches an agent process wired to the given notification
// handler. Swappable for tests.
type StartFunc func(backend Backend, notifications NotificationHandler) (Conn, error)

// PromptBuilder renders the final prompt text, embedding the scratch-file
// instruction. The default asks the agent to write its answer to the path.
type PromptBuilder func(query, scratchPath string) string

// DefaultPromptBuilder is the stock scratch-file prompt wrapper.
func DefaultPromptBuilder(query, scratchPath string) string {
	return fmt.Sprintf("%s\n\nWrite your complete final answer to the file %s and nothing else to that file.", query, scratchPath)
}

// Request is one unit of work submitted to the pool.
type Request struct {
	Query         string
	ContextBlocks []string
	Observer      Observer
}

// PoolConfig configures a session pool.
type PoolConfig struct {
	Backend        Backend
	WorkDir        string
	ScratchDir     string
	SessionTimeout time.Duration
	ClientVersion  string
	Start          StartFunc     // defaults to launching a real subprocess
	Prompt         PromptBuilder // defaults to DefaultPromptBuilder
	Logger         *slog.Logger
}

// Pool owns the shared agent process and the session registry. A session is
// registered under a generated temporary key immediately, then re-keyed to
// the server-assigned id once creation succeeds.
type Pool struct {
	backend        Backend
	workDir        string
	scratchDir     string
	sessionTimeout time.Duration
	clientVersion  string
	start          StartFunc
	prompt         PromptBuilder
	logger         *slog.Logger

	connMu sync.Mutex
	conn   Conn

	mu       sync.Mutex
	sessions map[string]*Session
	reserved int // slots claimed by requests still spinning up
}

// NewPool creates a pool. The agent process is not started until the first
// request needs it.
func NewPool(cfg PoolConfig) *Pool {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		backend:        cfg.Backend,
		workDir:        cfg.WorkDir,
		scratchDir:     cfg.ScratchDir,
		sessionTimeout: cfg.SessionTimeout,
		clientVersion:  cfg.ClientVersion,
		start:          cfg.Start,
		prompt:         cfg.Prompt,
		logger:         logger.With("component", "pool"),
		sessions:       make(map[string]*Session),
	}
	if p.prompt == nil {
		p.prompt = DefaultPromptBuilder
	}
	if p.start == nil {
		p.start = p.startProcess
	}
	return p
}

// ProviderName returns the configured backend name.
func (p *Pool) ProviderName() string {
	return p.backend.Name
}

// SupportsParallel reports whether the backend handles concurrent sessions.
func (p *Pool) SupportsParallel() bool {
	return p.backend.Parallel
}

// ActiveSessions returns the number of currently tracked sessions.
func (p *Pool) ActiveSessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions) + p.reserved
}

// MakeRequest runs one conversation. The observer streams output and
// receives exactly one completion. Requests past the concurrency cap are
// rejected immediately with no side effects.
func (p *Pool) MakeRequest(ctx context.Context, req Request) error {
	p.mu.Lock()
	if len(p.sessions)+p.reserved >= MaxSessions {
		p.mu.Unlock()
		return fmt.Errorf("%w: %d sessions already active", ErrPoolFull, MaxSessions)
	}
	p.reserved++
	p.mu.Unlock()

	conn, err := p.ensureConn(ctx)
	if err != nil {
		p.releaseReservation()
		return err
	}

	tempKey := "tmp-" + uuid.New().String()
	scratchPath := filepath.Join(p.scratchDir, fmt.Sprintf("answer-%s.md", uuid.New().String()))

	var sess *Session
	observer := Observer{
		OnStream:      req.Observer.OnStream,
		OnStreamError: req.Observer.OnStreamError,
		OnComplete: func(status Status, payload string) {
			p.remove(sess)
			req.Observer.complete(status, payload)
			if err := os.Remove(scratchPath); err != nil && !os.IsNotExist(err) {
				p.logger.Debug("failed to remove scratch file", "path", scratchPath, "error", err)
			}
		},
	}

	sess = NewSession(SessionConfig{
		Conn:          conn,
		Key:           tempKey,
		Cwd:           p.workDir,
		Query:         p.prompt(req.Query, scratchPath),
		ContextBlocks: req.ContextBlocks,
		Model:         p.backend.Model,
		ScratchPath:   scratchPath,
		Timeout:       p.sessionTimeout,
		OnRegister: func(sessionID string) {
			p.rekey(tempKey, sessionID, sess)
		},
		Observer: observer,
		Logger:   p.logger,
	})

	p.mu.Lock()
	p.reserved--
	p.sessions[tempKey] = sess
	p.mu.Unlock()

	sess.Start()
	return nil
}

// CancelAll cancels every tracked session. Completion observers fire with
// the cancelled status and entries are removed as they complete.
func (p *Pool) CancelAll() {
	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	for _, s := range sessions {
		s.Cancel()
	}
}

// Shutdown terminates the shared process and clears the pool. No per-session
// drain is attempted.
func (p *Pool) Shutdown() {
	p.connMu.Lock()
	if p.conn != nil {
		p.conn.Stop()
		p.conn = nil
	}
	p.connMu.Unlock()

	p.mu.Lock()
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()
	p.logger.Info("pool shut down")
}

func (p *Pool) releaseReservation() {
	p.mu.Lock()
	p.reserved--
	p.mu.Unlock()
}

// ensureConn returns a healthy shared process, starting one if none exists
// or the existing one has failed.
func (p *Pool) ensureConn(ctx context.Context) (Conn, error) {
	p.connMu.Lock()
	defer p.connMu.Unlock()

	if p.conn != nil && p.conn.Healthy() {
		return p.conn, nil
	}
	if p.conn != nil {
		p.logger.Warn("agent process unhealthy, restarting")
		p.conn.Stop()
		p.conn = nil
	}

	conn, err := p.start(p.backend, p.handleNotification)
	if err != nil {
		return nil, fmt.Errorf("starting agent: %w", err)
	}
	if err := conn.WaitReady(ctx); err != nil {
		conn.Stop()
		return nil, err
	}
	p.conn = conn
	return conn, nil
}

func (p *Pool) startProcess(backend Backend, notifications NotificationHandler) (Conn, error) {
	return StartProcess(ProcessConfig{
		Command:       backend.Command,
		Args:          backend.Args,
		Dir:           p.workDir,
		ClientName:    "coven-edit",
		ClientVersion: p.clientVersion,
		Notifications: notifications,
		Logger:        p.logger,
	})
}

func (p *Pool) handleNotification(method string, params json.RawMessage) {
	if method != "session/update" {
		p.logger.Debug("ignoring notification", "method", method)
		return
	}
	p.routeUpdate(params)
}

// routeUpdate finds the owning session for a session/update notification.
// The common case is an exact key hit; the linear scan closes the race where
// an update bearing the real id arrives before the create response re-keys
// the pool entry.
func (p *Pool) routeUpdate(params json.RawMessage) {
	var note struct {
		SessionID string          `json:"sessionId"`
		Update    json.RawMessage `json:"update"`
	}
	if err := json.Unmarshal(params, &note); err != nil || note.SessionID == "" {
		p.logger.Warn("malformed session/update notification", "error", err)
		return
	}

	p.mu.Lock()
	sess, ok := p.sessions[note.SessionID]
	if !ok {
		for _, cand := range p.sessions {
			if cand.ID() == note.SessionID {
				sess, ok = cand, true
				break
			}
		}
	}
	p.mu.Unlock()

	if !ok {
		p.logger.Warn("update for unknown session", "session_id", note.SessionID)
		return
	}
	sess.HandleUpdate(note.Update)
}

// rekey atomically swaps a session's registration from the temporary key to
// the server-assigned id.
func (p *Pool) rekey(tempKey, sessionID string, sess *Session) {
	p.mu.Lock()
	delete(p.sessions, tempKey)
	p.sessions[sessionID] = sess
	p.mu.Unlock()
	p.logger.Debug("session registered", "session_id", sessionID)
}

// remove deletes whichever key still points at the session.
func (p *Pool) remove(sess *Session) {
	p.mu.Lock()
	for key, s := range p.sessions {
		if s == sess {
			delete(p.sessions, key)
		}
	}
	p.mu.Unlock()
}
