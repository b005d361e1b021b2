// ABOUTME: State machine for one agent conversation: creating, active, then completed or cancelled.
// ABOUTME: Buffers early updates, captures tool writes, and resolves the final answer by priority.

package acp

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// DefaultSessionTimeout bounds how long a conversation may stay open.
const DefaultSessionTimeout = 2 * time.Minute

const timeoutMessage = "Request timeout after 2 minutes"

// SessionState tracks the conversation lifecycle. Transitions are monotonic:
// creating -> active -> completed|cancelled, with both terminal states also
// reachable straight from creating. Terminal states are absorbing.
type SessionState int

const (
	StateCreating SessionState = iota
	StateActive
	StateCompleted
	StateCancelled
)

func (s SessionState) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateActive:
		return "active"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Requester is the slice of the transport a session needs.
type Requester interface {
	Send(requestKey string, msg *Message, obs Observer) error
	SendNotification(msg *Message) error
	CancelRequest(requestKey string)
}

// SessionConfig carries everything needed to run one conversation.
type SessionConfig struct {
	Conn          Requester
	Key           string // pool temporary key, also the request-key prefix
	Cwd           string
	Query         string
	ContextBlocks []string
	Model         string // requested model; empty keeps the agent default
	ScratchPath   string // file the prompt asks the agent to write its answer to
	Timeout       time.Duration
	OnRegister    func(sessionID string) // called once the server assigns an id
	Observer      Observer
	Logger        *slog.Logger
}

// Session represents one logical conversation with the agent.
type Session struct {
	mu    sync.Mutex
	state SessionState
	id    string

	conn          Requester
	key           string
	cwd           string
	query         string
	contextBlocks []string
	model         string
	scratchPath   string
	timeout       time.Duration

	chunks       []string
	toolWrite    string
	hasToolWrite bool
	buffered     []json.RawMessage
	timer        *time.Timer

	obs        Observer
	onRegister func(string)
	logger     *slog.Logger
}

// NewSession builds a session in the creating state. Nothing is sent until
// Start is called.
func NewSession(cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	return &Session{
		state:         StateCreating,
		conn:          cfg.Conn,
		key:           cfg.Key,
		cwd:           cfg.Cwd,
		query:         cfg.Query,
		contextBlocks: cfg.ContextBlocks,
		model:         cfg.Model,
		scratchPath:   cfg.ScratchPath,
		timeout:       timeout,
		obs:           cfg.Observer,
		onRegister:    cfg.OnRegister,
		logger:        logger.With("component", "session", "key", cfg.Key),
	}
}

// ID returns the server-assigned identifier, or "" while still creating.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start arms the timeout and issues the session/new request.
func (s *Session) Start() {
	s.mu.Lock()
	s.timer = time.AfterFunc(s.timeout, s.handleTimeout)
	s.mu.Unlock()

	if err := s.conn.Send(s.key+":new", NewSessionRequest(s.cwd), Observer{OnComplete: s.handleCreated}); err != nil {
		s.fail(fmt.Sprintf("failed to create session: %v", err))
	}
}

func (s *Session) handleCreated(status Status, payload string) {
	if status != StatusSuccess {
		s.fail(payload)
		return
	}

	var created struct {
		SessionID string `json:"sessionId"`
		Models    *struct {
			CurrentModelID string `json:"currentModelId"`
		} `json:"models"`
	}
	if err := json.Unmarshal([]byte(payload), &created); err != nil || created.SessionID == "" {
		s.fail(fmt.Sprintf("malformed session/new result: %s", payload))
		return
	}

	s.mu.Lock()
	if s.state != StateCreating {
		// Cancelled or timed out while the create was in flight.
		s.mu.Unlock()
		return
	}
	s.id = created.SessionID
	s.state = StateActive
	buffered := s.buffered
	s.buffered = nil
	s.mu.Unlock()

	if s.onRegister != nil {
		s.onRegister(created.SessionID)
	}

	// Replay updates that raced ahead of the create response, in arrival order.
	for _, raw := range buffered {
		s.applyUpdate(raw)
	}

	currentModel := ""
	if created.Models != nil {
		currentModel = created.Models.CurrentModelID
	}
	if s.model != "" && s.model != currentModel {
		err := s.conn.Send(s.key+":set_model", NewSetModelRequest(created.SessionID, s.model), Observer{
			OnComplete: func(status Status, payload string) {
				if status != StatusSuccess {
					// Non-fatal: proceed with whatever model is active.
					s.logger.Warn("model switch failed", "model", s.model, "error", payload)
				}
				s.sendPrompt()
			},
		})
		if err != nil {
			s.logger.Warn("model switch failed", "model", s.model, "error", err)
			s.sendPrompt()
		}
		return
	}
	s.sendPrompt()
}

func (s *Session) sendPrompt() {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return
	}
	id := s.id
	s.mu.Unlock()

	err := s.conn.Send(s.key+":prompt", NewPromptRequest(id, s.query, s.contextBlocks), Observer{
		OnComplete: func(status Status, payload string) {
			if status != StatusSuccess {
				s.fail(payload)
				return
			}
			s.Finalize()
		},
	})
	if err != nil {
		s.fail(fmt.Sprintf("failed to send prompt: %v", err))
	}
}

// HandleUpdate processes one session/update payload. Updates arriving while
// creating are queued and replayed on activation; updates for a terminal
// session are silently dropped.
func (s *Session) HandleUpdate(update json.RawMessage) {
	s.mu.Lock()
	switch s.state {
	case StateCreating:
		s.buffered = append(s.buffered, update)
		s.mu.Unlock()
		return
	case StateActive:
		s.mu.Unlock()
		s.applyUpdate(update)
	default:
		s.mu.Unlock()
	}
}

func (s *Session) applyUpdate(raw json.RawMessage) {
	var u struct {
		SessionUpdate string          `json:"sessionUpdate"`
		Content       json.RawMessage `json:"content"`
		Status        string          `json:"status"`
		RawInput      json.RawMessage `json:"rawInput"`
		Message       string          `json:"message"`
	}
	if err := json.Unmarshal(raw, &u); err != nil {
		s.logger.Warn("malformed session update", "error", err)
		return
	}

	switch u.SessionUpdate {
	case "agent_message_chunk":
		var block ContentBlock
		if err := json.Unmarshal(u.Content, &block); err != nil || block.Text == "" {
			return
		}
		s.mu.Lock()
		s.chunks = append(s.chunks, block.Text)
		s.mu.Unlock()
		s.obs.stream(block.Text)

	case "agent_thought_chunk":
		var block ContentBlock
		if err := json.Unmarshal(u.Content, &block); err == nil {
			s.logger.Debug("agent thought", "text", block.Text)
		}

	case "tool_call", "tool_call_update":
		if u.Status == "in_progress" || u.Status == "completed" {
			s.captureToolWrite(u.RawInput, u.Content)
		}

	case "error":
		s.fail(u.Message)

	default:
		s.logger.Debug("ignoring session update", "type", u.SessionUpdate)
	}
}

// captureToolWrite inspects a tool-call update for evidence that the tool
// wrote the scratch output path, either via a raw-input path with inline
// content or via a diff content entry. A later capture overwrites an
// earlier one.
func (s *Session) captureToolWrite(rawInput, content json.RawMessage) {
	captured := ""
	found := false

	if len(rawInput) > 0 {
		var in struct {
			Path    string `json:"path"`
			AbsPath string `json:"abs_path"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(rawInput, &in); err == nil {
			if (in.Path == s.scratchPath || in.AbsPath == s.scratchPath) && in.Content != "" {
				captured = in.Content
				found = true
			}
		}
	}

	if len(content) > 0 {
		var entries []struct {
			Type    string `json:"type"`
			Path    string `json:"path"`
			NewText string `json:"newText"`
		}
		if err := json.Unmarshal(content, &entries); err == nil {
			for _, e := range entries {
				if e.Type == "diff" && e.Path == s.scratchPath {
					captured = e.NewText
					found = true
				}
			}
		}
	}

	if found {
		s.mu.Lock()
		s.toolWrite = captured
		s.hasToolWrite = true
		s.mu.Unlock()
		s.logger.Debug("captured tool write", "bytes", len(captured))
	}
}

// Finalize closes out an active session and reports exactly one outcome,
// resolved in priority order: captured tool-write content, then the scratch
// file on disk, then the concatenated streamed chunks, and failing all three
// a failure naming the read error. A second call is a no-op.
func (s *Session) Finalize() {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return
	}
	s.state = StateCompleted
	s.stopTimerLocked()
	hasToolWrite := s.hasToolWrite
	toolWrite := s.toolWrite
	chunks := s.chunks
	scratch := s.scratchPath
	s.mu.Unlock()

	if hasToolWrite {
		s.obs.complete(StatusSuccess, toolWrite)
		return
	}

	data, readErr := os.ReadFile(scratch)
	if readErr == nil {
		s.obs.complete(StatusSuccess, string(data))
		return
	}

	if len(chunks) > 0 {
		s.obs.complete(StatusSuccess, strings.Join(chunks, ""))
		return
	}

	s.obs.complete(StatusFailed, fmt.Sprintf("no response captured: %v", readErr))
}

// Cancel aborts the conversation. It is a no-op on a terminal session, and
// only notifies the remote side when an identifier has been assigned.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.state == StateCompleted || s.state == StateCancelled {
		s.mu.Unlock()
		return
	}
	s.state = StateCancelled
	s.stopTimerLocked()
	id := s.id
	s.mu.Unlock()

	s.dropPendingRequests()
	if id != "" {
		if err := s.conn.SendNotification(NewCancelNotification(id)); err != nil {
			s.logger.Warn("failed to send cancel notification", "error", err)
		}
	}
	s.obs.complete(StatusCancelled, "")
}

// fail moves the session to completed and reports a failure upward. No-op on
// a terminal session, so the observer fires at most once.
func (s *Session) fail(message string) {
	s.mu.Lock()
	if s.state == StateCompleted || s.state == StateCancelled {
		s.mu.Unlock()
		return
	}
	s.state = StateCompleted
	s.stopTimerLocked()
	s.mu.Unlock()

	s.dropPendingRequests()
	s.obs.complete(StatusFailed, message)
}

func (s *Session) handleTimeout() {
	s.mu.Lock()
	if s.state == StateCompleted || s.state == StateCancelled {
		s.mu.Unlock()
		return
	}
	s.state = StateCancelled
	id := s.id
	s.mu.Unlock()

	s.logger.Warn("session timed out", "session_id", id)
	s.dropPendingRequests()
	if id != "" {
		if err := s.conn.SendNotification(NewCancelNotification(id)); err != nil {
			s.logger.Warn("failed to send cancel notification", "error", err)
		}
	}
	s.obs.complete(StatusFailed, timeoutMessage)
}

// dropPendingRequests stops waiting on any in-flight request locally. The
// remote side is informed separately via session/cancel when possible.
func (s *Session) dropPendingRequests() {
	for _, suffix := range []string{":new", ":set_model", ":prompt"} {
		s.conn.CancelRequest(s.key + suffix)
	}
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
}
