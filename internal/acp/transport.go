// ABOUTME: NDJSON framing and JSON-RPC routing for a single agent subprocess stream.
// ABOUTME: Owns the pending-request map, id assignment, and scheduled observer delivery.

package acp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// handshakeID is reserved for the one-time initialize request. Regular
// request ids start immediately after it.
const handshakeID = 1

// Status is the terminal outcome of a request or session.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Observer receives streamed output and exactly one completion for a request.
// Nil callbacks are skipped.
type Observer struct {
	OnStream      func(text string)
	OnStreamError func(text string)
	OnComplete    func(status Status, payload string)
}

func (o Observer) stream(text string) {
	if o.OnStream != nil {
		o.OnStream(text)
	}
}

func (o Observer) streamError(text string) {
	if o.OnStreamError != nil {
		o.OnStreamError(text)
	}
}

func (o Observer) complete(status Status, payload string) {
	if o.OnComplete != nil {
		o.OnComplete(status, payload)
	}
}

// RequestHandler receives agent-initiated requests. A registered handler is
// fully responsible for eventually calling Respond or RespondError.
type RequestHandler func(msg *Message)

// NotificationHandler receives agent notifications by method name.
type NotificationHandler func(method string, params json.RawMessage)

type pendingRequest struct {
	key string
	obs Observer
}

// Transport converts a byte stream into framed JSON-RPC messages and back.
// Outbound requests get a monotonically increasing id; inbound bytes are
// buffered until a full newline-terminated frame is available. Observer and
// handler callbacks are never invoked synchronously from Feed - they are
// delivered in order on a dedicated dispatch goroutine.
type Transport struct {
	mu      sync.Mutex
	writer  io.Writer
	nextID  int64
	pending map[int64]pendingRequest
	keys    map[string]int64
	inbuf   bytes.Buffer

	notify    NotificationHandler
	onRequest RequestHandler
	onReady   func()
	onCrash   func(msg string)

	queue  *taskQueue
	logger *slog.Logger
}

// NewTransport creates a transport writing frames to w and starts its
// dispatch goroutine. Call Close when the underlying process is gone.
func NewTransport(w io.Writer, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{
		writer:  w,
		nextID:  handshakeID + 1,
		pending: make(map[int64]pendingRequest),
		keys:    make(map[string]int64),
		queue:   newTaskQueue(),
		logger:  logger.With("component", "transport"),
	}
	go t.queue.run()
	return t
}

// SetNotificationHandler installs the handler for inbound notifications.
func (t *Transport) SetNotificationHandler(h NotificationHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notify = h
}

// SetRequestHandler installs a handler for agent-initiated requests,
// replacing the built-in default behavior.
func (t *Transport) SetRequestHandler(h RequestHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRequest = h
}

// SetReadyHandlers installs the callbacks fired when the handshake response
// arrives (ready) or when the handshake fails (crash).
func (t *Transport) SetReadyHandlers(onReady func(), onCrash func(msg string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onReady = onReady
	t.onCrash = onCrash
}

// Close stops the dispatch goroutine. Pending observers are not notified;
// the owning process reports the failure upward.
func (t *Transport) Close() {
	t.queue.close()
}

// Send assigns the next request id, registers obs under that id, and writes
// the message as one newline-terminated JSON frame.
func (t *Transport) Send(requestKey string, msg *Message, obs Observer) error {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	msg.ID = &id
	t.pending[id] = pendingRequest{key: requestKey, obs: obs}
	t.keys[requestKey] = id
	t.mu.Unlock()

	if err := t.writeFrame(msg); err != nil {
		t.mu.Lock()
		delete(t.pending, id)
		delete(t.keys, requestKey)
		t.mu.Unlock()
		return err
	}
	return nil
}

// SendHandshake writes the initialize request with the reserved handshake id.
// No pending observer is registered; readiness is signaled via SetReadyHandlers.
func (t *Transport) SendHandshake(msg *Message) error {
	id := int64(handshakeID)
	msg.ID = &id
	return t.writeFrame(msg)
}

// SendNotification writes a notification frame. Nothing is tracked for it.
func (t *Transport) SendNotification(msg *Message) error {
	return t.writeFrame(msg)
}

// CancelRequest removes any pending observer for the key without sending
// anything over the wire. It only stops waiting locally; protocol-level
// cancellation is the caller's job.
func (t *Transport) CancelRequest(requestKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.keys[requestKey]; ok {
		delete(t.pending, id)
		delete(t.keys, requestKey)
	}
}

// Respond writes a success reply to an agent-initiated request.
func (t *Transport) Respond(id int64, result any) error {
	return t.writeFrame(newResponse(id, result))
}

// RespondError writes an error reply to an agent-initiated request.
func (t *Transport) RespondError(id int64, code int, message string) error {
	return t.writeFrame(newErrorResponse(id, code, message))
}

func (t *Transport) writeFrame(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("serializing message: %w", err)
	}
	data = append(data, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.writer.Write(data); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Feed appends arriving bytes to the frame buffer and routes every complete
// line. Partial lines stay buffered for the next chunk, so correctness does
// not depend on how the stream chunks bytes. Feed must be called from a
// single goroutine (the process read loop).
func (t *Transport) Feed(data []byte) {
	t.inbuf.Write(data)
	for {
		line, err := t.inbuf.ReadBytes('\n')
		if err != nil {
			// No newline yet - put the partial line back and wait for more.
			t.inbuf.Write(line)
			return
		}
		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			// Malformed frames are dropped; the stream continues.
			t.logger.Warn("dropping unparseable frame", "error", err, "bytes", len(line))
			continue
		}
		t.route(&msg)
	}
}

// route dispatches one parsed message. Discriminant priority: response,
// error response, agent-initiated request, notification.
func (t *Transport) route(msg *Message) {
	switch {
	case msg.ID != nil && len(msg.Result) > 0:
		t.routeResponse(*msg.ID, msg.Result)
	case msg.ID != nil && msg.Error != nil:
		t.routeError(*msg.ID, msg.Error)
	case msg.ID != nil && msg.Method != "":
		t.routeInboundRequest(msg)
	case msg.Method != "":
		t.routeNotification(msg.Method, msg.Params)
	default:
		t.logger.Warn("dropping unroutable message")
	}
}

func (t *Transport) routeResponse(id int64, result json.RawMessage) {
	if id == handshakeID {
		t.mu.Lock()
		onReady := t.onReady
		t.mu.Unlock()
		if onReady != nil {
			t.queue.push(onReady)
		}
		return
	}

	t.mu.Lock()
	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
		delete(t.keys, p.key)
	}
	t.mu.Unlock()

	if !ok {
		t.logger.Warn("response for unknown request", "id", id)
		return
	}
	payload := normalizeResult(result)
	t.queue.push(func() { p.obs.complete(StatusSuccess, payload) })
}

func (t *Transport) routeError(id int64, rpcErr *RPCError) {
	if id == handshakeID {
		t.mu.Lock()
		onCrash := t.onCrash
		t.mu.Unlock()
		msg := fmt.Sprintf("agent handshake failed: %d %s", rpcErr.Code, rpcErr.Message)
		if onCrash != nil {
			t.queue.push(func() { onCrash(msg) })
		}
		return
	}

	t.mu.Lock()
	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
		delete(t.keys, p.key)
	}
	t.mu.Unlock()

	if !ok {
		t.logger.Warn("error response for unknown request", "id", id, "code", rpcErr.Code)
		return
	}
	payload := fmt.Sprintf("agent error %d: %s", rpcErr.Code, rpcErr.Message)
	t.queue.push(func() { p.obs.complete(StatusFailed, payload) })
}

func (t *Transport) routeInboundRequest(msg *Message) {
	t.mu.Lock()
	handler := t.onRequest
	t.mu.Unlock()

	if handler != nil {
		t.queue.push(func() { handler(msg) })
		return
	}
	t.queue.push(func() { t.handleDefaultRequest(msg) })
}

func (t *Transport) routeNotification(method string, params json.RawMessage) {
	t.mu.Lock()
	notify := t.notify
	t.mu.Unlock()

	if notify == nil {
		t.logger.Warn("notification with no handler", "method", method)
		return
	}
	t.queue.push(func() { notify(method, params) })
}

// handleDefaultRequest implements the built-in reply policy: permission
// requests for tool calls are auto-approved so the integration never blocks
// on a human, and everything else gets a method-not-found error.
func (t *Transport) handleDefaultRequest(msg *Message) {
	if msg.Method == "session/request_permission" {
		outcome := approvePermission(msg.Params)
		if err := t.Respond(*msg.ID, outcome); err != nil {
			t.logger.Warn("failed to send permission reply", "error", err)
		}
		return
	}
	t.logger.Warn("agent requested unsupported method", "method", msg.Method)
	if err := t.RespondError(*msg.ID, CodeMethodNotFound, "Method not found"); err != nil {
		t.logger.Warn("failed to send error reply", "error", err)
	}
}

// approvePermission builds a "selected" outcome choosing an allow-once
// option when the request offers one.
func approvePermission(params json.RawMessage) map[string]any {
	var req struct {
		Options []struct {
			OptionID string `json:"optionId"`
			Kind     string `json:"kind"`
		} `json:"options"`
	}
	optionID := "allow_once"
	if err := json.Unmarshal(params, &req); err == nil {
	search:
		for _, preferred := range []string{"allow_once", "allow_always"} {
			for _, opt := range req.Options {
				if opt.Kind == preferred {
					optionID = opt.OptionID
					break search
				}
			}
		}
	}
	return map[string]any{
		"outcome": map[string]any{
			"outcome":  "selected",
			"optionId": optionID,
		},
	}
}

// normalizeResult converts a response result into the payload string handed
// to the pending observer. Results carrying a session id are passed through
// whole (as JSON) so the session can extract the id and model state; a bare
// stopReason collapses to its value; plain strings pass unchanged; anything
// else becomes a readable structural dump.
func normalizeResult(result json.RawMessage) string {
	if len(result) == 0 {
		return ""
	}
	var obj map[string]any
	if err := json.Unmarshal(result, &obj); err == nil {
		if _, ok := obj["sessionId"]; ok {
			return string(result)
		}
		if reason, ok := obj["stopReason"]; ok {
			if s, ok := reason.(string); ok {
				return s
			}
			return fmt.Sprintf("%v", reason)
		}
		return fmt.Sprintf("%v", obj)
	}
	var s string
	if err := json.Unmarshal(result, &s); err == nil {
		return s
	}
	var v any
	if err := json.Unmarshal(result, &v); err == nil {
		if v == nil {
			return ""
		}
		return fmt.Sprintf("%v", v)
	}
	return string(result)
}

// taskQueue is an unbounded in-order task runner. It decouples observer
// delivery from the read loop so callbacks never reenter Feed, and pushing
// never blocks even when a callback itself sends on the transport.
type taskQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *taskQueue) push(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.tasks = append(q.tasks, fn)
	q.cond.Signal()
}

func (q *taskQueue) run() {
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		fn := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()
		fn()
	}
}

func (q *taskQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
