// ABOUTME: Tests for NDJSON framing, id assignment, and response routing.
// ABOUTME: Uses a synchronized in-memory writer to inspect outbound frames.

package acp

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

// syncWriter collects outbound frames and signals each write.
type syncWriter struct {
	mu     sync.Mutex
	lines  []string
	signal chan struct{}
}

func newSyncWriter() *syncWriter {
	return &syncWriter{signal: make(chan struct{}, 64)}
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		w.lines = append(w.lines, line)
	}
	w.mu.Unlock()
	w.signal <- struct{}{}
	return len(p), nil
}

func (w *syncWriter) waitForLine(t *testing.T, n int) string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		w.mu.Lock()
		if len(w.lines) > n {
			line := w.lines[n]
			w.mu.Unlock()
			return line
		}
		w.mu.Unlock()
		select {
		case <-w.signal:
		case <-deadline:
			t.Fatalf("no frame %d written", n)
		}
	}
}

func waitStatus(t *testing.T, ch chan Status) Status {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no completion delivered")
		return ""
	}
}

func TestSendAssignsSequentialIDs(t *testing.T) {
	w := newSyncWriter()
	tr := NewTransport(w, nil)
	defer tr.Close()

	if err := tr.Send("a", NewSessionRequest("/tmp"), Observer{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := tr.Send("b", NewSessionRequest("/tmp"), Observer{}); err != nil {
		t.Fatalf("send: %v", err)
	}

	for i, want := range []int64{2, 3} {
		var msg Message
		if err := json.Unmarshal([]byte(w.waitForLine(t, i)), &msg); err != nil {
			t.Fatalf("frame %d not JSON: %v", i, err)
		}
		if msg.ID == nil || *msg.ID != want {
			t.Errorf("frame %d id = %v, want %d", i, msg.ID, want)
		}
		if msg.JSONRPC != "2.0" {
			t.Errorf("frame %d jsonrpc = %q", i, msg.JSONRPC)
		}
	}
}

func TestFeedReassemblesSplitFrames(t *testing.T) {
	w := newSyncWriter()
	tr := NewTransport(w, nil)
	defer tr.Close()

	done := make(chan Status, 1)
	payload := make(chan string, 1)
	if err := tr.Send("req", NewSessionRequest("/tmp"), Observer{
		OnComplete: func(s Status, p string) {
			done <- s
			payload <- p
		},
	}); err != nil {
		t.Fatalf("send: %v", err)
	}

	// The response arrives split across arbitrary chunk boundaries.
	tr.Feed([]byte(`{"jsonrpc":"2.0",`))
	tr.Feed([]byte(`"id":2,"result":"he`))
	tr.Feed([]byte("llo\"}\n"))

	if got := waitStatus(t, done); got != StatusSuccess {
		t.Errorf("status = %v, want success", got)
	}
	if got := <-payload; got != "hello" {
		t.Errorf("payload = %q, want hello", got)
	}
}

func TestFeedSkipsBlankLines(t *testing.T) {
	w := newSyncWriter()
	tr := NewTransport(w, nil)
	defer tr.Close()

	got := make(chan string, 4)
	tr.SetNotificationHandler(func(method string, params json.RawMessage) {
		got <- method
	})

	tr.Feed([]byte("\n\r\n{\"jsonrpc\":\"2.0\",\"method\":\"session/update\",\"params\":{}}\n\n"))

	select {
	case m := <-got:
		if m != "session/update" {
			t.Errorf("method = %q", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification not routed")
	}
	select {
	case m := <-got:
		t.Errorf("unexpected second notification %q", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFeedDropsMalformedFrames(t *testing.T) {
	w := newSyncWriter()
	tr := NewTransport(w, nil)
	defer tr.Close()

	got := make(chan string, 1)
	tr.SetNotificationHandler(func(method string, params json.RawMessage) {
		got <- method
	})

	// Garbage frame, then a valid one. The stream must survive.
	tr.Feed([]byte("this is not json\n"))
	tr.Feed([]byte("{\"jsonrpc\":\"2.0\",\"method\":\"session/update\",\"params\":{}}\n"))

	select {
	case m := <-got:
		if m != "session/update" {
			t.Errorf("method = %q", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not recover after malformed frame")
	}
}

func TestHandshakeReady(t *testing.T) {
	w := newSyncWriter()
	tr := NewTransport(w, nil)
	defer tr.Close()

	ready := make(chan struct{}, 1)
	tr.SetReadyHandlers(func() { ready <- struct{}{} }, func(string) {})

	if err := tr.SendHandshake(NewInitialize("test", "dev")); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	var msg Message
	if err := json.Unmarshal([]byte(w.waitForLine(t, 0)), &msg); err != nil {
		t.Fatalf("frame not JSON: %v", err)
	}
	if msg.ID == nil || *msg.ID != 1 {
		t.Errorf("handshake id = %v, want 1", msg.ID)
	}

	tr.Feed([]byte(`{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":1}}` + "\n"))
	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("ready handler not called")
	}
}

func TestHandshakeError(t *testing.T) {
	w := newSyncWriter()
	tr := NewTransport(w, nil)
	defer tr.Close()

	crashed := make(chan string, 1)
	tr.SetReadyHandlers(func() {}, func(msg string) { crashed <- msg })

	tr.Feed([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32600,"message":"bad version"}}` + "\n"))

	select {
	case msg := <-crashed:
		if !strings.Contains(msg, "-32600") || !strings.Contains(msg, "bad version") {
			t.Errorf("crash message = %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("crash handler not called")
	}
}

func TestErrorResponseFailsRequest(t *testing.T) {
	w := newSyncWriter()
	tr := NewTransport(w, nil)
	defer tr.Close()

	done := make(chan Status, 1)
	payload := make(chan string, 1)
	if err := tr.Send("req", NewSessionRequest("/tmp"), Observer{
		OnComplete: func(s Status, p string) {
			done <- s
			payload <- p
		},
	}); err != nil {
		t.Fatalf("send: %v", err)
	}

	tr.Feed([]byte(`{"jsonrpc":"2.0","id":2,"error":{"code":-32603,"message":"boom"}}` + "\n"))

	if got := waitStatus(t, done); got != StatusFailed {
		t.Errorf("status = %v, want failed", got)
	}
	if got := <-payload; got != "agent error -32603: boom" {
		t.Errorf("payload = %q", got)
	}
}

func TestCancelRequestDropsObserver(t *testing.T) {
	w := newSyncWriter()
	tr := NewTransport(w, nil)
	defer tr.Close()

	completed := make(chan Status, 1)
	if err := tr.Send("req", NewSessionRequest("/tmp"), Observer{
		OnComplete: func(s Status, p string) { completed <- s },
	}); err != nil {
		t.Fatalf("send: %v", err)
	}
	tr.CancelRequest("req")

	// Response for the cancelled request, then a sentinel notification. The
	// queue is FIFO, so once the sentinel arrives the response has been routed.
	sentinel := make(chan struct{}, 1)
	tr.SetNotificationHandler(func(string, json.RawMessage) { sentinel <- struct{}{} })
	tr.Feed([]byte(`{"jsonrpc":"2.0","id":2,"result":"late"}` + "\n"))
	tr.Feed([]byte(`{"jsonrpc":"2.0","method":"noop","params":{}}` + "\n"))

	select {
	case <-sentinel:
	case <-time.After(2 * time.Second):
		t.Fatal("sentinel not delivered")
	}
	select {
	case s := <-completed:
		t.Errorf("cancelled request completed with %v", s)
	default:
	}
}

func TestUnknownMethodGetsMethodNotFound(t *testing.T) {
	w := newSyncWriter()
	tr := NewTransport(w, nil)
	defer tr.Close()

	tr.Feed([]byte(`{"jsonrpc":"2.0","id":7,"method":"fs/read_text_file","params":{}}` + "\n"))

	var msg Message
	if err := json.Unmarshal([]byte(w.waitForLine(t, 0)), &msg); err != nil {
		t.Fatalf("reply not JSON: %v", err)
	}
	if msg.ID == nil || *msg.ID != 7 {
		t.Errorf("reply id = %v, want 7", msg.ID)
	}
	if msg.Error == nil || msg.Error.Code != CodeMethodNotFound {
		t.Errorf("reply error = %+v, want code %d", msg.Error, CodeMethodNotFound)
	}
}

func TestPermissionRequestAutoApproved(t *testing.T) {
	w := newSyncWriter()
	tr := NewTransport(w, nil)
	defer tr.Close()

	tr.Feed([]byte(`{"jsonrpc":"2.0","id":9,"method":"session/request_permission","params":{"options":[{"optionId":"rej-1","kind":"reject_once"},{"optionId":"ok-1","kind":"allow_once"}]}}` + "\n"))

	var msg Message
	if err := json.Unmarshal([]byte(w.waitForLine(t, 0)), &msg); err != nil {
		t.Fatalf("reply not JSON: %v", err)
	}
	if msg.ID == nil || *msg.ID != 9 {
		t.Errorf("reply id = %v, want 9", msg.ID)
	}
	var result struct {
		Outcome struct {
			Outcome  string `json:"outcome"`
			OptionID string `json:"optionId"`
		} `json:"outcome"`
	}
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}
	if result.Outcome.Outcome != "selected" || result.Outcome.OptionID != "ok-1" {
		t.Errorf("outcome = %+v, want selected ok-1", result.Outcome)
	}
}

func TestNormalizeResult(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", ``, ""},
		{"plain string", `"done"`, "done"},
		{"stop reason", `{"stopReason":"end_turn"}`, "end_turn"},
		{"session result passes through", `{"sessionId":"s-1","models":{}}`, `{"sessionId":"s-1","models":{}}`},
		{"null", `null`, ""},
		{"other object dumped", `{"k":"v"}`, "map[k:v]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := normalizeResult(json.RawMessage(tt.in)); got != tt.want {
				t.Errorf("normalizeResult(%s) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTaskQueueOrder(t *testing.T) {
	q := newTaskQueue()
	go q.run()
	defer q.close()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		i := i
		q.push(func() {
			mu.Lock()
			order = append(order, i)
			if len(order) == 100 {
				close(done)
			}
			mu.Unlock()
		})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks not drained")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("task %d ran out of order (got %d)", i, v)
		}
	}
}
