// ABOUTME: JSON-RPC 2.0 envelope type and builders for the Agent Client Protocol.
// ABOUTME: Pure construction only - ids are assigned by the transport at send time.

package acp

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the ACP protocol version this client speaks.
const ProtocolVersion = 1

// JSON-RPC error codes used on the wire.
const (
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603
)

// Message is a JSON-RPC 2.0 envelope. Requests carry an id and a method,
// notifications carry only a method, and responses echo the originating id
// with either Result or Error set, never both.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error object of a JSON-RPC response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ContentBlock is a prompt content entry. Only text blocks are produced by
// this client; other block types arriving from the agent are ignored.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// newRequest builds a request envelope with no id. The transport assigns
// the id when the message is sent.
func newRequest(method string, params any) *Message {
	return &Message{
		JSONRPC: "2.0",
		Method:  method,
		Params:  marshalParams(params),
	}
}

// newNotification builds a notification envelope (no id, ever).
func newNotification(method string, params any) *Message {
	return &Message{
		JSONRPC: "2.0",
		Method:  method,
		Params:  marshalParams(params),
	}
}

func marshalParams(params any) json.RawMessage {
	if params == nil {
		return nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		// Builders are only called with marshalable map/struct literals.
		return json.RawMessage(fmt.Sprintf(`{"marshal_error":%q}`, err.Error()))
	}
	return data
}

// NewInitialize builds the one-time handshake request. The transport sends
// it with the reserved id 1.
func NewInitialize(clientName, clientVersion string) *Message {
	return newRequest("initialize", map[string]any{
		"protocolVersion":    ProtocolVersion,
		"clientCapabilities": map[string]any{},
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": clientVersion,
		},
	})
}

// NewSessionRequest builds a session/new request for the given working directory.
func NewSessionRequest(cwd string) *Message {
	return newRequest("session/new", map[string]any{
		"cwd":        cwd,
		"mcpServers": []any{},
	})
}

// NewSetModelRequest builds a session/set_model request.
func NewSetModelRequest(sessionID, modelID string) *Message {
	return newRequest("session/set_model", map[string]any{
		"sessionId": sessionID,
		"modelId":   modelID,
	})
}

// NewPromptRequest builds a session/prompt request carrying the user query
// plus any accumulated context blocks, in order, as text content.
func NewPromptRequest(sessionID, query string, contextBlocks []string) *Message {
	blocks := make([]ContentBlock, 0, len(contextBlocks)+1)
	blocks = append(blocks, ContentBlock{Type: "text", Text: query})
	for _, c := range contextBlocks {
		blocks = append(blocks, ContentBlock{Type: "text", Text: c})
	}
	return newRequest("session/prompt", map[string]any{
		"sessionId": sessionID,
		"prompt":    blocks,
	})
}

// NewCancelNotification builds a session/cancel notification. Callers must
// only build this once a real session id is known.
func NewCancelNotification(sessionID string) *Message {
	return newNotification("session/cancel", map[string]any{
		"sessionId": sessionID,
	})
}

// newResponse builds a success reply to an agent-initiated request.
func newResponse(id int64, result any) *Message {
	data, err := json.Marshal(result)
	if err != nil {
		data = json.RawMessage("null")
	}
	return &Message{JSONRPC: "2.0", ID: &id, Result: data}
}

// newErrorResponse builds an error reply to an agent-initiated request.
func newErrorResponse(id int64, code int, message string) *Message {
	return &Message{
		JSONRPC: "2.0",
		ID:      &id,
		Error:   &RPCError{Code: code, Message: message},
	}
}
