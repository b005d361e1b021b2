// Package acp implements the client side of the Agent Client Protocol:
// JSON-RPC 2.0 over newline-delimited JSON on an agent subprocess's
// standard streams.
//
// # Overview
//
// The package is layered leaf-first:
//
//   - Message: pure envelope construction (ids assigned at send time)
//   - Transport: framing, id assignment, pending-request routing, and
//     scheduled observer delivery
//   - Session: the per-conversation state machine
//   - Process: subprocess lifecycle, handshake, health
//   - Pool: concurrency cap and multiplexing of sessions over one process
//
// # Wire Protocol
//
// The client sends the one-time handshake with the reserved id 1:
//
//	{"jsonrpc":"2.0","id":1,"method":"initialize","params":{...}}
//
// Readiness is signaled by any response bearing id 1. Regular requests
// start at id 2. Methods used: session/new, session/set_model,
// session/prompt, session/cancel (notification), plus inbound
// session/update notifications and session/request_permission requests.
//
// # Sessions
//
// A session moves creating -> active -> completed|cancelled and never
// reverses. Updates arriving before the server assigns an id are queued
// and replayed in order on activation. The final answer is resolved by
// priority: captured tool-write content, then the scratch output file,
// then the concatenated streamed chunks.
//
// # Request/Response Correlation
//
// The transport keeps a map of pending request ids to observers. Exactly
// one observer entry exists per in-flight request; it is removed exactly
// once by whichever of response, error, or local cancel happens first.
// Observer callbacks are delivered on a dedicated dispatch goroutine,
// never synchronously from the read path.
//
// # Dual-Keyed Registration
//
// The pool registers a session under a generated temporary key before the
// server assigns the real id, then atomically re-keys it. A session/update
// that races ahead of the create response is matched by a fallback linear
// scan over each pooled session's own identifier.
package acp
