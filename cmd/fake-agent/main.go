// ABOUTME: Minimal fake agent for E2E testing - speaks ACP over stdio, echoes prompts with markdown.
// ABOUTME: Usage: fake-agent [-chunks 3] [-delay 50ms]
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-edit/internal/acp"
)

var scratchPathPattern = regexp.MustCompile(`to the file (\S+)`)

func main() {
	chunks := flag.Int("chunks", 3, "number of streamed message chunks per prompt")
	delay := flag.Duration("delay", 50*time.Millisecond, "delay between streamed chunks")
	flag.Parse()

	if err := run(*chunks, *delay); err != nil {
		log.Fatal(err)
	}
}

func run(chunks int, delay time.Duration) error {
	out := json.NewEncoder(os.Stdout)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	sessions := make(map[string]bool)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg acp.Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			fmt.Fprintf(os.Stderr, "fake-agent: dropping bad frame: %v\n", err)
			continue
		}

		switch msg.Method {
		case "initialize":
			reply(out, msg.ID, map[string]any{
				"protocolVersion": acp.ProtocolVersion,
				"agentCapabilities": map[string]any{
					"promptCapabilities": map[string]any{},
				},
			})

		case "session/new":
			id := "fake-" + uuid.New().String()
			sessions[id] = true
			reply(out, msg.ID, map[string]any{
				"sessionId": id,
				"models":    map[string]any{"currentModelId": "echo-1"},
			})

		case "session/set_model":
			reply(out, msg.ID, map[string]any{})

		case "session/prompt":
			handlePrompt(out, &msg, sessions, chunks, delay)

		case "session/cancel":
			var params struct {
				SessionID string `json:"sessionId"`
			}
			_ = json.Unmarshal(msg.Params, &params)
			delete(sessions, params.SessionID)

		default:
			if msg.ID != nil {
				writeFrame(out, &acp.Message{
					JSONRPC: "2.0",
					ID:      msg.ID,
					Error:   &acp.RPCError{Code: acp.CodeMethodNotFound, Message: "Method not found"},
				})
			}
		}
	}
	return scanner.Err()
}

func handlePrompt(out *json.Encoder, msg *acp.Message, sessions map[string]bool, chunks int, delay time.Duration) {
	var params struct {
		SessionID string             `json:"sessionId"`
		Prompt    []acp.ContentBlock `json:"prompt"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil || !sessions[params.SessionID] {
		writeFrame(out, &acp.Message{
			JSONRPC: "2.0",
			ID:      msg.ID,
			Error:   &acp.RPCError{Code: acp.CodeInternalError, Message: "unknown session"},
		})
		return
	}

	query := ""
	if len(params.Prompt) > 0 {
		query = params.Prompt[0].Text
	}
	answer := echoReply(query)

	// Stream the answer as agent_message_chunk updates.
	parts := splitChunks(answer, chunks)
	for _, part := range parts {
		notify(out, "session/update", map[string]any{
			"sessionId": params.SessionID,
			"update": map[string]any{
				"sessionUpdate": "agent_message_chunk",
				"content":       map[string]any{"type": "text", "text": part},
			},
		})
		time.Sleep(delay)
	}

	// Honor the scratch-file instruction when the prompt carries one.
	if m := scratchPathPattern.FindStringSubmatch(query); m != nil {
		if err := os.WriteFile(m[1], []byte(answer), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "fake-agent: scratch write failed: %v\n", err)
		}
	}

	reply(out, msg.ID, map[string]any{"stopReason": "end_turn"})
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "bullet") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n\n> This is a blockquote.\n"
	}
	first := input
	if i := strings.IndexByte(first, '\n'); i >= 0 {
		first = first[:i]
	}
	return fmt.Sprintf("Echo: **%s**\n\nI received your message and am responding with some *formatted* text.", first)
}

func splitChunks(s string, n int) []string {
	if n < 1 {
		n = 1
	}
	size := (len(s) + n - 1) / n
	var parts []string
	for len(s) > 0 {
		if len(s) <= size {
			parts = append(parts, s)
			break
		}
		parts = append(parts, s[:size])
		s = s[size:]
	}
	return parts
}

func reply(out *json.Encoder, id *int64, result any) {
	data, err := json.Marshal(result)
	if err != nil {
		data = json.RawMessage("null")
	}
	writeFrame(out, &acp.Message{JSONRPC: "2.0", ID: id, Result: data})
}

func notify(out *json.Encoder, method string, params any) {
	data, err := json.Marshal(params)
	if err != nil {
		return
	}
	writeFrame(out, &acp.Message{JSONRPC: "2.0", Method: method, Params: data})
}

func writeFrame(out *json.Encoder, msg *acp.Message) {
	if err := out.Encode(msg); err != nil {
		fmt.Fprintf(os.Stderr, "fake-agent: write failed: %v\n", err)
	}
}
