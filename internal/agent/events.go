package agent

import (
	"encoding/json"

	"github.com/quillhaven/research-agent/internal/rag"
)

// EventType discriminates stream events sent to the client while the
// agent works.
type EventType string

const (
	EventTextDelta  EventType = "text-delta"
	EventToolCall   EventType = "tool-call"
	EventToolResult EventType = "tool-result"
	EventSources    EventType = "sources"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// Event is one unit of the chat stream.
type Event struct {
	Type EventType `json:"type"`

	// text-delta
	Delta string `json:"delta,omitempty"`

	// tool-call and tool-result
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	ToolOutput string          `json:"tool_output,omitempty"`
	ToolError  bool            `json:"tool_error,omitempty"`

	// sources
	Sources []rag.SourceRef `json:"sources,omitempty"`

	// done
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// EventHandler receives stream events. Returning an error aborts the run.
type EventHandler func(Event) error
