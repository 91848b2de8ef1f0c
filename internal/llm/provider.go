// Package llm provides a unified interface over chat model providers.
package llm

import (
	"context"
	"encoding/json"
)

// Provider is the interface all chat providers implement.
type Provider interface {
	// Chat sends a request and returns the complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// SupportsTools reports whether the provider supports native tool calling.
	SupportsTools() bool

	// Name returns the provider name (anthropic, openai, ollama, lmstudio).
	Name() string

	// Model returns the model in use.
	Model() string
}

// StreamHandler receives incremental text as the model generates it.
type StreamHandler func(delta string) error

// StreamingProvider is implemented by providers that can stream assistant
// text. The final accumulated response is still returned so tool calls can
// be processed after the stream ends.
type StreamingProvider interface {
	Provider
	ChatStream(ctx context.Context, req ChatRequest, onText StreamHandler) (*ChatResponse, error)
}

// StopReason indicates why the model stopped generating.
type StopReason string

const (
	StopReasonEndTurn   StopReason = "end_turn"
	StopReasonToolUse   StopReason = "tool_use"
	StopReasonMaxTokens StopReason = "max_tokens"
	StopReasonStop      StopReason = "stop"
)

// Role represents a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ContentType discriminates ContentBlock variants.
type ContentType string

const (
	ContentTypeText       ContentType = "text"
	ContentTypeImage      ContentType = "image"
	ContentTypeToolUse    ContentType = "tool_use"
	ContentTypeToolResult ContentType = "tool_result"
)

// ContentBlock is one block of message content. Exactly the fields for its
// Type are populated.
type ContentBlock struct {
	Type ContentType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image, base64-encoded with its media type
	ImageData      string `json:"image_data,omitempty"`
	ImageMediaType string `json:"image_media_type,omitempty"`

	// tool_use
	ToolUseID string          `json:"tool_use_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`

	// tool_result
	ToolResult string `json:"tool_result,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Message is one turn in the conversation.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// NewTextMessage creates a single-text-block message.
func NewTextMessage(role Role, text string) Message {
	return Message{
		Role:    role,
		Content: []ContentBlock{{Type: ContentTypeText, Text: text}},
	}
}

// NewImageMessage creates a user message carrying an image plus an
// instruction.
func NewImageMessage(instruction, imageData, mediaType string) Message {
	return Message{
		Role: RoleUser,
		Content: []ContentBlock{
			{Type: ContentTypeImage, ImageData: imageData, ImageMediaType: mediaType},
			{Type: ContentTypeText, Text: instruction},
		},
	}
}

// GetText concatenates all text blocks.
func (m *Message) GetText() string {
	var text string
	for _, block := range m.Content {
		if block.Type == ContentTypeText {
			text += block.Text
		}
	}
	return text
}

// GetToolCalls extracts tool_use blocks.
func (m *Message) GetToolCalls() []ToolCall {
	var calls []ToolCall
	for _, block := range m.Content {
		if block.Type == ContentTypeToolUse {
			calls = append(calls, ToolCall{ID: block.ToolUseID, Name: block.ToolName, Input: block.ToolInput})
		}
	}
	return calls
}

// ToolDefinition is a tool offered to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the outcome of executing a tool call.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// ChatRequest is a request to the model.
type ChatRequest struct {
	Messages      []Message        `json:"messages"`
	SystemPrompt  string           `json:"system_prompt,omitempty"`
	Tools         []ToolDefinition `json:"tools,omitempty"`
	MaxTokens     int              `json:"max_tokens,omitempty"`
	Temperature   float64          `json:"temperature,omitempty"`
	StopSequences []string         `json:"stop_sequences,omitempty"`
}

// ChatResponse is a complete model response.
type ChatResponse struct {
	Content    []ContentBlock `json:"content"`
	StopReason StopReason     `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
	Model      string         `json:"model"`
}

// GetText concatenates all text blocks of the response.
func (r *ChatResponse) GetText() string {
	var text string
	for _, block := range r.Content {
		if block.Type == ContentTypeText {
			text += block.Text
		}
	}
	return text
}

// GetToolCalls extracts tool calls from the response.
func (r *ChatResponse) GetToolCalls() []ToolCall {
	var calls []ToolCall
	for _, block := range r.Content {
		if block.Type == ContentTypeToolUse {
			calls = append(calls, ToolCall{ID: block.ToolUseID, Name: block.ToolName, Input: block.ToolInput})
		}
	}
	return calls
}

// HasToolCalls reports whether the response requests tool execution.
func (r *ChatResponse) HasToolCalls() bool {
	return r.StopReason == StopReasonToolUse || len(r.GetToolCalls()) > 0
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// TotalTokens returns input plus output tokens.
func (u Usage) TotalTokens() int {
	return u.InputTokens + u.OutputTokens
}

// ProviderConfig holds common provider configuration.
type ProviderConfig struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	APIKey      string  `json:"api_key,omitempty"`
	BaseURL     string  `json:"base_url,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// DefaultProviderConfig returns sensible defaults.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Provider:    "anthropic",
		Model:       "claude-sonnet-4-20250514",
		MaxTokens:   4096,
		Temperature: 0.3,
	}
}

// BuildAssistantMessage converts a response into an assistant message so the
// turn can be appended to the conversation before tool results.
func BuildAssistantMessage(resp *ChatResponse) Message {
	return Message{Role: RoleAssistant, Content: resp.Content}
}

// BuildToolResultMessages wraps tool results into the user message the next
// model turn expects.
func BuildToolResultMessages(results []ToolResult) Message {
	blocks := make([]ContentBlock, 0, len(results))
	for _, r := range results {
		blocks = append(blocks, ContentBlock{
			Type:       ContentTypeToolResult,
			ToolUseID:  r.ToolUseID,
			ToolResult: r.Content,
			IsError:    r.IsError,
		})
	}
	return Message{Role: RoleUser, Content: blocks}
}
