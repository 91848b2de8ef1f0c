package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Prompt-injection tool calling for models without native tool support.
// Tools are described in the system prompt and calls parsed back out of the
// model's text as ```tool_call fenced JSON blocks.

const toolInstructionTemplate = `

## Available Tools

When you need a tool, respond with a fenced block in this exact format:

%s

You may emit several blocks, one per call. Wait for the results before
answering. Only call tools when they are needed.

### Tool Definitions

%s`

const toolCallFormat = "```tool_call\n{\"name\": \"tool_name\", \"input\": {\"param\": \"value\"}}\n```"

// InjectToolsIntoPrompt appends tool descriptions and calling instructions
// to the system prompt.
func InjectToolsIntoPrompt(systemPrompt string, tools []ToolDefinition) string {
	if len(tools) == 0 {
		return systemPrompt
	}

	var descriptions strings.Builder
	for _, tool := range tools {
		fmt.Fprintf(&descriptions, "### %s\n%s\n\n", tool.Name, tool.Description)
		if tool.InputSchema != nil {
			if schemaJSON, err := json.MarshalIndent(tool.InputSchema, "", "  "); err == nil {
				fmt.Fprintf(&descriptions, "Input schema:\n```json\n%s\n```\n\n", schemaJSON)
			}
		}
	}

	return systemPrompt + fmt.Sprintf(toolInstructionTemplate, toolCallFormat, descriptions.String())
}

var toolCallBlockPattern = regexp.MustCompile("(?s)```tool_call\\s*\\n(.*?)\\n```")

type parsedToolCall struct {
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ParseToolCallsFromText extracts tool_call blocks from model text and
// returns the calls plus the text with the blocks removed. Malformed blocks
// are skipped.
func ParseToolCallsFromText(content string) ([]ToolCall, string) {
	var toolCalls []ToolCall
	remaining := content

	for i, match := range toolCallBlockPattern.FindAllStringSubmatch(content, -1) {
		if len(match) < 2 {
			continue
		}
		var parsed parsedToolCall
		if err := json.Unmarshal([]byte(strings.TrimSpace(match[1])), &parsed); err != nil {
			continue
		}
		if parsed.Name == "" {
			continue
		}
		toolCalls = append(toolCalls, ToolCall{
			ID:    fmt.Sprintf("fallback_%d", i),
			Name:  parsed.Name,
			Input: parsed.Input,
		})
		remaining = strings.Replace(remaining, match[0], "", 1)
	}

	return toolCalls, strings.TrimSpace(remaining)
}

// ProcessFallbackResponse rewrites a text response into tool_use blocks when
// the model answered with tool_call blocks.
func ProcessFallbackResponse(response *ChatResponse) *ChatResponse {
	toolCalls, remainingText := ParseToolCallsFromText(response.GetText())
	if len(toolCalls) == 0 {
		return response
	}

	var content []ContentBlock
	if remainingText != "" {
		content = append(content, ContentBlock{Type: ContentTypeText, Text: remainingText})
	}
	for _, tc := range toolCalls {
		content = append(content, ContentBlock{
			Type:      ContentTypeToolUse,
			ToolUseID: tc.ID,
			ToolName:  tc.Name,
			ToolInput: tc.Input,
		})
	}

	return &ChatResponse{
		Content:    content,
		StopReason: StopReasonToolUse,
		Usage:      response.Usage,
		Model:      response.Model,
	}
}

// FallbackProvider adds tool calling to a provider that lacks it.
type FallbackProvider struct {
	wrapped Provider
}

// NewFallbackProvider wraps a provider with prompt-injection tool calling.
func NewFallbackProvider(provider Provider) *FallbackProvider {
	return &FallbackProvider{wrapped: provider}
}

// Chat injects tools into the prompt and parses calls out of the reply.
func (p *FallbackProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if len(req.Tools) > 0 {
		req.SystemPrompt = InjectToolsIntoPrompt(req.SystemPrompt, req.Tools)
		req.Tools = nil
	}

	response, err := p.wrapped.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	return ProcessFallbackResponse(response), nil
}

// SupportsTools is always true for the wrapper.
func (p *FallbackProvider) SupportsTools() bool { return true }

// Name returns the wrapped provider's name with a fallback suffix.
func (p *FallbackProvider) Name() string { return p.wrapped.Name() + "_fallback" }

// Model returns the wrapped provider's model.
func (p *FallbackProvider) Model() string { return p.wrapped.Model() }
