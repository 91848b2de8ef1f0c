package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/sashabaranov/go-openai"
)

// OpenAICompatProvider implements Provider against the OpenAI chat API and
// OpenAI-compatible servers (Ollama, LM Studio).
type OpenAICompatProvider struct {
	client       *openai.Client
	model        string
	providerName string
	logger       *slog.Logger
}

// NewOpenAICompatProvider creates a provider for an OpenAI-compatible server.
func NewOpenAICompatProvider(cfg ProviderConfig, logger *slog.Logger) (*OpenAICompatProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		// local servers accept any key
		apiKey = "not-needed"
	}

	clientConfig := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	client := openai.NewClientWithConfig(clientConfig)

	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	providerName := cfg.Provider
	if providerName == "" {
		providerName = "openai"
	}

	return &OpenAICompatProvider{
		client:       client,
		model:        model,
		providerName: providerName,
		logger:       logger.With("component", "openai_provider", "provider", providerName),
	}, nil
}

// NewOpenAIProvider creates a provider against api.openai.com.
func NewOpenAIProvider(apiKey, model string, logger *slog.Logger) (*OpenAICompatProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	return NewOpenAICompatProvider(ProviderConfig{
		Provider: "openai",
		APIKey:   apiKey,
		Model:    model,
	}, logger)
}

// NewOllamaProvider creates a provider for a local Ollama server.
func NewOllamaProvider(baseURL, model string, logger *slog.Logger) (*OpenAICompatProvider, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434/v1"
	}
	if model == "" {
		model = "llama3.2"
	}
	return NewOpenAICompatProvider(ProviderConfig{
		Provider: "ollama",
		BaseURL:  baseURL,
		Model:    model,
	}, logger)
}

// NewLMStudioProvider creates a provider for a local LM Studio server.
func NewLMStudioProvider(baseURL, model string, logger *slog.Logger) (*OpenAICompatProvider, error) {
	if baseURL == "" {
		baseURL = "http://localhost:1234/v1"
	}
	if model == "" {
		model = "local-model"
	}
	return NewOpenAICompatProvider(ProviderConfig{
		Provider: "lmstudio",
		BaseURL:  baseURL,
		Model:    model,
	}, logger)
}

// Chat sends a request and returns the complete response.
func (p *OpenAICompatProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	chatReq := p.buildRequest(req)

	p.logger.Debug("sending request",
		"model", p.model,
		"message_count", len(chatReq.Messages),
		"tool_count", len(req.Tools),
	)

	response, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		p.logger.Error("chat completion failed", "error", err)
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned")
	}

	return p.convertResponse(&response), nil
}

// ChatStream streams text deltas through onText and returns the accumulated
// response. Tool call fragments are assembled by their index field.
func (p *OpenAICompatProvider) ChatStream(ctx context.Context, req ChatRequest, onText StreamHandler) (*ChatResponse, error) {
	chatReq := p.buildRequest(req)
	chatReq.Stream = true
	chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("failed to open completion stream: %w", err)
	}
	defer stream.Close()

	var (
		text         string
		finishReason openai.FinishReason
		usage        Usage
		toolCalls    = map[int]*openai.ToolCall{}
	)

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			p.logger.Error("completion stream failed", "error", err)
			return nil, fmt.Errorf("completion stream failed: %w", err)
		}

		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
		if choice.Delta.Content != "" {
			text += choice.Delta.Content
			if onText != nil {
				if err := onText(choice.Delta.Content); err != nil {
					return nil, err
				}
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			acc, ok := toolCalls[idx]
			if !ok {
				acc = &openai.ToolCall{Type: openai.ToolTypeFunction}
				toolCalls[idx] = acc
			}
			if tc.ID != "" {
				acc.ID = tc.ID
			}
			if tc.Function.Name != "" {
				acc.Function.Name = tc.Function.Name
			}
			acc.Function.Arguments += tc.Function.Arguments
		}
	}

	var content []ContentBlock
	if text != "" {
		content = append(content, ContentBlock{Type: ContentTypeText, Text: text})
	}
	indices := make([]int, 0, len(toolCalls))
	for idx := range toolCalls {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	for _, idx := range indices {
		tc := toolCalls[idx]
		content = append(content, ContentBlock{
			Type:      ContentTypeToolUse,
			ToolUseID: tc.ID,
			ToolName:  tc.Function.Name,
			ToolInput: json.RawMessage(tc.Function.Arguments),
		})
	}

	return &ChatResponse{
		Content:    content,
		StopReason: convertOpenAIFinishReason(finishReason),
		Usage:      usage,
		Model:      p.model,
	}, nil
}

// SupportsTools reports tool calling support. Actual support depends on the
// model behind a local server.
func (p *OpenAICompatProvider) SupportsTools() bool { return true }

// Name returns the provider name.
func (p *OpenAICompatProvider) Name() string { return p.providerName }

// Model returns the model name.
func (p *OpenAICompatProvider) Model() string { return p.model }

func (p *OpenAICompatProvider) buildRequest(req ChatRequest) openai.ChatCompletionRequest {
	chatReq := openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: p.convertMessages(req),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	}
	if len(req.StopSequences) > 0 {
		chatReq.Stop = req.StopSequences
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = p.convertToolDefinitions(req.Tools)
	}
	return chatReq
}

func (p *OpenAICompatProvider) convertMessages(req ChatRequest) []openai.ChatCompletionMessage {
	var result []openai.ChatCompletionMessage

	if req.SystemPrompt != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.GetText(),
			})
		case RoleUser:
			if len(msg.Content) > 0 && msg.Content[0].Type == ContentTypeToolResult {
				// tool results map to role=tool messages
				for _, block := range msg.Content {
					if block.Type == ContentTypeToolResult {
						result = append(result, openai.ChatCompletionMessage{
							Role:       openai.ChatMessageRoleTool,
							Content:    block.ToolResult,
							ToolCallID: block.ToolUseID,
						})
					}
				}
				continue
			}
			if hasImageBlock(msg.Content) {
				result = append(result, openai.ChatCompletionMessage{
					Role:         openai.ChatMessageRoleUser,
					MultiContent: convertMultiContent(msg.Content),
				})
				continue
			}
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.GetText(),
			})
		case RoleAssistant:
			assistantMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.GetText(),
			}
			for _, tc := range msg.GetToolCalls() {
				assistantMsg.ToolCalls = append(assistantMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			result = append(result, assistantMsg)
		}
	}
	return result
}

func hasImageBlock(blocks []ContentBlock) bool {
	for _, b := range blocks {
		if b.Type == ContentTypeImage {
			return true
		}
	}
	return false
}

func convertMultiContent(blocks []ContentBlock) []openai.ChatMessagePart {
	var parts []openai.ChatMessagePart
	for _, b := range blocks {
		switch b.Type {
		case ContentTypeText:
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: b.Text,
			})
		case ContentTypeImage:
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL: fmt.Sprintf("data:%s;base64,%s", b.ImageMediaType, b.ImageData),
				},
			})
		}
	}
	return parts
}

func (p *OpenAICompatProvider) convertToolDefinitions(tools []ToolDefinition) []openai.Tool {
	var result []openai.Tool
	for _, tool := range tools {
		schemaJSON, err := json.Marshal(tool.InputSchema)
		if err != nil {
			p.logger.Warn("failed to marshal tool schema", "tool", tool.Name, "error", err)
			continue
		}
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  json.RawMessage(schemaJSON),
			},
		})
	}
	return result
}

func (p *OpenAICompatProvider) convertResponse(resp *openai.ChatCompletionResponse) *ChatResponse {
	choice := resp.Choices[0]
	var content []ContentBlock

	if choice.Message.Content != "" {
		content = append(content, ContentBlock{Type: ContentTypeText, Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		content = append(content, ContentBlock{
			Type:      ContentTypeToolUse,
			ToolUseID: tc.ID,
			ToolName:  tc.Function.Name,
			ToolInput: json.RawMessage(tc.Function.Arguments),
		})
	}

	return &ChatResponse{
		Content:    content,
		StopReason: convertOpenAIFinishReason(choice.FinishReason),
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
		Model: resp.Model,
	}
}

func convertOpenAIFinishReason(reason openai.FinishReason) StopReason {
	switch reason {
	case openai.FinishReasonToolCalls:
		return StopReasonToolUse
	case openai.FinishReasonLength:
		return StopReasonMaxTokens
	default:
		return StopReasonEndTurn
	}
}
