package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider implements Provider for Anthropic Claude models.
type AnthropicProvider struct {
	client *anthropic.Client
	model  string
	logger *slog.Logger
}

// NewAnthropicProvider creates an Anthropic provider.
func NewAnthropicProvider(cfg ProviderConfig, logger *slog.Logger) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := anthropic.NewClient(option.WithAPIKey(cfg.APIKey))

	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}

	return &AnthropicProvider{
		client: &client,
		model:  model,
		logger: logger.With("component", "anthropic_provider"),
	}, nil
}

// Chat sends a request to Claude and returns the complete response.
func (p *AnthropicProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	params := p.buildParams(req)

	p.logger.Debug("sending request",
		"model", p.model,
		"message_count", len(params.Messages),
		"tool_count", len(req.Tools),
	)

	response, err := p.client.Messages.New(ctx, params)
	if err != nil {
		p.logger.Error("anthropic API call failed", "error", err)
		return nil, fmt.Errorf("anthropic API call failed: %w", err)
	}
	return p.convertResponse(response), nil
}

// ChatStream streams assistant text through onText and returns the
// accumulated response, tool calls included.
func (p *AnthropicProvider) ChatStream(ctx context.Context, req ChatRequest, onText StreamHandler) (*ChatResponse, error) {
	params := p.buildParams(req)

	stream := p.client.Messages.NewStreaming(ctx, params)
	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, fmt.Errorf("failed to accumulate stream event: %w", err)
		}
		switch eventVariant := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if deltaVariant, ok := eventVariant.Delta.AsAny().(anthropic.TextDelta); ok && onText != nil {
				if err := onText(deltaVariant.Text); err != nil {
					return nil, err
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		p.logger.Error("anthropic stream failed", "error", err)
		return nil, fmt.Errorf("anthropic stream failed: %w", err)
	}

	return p.convertResponse(&message), nil
}

// SupportsTools reports native tool calling support.
func (p *AnthropicProvider) SupportsTools() bool { return true }

// Name returns the provider name.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Model returns the model name.
func (p *AnthropicProvider) Model() string { return p.model }

func (p *AnthropicProvider) buildParams(req ChatRequest) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  p.convertMessages(req.Messages),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = p.convertToolDefinitions(req.Tools)
	}
	if len(req.StopSequences) > 0 {
		params.StopSequences = req.StopSequences
	}
	return params
}

func (p *AnthropicProvider) convertMessages(messages []Message) []anthropic.MessageParam {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			// system prompts travel in params.System
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		for _, block := range msg.Content {
			switch block.Type {
			case ContentTypeText:
				content = append(content, anthropic.ContentBlockParamUnion{
					OfText: &anthropic.TextBlockParam{Type: "text", Text: block.Text},
				})
			case ContentTypeImage:
				content = append(content, anthropic.ContentBlockParamUnion{
					OfImage: &anthropic.ImageBlockParam{
						Type: "image",
						Source: anthropic.ImageBlockParamSourceUnion{
							OfBase64: &anthropic.Base64ImageSourceParam{
								Type:      "base64",
								MediaType: anthropic.Base64ImageSourceMediaType(block.ImageMediaType),
								Data:      block.ImageData,
							},
						},
					},
				})
			case ContentTypeToolUse:
				content = append(content, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						Type:  "tool_use",
						ID:    block.ToolUseID,
						Name:  block.ToolName,
						Input: block.ToolInput,
					},
				})
			case ContentTypeToolResult:
				content = append(content, anthropic.ContentBlockParamUnion{
					OfToolResult: &anthropic.ToolResultBlockParam{
						Type:      "tool_result",
						ToolUseID: block.ToolUseID,
						Content: []anthropic.ToolResultBlockParamContentUnion{
							{OfText: &anthropic.TextBlockParam{Type: "text", Text: block.ToolResult}},
						},
						IsError: anthropic.Bool(block.IsError),
					},
				})
			}
		}

		result = append(result, anthropic.MessageParam{
			Role:    anthropic.MessageParamRole(msg.Role),
			Content: content,
		})
	}
	return result
}

func (p *AnthropicProvider) convertToolDefinitions(tools []ToolDefinition) []anthropic.ToolUnionParam {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		result = append(result, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: tool.InputSchema["properties"],
					ExtraFields: map[string]interface{}{
						"type":     tool.InputSchema["type"],
						"required": tool.InputSchema["required"],
					},
				},
			},
		})
	}
	return result
}

func (p *AnthropicProvider) convertResponse(resp *anthropic.Message) *ChatResponse {
	var content []ContentBlock
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			content = append(content, ContentBlock{Type: ContentTypeText, Text: block.Text})
		case "tool_use":
			toolUse := block.AsToolUse()
			content = append(content, ContentBlock{
				Type:      ContentTypeToolUse,
				ToolUseID: toolUse.ID,
				ToolName:  toolUse.Name,
				ToolInput: toolUse.Input,
			})
		}
	}

	return &ChatResponse{
		Content:    content,
		StopReason: convertAnthropicStopReason(resp.StopReason),
		Usage: Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
		Model: string(resp.Model),
	}
}

func convertAnthropicStopReason(reason anthropic.StopReason) StopReason {
	switch reason {
	case "tool_use":
		return StopReasonToolUse
	case "max_tokens":
		return StopReasonMaxTokens
	case "stop_sequence":
		return StopReasonStop
	default:
		return StopReasonEndTurn
	}
}
