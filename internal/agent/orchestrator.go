// Package agent runs the research chat loop: retrieve context, call the
// model, execute tool calls, and stream the answer.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/quillhaven/research-agent/internal/llm"
	"github.com/quillhaven/research-agent/internal/rag"
	"github.com/quillhaven/research-agent/internal/storage"
	"github.com/quillhaven/research-agent/internal/tools"
	"github.com/quillhaven/research-agent/pkg/logger"
)

const systemPromptTemplate = `You are Quill, a research assistant. You answer questions using the user's project sources and, when needed, the web.

Project sources relevant to this question:

%s

Rules:
1. Ground answers in the sources above when they are relevant. Cite them inline as [Source N].
2. If the sources do not cover the question, say so, then use webSearch and readWebPage to find current information.
3. When the user asks to save a page, or a page is clearly valuable to their research, use addToSources.
4. Never invent citations. Only cite source numbers that appear above.
5. Be concise and specific. Quote sources directly when wording matters.`

// Config holds chat loop tuning.
type Config struct {
	// MaxToolSteps caps model and tool round trips per turn.
	MaxToolSteps int
	MaxTokens    int
	Temperature  float64
}

func DefaultConfig() Config {
	return Config{
		MaxToolSteps: 5,
		MaxTokens:    4096,
		Temperature:  0.3,
	}
}

// SessionStore is the slice of chat persistence the agent needs.
type SessionStore interface {
	GetSession(ctx context.Context, id uuid.UUID) (*storage.ChatSession, error)
	ListMessages(ctx context.Context, sessionID uuid.UUID) ([]*storage.ChatMessage, error)
	AppendTurn(ctx context.Context, sessionID uuid.UUID, userMsg, assistantMsg *storage.ChatMessage) error
}

// ContextRetriever fetches relevant chunks for the question.
type ContextRetriever interface {
	Retrieve(ctx context.Context, query string, projectID, userID uuid.UUID) []storage.RetrievedChunk
}

// ToolFactory builds the tool registry for one session's scope.
type ToolFactory func(projectID, userID uuid.UUID) *tools.Registry

// Request is one user turn.
type Request struct {
	SessionID uuid.UUID
	Message   string
}

// ToolInvocation pairs a requested tool call with its executed result,
// so a persisted turn can replay what each tool did and returned.
type ToolInvocation struct {
	Call   llm.ToolCall   `json:"call"`
	Result llm.ToolResult `json:"result"`
}

// Response is the completed turn.
type Response struct {
	Text      string           `json:"text"`
	Sources   []rag.SourceRef  `json:"sources,omitempty"`
	ToolCalls []ToolInvocation `json:"tool_calls,omitempty"`
	Usage     llm.Usage        `json:"usage"`
	Model     string           `json:"model"`
}

// Orchestrator drives the chat loop.
type Orchestrator struct {
	provider  llm.Provider
	retriever ContextRetriever
	sessions  SessionStore
	toolsFor  ToolFactory
	config    Config
	logger    *logger.Logger
}

func NewOrchestrator(provider llm.Provider, retriever ContextRetriever, sessions SessionStore, toolsFor ToolFactory, cfg Config, log *logger.Logger) (*Orchestrator, error) {
	if provider == nil {
		return nil, fmt.Errorf("chat provider is required")
	}
	if cfg.MaxToolSteps <= 0 {
		cfg = DefaultConfig()
	}
	return &Orchestrator{
		provider:  provider,
		retriever: retriever,
		sessions:  sessions,
		toolsFor:  toolsFor,
		config:    cfg,
		logger:    log.WithComponent("agent").WithFields(map[string]any{"provider": provider.Name(), "model": provider.Model()}),
	}, nil
}

// Chat runs one turn. Events stream to emit as the model works; the
// completed turn is returned and persisted. The session must already
// exist.
func (o *Orchestrator) Chat(ctx context.Context, req Request, emit EventHandler) (*Response, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("message is empty")
	}
	if emit == nil {
		emit = func(Event) error { return nil }
	}

	session, err := o.sessions.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", req.SessionID, err)
	}

	history, err := o.sessions.ListMessages(ctx, session.ID)
	if err != nil {
		o.logger.WithError(err).Warn("failed to load history, continuing without it", "session_id", session.ID)
	}

	var chunks []storage.RetrievedChunk
	if o.retriever != nil {
		chunks = o.retriever.Retrieve(ctx, req.Message, session.ProjectID, session.UserID)
	}
	sources := rag.SourceRefs(chunks)
	if len(sources) > 0 {
		if err := emit(Event{Type: EventSources, Sources: sources}); err != nil {
			return nil, err
		}
	}

	var registry *tools.Registry
	if o.toolsFor != nil {
		registry = o.toolsFor(session.ProjectID, session.UserID)
	}

	chatReq := llm.ChatRequest{
		Messages:     append(historyMessages(history), llm.NewTextMessage(llm.RoleUser, req.Message)),
		SystemPrompt: fmt.Sprintf(systemPromptTemplate, rag.FormatContext(chunks)),
		MaxTokens:    o.config.MaxTokens,
		Temperature:  o.config.Temperature,
	}
	if registry != nil && o.provider.SupportsTools() {
		chatReq.Tools = registry.Definitions()
	}

	response, toolCalls, err := o.runLoop(ctx, chatReq, registry, emit)
	if err != nil {
		return nil, err
	}

	result := &Response{
		Text:      response.GetText(),
		Sources:   sources,
		ToolCalls: toolCalls,
		Usage:     response.Usage,
		Model:     response.Model,
	}

	if err := emit(Event{
		Type:         EventDone,
		InputTokens:  result.Usage.InputTokens,
		OutputTokens: result.Usage.OutputTokens,
	}); err != nil {
		o.logger.WithError(err).Warn("failed to emit done event", "session_id", session.ID)
	}

	// The answer already streamed, so a persistence failure is logged
	// rather than surfaced to the client.
	if err := o.persistTurn(ctx, session.ID, req.Message, result); err != nil {
		o.logger.WithError(err).Error("failed to persist chat turn", "session_id", session.ID)
	}

	o.logger.Info("chat turn complete",
		"session_id", session.ID,
		"tool_calls", len(toolCalls),
		"input_tokens", result.Usage.InputTokens,
		"output_tokens", result.Usage.OutputTokens,
	)
	return result, nil
}

// runLoop alternates model calls and tool execution until the model stops
// requesting tools or the step budget runs out. When the budget is spent,
// one final call without tools forces a text answer.
func (o *Orchestrator) runLoop(ctx context.Context, req llm.ChatRequest, registry *tools.Registry, emit EventHandler) (*llm.ChatResponse, []ToolInvocation, error) {
	var allCalls []ToolInvocation

	for step := 0; step < o.config.MaxToolSteps; step++ {
		response, err := o.callModel(ctx, req, emit)
		if err != nil {
			return nil, allCalls, fmt.Errorf("model call failed: %w", err)
		}
		if !response.HasToolCalls() || registry == nil {
			return response, allCalls, nil
		}

		calls := response.GetToolCalls()
		results := make([]llm.ToolResult, 0, len(calls))
		for _, call := range calls {
			if err := emit(Event{Type: EventToolCall, ToolCallID: call.ID, ToolName: call.Name, ToolInput: call.Input}); err != nil {
				return nil, allCalls, err
			}

			result := registry.ExecuteCall(ctx, call)
			results = append(results, result)
			allCalls = append(allCalls, ToolInvocation{Call: call, Result: result})

			if err := emit(Event{
				Type:       EventToolResult,
				ToolCallID: call.ID,
				ToolName:   call.Name,
				ToolOutput: result.Content,
				ToolError:  result.IsError,
			}); err != nil {
				return nil, allCalls, err
			}
		}

		req.Messages = append(req.Messages, llm.BuildAssistantMessage(response))
		req.Messages = append(req.Messages, llm.BuildToolResultMessages(results))
	}

	o.logger.Warn("tool step budget exhausted, forcing final answer", "steps", o.config.MaxToolSteps)
	req.Tools = nil
	response, err := o.callModel(ctx, req, emit)
	if err != nil {
		return nil, allCalls, fmt.Errorf("final model call failed: %w", err)
	}
	return response, allCalls, nil
}

// callModel streams when the provider supports it and falls back to a
// single emission of the full text otherwise.
func (o *Orchestrator) callModel(ctx context.Context, req llm.ChatRequest, emit EventHandler) (*llm.ChatResponse, error) {
	if streamer, ok := o.provider.(llm.StreamingProvider); ok {
		return streamer.ChatStream(ctx, req, func(delta string) error {
			return emit(Event{Type: EventTextDelta, Delta: delta})
		})
	}

	response, err := o.provider.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	if text := response.GetText(); text != "" {
		if err := emit(Event{Type: EventTextDelta, Delta: text}); err != nil {
			return nil, err
		}
	}
	return response, nil
}

// persistTurn stores the user and assistant pair with the assistant's
// structured parts and cited sources.
func (o *Orchestrator) persistTurn(ctx context.Context, sessionID uuid.UUID, userMessage string, result *Response) error {
	parts, err := json.Marshal(assistantParts(result))
	if err != nil {
		return fmt.Errorf("encoding message parts: %w", err)
	}
	var sources json.RawMessage
	if len(result.Sources) > 0 {
		sources, err = json.Marshal(result.Sources)
		if err != nil {
			return fmt.Errorf("encoding sources: %w", err)
		}
	}

	userMsg := &storage.ChatMessage{Role: string(llm.RoleUser), Content: userMessage}
	assistantMsg := &storage.ChatMessage{
		Role:    string(llm.RoleAssistant),
		Content: result.Text,
		Parts:   parts,
		Sources: sources,
	}
	return o.sessions.AppendTurn(ctx, sessionID, userMsg, assistantMsg)
}

// messagePart is the stored representation of one piece of the
// assistant's turn. Tool parts carry the full invocation, input and
// output both, so a client can rebuild the turn's tool cards.
type messagePart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ToolName string          `json:"tool_name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	Output   string          `json:"output,omitempty"`
	IsError  bool            `json:"is_error,omitempty"`
}

func assistantParts(result *Response) []messagePart {
	parts := make([]messagePart, 0, len(result.ToolCalls)+1)
	for _, inv := range result.ToolCalls {
		parts = append(parts, messagePart{
			Type:     "tool_call",
			ToolName: inv.Call.Name,
			Input:    inv.Call.Input,
			Output:   inv.Result.Content,
			IsError:  inv.Result.IsError,
		})
	}
	parts = append(parts, messagePart{Type: "text", Text: result.Text})
	return parts
}

// historyMessages converts stored messages back into model messages.
// Only the text survives; tool traffic from past turns is not replayed.
func historyMessages(history []*storage.ChatMessage) []llm.Message {
	messages := make([]llm.Message, 0, len(history))
	for _, msg := range history {
		if msg.Content == "" {
			continue
		}
		role := llm.Role(msg.Role)
		if role != llm.RoleUser && role != llm.RoleAssistant {
			continue
		}
		messages = append(messages, llm.NewTextMessage(role, msg.Content))
	}
	return messages
}
