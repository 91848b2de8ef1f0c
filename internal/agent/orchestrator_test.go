package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/quillhaven/research-agent/internal/llm"
	"github.com/quillhaven/research-agent/internal/storage"
	"github.com/quillhaven/research-agent/internal/tools"
	"github.com/quillhaven/research-agent/pkg/logger"
)

type scriptedProvider struct {
	responses []*llm.ChatResponse
	calls     int
	lastReq   llm.ChatRequest
}

func (p *scriptedProvider) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	p.lastReq = req
	if p.calls >= len(p.responses) {
		return nil, fmt.Errorf("no scripted response for call %d", p.calls)
	}
	resp := p.responses[p.calls]
	p.calls++
	return resp, nil
}

func (p *scriptedProvider) SupportsTools() bool { return true }
func (p *scriptedProvider) Name() string        { return "scripted" }
func (p *scriptedProvider) Model() string       { return "scripted-model" }

// toolHungryProvider requests a tool on every call unless the request has
// no tools, in which case it answers with text.
type toolHungryProvider struct {
	calls int
}

func (p *toolHungryProvider) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	p.calls++
	if len(req.Tools) == 0 {
		return &llm.ChatResponse{
			Content:    []llm.ContentBlock{{Type: llm.ContentTypeText, Text: "final answer without tools"}},
			StopReason: llm.StopReasonEndTurn,
		}, nil
	}
	return &llm.ChatResponse{
		Content: []llm.ContentBlock{{
			Type:      llm.ContentTypeToolUse,
			ToolUseID: fmt.Sprintf("call_%d", p.calls),
			ToolName:  "echo",
			ToolInput: json.RawMessage(`{"value":"again"}`),
		}},
		StopReason: llm.StopReasonToolUse,
	}, nil
}

func (p *toolHungryProvider) SupportsTools() bool { return true }
func (p *toolHungryProvider) Name() string        { return "hungry" }
func (p *toolHungryProvider) Model() string       { return "hungry-model" }

type echoTool struct{ calls int }

func (e *echoTool) Name() string                { return "echo" }
func (e *echoTool) Description() string         { return "Echo the input value." }
func (e *echoTool) InputSchema() map[string]any { return map[string]any{"type": "object"} }
func (e *echoTool) Execute(_ context.Context, input json.RawMessage) (string, error) {
	e.calls++
	return "echo: " + string(input), nil
}

type memorySessions struct {
	session   *storage.ChatSession
	history   []*storage.ChatMessage
	appended  [][2]*storage.ChatMessage
	appendErr error
}

func (m *memorySessions) GetSession(_ context.Context, id uuid.UUID) (*storage.ChatSession, error) {
	if m.session == nil || m.session.ID != id {
		return nil, storage.ErrNotFound
	}
	return m.session, nil
}

func (m *memorySessions) ListMessages(context.Context, uuid.UUID) ([]*storage.ChatMessage, error) {
	return m.history, nil
}

func (m *memorySessions) AppendTurn(_ context.Context, _ uuid.UUID, userMsg, assistantMsg *storage.ChatMessage) error {
	if m.appendErr != nil {
		return m.appendErr
	}
	m.appended = append(m.appended, [2]*storage.ChatMessage{userMsg, assistantMsg})
	return nil
}

type staticRetriever struct {
	chunks []storage.RetrievedChunk
}

func (s *staticRetriever) Retrieve(context.Context, string, uuid.UUID, uuid.UUID) []storage.RetrievedChunk {
	return s.chunks
}

func newSessions() *memorySessions {
	return &memorySessions{session: &storage.ChatSession{
		ID:        uuid.New(),
		ProjectID: uuid.New(),
		UserID:    uuid.New(),
		Title:     sql.NullString{String: "Research", Valid: true},
	}}
}

func toolRegistry(tool tools.Tool) ToolFactory {
	return func(uuid.UUID, uuid.UUID) *tools.Registry {
		reg := tools.NewRegistry(logger.Default())
		reg.MustRegister(tool)
		return reg
	}
}

func textResponse(text string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Content:    []llm.ContentBlock{{Type: llm.ContentTypeText, Text: text}},
		StopReason: llm.StopReasonEndTurn,
		Usage:      llm.Usage{InputTokens: 10, OutputTokens: 5},
		Model:      "scripted-model",
	}
}

func TestChatSimpleTurn(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.ChatResponse{textResponse("hello there")}}
	sessions := newSessions()
	sourceID := uuid.New()
	retriever := &staticRetriever{chunks: []storage.RetrievedChunk{
		{SourceID: sourceID, SourceTitle: "My Paper", Content: "relevant text", Similarity: 0.9},
	}}

	orch, err := NewOrchestrator(provider, retriever, sessions, nil, DefaultConfig(), logger.Default())
	if err != nil {
		t.Fatalf("NewOrchestrator error: %v", err)
	}

	var events []Event
	result, err := orch.Chat(context.Background(), Request{SessionID: sessions.session.ID, Message: "what does my paper say?"},
		func(e Event) error { events = append(events, e); return nil })
	if err != nil {
		t.Fatalf("Chat error: %v", err)
	}

	if result.Text != "hello there" {
		t.Errorf("Text = %q", result.Text)
	}
	if len(result.Sources) != 1 || result.Sources[0].Title != "My Paper" {
		t.Errorf("Sources = %+v", result.Sources)
	}
	if !strings.Contains(provider.lastReq.SystemPrompt, "[Source 1: My Paper]") {
		t.Error("system prompt missing formatted context")
	}

	var types []EventType
	for _, e := range events {
		types = append(types, e.Type)
	}
	want := []EventType{EventSources, EventTextDelta, EventDone}
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestChatSessionMustExist(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.ChatResponse{textResponse("x")}}
	orch, _ := NewOrchestrator(provider, nil, newSessions(), nil, DefaultConfig(), logger.Default())

	_, err := orch.Chat(context.Background(), Request{SessionID: uuid.New(), Message: "hi"}, nil)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestChatToolLoopTerminatesAtBudget(t *testing.T) {
	provider := &toolHungryProvider{}
	tool := &echoTool{}
	sessions := newSessions()

	orch, _ := NewOrchestrator(provider, nil, sessions, toolRegistry(tool), DefaultConfig(), logger.Default())

	result, err := orch.Chat(context.Background(), Request{SessionID: sessions.session.ID, Message: "loop forever"}, nil)
	if err != nil {
		t.Fatalf("Chat error: %v", err)
	}

	if tool.calls != 5 {
		t.Errorf("tool executions = %d, want 5", tool.calls)
	}
	// Five tool rounds plus the forced final call without tools.
	if provider.calls != 6 {
		t.Errorf("model calls = %d, want 6", provider.calls)
	}
	if result.Text != "final answer without tools" {
		t.Errorf("Text = %q", result.Text)
	}
	if len(result.ToolCalls) != 5 {
		t.Errorf("recorded tool calls = %d, want 5", len(result.ToolCalls))
	}
}

func TestChatToolRoundTrip(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.ChatResponse{
		{
			Content: []llm.ContentBlock{{
				Type:      llm.ContentTypeToolUse,
				ToolUseID: "call_1",
				ToolName:  "echo",
				ToolInput: json.RawMessage(`{"value":"ping"}`),
			}},
			StopReason: llm.StopReasonToolUse,
		},
		textResponse("answer using tool output"),
	}}
	tool := &echoTool{}
	sessions := newSessions()

	orch, _ := NewOrchestrator(provider, nil, sessions, toolRegistry(tool), DefaultConfig(), logger.Default())

	var toolEvents int
	result, err := orch.Chat(context.Background(), Request{SessionID: sessions.session.ID, Message: "use the tool"},
		func(e Event) error {
			if e.Type == EventToolCall || e.Type == EventToolResult {
				toolEvents++
			}
			return nil
		})
	if err != nil {
		t.Fatalf("Chat error: %v", err)
	}

	if tool.calls != 1 {
		t.Errorf("tool executions = %d, want 1", tool.calls)
	}
	if toolEvents != 2 {
		t.Errorf("tool events = %d, want call and result", toolEvents)
	}
	if result.Text != "answer using tool output" {
		t.Errorf("Text = %q", result.Text)
	}

	// The second model call must carry the assistant tool-use turn and
	// the tool result message.
	msgs := provider.lastReq.Messages
	if len(msgs) != 3 {
		t.Fatalf("second request messages = %d, want 3", len(msgs))
	}
	if msgs[1].Role != llm.RoleAssistant || msgs[2].Content[0].Type != llm.ContentTypeToolResult {
		t.Errorf("conversation shape wrong: %+v", msgs)
	}
}

func TestChatPersistsTurn(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.ChatResponse{textResponse("persisted answer")}}
	sessions := newSessions()

	orch, _ := NewOrchestrator(provider, nil, sessions, nil, DefaultConfig(), logger.Default())
	if _, err := orch.Chat(context.Background(), Request{SessionID: sessions.session.ID, Message: "remember this"}, nil); err != nil {
		t.Fatalf("Chat error: %v", err)
	}

	if len(sessions.appended) != 1 {
		t.Fatalf("appended turns = %d, want 1", len(sessions.appended))
	}
	userMsg, assistantMsg := sessions.appended[0][0], sessions.appended[0][1]
	if userMsg.Role != "user" || userMsg.Content != "remember this" {
		t.Errorf("user message = %+v", userMsg)
	}
	if assistantMsg.Role != "assistant" || assistantMsg.Content != "persisted answer" {
		t.Errorf("assistant message = %+v", assistantMsg)
	}

	var parts []messagePart
	if err := json.Unmarshal(assistantMsg.Parts, &parts); err != nil {
		t.Fatalf("parts not valid JSON: %v", err)
	}
	if len(parts) != 1 || parts[0].Type != "text" || parts[0].Text != "persisted answer" {
		t.Errorf("parts = %+v", parts)
	}
}

type failingTool struct{}

func (failingTool) Name() string                { return "flaky" }
func (failingTool) Description() string         { return "Always fails." }
func (failingTool) InputSchema() map[string]any { return map[string]any{"type": "object"} }
func (failingTool) Execute(context.Context, json.RawMessage) (string, error) {
	return "", fmt.Errorf("upstream timeout")
}

func TestChatPersistsToolInvocations(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.ChatResponse{
		{
			Content: []llm.ContentBlock{{
				Type:      llm.ContentTypeToolUse,
				ToolUseID: "call_1",
				ToolName:  "echo",
				ToolInput: json.RawMessage(`{"value":"ping"}`),
			}},
			StopReason: llm.StopReasonToolUse,
		},
		{
			Content: []llm.ContentBlock{{
				Type:      llm.ContentTypeToolUse,
				ToolUseID: "call_2",
				ToolName:  "flaky",
				ToolInput: json.RawMessage(`{}`),
			}},
			StopReason: llm.StopReasonToolUse,
		},
		textResponse("used both tools"),
	}}
	sessions := newSessions()

	registry := func(uuid.UUID, uuid.UUID) *tools.Registry {
		reg := tools.NewRegistry(logger.Default())
		reg.MustRegister(&echoTool{})
		reg.MustRegister(failingTool{})
		return reg
	}

	orch, _ := NewOrchestrator(provider, nil, sessions, registry, DefaultConfig(), logger.Default())
	if _, err := orch.Chat(context.Background(), Request{SessionID: sessions.session.ID, Message: "run the tools"}, nil); err != nil {
		t.Fatalf("Chat error: %v", err)
	}

	if len(sessions.appended) != 1 {
		t.Fatalf("appended turns = %d, want 1", len(sessions.appended))
	}
	var parts []messagePart
	if err := json.Unmarshal(sessions.appended[0][1].Parts, &parts); err != nil {
		t.Fatalf("parts not valid JSON: %v", err)
	}
	if len(parts) != 3 {
		t.Fatalf("parts = %d, want two tool calls and the text", len(parts))
	}

	echo := parts[0]
	if echo.Type != "tool_call" || echo.ToolName != "echo" {
		t.Errorf("parts[0] = %+v", echo)
	}
	if echo.Output != `echo: {"value":"ping"}` || echo.IsError {
		t.Errorf("echo part missing its result: %+v", echo)
	}

	flaky := parts[1]
	if flaky.ToolName != "flaky" || !flaky.IsError {
		t.Errorf("parts[1] = %+v, want failed flaky invocation", flaky)
	}
	if !strings.Contains(flaky.Output, "upstream timeout") {
		t.Errorf("flaky part output = %q, want the tool error", flaky.Output)
	}

	if parts[2].Type != "text" || parts[2].Text != "used both tools" {
		t.Errorf("parts[2] = %+v", parts[2])
	}
}

func TestChatPersistenceFailureNotSurfaced(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.ChatResponse{textResponse("answer")}}
	sessions := newSessions()
	sessions.appendErr = fmt.Errorf("db down")

	orch, _ := NewOrchestrator(provider, nil, sessions, nil, DefaultConfig(), logger.Default())
	result, err := orch.Chat(context.Background(), Request{SessionID: sessions.session.ID, Message: "hi"}, nil)
	if err != nil {
		t.Fatalf("Chat error: %v, persistence failure must not surface", err)
	}
	if result.Text != "answer" {
		t.Errorf("Text = %q", result.Text)
	}
}

func TestChatHistoryReplayed(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.ChatResponse{textResponse("followup answer")}}
	sessions := newSessions()
	sessions.history = []*storage.ChatMessage{
		{Role: "user", Content: "first question"},
		{Role: "assistant", Content: "first answer"},
	}

	orch, _ := NewOrchestrator(provider, nil, sessions, nil, DefaultConfig(), logger.Default())
	if _, err := orch.Chat(context.Background(), Request{SessionID: sessions.session.ID, Message: "follow up"}, nil); err != nil {
		t.Fatalf("Chat error: %v", err)
	}

	msgs := provider.lastReq.Messages
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want history pair plus new turn", len(msgs))
	}
	if msgs[0].GetText() != "first question" || msgs[1].GetText() != "first answer" || msgs[2].GetText() != "follow up" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestChatEmptyMessageRejected(t *testing.T) {
	provider := &scriptedProvider{}
	orch, _ := NewOrchestrator(provider, nil, newSessions(), nil, DefaultConfig(), logger.Default())
	if _, err := orch.Chat(context.Background(), Request{SessionID: uuid.New(), Message: "   "}, nil); err == nil {
		t.Fatal("expected error for empty message")
	}
}
