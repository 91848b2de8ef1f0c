package generate

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/quillhaven/research-agent/internal/llm"
	"github.com/quillhaven/research-agent/internal/storage"
	"github.com/quillhaven/research-agent/pkg/logger"
)

type wideStub struct {
	chunks    []storage.RetrievedChunk
	lastQuery string
}

func (w *wideStub) RetrieveForGeneration(_ context.Context, query string, _, _ uuid.UUID) []storage.RetrievedChunk {
	w.lastQuery = query
	return w.chunks
}

type docProvider struct {
	text    string
	lastReq llm.ChatRequest
}

func (p *docProvider) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	p.lastReq = req
	return &llm.ChatResponse{
		Content:    []llm.ContentBlock{{Type: llm.ContentTypeText, Text: p.text}},
		StopReason: llm.StopReasonEndTurn,
		Usage:      llm.Usage{InputTokens: 100, OutputTokens: 200},
		Model:      "doc-model",
	}, nil
}

func (p *docProvider) SupportsTools() bool { return false }
func (p *docProvider) Name() string        { return "doc" }
func (p *docProvider) Model() string       { return "doc-model" }

func TestGenerateDocument(t *testing.T) {
	sourceID := uuid.New()
	retriever := &wideStub{chunks: []storage.RetrievedChunk{
		{SourceID: sourceID, SourceTitle: "Survey Paper", Content: "survey text", Similarity: 0.6},
	}}
	provider := &docProvider{text: "# Attention Mechanisms\n\nA review citing [Source 1]."}

	gen, err := NewGenerator(provider, retriever, DefaultConfig(), logger.Default())
	if err != nil {
		t.Fatalf("NewGenerator error: %v", err)
	}

	doc, err := gen.Generate(context.Background(), Request{
		ProjectID: uuid.New(),
		UserID:    uuid.New(),
		Prompt:    "a review of attention mechanisms",
	}, nil)
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}

	if doc.Title != "Attention Mechanisms" {
		t.Errorf("Title = %q, want heading-derived title", doc.Title)
	}
	if len(doc.Sources) != 1 || doc.Sources[0].Title != "Survey Paper" {
		t.Errorf("Sources = %+v", doc.Sources)
	}
	if !strings.Contains(provider.lastReq.SystemPrompt, "[Source 1: Survey Paper]") {
		t.Error("system prompt missing formatted context")
	}
	if retriever.lastQuery != "a review of attention mechanisms" {
		t.Errorf("retrieval query = %q", retriever.lastQuery)
	}
}

func TestGenerateTitleFallsBackToPrompt(t *testing.T) {
	provider := &docProvider{text: "No heading here, just prose."}
	gen, _ := NewGenerator(provider, &wideStub{}, DefaultConfig(), logger.Default())

	doc, err := gen.Generate(context.Background(), Request{Prompt: "short prompt"}, nil)
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	if doc.Title != "short prompt" {
		t.Errorf("Title = %q", doc.Title)
	}
}

func TestGenerateEmptyPromptRejected(t *testing.T) {
	gen, _ := NewGenerator(&docProvider{}, &wideStub{}, DefaultConfig(), logger.Default())
	if _, err := gen.Generate(context.Background(), Request{Prompt: " "}, nil); err == nil {
		t.Fatal("expected error for empty prompt")
	}
}
