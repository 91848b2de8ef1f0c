// Package generate produces long-form documents grounded in a project's
// sources.
package generate

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/quillhaven/research-agent/internal/llm"
	"github.com/quillhaven/research-agent/internal/rag"
	"github.com/quillhaven/research-agent/internal/storage"
	"github.com/quillhaven/research-agent/pkg/logger"
)

const generateSystemTemplate = `You are Quill, a research writing assistant. Write the document the user asks for, grounded in their project sources below.

Project sources:

%s

Rules:
1. Structure the document in Markdown with a single top-level heading.
2. Cite sources inline as [Source N]. Only cite numbers that appear above.
3. Where the sources disagree or are silent, say so rather than inventing facts.
4. Write complete prose. No placeholders or TODO markers.`

// WideRetriever is the generation-tuned retrieval the generator uses.
type WideRetriever interface {
	RetrieveForGeneration(ctx context.Context, query string, projectID, userID uuid.UUID) []storage.RetrievedChunk
}

// Config holds generation tuning.
type Config struct {
	MaxTokens   int
	Temperature float64
}

func DefaultConfig() Config {
	return Config{MaxTokens: 8192, Temperature: 0.5}
}

// Request describes the document to produce.
type Request struct {
	ProjectID uuid.UUID
	UserID    uuid.UUID
	// Prompt describes the document, e.g. "a literature review of the
	// attention papers in this project".
	Prompt string
}

// Document is a generated document with its citations.
type Document struct {
	Title   string          `json:"title"`
	Content string          `json:"content"`
	Sources []rag.SourceRef `json:"sources,omitempty"`
	Usage   llm.Usage       `json:"usage"`
	Model   string          `json:"model"`
}

// Generator writes documents over a wide retrieval pass.
type Generator struct {
	provider  llm.Provider
	retriever WideRetriever
	config    Config
	logger    *logger.Logger
}

func NewGenerator(provider llm.Provider, retriever WideRetriever, cfg Config, log *logger.Logger) (*Generator, error) {
	if provider == nil {
		return nil, fmt.Errorf("chat provider is required")
	}
	if cfg.MaxTokens <= 0 {
		cfg = DefaultConfig()
	}
	return &Generator{
		provider:  provider,
		retriever: retriever,
		config:    cfg,
		logger:    log.WithComponent("generate"),
	}, nil
}

// Generate produces the document, streaming text through onText when the
// provider supports it. onText may be nil.
func (g *Generator) Generate(ctx context.Context, req Request, onText llm.StreamHandler) (*Document, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("prompt is empty")
	}

	chunks := g.retriever.RetrieveForGeneration(ctx, req.Prompt, req.ProjectID, req.UserID)
	sources := rag.SourceRefs(chunks)

	chatReq := llm.ChatRequest{
		Messages:     []llm.Message{llm.NewTextMessage(llm.RoleUser, req.Prompt)},
		SystemPrompt: fmt.Sprintf(generateSystemTemplate, rag.FormatContext(chunks)),
		MaxTokens:    g.config.MaxTokens,
		Temperature:  g.config.Temperature,
	}

	var response *llm.ChatResponse
	var err error
	if streamer, ok := g.provider.(llm.StreamingProvider); ok && onText != nil {
		response, err = streamer.ChatStream(ctx, chatReq, onText)
	} else {
		response, err = g.provider.Chat(ctx, chatReq)
		if err == nil && onText != nil {
			if emitErr := onText(response.GetText()); emitErr != nil {
				return nil, emitErr
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("generating document: %w", err)
	}

	content := response.GetText()
	doc := &Document{
		Title:   titleFromContent(content, req.Prompt),
		Content: content,
		Sources: sources,
		Usage:   response.Usage,
		Model:   response.Model,
	}

	g.logger.Info("document generated",
		"project_id", req.ProjectID,
		"sources", len(sources),
		"chars", len(content),
		"output_tokens", response.Usage.OutputTokens,
	)
	return doc, nil
}

// titleFromContent takes the first Markdown heading, falling back to a
// trimmed version of the prompt.
func titleFromContent(content, prompt string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "# "))
		}
	}
	title := strings.TrimSpace(prompt)
	if runes := []rune(title); len(runes) > 80 {
		title = string(runes[:77]) + "..."
	}
	return title
}
