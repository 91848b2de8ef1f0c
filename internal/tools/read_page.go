package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/quillhaven/research-agent/internal/extract"
	"github.com/quillhaven/research-agent/pkg/logger"
)

// MaxPageChars caps how much page text is handed back to the model.
const MaxPageChars = 8000

// ReadPageInput is the model-facing input for the readWebPage tool.
type ReadPageInput struct {
	URL string `json:"url"`
}

// ReadPageTool fetches a web page and returns its readable text.
type ReadPageTool struct {
	extractor extract.Extractor
	logger    *logger.Logger
}

func NewReadPageTool(extractor extract.Extractor, log *logger.Logger) *ReadPageTool {
	return &ReadPageTool{
		extractor: extractor,
		logger:    log.WithComponent("tools.read_page"),
	}
}

func (t *ReadPageTool) Name() string { return "readWebPage" }

func (t *ReadPageTool) Description() string {
	return "Read the full text content of a web page. Use this after " +
		"webSearch to read a promising result, or when the user provides a URL. " +
		"Content longer than 8000 characters is truncated."
}

func (t *ReadPageTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "The URL of the page to read",
			},
		},
		"required": []string{"url"},
	}
}

// Execute reads the page. Fetch and extraction failures are reported as
// tool content so the model can move on to another result instead of the
// turn aborting.
func (t *ReadPageTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var params ReadPageInput
	if err := json.Unmarshal(input, &params); err != nil {
		return "", fmt.Errorf("parsing input: %w", err)
	}
	if strings.TrimSpace(params.URL) == "" {
		return "", fmt.Errorf("url is required")
	}

	result, err := t.extractor.Extract(ctx, extract.Input{URL: params.URL})
	if err != nil {
		t.logger.Warn("page read failed", "url", params.URL, "error", err)
		return fmt.Sprintf("Unable to read %s: %v\nTry a different page.", params.URL, err), nil
	}

	text := result.Text
	truncated := false
	if runes := []rune(text); len(runes) > MaxPageChars {
		text = string(runes[:MaxPageChars])
		truncated = true
	}

	var sb strings.Builder
	if result.Title != "" {
		fmt.Fprintf(&sb, "Title: %s\n", result.Title)
	}
	fmt.Fprintf(&sb, "URL: %s\n\n%s", params.URL, text)
	if truncated {
		sb.WriteString("\n\n[Content truncated]")
	}
	return sb.String(), nil
}
