package extract

import (
	"context"
	"fmt"
	"strings"
)

// TextExtractor passes pasted text through unchanged apart from trimming.
type TextExtractor struct{}

func NewTextExtractor() *TextExtractor {
	return &TextExtractor{}
}

func (e *TextExtractor) Extract(_ context.Context, in Input) (*Result, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		text = strings.TrimSpace(string(in.Data))
	}
	if text == "" {
		return nil, fmt.Errorf("%w: text source is empty", ErrEmptyContent)
	}
	return &Result{Text: text, Title: in.Title}, nil
}
