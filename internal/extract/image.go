package extract

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/quillhaven/research-agent/internal/llm"
	"github.com/quillhaven/research-agent/pkg/logger"
)

const imageDescribePrompt = `Describe this image in detail. Include any visible text verbatim, ` +
	`the subject matter, and anything a researcher citing this image would want to know. ` +
	`Respond with the description only.`

// supportedImageTypes lists the media types vision models accept.
var supportedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// ImageExtractor turns an image into searchable text by asking a vision
// model to describe it. A second provider serves as fallback when the
// primary one fails.
type ImageExtractor struct {
	primary  llm.Provider
	fallback llm.Provider
	logger   *logger.Logger
}

func NewImageExtractor(primary, fallback llm.Provider, log *logger.Logger) *ImageExtractor {
	return &ImageExtractor{
		primary:  primary,
		fallback: fallback,
		logger:   log.WithComponent("extract.image"),
	}
}

func (e *ImageExtractor) Extract(ctx context.Context, in Input) (*Result, error) {
	if len(in.Data) == 0 {
		return nil, fmt.Errorf("%w: no image data", ErrEmptyContent)
	}

	mediaType := in.MediaType
	if mediaType == "" {
		mediaType = http.DetectContentType(in.Data)
	}
	if !supportedImageTypes[mediaType] {
		return nil, fmt.Errorf("unsupported image type %q", mediaType)
	}

	encoded := base64.StdEncoding.EncodeToString(in.Data)
	description, provider, err := e.describe(ctx, encoded, mediaType)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(description) == "" {
		return nil, fmt.Errorf("%w: model returned an empty description", ErrEmptyContent)
	}

	e.logger.Info("described image", "provider", provider, "media_type", mediaType, "chars", len(description))
	return &Result{
		Text:        description,
		Title:       in.Title,
		Description: description,
		Metadata: map[string]any{
			"media_type":      mediaType,
			"vision_provider": provider,
		},
	}, nil
}

func (e *ImageExtractor) describe(ctx context.Context, encoded, mediaType string) (string, string, error) {
	req := llm.ChatRequest{
		Messages: []llm.Message{llm.NewImageMessage(imageDescribePrompt, encoded, mediaType)},
	}

	resp, err := e.primary.Chat(ctx, req)
	if err == nil {
		return resp.GetText(), e.primary.Name(), nil
	}
	if e.fallback == nil {
		return "", "", fmt.Errorf("describing image with %s: %w", e.primary.Name(), err)
	}

	e.logger.Warn("primary vision provider failed, trying fallback",
		"primary", e.primary.Name(), "fallback", e.fallback.Name(), "error", err)

	resp, fbErr := e.fallback.Chat(ctx, req)
	if fbErr != nil {
		return "", "", fmt.Errorf("describing image with %s (primary %s failed: %v): %w",
			e.fallback.Name(), e.primary.Name(), err, fbErr)
	}
	return resp.GetText(), e.fallback.Name(), nil
}
