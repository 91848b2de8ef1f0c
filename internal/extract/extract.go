// Package extract converts raw sources (PDFs, web pages, YouTube videos,
// images, pasted text) into plain text ready for chunking.
package extract

import (
	"context"
	"errors"
)

// Sentinel errors for the extraction failure modes callers branch on.
var (
	// ErrInvalidURL marks input that does not match the expected URL shape.
	ErrInvalidURL = errors.New("invalid url")
	// ErrFetch marks a failed fetch of remote content.
	ErrFetch = errors.New("fetch failed")
	// ErrNoTranscript marks a video without an available transcript.
	ErrNoTranscript = errors.New("no transcript available")
	// ErrUnparseable marks a document the adapter could not parse.
	ErrUnparseable = errors.New("unparseable document")
	// ErrEmptyContent marks extraction that produced no usable text.
	ErrEmptyContent = errors.New("no content extracted")
)

// Input carries whichever source material the adapter needs.
type Input struct {
	// URL of the source, for url/youtube adapters.
	URL string
	// Data holds raw bytes, for pdf/image adapters.
	Data []byte
	// Text holds pasted content, for the text adapter.
	Text string
	// Title is the caller-supplied title, if any.
	Title string
	// MediaType is the MIME type of Data when known.
	MediaType string
}

// Result is the common output of every adapter.
type Result struct {
	// Text is the extracted plain text.
	Text string
	// Title is the best-effort title discovered during extraction; empty
	// when the adapter found none.
	Title string
	// Description is an optional short summary (e.g. a page's og:description).
	Description string
	// Images holds up to MaxDiscoveredImages candidate image URLs.
	Images []string
	// Metadata carries adapter-specific extras recorded on the source.
	Metadata map[string]any
}

// MaxDiscoveredImages caps how many candidate images an adapter reports.
const MaxDiscoveredImages = 5

// Extractor converts one kind of source input into a Result.
type Extractor interface {
	Extract(ctx context.Context, in Input) (*Result, error)
}
