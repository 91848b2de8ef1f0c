// Package chunker splits extracted text into overlapping chunks sized for
// embedding.
package chunker

import (
	"regexp"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// Chunk is one slice of the input text.
type Chunk struct {
	Content string
	Index   int
	Start   int
	End     int
	// TokenCount is informational metadata; boundaries are chosen by
	// character position only.
	TokenCount int
}

// Config holds chunking parameters.
type Config struct {
	// TargetSize is the window size in characters.
	TargetSize int
	// Overlap is how many characters consecutive chunks share.
	Overlap int
	// Lookahead is how far past the window end a sentence boundary may be
	// accepted.
	Lookahead int
	// Encoding names the tiktoken encoding used for token counts.
	Encoding string
}

// DefaultConfig returns the standard chunking parameters.
func DefaultConfig() Config {
	return Config{
		TargetSize: 1500,
		Overlap:    200,
		Lookahead:  200,
		Encoding:   "cl100k_base",
	}
}

// Chunker splits text at sentence boundaries near a fixed window size.
type Chunker struct {
	config    Config
	tokenizer *tiktoken.Tiktoken
}

// New creates a Chunker. Token counting degrades gracefully when the
// encoding cannot be loaded.
func New(cfg Config) *Chunker {
	if cfg.TargetSize <= 0 {
		cfg.TargetSize = 1500
	}
	if cfg.Overlap < 0 || cfg.Overlap >= cfg.TargetSize {
		cfg.Overlap = cfg.TargetSize / 8
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = 200
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "cl100k_base"
	}

	tokenizer, err := tiktoken.GetEncoding(cfg.Encoding)
	if err != nil {
		tokenizer = nil
	}
	return &Chunker{config: cfg, tokenizer: tokenizer}
}

// sentence boundaries accepted when cutting, checked in order.
var boundaryMarkers = []string{"\n\n", ". ", ".\n", "! ", "!\n", "? ", "?\n"}

// Chunk splits text into overlapping chunks. Boundaries are sought up to
// Lookahead characters past the window end, and accepted only past the half
// point of the window; otherwise the cut is hard at the window end. Empty or
// whitespace-only input yields no chunks.
func (c *Chunker) Chunk(text string) []Chunk {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	runes := []rune(text)
	if len(runes) <= c.config.TargetSize {
		return []Chunk{c.makeChunk(string(runes), 0, 0, len(runes))}
	}

	var chunks []Chunk
	start := 0
	for start < len(runes) {
		windowEnd := start + c.config.TargetSize
		// the remainder fits inside window+lookahead, take it whole
		if windowEnd+c.config.Lookahead >= len(runes) {
			chunks = append(chunks, c.makeChunk(string(runes[start:]), len(chunks), start, len(runes)))
			break
		}

		end := c.findBoundary(runes, start, windowEnd)
		chunks = append(chunks, c.makeChunk(string(runes[start:end]), len(chunks), start, end))
		if end >= len(runes) {
			break
		}

		next := end - c.config.Overlap
		if next <= start {
			// guarantee forward progress
			next = start + 1
		}
		start = next
	}
	return chunks
}

// findBoundary returns the cut position for a window starting at start.
// Boundaries are accepted only past the half point of the window. The latest
// boundary inside the window wins; failing that, the earliest one within
// Lookahead past it; failing both, the cut is hard at the window end.
func (c *Chunker) findBoundary(runes []rune, start, windowEnd int) int {
	halfPoint := start + c.config.TargetSize/2
	searchEnd := windowEnd + c.config.Lookahead
	if searchEnd > len(runes) {
		searchEnd = len(runes)
	}

	segment := string(runes[halfPoint:searchEnd])

	bestInside, bestBeyond := -1, -1
	for _, marker := range boundaryMarkers {
		offset := 0
		for {
			idx := strings.Index(segment[offset:], marker)
			if idx < 0 {
				break
			}
			// cut right after the sentence terminator
			pos := halfPoint + len([]rune(segment[:offset+idx])) + 1
			if pos <= windowEnd {
				if pos > bestInside {
					bestInside = pos
				}
			} else if bestBeyond == -1 || pos < bestBeyond {
				bestBeyond = pos
			}
			offset += idx + len(marker)
		}
	}

	if bestInside >= halfPoint {
		return bestInside
	}
	if bestBeyond > 0 {
		return bestBeyond
	}
	return windowEnd
}

func (c *Chunker) makeChunk(content string, index, start, end int) Chunk {
	chunk := Chunk{
		Content: strings.TrimSpace(content),
		Index:   index,
		Start:   start,
		End:     end,
	}
	if c.tokenizer != nil {
		chunk.TokenCount = len(c.tokenizer.Encode(chunk.Content, nil, nil))
	}
	return chunk
}

// MaxChunkSize returns the largest chunk the configuration can emit.
func (c *Chunker) MaxChunkSize() int {
	return c.config.TargetSize + c.config.Lookahead
}

var whitespaceRun = regexp.MustCompile(`[^\S\n]+`)
var blankLines = regexp.MustCompile(`\n{3,}`)

// NormalizeText collapses runs of spaces and excess blank lines while
// preserving paragraph breaks, and strips invalid UTF-8.
func NormalizeText(text string) string {
	text = strings.ToValidUTF8(text, "")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = whitespaceRun.ReplaceAllString(text, " ")
	text = blankLines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
