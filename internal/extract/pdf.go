package extract

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/gen2brain/go-fitz"

	"github.com/quillhaven/research-agent/pkg/logger"
)

var pdfMagic = []byte("%PDF-")

// IsPDFBytes reports whether data starts with the PDF magic header.
func IsPDFBytes(data []byte) bool {
	return len(data) >= len(pdfMagic) && string(data[:len(pdfMagic)]) == string(pdfMagic)
}

// PDFExtractor pulls text out of PDF documents page by page.
type PDFExtractor struct {
	logger *logger.Logger
}

func NewPDFExtractor(log *logger.Logger) *PDFExtractor {
	return &PDFExtractor{logger: log.WithComponent("extract.pdf")}
}

// Extract reads every page of the document in Input.Data and joins the
// page texts. MuPDF documents are not safe for concurrent use, so pages
// are read sequentially.
func (e *PDFExtractor) Extract(ctx context.Context, in Input) (*Result, error) {
	if !IsPDFBytes(in.Data) {
		return nil, fmt.Errorf("%w: data is not a PDF document", ErrUnparseable)
	}

	// go-fitz opens from a path, so stage the bytes in a temp file.
	tmp, err := os.CreateTemp("", "quill-pdf-*.pdf")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(in.Data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("closing temp file: %w", err)
	}

	doc, err := fitz.New(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("%w: opening pdf: %v", ErrUnparseable, err)
	}
	defer doc.Close()

	numPages := doc.NumPage()
	pages := make([]string, 0, numPages)
	for i := 0; i < numPages; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		text, err := doc.Text(i)
		if err != nil {
			e.logger.Warn("failed to read pdf page", "page", i+1, "error", err)
			continue
		}
		if cleaned := cleanPDFText(text); cleaned != "" {
			pages = append(pages, cleaned)
		}
	}

	if len(pages) == 0 {
		return nil, fmt.Errorf("%w: pdf has no readable text", ErrEmptyContent)
	}

	result := &Result{
		Text:  strings.Join(pages, "\n\n"),
		Title: in.Title,
		Metadata: map[string]any{
			"pages": numPages,
		},
	}
	if meta := doc.Metadata(); meta != nil {
		if title := strings.TrimSpace(meta["title"]); title != "" {
			result.Title = title
		}
		if author := strings.TrimSpace(meta["author"]); author != "" {
			result.Metadata["author"] = author
		}
	}

	e.logger.Info("extracted pdf", "pages", numPages, "chars", len(result.Text))
	return result, nil
}

var (
	pdfControlChars = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f]`)
	pdfSpaceRuns    = regexp.MustCompile(`[ \t]{2,}`)
)

func cleanPDFText(text string) string {
	text = pdfControlChars.ReplaceAllString(text, "")
	text = pdfSpaceRuns.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		out = append(out, strings.TrimRight(line, " \t"))
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
