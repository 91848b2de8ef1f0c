package rag

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/quillhaven/research-agent/internal/storage"
)

// NoSourcesSentinel is what the model sees when retrieval found nothing.
const NoSourcesSentinel = "No relevant sources found."

const sourceSeparator = "\n\n---\n\n"

// FormatContext renders retrieved chunks as model context. Chunks are
// grouped under one numbered header per source so the model can cite
// "[Source N]". Sources keep first-appearance order, which follows
// similarity rank; chunks within a source are ordered by position in the
// document.
func FormatContext(chunks []storage.RetrievedChunk) string {
	if len(chunks) == 0 {
		return NoSourcesSentinel
	}

	order := make([]uuid.UUID, 0, len(chunks))
	grouped := make(map[uuid.UUID][]storage.RetrievedChunk, len(chunks))
	for _, chunk := range chunks {
		if _, seen := grouped[chunk.SourceID]; !seen {
			order = append(order, chunk.SourceID)
		}
		grouped[chunk.SourceID] = append(grouped[chunk.SourceID], chunk)
	}

	sections := make([]string, 0, len(order))
	for n, sourceID := range order {
		group := grouped[sourceID]
		sort.Slice(group, func(i, j int) bool { return group[i].ChunkIndex < group[j].ChunkIndex })

		title := group[0].SourceTitle
		if title == "" {
			title = "Untitled"
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "[Source %d: %s]\n", n+1, title)
		for i, chunk := range group {
			if i > 0 {
				sb.WriteString("\n\n")
			}
			sb.WriteString(strings.TrimSpace(chunk.Content))
		}
		sections = append(sections, sb.String())
	}

	return strings.Join(sections, sourceSeparator)
}

// SourceRef identifies a cited source in the order it appeared in context.
type SourceRef struct {
	Number   int       `json:"number"`
	SourceID uuid.UUID `json:"source_id"`
	Title    string    `json:"title"`
}

// SourceRefs lists the distinct sources behind a set of retrieved chunks,
// numbered the same way FormatContext numbers them.
func SourceRefs(chunks []storage.RetrievedChunk) []SourceRef {
	seen := make(map[uuid.UUID]bool, len(chunks))
	var refs []SourceRef
	for _, chunk := range chunks {
		if seen[chunk.SourceID] {
			continue
		}
		seen[chunk.SourceID] = true
		refs = append(refs, SourceRef{
			Number:   len(refs) + 1,
			SourceID: chunk.SourceID,
			Title:    chunk.SourceTitle,
		})
	}
	return refs
}
