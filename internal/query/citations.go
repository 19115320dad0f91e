package query

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/Aryan1718/enterprise-rag-platform/internal/storage"
)

const snippetChars = 300

// Citation points an answer at one retrieved chunk.
type Citation struct {
	DocumentID uuid.UUID `json:"document_id"`
	PageNumber int       `json:"page_number"`
	ChunkID    uuid.UUID `json:"chunk_id"`
	Score      float64   `json:"score"`
	Snippet    string    `json:"snippet"`
}

// [p3|chunk:<uuid>] or the page-only form [p3].
var markerPattern = regexp.MustCompile(`\[p(\d+)(?:\|chunk:([0-9a-fA-F-]{36}))?\]`)

// ExtractCitations maps the markers in answer to retrieved chunks, in order
// of first appearance. Markers naming a chunk outside the retrieved set are
// ignored; a page-only marker resolves only when exactly one retrieved chunk
// is on that page.
func ExtractCitations(answer string, chunks []storage.RetrievedChunk) []Citation {
	byID := make(map[uuid.UUID]storage.RetrievedChunk, len(chunks))
	byPage := make(map[int][]storage.RetrievedChunk)
	for _, c := range chunks {
		byID[c.ChunkID] = c
		byPage[c.PageNumber] = append(byPage[c.PageNumber], c)
	}

	seen := make(map[uuid.UUID]bool)
	out := []Citation{}
	for _, m := range markerPattern.FindAllStringSubmatch(answer, -1) {
		var (
			chunk storage.RetrievedChunk
			ok    bool
		)
		if m[2] != "" {
			id, err := uuid.Parse(m[2])
			if err != nil {
				continue
			}
			chunk, ok = byID[id]
		} else {
			page, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			if cands := byPage[page]; len(cands) == 1 {
				chunk, ok = cands[0], true
			}
		}
		if !ok || seen[chunk.ChunkID] {
			continue
		}
		seen[chunk.ChunkID] = true
		out = append(out, Citation{
			DocumentID: chunk.DocumentID,
			PageNumber: chunk.PageNumber,
			ChunkID:    chunk.ChunkID,
			Score:      chunk.Similarity,
			Snippet:    Snippet(chunk.Content),
		})
	}
	return out
}

// Snippet collapses whitespace and truncates to 300 characters.
func Snippet(content string) string {
	collapsed := strings.Join(strings.Fields(content), " ")
	if r := []rune(collapsed); len(r) > snippetChars {
		return string(r[:snippetChars])
	}
	return collapsed
}
