package query

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/Aryan1718/enterprise-rag-platform/internal/storage"
)

func TestExtractCitations(t *testing.T) {
	doc := uuid.New()
	a := storage.RetrievedChunk{ChunkID: uuid.New(), DocumentID: doc, PageNumber: 1, Content: "alpha"}
	b := storage.RetrievedChunk{ChunkID: uuid.New(), DocumentID: doc, PageNumber: 2, Content: "beta"}
	c := storage.RetrievedChunk{ChunkID: uuid.New(), DocumentID: doc, PageNumber: 2, Content: "gamma"}
	chunks := []storage.RetrievedChunk{a, b, c}

	tests := []struct {
		name   string
		answer string
		want   []uuid.UUID
	}{
		{"chunk markers in order", fmt.Sprintf("x [p2|chunk:%s] y [p1|chunk:%s]", b.ChunkID, a.ChunkID), []uuid.UUID{b.ChunkID, a.ChunkID}},
		{"duplicates collapse", fmt.Sprintf("[p1|chunk:%s] and again [p1|chunk:%s]", a.ChunkID, a.ChunkID), []uuid.UUID{a.ChunkID}},
		{"unknown chunk ignored", fmt.Sprintf("[p1|chunk:%s]", uuid.New()), nil},
		{"page-only unique page", "see [p1]", []uuid.UUID{a.ChunkID}},
		{"page-only ambiguous page", "see [p2]", nil},
		{"no markers", "plain answer", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractCitations(tt.answer, chunks)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d citations, got %+v", len(tt.want), got)
			}
			for i := range got {
				if got[i].ChunkID != tt.want[i] {
					t.Errorf("citation %d: expected %s, got %s", i, tt.want[i], got[i].ChunkID)
				}
			}
		})
	}
}

func TestSnippet(t *testing.T) {
	if got := Snippet("  a\n\n b\tc  "); got != "a b c" {
		t.Errorf("unexpected snippet %q", got)
	}
	if got := Snippet(strings.Repeat("é", 400)); len([]rune(got)) != 300 {
		t.Errorf("expected 300 runes, got %d", len([]rune(got)))
	}
}

func TestBuildUserPrompt(t *testing.T) {
	id := uuid.New()
	prompt := BuildUserPrompt("why?", []storage.RetrievedChunk{{ChunkID: id, PageNumber: 4, Content: "because"}})

	for _, want := range []string{"Question:\nwhy?", "Context 1", "page: 4", "chunk_id: " + id.String(), "chunk_excerpt: because"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}
