package chunker

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"
)

// wordTokenizer treats every whitespace-separated word as one token.
type wordTokenizer struct {
	vocab map[string]int
	words []string
}

func newWordTokenizer() *wordTokenizer {
	return &wordTokenizer{vocab: make(map[string]int)}
}

func (w *wordTokenizer) Encode(text string) []int {
	var ids []int
	for _, f := range strings.Fields(text) {
		id, ok := w.vocab[f]
		if !ok {
			id = len(w.words)
			w.vocab[f] = id
			w.words = append(w.words, f)
		}
		ids = append(ids, id)
	}
	return ids
}

func (w *wordTokenizer) Decode(tokens []int) string {
	parts := make([]string, len(tokens))
	for i, id := range tokens {
		parts[i] = w.words[id]
	}
	return strings.Join(parts, " ")
}

// byteTokenizer emits one token per byte and decodes by concatenating the
// raw bytes, the way tiktoken decodes byte-level tokens.
type byteTokenizer struct{}

func (byteTokenizer) Encode(text string) []int {
	ids := make([]int, len(text))
	for i := 0; i < len(text); i++ {
		ids[i] = int(text[i])
	}
	return ids
}

func (byteTokenizer) Decode(tokens []int) string {
	b := make([]byte, len(tokens))
	for i, id := range tokens {
		b[i] = byte(id)
	}
	return string(b)
}

func words(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(parts, " ")
}

func newTestChunker(t *testing.T, max, overlap int) *Chunker {
	t.Helper()
	c, err := New(Config{MaxTokens: max, OverlapTokens: overlap}, newWordTokenizer())
	if err != nil {
		t.Fatalf("new chunker: %v", err)
	}
	return c
}

func TestWindows(t *testing.T) {
	tests := []struct {
		name  string
		total int
		want  []Window
	}{
		{"empty", 0, nil},
		{"fits", 500, []Window{{0, 500}}},
		{"one over", 501, []Window{{0, 500}, {400, 501}}},
		{"three windows", 1200, []Window{{0, 500}, {400, 900}, {800, 1200}}},
		{"exact stride", 900, []Window{{0, 500}, {400, 900}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Windows(tt.total, 500, 100)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d windows, got %d: %v", len(tt.want), len(got), got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("window %d: expected %v, got %v", i, tt.want[i], got[i])
				}
			}
		})
	}
}

func TestWindowsOverlapInvariant(t *testing.T) {
	for total := 1; total <= 3000; total += 37 {
		ws := Windows(total, 500, 100)
		if ws[0].Start != 0 || ws[len(ws)-1].End != total {
			t.Fatalf("total %d: windows do not cover input: %v", total, ws)
		}
		for i := 1; i < len(ws); i++ {
			if ws[i].Start != i*400 {
				t.Fatalf("total %d: window %d starts at %d", total, i, ws[i].Start)
			}
			if shared := ws[i-1].End - ws[i].Start; shared != 100 {
				t.Fatalf("total %d: windows %d/%d share %d tokens", total, i-1, i, shared)
			}
		}
		// Minimal: dropping the last window would leave tokens uncovered.
		if len(ws) > 1 && ws[len(ws)-2].End >= total {
			t.Fatalf("total %d: redundant final window", total)
		}
	}
}

func TestChunkSplitsLongPage(t *testing.T) {
	c := newTestChunker(t, 500, 100)

	chunks := c.Chunk(words(1200))
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if chunks[0].TokenCount != 500 || chunks[2].TokenCount != 400 {
		t.Errorf("unexpected token counts %d/%d", chunks[0].TokenCount, chunks[2].TokenCount)
	}
	if !strings.HasPrefix(chunks[1].Content, "w400 ") {
		t.Errorf("expected second chunk to start at token 400, got %q", chunks[1].Content[:10])
	}
	if chunks[0].ContentHash == chunks[1].ContentHash {
		t.Error("expected distinct hashes")
	}
}

func TestChunkShortAndBlankPages(t *testing.T) {
	c := newTestChunker(t, 500, 100)

	if got := c.Chunk("  \n\t "); got != nil {
		t.Fatalf("expected no chunks for blank page, got %v", got)
	}

	got := c.Chunk("  hello world  ")
	if len(got) != 1 || got[0].Content != "hello world" || got[0].TokenCount != 2 {
		t.Fatalf("unexpected chunk %+v", got)
	}
	if got[0].ContentHash != ContentHash("hello world") {
		t.Error("expected hash of trimmed content")
	}
}

func TestChunkPagesNumbersAcrossPages(t *testing.T) {
	c := newTestChunker(t, 10, 2)

	pages := []string{words(15), "", "short page"}
	got := c.ChunkPages(pages)

	if len(got) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(got))
	}
	wantPages := []int{1, 1, 3}
	for i, ch := range got {
		if ch.ChunkIndex != i {
			t.Errorf("chunk %d has index %d", i, ch.ChunkIndex)
		}
		if ch.PageNumber != wantPages[i] {
			t.Errorf("chunk %d: expected page %d, got %d", i, wantPages[i], ch.PageNumber)
		}
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	tok := newWordTokenizer()
	for _, cfg := range []Config{{0, 0}, {100, 100}, {100, -1}} {
		if _, err := New(cfg, tok); err == nil {
			t.Errorf("expected error for %+v", cfg)
		}
	}
	if _, err := New(DefaultConfig(), nil); err == nil {
		t.Error("expected error without tokenizer")
	}
}

func TestChunkKeepsMultiByteTextValid(t *testing.T) {
	c, err := New(Config{MaxTokens: 50, OverlapTokens: 10}, byteTokenizer{})
	if err != nil {
		t.Fatalf("new chunker: %v", err)
	}

	page := strings.Repeat("石油の生産と日本語 🚀 ", 60)
	chunks := c.Chunk(page)
	if len(chunks) < 2 {
		t.Fatalf("expected several chunks, got %d", len(chunks))
	}
	for i, ch := range chunks {
		if !utf8.ValidString(ch.Content) {
			t.Fatalf("chunk %d is not valid UTF-8: %q", i, ch.Content)
		}
		if ch.TokenCount != len(ch.Content) {
			t.Errorf("chunk %d: token count %d does not match trimmed content (%d bytes)", i, ch.TokenCount, len(ch.Content))
		}
		if ch.ContentHash != ContentHash(ch.Content) {
			t.Errorf("chunk %d: hash not computed over trimmed content", i)
		}
	}
}

func TestTrimPartialRunes(t *testing.T) {
	full := "日本語"
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"intact", full, full},
		{"cut head", full[1:], "本語"},
		{"cut tail", full[:len(full)-1], "日本"},
		{"cut both", full[2 : len(full)-2], "本"},
		{"only fragments", full[1:2], ""},
		{"ascii", "plain text", "plain text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := trimPartialRunes(tt.in); got != tt.want {
				t.Errorf("trimPartialRunes(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
