// Package chunker splits page text into overlapping token windows that never
// cross a page boundary.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Defaults used across ingestion and query budgeting.
const (
	DefaultMaxTokens     = 500
	DefaultOverlapTokens = 100
	DefaultEncoding      = "cl100k_base"
)

// Tokenizer converts between text and token ids.
type Tokenizer interface {
	Encode(text string) []int
	Decode(tokens []int) string
}

type tiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

func (t tiktokenTokenizer) Encode(text string) []int {
	return t.enc.Encode(text, nil, nil)
}

func (t tiktokenTokenizer) Decode(tokens []int) string {
	return t.enc.Decode(tokens)
}

// NewTiktoken loads a tiktoken encoding, cl100k_base when name is empty.
func NewTiktoken(name string) (Tokenizer, error) {
	if name == "" {
		name = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tokenizer %s: %w", name, err)
	}
	return tiktokenTokenizer{enc: enc}, nil
}

// Config holds window sizes in tokens.
type Config struct {
	MaxTokens     int
	OverlapTokens int
}

// DefaultConfig returns 500-token windows with 100 tokens of overlap.
func DefaultConfig() Config {
	return Config{MaxTokens: DefaultMaxTokens, OverlapTokens: DefaultOverlapTokens}
}

// Chunk is one window of a page.
type Chunk struct {
	Content     string
	TokenCount  int
	ContentHash string
}

// PageChunk is a chunk placed in its document.
type PageChunk struct {
	Chunk
	PageNumber int
	ChunkIndex int
}

// Chunker is safe for concurrent use.
type Chunker struct {
	cfg Config
	tok Tokenizer
}

// New creates a chunker. Overlap must be smaller than the window.
func New(cfg Config, tok Tokenizer) (*Chunker, error) {
	if cfg.MaxTokens <= 0 {
		return nil, fmt.Errorf("max tokens must be positive, got %d", cfg.MaxTokens)
	}
	if cfg.OverlapTokens < 0 || cfg.OverlapTokens >= cfg.MaxTokens {
		return nil, fmt.Errorf("overlap tokens must be in [0, %d), got %d", cfg.MaxTokens, cfg.OverlapTokens)
	}
	if tok == nil {
		return nil, fmt.Errorf("tokenizer is required")
	}
	return &Chunker{cfg: cfg, tok: tok}, nil
}

// Config returns the window configuration.
func (c *Chunker) Config() Config { return c.cfg }

// CountTokens returns the token count of text under the chunker's tokenizer.
// Budget estimates use this so they agree with chunk sizing.
func (c *Chunker) CountTokens(text string) int {
	return len(c.tok.Encode(text))
}

// Chunk splits one page. A page that fits in one window yields one chunk;
// whitespace-only pages and windows yield nothing.
func (c *Chunker) Chunk(pageText string) []Chunk {
	text := strings.TrimSpace(pageText)
	if text == "" {
		return nil
	}

	tokens := c.tok.Encode(text)
	var out []Chunk
	for _, w := range Windows(len(tokens), c.cfg.MaxTokens, c.cfg.OverlapTokens) {
		decoded := c.tok.Decode(tokens[w.Start:w.End])
		piece := strings.TrimSpace(trimPartialRunes(decoded))
		if piece == "" {
			continue
		}
		count := w.End - w.Start
		if piece != decoded {
			count = c.CountTokens(piece)
		}
		out = append(out, Chunk{
			Content:     piece,
			TokenCount:  count,
			ContentHash: ContentHash(piece),
		})
	}
	return out
}

// trimPartialRunes drops the bytes of characters that a window edge split.
// Byte-level BPE tokens can end or start in the middle of a multi-byte rune,
// and the decoder returns those bytes as they are.
func trimPartialRunes(s string) string {
	for len(s) > 0 {
		r, size := utf8.DecodeRuneInString(s)
		if r != utf8.RuneError || size != 1 {
			break
		}
		s = s[1:]
	}
	for len(s) > 0 {
		r, size := utf8.DecodeLastRuneInString(s)
		if r != utf8.RuneError || size != 1 {
			break
		}
		s = s[:len(s)-1]
	}
	return strings.ToValidUTF8(s, "")
}

// ChunkPages chunks every page independently and numbers the chunks
// sequentially across the document. pages[0] is page 1.
func (c *Chunker) ChunkPages(pages []string) []PageChunk {
	var out []PageChunk
	for i, page := range pages {
		for _, ch := range c.Chunk(page) {
			out = append(out, PageChunk{Chunk: ch, PageNumber: i + 1, ChunkIndex: len(out)})
		}
	}
	return out
}

// Window is a half-open token range [Start, End).
type Window struct {
	Start int
	End   int
}

// Windows returns the minimal set of windows covering total tokens. Window i
// starts at i*(max-overlap); adjacent windows share exactly overlap tokens,
// except that the final window may be shorter.
func Windows(total, maxTokens, overlap int) []Window {
	if total <= 0 {
		return nil
	}
	if total <= maxTokens {
		return []Window{{Start: 0, End: total}}
	}

	stride := maxTokens - overlap
	var out []Window
	for start := 0; ; start += stride {
		end := min(start+maxTokens, total)
		out = append(out, Window{Start: start, End: end})
		if end == total {
			return out
		}
	}
}

// ContentHash is the hex SHA-256 of chunk content.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
