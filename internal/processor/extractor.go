// Package processor extracts per-page text from PDF documents.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/Aryan1718/enterprise-rag-platform/internal/errs"
)

// Extractor turns PDF bytes into ordered page texts; pages[0] is page 1.
// Corrupt or unreadable input fails with an *errs.ExtractionError.
type Extractor interface {
	ExtractPages(ctx context.Context, data []byte) ([]string, error)
}

// Extractor kinds accepted by New.
const (
	KindFitz = "fitz"
	KindPure = "pure"
)

// New returns the extractor for kind. Fitz is the default.
func New(kind string, logger *slog.Logger) (Extractor, error) {
	switch kind {
	case "", KindFitz:
		return NewFitzExtractor(logger), nil
	case KindPure:
		return NewPureExtractor(logger), nil
	default:
		return nil, fmt.Errorf("unknown extractor %q", kind)
	}
}

// ValidatePages enforces the page policy: at least one page, at most
// maxPages, and some extractable text. A document whose pages are all blank
// has no text layer (a scan) and cannot be indexed. Violations are permanent
// extraction errors.
func ValidatePages(pages []string, maxPages int) error {
	if len(pages) == 0 {
		return errs.Extraction(errs.CodeInsufficientPages, "document has no pages", nil)
	}
	if maxPages > 0 && len(pages) > maxPages {
		return errs.Extraction(errs.CodeTooManyPages,
			fmt.Sprintf("document has %d pages, the limit is %d", len(pages), maxPages), nil)
	}
	for _, page := range pages {
		if cleanText(page) != "" {
			return nil
		}
	}
	return errs.Extraction(errs.CodeInsufficientText,
		"document has no extractable text, scanned PDFs are not supported", nil)
}

// IsPDF checks the %PDF- magic number.
func IsPDF(data []byte) bool {
	return len(data) >= 5 && string(data[:5]) == "%PDF-"
}

func unreadable(cause error) error {
	return errs.Extraction(errs.CodeUnreadableDocument, "file is not a readable PDF", cause)
}

var (
	reNewlines = regexp.MustCompile(`\n{3,}`)
	reSpaces   = regexp.MustCompile(`[ \t]+`)
)

// cleanText normalizes extracted text.
func cleanText(text string) string {
	text = strings.ReplaceAll(text, "\x00", "")

	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	text = reNewlines.ReplaceAllString(text, "\n\n")
	text = reSpaces.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
