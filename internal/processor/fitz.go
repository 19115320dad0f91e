package processor

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/gen2brain/go-fitz"
)

// FitzExtractor extracts text with MuPDF through go-fitz.
type FitzExtractor struct {
	logger *slog.Logger
}

// NewFitzExtractor creates a MuPDF-backed extractor.
func NewFitzExtractor(logger *slog.Logger) *FitzExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FitzExtractor{logger: logger.With("component", "pdf_extractor", "engine", KindFitz)}
}

// ExtractPages implements Extractor. The bytes are written to a temp file
// that is removed before returning.
func (e *FitzExtractor) ExtractPages(ctx context.Context, data []byte) ([]string, error) {
	if !IsPDF(data) {
		return nil, unreadable(nil)
	}

	tmpFile, err := os.CreateTemp("", "pdf-*.pdf")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmpFile.Name())

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return nil, fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}

	doc, err := fitz.New(tmpFile.Name())
	if err != nil {
		return nil, unreadable(err)
	}
	defer doc.Close()

	// Pages are read sequentially; fitz documents are not safe for
	// concurrent page access.
	total := doc.NumPage()
	pages := make([]string, total)
	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := doc.Text(i)
		if err != nil {
			return nil, unreadable(fmt.Errorf("page %d: %w", i+1, err))
		}
		pages[i] = cleanText(text)
	}

	e.logger.Debug("pdf extracted", "pages", total, "bytes", len(data))
	return pages, nil
}
