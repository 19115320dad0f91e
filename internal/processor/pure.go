package processor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/ledongthuc/pdf"
)

// PureExtractor extracts text with the pure-Go ledongthuc/pdf reader. It needs
// no cgo and suits environments without MuPDF.
type PureExtractor struct {
	logger *slog.Logger
}

// NewPureExtractor creates a pure-Go extractor.
func NewPureExtractor(logger *slog.Logger) *PureExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &PureExtractor{logger: logger.With("component", "pdf_extractor", "engine", KindPure)}
}

// ExtractPages implements Extractor.
func (e *PureExtractor) ExtractPages(ctx context.Context, data []byte) (pages []string, err error) {
	if !IsPDF(data) {
		return nil, unreadable(nil)
	}

	// The reader panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = unreadable(fmt.Errorf("pdf reader panic: %v", r))
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, unreadable(err)
	}

	total := reader.NumPage()
	pages = make([]string, total)
	for i := 1; i <= total; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, unreadable(fmt.Errorf("page %d: %w", i, err))
		}
		pages[i-1] = cleanText(text)
	}

	e.logger.Debug("pdf extracted", "pages", total, "bytes", len(data))
	return pages, nil
}
