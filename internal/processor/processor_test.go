package processor

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/Aryan1718/enterprise-rag-platform/internal/errs"
	"github.com/Aryan1718/enterprise-rag-platform/pkg/logger"
)

func TestValidatePages(t *testing.T) {
	tests := []struct {
		name     string
		pages    int
		wantCode string
	}{
		{"empty", 0, errs.CodeInsufficientPages},
		{"one page", 1, ""},
		{"at limit", 10, ""},
		{"over limit", 11, errs.CodeTooManyPages},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pages := make([]string, tt.pages)
			for i := range pages {
				pages[i] = fmt.Sprintf("page %d text", i+1)
			}
			err := ValidatePages(pages, 10)
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, errs.ErrExtraction) {
				t.Fatalf("expected extraction error, got %v", err)
			}
			if got := errs.Code(err); got != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, got)
			}
		})
	}
}

func TestValidatePagesRejectsBlankDocument(t *testing.T) {
	err := ValidatePages([]string{"", "  \n\t ", "\x00\r\n"}, 10)
	if !errors.Is(err, errs.ErrExtraction) {
		t.Fatalf("expected extraction error, got %v", err)
	}
	if got := errs.Code(err); got != errs.CodeInsufficientText {
		t.Errorf("expected code %s, got %s", errs.CodeInsufficientText, got)
	}

	if err := ValidatePages([]string{"", "one page of text", ""}, 10); err != nil {
		t.Errorf("expected a document with one text page to pass, got %v", err)
	}
}

func TestExtractorsRejectNonPDF(t *testing.T) {
	log := logger.Nop().Logger
	for _, ex := range []Extractor{NewFitzExtractor(log), NewPureExtractor(log)} {
		_, err := ex.ExtractPages(context.Background(), []byte("hello, not a pdf"))
		if !errors.Is(err, errs.ErrExtraction) {
			t.Fatalf("%T: expected extraction error, got %v", ex, err)
		}
		if got := errs.Code(err); got != errs.CodeUnreadableDocument {
			t.Errorf("%T: expected %s, got %s", ex, errs.CodeUnreadableDocument, got)
		}
	}
}

func TestPureExtractorCorruptPDF(t *testing.T) {
	ex := NewPureExtractor(logger.Nop().Logger)
	_, err := ex.ExtractPages(context.Background(), []byte("%PDF-1.4\ngarbage without xref"))
	if got := errs.Code(err); got != errs.CodeUnreadableDocument {
		t.Fatalf("expected %s, got %v", errs.CodeUnreadableDocument, err)
	}
}

func TestIsPDF(t *testing.T) {
	if !IsPDF([]byte("%PDF-1.7\n")) {
		t.Error("expected PDF magic to match")
	}
	if IsPDF([]byte("%PD")) || IsPDF(nil) {
		t.Error("expected short input to be rejected")
	}
}

func TestNew(t *testing.T) {
	for _, kind := range []string{"", KindFitz, KindPure} {
		if _, err := New(kind, nil); err != nil {
			t.Errorf("kind %q: %v", kind, err)
		}
	}
	if _, err := New("ocr", nil); err == nil {
		t.Error("expected unknown kind to fail")
	}
}

func TestCleanText(t *testing.T) {
	in := "  Title\r\n\r\n\r\n\r\nBody   with\t\ttabs \x00\n  trailing  "
	want := "Title\n\nBody with tabs\ntrailing"
	if got := cleanText(in); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}
