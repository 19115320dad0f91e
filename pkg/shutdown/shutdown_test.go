package shutdown

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestShutdownRunsCleanupsInReverseOrder(t *testing.T) {
	h := New(quietLogger(), time.Second)

	var order []string
	h.RegisterNamed("database", func(ctx context.Context) error {
		order = append(order, "database")
		return nil
	})
	h.RegisterNamed("http", func(ctx context.Context) error {
		order = append(order, "http")
		return nil
	})

	if err := h.Shutdown(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 2 || order[0] != "http" || order[1] != "database" {
		t.Errorf("expected [http database], got %v", order)
	}
	if h.Context().Err() == nil {
		t.Error("expected context to be cancelled after shutdown")
	}
}

func TestShutdownCollectsErrorsAndRunsOnce(t *testing.T) {
	h := New(quietLogger(), time.Second)
	boom := errors.New("boom")

	calls := 0
	h.Register(func(ctx context.Context) error {
		calls++
		return boom
	})

	if err := h.Shutdown(); !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
	if err := h.Shutdown(); err != nil {
		t.Errorf("expected second shutdown to be a no-op, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestTriggerUnblocksWait(t *testing.T) {
	h := New(quietLogger(), time.Second)

	done := make(chan error, 1)
	go func() { done <- h.Wait() }()

	h.Trigger()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after Trigger")
	}
}
