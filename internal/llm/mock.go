package llm

import (
	"context"
	"strings"
	"sync"
)

// MockProvider returns canned completions and records every request.
type MockProvider struct {
	mu       sync.Mutex
	requests []CompletionRequest

	// Respond, when set, builds the completion for a request.
	Respond func(req CompletionRequest) (*Completion, error)
	model   string
}

// NewMockProvider returns a mock that answers with text and fixed token counts.
func NewMockProvider(text string, inputTokens, outputTokens int) *MockProvider {
	return &MockProvider{
		model: "mock-llm",
		Respond: func(CompletionRequest) (*Completion, error) {
			return &Completion{
				Text:         text,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
				StopReason:   StopReasonEndTurn,
			}, nil
		},
	}
}

// Complete implements Provider.
func (m *MockProvider) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := m.Respond(req)
	if err != nil {
		return nil, err
	}
	out.Model = m.model
	return out, nil
}

// CompleteStream implements Streamer, delivering the canned text one word
// at a time.
func (m *MockProvider) CompleteStream(ctx context.Context, req CompletionRequest, onDelta func(string) error) (*Completion, error) {
	out, err := m.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, piece := range strings.SplitAfter(out.Text, " ") {
		if piece == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if err := onDelta(piece); err != nil {
			return out, err
		}
	}
	return out, nil
}

// Requests returns the requests seen so far.
func (m *MockProvider) Requests() []CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CompletionRequest(nil), m.requests...)
}

// Name implements Provider.
func (m *MockProvider) Name() string { return "mock" }

// Model implements Provider.
func (m *MockProvider) Model() string { return m.model }
