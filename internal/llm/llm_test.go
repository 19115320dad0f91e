package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Aryan1718/enterprise-rag-platform/internal/errs"
	"github.com/Aryan1718/enterprise-rag-platform/pkg/logger"
	"github.com/Aryan1718/enterprise-rag-platform/pkg/retry"
)

func fastPolicy() retry.Policy {
	p := errs.RetryPolicy("test", logger.Nop().Logger)
	p.InitialDelay = time.Millisecond
	p.MaxDelay = 2 * time.Millisecond
	return p
}

func TestOpenAICompatComplete(t *testing.T) {
	var got struct {
		Model     string `json:"model"`
		MaxTokens int    `json:"max_tokens"`
		Messages  []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "cmpl-1", "object": "chat.completion", "model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "Paris [p1]"}}],
			"usage": {"prompt_tokens": 120, "completion_tokens": 7, "total_tokens": 127}
		}`))
	}))
	defer srv.Close()

	p, err := NewProvider(ProviderConfig{Provider: "ollama", BaseURL: srv.URL, Model: "llama3.2", MaxTokens: 300}, logger.Nop().Logger)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	out, err := p.Complete(context.Background(), CompletionRequest{SystemPrompt: "sys", UserPrompt: "where?"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out.Text != "Paris [p1]" || out.InputTokens != 120 || out.OutputTokens != 7 {
		t.Errorf("unexpected completion %+v", out)
	}
	if out.StopReason != StopReasonEndTurn {
		t.Errorf("unexpected stop reason %s", out.StopReason)
	}
	if got.MaxTokens != 300 || len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "where?" {
		t.Errorf("unexpected request %+v", got)
	}
}

func TestValidateProviderConfig(t *testing.T) {
	tests := []struct {
		cfg     ProviderConfig
		wantErr bool
	}{
		{ProviderConfig{Provider: "anthropic"}, true},
		{ProviderConfig{Provider: "anthropic", APIKey: "k"}, false},
		{ProviderConfig{Provider: "OpenAI"}, true},
		{ProviderConfig{Provider: "ollama"}, false},
		{ProviderConfig{Provider: "bard"}, true},
	}
	for _, tt := range tests {
		if err := ValidateProviderConfig(tt.cfg); (err != nil) != tt.wantErr {
			t.Errorf("%+v: expected error=%v, got %v", tt.cfg, tt.wantErr, err)
		}
	}
}

type scriptedProvider struct {
	name  string
	calls atomic.Int32
	err   error
}

func (s *scriptedProvider) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return &Completion{Text: "from " + s.name, InputTokens: 10, OutputTokens: 2}, nil
}

func (s *scriptedProvider) Name() string  { return s.name }
func (s *scriptedProvider) Model() string { return s.name + "-model" }

func TestFallbackOnTransientExhaustion(t *testing.T) {
	primary := &scriptedProvider{name: "primary", err: errs.Transient(errors.New("overloaded"))}
	secondary := &scriptedProvider{name: "secondary"}

	f := NewFallbackProvider([]Provider{primary, secondary}, logger.Nop().Logger).WithRetryPolicy(fastPolicy())
	out, err := f.Complete(context.Background(), CompletionRequest{UserPrompt: "q"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out.Text != "from secondary" || out.Model != "secondary-model" {
		t.Errorf("unexpected completion %+v", out)
	}
	if got := primary.calls.Load(); got != 3 {
		t.Errorf("expected primary retried 3 times, got %d", got)
	}
}

func TestFallbackStopsOnPermanentError(t *testing.T) {
	primary := &scriptedProvider{name: "primary", err: errors.New("invalid request")}
	secondary := &scriptedProvider{name: "secondary"}

	f := NewFallbackProvider([]Provider{primary, secondary}, logger.Nop().Logger).WithRetryPolicy(fastPolicy())
	if _, err := f.Complete(context.Background(), CompletionRequest{UserPrompt: "q"}); err == nil {
		t.Fatal("expected error")
	}
	if primary.calls.Load() != 1 || secondary.calls.Load() != 0 {
		t.Errorf("expected one call and no fallback, got %d/%d", primary.calls.Load(), secondary.calls.Load())
	}
}

func TestFallbackTransientErrorStaysTransient(t *testing.T) {
	only := &scriptedProvider{name: "only", err: errs.Transient(errors.New("503"))}
	f := NewFallbackProvider([]Provider{only}, logger.Nop().Logger).WithRetryPolicy(fastPolicy())

	_, err := f.Complete(context.Background(), CompletionRequest{UserPrompt: "q"})
	if !errs.IsTransient(err) || !retry.IsExhausted(err) {
		t.Fatalf("expected exhausted transient error, got %v", err)
	}
}

func TestOpenAICompatCompleteStream(t *testing.T) {
	var streamed bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Stream bool `json:"stream"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		streamed = body.Stream

		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range []string{
			`{"id":"c1","object":"chat.completion.chunk","model":"llama3.2","choices":[{"index":0,"delta":{"role":"assistant","content":"Paris "}}]}`,
			`{"id":"c1","object":"chat.completion.chunk","model":"llama3.2","choices":[{"index":0,"delta":{"content":"[p1]"},"finish_reason":"stop"}]}`,
			`{"id":"c1","object":"chat.completion.chunk","model":"llama3.2","choices":[],"usage":{"prompt_tokens":120,"completion_tokens":7,"total_tokens":127}}`,
			`[DONE]`,
		} {
			_, _ = w.Write([]byte("data: " + line + "\n\n"))
		}
	}))
	defer srv.Close()

	p, err := NewProvider(ProviderConfig{Provider: "ollama", BaseURL: srv.URL, Model: "llama3.2"}, logger.Nop().Logger)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	var deltas []string
	out, err := Stream(context.Background(), p, CompletionRequest{UserPrompt: "where?"}, func(s string) error {
		deltas = append(deltas, s)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if !streamed {
		t.Error("expected a streaming request")
	}
	if strings.Join(deltas, "|") != "Paris |[p1]" {
		t.Errorf("unexpected deltas %q", deltas)
	}
	if out.Text != "Paris [p1]" || out.InputTokens != 120 || out.OutputTokens != 7 {
		t.Errorf("unexpected completion %+v", out)
	}
}

func TestStreamWithoutStreamerSendsOneDelta(t *testing.T) {
	p := &scriptedProvider{name: "plain"}
	var deltas []string
	out, err := Stream(context.Background(), p, CompletionRequest{UserPrompt: "q"}, func(s string) error {
		deltas = append(deltas, s)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(deltas) != 1 || deltas[0] != "from plain" || out.InputTokens != 10 {
		t.Errorf("unexpected stream %q %+v", deltas, out)
	}
}

func TestFallbackStreamFallsBackBeforeFirstDelta(t *testing.T) {
	primary := &scriptedProvider{name: "primary", err: errs.Transient(errors.New("overloaded"))}
	secondary := &scriptedProvider{name: "secondary"}

	f := NewFallbackProvider([]Provider{primary, secondary}, logger.Nop().Logger).WithRetryPolicy(fastPolicy())
	var got strings.Builder
	out, err := f.CompleteStream(context.Background(), CompletionRequest{UserPrompt: "q"}, func(s string) error {
		got.WriteString(s)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if got.String() != "from secondary" || out.Model != "secondary-model" {
		t.Errorf("unexpected stream %q %+v", got.String(), out)
	}
}

func TestFallbackStreamStopsWhenReceiverFails(t *testing.T) {
	m := NewMockProvider("one two three", 30, 3)
	f := NewFallbackProvider([]Provider{m, &scriptedProvider{name: "secondary"}}, logger.Nop().Logger).WithRetryPolicy(fastPolicy())

	gone := errors.New("client went away")
	calls := 0
	out, err := f.CompleteStream(context.Background(), CompletionRequest{UserPrompt: "q"}, func(string) error {
		calls++
		if calls == 2 {
			return gone
		}
		return nil
	})
	if !errors.Is(err, gone) {
		t.Fatalf("expected receiver error, got %v", err)
	}
	if calls != 2 || len(m.Requests()) != 1 {
		t.Errorf("expected no retry after streaming began, got %d deltas and %d requests", calls, len(m.Requests()))
	}
	if out == nil || out.InputTokens != 30 {
		t.Errorf("expected billed tokens to be reported, got %+v", out)
	}
}
