package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/sashabaranov/go-openai"

	"github.com/Aryan1718/enterprise-rag-platform/internal/errs"
	"github.com/Aryan1718/enterprise-rag-platform/pkg/retry"
)

// Streamer is implemented by providers that deliver the answer while it is
// generated. onDelta receives each text fragment in order; an error from it
// aborts the generation and is returned.
type Streamer interface {
	CompleteStream(ctx context.Context, req CompletionRequest, onDelta func(string) error) (*Completion, error)
}

// Stream completes req through p and hands the text to onDelta. Providers
// without streaming deliver the whole answer as one fragment. The returned
// completion may be non-nil alongside an error when tokens were billed.
func Stream(ctx context.Context, p Provider, req CompletionRequest, onDelta func(string) error) (*Completion, error) {
	if s, ok := p.(Streamer); ok {
		return s.CompleteStream(ctx, req, onDelta)
	}
	out, err := p.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if out.Text != "" {
		if err := onDelta(out.Text); err != nil {
			return out, err
		}
	}
	return out, nil
}

// CompleteStream implements Streamer over the Messages streaming API.
func (p *AnthropicProvider) CompleteStream(ctx context.Context, req CompletionRequest, onDelta func(string) error) (*Completion, error) {
	params := p.params(p.config.withDefaults(req))

	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, fmt.Errorf("Anthropic stream decode failed: %w", err)
		}
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text == "" {
					continue
				}
				if err := onDelta(delta.Text); err != nil {
					return p.completion(&message), err
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("Anthropic API stream failed: %w", err)
	}
	return p.completion(&message), nil
}

// CompleteStream implements Streamer. Usage is requested in the final chunk;
// servers that omit it report zero tokens.
func (p *OpenAICompatProvider) CompleteStream(ctx context.Context, req CompletionRequest, onDelta func(string) error) (*Completion, error) {
	chatReq := p.chatRequest(p.config.withDefaults(req))
	chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("%s API stream failed: %w", p.providerName, err)
	}
	defer stream.Close()

	out := &Completion{Model: p.model, StopReason: StopReasonEndTurn}
	var text []byte
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s API stream failed: %w", p.providerName, err)
		}
		if resp.Model != "" {
			out.Model = resp.Model
		}
		if resp.Usage != nil {
			out.InputTokens = resp.Usage.PromptTokens
			out.OutputTokens = resp.Usage.CompletionTokens
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		if choice.FinishReason != "" {
			out.StopReason = convertOpenAIFinishReason(choice.FinishReason)
		}
		if choice.Delta.Content == "" {
			continue
		}
		text = append(text, choice.Delta.Content...)
		if err := onDelta(choice.Delta.Content); err != nil {
			return nil, err
		}
	}
	out.Text = string(text)
	return out, nil
}

// CompleteStream implements Streamer. Retries and fallback apply only until
// the first fragment reaches onDelta; after that an error ends the stream.
func (f *FallbackProvider) CompleteStream(ctx context.Context, req CompletionRequest, onDelta func(string) error) (*Completion, error) {
	if len(f.providers) == 0 {
		return nil, errors.New("no LLM provider configured")
	}

	streamed := false
	forward := func(text string) error {
		streamed = true
		return onDelta(text)
	}
	policy := f.policy
	policy.Retryable = func(err error) bool { return !streamed && errs.IsTransient(err) }

	var lastErr error
	for i, p := range f.providers {
		var partial *Completion
		out, err := retry.DoValue(ctx, policy, func(ctx context.Context) (*Completion, error) {
			out, err := Stream(ctx, p, req, forward)
			partial = out
			return out, err
		})
		if err == nil {
			f.observe(p, out)
			return out, nil
		}

		lastErr = err
		if streamed || !errs.IsTransient(err) || ctx.Err() != nil {
			if partial != nil {
				f.observe(p, partial)
			}
			return partial, fmt.Errorf("completion failed: %w", err)
		}
		if i < len(f.providers)-1 {
			f.logger.Warn("LLM provider failed before streaming, falling back",
				"error", err,
				"provider", p.Name(),
				"next_model", f.providers[i+1].Model(),
			)
		}
	}
	return nil, fmt.Errorf("completion failed: %w", lastErr)
}
