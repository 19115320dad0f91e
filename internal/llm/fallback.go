package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Aryan1718/enterprise-rag-platform/internal/errs"
	"github.com/Aryan1718/enterprise-rag-platform/internal/metrics"
	"github.com/Aryan1718/enterprise-rag-platform/pkg/retry"
)

// FallbackProvider tries each provider in order. Every provider gets the
// shared retry policy; a provider whose retries are exhausted on transient
// errors hands over to the next one. Permanent errors stop the chain.
type FallbackProvider struct {
	providers []Provider
	policy    retry.Policy
	logger    *slog.Logger
}

// NewFallbackProvider wraps providers, which must not be empty.
func NewFallbackProvider(providers []Provider, logger *slog.Logger) *FallbackProvider {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "llm")
	return &FallbackProvider{
		providers: providers,
		policy:    errs.RetryPolicy("llm.complete", logger),
		logger:    logger,
	}
}

// WithRetryPolicy replaces the per-provider retry policy.
func (f *FallbackProvider) WithRetryPolicy(p retry.Policy) *FallbackProvider {
	f.policy = p
	return f
}

// Complete implements Provider.
func (f *FallbackProvider) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	if len(f.providers) == 0 {
		return nil, errors.New("no LLM provider configured")
	}

	var lastErr error
	for i, p := range f.providers {
		out, err := retry.DoValue(ctx, f.policy, func(ctx context.Context) (*Completion, error) {
			return p.Complete(ctx, req)
		})
		if err == nil {
			f.observe(p, out)
			return out, nil
		}

		lastErr = err
		if !errs.IsTransient(err) || ctx.Err() != nil {
			break
		}
		if i < len(f.providers)-1 {
			f.logger.Warn("LLM provider failed, falling back",
				"error", err,
				"provider", p.Name(),
				"model", p.Model(),
				"next_model", f.providers[i+1].Model(),
			)
		}
	}
	return nil, fmt.Errorf("completion failed: %w", lastErr)
}

// observe records the tokens a provider billed.
func (f *FallbackProvider) observe(p Provider, out *Completion) {
	if out.Model == "" {
		out.Model = p.Model()
	}
	metrics.LLMTokens.WithLabelValues(out.Model, "input").Add(float64(out.InputTokens))
	metrics.LLMTokens.WithLabelValues(out.Model, "output").Add(float64(out.OutputTokens))
	f.logger.Debug("completion finished",
		"provider", p.Name(),
		"model", out.Model,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"stop_reason", out.StopReason,
	)
}

// Name returns the primary provider's name.
func (f *FallbackProvider) Name() string {
	if len(f.providers) == 0 {
		return ""
	}
	return f.providers[0].Name()
}

// Model returns the primary model.
func (f *FallbackProvider) Model() string {
	if len(f.providers) == 0 {
		return ""
	}
	return f.providers[0].Model()
}
