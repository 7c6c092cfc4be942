package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Provider is the embedding collaborator: one call per batch, one vector per
// input, in input order. Implementations must return *ProviderError for
// failures they can classify.
type Provider interface {
	EmbedBatch(ctx context.Context, inputs []string) ([][]float32, error)
}

type Config struct {
	BatchSize  int           // max inputs per provider call, default 100
	Dimension  int           // expected vector length, default 1536
	MaxRetries int           // retries per batch on transient failure, default 3
	BaseDelay  time.Duration // backoff base, default 1s
	Timeout    time.Duration // hard per-call timeout, default 60s
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Dimension <= 0 {
		c.Dimension = 1536
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	return c
}

// Batcher groups texts into provider-sized batches and applies the retry
// policy. A batch is all-or-nothing: partial provider results are rejected
// so chunk/vector pairing stays auditable.
type Batcher struct {
	provider Provider
	limiter  *rate.Limiter
	cfg      Config
	calls    atomic.Int64
}

// NewBatcher wires a provider with a rate limiter shared across all workers.
// A nil limiter disables pacing (tests).
func NewBatcher(provider Provider, limiter *rate.Limiter, cfg Config) *Batcher {
	return &Batcher{provider: provider, limiter: limiter, cfg: cfg.withDefaults()}
}

// Calls reports the number of provider calls made so far, retries included.
// Feeds the per-owner processing stats.
func (b *Batcher) Calls() int64 { return b.calls.Load() }

// Embed returns one vector per input text, in order. checkpoint (optional)
// runs before each batch; returning an error there aborts without calling
// the provider, which is how the orchestrator observes cancellation at
// batch boundaries.
func (b *Batcher) Embed(ctx context.Context, texts []string, checkpoint func(batchesDone, batchesTotal int) error) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	total := (len(texts) + b.cfg.BatchSize - 1) / b.cfg.BatchSize
	vectors := make([][]float32, 0, len(texts))

	for i := 0; i < len(texts); i += b.cfg.BatchSize {
		done := i / b.cfg.BatchSize
		if checkpoint != nil {
			if err := checkpoint(done, total); err != nil {
				return nil, err
			}
		}

		end := i + b.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}

		batchVectors, err := b.embedBatch(ctx, texts[i:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batchVectors...)
	}

	return vectors, nil
}

func (b *Batcher) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	var lastErr error

	for attempt := 0; ; attempt++ {
		if b.limiter != nil {
			if err := b.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
		b.calls.Add(1)
		vectors, err := b.provider.EmbedBatch(callCtx, batch)
		cancel()

		if err == nil {
			return b.validate(batch, vectors)
		}
		lastErr = err

		if Classify(err) == FailurePermanent {
			return nil, err
		}
		if attempt >= b.cfg.MaxRetries {
			return nil, fmt.Errorf("batch failed after %d retries: %w", b.cfg.MaxRetries, lastErr)
		}

		delay := b.backoff(attempt)
		if hint, ok := RetryAfterHint(err); ok && hint > delay {
			delay = hint
		}
		slog.WarnContext(ctx, "embedding batch failed, retrying", "attempt", attempt+1, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// validate enforces the response invariants before results are accepted.
// Violations are permanent: a provider returning misaligned vectors is never
// retried.
func (b *Batcher) validate(batch []string, vectors [][]float32) ([][]float32, error) {
	if len(vectors) != len(batch) {
		return nil, fmt.Errorf("%w: requested %d, got %d", ErrCountMismatch, len(batch), len(vectors))
	}
	for i, v := range vectors {
		if len(v) != b.cfg.Dimension {
			return nil, fmt.Errorf("%w: vector %d has length %d, want %d", ErrDimensionMismatch, i, len(v), b.cfg.Dimension)
		}
	}
	return vectors, nil
}

// backoff is exponential with up-to-50% jitter on top.
func (b *Batcher) backoff(attempt int) time.Duration {
	delay := b.cfg.BaseDelay << attempt
	return delay + rand.N(delay/2+1)
}
