package gemini

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"docvec/internal/embedding"
)

// Embedder implements embedding.Provider on top of the Gemini batch
// embedding API.
type Embedder struct {
	client *genai.Client
	model  string
}

func NewEmbedder(ctx context.Context, apiKey, model string) (*Embedder, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	return &Embedder{client: client, model: model}, nil
}

func (e *Embedder) Close() error { return e.client.Close() }

func (e *Embedder) EmbedBatch(ctx context.Context, inputs []string) ([][]float32, error) {
	slog.DebugContext(ctx, "embedding batch", "model", e.model, "size", len(inputs))

	em := e.client.EmbeddingModel(e.model)
	batch := em.NewBatch()
	for _, input := range inputs {
		batch.AddContent(genai.Text(input))
	}

	res, err := em.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, classifyError(err)
	}

	vectors := make([][]float32, len(res.Embeddings))
	for i, emb := range res.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			return nil, &embedding.ProviderError{
				Class:   embedding.FailurePermanent,
				Message: "provider returned an empty embedding",
			}
		}
		vectors[i] = emb.Values
	}
	return vectors, nil
}

// classifyError maps provider failures onto the retry taxonomy. Messages are
// class-level summaries; the raw provider error stays wrapped and never
// reaches API responses.
func classifyError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusTooManyRequests:
			return &embedding.ProviderError{
				Class:      embedding.FailureRateLimited,
				Message:    "rate limit exceeded",
				RetryAfter: retryAfter(gerr.Header),
				Err:        err,
			}
		case gerr.Code >= 500:
			return &embedding.ProviderError{
				Class:   embedding.FailureTransient,
				Message: "provider unavailable",
				Err:     err,
			}
		case gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden:
			return &embedding.ProviderError{
				Class:   embedding.FailurePermanent,
				Message: "authentication rejected by provider",
				Err:     err,
			}
		default:
			return &embedding.ProviderError{
				Class:   embedding.FailurePermanent,
				Message: "provider rejected the request",
				Err:     err,
			}
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &embedding.ProviderError{
			Class:   embedding.FailureTransient,
			Message: "provider call timed out",
			Err:     err,
		}
	}

	return &embedding.ProviderError{
		Class:   embedding.FailureTransient,
		Message: "provider call failed",
		Err:     err,
	}
}

func retryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	if secs, err := strconv.Atoi(h.Get("Retry-After")); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
