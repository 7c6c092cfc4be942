package search

import (
	"context"
	"fmt"
	"log/slog"

	"docvec/internal/vector"
)

// Scope restricts a search to an owner, session, project or an explicit
// document set. Empty fields are not filtered on.
type Scope struct {
	UserID      string   `json:"user_id"`
	SessionID   string   `json:"session_id"`
	ProjectID   string   `json:"project_id"`
	DocumentIDs []string `json:"document_ids"`
}

type Query struct {
	Vector    []float32
	TopK      int
	Threshold float32
	Scope     Scope
}

type Result struct {
	DocumentID string  `json:"document_id"`
	ChunkIndex int     `json:"chunk_index"`
	Content    string  `json:"content"`
	PageNumber int     `json:"page_number,omitempty"`
	Similarity float32 `json:"similarity"`
}

// Store is the vector store's query surface.
type Store interface {
	Search(ctx context.Context, q Query) ([]Result, error)
	GetChunkVectors(ctx context.Context, documentID string) ([]vector.Candidate, error)
}

// Embedder matches the embedding batcher's call shape.
type Embedder interface {
	Embed(ctx context.Context, texts []string, checkpoint func(batchesDone, batchesTotal int) error) ([][]float32, error)
}

type Service struct {
	embedder Embedder
	store    Store
}

func NewService(embedder Embedder, store Store) *Service {
	return &Service{embedder: embedder, store: store}
}

// Search embeds the query text and runs it against the ANN index.
func (s *Service) Search(ctx context.Context, text string, topK int, threshold float32, scope Scope) ([]Result, error) {
	if text == "" {
		return nil, fmt.Errorf("query text is required")
	}
	if topK <= 0 {
		topK = 10
	}

	vectors, err := s.embedder.Embed(ctx, []string{text}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("expected one query vector, got %d", len(vectors))
	}

	results, err := s.store.Search(ctx, Query{Vector: vectors[0], TopK: topK, Threshold: threshold, Scope: scope})
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "similarity search", "top_k", topK, "results", len(results))
	return results, nil
}

// SearchExact is the brute-force verification path over one document's
// vectors: same metric, same ranking and tie rules, no index approximation.
func (s *Service) SearchExact(ctx context.Context, queryVector []float32, documentID string, topK int, threshold float32) ([]vector.Ranked, error) {
	candidates, err := s.store.GetChunkVectors(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return vector.BruteForceSearch(queryVector, candidates, topK, threshold), nil
}
