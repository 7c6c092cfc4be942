package worker

import (
	"context"
)

// Chunk is a fully-embedded chunk ready for the vector store.
type Chunk struct {
	DocumentID     string
	UserID         string
	SessionID      string
	ProjectID      string
	ChunkIndex     int
	Content        string
	PageNumber     int
	Vector         []float32
	EmbeddingModel string
}

// VectorStore is the ANN side of persistence.
type VectorStore interface {
	StoreChunkBatch(ctx context.Context, chunks []Chunk) error
	DeleteByDocumentID(ctx context.Context, documentID string) error
}

// Embedder is the batched embedding pipeline. checkpoint runs before each
// provider batch and aborts the call when it returns an error.
type Embedder interface {
	Embed(ctx context.Context, texts []string, checkpoint func(batchesDone, batchesTotal int) error) ([][]float32, error)
	Calls() int64
}
