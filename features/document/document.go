package document

import (
	"encoding/json"
	"time"
)

// Status tracks a document through the pipeline. It mirrors the owning job:
// pending until a worker picks the job up, completed once chunks and vectors
// are persisted.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

type Document struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	SessionID      string          `json:"session_id,omitempty"`
	ProjectID      string          `json:"project_id,omitempty"`
	Filename       string          `json:"filename"`
	ContentType    string          `json:"content_type,omitempty"`
	SizeBytes      int64           `json:"size_bytes"`
	ContentHash    string          `json:"-"`
	Status         Status          `json:"status"`
	PageCount      int             `json:"page_count"`
	ChunkCount     int             `json:"chunk_count"`
	TotalTokens    int             `json:"total_tokens"`
	EmbeddingModel string          `json:"embedding_model,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
}

// Chunk is a document_chunks row. The vector itself lives in the vector
// store; this side keeps the text and its placement in the source document.
type Chunk struct {
	ID           string          `json:"id"`
	DocumentID   string          `json:"document_id"`
	ChunkIndex   int             `json:"chunk_index"`
	TextContent  string          `json:"text_content"`
	ChunkSize    int             `json:"chunk_size"`
	TokenCount   int             `json:"token_count"`
	PageNumber   int             `json:"page_number,omitempty"`
	StartChar    int             `json:"start_char"`
	EndChar      int             `json:"end_char"`
	OverlapStart *int            `json:"overlap_start,omitempty"`
	OverlapEnd   *int            `json:"overlap_end,omitempty"`
	Model        string          `json:"embedding_model,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
