package job

import (
	"encoding/json"
	"time"
)

// Status is the job lifecycle state. Jobs move pending -> processing and end
// in exactly one of completed, failed or cancelled. Terminal states never
// transition again.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether a job in this status is finished for good.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Kind selects which pipeline stages a job runs.
type Kind string

const (
	// KindFullPipeline chunks the document, embeds every chunk and persists
	// both sides.
	KindFullPipeline Kind = "full_pipeline"
	// KindExtraction only normalizes and persists the extracted text.
	KindExtraction Kind = "extraction"
	// KindChunking chunks previously extracted text without embedding.
	KindChunking Kind = "chunking"
	// KindEmbedding re-embeds existing chunk rows, for model upgrades.
	KindEmbedding Kind = "embedding"
)

const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// Job is a row of processing_jobs.
type Job struct {
	ID              string          `json:"id"`
	DocumentID      string          `json:"document_id"`
	UserID          string          `json:"user_id"`
	Kind            Kind            `json:"kind"`
	Status          Status          `json:"status"`
	Priority        int             `json:"priority"`
	Progress        int             `json:"progress"`
	ProgressMessage string          `json:"progress_message,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Error           string          `json:"error,omitempty"`
	RetryCount      int             `json:"retry_count"`
	MaxRetries      int             `json:"max_retries"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// Payload carries the per-kind job inputs inside the payload column.
type PayloadData struct {
	Text           string `json:"text,omitempty"`
	Pages          []Page `json:"pages,omitempty"`
	EmbeddingModel string `json:"embedding_model,omitempty"`
}

// Page is one page of extracted text when the extraction collaborator
// supplies per-page output. Workers chunk page by page so no window spans a
// page boundary.
type Page struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

// ReadyMessage is the NSQ nudge published when a job becomes claimable. The
// database claim stays authoritative; a lost or duplicated message only
// affects pickup latency.
type ReadyMessage struct {
	JobID string `json:"job_id"`
}

// ValidKind reports whether k names a known pipeline kind.
func ValidKind(k Kind) bool {
	switch k {
	case KindFullPipeline, KindExtraction, KindChunking, KindEmbedding:
		return true
	}
	return false
}

// ClampPriority forces p into the valid range, with zero meaning the default.
func ClampPriority(p int) int {
	if p == 0 {
		return DefaultPriority
	}
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}
