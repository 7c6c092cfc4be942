package stats

import "time"

// DailyStats is one processing_stats row: the additive rollup of everything
// a user processed on one date. Writes happen inside job completion and
// failure transactions; this package only reads and aggregates.
type DailyStats struct {
	UserID             string    `json:"user_id"`
	Date               time.Time `json:"date"`
	DocumentsProcessed int       `json:"documents_processed"`
	DocumentsFailed    int       `json:"documents_failed"`
	ChunksCreated      int       `json:"chunks_created"`
	EmbeddingsCreated  int       `json:"embeddings_created"`
	BytesProcessed     int64     `json:"bytes_processed"`
	APICalls           int64     `json:"api_calls"`
	TotalProcessingMs  int64     `json:"total_processing_ms"`
	MinProcessingMs    int64     `json:"min_processing_ms"`
	MaxProcessingMs    int64     `json:"max_processing_ms"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// AvgProcessingMs is derived, not stored, so the additive upsert never has
// to maintain a running average.
func (s DailyStats) AvgProcessingMs() int64 {
	if s.DocumentsProcessed == 0 {
		return 0
	}
	return s.TotalProcessingMs / int64(s.DocumentsProcessed)
}

// Summary aggregates a user's rows over a date range.
type Summary struct {
	UserID             string       `json:"user_id"`
	DocumentsProcessed int          `json:"documents_processed"`
	DocumentsFailed    int          `json:"documents_failed"`
	ChunksCreated      int          `json:"chunks_created"`
	EmbeddingsCreated  int          `json:"embeddings_created"`
	BytesProcessed     int64        `json:"bytes_processed"`
	APICalls           int64        `json:"api_calls"`
	AvgProcessingMs    int64        `json:"avg_processing_ms"`
	Days               []DailyStats `json:"days"`
}
