package stats

import (
	"context"
	"database/sql"
	"time"
)

type Repository interface {
	GetRange(ctx context.Context, userID string, from, to time.Time) ([]DailyStats, error)
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) GetRange(ctx context.Context, userID string, from, to time.Time) ([]DailyStats, error) {
	query := `SELECT user_id, date, documents_processed, documents_failed, chunks_created,
			embeddings_created, bytes_processed, api_calls,
			total_processing_ms, min_processing_ms, max_processing_ms, updated_at
		FROM processing_stats
		WHERE user_id = $1 AND date BETWEEN $2 AND $3
		ORDER BY date ASC`
	rows, err := r.db.QueryContext(ctx, query, userID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DailyStats
	for rows.Next() {
		var s DailyStats
		if err := rows.Scan(&s.UserID, &s.Date, &s.DocumentsProcessed, &s.DocumentsFailed,
			&s.ChunksCreated, &s.EmbeddingsCreated, &s.BytesProcessed, &s.APICalls,
			&s.TotalProcessingMs, &s.MinProcessingMs, &s.MaxProcessingMs, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Summarize folds the user's daily rows over [from, to] into one view.
func (s *Service) Summarize(ctx context.Context, userID string, from, to time.Time) (*Summary, error) {
	days, err := s.repo.GetRange(ctx, userID, from, to)
	if err != nil {
		return nil, err
	}

	summary := &Summary{UserID: userID, Days: days}
	var totalMs int64
	for _, d := range days {
		summary.DocumentsProcessed += d.DocumentsProcessed
		summary.DocumentsFailed += d.DocumentsFailed
		summary.ChunksCreated += d.ChunksCreated
		summary.EmbeddingsCreated += d.EmbeddingsCreated
		summary.BytesProcessed += d.BytesProcessed
		summary.APICalls += d.APICalls
		totalMs += d.TotalProcessingMs
	}
	if summary.DocumentsProcessed > 0 {
		summary.AvgProcessingMs = totalMs / int64(summary.DocumentsProcessed)
	}
	if summary.Days == nil {
		summary.Days = []DailyStats{}
	}
	return summary, nil
}
