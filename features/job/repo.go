package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// Completion carries the counters folded into the document row and the daily
// stats rollup when a job finishes.
type Completion struct {
	ChunkCount        int
	TotalTokens       int
	EmbeddingsCreated int
	BytesProcessed    int64
	ProcessingTime    time.Duration
	APICalls          int64
}

type Repository interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	ListByDocument(ctx context.Context, documentID string) ([]Job, error)
	ClaimNext(ctx context.Context) (*Job, error)
	Claim(ctx context.Context, id string) (*Job, error)
	UpdateProgress(ctx context.Context, id string, progress int, message string) error
	RequeueForRetry(ctx context.Context, id string, message string) (bool, error)
	Fail(ctx context.Context, j *Job, message string) error
	Cancel(ctx context.Context, id string) (bool, error)
	IsCancelled(ctx context.Context, id string) (bool, error)
	Complete(ctx context.Context, j *Job, c Completion) error
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const jobColumns = `id, document_id, user_id, kind, status, priority, progress, progress_message, payload, error, retry_count, max_retries, created_at, started_at, completed_at`

func scanJob(row interface{ Scan(...interface{}) error }) (*Job, error) {
	j := &Job{}
	var payload []byte
	var errMsg sql.NullString
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&j.ID, &j.DocumentID, &j.UserID, &j.Kind, &j.Status, &j.Priority, &j.Progress,
		&j.ProgressMessage, &payload, &errMsg, &j.RetryCount, &j.MaxRetries, &j.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	j.Payload = json.RawMessage(payload)
	j.Error = errMsg.String
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	return j, nil
}

func (r *PostgresRepo) Create(ctx context.Context, j *Job) error {
	if j.Priority == 0 {
		j.Priority = DefaultPriority
	}
	query := `INSERT INTO processing_jobs (document_id, user_id, kind, status, priority, payload, max_retries)
		VALUES ($1, $2, $3, 'pending', $4, $5, $6)
		RETURNING id, status, progress, retry_count, created_at`
	return r.db.QueryRowContext(ctx, query,
		j.DocumentID, j.UserID, j.Kind, j.Priority, []byte(j.Payload), j.MaxRetries).
		Scan(&j.ID, &j.Status, &j.Progress, &j.RetryCount, &j.CreatedAt)
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM processing_jobs WHERE id = $1`
	return scanJob(r.db.QueryRowContext(ctx, query, id))
}

func (r *PostgresRepo) ListByDocument(ctx context.Context, documentID string) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM processing_jobs WHERE document_id = $1 ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// ClaimNext atomically moves the highest-priority pending job to processing
// and returns it. The conditional UPDATE is the single authority on who owns
// a job; concurrent workers can race this freely and each job is handed out
// exactly once. Returns nil when the queue is empty.
func (r *PostgresRepo) ClaimNext(ctx context.Context) (*Job, error) {
	query := `UPDATE processing_jobs
		SET status = 'processing', started_at = NOW()
		WHERE id = (
			SELECT id FROM processing_jobs
			WHERE status = 'pending'
			ORDER BY priority DESC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + jobColumns
	j, err := scanJob(r.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// Claim moves one specific pending job to processing. Returns nil when the
// job was already claimed, finished or cancelled, which makes queue nudges
// safe to replay.
func (r *PostgresRepo) Claim(ctx context.Context, id string) (*Job, error) {
	query := `UPDATE processing_jobs
		SET status = 'processing', started_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + jobColumns
	j, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// UpdateProgress raises the job's progress and stamps a short human-readable
// stage message. GREATEST keeps the value monotonic even if stage updates
// arrive out of order.
func (r *PostgresRepo) UpdateProgress(ctx context.Context, id string, progress int, message string) error {
	query := `UPDATE processing_jobs
		SET progress = GREATEST(progress, $2), progress_message = $3
		WHERE id = $1 AND status = 'processing'`
	_, err := r.db.ExecContext(ctx, query, id, progress, message)
	return err
}

// RequeueForRetry sends a processing job back to pending after a transient
// failure. Returns false when the retry budget is spent, in which case the
// caller fails the job instead.
func (r *PostgresRepo) RequeueForRetry(ctx context.Context, id string, message string) (bool, error) {
	query := `UPDATE processing_jobs
		SET status = 'pending', retry_count = retry_count + 1, error = $2, started_at = NULL
		WHERE id = $1 AND status = 'processing' AND retry_count < max_retries`
	res, err := r.db.ExecContext(ctx, query, id, message)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Fail terminally fails the job, marks its document failed and counts the
// failure in the owner's daily rollup, all in one transaction.
func (r *PostgresRepo) Fail(ctx context.Context, j *Job, message string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `UPDATE processing_jobs
		SET status = 'failed', error = $2, completed_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'processing')`, j.ID, message)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE documents
		SET status = 'failed', error_message = $2, updated_at = NOW()
		WHERE id = $1`, j.DocumentID, message)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO processing_stats (user_id, date, documents_failed)
		VALUES ($1, CURRENT_DATE, 1)
		ON CONFLICT (user_id, date) DO UPDATE SET
			documents_failed = processing_stats.documents_failed + 1,
			updated_at = NOW()`, j.UserID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Cancel moves a pending or processing job to cancelled. Terminal jobs are
// left untouched and Cancel reports false.
func (r *PostgresRepo) Cancel(ctx context.Context, id string) (bool, error) {
	query := `UPDATE processing_jobs
		SET status = 'cancelled', completed_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'processing')`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// IsCancelled is polled by workers at stage boundaries so an in-flight job
// stops between stages rather than mid-batch.
func (r *PostgresRepo) IsCancelled(ctx context.Context, id string) (bool, error) {
	var status Status
	err := r.db.QueryRowContext(ctx, `SELECT status FROM processing_jobs WHERE id = $1`, id).Scan(&status)
	if err != nil {
		return false, err
	}
	return status == StatusCancelled, nil
}

// Complete finishes the job, stamps the document's totals and folds the run
// into the owner's daily rollup in one transaction, so a completed job is
// never observable without its document totals.
func (r *PostgresRepo) Complete(ctx context.Context, j *Job, c Completion) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE processing_jobs
		SET status = 'completed', progress = 100, completed_at = NOW()
		WHERE id = $1 AND status = 'processing'`, j.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.New("job is not processing, refusing to complete")
	}

	_, err = tx.ExecContext(ctx, `UPDATE documents
		SET status = 'completed', chunk_count = $2, total_tokens = $3, error_message = NULL,
			processed_at = NOW(), updated_at = NOW()
		WHERE id = $1`, j.DocumentID, c.ChunkCount, c.TotalTokens)
	if err != nil {
		return err
	}

	// A day whose stats row was first created by a failure carries
	// min_processing_ms = 0, so LEAST alone would pin the minimum to zero.
	// The first completion of the day takes the incoming value instead.
	ms := c.ProcessingTime.Milliseconds()
	_, err = tx.ExecContext(ctx, `INSERT INTO processing_stats
		(user_id, date, documents_processed, chunks_created, embeddings_created,
		 bytes_processed, api_calls, total_processing_ms, min_processing_ms, max_processing_ms)
		VALUES ($1, CURRENT_DATE, 1, $2, $3, $4, $5, $6, $6, $6)
		ON CONFLICT (user_id, date) DO UPDATE SET
			documents_processed = processing_stats.documents_processed + 1,
			chunks_created = processing_stats.chunks_created + EXCLUDED.chunks_created,
			embeddings_created = processing_stats.embeddings_created + EXCLUDED.embeddings_created,
			bytes_processed = processing_stats.bytes_processed + EXCLUDED.bytes_processed,
			api_calls = processing_stats.api_calls + EXCLUDED.api_calls,
			total_processing_ms = processing_stats.total_processing_ms + EXCLUDED.total_processing_ms,
			min_processing_ms = CASE WHEN processing_stats.documents_processed = 0
				THEN EXCLUDED.min_processing_ms
				ELSE LEAST(processing_stats.min_processing_ms, EXCLUDED.min_processing_ms) END,
			max_processing_ms = GREATEST(processing_stats.max_processing_ms, EXCLUDED.max_processing_ms),
			updated_at = NOW()`,
		j.UserID, c.ChunkCount, c.EmbeddingsCreated, c.BytesProcessed, c.APICalls, ms)
	if err != nil {
		return err
	}
	return tx.Commit()
}
