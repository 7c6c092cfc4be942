package job_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docvec/features/job"
)

func jobRow(id string, status job.Status) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "document_id", "user_id", "kind", "status", "priority", "progress", "progress_message",
		"payload", "error", "retry_count", "max_retries", "created_at", "started_at", "completed_at",
	}).AddRow(id, "doc-1", "u1", "full_pipeline", string(status), 5, 0, "",
		[]byte(`{}`), nil, 0, 3, time.Now(), nil, nil)
}

func TestPostgresRepo_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := job.NewPostgresRepo(db)

	j := &job.Job{
		DocumentID: "doc-1",
		UserID:     "u1",
		Kind:       job.KindFullPipeline,
		MaxRetries: 3,
		Payload:    json.RawMessage(`{"text":"hello"}`),
	}

	mock.ExpectQuery("INSERT INTO processing_jobs").
		WithArgs("doc-1", "u1", "full_pipeline", job.DefaultPriority, []byte(`{"text":"hello"}`), 3).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "progress", "retry_count", "created_at"}).
			AddRow("job-1", "pending", 0, 0, time.Now()))

	require.NoError(t, repo.Create(context.Background(), j))
	assert.Equal(t, "job-1", j.ID)
	assert.Equal(t, job.StatusPending, j.Status)
	assert.Equal(t, job.DefaultPriority, j.Priority, "zero priority falls back to the default")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_ClaimNext(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := job.NewPostgresRepo(db)

	t.Run("ClaimsHighestPriorityPending", func(t *testing.T) {
		mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
			WillReturnRows(jobRow("job-1", job.StatusProcessing))

		j, err := repo.ClaimNext(context.Background())
		require.NoError(t, err)
		require.NotNil(t, j)
		assert.Equal(t, "job-1", j.ID)
		assert.Equal(t, job.StatusProcessing, j.Status)
	})

	t.Run("EmptyQueueReturnsNil", func(t *testing.T) {
		mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		j, err := repo.ClaimNext(context.Background())
		require.NoError(t, err)
		assert.Nil(t, j)
	})
}

func TestPostgresRepo_Claim(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := job.NewPostgresRepo(db)

	t.Run("PendingJobIsClaimed", func(t *testing.T) {
		mock.ExpectQuery("UPDATE processing_jobs").
			WithArgs("job-1").
			WillReturnRows(jobRow("job-1", job.StatusProcessing))

		j, err := repo.Claim(context.Background(), "job-1")
		require.NoError(t, err)
		require.NotNil(t, j)
		assert.Equal(t, job.StatusProcessing, j.Status)
	})

	// A job claimed by another worker matches no pending row, so a second
	// claim attempt comes back empty instead of double-running the job.
	t.Run("AlreadyClaimedReturnsNil", func(t *testing.T) {
		mock.ExpectQuery("UPDATE processing_jobs").
			WithArgs("job-1").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		j, err := repo.Claim(context.Background(), "job-1")
		require.NoError(t, err)
		assert.Nil(t, j)
	})
}

func TestPostgresRepo_UpdateProgress(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := job.NewPostgresRepo(db)

	mock.ExpectExec("GREATEST").
		WithArgs("job-1", 50, "embedding batch 1 of 2").
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, repo.UpdateProgress(context.Background(), "job-1", 50, "embedding batch 1 of 2"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_RequeueForRetry(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := job.NewPostgresRepo(db)

	t.Run("RequeuesWhileBudgetRemains", func(t *testing.T) {
		mock.ExpectExec("retry_count = retry_count \\+ 1").
			WithArgs("job-1", "embedding provider unavailable").
			WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := repo.RequeueForRetry(context.Background(), "job-1", "embedding provider unavailable")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("ExhaustedBudgetRefuses", func(t *testing.T) {
		mock.ExpectExec("retry_count = retry_count \\+ 1").
			WithArgs("job-1", "still failing").
			WillReturnResult(sqlmock.NewResult(0, 0))

		ok, err := repo.RequeueForRetry(context.Background(), "job-1", "still failing")
		require.NoError(t, err)
		assert.False(t, ok, "a job past max_retries must not requeue")
	})
}

func TestPostgresRepo_Fail(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := job.NewPostgresRepo(db)

	j := &job.Job{ID: "job-1", DocumentID: "doc-1", UserID: "u1"}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE processing_jobs").
		WithArgs("job-1", "permanent provider rejection").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE documents").
		WithArgs("doc-1", "permanent provider rejection").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO processing_stats").
		WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Fail(context.Background(), j, "permanent provider rejection"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_Cancel(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := job.NewPostgresRepo(db)

	t.Run("CancelsActiveJob", func(t *testing.T) {
		mock.ExpectExec("'cancelled'").
			WithArgs("job-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := repo.Cancel(context.Background(), "job-1")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("TerminalJobIsLeftAlone", func(t *testing.T) {
		mock.ExpectExec("'cancelled'").
			WithArgs("job-1").
			WillReturnResult(sqlmock.NewResult(0, 0))

		ok, err := repo.Cancel(context.Background(), "job-1")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestPostgresRepo_Complete(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := job.NewPostgresRepo(db)

	j := &job.Job{ID: "job-1", DocumentID: "doc-1", UserID: "u1"}
	c := job.Completion{
		ChunkCount:        3,
		TotalTokens:       1200,
		EmbeddingsCreated: 3,
		BytesProcessed:    4096,
		ProcessingTime:    1500 * time.Millisecond,
		APICalls:          1,
	}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE processing_jobs").
		WithArgs("job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE documents").
		WithArgs("doc-1", 3, 1200).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// The min guard keeps a failure-created stats row (min 0) from pinning
	// min_processing_ms to zero on the day's first completion.
	mock.ExpectExec("CASE WHEN processing_stats.documents_processed = 0").
		WithArgs("u1", 3, 3, int64(4096), int64(1), int64(1500)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Complete(context.Background(), j, c))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_Complete_RefusesNonProcessingJob(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := job.NewPostgresRepo(db)

	j := &job.Job{ID: "job-1", DocumentID: "doc-1", UserID: "u1"}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE processing_jobs").
		WithArgs("job-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = repo.Complete(context.Background(), j, job.Completion{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not processing")
}

func TestPostgresRepo_IsCancelled(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := job.NewPostgresRepo(db)

	mock.ExpectQuery("SELECT status FROM processing_jobs").
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("cancelled"))

	cancelled, err := repo.IsCancelled(context.Background(), "job-1")
	require.NoError(t, err)
	assert.True(t, cancelled)
}
