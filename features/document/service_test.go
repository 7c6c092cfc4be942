package document

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docvec/features/job"
)

type mockRepo struct {
	Repository
	saved      *Document
	hashExists bool
	getDoc     *Document
	getErr     error
	deleted    string
	chunkCount int
}

func (m *mockRepo) Save(ctx context.Context, doc *Document) error {
	doc.ID = "doc-1"
	doc.Status = StatusPending
	m.saved = doc
	return nil
}

func (m *mockRepo) ExistsByHash(ctx context.Context, userID, hash string) (bool, error) {
	return m.hashExists, nil
}

func (m *mockRepo) Get(ctx context.Context, id string) (*Document, error) {
	return m.getDoc, m.getErr
}

func (m *mockRepo) Delete(ctx context.Context, id string) (int, error) {
	m.deleted = id
	return m.chunkCount, nil
}

func (m *mockRepo) CountChunks(ctx context.Context, documentID string) (int, error) {
	return m.chunkCount, nil
}

type mockJobs struct {
	enqueued   *job.Job
	enqueueErr error
	listed     []job.Job
}

func (m *mockJobs) Enqueue(ctx context.Context, j *job.Job) error {
	if m.enqueueErr != nil {
		return m.enqueueErr
	}
	j.ID = "job-1"
	m.enqueued = j
	return nil
}

func (m *mockJobs) ListByDocument(ctx context.Context, documentID string) ([]job.Job, error) {
	return m.listed, nil
}

type mockVectors struct {
	deleted string
	err     error
}

func (m *mockVectors) DeleteByDocumentID(ctx context.Context, documentID string) error {
	m.deleted = documentID
	return m.err
}

func newTestService(repo *mockRepo, jobs *mockJobs, vectors *mockVectors) *Service {
	return NewService(repo, jobs, vectors, "gemini-embedding-001", 3)
}

func TestService_Submit(t *testing.T) {
	repo := &mockRepo{}
	jobs := &mockJobs{}
	svc := newTestService(repo, jobs, &mockVectors{})

	result, err := svc.Submit(context.Background(), SubmitRequest{
		UserID:   "u1",
		Filename: "notes.txt",
		Text:     "some document text",
	})
	require.NoError(t, err)

	assert.Equal(t, "doc-1", result.Document.ID)
	assert.Equal(t, "job-1", result.JobID)
	assert.Equal(t, StatusPending, result.Document.Status)
	assert.Equal(t, int64(len("some document text")), result.Document.SizeBytes)
	assert.NotEmpty(t, repo.saved.ContentHash)

	require.NotNil(t, jobs.enqueued)
	assert.Equal(t, job.KindFullPipeline, jobs.enqueued.Kind, "kind defaults to the full pipeline")
	assert.Equal(t, 3, jobs.enqueued.MaxRetries)

	var payload job.PayloadData
	require.NoError(t, json.Unmarshal(jobs.enqueued.Payload, &payload))
	assert.Equal(t, "some document text", payload.Text)
}

func TestService_Submit_Pages(t *testing.T) {
	repo := &mockRepo{}
	jobs := &mockJobs{}
	svc := newTestService(repo, jobs, &mockVectors{})

	result, err := svc.Submit(context.Background(), SubmitRequest{
		UserID:   "u1",
		Filename: "paged.pdf",
		Pages: []job.Page{
			{Number: 1, Text: "first page text"},
			{Number: 2, Text: "second page text"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Document.PageCount, "page count defaults to the number of pages")
	assert.Positive(t, result.Document.SizeBytes)
	assert.NotEmpty(t, repo.saved.ContentHash)

	require.NotNil(t, jobs.enqueued)
	var payload job.PayloadData
	require.NoError(t, json.Unmarshal(jobs.enqueued.Payload, &payload))
	require.Len(t, payload.Pages, 2, "the page split survives into the job payload")
	assert.Equal(t, 2, payload.Pages[1].Number)
}

func TestService_Submit_EnqueueFailureRemovesDocument(t *testing.T) {
	repo := &mockRepo{}
	jobs := &mockJobs{enqueueErr: errors.New("insert failed")}
	svc := newTestService(repo, jobs, &mockVectors{})

	_, err := svc.Submit(context.Background(), SubmitRequest{
		UserID: "u1", Filename: "f.txt", Text: "text",
	})
	require.Error(t, err)
	assert.Equal(t, "doc-1", repo.deleted, "a document without a job must not linger in pending")
}

func TestService_Submit_EmptyText(t *testing.T) {
	svc := newTestService(&mockRepo{}, &mockJobs{}, &mockVectors{})

	for _, text := range []string{"", "   ", "\n\t \n"} {
		_, err := svc.Submit(context.Background(), SubmitRequest{UserID: "u1", Filename: "f.txt", Text: text})
		assert.ErrorIs(t, err, ErrEmptyDocument)
	}
}

func TestService_Submit_Duplicate(t *testing.T) {
	repo := &mockRepo{hashExists: true}
	svc := newTestService(repo, &mockJobs{}, &mockVectors{})

	_, err := svc.Submit(context.Background(), SubmitRequest{UserID: "u1", Filename: "f.txt", Text: "same content"})
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Nil(t, repo.saved)
}

func TestService_Submit_MissingUser(t *testing.T) {
	svc := newTestService(&mockRepo{}, &mockJobs{}, &mockVectors{})
	_, err := svc.Submit(context.Background(), SubmitRequest{Filename: "f.txt", Text: "text"})
	assert.Error(t, err)
}

func TestService_Reprocess(t *testing.T) {
	repo := &mockRepo{
		getDoc:     &Document{ID: "doc-1", UserID: "u1", Status: StatusCompleted},
		chunkCount: 4,
	}
	jobs := &mockJobs{}
	svc := newTestService(repo, jobs, &mockVectors{})

	result, err := svc.Reprocess(context.Background(), "doc-1", 7)
	require.NoError(t, err)
	assert.Equal(t, "job-1", result.JobID)

	require.NotNil(t, jobs.enqueued)
	assert.Equal(t, job.KindEmbedding, jobs.enqueued.Kind)
	assert.Equal(t, "u1", jobs.enqueued.UserID)
	assert.Equal(t, 7, jobs.enqueued.Priority)
}

func TestService_Reprocess_NoChunks(t *testing.T) {
	repo := &mockRepo{getDoc: &Document{ID: "doc-1", UserID: "u1"}}
	svc := newTestService(repo, &mockJobs{}, &mockVectors{})

	_, err := svc.Reprocess(context.Background(), "doc-1", 0)
	assert.ErrorIs(t, err, ErrNoChunks, "an unchunked document cannot be re-embedded")
}

func TestService_Reprocess_ActiveJob(t *testing.T) {
	repo := &mockRepo{
		getDoc:     &Document{ID: "doc-1", UserID: "u1"},
		chunkCount: 4,
	}
	jobs := &mockJobs{listed: []job.Job{{ID: "job-0", Status: job.StatusProcessing}}}
	svc := newTestService(repo, jobs, &mockVectors{})

	_, err := svc.Reprocess(context.Background(), "doc-1", 0)
	assert.ErrorIs(t, err, ErrJobActive, "one non-terminal job per document")
	assert.Nil(t, jobs.enqueued)
}

func TestService_Reprocess_NotFound(t *testing.T) {
	repo := &mockRepo{getErr: sql.ErrNoRows}
	svc := newTestService(repo, &mockJobs{}, &mockVectors{})

	_, err := svc.Reprocess(context.Background(), "missing", 0)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestService_Status(t *testing.T) {
	repo := &mockRepo{getDoc: &Document{ID: "doc-1", Status: StatusProcessing}}
	jobs := &mockJobs{listed: []job.Job{{ID: "job-2", Progress: 50}, {ID: "job-1", Progress: 100}}}
	svc := newTestService(repo, jobs, &mockVectors{})

	view, err := svc.Status(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "doc-1", view.Document.ID)
	require.NotNil(t, view.Job)
	assert.Equal(t, "job-2", view.Job.ID, "latest job first")
}

func TestService_Delete(t *testing.T) {
	repo := &mockRepo{getDoc: &Document{ID: "doc-1"}, chunkCount: 7}
	vectors := &mockVectors{}
	svc := newTestService(repo, &mockJobs{}, vectors)

	count, err := svc.Delete(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 7, count)
	assert.Equal(t, "doc-1", vectors.deleted)
	assert.Equal(t, "doc-1", repo.deleted)
}

func TestService_Delete_VectorFailureAborts(t *testing.T) {
	repo := &mockRepo{getDoc: &Document{ID: "doc-1"}}
	vectors := &mockVectors{err: errors.New("weaviate down")}
	svc := newTestService(repo, &mockJobs{}, vectors)

	_, err := svc.Delete(context.Background(), "doc-1")
	require.Error(t, err)
	assert.Empty(t, repo.deleted, "relational rows stay when vector delete fails")
}

func TestService_Delete_NotFound(t *testing.T) {
	repo := &mockRepo{getErr: sql.ErrNoRows}
	svc := newTestService(repo, &mockJobs{}, &mockVectors{})

	_, err := svc.Delete(context.Background(), "missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}
