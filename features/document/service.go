package document

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"docvec/features/job"
)

var (
	// ErrEmptyDocument rejects submissions with no extractable text.
	ErrEmptyDocument = errors.New("document has no text content")
	// ErrDuplicate rejects a document whose content the owner already submitted.
	ErrDuplicate = errors.New("duplicate document")
	// ErrNoChunks rejects re-embedding a document that has no chunk rows yet.
	ErrNoChunks = errors.New("document has no chunks")
	// ErrJobActive rejects reprocessing while another job still owns the
	// document. One non-terminal job per document.
	ErrJobActive = errors.New("document already has an active job")
)

// VectorStore is the slice of the vector side the document feature needs for
// cascade deletes.
type VectorStore interface {
	DeleteByDocumentID(ctx context.Context, documentID string) error
}

// Jobs is the slice of the job feature used here.
type Jobs interface {
	Enqueue(ctx context.Context, j *job.Job) error
	ListByDocument(ctx context.Context, documentID string) ([]job.Job, error)
}

type SubmitRequest struct {
	UserID      string          `json:"user_id"`
	SessionID   string          `json:"session_id"`
	ProjectID   string          `json:"project_id"`
	Filename    string          `json:"filename"`
	ContentType string          `json:"content_type"`
	Text        string          `json:"text"`
	Pages       []job.Page      `json:"pages"`
	PageCount   int             `json:"page_count"`
	Tags        []string        `json:"tags"`
	Metadata    json.RawMessage `json:"metadata"`
	Kind        job.Kind        `json:"kind"`
	Priority    int             `json:"priority"`
}

type SubmitResult struct {
	Document *Document `json:"document"`
	JobID    string    `json:"job_id"`
}

// StatusView pairs the document with its most recent job so one call answers
// "how far along is it".
type StatusView struct {
	Document *Document `json:"document"`
	Job      *job.Job  `json:"job,omitempty"`
}

type Service struct {
	repo           Repository
	jobs           Jobs
	vectors        VectorStore
	embeddingModel string
	maxRetries     int
}

func NewService(repo Repository, jobs Jobs, vectors VectorStore, embeddingModel string, maxRetries int) *Service {
	return &Service{repo: repo, jobs: jobs, vectors: vectors, embeddingModel: embeddingModel, maxRetries: maxRetries}
}

// Submit registers the document and enqueues its processing job. The raw
// text travels in the job payload so workers never re-read the upload.
// Per-page submissions keep their page split in the payload so chunk windows
// never span a page boundary.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if req.Filename == "" {
		return nil, fmt.Errorf("filename is required")
	}
	text := req.Text
	if strings.TrimSpace(text) == "" && len(req.Pages) > 0 {
		parts := make([]string, 0, len(req.Pages))
		for _, p := range req.Pages {
			parts = append(parts, p.Text)
		}
		text = strings.Join(parts, "\n\n")
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyDocument
	}
	pageCount := req.PageCount
	if pageCount == 0 {
		pageCount = len(req.Pages)
	}
	kind := req.Kind
	if kind == "" {
		kind = job.KindFullPipeline
	}

	hash := fmt.Sprintf("%x", sha256.Sum256([]byte(text)))
	exists, err := s.repo.ExistsByHash(ctx, req.UserID, hash)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrDuplicate
	}

	doc := &Document{
		UserID:         req.UserID,
		SessionID:      req.SessionID,
		ProjectID:      req.ProjectID,
		Filename:       req.Filename,
		ContentType:    req.ContentType,
		SizeBytes:      int64(len(text)),
		ContentHash:    hash,
		PageCount:      pageCount,
		EmbeddingModel: s.embeddingModel,
		Tags:           req.Tags,
		Metadata:       req.Metadata,
	}
	if err := s.repo.Save(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to save document: %w", err)
	}

	payload, _ := json.Marshal(job.PayloadData{Text: text, Pages: req.Pages, EmbeddingModel: s.embeddingModel})
	j := &job.Job{
		DocumentID: doc.ID,
		UserID:     req.UserID,
		Kind:       kind,
		Priority:   req.Priority,
		Payload:    payload,
		MaxRetries: s.maxRetries,
	}
	if err := s.jobs.Enqueue(ctx, j); err != nil {
		// Take the document back out so no jobless pending row is left
		// behind; workers would never pick it up.
		if _, derr := s.repo.Delete(ctx, doc.ID); derr != nil {
			slog.ErrorContext(ctx, "failed to remove document after enqueue failure",
				"document_id", doc.ID, "error", derr)
		}
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	slog.InfoContext(ctx, "document submitted",
		"document_id", doc.ID, "job_id", j.ID, "kind", kind, "size_bytes", doc.SizeBytes)
	return &SubmitResult{Document: doc, JobID: j.ID}, nil
}

// Reprocess enqueues a re-embedding job against an existing document. The
// job re-reads the stored chunk rows, so the document must already be
// chunked; this is how embedding-only jobs enter the queue (model upgrades,
// vector backfills).
func (s *Service) Reprocess(ctx context.Context, documentID string, priority int) (*SubmitResult, error) {
	doc, err := s.repo.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}
	count, err := s.repo.CountChunks(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, ErrNoChunks
	}
	existing, err := s.jobs.ListByDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	for _, ej := range existing {
		if !ej.Status.Terminal() {
			return nil, ErrJobActive
		}
	}

	payload, _ := json.Marshal(job.PayloadData{EmbeddingModel: s.embeddingModel})
	j := &job.Job{
		DocumentID: doc.ID,
		UserID:     doc.UserID,
		Kind:       job.KindEmbedding,
		Priority:   priority,
		Payload:    payload,
		MaxRetries: s.maxRetries,
	}
	if err := s.jobs.Enqueue(ctx, j); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	slog.InfoContext(ctx, "document reprocess requested",
		"document_id", doc.ID, "job_id", j.ID, "chunks", count)
	return &SubmitResult{Document: doc, JobID: j.ID}, nil
}

// Status returns the document together with its latest job.
func (s *Service) Status(ctx context.Context, id string) (*StatusView, error) {
	doc, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	view := &StatusView{Document: doc}
	jobs, err := s.jobs.ListByDocument(ctx, id)
	if err != nil {
		slog.WarnContext(ctx, "failed to load jobs for document", "document_id", id, "error", err)
		return view, nil
	}
	if len(jobs) > 0 {
		view.Job = &jobs[0]
	}
	return view, nil
}

func (s *Service) Chunks(ctx context.Context, id string, limit, offset int) ([]Chunk, int, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, 0, err
	}
	chunks, err := s.repo.GetChunks(ctx, id, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.repo.CountChunks(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	return chunks, total, nil
}

// Delete removes the document everywhere: vectors first, then the relational
// rows. A vector store failure aborts the delete so nothing is left behind
// half-removed.
func (s *Service) Delete(ctx context.Context, id string) (int, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return 0, err
	}
	if err := s.vectors.DeleteByDocumentID(ctx, id); err != nil {
		return 0, fmt.Errorf("failed to delete vectors: %w", err)
	}
	count, err := s.repo.Delete(ctx, id)
	if err != nil {
		return 0, err
	}
	slog.InfoContext(ctx, "document deleted", "document_id", id, "chunks_removed", count)
	return count, nil
}

func (s *Service) List(ctx context.Context, userID string) ([]Document, error) {
	return s.repo.List(ctx, userID)
}
