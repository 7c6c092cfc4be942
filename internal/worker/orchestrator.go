package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"docvec/features/document"
	"docvec/features/job"
	"docvec/internal/chunker"
	"docvec/internal/embedding"
)

// ErrCancelled stops a pipeline between stages once the job's row has been
// moved to cancelled.
var ErrCancelled = errors.New("job cancelled")

// Stage progress values. Embedding interpolates between its start and end as
// batches complete, so progress only ever moves forward.
const (
	progressChunked    = 25
	progressEmbedStart = 50
	progressEmbedEnd   = 90
	progressPersisted  = 90
)

type JobStore interface {
	ClaimNext(ctx context.Context) (*job.Job, error)
	Claim(ctx context.Context, id string) (*job.Job, error)
	UpdateProgress(ctx context.Context, id string, progress int, message string) error
	RequeueForRetry(ctx context.Context, id string, message string) (bool, error)
	Fail(ctx context.Context, j *job.Job, message string) error
	IsCancelled(ctx context.Context, id string) (bool, error)
	Complete(ctx context.Context, j *job.Job, c job.Completion) error
}

type DocumentStore interface {
	Get(ctx context.Context, id string) (*document.Document, error)
	UpdateStatus(ctx context.Context, id string, status document.Status) error
	ReplaceChunks(ctx context.Context, documentID string, chunks []document.Chunk) error
	GetChunks(ctx context.Context, documentID string, limit, offset int) ([]document.Chunk, error)
	UpdateChunkModels(ctx context.Context, documentID, model string) error
}

// Orchestrator runs one claimed job through its pipeline stages.
type Orchestrator struct {
	jobs     JobStore
	docs     DocumentStore
	vectors  VectorStore
	embedder Embedder
	chunkCfg chunker.Config
	model    string
}

func NewOrchestrator(jobs JobStore, docs DocumentStore, vectors VectorStore, embedder Embedder, chunkCfg chunker.Config, model string) *Orchestrator {
	return &Orchestrator{
		jobs:     jobs,
		docs:     docs,
		vectors:  vectors,
		embedder: embedder,
		chunkCfg: chunkCfg,
		model:    model,
	}
}

// Process runs the claimed job to a terminal state. Transient failures send
// the job back to pending while its retry budget lasts; permanent failures
// and an exhausted budget fail it for good. The returned error is nil in all
// of those cases because the job's row already records the outcome.
func (o *Orchestrator) Process(ctx context.Context, j *job.Job) error {
	started := time.Now()
	callsBefore := o.embedder.Calls()
	slog.InfoContext(ctx, "processing job",
		"job_id", j.ID, "document_id", j.DocumentID, "kind", j.Kind, "attempt", j.RetryCount+1)

	if err := o.docs.UpdateStatus(ctx, j.DocumentID, document.StatusProcessing); err != nil {
		return o.handleFailure(ctx, j, fmt.Errorf("failed to mark document processing: %w", err))
	}

	completion, err := o.run(ctx, j)
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			slog.InfoContext(ctx, "job cancelled mid-pipeline", "job_id", j.ID)
			// Cancellation is not a failure: the in-flight results are
			// discarded and the document returns to pending so a later job
			// can pick it up.
			if err := o.docs.UpdateStatus(ctx, j.DocumentID, document.StatusPending); err != nil {
				slog.ErrorContext(ctx, "failed to reset document after cancellation",
					"job_id", j.ID, "document_id", j.DocumentID, "error", err)
			}
			return nil
		}
		return o.handleFailure(ctx, j, err)
	}

	completion.ProcessingTime = time.Since(started)
	completion.APICalls = o.embedder.Calls() - callsBefore
	if err := o.jobs.Complete(ctx, j, *completion); err != nil {
		return o.handleFailure(ctx, j, fmt.Errorf("failed to complete job: %w", err))
	}

	slog.InfoContext(ctx, "job completed",
		"job_id", j.ID, "document_id", j.DocumentID,
		"chunks", completion.ChunkCount, "duration_ms", completion.ProcessingTime.Milliseconds())
	return nil
}

func (o *Orchestrator) run(ctx context.Context, j *job.Job) (*job.Completion, error) {
	var payload job.PayloadData
	if len(j.Payload) > 0 {
		if err := json.Unmarshal(j.Payload, &payload); err != nil {
			return nil, &embedding.ProviderError{
				Class:   embedding.FailurePermanent,
				Message: "job payload is not valid JSON",
				Err:     err,
			}
		}
	}

	switch j.Kind {
	case job.KindExtraction:
		return o.runExtraction(ctx, j, payload.Text)
	case job.KindChunking:
		return o.runChunking(ctx, j, payload)
	case job.KindEmbedding:
		return o.runEmbedding(ctx, j)
	case job.KindFullPipeline:
		return o.runFullPipeline(ctx, j, payload)
	default:
		return nil, &embedding.ProviderError{
			Class:   embedding.FailurePermanent,
			Message: fmt.Sprintf("unknown job kind %q", j.Kind),
		}
	}
}

// runExtraction normalizes the raw text. It is the cheap front half of the
// pipeline, used when callers want the text cleaned before deciding how to
// chunk it.
func (o *Orchestrator) runExtraction(ctx context.Context, j *job.Job, text string) (*job.Completion, error) {
	normalized := chunker.Normalize(text)
	if normalized == "" {
		return nil, &embedding.ProviderError{Class: embedding.FailurePermanent, Message: "document has no text content"}
	}
	if err := o.jobs.UpdateProgress(ctx, j.ID, progressChunked, "text extracted"); err != nil {
		return nil, err
	}
	return &job.Completion{BytesProcessed: int64(len(text))}, nil
}

func (o *Orchestrator) runChunking(ctx context.Context, j *job.Job, payload job.PayloadData) (*job.Completion, error) {
	rows, _, err := o.chunkStage(ctx, j, payload)
	if err != nil {
		return nil, err
	}
	if err := o.docs.ReplaceChunks(ctx, j.DocumentID, rows); err != nil {
		return nil, fmt.Errorf("failed to persist chunks: %w", err)
	}
	if err := o.jobs.UpdateProgress(ctx, j.ID, progressPersisted, "chunks persisted"); err != nil {
		return nil, err
	}
	return &job.Completion{
		ChunkCount:     len(rows),
		TotalTokens:    totalTokens(rows),
		BytesProcessed: payloadBytes(payload),
	}, nil
}

// runEmbedding re-embeds the document's existing chunk rows, for model
// upgrades. Chunk rows are reused; only the vectors and the model stamp
// change.
func (o *Orchestrator) runEmbedding(ctx context.Context, j *job.Job) (*job.Completion, error) {
	doc, err := o.docs.Get(ctx, j.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	rows, err := o.allChunks(ctx, j.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}
	if len(rows) == 0 {
		return nil, &embedding.ProviderError{Class: embedding.FailurePermanent, Message: "document has no chunks to embed"}
	}
	if err := o.jobs.UpdateProgress(ctx, j.ID, progressChunked, "chunks loaded"); err != nil {
		return nil, err
	}

	vectors, err := o.embedStage(ctx, j, chunkTexts(rows))
	if err != nil {
		return nil, err
	}

	if err := o.vectors.DeleteByDocumentID(ctx, j.DocumentID); err != nil {
		return nil, fmt.Errorf("failed to clear old vectors: %w", err)
	}
	if err := o.persistVectors(ctx, j, doc, rows, vectors); err != nil {
		return nil, err
	}
	if err := o.docs.UpdateChunkModels(ctx, j.DocumentID, o.model); err != nil {
		return nil, fmt.Errorf("failed to stamp chunk models: %w", err)
	}
	if err := o.jobs.UpdateProgress(ctx, j.ID, progressPersisted, "vectors persisted"); err != nil {
		return nil, err
	}
	return &job.Completion{
		ChunkCount:        len(rows),
		TotalTokens:       totalTokens(rows),
		EmbeddingsCreated: len(vectors),
	}, nil
}

func (o *Orchestrator) runFullPipeline(ctx context.Context, j *job.Job, payload job.PayloadData) (*job.Completion, error) {
	doc, err := o.docs.Get(ctx, j.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	rows, pieces, err := o.chunkStage(ctx, j, payload)
	if err != nil {
		return nil, err
	}

	vectors, err := o.embedStage(ctx, j, pieceTexts(pieces))
	if err != nil {
		return nil, err
	}

	if cancelled, err := o.checkCancelled(ctx, j.ID); err != nil || cancelled {
		if cancelled {
			return nil, ErrCancelled
		}
		return nil, err
	}

	// Chunk rows land before vectors so a vector store failure retries
	// against a consistent relational state. ReplaceChunks makes the rerun
	// idempotent on the Postgres side; DeleteByDocumentID does the same for
	// the index.
	if err := o.docs.ReplaceChunks(ctx, j.DocumentID, rows); err != nil {
		return nil, fmt.Errorf("failed to persist chunks: %w", err)
	}
	if err := o.vectors.DeleteByDocumentID(ctx, j.DocumentID); err != nil {
		return nil, fmt.Errorf("failed to clear old vectors: %w", err)
	}
	if err := o.persistVectors(ctx, j, doc, rows, vectors); err != nil {
		return nil, err
	}
	if err := o.jobs.UpdateProgress(ctx, j.ID, progressPersisted, "vectors persisted"); err != nil {
		return nil, err
	}

	return &job.Completion{
		ChunkCount:        len(rows),
		TotalTokens:       totalTokens(rows),
		EmbeddingsCreated: len(vectors),
		BytesProcessed:    payloadBytes(payload),
	}, nil
}

// chunkStage normalizes and chunks the payload text, reporting the chunked
// progress milestone. Per-page payloads go through the page-aware chunker so
// no window spans a page boundary and every row carries its page number.
// Cancellation is observed before the stage starts.
func (o *Orchestrator) chunkStage(ctx context.Context, j *job.Job, payload job.PayloadData) ([]document.Chunk, []chunker.Piece, error) {
	if cancelled, err := o.checkCancelled(ctx, j.ID); err != nil || cancelled {
		if cancelled {
			return nil, nil, ErrCancelled
		}
		return nil, nil, err
	}

	var pieces []chunker.Piece
	var err error
	if len(payload.Pages) > 0 {
		pages := make([]chunker.Page, 0, len(payload.Pages))
		for _, p := range payload.Pages {
			pages = append(pages, chunker.Page{Number: p.Number, Text: chunker.Normalize(p.Text)})
		}
		pieces, err = chunker.ChunkPages(pages, o.chunkCfg)
	} else {
		pieces, err = chunker.Chunk(chunker.Normalize(payload.Text), o.chunkCfg)
	}
	if err != nil {
		return nil, nil, &embedding.ProviderError{Class: embedding.FailurePermanent, Message: "chunking failed", Err: err}
	}
	if len(pieces) == 0 {
		return nil, nil, &embedding.ProviderError{Class: embedding.FailurePermanent, Message: "document has no text content"}
	}

	rows := make([]document.Chunk, 0, len(pieces))
	for _, p := range pieces {
		rows = append(rows, document.Chunk{
			DocumentID:   j.DocumentID,
			ChunkIndex:   p.Index,
			TextContent:  p.Text,
			ChunkSize:    len(p.Text),
			TokenCount:   p.TokenCount,
			PageNumber:   p.PageNumber,
			StartChar:    p.StartChar,
			EndChar:      p.EndChar,
			OverlapStart: p.OverlapStart,
			OverlapEnd:   p.OverlapEnd,
			Model:        o.model,
		})
	}

	if err := o.jobs.UpdateProgress(ctx, j.ID, progressChunked,
		fmt.Sprintf("chunked into %d pieces", len(rows))); err != nil {
		return nil, nil, err
	}
	return rows, pieces, nil
}

// embedStage runs the batcher with a checkpoint that advances progress and
// observes cancellation before every provider batch.
func (o *Orchestrator) embedStage(ctx context.Context, j *job.Job, texts []string) ([][]float32, error) {
	checkpoint := func(batchesDone, batchesTotal int) error {
		cancelled, err := o.jobs.IsCancelled(ctx, j.ID)
		if err != nil {
			return err
		}
		if cancelled {
			return ErrCancelled
		}
		progress := progressEmbedStart
		if batchesTotal > 0 {
			progress += (progressEmbedEnd - progressEmbedStart) * batchesDone / batchesTotal
		}
		return o.jobs.UpdateProgress(ctx, j.ID, progress,
			fmt.Sprintf("embedding batch %d of %d", batchesDone+1, batchesTotal))
	}

	vectors, err := o.embedder.Embed(ctx, texts, checkpoint)
	if err != nil {
		return nil, err
	}
	return vectors, nil
}

// persistVectors writes the embedded chunks to the vector store. The
// document's session and project ids ride along on every vector; scoped
// search filters on them, so missing scope would make the chunks invisible
// to session- and project-bound queries.
func (o *Orchestrator) persistVectors(ctx context.Context, j *job.Job, doc *document.Document, rows []document.Chunk, vectors [][]float32) error {
	if len(rows) != len(vectors) {
		return &embedding.ProviderError{
			Class:   embedding.FailurePermanent,
			Message: fmt.Sprintf("have %d chunks but %d vectors", len(rows), len(vectors)),
			Err:     embedding.ErrCountMismatch,
		}
	}

	chunks := make([]Chunk, 0, len(rows))
	for i, row := range rows {
		chunks = append(chunks, Chunk{
			DocumentID:     j.DocumentID,
			UserID:         j.UserID,
			SessionID:      doc.SessionID,
			ProjectID:      doc.ProjectID,
			ChunkIndex:     row.ChunkIndex,
			Content:        row.TextContent,
			PageNumber:     row.PageNumber,
			Vector:         vectors[i],
			EmbeddingModel: o.model,
		})
	}
	if err := o.vectors.StoreChunkBatch(ctx, chunks); err != nil {
		return fmt.Errorf("failed to store vectors: %w", err)
	}
	return nil
}

// allChunks pages through the document's chunk rows so re-embedding is not
// capped by the repo's page size.
func (o *Orchestrator) allChunks(ctx context.Context, documentID string) ([]document.Chunk, error) {
	const pageSize = 500
	var rows []document.Chunk
	for offset := 0; ; offset += pageSize {
		page, err := o.docs.GetChunks(ctx, documentID, pageSize, offset)
		if err != nil {
			return nil, err
		}
		rows = append(rows, page...)
		if len(page) < pageSize {
			return rows, nil
		}
	}
}

func (o *Orchestrator) checkCancelled(ctx context.Context, jobID string) (bool, error) {
	cancelled, err := o.jobs.IsCancelled(ctx, jobID)
	if err != nil {
		return false, err
	}
	return cancelled, nil
}

// handleFailure routes a stage error by its failure class. Transient errors
// consume one retry and requeue; permanent errors and a spent budget fail
// the job terminally.
func (o *Orchestrator) handleFailure(ctx context.Context, j *job.Job, stageErr error) error {
	if errors.Is(stageErr, ErrCancelled) {
		return nil
	}

	class := embedding.Classify(stageErr)
	if class == embedding.FailurePermanent {
		slog.ErrorContext(ctx, "job failed permanently",
			"job_id", j.ID, "document_id", j.DocumentID, "error", stageErr)
		return o.jobs.Fail(ctx, j, stageErr.Error())
	}

	requeued, err := o.jobs.RequeueForRetry(ctx, j.ID, stageErr.Error())
	if err != nil {
		return err
	}
	if !requeued {
		slog.ErrorContext(ctx, "job failed after exhausting retries",
			"job_id", j.ID, "document_id", j.DocumentID, "retries", j.MaxRetries, "error", stageErr)
		return o.jobs.Fail(ctx, j, fmt.Sprintf("retries exhausted: %s", stageErr.Error()))
	}

	slog.WarnContext(ctx, "job requeued after transient failure",
		"job_id", j.ID, "document_id", j.DocumentID, "attempt", j.RetryCount+1, "error", stageErr)
	return nil
}

func payloadBytes(payload job.PayloadData) int64 {
	n := int64(len(payload.Text))
	for _, p := range payload.Pages {
		n += int64(len(p.Text))
	}
	return n
}

func totalTokens(rows []document.Chunk) int {
	total := 0
	for _, r := range rows {
		total += r.TokenCount
	}
	return total
}

func chunkTexts(rows []document.Chunk) []string {
	texts := make([]string, len(rows))
	for i, r := range rows {
		texts[i] = r.TextContent
	}
	return texts
}

func pieceTexts(pieces []chunker.Piece) []string {
	texts := make([]string, len(pieces))
	for i, p := range pieces {
		texts[i] = p.Text
	}
	return texts
}
