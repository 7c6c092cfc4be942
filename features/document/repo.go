package document

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
)

type Repository interface {
	Save(ctx context.Context, doc *Document) error
	Get(ctx context.Context, id string) (*Document, error)
	List(ctx context.Context, userID string) ([]Document, error)
	ExistsByHash(ctx context.Context, userID, hash string) (bool, error)
	UpdateStatus(ctx context.Context, id string, status Status) error
	Delete(ctx context.Context, id string) (int, error)
	ReplaceChunks(ctx context.Context, documentID string, chunks []Chunk) error
	GetChunks(ctx context.Context, documentID string, limit, offset int) ([]Chunk, error)
	CountChunks(ctx context.Context, documentID string) (int, error)
	UpdateChunkModels(ctx context.Context, documentID, model string) error
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Save(ctx context.Context, doc *Document) error {
	metadata := doc.Metadata
	if metadata == nil {
		metadata = json.RawMessage(`{}`)
	}
	tags := doc.Tags
	if tags == nil {
		tags = []string{}
	}
	query := `INSERT INTO documents
		(user_id, session_id, project_id, filename, content_type, size_bytes, content_hash, status, embedding_model, page_count, tags, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', $8, $9, $10, $11)
		RETURNING id, status, created_at, updated_at`
	return r.db.QueryRowContext(ctx, query,
		doc.UserID, doc.SessionID, doc.ProjectID, doc.Filename, doc.ContentType,
		doc.SizeBytes, doc.ContentHash, doc.EmbeddingModel, doc.PageCount,
		pq.Array(tags), []byte(metadata)).
		Scan(&doc.ID, &doc.Status, &doc.CreatedAt, &doc.UpdatedAt)
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*Document, error) {
	doc := &Document{}
	var metadata []byte
	var errMsg sql.NullString
	var processedAt sql.NullTime
	query := `SELECT id, user_id, session_id, project_id, filename, content_type, size_bytes,
			content_hash, status, page_count, chunk_count, total_tokens, embedding_model,
			error_message, tags, metadata, created_at, updated_at, processed_at
		FROM documents WHERE id = $1`
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&doc.ID, &doc.UserID, &doc.SessionID, &doc.ProjectID, &doc.Filename, &doc.ContentType,
		&doc.SizeBytes, &doc.ContentHash, &doc.Status, &doc.PageCount, &doc.ChunkCount,
		&doc.TotalTokens, &doc.EmbeddingModel, &errMsg, pq.Array(&doc.Tags), &metadata,
		&doc.CreatedAt, &doc.UpdatedAt, &processedAt)
	if err != nil {
		return nil, err
	}
	doc.ErrorMessage = errMsg.String
	doc.Metadata = json.RawMessage(metadata)
	if processedAt.Valid {
		doc.ProcessedAt = &processedAt.Time
	}
	return doc, nil
}

func (r *PostgresRepo) List(ctx context.Context, userID string) ([]Document, error) {
	query := `SELECT id, user_id, filename, status, chunk_count, total_tokens, created_at, updated_at
		FROM documents WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.UserID, &d.Filename, &d.Status, &d.ChunkCount,
			&d.TotalTokens, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (r *PostgresRepo) ExistsByHash(ctx context.Context, userID, hash string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM documents WHERE user_id = $1 AND content_hash = $2 AND status != 'failed')`
	err := r.db.QueryRowContext(ctx, query, userID, hash).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (r *PostgresRepo) UpdateStatus(ctx context.Context, id string, status Status) error {
	query := `UPDATE documents SET status = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.db.ExecContext(ctx, query, status, id)
	return err
}

// Delete removes the document row. Chunk rows and jobs go with it through
// the foreign key cascade. Returns how many chunk rows were attached so the
// caller can report what was cleaned up.
func (r *PostgresRepo) Delete(ctx context.Context, id string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM document_chunks WHERE document_id = $1`, id).Scan(&count)
	if err != nil {
		return 0, err
	}

	res, err := r.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, sql.ErrNoRows
	}
	return count, nil
}

// ReplaceChunks swaps the document's chunk rows for a fresh set in one
// transaction. A retried job therefore overwrites its own partial output
// instead of tripping the (document_id, chunk_index) uniqueness constraint.
func (r *PostgresRepo) ReplaceChunks(ctx context.Context, documentID string, chunks []Chunk) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM document_chunks WHERE document_id = $1`, documentID); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO document_chunks
		(document_id, chunk_index, text_content, chunk_size, token_count, page_number,
		 start_char, end_char, overlap_start, overlap_end, embedding_model, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range chunks {
		meta := c.Metadata
		if meta == nil {
			meta = json.RawMessage(`{}`)
		}
		if _, err := stmt.ExecContext(ctx, documentID, c.ChunkIndex, c.TextContent,
			c.ChunkSize, c.TokenCount, c.PageNumber, c.StartChar, c.EndChar,
			c.OverlapStart, c.OverlapEnd, c.Model, []byte(meta)); err != nil {
			return fmt.Errorf("failed to insert chunk %d: %w", c.ChunkIndex, err)
		}
	}
	return tx.Commit()
}

func (r *PostgresRepo) GetChunks(ctx context.Context, documentID string, limit, offset int) ([]Chunk, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, document_id, chunk_index, text_content, chunk_size, token_count,
			page_number, start_char, end_char, overlap_start, overlap_end, embedding_model,
			metadata, created_at
		FROM document_chunks WHERE document_id = $1
		ORDER BY chunk_index ASC LIMIT $2 OFFSET $3`
	rows, err := r.db.QueryContext(ctx, query, documentID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var model sql.NullString
		var metadata []byte
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.TextContent, &c.ChunkSize,
			&c.TokenCount, &c.PageNumber, &c.StartChar, &c.EndChar,
			&c.OverlapStart, &c.OverlapEnd, &model, &metadata, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Model = model.String
		c.Metadata = json.RawMessage(metadata)
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (r *PostgresRepo) CountChunks(ctx context.Context, documentID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM document_chunks WHERE document_id = $1`, documentID).Scan(&count)
	return count, err
}

// UpdateChunkModels stamps every chunk row with the model that produced its
// current vector, used by re-embedding jobs.
func (r *PostgresRepo) UpdateChunkModels(ctx context.Context, documentID, model string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE document_chunks SET embedding_model = $2 WHERE document_id = $1`,
		documentID, model)
	return err
}
