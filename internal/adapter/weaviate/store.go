package weaviate

import (
	"context"
	"fmt"
	"sort"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"docvec/internal/search"
	"docvec/internal/vector"
	"docvec/internal/worker"
)

// Store persists chunk vectors in Weaviate and answers similarity queries
// against its HNSW index. Relational chunk metadata lives in Postgres; this
// side holds only what a search needs to return a hit.
type Store struct {
	client    *weaviate.Client
	dimension int
}

func NewStore(client *weaviate.Client, dimension int) *Store {
	return &Store{client: client, dimension: dimension}
}

// StoreChunkBatch writes the chunks in one batch call. Every vector must
// match the configured dimension; a mismatch rejects the whole batch before
// anything is sent.
func (s *Store) StoreChunkBatch(ctx context.Context, chunks []worker.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	objects := make([]*models.Object, 0, len(chunks))
	for _, chunk := range chunks {
		if len(chunk.Vector) != s.dimension {
			return fmt.Errorf("chunk %d of document %s: vector has %d dimensions, index expects %d",
				chunk.ChunkIndex, chunk.DocumentID, len(chunk.Vector), s.dimension)
		}
		objects = append(objects, &models.Object{
			Class: vector.ClassName,
			Properties: map[string]interface{}{
				"content":        chunk.Content,
				"documentId":     chunk.DocumentID,
				"userId":         chunk.UserID,
				"sessionId":      chunk.SessionID,
				"projectId":      chunk.ProjectID,
				"chunkIndex":     chunk.ChunkIndex,
				"pageNumber":     chunk.PageNumber,
				"embeddingModel": chunk.EmbeddingModel,
			},
			Vector: chunk.Vector,
		})
	}

	resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to store chunk batch: %w", err)
	}
	for _, obj := range resp {
		if obj.Result != nil && obj.Result.Errors != nil && len(obj.Result.Errors.Error) > 0 {
			return fmt.Errorf("failed to store chunk object: %s", obj.Result.Errors.Error[0].Message)
		}
	}
	return nil
}

// DeleteByDocumentID removes every stored vector belonging to the document.
func (s *Store) DeleteByDocumentID(ctx context.Context, documentID string) error {
	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(vector.ClassName).
		WithOutput("minimal").
		WithWhere(filters.Where().
			WithPath([]string{"documentId"}).
			WithOperator(filters.Equal).
			WithValueString(documentID)).
		Do(ctx)
	return err
}

// Search runs a nearVector query against the index. The similarity threshold
// maps onto Weaviate's cosine distance (distance = 1 - similarity), and the
// returned hits are ordered by similarity descending with ties broken by
// document id then chunk index.
func (s *Store) Search(ctx context.Context, q search.Query) ([]search.Result, error) {
	if len(q.Vector) != s.dimension {
		return nil, fmt.Errorf("query vector has %d dimensions, index expects %d", len(q.Vector), s.dimension)
	}

	nearVector := s.client.GraphQL().NearVectorArgBuilder().
		WithVector(q.Vector).
		WithDistance(1 - q.Threshold)

	fields := []graphql.Field{
		{Name: "content"},
		{Name: "documentId"},
		{Name: "chunkIndex"},
		{Name: "pageNumber"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "distance"}}},
	}

	query := s.client.GraphQL().Get().
		WithClassName(vector.ClassName).
		WithNearVector(nearVector).
		WithLimit(q.TopK).
		WithFields(fields...)
	if where := scopeFilter(q.Scope); where != nil {
		query = query.WithWhere(where)
	}

	res, err := query.Do(ctx)
	if err != nil {
		return nil, err
	}
	if len(res.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %v", res.Errors)
	}

	var results []search.Result
	for _, props := range objectsOf(res.Data) {
		result := search.Result{}
		if content, ok := props["content"].(string); ok {
			result.Content = content
		}
		if docID, ok := props["documentId"].(string); ok {
			result.DocumentID = docID
		}
		if idx, ok := props["chunkIndex"].(float64); ok {
			result.ChunkIndex = int(idx)
		}
		if page, ok := props["pageNumber"].(float64); ok {
			result.PageNumber = int(page)
		}
		if additional, ok := props["_additional"].(map[string]interface{}); ok {
			if distance, ok := additional["distance"].(float64); ok {
				result.Similarity = float32(1 - distance)
			}
		}
		results = append(results, result)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		if results[i].DocumentID != results[j].DocumentID {
			return results[i].DocumentID < results[j].DocumentID
		}
		return results[i].ChunkIndex < results[j].ChunkIndex
	})
	return results, nil
}

// GetChunkVectors returns every stored vector for a document, for the exact
// brute-force verification path.
func (s *Store) GetChunkVectors(ctx context.Context, documentID string) ([]vector.Candidate, error) {
	fields := []graphql.Field{
		{Name: "documentId"},
		{Name: "chunkIndex"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "vector"}}},
	}

	where := filters.Where().
		WithPath([]string{"documentId"}).
		WithOperator(filters.Equal).
		WithValueString(documentID)

	res, err := s.client.GraphQL().Get().
		WithClassName(vector.ClassName).
		WithWhere(where).
		WithLimit(10000).
		WithFields(fields...).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	if len(res.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %v", res.Errors)
	}

	var candidates []vector.Candidate
	for _, props := range objectsOf(res.Data) {
		candidate := vector.Candidate{}
		if docID, ok := props["documentId"].(string); ok {
			candidate.DocumentID = docID
		}
		if idx, ok := props["chunkIndex"].(float64); ok {
			candidate.ChunkIndex = int(idx)
		}
		if additional, ok := props["_additional"].(map[string]interface{}); ok {
			if raw, ok := additional["vector"].([]interface{}); ok {
				vec := make([]float32, 0, len(raw))
				for _, v := range raw {
					if f, ok := v.(float64); ok {
						vec = append(vec, float32(f))
					}
				}
				candidate.Vector = vec
			}
		}
		candidates = append(candidates, candidate)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].ChunkIndex < candidates[j].ChunkIndex
	})
	return candidates, nil
}

// CountChunks returns the number of stored vectors for a document.
func (s *Store) CountChunks(ctx context.Context, documentID string) (int, error) {
	where := filters.Where().
		WithPath([]string{"documentId"}).
		WithOperator(filters.Equal).
		WithValueString(documentID)

	res, err := s.client.GraphQL().Aggregate().
		WithClassName(vector.ClassName).
		WithWhere(where).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, err
	}
	if len(res.Errors) > 0 {
		return 0, fmt.Errorf("graphql error: %v", res.Errors)
	}

	if data, ok := res.Data["Aggregate"].(map[string]interface{}); ok {
		if rows, ok := data[vector.ClassName].([]interface{}); ok && len(rows) > 0 {
			if row, ok := rows[0].(map[string]interface{}); ok {
				if meta, ok := row["meta"].(map[string]interface{}); ok {
					if count, ok := meta["count"].(float64); ok {
						return int(count), nil
					}
				}
			}
		}
	}
	return 0, nil
}

// scopeFilter builds the where clause for the scope's populated fields, nil
// when nothing is filtered on.
func scopeFilter(scope search.Scope) *filters.WhereBuilder {
	var operands []*filters.WhereBuilder
	if scope.UserID != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"userId"}).
			WithOperator(filters.Equal).
			WithValueString(scope.UserID))
	}
	if scope.SessionID != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"sessionId"}).
			WithOperator(filters.Equal).
			WithValueString(scope.SessionID))
	}
	if scope.ProjectID != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"projectId"}).
			WithOperator(filters.Equal).
			WithValueString(scope.ProjectID))
	}
	if len(scope.DocumentIDs) > 0 {
		var docs []*filters.WhereBuilder
		for _, id := range scope.DocumentIDs {
			docs = append(docs, filters.Where().
				WithPath([]string{"documentId"}).
				WithOperator(filters.Equal).
				WithValueString(id))
		}
		if len(docs) == 1 {
			operands = append(operands, docs[0])
		} else {
			operands = append(operands, filters.Where().
				WithOperator(filters.Or).
				WithOperands(docs))
		}
	}

	switch len(operands) {
	case 0:
		return nil
	case 1:
		return operands[0]
	default:
		return filters.Where().
			WithOperator(filters.And).
			WithOperands(operands)
	}
}

// objectsOf unwraps the Get response down to the class's property maps.
func objectsOf(data map[string]models.JSONObject) []map[string]interface{} {
	var out []map[string]interface{}
	if get, ok := data["Get"].(map[string]interface{}); ok {
		if rows, ok := get[vector.ClassName].([]interface{}); ok {
			for _, row := range rows {
				if props, ok := row.(map[string]interface{}); ok {
					out = append(out, props)
				}
			}
		}
	}
	return out
}
