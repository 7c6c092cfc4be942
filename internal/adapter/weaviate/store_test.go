package weaviate_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	adapter "docvec/internal/adapter/weaviate"
	"docvec/internal/search"
	"docvec/internal/worker"
)

func mockWeaviate(t *testing.T, handler http.HandlerFunc) (*weaviate.Client, *httptest.Server) {
	ts := httptest.NewServer(handler)
	cfg := weaviate.Config{Host: ts.Listener.Addr().String(), Scheme: "http"}
	client, err := weaviate.NewClient(cfg)
	assert.NoError(t, err)
	return client, ts
}

func metaOK(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"version": "1.19.0"}`))
}

func TestStore_StoreChunkBatch(t *testing.T) {
	client, ts := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/meta" {
			metaOK(w)
			return
		}
		assert.Equal(t, "/v1/batch/objects", r.URL.Path)
		assert.Equal(t, "POST", r.Method)

		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		objects := body["objects"].([]interface{})
		assert.Len(t, objects, 2)
		first := objects[0].(map[string]interface{})
		props := first["properties"].(map[string]interface{})
		assert.Equal(t, "first chunk", props["content"])
		assert.Equal(t, "doc-1", props["documentId"])

		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode([]interface{}{
			map[string]interface{}{"id": "1"},
			map[string]interface{}{"id": "2"},
		})
	})
	defer ts.Close()

	store := adapter.NewStore(client, 2)
	chunks := []worker.Chunk{
		{DocumentID: "doc-1", UserID: "u1", ChunkIndex: 0, Content: "first chunk", Vector: []float32{0.1, 0.2}},
		{DocumentID: "doc-1", UserID: "u1", ChunkIndex: 1, Content: "second chunk", Vector: []float32{0.3, 0.4}},
	}
	err := store.StoreChunkBatch(context.Background(), chunks)
	assert.NoError(t, err)
}

func TestStore_StoreChunkBatch_RejectsWrongDimension(t *testing.T) {
	client, ts := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/meta" {
			metaOK(w)
			return
		}
		t.Errorf("no write should reach the server, got %s %s", r.Method, r.URL.Path)
	})
	defer ts.Close()

	store := adapter.NewStore(client, 3)
	err := store.StoreChunkBatch(context.Background(), []worker.Chunk{
		{DocumentID: "doc-1", ChunkIndex: 0, Content: "bad", Vector: []float32{0.1, 0.2}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimensions")
}

func TestStore_DeleteByDocumentID(t *testing.T) {
	client, ts := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/meta" {
			metaOK(w)
			return
		}
		assert.Equal(t, "/v1/batch/objects", r.URL.Path)
		assert.Equal(t, "DELETE", r.Method)
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{})
	})
	defer ts.Close()

	store := adapter.NewStore(client, 2)
	err := store.DeleteByDocumentID(context.Background(), "doc-1")
	assert.NoError(t, err)
}

func TestStore_Search(t *testing.T) {
	client, ts := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/meta" {
			metaOK(w)
			return
		}
		assert.Equal(t, "/v1/graphql", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		resp := map[string]interface{}{
			"data": map[string]interface{}{
				"Get": map[string]interface{}{
					"DocumentChunk": []interface{}{
						map[string]interface{}{
							"content":    "weaker hit",
							"documentId": "doc-2",
							"chunkIndex": 4.0,
							"_additional": map[string]interface{}{
								"distance": 0.3,
							},
						},
						map[string]interface{}{
							"content":    "best hit",
							"documentId": "doc-1",
							"chunkIndex": 2.0,
							"pageNumber": 1.0,
							"_additional": map[string]interface{}{
								"distance": 0.05,
							},
						},
					},
				},
			},
		}
		json.NewEncoder(w).Encode(resp)
	})
	defer ts.Close()

	store := adapter.NewStore(client, 2)
	results, err := store.Search(context.Background(), search.Query{
		Vector:    []float32{0.1, 0.2},
		TopK:      10,
		Threshold: 0.5,
		Scope:     search.Scope{UserID: "u1"},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	// Ordered by similarity descending regardless of response order.
	assert.Equal(t, "best hit", results[0].Content)
	assert.Equal(t, "doc-1", results[0].DocumentID)
	assert.Equal(t, 2, results[0].ChunkIndex)
	assert.Equal(t, 1, results[0].PageNumber)
	assert.InDelta(t, 0.95, results[0].Similarity, 1e-6)
	assert.Equal(t, "doc-2", results[1].DocumentID)
	assert.InDelta(t, 0.7, results[1].Similarity, 1e-6)
}

func TestStore_Search_RejectsWrongQueryDimension(t *testing.T) {
	client, ts := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/meta" {
			metaOK(w)
			return
		}
		t.Errorf("no query should reach the server, got %s", r.URL.Path)
	})
	defer ts.Close()

	store := adapter.NewStore(client, 3)
	_, err := store.Search(context.Background(), search.Query{Vector: []float32{0.1}, TopK: 5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimensions")
}

func TestStore_GetChunkVectors(t *testing.T) {
	client, ts := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/meta" {
			metaOK(w)
			return
		}
		assert.Equal(t, "/v1/graphql", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		resp := map[string]interface{}{
			"data": map[string]interface{}{
				"Get": map[string]interface{}{
					"DocumentChunk": []interface{}{
						map[string]interface{}{
							"documentId": "doc-1",
							"chunkIndex": 1.0,
							"_additional": map[string]interface{}{
								"vector": []interface{}{0.3, 0.4},
							},
						},
						map[string]interface{}{
							"documentId": "doc-1",
							"chunkIndex": 0.0,
							"_additional": map[string]interface{}{
								"vector": []interface{}{0.1, 0.2},
							},
						},
					},
				},
			},
		}
		json.NewEncoder(w).Encode(resp)
	})
	defer ts.Close()

	store := adapter.NewStore(client, 2)
	candidates, err := store.GetChunkVectors(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, 0, candidates[0].ChunkIndex)
	assert.Equal(t, []float32{0.1, 0.2}, candidates[0].Vector)
	assert.Equal(t, 1, candidates[1].ChunkIndex)
}

func TestStore_CountChunks(t *testing.T) {
	client, ts := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/meta" {
			metaOK(w)
			return
		}
		assert.Equal(t, "/v1/graphql", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		resp := map[string]interface{}{
			"data": map[string]interface{}{
				"Aggregate": map[string]interface{}{
					"DocumentChunk": []interface{}{
						map[string]interface{}{
							"meta": map[string]interface{}{
								"count": 17.0,
							},
						},
					},
				},
			},
		}
		json.NewEncoder(w).Encode(resp)
	})
	defer ts.Close()

	store := adapter.NewStore(client, 2)
	count, err := store.CountChunks(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 17, count)
}
