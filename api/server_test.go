package api

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fabfab/rag-backend/evaluation"
	"github.com/fabfab/rag-backend/llm"
	"github.com/fabfab/rag-backend/models"
	"github.com/fabfab/rag-backend/search"
	"github.com/fabfab/rag-backend/store"
)

type fixedEmbedder struct {
	vector []float32
}

func (f fixedEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = f.vector
	}
	return vectors, nil
}

type yesJudge struct{}

func (yesJudge) Generate(_ context.Context, messages []llm.Message) (string, error) {
	if len(messages) > 0 && strings.Contains(messages[0].Content, "number") {
		return "9", nil
	}
	return "YES", nil
}

func newTestServer(t *testing.T) (*Server, *store.MemoryStore) {
	t.Helper()

	logger := log.New(io.Discard, "", 0)
	chunks := store.NewMemoryStore(2)

	docID := "doc-1"
	for i, item := range []struct {
		id        string
		embedding []float32
	}{
		{"c1", []float32{1, 0}},
		{"c2", []float32{0, 1}},
	} {
		err := chunks.Insert(context.Background(), models.DocumentChunk{
			ChunkID: item.id,
			Content: "content " + item.id,
			Metadata: models.DocumentMetadata{
				SourceFile: "doc1.md",
				DocumentID: &docID,
				ChunkIndex: i,
			},
			Embedding: item.embedding,
		})
		if err != nil {
			t.Fatalf("seed chunk %s: %v", item.id, err)
		}
	}

	retriever := search.NewRetriever(chunks, fixedEmbedder{vector: []float32{1, 0}}, 10, time.Second)
	searcher := search.NewService(retriever, nil, nil, logger)
	engine := evaluation.NewEngine(logger,
		evaluation.NewRagasAdapter(fixedEmbedder{vector: []float32{1, 0}}, yesJudge{}),
	)

	return New(searcher, engine, nil, chunks, logger), chunks
}

func TestSearchEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	body := strings.NewReader(`{"query": "what is this?", "use_reranker": false}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/search", body)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp models.SearchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Query != "what is this?" {
		t.Fatalf("query not echoed: %q", resp.Query)
	}
	if resp.Total != 2 || resp.Results[0].ID != "c1" {
		t.Fatalf("unexpected results: %+v", resp)
	}
}

func TestSearchEndpointRejectsEmptyQuery(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/search", strings.NewReader(`{"query": ""}`))
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSearchEndpointRejectsGet(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/search", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if rec.Header().Get("Allow") != http.MethodPost {
		t.Fatalf("Allow header not set: %q", rec.Header().Get("Allow"))
	}
}

func TestSearchEndpointKeepsRerankerDefault(t *testing.T) {
	server, _ := newTestServer(t)

	// use_reranker omitted must default to true; with no reranker configured
	// the request still succeeds on the retrieval ordering.
	req := httptest.NewRequest(http.MethodPost, "/v1/search", strings.NewReader(`{"query": "q"}`))
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestEvaluateEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	body := strings.NewReader(`{
		"dataset": [{"question": "Q", "answer": "A", "contexts": ["C"], "ground_truth": "G"}],
		"framework": "ragas"
	}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/evaluate", body)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp models.EvaluationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.TotalSamples != 1 || resp.Framework != "ragas" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(resp.Metrics) == 0 {
		t.Fatal("expected metrics in response")
	}
}

func TestEvaluateEndpointUnknownFramework(t *testing.T) {
	server, _ := newTestServer(t)

	body := strings.NewReader(`{
		"dataset": [{"question": "Q", "answer": "A", "contexts": ["C"], "ground_truth": "G"}],
		"framework": "unknown"
	}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/evaluate", body)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestDocumentsEndpoints(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/documents", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var list models.DocumentListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if list.Total != 1 || list.Documents[0].DocumentID != "doc-1" {
		t.Fatalf("unexpected document list: %+v", list)
	}

	req = httptest.NewRequest(http.MethodDelete, "/v1/documents/doc-1", nil)
	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var deleted deleteResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &deleted); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if deleted.Removed != 2 {
		t.Fatalf("expected 2 removed, got %d", deleted.Removed)
	}

	// Deleting again is not an error and removes nothing.
	req = httptest.NewRequest(http.MethodDelete, "/v1/documents/doc-1", nil)
	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &deleted); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if deleted.Removed != 0 {
		t.Fatalf("expected 0 removed, got %d", deleted.Removed)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
