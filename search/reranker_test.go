package search

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fabfab/rag-backend/models"
	"github.com/fabfab/rag-backend/store"
)

func rerankCandidates() []store.ScoredChunk {
	return []store.ScoredChunk{
		{Chunk: models.DocumentChunk{ChunkID: "a", Content: "alpha"}, Score: 0.9},
		{Chunk: models.DocumentChunk{ChunkID: "b", Content: "beta"}, Score: 0.8},
		{Chunk: models.DocumentChunk{ChunkID: "c", Content: "gamma"}, Score: 0.7},
	}
}

func TestHTTPRerankerReordersByServiceScores(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rerankRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode rerank request: %v", err)
		}
		if req.Query != "question" || len(req.Texts) != 3 {
			t.Errorf("unexpected rerank request: %+v", req)
		}
		json.NewEncoder(w).Encode([]rerankScore{
			{Index: 0, Score: -2.0},
			{Index: 1, Score: 3.5},
			{Index: 2, Score: 0.5},
		})
	}))
	defer server.Close()

	reranker := NewHTTPReranker(server.URL, time.Second)
	results, err := reranker.Rerank(context.Background(), "question", rerankCandidates())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	order := []string{"b", "c", "a"}
	for i, want := range order {
		if results[i].Chunk.ChunkID != want {
			t.Fatalf("position %d: got %s, want %s", i, results[i].Chunk.ChunkID, want)
		}
	}
	for _, result := range results {
		if result.Score < 0 || result.Score > 1 {
			t.Fatalf("score %f out of [0,1]", result.Score)
		}
	}
}

func TestHTTPRerankerMayShrinkCandidateSet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode([]rerankScore{{Index: 1, Score: 1.0}})
	}))
	defer server.Close()

	reranker := NewHTTPReranker(server.URL, time.Second)
	results, err := reranker.Rerank(context.Background(), "q", rerankCandidates())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0].Chunk.ChunkID != "b" {
		t.Fatalf("expected single candidate b, got %+v", results)
	}
}

func TestHTTPRerankerServerErrorIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	reranker := NewHTTPReranker(server.URL, time.Second)
	_, err := reranker.Rerank(context.Background(), "q", rerankCandidates())
	if !errors.Is(err, ErrRerankerUnavailable) {
		t.Fatalf("expected ErrRerankerUnavailable, got %v", err)
	}
}

func TestHTTPRerankerUnreachableIsUnavailable(t *testing.T) {
	reranker := NewHTTPReranker("http://127.0.0.1:1", 100*time.Millisecond)
	_, err := reranker.Rerank(context.Background(), "q", rerankCandidates())
	if !errors.Is(err, ErrRerankerUnavailable) {
		t.Fatalf("expected ErrRerankerUnavailable, got %v", err)
	}
}

func TestHTTPRerankerRejectsOutOfRangeIndex(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode([]rerankScore{{Index: 9, Score: 1.0}})
	}))
	defer server.Close()

	reranker := NewHTTPReranker(server.URL, time.Second)
	_, err := reranker.Rerank(context.Background(), "q", rerankCandidates())
	if !errors.Is(err, ErrRerankerUnavailable) {
		t.Fatalf("expected ErrRerankerUnavailable, got %v", err)
	}
}

func TestHTTPRerankerEmptyCandidatesNoCall(t *testing.T) {
	reranker := NewHTTPReranker("http://127.0.0.1:1", time.Second)
	results, err := reranker.Rerank(context.Background(), "q", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results, got %d", len(results))
	}
}
