package search

import (
	"context"
	"errors"
	"io"
	"log"
	"reflect"
	"testing"
	"time"

	"github.com/fabfab/rag-backend/knowledge"
	"github.com/fabfab/rag-backend/models"
	"github.com/fabfab/rag-backend/store"
)

type stubEmbedder struct {
	vector []float32
	err    error
}

func (s *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = s.vector
	}
	return vectors, nil
}

type failingReranker struct{}

func (failingReranker) Rerank(context.Context, string, []store.ScoredChunk) ([]store.ScoredChunk, error) {
	return nil, ErrRerankerUnavailable
}

type reversingReranker struct{}

func (reversingReranker) Rerank(_ context.Context, _ string, candidates []store.ScoredChunk) ([]store.ScoredChunk, error) {
	out := make([]store.ScoredChunk, len(candidates))
	for i, candidate := range candidates {
		candidate.Score = float64(i+1) / float64(len(candidates)+1)
		out[len(candidates)-1-i] = candidate
	}
	return out, nil
}

type stubExtractor struct {
	mentions []string
	err      error
}

func (s *stubExtractor) Extract(context.Context, string) ([]string, error) {
	return s.mentions, s.err
}

type stubEntityStore struct {
	entities []knowledge.Entity
	err      error
}

func (s *stubEntityStore) EntitiesForMentions(context.Context, []string) ([]knowledge.Entity, error) {
	return s.entities, s.err
}

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func seedStore(t *testing.T) *store.MemoryStore {
	t.Helper()

	s := store.NewMemoryStore(2)
	docID := "doc-1"
	seed := []struct {
		id        string
		embedding []float32
	}{
		{"near", []float32{1, 0}},
		{"mid", []float32{1, 1}},
		{"far", []float32{0, 1}},
	}
	for i, item := range seed {
		err := s.Insert(context.Background(), models.DocumentChunk{
			ChunkID: item.id,
			Content: "text of " + item.id,
			Metadata: models.DocumentMetadata{
				SourceFile: "doc1.md",
				DocumentID: &docID,
				ChunkIndex: i,
			},
			Embedding: item.embedding,
		})
		if err != nil {
			t.Fatalf("seed %s: %v", item.id, err)
		}
	}
	return s
}

func newTestService(t *testing.T, reranker Reranker, augmenter *Augmenter) *Service {
	t.Helper()
	retriever := NewRetriever(seedStore(t), &stubEmbedder{vector: []float32{1, 0}}, 10, time.Second)
	return NewService(retriever, reranker, augmenter, discardLogger())
}

func TestSearchPureRetrievalOrdering(t *testing.T) {
	svc := newTestService(t, nil, nil)

	topK := 2
	resp, err := svc.Search(context.Background(), models.SearchRequest{Query: "q", TopK: &topK})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Total != 2 || len(resp.Results) != 2 {
		t.Fatalf("expected 2 results, got total=%d len=%d", resp.Total, len(resp.Results))
	}
	if resp.Results[0].ID != "near" || resp.Results[1].ID != "mid" {
		t.Fatalf("unexpected order: %s, %s", resp.Results[0].ID, resp.Results[1].ID)
	}
	if resp.Results[0].Score < resp.Results[1].Score {
		t.Fatal("results not ordered by non-increasing score")
	}
	if resp.Query != "q" {
		t.Fatalf("query not echoed: %q", resp.Query)
	}
	if resp.RetrievalTime == nil || *resp.RetrievalTime < 0 {
		t.Fatal("retrieval_time not stamped")
	}
}

func TestSearchIdempotentOrdering(t *testing.T) {
	svc := newTestService(t, nil, nil)
	req := models.SearchRequest{Query: "q"}

	first, err := svc.Search(context.Background(), req)
	if err != nil {
		t.Fatalf("first search: %v", err)
	}
	second, err := svc.Search(context.Background(), req)
	if err != nil {
		t.Fatalf("second search: %v", err)
	}

	firstIDs := make([]string, len(first.Results))
	secondIDs := make([]string, len(second.Results))
	for i := range first.Results {
		firstIDs[i] = first.Results[i].ID
		secondIDs[i] = second.Results[i].ID
	}
	if !reflect.DeepEqual(firstIDs, secondIDs) {
		t.Fatalf("ordering differs across identical requests: %v vs %v", firstIDs, secondIDs)
	}
	if first.Total != second.Total {
		t.Fatalf("total differs: %d vs %d", first.Total, second.Total)
	}
}

func TestSearchValidatesTopK(t *testing.T) {
	svc := newTestService(t, nil, nil)

	tooBig := 51
	if _, err := svc.Search(context.Background(), models.SearchRequest{Query: "q", TopK: &tooBig}); err == nil {
		t.Fatal("expected error for top_k above range")
	}

	zero := 0
	if _, err := svc.Search(context.Background(), models.SearchRequest{Query: "q", TopK: &zero}); err == nil {
		t.Fatal("expected error for top_k below range")
	}
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	svc := newTestService(t, nil, nil)
	if _, err := svc.Search(context.Background(), models.SearchRequest{Query: "   "}); err == nil {
		t.Fatal("expected error for empty query")
	}
}

func TestSearchRejectsUnknownFilterKey(t *testing.T) {
	svc := newTestService(t, nil, nil)
	req := models.SearchRequest{Query: "q", FilterDict: map[string]string{"owner": "me"}}
	if _, err := svc.Search(context.Background(), req); err == nil {
		t.Fatal("expected error for unknown filter key")
	}
}

func TestSearchFilterRestrictsResults(t *testing.T) {
	svc := newTestService(t, nil, nil)

	resp, err := svc.Search(context.Background(), models.SearchRequest{
		Query:      "q",
		FilterDict: map[string]string{"document_id": "doc-1", "chunk_index": "0"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Total != 1 || resp.Results[0].ID != "near" {
		t.Fatalf("filter not applied: %+v", resp.Results)
	}
	if resp.Results[0].Metadata["document_id"] != "doc-1" {
		t.Fatalf("result metadata does not satisfy filter: %+v", resp.Results[0].Metadata)
	}
}

func TestSearchRerankerFailureFallsBackToRetrievalOrder(t *testing.T) {
	svc := newTestService(t, failingReranker{}, nil)

	resp, err := svc.Search(context.Background(), models.SearchRequest{Query: "q", UseReranker: true})
	if err != nil {
		t.Fatalf("degraded request must not fail: %v", err)
	}
	if resp.Results[0].ID != "near" || resp.Results[1].ID != "mid" || resp.Results[2].ID != "far" {
		t.Fatalf("expected pure retrieval order, got %s, %s, %s",
			resp.Results[0].ID, resp.Results[1].ID, resp.Results[2].ID)
	}
}

func TestSearchRerankerReorders(t *testing.T) {
	svc := newTestService(t, reversingReranker{}, nil)

	resp, err := svc.Search(context.Background(), models.SearchRequest{Query: "q", UseReranker: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Results[0].ID != "far" || resp.Results[2].ID != "near" {
		t.Fatalf("reranker ordering not applied: %s ... %s", resp.Results[0].ID, resp.Results[2].ID)
	}
}

func TestSearchKGDisabledLeavesEntitiesUnset(t *testing.T) {
	augmenter := NewAugmenter(&stubExtractor{mentions: []string{"x"}},
		&stubEntityStore{entities: []knowledge.Entity{{Name: "X"}}}, 0, discardLogger())
	svc := newTestService(t, nil, augmenter)

	resp, err := svc.Search(context.Background(), models.SearchRequest{Query: "q", UseKG: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, result := range resp.Results {
		if result.KGEntities != nil {
			t.Fatalf("kg_entities set on %s with use_kg=false", result.ID)
		}
	}
}

func TestSearchKGEnabledWithNoMatchesSetsEmptyList(t *testing.T) {
	augmenter := NewAugmenter(&stubExtractor{mentions: nil}, &stubEntityStore{}, 0, discardLogger())
	svc := newTestService(t, nil, augmenter)

	resp, err := svc.Search(context.Background(), models.SearchRequest{Query: "q", UseKG: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, result := range resp.Results {
		if result.KGEntities == nil {
			t.Fatalf("kg_entities unset on %s with use_kg=true", result.ID)
		}
		if len(*result.KGEntities) != 0 {
			t.Fatalf("expected empty entity list on %s, got %v", result.ID, *result.KGEntities)
		}
	}
}

func TestSearchKGAttachesEntities(t *testing.T) {
	augmenter := NewAugmenter(&stubExtractor{mentions: []string{"linear algebra"}},
		&stubEntityStore{entities: []knowledge.Entity{{Name: "Linear Algebra", Type: "concept"}}},
		0, discardLogger())
	svc := newTestService(t, nil, augmenter)

	resp, err := svc.Search(context.Background(), models.SearchRequest{Query: "q", UseKG: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Results[0].KGEntities == nil || len(*resp.Results[0].KGEntities) != 1 {
		t.Fatalf("expected 1 entity, got %v", resp.Results[0].KGEntities)
	}
	if (*resp.Results[0].KGEntities)[0]["name"] != "Linear Algebra" {
		t.Fatalf("unexpected entity: %v", (*resp.Results[0].KGEntities)[0])
	}
}

func TestSearchKGBackendFailureIsNonFatal(t *testing.T) {
	augmenter := NewAugmenter(&stubExtractor{mentions: []string{"x"}},
		&stubEntityStore{err: errors.New("neo4j down")}, 0, discardLogger())
	svc := newTestService(t, nil, augmenter)

	resp, err := svc.Search(context.Background(), models.SearchRequest{Query: "q", UseKG: true})
	if err != nil {
		t.Fatalf("kg failure must not fail the request: %v", err)
	}
	for _, result := range resp.Results {
		if result.KGEntities != nil {
			t.Fatalf("degraded kg stage must leave kg_entities unset on %s, got %v", result.ID, *result.KGEntities)
		}
	}
}

func TestSearchKGUnconfiguredLeavesEntitiesUnset(t *testing.T) {
	svc := newTestService(t, nil, nil)

	resp, err := svc.Search(context.Background(), models.SearchRequest{Query: "q", UseKG: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, result := range resp.Results {
		if result.KGEntities != nil {
			t.Fatalf("kg_entities set on %s without an augmenter", result.ID)
		}
	}
}

func TestSearchEmbeddingFailureIsFatal(t *testing.T) {
	retriever := NewRetriever(seedStore(t), &stubEmbedder{err: errors.New("embedding service down")}, 10, time.Second)
	svc := NewService(retriever, nil, nil, discardLogger())

	_, err := svc.Search(context.Background(), models.SearchRequest{Query: "q"})
	if !errors.Is(err, ErrRetrievalFailed) {
		t.Fatalf("expected ErrRetrievalFailed, got %v", err)
	}
}

func TestSearchEmptyStoreShortCircuits(t *testing.T) {
	retriever := NewRetriever(store.NewMemoryStore(2), &stubEmbedder{vector: []float32{1, 0}}, 10, time.Second)
	svc := NewService(retriever, failingReranker{}, nil, discardLogger())

	resp, err := svc.Search(context.Background(), models.SearchRequest{Query: "q", UseReranker: true})
	if err != nil {
		t.Fatalf("empty result set must not be an error: %v", err)
	}
	if resp.Total != 0 || len(resp.Results) != 0 {
		t.Fatalf("expected empty results, got %+v", resp)
	}
}
