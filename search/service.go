// Package search composes the retrieval pipeline: retrieve, optionally
// rerank, optionally augment with knowledge-graph entities, assemble.
package search

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/fabfab/rag-backend/models"
	"github.com/fabfab/rag-backend/store"
)

// Service runs one search request through the pipeline stages. Optional
// stage failures never fail the request; they degrade to the prior stage's
// output.
type Service struct {
	retriever *Retriever
	reranker  Reranker
	augmenter *Augmenter
	logger    *log.Logger
}

// NewService wires the pipeline. Reranker and augmenter may be nil, in which
// case requests asking for those stages degrade gracefully.
func NewService(retriever *Retriever, reranker Reranker, augmenter *Augmenter, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		retriever: retriever,
		reranker:  reranker,
		augmenter: augmenter,
		logger:    logger,
	}
}

// Search validates the request, retrieves candidates, applies the optional
// stages per request flags, and assembles the ranked response. Ties at every
// stage keep the prior stage's order, so identical requests against an
// unchanged store rank identically.
func (s *Service) Search(ctx context.Context, req models.SearchRequest) (models.SearchResponse, error) {
	started := time.Now()

	query := strings.TrimSpace(req.Query)
	if query == "" {
		return models.SearchResponse{}, fmt.Errorf("query must not be empty")
	}

	topK := 0
	if req.TopK != nil {
		if *req.TopK < models.MinTopK || *req.TopK > models.MaxTopK {
			return models.SearchResponse{}, fmt.Errorf("top_k must be in [%d,%d], got %d", models.MinTopK, models.MaxTopK, *req.TopK)
		}
		topK = *req.TopK
	}

	filter, err := store.FilterFromMap(req.FilterDict)
	if err != nil {
		return models.SearchResponse{}, fmt.Errorf("filter_dict: %w", err)
	}

	candidates, err := s.retriever.Retrieve(ctx, query, topK, filter)
	if err != nil {
		return models.SearchResponse{}, err
	}

	if len(candidates) > 0 && req.UseReranker {
		candidates = s.rerankOrSkip(ctx, query, candidates)
	}

	results := assembleResults(candidates)

	if req.UseKG {
		if s.augmenter != nil {
			s.augmenter.Augment(ctx, results)
		} else {
			s.logger.Printf("kg augmentation requested but not configured")
		}
	}

	elapsed := time.Since(started).Seconds()
	return models.SearchResponse{
		Query:         req.Query,
		Results:       results,
		Total:         len(results),
		RetrievalTime: &elapsed,
	}, nil
}

func (s *Service) rerankOrSkip(ctx context.Context, query string, candidates []store.ScoredChunk) []store.ScoredChunk {
	if s.reranker == nil {
		s.logger.Printf("reranker not configured, keeping retrieval order")
		return candidates
	}

	reranked, err := s.reranker.Rerank(ctx, query, candidates)
	if err != nil {
		s.logger.Printf("rerank stage skipped: %v", err)
		return candidates
	}
	if len(reranked) > len(candidates) {
		s.logger.Printf("reranker grew the candidate set, keeping retrieval order")
		return candidates
	}

	return reranked
}

func assembleResults(candidates []store.ScoredChunk) []models.SearchResult {
	results := make([]models.SearchResult, len(candidates))
	for i, candidate := range candidates {
		results[i] = models.SearchResult{
			ID:       candidate.Chunk.ChunkID,
			Content:  candidate.Chunk.Content,
			Score:    candidate.Score,
			Metadata: metadataMap(candidate.Chunk.Metadata),
		}
	}
	return results
}

func metadataMap(meta models.DocumentMetadata) map[string]any {
	out := map[string]any{
		"source_file": meta.SourceFile,
		"chunk_index": meta.ChunkIndex,
	}
	if meta.DocumentID != nil {
		out["document_id"] = *meta.DocumentID
	}
	if meta.Section != nil {
		out["section"] = *meta.Section
	}
	if meta.PageNum != nil {
		out["page_num"] = *meta.PageNum
	}
	if meta.FileType != nil {
		out["file_type"] = *meta.FileType
	}
	if meta.FileSize != nil {
		out["file_size"] = *meta.FileSize
	}
	if meta.CreatedAt != nil {
		out["created_at"] = meta.CreatedAt.Format(time.RFC3339)
	}
	return out
}
