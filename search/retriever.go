package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fabfab/rag-backend/embeddings"
	"github.com/fabfab/rag-backend/store"
)

// ErrRetrievalFailed marks fatal pipeline failures: the embedding service or
// the chunk store could not serve the request.
var ErrRetrievalFailed = errors.New("retrieval failed")

// Retriever embeds a query and finds the nearest chunks in the store.
type Retriever struct {
	store        store.ChunkStore
	embedder     embeddings.Embedder
	defaultTopK  int
	embedTimeout time.Duration
}

func NewRetriever(chunks store.ChunkStore, embedder embeddings.Embedder, defaultTopK int, embedTimeout time.Duration) *Retriever {
	if defaultTopK <= 0 {
		defaultTopK = 10
	}
	return &Retriever{
		store:        chunks,
		embedder:     embedder,
		defaultTopK:  defaultTopK,
		embedTimeout: embedTimeout,
	}
}

// Retrieve returns up to topK chunks ordered by descending similarity.
// topK <= 0 resolves to the configured default.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int, filter *store.Filter) ([]store.ScoredChunk, error) {
	if r.store == nil {
		return nil, fmt.Errorf("chunk store is not configured: %w", ErrRetrievalFailed)
	}
	if r.embedder == nil {
		return nil, fmt.Errorf("embedder is not configured: %w", ErrRetrievalFailed)
	}
	if topK <= 0 {
		topK = r.defaultTopK
	}

	embedCtx := ctx
	if r.embedTimeout > 0 {
		var cancel context.CancelFunc
		embedCtx, cancel = context.WithTimeout(ctx, r.embedTimeout)
		defer cancel()
	}

	vector, err := embeddings.EmbedOne(embedCtx, r.embedder, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %v: %w", err, ErrRetrievalFailed)
	}

	results, err := r.store.Nearest(ctx, vector, topK, filter)
	if err != nil {
		if errors.Is(err, store.ErrMetricMismatch) {
			return nil, err
		}
		return nil, fmt.Errorf("nearest chunks: %v: %w", err, ErrRetrievalFailed)
	}

	return results, nil
}
