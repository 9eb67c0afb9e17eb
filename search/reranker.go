package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/fabfab/rag-backend/store"
)

// ErrRerankerUnavailable marks a reranker backend that could not serve the
// request. The orchestrator degrades to the retriever's ordering.
var ErrRerankerUnavailable = errors.New("reranker unavailable")

// Reranker re-scores candidates against the query with a cross-encoder model.
// Reranker scores live on their own scale and are never compared with
// retrieval similarities.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []store.ScoredChunk) ([]store.ScoredChunk, error)
}

// HTTPReranker calls a cross-encoder rerank service. The service scores
// query+text pairs jointly and returns one relevance logit per candidate; the
// client maps logits through a sigmoid so returned scores sit in [0,1].
type HTTPReranker struct {
	url    string
	client *http.Client
}

type rerankRequest struct {
	Query string   `json:"query"`
	Texts []string `json:"texts"`
}

type rerankScore struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

func NewHTTPReranker(serviceURL string, timeout time.Duration) *HTTPReranker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &HTTPReranker{
		url: strings.TrimRight(serviceURL, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (r *HTTPReranker) Rerank(ctx context.Context, query string, candidates []store.ScoredChunk) ([]store.ScoredChunk, error) {
	if len(candidates) == 0 {
		return candidates, nil
	}
	if r.url == "" {
		return nil, fmt.Errorf("reranker url not configured: %w", ErrRerankerUnavailable)
	}

	texts := make([]string, len(candidates))
	for i, candidate := range candidates {
		texts[i] = candidate.Chunk.Content
	}

	reqBody, err := json.Marshal(rerankRequest{Query: query, Texts: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url+"/rerank", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call rerank service: %v: %w", err, ErrRerankerUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rerank service returned status %d: %w", resp.StatusCode, ErrRerankerUnavailable)
	}

	var scores []rerankScore
	if err := json.NewDecoder(resp.Body).Decode(&scores); err != nil {
		return nil, fmt.Errorf("decode rerank response: %v: %w", err, ErrRerankerUnavailable)
	}

	reranked := make([]store.ScoredChunk, 0, len(candidates))
	for _, entry := range scores {
		if entry.Index < 0 || entry.Index >= len(candidates) {
			return nil, fmt.Errorf("rerank index %d out of range: %w", entry.Index, ErrRerankerUnavailable)
		}
		item := candidates[entry.Index]
		item.Score = sigmoid(entry.Score)
		reranked = append(reranked, item)
	}
	if len(reranked) == 0 {
		return nil, fmt.Errorf("rerank service returned no scores: %w", ErrRerankerUnavailable)
	}

	// Stable keeps the service's pair order on equal scores.
	sort.SliceStable(reranked, func(i, j int) bool {
		return reranked[i].Score > reranked[j].Score
	})

	return reranked, nil
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

var _ Reranker = (*HTTPReranker)(nil)
