// Package store holds document chunks and serves nearest-neighbor lookups
// over their embeddings. The store is the single source of truth for chunk
// existence; lookups return derived copies, never aliases into the store.
package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/fabfab/rag-backend/models"
)

var (
	// ErrDimensionMismatch reports an embedding whose length disagrees with
	// the store's established dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrDuplicateID reports an insert with a chunk_id that already exists.
	ErrDuplicateID = errors.New("duplicate chunk id")
	// ErrMetricMismatch reports a store indexed under a different similarity
	// metric than the one used for scoring.
	ErrMetricMismatch = errors.New("similarity metric mismatch")
)

// MetricCosine is the only supported similarity metric. Chunks must be
// indexed and scored under the same metric.
const MetricCosine = "cosine"

// Filter is an exact-match predicate over chunk metadata. Nil pointer fields
// are not tested; a chunk matches when every set field matches.
type Filter struct {
	DocumentID *string
	SourceFile *string
	Section    *string
	FileType   *string
	PageNum    *int
	ChunkIndex *int
}

// FilterFromMap converts the wire-level filter_dict into a typed Filter.
// Unknown keys are reported so the caller can reject the request.
func FilterFromMap(m map[string]string) (*Filter, error) {
	if len(m) == 0 {
		return nil, nil
	}

	f := &Filter{}
	for key, value := range m {
		value := value
		switch key {
		case "document_id":
			f.DocumentID = &value
		case "source_file":
			f.SourceFile = &value
		case "section":
			f.Section = &value
		case "file_type":
			f.FileType = &value
		case "page_num":
			n, err := parseInt(value)
			if err != nil {
				return nil, err
			}
			f.PageNum = &n
		case "chunk_index":
			n, err := parseInt(value)
			if err != nil {
				return nil, err
			}
			f.ChunkIndex = &n
		default:
			return nil, errors.New("unknown filter key: " + key)
		}
	}
	return f, nil
}

// Matches reports whether the chunk's metadata satisfies every set field.
func (f *Filter) Matches(meta models.DocumentMetadata) bool {
	if f == nil {
		return true
	}
	if f.SourceFile != nil && meta.SourceFile != *f.SourceFile {
		return false
	}
	if f.DocumentID != nil && (meta.DocumentID == nil || *meta.DocumentID != *f.DocumentID) {
		return false
	}
	if f.Section != nil && (meta.Section == nil || *meta.Section != *f.Section) {
		return false
	}
	if f.FileType != nil && (meta.FileType == nil || *meta.FileType != *f.FileType) {
		return false
	}
	if f.PageNum != nil && (meta.PageNum == nil || *meta.PageNum != *f.PageNum) {
		return false
	}
	if f.ChunkIndex != nil && meta.ChunkIndex != *f.ChunkIndex {
		return false
	}
	return true
}

// ScoredChunk pairs a chunk copy with its similarity to the query embedding.
type ScoredChunk struct {
	Chunk models.DocumentChunk
	Score float64
}

// ChunkStore is the chunk persistence and similarity-search contract.
type ChunkStore interface {
	// Insert adds a chunk. Fails with ErrDuplicateID on a known chunk_id and
	// ErrDimensionMismatch when the embedding length disagrees with the
	// store's established dimension.
	Insert(ctx context.Context, chunk models.DocumentChunk) error

	// DeleteByDocument removes all chunks carrying the document id and
	// returns the count removed. A missing document removes 0, not an error.
	DeleteByDocument(ctx context.Context, documentID string) (int, error)

	// Nearest returns up to k chunks ordered by descending cosine similarity
	// to the query embedding, restricted to chunks matching the filter.
	// Fewer than k matches returns all matches.
	Nearest(ctx context.Context, embedding []float32, k int, filter *Filter) ([]ScoredChunk, error)

	// Count reports the number of stored chunks.
	Count(ctx context.Context) (int, error)

	// Documents summarizes stored chunks grouped by document.
	Documents(ctx context.Context) ([]models.DocumentInfo, error)
}

// CosineSimilarity maps cosine distance into [0,1]: 1 for identical
// direction, 0.5 for orthogonal vectors, 0 for opposite. Zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}

	cos := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return (cos + 1) / 2
}

func parseInt(value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer filter value %q: %w", value, err)
	}
	return n, nil
}
