package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fabfab/rag-backend/models"
)

// MemoryStore is an in-memory ChunkStore. Reads take the shared lock so
// concurrent searches never block each other; writes take the exclusive lock,
// so a reader sees a chunk fully inserted or not at all.
type MemoryStore struct {
	mu        sync.RWMutex
	dimension int
	order     []string
	chunks    map[string]models.DocumentChunk
	byDoc     map[string][]string
}

// NewMemoryStore creates an empty store. A positive dimension fixes the
// embedding length up front; zero lets the first insert establish it.
func NewMemoryStore(dimension int) *MemoryStore {
	return &MemoryStore{
		dimension: dimension,
		chunks:    make(map[string]models.DocumentChunk),
		byDoc:     make(map[string][]string),
	}
}

func (s *MemoryStore) Insert(_ context.Context, chunk models.DocumentChunk) error {
	if chunk.ChunkID == "" {
		return fmt.Errorf("chunk id is required")
	}
	if chunk.Content == "" {
		return fmt.Errorf("chunk %s: content is empty", chunk.ChunkID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.chunks[chunk.ChunkID]; exists {
		return fmt.Errorf("chunk %s: %w", chunk.ChunkID, ErrDuplicateID)
	}
	if len(chunk.Embedding) > 0 {
		if s.dimension == 0 {
			s.dimension = len(chunk.Embedding)
		} else if len(chunk.Embedding) != s.dimension {
			return fmt.Errorf("chunk %s: expected %d, got %d: %w",
				chunk.ChunkID, s.dimension, len(chunk.Embedding), ErrDimensionMismatch)
		}
	}

	stored := copyChunk(chunk)
	s.chunks[chunk.ChunkID] = stored
	s.order = append(s.order, chunk.ChunkID)
	if chunk.Metadata.DocumentID != nil {
		docID := *chunk.Metadata.DocumentID
		s.byDoc[docID] = append(s.byDoc[docID], chunk.ChunkID)
	}

	return nil
}

func (s *MemoryStore) DeleteByDocument(_ context.Context, documentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byDoc[documentID]
	if len(ids) == 0 {
		return 0, nil
	}

	removed := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		delete(s.chunks, id)
		removed[id] = struct{}{}
	}
	delete(s.byDoc, documentID)

	kept := s.order[:0]
	for _, id := range s.order {
		if _, gone := removed[id]; !gone {
			kept = append(kept, id)
		}
	}
	s.order = kept

	return len(ids), nil
}

func (s *MemoryStore) Nearest(_ context.Context, embedding []float32, k int, filter *Filter) ([]ScoredChunk, error) {
	if len(embedding) == 0 {
		return nil, fmt.Errorf("query embedding is empty")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.dimension > 0 && len(embedding) != s.dimension {
		return nil, fmt.Errorf("query expected %d, got %d: %w", s.dimension, len(embedding), ErrDimensionMismatch)
	}

	scored := make([]ScoredChunk, 0, len(s.order))
	for _, id := range s.order {
		chunk := s.chunks[id]
		if len(chunk.Embedding) == 0 {
			continue
		}
		if !filter.Matches(chunk.Metadata) {
			continue
		}
		scored = append(scored, ScoredChunk{
			Chunk: copyChunk(chunk),
			Score: CosineSimilarity(embedding, chunk.Embedding),
		})
	}

	// Stable keeps insertion order on ties so repeated identical queries
	// against an unchanged store rank identically.
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}

	return scored, nil
}

func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks), nil
}

func (s *MemoryStore) Documents(_ context.Context) ([]models.DocumentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := make([]models.DocumentInfo, 0, len(s.byDoc))
	for docID, ids := range s.byDoc {
		info := models.DocumentInfo{DocumentID: docID, ChunksCount: len(ids)}
		if len(ids) > 0 {
			if chunk, ok := s.chunks[ids[0]]; ok {
				info.SourceFile = chunk.Metadata.SourceFile
				if chunk.Metadata.FileType != nil {
					parser := *chunk.Metadata.FileType
					info.Parser = &parser
				}
				if chunk.Metadata.CreatedAt != nil {
					uploaded := chunk.Metadata.CreatedAt.Format(time.RFC3339)
					info.UploadTime = &uploaded
				}
			}
		}
		docs = append(docs, info)
	}

	sort.Slice(docs, func(i, j int) bool {
		return docs[i].DocumentID < docs[j].DocumentID
	})

	return docs, nil
}

func copyChunk(chunk models.DocumentChunk) models.DocumentChunk {
	out := chunk
	if chunk.Embedding != nil {
		out.Embedding = append([]float32(nil), chunk.Embedding...)
	}
	out.Metadata = copyMetadata(chunk.Metadata)
	return out
}

func copyMetadata(meta models.DocumentMetadata) models.DocumentMetadata {
	out := meta
	if meta.DocumentID != nil {
		v := *meta.DocumentID
		out.DocumentID = &v
	}
	if meta.Section != nil {
		v := *meta.Section
		out.Section = &v
	}
	if meta.PageNum != nil {
		v := *meta.PageNum
		out.PageNum = &v
	}
	if meta.FileType != nil {
		v := *meta.FileType
		out.FileType = &v
	}
	if meta.FileSize != nil {
		v := *meta.FileSize
		out.FileSize = &v
	}
	if meta.CreatedAt != nil {
		v := *meta.CreatedAt
		out.CreatedAt = &v
	}
	return out
}

var _ ChunkStore = (*MemoryStore)(nil)
