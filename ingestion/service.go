package ingestion

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/fabfab/rag-backend/embeddings"
	"github.com/fabfab/rag-backend/knowledge"
	"github.com/fabfab/rag-backend/models"
	"github.com/fabfab/rag-backend/store"
)

// EntityExtractor finds entity mentions in chunk text for graph sync.
type EntityExtractor interface {
	Extract(ctx context.Context, text string) ([]string, error)
}

// Service ingests source files: parse, chunk, embed, insert into the chunk
// store, and sync mentioned entities to the knowledge graph. The graph driver
// and extractor are optional; without them ingestion only fills the store.
type Service struct {
	chunks    store.ChunkStore
	driver    neo4j.DriverWithContext
	embedder  embeddings.Embedder
	extractor EntityExtractor
	logger    *log.Logger
}

func NewService(chunks store.ChunkStore, driver neo4j.DriverWithContext, embedder embeddings.Embedder, extractor EntityExtractor, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		chunks:    chunks,
		driver:    driver,
		embedder:  embedder,
		extractor: extractor,
		logger:    logger,
	}
}

// IngestDirectory walks dir and ingests every supported file. Per-file
// failures are logged and do not stop the walk.
func (s *Service) IngestDirectory(ctx context.Context, dir string) error {
	if s.chunks == nil {
		return fmt.Errorf("chunk store not configured")
	}
	if s.embedder == nil {
		return fmt.Errorf("embedder not configured")
	}

	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("data directory: %w", err)
	}

	entries := make([]string, 0)
	if err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if DetectFormat(d.Name()) != FormatUnknown {
			entries = append(entries, path)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("walk data directory: %w", err)
	}

	if len(entries) == 0 {
		s.logger.Printf("no supported documents found in %s", dir)
		return nil
	}

	for _, path := range entries {
		if err := s.IngestFile(ctx, dir, path); err != nil {
			s.logger.Printf("ingest failed for %s: %v", path, err)
		}
	}

	return nil
}

// IngestFile ingests one file as a new document.
func (s *Service) IngestFile(ctx context.Context, root, path string) error {
	format := DetectFormat(path)
	parser := ParserFor(format)
	if parser == nil {
		return fmt.Errorf("unsupported format for %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	relPath, relErr := filepath.Rel(root, path)
	if relErr != nil {
		relPath = path
	}
	relPath = filepath.ToSlash(relPath)

	parsed, err := parser.Parse(ctx, path, data)
	if err != nil {
		return fmt.Errorf("parse %s: %w", relPath, err)
	}
	if len(parsed.Fragments) == 0 {
		s.logger.Printf("skip empty document %s", relPath)
		return nil
	}

	texts := make([]string, len(parsed.Fragments))
	for i, fragment := range parsed.Fragments {
		texts[i] = fragment.Text
	}

	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("generate embeddings: %w", err)
	}
	if len(vectors) != len(texts) {
		return fmt.Errorf("embedding count mismatch: have %d fragments, %d embeddings", len(texts), len(vectors))
	}

	docID := uuid.New().String()
	fileType := string(format)
	fileSize := int64(len(data))
	createdAt := time.Now()

	for idx, fragment := range parsed.Fragments {
		meta := models.DocumentMetadata{
			SourceFile: relPath,
			DocumentID: &docID,
			ChunkIndex: idx,
			FileType:   &fileType,
			FileSize:   &fileSize,
			CreatedAt:  &createdAt,
		}
		if fragment.Section != "" {
			section := fragment.Section
			meta.Section = &section
		}
		if fragment.PageNum > 0 {
			page := fragment.PageNum
			meta.PageNum = &page
		}

		chunk := models.DocumentChunk{
			ChunkID:   uuid.New().String(),
			Content:   fragment.Text,
			Metadata:  meta,
			Embedding: vectors[idx],
		}

		if err := s.chunks.Insert(ctx, chunk); err != nil {
			return fmt.Errorf("insert chunk %d: %w", idx, err)
		}

		s.syncEntities(ctx, chunk.ChunkID, docID, fragment.Text)
	}

	s.logger.Printf("ingested %s (%d chunks)", relPath, len(parsed.Fragments))
	return nil
}

// DeleteDocument removes a document's chunks from the store and its nodes
// from the graph, returning the count of chunks removed.
func (s *Service) DeleteDocument(ctx context.Context, documentID string) (int, error) {
	removed, err := s.chunks.DeleteByDocument(ctx, documentID)
	if err != nil {
		return 0, err
	}

	if s.driver != nil {
		if err := knowledge.DeleteDocumentGraph(ctx, s.driver, documentID); err != nil {
			s.logger.Printf("graph cleanup failed for document %s: %v", documentID, err)
		}
	}

	return removed, nil
}

func (s *Service) syncEntities(ctx context.Context, chunkID, docID, text string) {
	if s.driver == nil || s.extractor == nil {
		return
	}

	mentions, err := s.extractor.Extract(ctx, text)
	if err != nil {
		s.logger.Printf("entity extraction failed for chunk %s: %v", chunkID, err)
		return
	}
	if len(mentions) == 0 {
		return
	}

	entities := make([]knowledge.Entity, len(mentions))
	for i, mention := range mentions {
		entities[i] = knowledge.Entity{Name: mention}
	}

	if err := knowledge.SyncChunkEntities(ctx, s.driver, knowledge.ChunkEntities{
		ChunkID:    chunkID,
		DocumentID: docID,
		Entities:   entities,
	}); err != nil {
		s.logger.Printf("graph sync failed for chunk %s: %v", chunkID, err)
	}
}
