package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureRAGSchema creates the chunk table and its indexes. The embedding
// column is indexed under vector_cosine_ops so the stored metric matches the
// cosine scoring used at query time.
func EnsureRAGSchema(ctx context.Context, pool *pgxpool.Pool, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive")
	}

	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS rag_chunks (
			chunk_id TEXT PRIMARY KEY,
			document_id TEXT,
			source_file TEXT NOT NULL,
			section TEXT,
			page_num INT,
			chunk_index INT NOT NULL DEFAULT 0,
			file_type TEXT,
			file_size BIGINT,
			content TEXT NOT NULL,
			embedding VECTOR(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(document_id, chunk_index)
		)`, dimension),
		"CREATE INDEX IF NOT EXISTS idx_rag_chunks_document ON rag_chunks(document_id)",
		"CREATE INDEX IF NOT EXISTS idx_rag_chunks_source ON rag_chunks(source_file)",
		"CREATE INDEX IF NOT EXISTS idx_rag_chunks_embedding ON rag_chunks USING ivfflat (embedding vector_cosine_ops)",
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}

	return nil
}
