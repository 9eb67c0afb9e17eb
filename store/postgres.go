package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/fabfab/rag-backend/models"
)

// PostgresStore is a pgvector-backed ChunkStore. The rag_chunks table is
// indexed with ivfflat under vector_cosine_ops, so scoring uses the cosine
// distance operator; constructing the store with any other metric fails.
type PostgresStore struct {
	pool      *pgxpool.Pool
	dimension int
}

func NewPostgresStore(pool *pgxpool.Pool, dimension int, metric string) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive")
	}
	if metric != MetricCosine {
		return nil, fmt.Errorf("index uses %s, requested %s: %w", MetricCosine, metric, ErrMetricMismatch)
	}

	return &PostgresStore{pool: pool, dimension: dimension}, nil
}

// Insert stores a chunk. The embedding column is NOT NULL under the ivfflat
// index, so unlike the memory store a chunk without an embedding is rejected
// with ErrDimensionMismatch rather than stored unsearchable.
func (s *PostgresStore) Insert(ctx context.Context, chunk models.DocumentChunk) error {
	if chunk.ChunkID == "" {
		return fmt.Errorf("chunk id is required")
	}
	if chunk.Content == "" {
		return fmt.Errorf("chunk %s: content is empty", chunk.ChunkID)
	}
	if len(chunk.Embedding) != s.dimension {
		return fmt.Errorf("chunk %s: expected %d, got %d: %w",
			chunk.ChunkID, s.dimension, len(chunk.Embedding), ErrDimensionMismatch)
	}

	createdAt := time.Now()
	if chunk.Metadata.CreatedAt != nil {
		createdAt = *chunk.Metadata.CreatedAt
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO rag_chunks
			(chunk_id, document_id, source_file, section, page_num, chunk_index,
			 file_type, file_size, content, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		chunk.ChunkID,
		chunk.Metadata.DocumentID,
		chunk.Metadata.SourceFile,
		chunk.Metadata.Section,
		chunk.Metadata.PageNum,
		chunk.Metadata.ChunkIndex,
		chunk.Metadata.FileType,
		chunk.Metadata.FileSize,
		chunk.Content,
		pgvector.NewVector(chunk.Embedding),
		createdAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("chunk %s: %w", chunk.ChunkID, ErrDuplicateID)
		}
		return fmt.Errorf("insert chunk %s: %w", chunk.ChunkID, err)
	}

	return nil
}

func (s *PostgresStore) DeleteByDocument(ctx context.Context, documentID string) (int, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM rag_chunks WHERE document_id = $1", documentID)
	if err != nil {
		return 0, fmt.Errorf("delete chunks for document %s: %w", documentID, err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Nearest(ctx context.Context, embedding []float32, k int, filter *Filter) ([]ScoredChunk, error) {
	if len(embedding) == 0 {
		return nil, fmt.Errorf("query embedding is empty")
	}
	if len(embedding) != s.dimension {
		return nil, fmt.Errorf("query expected %d, got %d: %w", s.dimension, len(embedding), ErrDimensionMismatch)
	}
	if k <= 0 {
		k = 10
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	probes := k * 10
	if probes < 10 {
		probes = 10
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET ivfflat.probes = %d", probes)); err != nil {
		return nil, fmt.Errorf("set ivfflat probes: %w", err)
	}

	args := []any{pgvector.NewVector(embedding)}
	where := make([]string, 0, 6)
	addClause := func(column string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if filter != nil {
		if filter.DocumentID != nil {
			addClause("document_id", *filter.DocumentID)
		}
		if filter.SourceFile != nil {
			addClause("source_file", *filter.SourceFile)
		}
		if filter.Section != nil {
			addClause("section", *filter.Section)
		}
		if filter.FileType != nil {
			addClause("file_type", *filter.FileType)
		}
		if filter.PageNum != nil {
			addClause("page_num", *filter.PageNum)
		}
		if filter.ChunkIndex != nil {
			addClause("chunk_index", *filter.ChunkIndex)
		}
	}

	query := `
		SELECT chunk_id, document_id, source_file, section, page_num, chunk_index,
		       file_type, file_size, content, created_at,
		       (embedding <=> $1::vector) AS distance
		FROM rag_chunks`
	if len(where) > 0 {
		query += "\n\t\tWHERE " + strings.Join(where, " AND ")
	}
	args = append(args, k)
	query += fmt.Sprintf("\n\t\tORDER BY embedding <=> $1::vector\n\t\tLIMIT $%d", len(args))

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query nearest chunks: %w", err)
	}
	defer rows.Close()

	results := make([]ScoredChunk, 0, k)
	for rows.Next() {
		var (
			item     ScoredChunk
			distance float64
		)
		meta := &item.Chunk.Metadata
		if err := rows.Scan(
			&item.Chunk.ChunkID, &meta.DocumentID, &meta.SourceFile, &meta.Section,
			&meta.PageNum, &meta.ChunkIndex, &meta.FileType, &meta.FileSize,
			&item.Chunk.Content, &meta.CreatedAt, &distance,
		); err != nil {
			return nil, fmt.Errorf("scan nearest chunk: %w", err)
		}
		// pgvector cosine distance is 1 - cos; map to similarity in [0,1].
		item.Score = clamp01(1 - distance/2)
		results = append(results, item)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("read nearest chunks: %w", rows.Err())
	}

	return results, nil
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM rag_chunks").Scan(&count); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) Documents(ctx context.Context) ([]models.DocumentInfo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT document_id, MIN(source_file), COUNT(*), MIN(file_type), MIN(created_at)
		FROM rag_chunks
		WHERE document_id IS NOT NULL
		GROUP BY document_id
		ORDER BY document_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	docs := make([]models.DocumentInfo, 0)
	for rows.Next() {
		var (
			info      models.DocumentInfo
			createdAt *time.Time
		)
		if err := rows.Scan(&info.DocumentID, &info.SourceFile, &info.ChunksCount, &info.Parser, &createdAt); err != nil {
			return nil, fmt.Errorf("scan document info: %w", err)
		}
		if createdAt != nil {
			uploaded := createdAt.Format(time.RFC3339)
			info.UploadTime = &uploaded
		}
		docs = append(docs, info)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("read documents: %w", rows.Err())
	}

	return docs, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

var _ ChunkStore = (*PostgresStore)(nil)
