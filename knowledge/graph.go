// Package knowledge maintains the chunk-to-entity graph in Neo4j and serves
// entity lookups for search-time augmentation.
package knowledge

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Entity is a knowledge-graph node related to chunk content.
type Entity struct {
	Name        string
	Type        string
	Description string
}

// ChunkEntities binds a stored chunk to the entities mentioned in it.
type ChunkEntities struct {
	ChunkID    string
	DocumentID string
	Entities   []Entity
}

// EntityStore is the knowledge-graph lookup contract used at search time.
type EntityStore interface {
	// EntitiesForMentions resolves entity mentions (case-insensitive names)
	// to graph entities. Unknown mentions are simply absent from the result.
	EntitiesForMentions(ctx context.Context, mentions []string) ([]Entity, error)
}

type Neo4jEntityStore struct {
	driver neo4j.DriverWithContext
}

func NewNeo4jEntityStore(driver neo4j.DriverWithContext) *Neo4jEntityStore {
	return &Neo4jEntityStore{driver: driver}
}

func (s *Neo4jEntityStore) EntitiesForMentions(ctx context.Context, mentions []string) ([]Entity, error) {
	if s.driver == nil {
		return nil, fmt.Errorf("neo4j driver is nil")
	}
	if len(mentions) == 0 {
		return nil, nil
	}

	lowered := make([]string, 0, len(mentions))
	for _, mention := range mentions {
		trimmed := strings.ToLower(strings.TrimSpace(mention))
		if trimmed != "" {
			lowered = append(lowered, trimmed)
		}
	}
	if len(lowered) == 0 {
		return nil, nil
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (e:Entity)
		WHERE toLower(e.name) IN $names
		RETURN e.name AS name, e.type AS type, e.description AS description
	`, map[string]any{"names": lowered})
	if err != nil {
		return nil, fmt.Errorf("run entity lookup query: %w", err)
	}

	entities := make([]Entity, 0, len(lowered))
	for result.Next(ctx) {
		record := result.Record()
		name, _ := record.Get("name")
		entityType, _ := record.Get("type")
		description, _ := record.Get("description")

		entity := Entity{}
		if s, ok := name.(string); ok {
			entity.Name = s
		}
		if s, ok := entityType.(string); ok {
			entity.Type = s
		}
		if s, ok := description.(string); ok {
			entity.Description = s
		}
		if entity.Name == "" {
			continue
		}
		entities = append(entities, entity)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("entity lookup result error: %w", err)
	}

	return entities, nil
}

var _ EntityStore = (*Neo4jEntityStore)(nil)

// SyncChunkEntities upserts the entities mentioned in a chunk and links them
// with MENTIONS edges. Called at ingestion time.
func SyncChunkEntities(ctx context.Context, driver neo4j.DriverWithContext, binding ChunkEntities) error {
	if driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}
	if binding.ChunkID == "" {
		return fmt.Errorf("chunk id is required")
	}

	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MERGE (c:Chunk {id: $chunk_id})
			SET c.document_id = $document_id
		`, map[string]any{
			"chunk_id":    binding.ChunkID,
			"document_id": binding.DocumentID,
		}); err != nil {
			return nil, fmt.Errorf("upsert chunk node: %w", err)
		}

		if _, err := tx.Run(ctx, `
			MATCH (c:Chunk {id: $chunk_id})-[r:MENTIONS]->(:Entity)
			DELETE r
		`, map[string]any{"chunk_id": binding.ChunkID}); err != nil {
			return nil, fmt.Errorf("clear stale mentions: %w", err)
		}

		for _, entity := range binding.Entities {
			if entity.Name == "" {
				continue
			}
			if _, err := tx.Run(ctx, `
				MATCH (c:Chunk {id: $chunk_id})
				MERGE (e:Entity {name: $name})
				SET e.type = $type,
				    e.description = coalesce($description, e.description)
				MERGE (c)-[:MENTIONS]->(e)
			`, map[string]any{
				"chunk_id":    binding.ChunkID,
				"name":        entity.Name,
				"type":        entity.Type,
				"description": entity.Description,
			}); err != nil {
				return nil, fmt.Errorf("upsert entity %s: %w", entity.Name, err)
			}
		}

		return nil, nil
	})
	if err != nil {
		return err
	}

	// Drop entities nothing mentions anymore.
	if _, err := session.Run(ctx, `
		MATCH (e:Entity)
		WHERE NOT (e)<-[:MENTIONS]-(:Chunk)
		DELETE e
	`, nil); err != nil {
		return fmt.Errorf("cleanup orphaned entities: %w", err)
	}

	return nil
}

// DeleteDocumentGraph removes the graph nodes belonging to a document's
// chunks, mirroring ChunkStore.DeleteByDocument.
func DeleteDocumentGraph(ctx context.Context, driver neo4j.DriverWithContext, documentID string) error {
	if driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	queries := []string{
		"MATCH (c:Chunk {document_id: $id}) DETACH DELETE c",
		"MATCH (e:Entity) WHERE NOT (e)<-[:MENTIONS]-(:Chunk) DELETE e",
	}
	for _, query := range queries {
		result, err := session.Run(ctx, query, map[string]any{"id": documentID})
		if err != nil {
			return fmt.Errorf("delete document graph: %w", err)
		}
		if _, err := result.Consume(ctx); err != nil {
			return fmt.Errorf("delete document graph: %w", err)
		}
	}

	return nil
}
