package search

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/fabfab/rag-backend/knowledge"
	"github.com/fabfab/rag-backend/llm"
	"github.com/fabfab/rag-backend/models"
)

// EntityExtractor finds candidate entity mentions in chunk text.
type EntityExtractor interface {
	Extract(ctx context.Context, text string) ([]string, error)
}

// Augmenter attaches knowledge-graph entities to search results. A searched
// result always ends up with a KGEntities list, empty when nothing matched.
// Backend failures are non-fatal: affected results keep KGEntities unset and
// the pipeline proceeds.
type Augmenter struct {
	extractor EntityExtractor
	entities  knowledge.EntityStore
	timeout   time.Duration
	logger    *log.Logger
}

func NewAugmenter(extractor EntityExtractor, entities knowledge.EntityStore, timeout time.Duration, logger *log.Logger) *Augmenter {
	if logger == nil {
		logger = log.Default()
	}
	return &Augmenter{
		extractor: extractor,
		entities:  entities,
		timeout:   timeout,
		logger:    logger,
	}
}

// Augment resolves graph entities for each result. Results the stage searched
// carry a list, empty when nothing matched; results whose extraction or
// lookup failed keep KGEntities unset, same as a stage that never ran.
func (a *Augmenter) Augment(ctx context.Context, results []models.SearchResult) {
	if a.extractor == nil || a.entities == nil {
		a.logger.Printf("kg augmentation skipped: extractor or entity store not configured")
		return
	}

	for i := range results {
		a.augmentOne(ctx, &results[i])
	}
}

func (a *Augmenter) augmentOne(ctx context.Context, result *models.SearchResult) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	mentions, err := a.extractor.Extract(ctx, result.Content)
	if err != nil {
		a.logger.Printf("entity extraction failed for result %s: %v", result.ID, err)
		return
	}

	records := []map[string]any{}
	if len(mentions) > 0 {
		entities, err := a.entities.EntitiesForMentions(ctx, mentions)
		if err != nil {
			a.logger.Printf("kg lookup failed for result %s: %v", result.ID, err)
			return
		}
		for _, entity := range entities {
			record := map[string]any{"name": entity.Name}
			if entity.Type != "" {
				record["type"] = entity.Type
			}
			if entity.Description != "" {
				record["description"] = entity.Description
			}
			records = append(records, record)
		}
	}
	result.KGEntities = &records
}

// LLMEntityExtractor asks the LLM collaborator for the named entities in a
// text and parses the line-separated reply.
type LLMEntityExtractor struct {
	client llm.Client
}

func NewLLMEntityExtractor(client llm.Client) *LLMEntityExtractor {
	return &LLMEntityExtractor{client: client}
}

func (e *LLMEntityExtractor) Extract(ctx context.Context, text string) ([]string, error) {
	if e.client == nil {
		return nil, fmt.Errorf("llm client is not configured")
	}

	reply, err := e.client.Generate(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: "Extract the named entities (people, concepts, organizations, terms) from the user's text. Reply with one entity name per line and nothing else. Reply with an empty line if there are none."},
		{Role: llm.RoleUser, Content: text},
	})
	if err != nil {
		return nil, fmt.Errorf("extract entities: %w", err)
	}

	lines := strings.Split(reply, "\n")
	mentions := make([]string, 0, len(lines))
	seen := make(map[string]struct{}, len(lines))
	for _, line := range lines {
		name := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*0123456789. "))
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		mentions = append(mentions, name)
	}

	return mentions, nil
}

var _ EntityExtractor = (*LLMEntityExtractor)(nil)
