// Package models defines the wire contract shared by the search and
// evaluation APIs. Optional fields are pointers so that an absent field
// survives a JSON round trip without collapsing into a zero value.
package models

import "time"

// DocumentMetadata carries the provenance of a chunk. ChunkIndex is the
// chunk's position within its parent document and is unique per DocumentID.
type DocumentMetadata struct {
	SourceFile string     `json:"source_file"`
	DocumentID *string    `json:"document_id,omitempty"`
	Section    *string    `json:"section,omitempty"`
	PageNum    *int       `json:"page_num,omitempty"`
	ChunkIndex int        `json:"chunk_index"`
	FileType   *string    `json:"file_type,omitempty"`
	FileSize   *int64     `json:"file_size,omitempty"`
	CreatedAt  *time.Time `json:"created_at,omitempty"`
}

// DocumentChunk is a stored unit of document text. The embedding, when set,
// must match the owning store's configured dimension.
type DocumentChunk struct {
	ChunkID   string           `json:"chunk_id"`
	Content   string           `json:"content"`
	Metadata  DocumentMetadata `json:"metadata"`
	Embedding []float32        `json:"embedding,omitempty"`
}

// SearchRequest is the inbound search payload. UseReranker defaults to true
// and UseKG to false when the fields are omitted; DefaultSearchRequest applies
// those defaults before decoding.
type SearchRequest struct {
	Query       string            `json:"query"`
	UseReranker bool              `json:"use_reranker"`
	UseKG       bool              `json:"use_kg"`
	TopK        *int              `json:"top_k,omitempty"`
	FilterDict  map[string]string `json:"filter_dict,omitempty"`
}

// DefaultSearchRequest returns a request with the documented field defaults.
// Decode into the returned value so omitted booleans keep their defaults.
func DefaultSearchRequest() SearchRequest {
	return SearchRequest{UseReranker: true, UseKG: false}
}

const (
	// MinTopK and MaxTopK bound the accepted top_k range.
	MinTopK = 1
	MaxTopK = 50
)

// SearchResult is one ranked hit. KGEntities is a pointer so both of its
// states survive marshaling: absent means augmentation did not run for this
// result, a pointer to an empty slice marshals as [] and means it ran and
// found nothing.
type SearchResult struct {
	ID         string            `json:"id"`
	Content    string            `json:"content"`
	Score      float64           `json:"score"`
	Metadata   map[string]any    `json:"metadata"`
	KGEntities *[]map[string]any `json:"kg_entities,omitempty"`
}

// SearchResponse echoes the query and carries hits in descending relevance
// order, ties broken by prior-stage order.
type SearchResponse struct {
	Query         string         `json:"query"`
	Results       []SearchResult `json:"results"`
	Total         int            `json:"total"`
	RetrievalTime *float64       `json:"retrieval_time,omitempty"`
}

// EvaluationRecord is one labeled sample of an evaluation dataset.
type EvaluationRecord struct {
	Question    string   `json:"question"`
	Answer      string   `json:"answer"`
	Contexts    []string `json:"contexts"`
	GroundTruth string   `json:"ground_truth"`
}

// EvaluationRequest selects a framework ("ragas" by default) and optionally
// restricts the metric set.
type EvaluationRequest struct {
	Dataset   []EvaluationRecord `json:"dataset"`
	Framework string             `json:"framework"`
	Metrics   []string           `json:"metrics,omitempty"`
}

// DefaultFramework is used when EvaluationRequest.Framework is empty.
const DefaultFramework = "ragas"

// EvaluationResponse reports aggregate metric scores for the scored dataset.
type EvaluationResponse struct {
	Framework    string             `json:"framework"`
	Metrics      map[string]float64 `json:"metrics"`
	TotalSamples int                `json:"total_samples"`
	Details      map[string]any     `json:"details,omitempty"`
}

// DocumentInfo summarizes one ingested document.
type DocumentInfo struct {
	DocumentID  string  `json:"document_id"`
	SourceFile  string  `json:"source_file"`
	ChunksCount int     `json:"chunks_count"`
	UploadTime  *string `json:"upload_time,omitempty"`
	Parser      *string `json:"parser,omitempty"`
}

// DocumentListResponse lists all ingested documents.
type DocumentListResponse struct {
	Documents []DocumentInfo `json:"documents"`
	Total     int            `json:"total"`
}
