package evaluation

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/fabfab/rag-backend/embeddings"
	"github.com/fabfab/rag-backend/llm"
	"github.com/fabfab/rag-backend/models"
	"github.com/fabfab/rag-backend/store"
)

const (
	MetricFaithfulness     = "faithfulness"
	MetricAnswerRelevancy  = "answer_relevancy"
	MetricContextPrecision = "context_precision"
	MetricAnswerSimilarity = "answer_similarity"
)

// RagasAdapter computes ragas-style reference-free and reference-based
// metrics. Faithfulness uses the LLM judge; the remaining metrics score
// embedding similarity. All scores are in [0,1].
type RagasAdapter struct {
	embedder embeddings.Embedder
	judge    llm.Client
}

func NewRagasAdapter(embedder embeddings.Embedder, judge llm.Client) *RagasAdapter {
	return &RagasAdapter{embedder: embedder, judge: judge}
}

func (a *RagasAdapter) Name() string { return "ragas" }

func (a *RagasAdapter) DefaultMetrics() []string {
	return []string{MetricFaithfulness, MetricAnswerRelevancy, MetricContextPrecision, MetricAnswerSimilarity}
}

func (a *RagasAdapter) RequiredFields() []string {
	return []string{"question", "answer", "contexts", "ground_truth"}
}

func (a *RagasAdapter) Score(ctx context.Context, dataset []models.EvaluationRecord, requested []string) (map[string]float64, map[string]any, error) {
	metrics, err := resolveMetrics(a.DefaultMetrics(), requested)
	if err != nil {
		return nil, nil, err
	}

	perMetric := make(map[string][]float64, len(metrics))
	details := make(map[string]any, len(dataset))

	for i, record := range dataset {
		sample := make(map[string]float64, len(metrics))
		for _, metric := range metrics {
			score, err := a.scoreSample(ctx, metric, record)
			if err != nil {
				return nil, nil, fmt.Errorf("sample %d, metric %s: %w", i, metric, err)
			}
			sample[metric] = score
			perMetric[metric] = append(perMetric[metric], score)
		}
		details[fmt.Sprintf("sample_%d", i)] = sample
	}

	aggregate := make(map[string]float64, len(metrics))
	for _, metric := range metrics {
		aggregate[metric] = mean(perMetric[metric])
	}

	return aggregate, details, nil
}

func (a *RagasAdapter) scoreSample(ctx context.Context, metric string, record models.EvaluationRecord) (float64, error) {
	switch metric {
	case MetricFaithfulness:
		return a.judgeFaithfulness(ctx, record)
	case MetricAnswerRelevancy:
		return a.embeddingSimilarity(ctx, record.Question, record.Answer)
	case MetricContextPrecision:
		return a.contextPrecision(ctx, record)
	case MetricAnswerSimilarity:
		return a.embeddingSimilarity(ctx, record.Answer, record.GroundTruth)
	default:
		return 0, fmt.Errorf("%q: %w", metric, ErrUnknownMetric)
	}
}

func (a *RagasAdapter) judgeFaithfulness(ctx context.Context, record models.EvaluationRecord) (float64, error) {
	if a.judge == nil {
		return 0, fmt.Errorf("llm judge is not configured")
	}

	prompt := fmt.Sprintf(
		"Context:\n%s\n\nAnswer:\n%s\n\nOn a scale from 0 to 10, how fully is every claim in the answer supported by the context? Reply with only the number.",
		strings.Join(record.Contexts, "\n---\n"), record.Answer,
	)
	reply, err := a.judge.Generate(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: "You grade answers strictly. Reply with a single number and nothing else."},
		{Role: llm.RoleUser, Content: prompt},
	})
	if err != nil {
		return 0, fmt.Errorf("judge faithfulness: %w", err)
	}

	return parseJudgeScore(reply, 10)
}

func (a *RagasAdapter) embeddingSimilarity(ctx context.Context, left, right string) (float64, error) {
	if a.embedder == nil {
		return 0, fmt.Errorf("embedder is not configured")
	}

	vectors, err := a.embedder.Embed(ctx, []string{left, right})
	if err != nil {
		return 0, fmt.Errorf("embed pair: %w", err)
	}
	if len(vectors) < 2 {
		return 0, fmt.Errorf("embedder returned %d vectors, want 2", len(vectors))
	}

	return store.CosineSimilarity(vectors[0], vectors[1]), nil
}

func (a *RagasAdapter) contextPrecision(ctx context.Context, record models.EvaluationRecord) (float64, error) {
	if a.embedder == nil {
		return 0, fmt.Errorf("embedder is not configured")
	}

	texts := append([]string{record.Question}, record.Contexts...)
	vectors, err := a.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed contexts: %w", err)
	}
	if len(vectors) != len(texts) {
		return 0, fmt.Errorf("embedder returned %d vectors, want %d", len(vectors), len(texts))
	}

	scores := make([]float64, 0, len(record.Contexts))
	for _, vector := range vectors[1:] {
		scores = append(scores, store.CosineSimilarity(vectors[0], vector))
	}
	return mean(scores), nil
}

// parseJudgeScore extracts the leading number from a judge reply and
// normalizes it by scale into [0,1].
func parseJudgeScore(reply string, scale float64) (float64, error) {
	fields := strings.Fields(strings.TrimSpace(reply))
	if len(fields) == 0 {
		return 0, fmt.Errorf("judge returned an empty reply")
	}

	raw := strings.TrimRight(fields[0], ".,;:")
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("judge reply %q is not numeric", reply)
	}

	normalized := value / scale
	if normalized < 0 {
		normalized = 0
	}
	if normalized > 1 {
		normalized = 1
	}
	return normalized, nil
}

var _ Adapter = (*RagasAdapter)(nil)
