package evaluation

import (
	"context"
	"fmt"
	"strings"

	"github.com/fabfab/rag-backend/embeddings"
	"github.com/fabfab/rag-backend/llm"
	"github.com/fabfab/rag-backend/models"
	"github.com/fabfab/rag-backend/store"
)

const (
	MetricCorrectness        = "correctness"
	MetricRelevancy          = "relevancy"
	MetricSemanticSimilarity = "semantic_similarity"
)

// LlamaIndexAdapter computes llamaindex-style evaluator metrics. Correctness
// grades the answer against the reference on a 0-10 judge scale; relevancy
// and faithfulness are yes/no judge verdicts; semantic similarity scores
// embeddings. All scores are in [0,1].
type LlamaIndexAdapter struct {
	embedder embeddings.Embedder
	judge    llm.Client
}

func NewLlamaIndexAdapter(embedder embeddings.Embedder, judge llm.Client) *LlamaIndexAdapter {
	return &LlamaIndexAdapter{embedder: embedder, judge: judge}
}

func (a *LlamaIndexAdapter) Name() string { return "llamaindex" }

func (a *LlamaIndexAdapter) DefaultMetrics() []string {
	return []string{MetricCorrectness, MetricRelevancy, MetricFaithfulness, MetricSemanticSimilarity}
}

func (a *LlamaIndexAdapter) RequiredFields() []string {
	return []string{"question", "answer", "contexts", "ground_truth"}
}

func (a *LlamaIndexAdapter) Score(ctx context.Context, dataset []models.EvaluationRecord, requested []string) (map[string]float64, map[string]any, error) {
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

func (a *LlamaIndexAdapter) scoreSample(ctx context.Context, metric string, record models.EvaluationRecord) (float64, error) {
	switch metric {
	case MetricCorrectness:
		return a.judgeScaled(ctx, fmt.Sprintf(
			"Question:\n%s\n\nReference answer:\n%s\n\nGenerated answer:\n%s\n\nOn a scale from 0 to 10, how correct is the generated answer compared to the reference? Reply with only the number.",
			record.Question, record.GroundTruth, record.Answer,
		))
	case MetricRelevancy:
		return a.judgeVerdict(ctx, fmt.Sprintf(
			"Question:\n%s\n\nAnswer:\n%s\n\nDoes the answer address the question? Reply YES or NO.",
			record.Question, record.Answer,
		))
	case MetricFaithfulness:
		return a.judgeVerdict(ctx, fmt.Sprintf(
			"Context:\n%s\n\nAnswer:\n%s\n\nIs the answer supported by the context? Reply YES or NO.",
			strings.Join(record.Contexts, "\n---\n"), record.Answer,
		))
	case MetricSemanticSimilarity:
		return a.embeddingSimilarity(ctx, record.Answer, record.GroundTruth)
	default:
		return 0, fmt.Errorf("%q: %w", metric, ErrUnknownMetric)
	}
}

func (a *LlamaIndexAdapter) judgeScaled(ctx context.Context, prompt string) (float64, error) {
	if a.judge == nil {
		return 0, fmt.Errorf("llm judge is not configured")
	}

	reply, err := a.judge.Generate(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: "You grade answers strictly. Reply with a single number and nothing else."},
		{Role: llm.RoleUser, Content: prompt},
	})
	if err != nil {
		return 0, fmt.Errorf("judge score: %w", err)
	}

	return parseJudgeScore(reply, 10)
}

func (a *LlamaIndexAdapter) judgeVerdict(ctx context.Context, prompt string) (float64, error) {
	if a.judge == nil {
		return 0, fmt.Errorf("llm judge is not configured")
	}

	reply, err := a.judge.Generate(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: "You are a strict evaluator. Reply with YES or NO and nothing else."},
		{Role: llm.RoleUser, Content: prompt},
	})
	if err != nil {
		return 0, fmt.Errorf("judge verdict: %w", err)
	}

	verdict := strings.ToUpper(strings.TrimSpace(reply))
	if strings.HasPrefix(verdict, "YES") {
		return 1, nil
	}
	if strings.HasPrefix(verdict, "NO") {
		return 0, nil
	}
	return 0, fmt.Errorf("judge verdict %q is not YES or NO", reply)
}

func (a *LlamaIndexAdapter) embeddingSimilarity(ctx context.Context, left, right string) (float64, error) {
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

var _ Adapter = (*LlamaIndexAdapter)(nil)
