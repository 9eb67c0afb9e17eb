// Package evaluation scores retrieval/answer quality against labeled
// datasets through interchangeable framework adapters. Each adapter wraps one
// third-party scoring backend behind the Adapter interface, and the engine
// normalizes their output into a single response shape.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/fabfab/rag-backend/models"
)

var (
	// ErrUnsupportedFramework reports a framework name with no registered adapter.
	ErrUnsupportedFramework = errors.New("unsupported evaluation framework")
	// ErrEmptyDataset reports an evaluation request with no samples.
	ErrEmptyDataset = errors.New("evaluation dataset is empty")
	// ErrMalformedRecord reports a dataset record missing a required field.
	ErrMalformedRecord = errors.New("malformed dataset record")
	// ErrUnknownMetric reports a requested metric the framework does not compute.
	ErrUnknownMetric = errors.New("unknown metric")
	// ErrEvaluationBackend wraps failures inside a framework's scoring backend.
	ErrEvaluationBackend = errors.New("evaluation backend error")
)

// Adapter wraps one evaluation framework. Score restricts output to the
// requested metrics (nil means the framework's default set) and returns
// aggregate scores plus optional per-sample details. Adapters are not
// assumed safe for concurrent use; the engine serializes calls per adapter.
type Adapter interface {
	Name() string
	DefaultMetrics() []string
	RequiredFields() []string
	Score(ctx context.Context, dataset []models.EvaluationRecord, metrics []string) (map[string]float64, map[string]any, error)
}

type adapterEntry struct {
	adapter Adapter
	mu      sync.Mutex
}

// Engine dispatches evaluation requests to registered adapters by framework
// name. The registry is fixed at construction time.
type Engine struct {
	adapters map[string]*adapterEntry
	logger   *log.Logger
}

func NewEngine(logger *log.Logger, adapters ...Adapter) *Engine {
	if logger == nil {
		logger = log.Default()
	}

	registry := make(map[string]*adapterEntry, len(adapters))
	for _, adapter := range adapters {
		registry[adapter.Name()] = &adapterEntry{adapter: adapter}
	}

	return &Engine{adapters: registry, logger: logger}
}

// Evaluate validates the request, runs the selected adapter, and wraps its
// output. Metrics are passed through exactly as the adapter returned them.
func (e *Engine) Evaluate(ctx context.Context, req models.EvaluationRequest) (models.EvaluationResponse, error) {
	framework := req.Framework
	if framework == "" {
		framework = models.DefaultFramework
	}

	entry, ok := e.adapters[framework]
	if !ok {
		return models.EvaluationResponse{}, fmt.Errorf("%q: %w", framework, ErrUnsupportedFramework)
	}

	if len(req.Dataset) == 0 {
		return models.EvaluationResponse{}, ErrEmptyDataset
	}
	if err := validateDataset(req.Dataset, entry.adapter.RequiredFields()); err != nil {
		return models.EvaluationResponse{}, err
	}

	entry.mu.Lock()
	metrics, details, err := entry.adapter.Score(ctx, req.Dataset, req.Metrics)
	entry.mu.Unlock()
	if err != nil {
		if errors.Is(err, ErrUnknownMetric) {
			return models.EvaluationResponse{}, err
		}
		return models.EvaluationResponse{}, fmt.Errorf("%s: %v: %w", framework, err, ErrEvaluationBackend)
	}

	e.logger.Printf("evaluated %d samples with %s (%d metrics)", len(req.Dataset), framework, len(metrics))

	return models.EvaluationResponse{
		Framework:    framework,
		Metrics:      metrics,
		TotalSamples: len(req.Dataset),
		Details:      details,
	}, nil
}

func validateDataset(dataset []models.EvaluationRecord, required []string) error {
	for i, record := range dataset {
		for _, field := range required {
			switch field {
			case "question":
				if record.Question == "" {
					return malformed(i, field)
				}
			case "answer":
				if record.Answer == "" {
					return malformed(i, field)
				}
			case "contexts":
				if len(record.Contexts) == 0 {
					return malformed(i, field)
				}
			case "ground_truth":
				if record.GroundTruth == "" {
					return malformed(i, field)
				}
			}
		}
	}
	return nil
}

func malformed(index int, field string) error {
	return fmt.Errorf("record %d missing %s: %w", index, field, ErrMalformedRecord)
}

// resolveMetrics restricts the default metric set to the requested subset,
// preserving the default ordering. Unknown names fail with ErrUnknownMetric.
func resolveMetrics(defaults, requested []string) ([]string, error) {
	if len(requested) == 0 {
		return defaults, nil
	}

	known := make(map[string]struct{}, len(defaults))
	for _, name := range defaults {
		known[name] = struct{}{}
	}
	for _, name := range requested {
		if _, ok := known[name]; !ok {
			return nil, fmt.Errorf("%q: %w", name, ErrUnknownMetric)
		}
	}

	wanted := make(map[string]struct{}, len(requested))
	for _, name := range requested {
		wanted[name] = struct{}{}
	}
	resolved := make([]string, 0, len(requested))
	for _, name := range defaults {
		if _, ok := wanted[name]; ok {
			resolved = append(resolved, name)
		}
	}
	return resolved, nil
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
