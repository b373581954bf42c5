package scenario

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/fairval/internal/domain"
	"github.com/aristath/fairval/internal/methods"
)

// Engine runs every registered valuation method against all scenarios.
// The (method, scenario) cells are independent: each failure is caught and
// recorded as value=0 / confidence=0 with an error detail, and never aborts
// sibling cells.
type Engine struct {
	registry    Registry
	provider    *Provider
	concurrency int
	cellTimeout time.Duration
	log         zerolog.Logger
}

// Registry is the subset of the adapter registry the engine needs.
type Registry interface {
	Get(name string) (methods.Adapter, bool)
	Names() []string
}

// Config holds engine tuning knobs.
type Config struct {
	Concurrency int           // Bounded fan-out width (default 8)
	CellTimeout time.Duration // Per-cell deadline (default 10s)
}

// NewEngine creates a scenario engine.
func NewEngine(registry Registry, provider *Provider, cfg Config, log zerolog.Logger) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.CellTimeout <= 0 {
		cfg.CellTimeout = 10 * time.Second
	}
	return &Engine{
		registry:    registry,
		provider:    provider,
		concurrency: cfg.Concurrency,
		cellTimeout: cfg.CellTimeout,
		log:         log.With().Str("component", "scenario_engine").Logger(),
	}
}

// cellJob identifies one (method, scenario) evaluation.
type cellJob struct {
	index    int
	method   string
	scenario domain.ScenarioParameters
}

// Run evaluates all (method, scenario) cells for one company and returns the
// results in deterministic order: methods in canonical order, scenarios
// bull/base/bear within each method.
func (e *Engine) Run(ctx context.Context, company string, valuationDate time.Time) []domain.MethodValuation {
	methodNames := e.registry.Names()
	scenarios := e.provider.All()

	total := len(methodNames) * len(scenarios)
	results := make([]domain.MethodValuation, total)

	jobs := make(chan cellJob, total)
	var wg sync.WaitGroup

	workers := e.concurrency
	if total < workers {
		workers = total
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				results[job.index] = e.runCell(ctx, company, valuationDate, job)
			}
		}()
	}

	idx := 0
	for _, method := range methodNames {
		for _, sc := range scenarios {
			jobs <- cellJob{index: idx, method: method, scenario: sc}
			idx++
		}
	}
	close(jobs)

	wg.Wait()

	return results
}

// runCell evaluates a single cell with its own deadline. Panics and errors
// from the adapter are converted into a zeroed cell.
func (e *Engine) runCell(ctx context.Context, company string, valuationDate time.Time, job cellJob) (out domain.MethodValuation) {
	out = domain.MethodValuation{
		Method:   job.method,
		Scenario: job.scenario.Name,
	}

	defer func() {
		if p := recover(); p != nil {
			e.log.Error().
				Str("method", job.method).
				Str("scenario", job.scenario.Name).
				Interface("panic", p).
				Msg("Adapter panicked, cell zeroed")
			out.Value = 0
			out.Confidence = 0
			out.Details = map[string]interface{}{"error": "adapter panic"}
		}
	}()

	adapter, ok := e.registry.Get(job.method)
	if !ok {
		out.Details = map[string]interface{}{"error": "method not registered"}
		return out
	}

	cellCtx, cancel := context.WithTimeout(ctx, e.cellTimeout)
	defer cancel()

	result, err := adapter.Evaluate(cellCtx, methods.EvaluateRequest{
		Company:       company,
		ValuationDate: valuationDate,
		Adjustments:   job.scenario.Adjustments,
	})
	if err != nil {
		e.log.Warn().
			Err(err).
			Str("method", job.method).
			Str("scenario", job.scenario.Name).
			Str("company", company).
			Msg("Cell evaluation failed, recording zero cell")
		out.Details = map[string]interface{}{"error": err.Error()}
		return out
	}

	out.Value = result.Value
	out.Confidence = domain.Clamp01(result.Confidence)
	out.Details = result.Details

	// Methods that produce a value but no confidence estimate inherit the
	// scenario's default confidence.
	if out.Value > 0 && out.Confidence == 0 {
		out.Confidence = job.scenario.BaseConfidence
	}

	return out
}
