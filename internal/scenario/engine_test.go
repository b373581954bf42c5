package scenario

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/fairval/internal/domain"
	"github.com/aristath/fairval/internal/methods"
)

// stubAdapter produces a growth-sensitive value so scenario ordering is
// observable: more growth means a higher valuation.
type stubAdapter struct {
	base       float64
	confidence float64
	err        error
	panics     bool
}

func (a *stubAdapter) Evaluate(_ context.Context, req methods.EvaluateRequest) (*methods.EvaluateResult, error) {
	if a.panics {
		panic("adapter exploded")
	}
	if a.err != nil {
		return nil, a.err
	}
	return &methods.EvaluateResult{
		Value:      a.base * (1 + 10*req.Adjustments.GrowthDelta),
		Confidence: a.confidence,
	}, nil
}

func setupEngine(t *testing.T, adapters map[string]methods.Adapter) *Engine {
	t.Helper()
	registry := methods.NewRegistry()
	for name, a := range adapters {
		require.NoError(t, registry.Register(name, a))
	}
	return NewEngine(registry, NewProvider(), Config{Concurrency: 4, CellTimeout: time.Second}, zerolog.Nop())
}

func allAdapters(base float64) map[string]methods.Adapter {
	out := make(map[string]methods.Adapter)
	for _, name := range domain.MethodNames() {
		out[name] = &stubAdapter{base: base, confidence: 0.9}
	}
	return out
}

func TestEngine_Run_DeterministicOrder(t *testing.T) {
	engine := setupEngine(t, allAdapters(100))

	cells := engine.Run(context.Background(), "ACME", time.Now())
	require.Len(t, cells, domain.CellCount)

	idx := 0
	for _, method := range domain.MethodNames() {
		for _, scenario := range domain.ScenarioNames() {
			assert.Equal(t, method, cells[idx].Method, "cell %d", idx)
			assert.Equal(t, scenario, cells[idx].Scenario, "cell %d", idx)
			idx++
		}
	}
}

func TestEngine_Run_ScenarioOrdering(t *testing.T) {
	engine := setupEngine(t, allAdapters(100))

	cells := engine.Run(context.Background(), "ACME", time.Now())

	byScenario := make(map[string]float64)
	for _, cell := range cells {
		if cell.Method == domain.MethodDCF {
			byScenario[cell.Scenario] = cell.Value
		}
	}

	assert.Greater(t, byScenario["bull"], byScenario["base"])
	assert.Greater(t, byScenario["base"], byScenario["bear"])
	assert.InDelta(t, 100.0, byScenario["base"], 1e-9)
}

func TestEngine_Run_OneFailingMethodLeavesSiblingsIntact(t *testing.T) {
	adapters := allAdapters(100)
	adapters[domain.MethodGraham] = &stubAdapter{err: errors.New("upstream unavailable")}
	engine := setupEngine(t, adapters)

	cells := engine.Run(context.Background(), "ACME", time.Now())
	require.Len(t, cells, domain.CellCount)

	validCount := 0
	for _, cell := range cells {
		if cell.Method == domain.MethodGraham {
			assert.False(t, cell.Valid())
			assert.Zero(t, cell.Value)
			assert.Zero(t, cell.Confidence)
			assert.Contains(t, cell.Details, "error")
		} else if cell.Valid() {
			validCount++
		}
	}
	assert.Equal(t, 21, validCount, "the other 7 methods keep all 3 scenarios")
}

func TestEngine_Run_PanicBecomesZeroedCell(t *testing.T) {
	adapters := allAdapters(100)
	adapters[domain.MethodEVEBITDA] = &stubAdapter{panics: true}
	engine := setupEngine(t, adapters)

	cells := engine.Run(context.Background(), "ACME", time.Now())

	for _, cell := range cells {
		if cell.Method == domain.MethodEVEBITDA {
			assert.False(t, cell.Valid())
			assert.Equal(t, "adapter panic", cell.Details["error"])
		}
	}
}

func TestEngine_Run_ZeroConfidenceInheritsScenarioDefault(t *testing.T) {
	adapters := allAdapters(100)
	for name := range adapters {
		adapters[name] = &stubAdapter{base: 100, confidence: 0}
	}
	engine := setupEngine(t, adapters)

	cells := engine.Run(context.Background(), "ACME", time.Now())

	for _, cell := range cells {
		require.True(t, cell.Valid())
		switch cell.Scenario {
		case domain.ScenarioBase:
			assert.Equal(t, 0.90, cell.Confidence)
		default:
			assert.Equal(t, 0.80, cell.Confidence)
		}
	}
}

func TestEngine_Run_UnregisteredMethodIsAbsent(t *testing.T) {
	adapters := allAdapters(100)
	delete(adapters, domain.MethodResidualIncome)
	engine := setupEngine(t, adapters)

	cells := engine.Run(context.Background(), "ACME", time.Now())
	require.Len(t, cells, (domain.MethodCount-1)*domain.ScenarioCount)

	for _, cell := range cells {
		assert.NotEqual(t, domain.MethodResidualIncome, cell.Method)
	}
}
