package valuation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/fairval/internal/domain"
	"github.com/aristath/fairval/internal/ensemble"
	"github.com/aristath/fairval/internal/features"
	"github.com/aristath/fairval/internal/methods"
	"github.com/aristath/fairval/internal/mispricing"
	"github.com/aristath/fairval/internal/scenario"
	"github.com/aristath/fairval/internal/weighting"
)

// fixedAdapter returns one value regardless of company or scenario.
type fixedAdapter struct {
	value float64
	err   error
}

func (a fixedAdapter) Evaluate(context.Context, methods.EvaluateRequest) (*methods.EvaluateResult, error) {
	if a.err != nil {
		return nil, a.err
	}
	return &methods.EvaluateResult{Value: a.value, Confidence: 0.9}, nil
}

type stubRecorder struct {
	id         string
	err        error
	recorded   int
	snapshotID string
}

func (r *stubRecorder) RecordPrediction(_ context.Context, _ domain.EnsembleResult, snapshotID string) (string, error) {
	r.recorded++
	r.snapshotID = snapshotID
	return r.id, r.err
}

// activeSnapshotReader serves a fixed snapshot as the production weight tier.
type activeSnapshotReader struct {
	snapshot *domain.WeightSnapshot
}

func (r *activeSnapshotReader) GetActiveSnapshot(context.Context, time.Time) (*domain.WeightSnapshot, error) {
	return r.snapshot, nil
}

func newTestService(t *testing.T, value float64, rec Recorder) *Service {
	t.Helper()

	registry := methods.NewRegistry()
	for _, name := range domain.MethodNames() {
		require.NoError(t, registry.Register(name, fixedAdapter{value: value}))
	}

	provider := scenario.NewProvider()
	hub := mispricing.NewHub()

	return New(Deps{
		Engine:     scenario.NewEngine(registry, provider, scenario.Config{}, zerolog.Nop()),
		Extractor:  features.NewExtractor(nil, 0, zerolog.Nop()),
		Model:      weighting.NewModel(nil, zerolog.Nop()),
		Aggregator: ensemble.New(provider.Weights(), zerolog.Nop()),
		Detector:   mispricing.NewDetector(zerolog.Nop()),
		Alerter:    mispricing.NewAlerter(mispricing.DefaultAlertConfig(), hub, zerolog.Nop()),
		Recorder:   rec,
		Log:        zerolog.Nop(),
	})
}

func TestEvaluate_RejectsEmptyCompany(t *testing.T) {
	svc := newTestService(t, 100, nil)

	_, err := svc.Evaluate(context.Background(), Request{})
	assert.True(t, domain.IsValidation(err))
}

func TestEvaluate_FullPipeline(t *testing.T) {
	svc := newTestService(t, 100, nil)

	out, err := svc.Evaluate(context.Background(), Request{Company: "AAPL"})
	require.NoError(t, err)

	assert.True(t, out.Ensemble.Usable())
	assert.Equal(t, domain.CellCount, out.Ensemble.IncludedCells)
	assert.Greater(t, out.Ensemble.FinalFairValue, 0.0)
	assert.Equal(t, weighting.SourceEqual, out.WeightSource)
	assert.Nil(t, out.Mispricing, "no current price, no mispricing score")
	assert.Empty(t, out.PredictionID)
}

func TestEvaluate_MispricingAndAlert(t *testing.T) {
	// Fair value near 100 against a price of 60: a large undervaluation
	// that should clear the alert thresholds.
	svc := newTestService(t, 100, nil)

	out, err := svc.Evaluate(context.Background(), Request{
		Company:      "AAPL",
		CurrentPrice: 60,
	})
	require.NoError(t, err)

	require.NotNil(t, out.Mispricing)
	assert.Equal(t, domain.ClassUndervalued, out.Mispricing.Classification)
	assert.Greater(t, out.Mispricing.MispricingPct, 0.0)

	require.NotNil(t, out.Alert)
	assert.Equal(t, "buy", out.Alert.Action)
}

func TestEvaluate_NoAlertWhenFairlyValued(t *testing.T) {
	svc := newTestService(t, 100, nil)

	out, err := svc.Evaluate(context.Background(), Request{
		Company:      "AAPL",
		CurrentPrice: 99,
	})
	require.NoError(t, err)

	require.NotNil(t, out.Mispricing)
	assert.Equal(t, domain.ClassFairlyValued, out.Mispricing.Classification)
	assert.Nil(t, out.Alert)
}

func TestEvaluate_RecordsPrediction(t *testing.T) {
	rec := &stubRecorder{id: "pred-1"}
	svc := newTestService(t, 100, rec)

	out, err := svc.Evaluate(context.Background(), Request{
		Company: "AAPL",
		Record:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, "pred-1", out.PredictionID)
	assert.Equal(t, 1, rec.recorded)
}

func TestEvaluate_RecordsSnapshotIDOnProductionPath(t *testing.T) {
	weights := make(map[string]float64, domain.MethodCount)
	for _, name := range domain.MethodNames() {
		weights[name] = 1.0 / float64(domain.MethodCount)
	}
	reader := &activeSnapshotReader{snapshot: &domain.WeightSnapshot{ID: "snap-123", Weights: weights}}

	registry := methods.NewRegistry()
	for _, name := range domain.MethodNames() {
		require.NoError(t, registry.Register(name, fixedAdapter{value: 100}))
	}
	provider := scenario.NewProvider()

	rec := &stubRecorder{id: "pred-1"}
	svc := New(Deps{
		Engine:     scenario.NewEngine(registry, provider, scenario.Config{}, zerolog.Nop()),
		Extractor:  features.NewExtractor(nil, 0, zerolog.Nop()),
		Model:      weighting.NewModel(reader, zerolog.Nop()),
		Aggregator: ensemble.New(provider.Weights(), zerolog.Nop()),
		Recorder:   rec,
		Log:        zerolog.Nop(),
	})

	out, err := svc.Evaluate(context.Background(), Request{
		Company: "AAPL",
		Record:  true,
	})
	require.NoError(t, err)

	assert.Equal(t, weighting.SourceSnapshot, out.WeightSource)
	assert.Equal(t, "pred-1", out.PredictionID)
	assert.Equal(t, "snap-123", rec.snapshotID, "tracked prediction carries the serving snapshot")
}

func TestEvaluate_TrackingFailureDoesNotFailCall(t *testing.T) {
	rec := &stubRecorder{err: errors.New("storage down")}
	svc := newTestService(t, 100, rec)

	out, err := svc.Evaluate(context.Background(), Request{
		Company: "AAPL",
		Record:  true,
	})
	require.NoError(t, err)
	assert.Empty(t, out.PredictionID)
	assert.Equal(t, 1, rec.recorded)
}

func TestEvaluate_AllMethodsFailing(t *testing.T) {
	registry := methods.NewRegistry()
	for _, name := range domain.MethodNames() {
		require.NoError(t, registry.Register(name, fixedAdapter{err: errors.New("no data")}))
	}
	provider := scenario.NewProvider()

	rec := &stubRecorder{id: "pred-1"}
	svc := New(Deps{
		Engine:     scenario.NewEngine(registry, provider, scenario.Config{}, zerolog.Nop()),
		Extractor:  features.NewExtractor(nil, 0, zerolog.Nop()),
		Model:      weighting.NewModel(nil, zerolog.Nop()),
		Aggregator: ensemble.New(provider.Weights(), zerolog.Nop()),
		Detector:   mispricing.NewDetector(zerolog.Nop()),
		Recorder:   rec,
		Log:        zerolog.Nop(),
	})

	out, err := svc.Evaluate(context.Background(), Request{
		Company:      "AAPL",
		CurrentPrice: 100,
		Record:       true,
	})
	require.NoError(t, err)

	assert.False(t, out.Ensemble.Usable())
	assert.True(t, out.Ensemble.InsufficientData)
	assert.Nil(t, out.Mispricing)
	assert.Empty(t, out.PredictionID)
	assert.Zero(t, rec.recorded, "unusable results are not tracked")
}
