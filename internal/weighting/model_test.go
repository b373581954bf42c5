package weighting

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/fairval/internal/domain"
)

type stubSnapshotReader struct {
	snapshot *domain.WeightSnapshot
	err      error
}

func (s *stubSnapshotReader) GetActiveSnapshot(_ context.Context, _ time.Time) (*domain.WeightSnapshot, error) {
	return s.snapshot, s.err
}

func allValid() map[string]bool {
	out := make(map[string]bool)
	for _, name := range domain.MethodNames() {
		out[name] = true
	}
	return out
}

func completeWeights() map[string]float64 {
	w := map[string]float64{
		domain.MethodDCF:              0.30,
		domain.MethodDividendDiscount: 0.05,
		domain.MethodGraham:           0.10,
		domain.MethodEarningsPower:    0.15,
		domain.MethodAssetBased:       0.05,
		domain.MethodPeterLynch:       0.10,
		domain.MethodEVEBITDA:         0.15,
		domain.MethodResidualIncome:   0.10,
	}
	return w
}

func TestWeights_SnapshotTakesPrecedence(t *testing.T) {
	reader := &stubSnapshotReader{snapshot: &domain.WeightSnapshot{ID: "snap-1", Weights: completeWeights()}}
	m := NewModel(reader, zerolog.Nop())
	m.SwapNetwork(NewNetwork(1)) // present but must be bypassed

	weights, source, snapshotID := m.Weights(context.Background(), make([]float64, InputSize), allValid(), time.Now())

	assert.Equal(t, SourceSnapshot, source)
	assert.Equal(t, "snap-1", snapshotID)
	assert.InDelta(t, 0.30, weights[domain.MethodDCF], 1e-9)
}

func TestWeights_IncompleteSnapshotFallsThroughToNetwork(t *testing.T) {
	incomplete := &domain.WeightSnapshot{Weights: map[string]float64{domain.MethodDCF: 1.0}}
	m := NewModel(&stubSnapshotReader{snapshot: incomplete}, zerolog.Nop())
	m.SwapNetwork(NewNetwork(1))

	_, source, snapshotID := m.Weights(context.Background(), make([]float64, InputSize), allValid(), time.Now())

	assert.Equal(t, SourceNetwork, source)
	assert.Empty(t, snapshotID)
}

func TestWeights_StoreErrorFallsThroughToNetwork(t *testing.T) {
	m := NewModel(&stubSnapshotReader{err: errors.New("db locked")}, zerolog.Nop())
	m.SwapNetwork(NewNetwork(1))

	_, source, snapshotID := m.Weights(context.Background(), make([]float64, InputSize), allValid(), time.Now())

	assert.Equal(t, SourceNetwork, source)
	assert.Empty(t, snapshotID)
}

func TestWeights_EqualWeightsAsLastResort(t *testing.T) {
	m := NewModel(&stubSnapshotReader{}, zerolog.Nop())

	weights, source, snapshotID := m.Weights(context.Background(), make([]float64, InputSize), allValid(), time.Now())

	assert.Equal(t, SourceEqual, source)
	assert.Empty(t, snapshotID)
	for _, name := range domain.MethodNames() {
		assert.InDelta(t, 0.125, weights[name], 1e-9)
	}
}

func TestWeights_InvalidMethodsMaskedAndRenormalized(t *testing.T) {
	reader := &stubSnapshotReader{snapshot: &domain.WeightSnapshot{Weights: completeWeights()}}
	m := NewModel(reader, zerolog.Nop())

	valid := allValid()
	valid[domain.MethodDCF] = false // 0.30 removed

	weights, _, _ := m.Weights(context.Background(), make([]float64, InputSize), valid, time.Now())

	assert.Zero(t, weights[domain.MethodDCF])

	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	require.InDelta(t, 1.0, sum, 1e-9)
	// 0.15 / 0.70 after removing DCF's 0.30
	assert.InDelta(t, 0.15/0.70, weights[domain.MethodEarningsPower], 1e-9)
}

func TestWeights_NoValidMethodsReturnsAllZeros(t *testing.T) {
	reader := &stubSnapshotReader{snapshot: &domain.WeightSnapshot{Weights: completeWeights()}}
	m := NewModel(reader, zerolog.Nop())

	weights, _, _ := m.Weights(context.Background(), make([]float64, InputSize), map[string]bool{}, time.Now())

	for _, w := range weights {
		assert.Zero(t, w)
	}
}

func TestWeights_MaskingIsIdempotent(t *testing.T) {
	valid := allValid()
	valid[domain.MethodGraham] = false
	valid[domain.MethodAssetBased] = false

	once := maskAndRenormalize(completeWeights(), valid)
	twice := maskAndRenormalize(once, valid)

	for _, name := range domain.MethodNames() {
		assert.InDelta(t, once[name], twice[name], 1e-12, name)
	}
}

func TestSwapNetwork_UpdatesHandleAndTimestamp(t *testing.T) {
	m := NewModel(nil, zerolog.Nop())

	_, ok := m.LastReload()
	assert.False(t, ok)
	assert.Nil(t, m.Network())

	n := NewNetwork(9)
	m.SwapNetwork(n)

	assert.Same(t, n, m.Network())
	_, ok = m.LastReload()
	assert.True(t, ok)
}
