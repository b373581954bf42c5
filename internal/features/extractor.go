// Package features builds the fixed-length feature vector feeding the
// weighting model. Extraction is deterministic given identical cell results
// and identical historical accuracy state.
package features

import (
	"context"
	"sort"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/fairval/internal/domain"
)

// Vector layout. The vector length is a fixed contract with the weighting
// model; trailing slots are reserved for future signals.
const (
	// Size is the fixed feature vector length.
	Size = 20

	dispersionOffset = 0                      // 8 slots: per-method cross-scenario dispersion
	accuracyOffset   = domain.MethodCount     // 8 slots: trailing per-method accuracy
	statsOffset      = 2 * domain.MethodCount // 3 slots: mean/std/median of valid values
	reservedOffset   = statsOffset + 3        // remaining slots: neutral placeholders
)

// DefaultAccuracy is assumed for a method with no performance history.
const DefaultAccuracy = 0.85

// DefaultLookbackDays is the rolling accuracy window.
const DefaultLookbackDays = 90

// neutralFill is the value of the reserved placeholder slots.
const neutralFill = 0.5

// StatsProvider serves trailing per-method accuracy statistics.
type StatsProvider interface {
	GetModelAccuracyStats(ctx context.Context, lookbackDays int) (map[string]domain.AccuracyStats, error)
}

// Extractor builds feature vectors from cell results and historical accuracy.
type Extractor struct {
	stats        StatsProvider
	lookbackDays int
	log          zerolog.Logger
}

// NewExtractor creates a feature extractor. A nil stats provider is allowed;
// every method then gets the default accuracy.
func NewExtractor(stats StatsProvider, lookbackDays int, log zerolog.Logger) *Extractor {
	if lookbackDays <= 0 {
		lookbackDays = DefaultLookbackDays
	}
	return &Extractor{
		stats:        stats,
		lookbackDays: lookbackDays,
		log:          log.With().Str("component", "feature_extractor").Logger(),
	}
}

// Extract builds the 20-slot feature vector for one set of cell results.
func (e *Extractor) Extract(ctx context.Context, cells []domain.MethodValuation) []float64 {
	vec := make([]float64, Size)
	for i := reservedOffset; i < Size; i++ {
		vec[i] = neutralFill
	}

	byMethod := groupByMethod(cells)

	// Slots 0-7: within-method dispersion across scenario values.
	// Population std-dev over valid points; 0 when fewer than 2.
	for i, name := range domain.MethodNames() {
		vec[dispersionOffset+i] = Dispersion(byMethod[name])
	}

	// Slots 8-15: trailing per-method accuracy.
	accuracy := e.accuracyByMethod(ctx)
	for i, name := range domain.MethodNames() {
		vec[accuracyOffset+i] = accuracy[name]
	}

	// Slots 16-18: mean / std / median over all valid collected values.
	valid := validValues(cells)
	if len(valid) > 0 {
		sort.Float64s(valid)
		vec[statsOffset] = stat.Mean(valid, nil)
		if len(valid) > 1 {
			vec[statsOffset+1] = stat.PopStdDev(valid, nil)
		}
		vec[statsOffset+2] = stat.Quantile(0.5, stat.Empirical, valid, nil)
	}

	return vec
}

// accuracyByMethod resolves trailing accuracy per method, degrading to the
// default on a missing provider, provider failure or absent history.
func (e *Extractor) accuracyByMethod(ctx context.Context) map[string]float64 {
	out := make(map[string]float64, domain.MethodCount)
	for _, name := range domain.MethodNames() {
		out[name] = DefaultAccuracy
	}

	if e.stats == nil {
		return out
	}

	stats, err := e.stats.GetModelAccuracyStats(ctx, e.lookbackDays)
	if err != nil {
		e.log.Warn().Err(err).Msg("Accuracy stats unavailable, using defaults")
		return out
	}

	for name, st := range stats {
		if st.SampleCount == 0 {
			continue
		}
		acc := 1.0 - st.MeanError/100.0
		if acc < 0 {
			acc = 0
		}
		out[name] = acc
	}

	return out
}

// Dispersion returns the population standard deviation of the valid values in
// one method's scenario cells, or 0 with fewer than 2 valid points.
func Dispersion(cells []domain.MethodValuation) float64 {
	vals := validValues(cells)
	if len(vals) < 2 {
		return 0
	}
	return stat.PopStdDev(vals, nil)
}

func groupByMethod(cells []domain.MethodValuation) map[string][]domain.MethodValuation {
	out := make(map[string][]domain.MethodValuation, domain.MethodCount)
	for _, c := range cells {
		out[c.Method] = append(out[c.Method], c)
	}
	return out
}

func validValues(cells []domain.MethodValuation) []float64 {
	vals := make([]float64, 0, len(cells))
	for _, c := range cells {
		if c.Valid() {
			vals = append(vals, c.Value)
		}
	}
	return vals
}
