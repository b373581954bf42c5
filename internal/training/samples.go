package training

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/aristath/fairval/internal/domain"
	"github.com/aristath/fairval/internal/features"
	"github.com/aristath/fairval/internal/weighting"
)

// sample is one training example: the feature view of a resolved prediction,
// the target weight distribution its realized errors imply, and the raw
// per-method predictions used for error evaluation in the backtest and A/B
// stages.
type sample struct {
	weighting.Sample
	Predicted map[string]float64
	Actual    float64
}

// targetTemperature controls how sharply realized errors concentrate the
// target distribution on the better methods.
const targetTemperature = 10.0

// buildSamples converts resolved performance records into training samples,
// oldest first. Records without a positive actual price or without any
// per-method prediction are skipped.
func buildSamples(records []domain.PerformanceRecord, accuracy map[string]float64) []sample {
	out := make([]sample, 0, len(records))
	for _, rec := range records {
		if rec.ActualPrice <= 0 || len(rec.Predicted) == 0 {
			continue
		}
		out = append(out, sample{
			Sample: weighting.Sample{
				Features: recordFeatures(rec, accuracy),
				Target:   targetWeights(rec),
			},
			Predicted: rec.Predicted,
			Actual:    rec.ActualPrice,
		})
	}
	return out
}

// recordFeatures builds the feature-vector view of a historical record.
// Cross-scenario dispersion is unavailable after the fact, so those slots
// stay zero; the value statistics come from the per-method predictions and
// the accuracy slots from trailing stats.
func recordFeatures(rec domain.PerformanceRecord, accuracy map[string]float64) []float64 {
	vec := make([]float64, features.Size)
	for i := 2*domain.MethodCount + 3; i < features.Size; i++ {
		vec[i] = 0.5
	}

	for i, name := range domain.MethodNames() {
		acc, ok := accuracy[name]
		if !ok {
			acc = features.DefaultAccuracy
		}
		vec[domain.MethodCount+i] = acc
	}

	values := make([]float64, 0, len(rec.Predicted))
	for _, v := range rec.Predicted {
		if v > 0 {
			values = append(values, v)
		}
	}
	if len(values) > 0 {
		sort.Float64s(values)
		vec[2*domain.MethodCount] = stat.Mean(values, nil)
		if len(values) > 1 {
			vec[2*domain.MethodCount+1] = stat.PopStdDev(values, nil)
		}
		vec[2*domain.MethodCount+2] = stat.Quantile(0.5, stat.Empirical, values, nil)
	}

	return vec
}

// targetWeights derives the ideal weight distribution from realized errors:
// a temperature softmax over negative error concentrates mass on the methods
// that were closest to the realized price.
func targetWeights(rec domain.PerformanceRecord) []float64 {
	target := make([]float64, domain.MethodCount)
	sum := 0.0
	for i, name := range domain.MethodNames() {
		errPct, ok := rec.MethodErrors[name]
		if !ok {
			continue
		}
		target[i] = math.Exp(-errPct / targetTemperature)
		sum += target[i]
	}

	if sum == 0 {
		for i := range target {
			target[i] = 1.0 / float64(domain.MethodCount)
		}
		return target
	}

	for i := range target {
		target[i] /= sum
	}
	return target
}

// weightedPrediction combines a sample's per-method predictions under a
// weight vector, renormalizing over the methods actually present.
func weightedPrediction(s sample, weights map[string]float64) float64 {
	num, den := 0.0, 0.0
	for method, pred := range s.Predicted {
		w := weights[method]
		num += w * pred
		den += w
	}
	if den == 0 {
		// None of the predicted methods carries weight; fall back to the
		// unweighted mean so the comparison stays defined.
		for _, pred := range s.Predicted {
			num += pred
		}
		return num / float64(len(s.Predicted))
	}
	return num / den
}
