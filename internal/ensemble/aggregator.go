// Package ensemble combines (method, scenario) valuations, confidences and
// learned weights into a single fair value with a confidence score and an
// empirical value range.
package ensemble

import (
	"math"
	"sort"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/fairval/internal/domain"
)

// Quality score component weights. These are a fixed contract.
const (
	qualityAgreementWeight    = 30.0
	qualityCompletenessWeight = 20.0
	qualityTrendWeight        = 30.0
	qualityConfidenceWeight   = 20.0
)

// MinIncludedCells flags results built from fewer valid cells as
// insufficient-data: still returned, but marked for callers.
const MinIncludedCells = 3

// Aggregator blends cell results into one EnsembleResult.
type Aggregator struct {
	scenarioWeights map[string]float64
	log             zerolog.Logger
}

// New creates an aggregator with fixed per-scenario blend weights.
func New(scenarioWeights map[string]float64, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		scenarioWeights: scenarioWeights,
		log:             log.With().Str("component", "ensemble_aggregator").Logger(),
	}
}

// Aggregate combines the cells under the given model weights.
//
//	final = Σ(model_w · scenario_w · confidence · value) / Σ(model_w · scenario_w · confidence)
//
// summed only over cells with value > 0: non-positive cells are missing
// evidence, not zero evidence. When the denominator is zero a zero-confidence
// sentinel result is returned instead of an error; callers must check
// confidence before use.
//
// priceHistory is optional (chronological closes for the company); it feeds
// the trend component of the quality score and defaults to neutral.
func (a *Aggregator) Aggregate(
	company string,
	valuationDate time.Time,
	cells []domain.MethodValuation,
	modelWeights map[string]float64,
	priceHistory []float64,
) domain.EnsembleResult {
	result := domain.EnsembleResult{
		Company:         company,
		ValuationDate:   valuationDate,
		Cells:           cells,
		ModelWeights:    modelWeights,
		ScenarioWeights: a.scenarioWeights,
	}

	var (
		numerator, denominator float64
		included               []float64
		confidences            []float64
	)

	for _, cell := range cells {
		if !cell.Valid() {
			continue
		}
		w := modelWeights[cell.Method] * a.scenarioWeights[cell.Scenario] * cell.Confidence
		numerator += w * cell.Value
		denominator += w
		included = append(included, cell.Value)
		confidences = append(confidences, cell.Confidence)
	}

	result.IncludedCells = len(included)

	if denominator == 0 {
		// Zero-confidence sentinel: no usable evidence.
		a.log.Warn().
			Str("company", company).
			Int("cells", len(cells)).
			Msg("Aggregation denominator is zero, returning sentinel result")
		result.InsufficientData = true
		result.Recommendation = "insufficient_data"
		return result
	}

	result.FinalFairValue = domain.RoundCurrency(numerator / denominator)

	// Confidence measures cross-estimator agreement, independent of the
	// weights that produced the final value.
	result.ConfidenceScore = domain.RoundScore(agreement(included))

	low, high := percentileRange(included)
	result.ValueRangeLow = domain.RoundCurrency(low)
	result.ValueRangeHigh = domain.RoundCurrency(high)

	completeness := float64(len(included)) / float64(domain.CellCount)
	avgConfidence := stat.Mean(confidences, nil)
	trend := TrendScore(priceHistory)

	result.QualityScore = math.Round(qualityAgreementWeight*result.ConfidenceScore +
		qualityCompletenessWeight*completeness +
		qualityTrendWeight*trend +
		qualityConfidenceWeight*avgConfidence) // [0,100]

	if len(included) < MinIncludedCells {
		result.InsufficientData = true
	}
	result.Recommendation = recommendation(result)

	return result
}

// agreement returns clamp(1 - coefficient_of_variation, 0, 1).
func agreement(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := stat.Mean(values, nil)
	if mean == 0 {
		return 0
	}
	cv := 0.0
	if len(values) > 1 {
		cv = stat.PopStdDev(values, nil) / math.Abs(mean)
	}
	return domain.Clamp01(1 - cv)
}

// percentileRange returns the empirical 10th and 90th percentiles.
func percentileRange(values []float64) (low, high float64) {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	low = stat.Quantile(0.10, stat.Empirical, sorted, nil)
	high = stat.Quantile(0.90, stat.Empirical, sorted, nil)
	return low, high
}

// TrendScore scores recent price action in [0,1] from simple moving
// averages. With fewer than 50 closes the score is neutral (0.5).
func TrendScore(prices []float64) float64 {
	const longWindow = 50
	if len(prices) < longWindow {
		return 0.5
	}

	sma20 := talib.Sma(prices, 20)
	sma50 := talib.Sma(prices, longWindow)

	last := prices[len(prices)-1]
	lastSma20 := sma20[len(sma20)-1]
	lastSma50 := sma50[len(sma50)-1]

	score := 0.0
	if last > lastSma20 {
		score += 0.35
	}
	if last > lastSma50 {
		score += 0.35
	}
	if lastSma20 > lastSma50 {
		score += 0.30
	}
	return score
}

// recommendation labels how much trust the estimate deserves. It is about
// estimate reliability, not buy/sell advice; that is the mispricing
// detector's job.
func recommendation(r domain.EnsembleResult) string {
	switch {
	case r.InsufficientData:
		return "insufficient_data"
	case r.ConfidenceScore >= 0.75 && r.QualityScore >= 70:
		return "reliable"
	case r.ConfidenceScore >= 0.50:
		return "indicative"
	default:
		return "low_confidence"
	}
}
