// Package mispricing compares ensemble output to the current market price
// and produces an opportunity classification, a conviction score and
// advisory alerts.
package mispricing

import (
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/fairval/internal/domain"
)

// Mispricing classification boundary. Exactly 5% is still FAIRLY_VALUED.
const classificationBoundary = 0.05

// Conviction component weights; they sum to 100.
const (
	convictionMagnitudeWeight  = 30.0
	convictionValuationWeight  = 25.0
	convictionMLWeight         = 20.0
	convictionAgreementWeight  = 15.0
	convictionRiskRewardWeight = 10.0

	magnitudeSaturation  = 0.30 // |mispricing| at which the magnitude term maxes out
	riskRewardSaturation = 3.0
)

// MLSignal is the weighting model's view of which method to trust most for
// this company, with the model's confidence in that pick.
type MLSignal struct {
	BestMethod string
	Confidence float64 // [0,1]
}

// Detector scores mispricing opportunities from ensemble results.
type Detector struct {
	log zerolog.Logger
}

// NewDetector creates a mispricing detector.
func NewDetector(log zerolog.Logger) *Detector {
	return &Detector{log: log.With().Str("component", "mispricing_detector").Logger()}
}

// Score compares the ensemble result against the current price.
// currentPrice must be positive; ml may be zero-valued when no model signal
// exists (the consensus then falls back to an equal blend).
func (d *Detector) Score(result domain.EnsembleResult, currentPrice float64, ml MLSignal) (*domain.MispricingScore, error) {
	if currentPrice <= 0 {
		return nil, domain.NewValidationError("current_price", "must be positive")
	}

	methodValues := methodFairValues(result)
	if len(methodValues) == 0 {
		return nil, domain.ErrInsufficientData
	}

	consensus := consensusFairValue(methodValues, ml)
	mispricingPct := (consensus - currentPrice) / currentPrice

	score := &domain.MispricingScore{
		Company:            result.Company,
		CurrentPrice:       domain.RoundCurrency(currentPrice),
		ConsensusFairValue: domain.RoundCurrency(consensus),
		FairValueRangeLow:  result.ValueRangeLow,
		FairValueRangeHigh: result.ValueRangeHigh,
		MispricingPct:      domain.RoundScore(mispricingPct),
		Classification:     classify(mispricingPct),
		MethodAgreement:    domain.RoundScore(methodAgreement(methodValues)),
	}

	score.RiskReward = domain.RoundScore(riskReward(consensus, currentPrice, result.ValueRangeLow, result.ValueRangeHigh))
	score.ConvictionScore = math.Round(conviction(mispricingPct, result.ConfidenceScore, ml.Confidence, score.MethodAgreement, score.RiskReward))
	score.OpportunityLevel = opportunityLevel(mispricingPct, score.ConvictionScore)

	return score, nil
}

// methodFairValues collapses each method's valid scenario cells into one
// fair value per method, weighted by scenario blend weight and confidence.
func methodFairValues(result domain.EnsembleResult) map[string]float64 {
	type acc struct{ num, den float64 }
	accs := make(map[string]*acc)

	for _, cell := range result.Cells {
		if !cell.Valid() {
			continue
		}
		a, ok := accs[cell.Method]
		if !ok {
			a = &acc{}
			accs[cell.Method] = a
		}
		w := result.ScenarioWeights[cell.Scenario] * cell.Confidence
		a.num += w * cell.Value
		a.den += w
	}

	out := make(map[string]float64, len(accs))
	for method, a := range accs {
		if a.den > 0 {
			out[method] = a.num / a.den
		}
	}
	return out
}

// consensusFairValue gives the ML-predicted best method a weight equal to
// its own confidence and splits the remaining mass equally among the other
// methods. Without a usable signal the blend is equal-weighted.
func consensusFairValue(methodValues map[string]float64, ml MLSignal) float64 {
	bestValue, hasBest := methodValues[ml.BestMethod]
	conf := domain.Clamp01(ml.Confidence)

	if !hasBest || conf == 0 || len(methodValues) == 1 {
		// Equal blend over available methods.
		sum := 0.0
		for _, v := range methodValues {
			sum += v
		}
		return sum / float64(len(methodValues))
	}

	restWeight := (1 - conf) / float64(len(methodValues)-1)
	consensus := conf * bestValue
	for method, v := range methodValues {
		if method == ml.BestMethod {
			continue
		}
		consensus += restWeight * v
	}
	return consensus
}

func classify(mispricingPct float64) string {
	switch {
	case mispricingPct > classificationBoundary:
		return domain.ClassUndervalued
	case mispricingPct < -classificationBoundary:
		return domain.ClassOvervalued
	default:
		return domain.ClassFairlyValued
	}
}

func methodAgreement(methodValues map[string]float64) float64 {
	if len(methodValues) == 0 {
		return 0
	}
	values := make([]float64, 0, len(methodValues))
	for _, v := range methodValues {
		values = append(values, v)
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

// riskReward relates the distance to fair value against the adverse tail of
// the value range. A non-positive adverse distance means the range offers no
// measured downside; the ratio then saturates.
func riskReward(consensus, price, rangeLow, rangeHigh float64) float64 {
	var reward, risk float64
	if consensus >= price {
		reward = consensus - price
		risk = price - rangeLow
	} else {
		reward = price - consensus
		risk = rangeHigh - price
	}

	if reward <= 0 {
		return 0
	}
	if risk <= 0 {
		return riskRewardSaturation
	}
	return reward / risk
}

func conviction(mispricingPct, valuationConfidence, mlConfidence, agreement, riskReward float64) float64 {
	magnitude := math.Min(1, math.Abs(mispricingPct)/magnitudeSaturation)
	rr := math.Min(1, riskReward/riskRewardSaturation)

	score := convictionMagnitudeWeight*magnitude +
		convictionValuationWeight*domain.Clamp01(valuationConfidence) +
		convictionMLWeight*domain.Clamp01(mlConfidence) +
		convictionAgreementWeight*domain.Clamp01(agreement) +
		convictionRiskRewardWeight*rr

	return math.Max(0, math.Min(100, score))
}

func opportunityLevel(mispricingPct, conviction float64) string {
	magnitude := math.Abs(mispricingPct)
	switch {
	case magnitude >= 0.30 && conviction >= 80:
		return domain.OpportunityExtreme
	case magnitude >= 0.20 && conviction >= 70:
		return domain.OpportunityHigh
	case magnitude >= 0.10 && conviction >= 60:
		return domain.OpportunityMedium
	case magnitude >= 0.05 && conviction >= 50:
		return domain.OpportunityLow
	default:
		return domain.OpportunityNone
	}
}
