// Package domain contains the core types shared across the ensemble pipeline.
// The domain layer is pure: no infrastructure dependencies.
package domain

import (
	"math"
	"time"
)

// Method names form a fixed contract with the external valuation evaluator.
// Adapters register under one of these names; the weighting model's output
// vector is ordered by this list.
const (
	MethodDCF              = "dcf"
	MethodDividendDiscount = "dividend_discount"
	MethodGraham           = "graham"
	MethodEarningsPower    = "earnings_power"
	MethodAssetBased       = "asset_based"
	MethodPeterLynch       = "peter_lynch"
	MethodEVEBITDA         = "ev_ebitda"
	MethodResidualIncome   = "residual_income"
)

// MethodNames returns the fixed, ordered method-name set.
// The order is load-bearing: feature slots and weight vectors use it.
func MethodNames() []string {
	return []string{
		MethodDCF,
		MethodDividendDiscount,
		MethodGraham,
		MethodEarningsPower,
		MethodAssetBased,
		MethodPeterLynch,
		MethodEVEBITDA,
		MethodResidualIncome,
	}
}

// MethodCount is the number of valuation methods in the fixed set.
const MethodCount = 8

// Scenario names
const (
	ScenarioBull = "bull"
	ScenarioBase = "base"
	ScenarioBear = "bear"
)

// ScenarioNames returns the fixed scenario ordering (bull, base, bear).
func ScenarioNames() []string {
	return []string{ScenarioBull, ScenarioBase, ScenarioBear}
}

// ScenarioCount is the number of macro scenarios.
const ScenarioCount = 3

// CellCount is the total number of (method, scenario) evaluation cells.
const CellCount = MethodCount * ScenarioCount

// MethodValuation is the result of one (method, scenario) evaluation cell.
// Failed cells are recorded with Value=0, Confidence=0 and an error detail so
// sibling cells are unaffected.
type MethodValuation struct {
	Method     string                 `json:"method"`
	Scenario   string                 `json:"scenario"`
	Value      float64                `json:"value"`
	Confidence float64                `json:"confidence"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// Valid reports whether the cell carries usable evidence. Non-positive values
// are treated as missing evidence, not zero evidence.
func (mv MethodValuation) Valid() bool {
	return mv.Value > 0 && !math.IsNaN(mv.Value) && !math.IsInf(mv.Value, 0)
}

// EnsembleResult is the transient output of the ensemble aggregator.
type EnsembleResult struct {
	Company          string             `json:"company"`
	ValuationDate    time.Time          `json:"valuation_date"`
	FinalFairValue   float64            `json:"final_fair_value"`
	ConfidenceScore  float64            `json:"confidence_score"` // [0,1], cross-estimator agreement
	ValueRangeLow    float64            `json:"value_range_low"`  // empirical p10
	ValueRangeHigh   float64            `json:"value_range_high"` // empirical p90
	Cells            []MethodValuation  `json:"cells"`
	ModelWeights     map[string]float64 `json:"model_weights"`
	ScenarioWeights  map[string]float64 `json:"scenario_weights"`
	QualityScore     float64            `json:"quality_score"` // [0,100]
	Recommendation   string             `json:"recommendation"`
	IncludedCells    int                `json:"included_cells"`
	InsufficientData bool               `json:"insufficient_data,omitempty"`
}

// Usable reports whether callers may rely on FinalFairValue. A zero-confidence
// sentinel result is returned instead of an error when no cell carries
// evidence; callers must check before use.
func (r EnsembleResult) Usable() bool {
	return r.IncludedCells > 0 && r.ConfidenceScore > 0
}

// WeightSnapshot is a persisted, versioned weight vector with training and
// validation metrics. Exactly one snapshot is active per tenant at any time.
type WeightSnapshot struct {
	ID                 string             `json:"id"`
	Tenant             string             `json:"tenant"`
	EffectiveDate      time.Time          `json:"effective_date"`
	IsActive           bool               `json:"is_active"`
	Weights            map[string]float64 `json:"weights"`
	TrainingAccuracy   float64            `json:"training_accuracy"`
	ValidationAccuracy float64            `json:"validation_accuracy"`
	BacktestMAPE       float64            `json:"backtest_mape"`
	ImprovementDelta   float64            `json:"improvement_delta"`
	ABTestPValue       float64            `json:"ab_test_p_value"`
	ABTestPassed       bool               `json:"ab_test_passed"`
	DeployedBy         string             `json:"deployed_by"`
	DeployedAt         time.Time          `json:"deployed_at"`
}

// WeightSumTolerance is the allowed deviation of a weight vector's sum from 1.
const WeightSumTolerance = 1e-6

// Complete reports whether the snapshot carries a valid weight for every
// method: non-negative entries summing to 1 within tolerance.
func (s WeightSnapshot) Complete() bool {
	if len(s.Weights) != MethodCount {
		return false
	}
	sum := 0.0
	for _, name := range MethodNames() {
		w, ok := s.Weights[name]
		if !ok || w < 0 || math.IsNaN(w) {
			return false
		}
		sum += w
	}
	return math.Abs(sum-1.0) <= WeightSumTolerance
}

// PerformanceRecord captures one prediction and its later-observed outcome.
// Records are append-only; never mutated after creation.
type PerformanceRecord struct {
	ID              string             `json:"id"`
	Company         string             `json:"company"`
	ValuationDate   time.Time          `json:"valuation_date"`
	MeasurementDate time.Time          `json:"measurement_date"`
	Predicted       map[string]float64 `json:"predicted"` // per-method predicted value
	EnsembleValue   float64            `json:"ensemble_value"`
	ActualPrice     float64            `json:"actual_price"`
	MethodErrors    map[string]float64 `json:"method_errors"` // absolute pct error per method
	EnsembleError   float64            `json:"ensemble_error"`
	BestMethod      string             `json:"best_method"`
	WorstMethod     string             `json:"worst_method"`
	SnapshotID      string             `json:"snapshot_id"` // weight snapshot used at prediction time
}

// AccuracyStats aggregates performance records for one method.
type AccuracyStats struct {
	Method      string  `json:"method"`
	SampleCount int     `json:"sample_count"`
	MeanError   float64 `json:"mean_error"` // mean absolute pct error
	MedianError float64 `json:"median_error"`
	StdError    float64 `json:"std_error"`
	MinError    float64 `json:"min_error"`
	MaxError    float64 `json:"max_error"`
}

// MispricingScore is the mispricing detector's output for one company.
type MispricingScore struct {
	Company            string  `json:"company"`
	CurrentPrice       float64 `json:"current_price"`
	ConsensusFairValue float64 `json:"consensus_fair_value"`
	FairValueRangeLow  float64 `json:"fair_value_range_low"`
	FairValueRangeHigh float64 `json:"fair_value_range_high"`
	MispricingPct      float64 `json:"mispricing_pct"` // (consensus - price) / price
	Classification     string  `json:"classification"`
	OpportunityLevel   string  `json:"opportunity_level"`
	ConvictionScore    float64 `json:"conviction_score"` // [0,100]
	MethodAgreement    float64 `json:"method_agreement"` // [0,1]
	RiskReward         float64 `json:"risk_reward"`
}

// Mispricing classifications. The boundary at exactly 5% is FAIRLY_VALUED.
const (
	ClassUndervalued  = "UNDERVALUED"
	ClassOvervalued   = "OVERVALUED"
	ClassFairlyValued = "FAIRLY_VALUED"
)

// Opportunity tiers in descending order of actionability.
const (
	OpportunityExtreme = "EXTREME"
	OpportunityHigh    = "HIGH"
	OpportunityMedium  = "MEDIUM"
	OpportunityLow     = "LOW"
	OpportunityNone    = "NONE"
)

// Alert is an advisory signal emitted when a mispricing clears both the
// conviction and magnitude thresholds. Alerts never block a valuation.
type Alert struct {
	ID        string          `json:"id"`
	Company   string          `json:"company"`
	Action    string          `json:"action"`  // buy, sell, watch
	Urgency   string          `json:"urgency"` // from opportunity tier
	Rationale string          `json:"rationale"`
	Score     MispricingScore `json:"score"`
	CreatedAt time.Time       `json:"created_at"`
}

// RoundCurrency rounds a currency value to cents for serialization.
func RoundCurrency(v float64) float64 {
	return math.Round(v*100) / 100
}

// RoundScore rounds a bounded score/confidence to four decimal places.
func RoundScore(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// Clamp01 clamps v to the [0,1] interval.
func Clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
