package domain

// ScenarioAdjustments are the macro parameter deltas one scenario applies to
// valuation inputs. Zero values mean "no adjustment".
type ScenarioAdjustments struct {
	WACCDelta   float64 `json:"wacc_delta" yaml:"wacc_delta"`
	GrowthDelta float64 `json:"growth_delta" yaml:"growth_delta"`
	MarginDelta float64 `json:"margin_delta" yaml:"margin_delta"`
	ROEDelta    float64 `json:"roe_delta" yaml:"roe_delta"`
}

// ScenarioParameters is the immutable configuration of one macro scenario.
// Three fixed instances exist: bull, base and bear.
type ScenarioParameters struct {
	Name           string              `json:"name" yaml:"name"`
	Adjustments    ScenarioAdjustments `json:"adjustments" yaml:"adjustments"`
	BaseConfidence float64             `json:"base_confidence" yaml:"base_confidence"`
	Weight         float64             `json:"weight" yaml:"weight"` // contribution to the ensemble blend
	Description    string              `json:"description" yaml:"description"`
}
