package mispricing

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/fairval/internal/domain"
)

// resultWithMethodValues builds an ensemble result whose base-scenario cells
// carry the given per-method fair values.
func resultWithMethodValues(values map[string]float64) domain.EnsembleResult {
	var cells []domain.MethodValuation
	for method, v := range values {
		cells = append(cells, domain.MethodValuation{
			Method:     method,
			Scenario:   domain.ScenarioBase,
			Value:      v,
			Confidence: 0.9,
		})
	}
	return domain.EnsembleResult{
		Company:         "AAPL",
		Cells:           cells,
		ScenarioWeights: map[string]float64{domain.ScenarioBase: 1.0},
		ConfidenceScore: 0.9,
		ValueRangeLow:   90.0,
		ValueRangeHigh:  130.0,
	}
}

func TestScore_RejectsNonPositivePrice(t *testing.T) {
	d := NewDetector(zerolog.Nop())
	result := resultWithMethodValues(map[string]float64{domain.MethodDCF: 100})

	_, err := d.Score(result, 0, MLSignal{})
	assert.True(t, domain.IsValidation(err))

	_, err = d.Score(result, -10, MLSignal{})
	assert.True(t, domain.IsValidation(err))
}

func TestScore_NoValidCells(t *testing.T) {
	d := NewDetector(zerolog.Nop())
	result := domain.EnsembleResult{Company: "AAPL"}

	_, err := d.Score(result, 100, MLSignal{})
	assert.ErrorIs(t, err, domain.ErrInsufficientData)
}

func TestScore_ClassificationBoundary(t *testing.T) {
	d := NewDetector(zerolog.Nop())

	cases := []struct {
		name      string
		consensus float64
		price     float64
		want      string
	}{
		{"exactly five percent above", 105.0, 100.0, domain.ClassFairlyValued},
		{"just above boundary", 105.1, 100.0, domain.ClassUndervalued},
		{"exactly five percent below", 95.0, 100.0, domain.ClassFairlyValued},
		{"just below boundary", 94.9, 100.0, domain.ClassOvervalued},
		{"equal", 100.0, 100.0, domain.ClassFairlyValued},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := resultWithMethodValues(map[string]float64{
				domain.MethodDCF: tc.consensus,
			})
			score, err := d.Score(result, tc.price, MLSignal{})
			require.NoError(t, err)
			assert.Equal(t, tc.want, score.Classification)
		})
	}
}

func TestScore_ConsensusEqualBlendWithoutSignal(t *testing.T) {
	d := NewDetector(zerolog.Nop())
	result := resultWithMethodValues(map[string]float64{
		domain.MethodDCF:    120.0,
		domain.MethodGraham: 80.0,
	})

	score, err := d.Score(result, 100.0, MLSignal{})
	require.NoError(t, err)
	assert.InDelta(t, 100.0, score.ConsensusFairValue, 1e-6)
}

func TestScore_ConsensusFavorsMLBestMethod(t *testing.T) {
	d := NewDetector(zerolog.Nop())
	result := resultWithMethodValues(map[string]float64{
		domain.MethodDCF:    120.0,
		domain.MethodGraham: 80.0,
	})

	score, err := d.Score(result, 100.0, MLSignal{
		BestMethod: domain.MethodDCF,
		Confidence: 0.8,
	})
	require.NoError(t, err)

	// 0.8*120 + 0.2*80 = 112
	assert.InDelta(t, 112.0, score.ConsensusFairValue, 1e-6)
	assert.Equal(t, domain.ClassUndervalued, score.Classification)
}

func TestScore_UnknownBestMethodFallsBack(t *testing.T) {
	d := NewDetector(zerolog.Nop())
	result := resultWithMethodValues(map[string]float64{
		domain.MethodDCF:    120.0,
		domain.MethodGraham: 80.0,
	})

	score, err := d.Score(result, 100.0, MLSignal{
		BestMethod: domain.MethodResidualIncome,
		Confidence: 0.9,
	})
	require.NoError(t, err)
	assert.InDelta(t, 100.0, score.ConsensusFairValue, 1e-6)
}

func TestRiskReward(t *testing.T) {
	t.Run("upside case", func(t *testing.T) {
		// reward 20, downside risk 10
		assert.InDelta(t, 2.0, riskReward(120, 100, 90, 130), 1e-9)
	})

	t.Run("downside case", func(t *testing.T) {
		// price above consensus: reward 20, risk 30
		assert.InDelta(t, 20.0/30.0, riskReward(80, 100, 70, 130), 1e-9)
	})

	t.Run("no reward", func(t *testing.T) {
		assert.Zero(t, riskReward(100, 100, 90, 110))
	})

	t.Run("no measured downside saturates", func(t *testing.T) {
		assert.InDelta(t, riskRewardSaturation, riskReward(120, 100, 100, 130), 1e-9)
	})
}

func TestConviction_Bounds(t *testing.T) {
	assert.InDelta(t, 100.0, conviction(0.50, 1.0, 1.0, 1.0, 10.0), 1e-9)
	assert.Zero(t, conviction(0, 0, 0, 0, 0))
}

func TestOpportunityLevel(t *testing.T) {
	cases := []struct {
		name       string
		mispricing float64
		conviction float64
		want       string
	}{
		{"extreme", 0.35, 85, domain.OpportunityExtreme},
		{"extreme magnitude low conviction", 0.35, 75, domain.OpportunityHigh},
		{"high", 0.22, 72, domain.OpportunityHigh},
		{"medium", 0.12, 65, domain.OpportunityMedium},
		{"low", 0.06, 55, domain.OpportunityLow},
		{"small magnitude", 0.04, 90, domain.OpportunityNone},
		{"weak conviction", 0.40, 40, domain.OpportunityNone},
		{"negative mispricing extreme", -0.35, 85, domain.OpportunityExtreme},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, opportunityLevel(tc.mispricing, tc.conviction))
		})
	}
}

func TestMethodFairValues_CollapsesScenarios(t *testing.T) {
	result := domain.EnsembleResult{
		Cells: []domain.MethodValuation{
			{Method: domain.MethodDCF, Scenario: domain.ScenarioBull, Value: 120, Confidence: 0.8},
			{Method: domain.MethodDCF, Scenario: domain.ScenarioBase, Value: 100, Confidence: 0.9},
			{Method: domain.MethodDCF, Scenario: domain.ScenarioBear, Value: 80, Confidence: 0.8},
			{Method: domain.MethodGraham, Scenario: domain.ScenarioBase, Value: 0, Confidence: 0.9},
		},
		ScenarioWeights: map[string]float64{
			domain.ScenarioBull: 0.25,
			domain.ScenarioBase: 0.50,
			domain.ScenarioBear: 0.25,
		},
	}

	values := methodFairValues(result)
	require.Len(t, values, 1)

	// (0.25*0.8*120 + 0.5*0.9*100 + 0.25*0.8*80) / (0.2 + 0.45 + 0.2)
	want := (0.2*120 + 0.45*100 + 0.2*80) / 0.85
	assert.InDelta(t, want, values[domain.MethodDCF], 1e-9)
}
