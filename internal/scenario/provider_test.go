package scenario

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/fairval/internal/domain"
)

func TestProvider_Defaults(t *testing.T) {
	p := NewProvider()

	all := p.All()
	require.Len(t, all, 3)
	assert.Equal(t, "bull", all[0].Name)
	assert.Equal(t, "base", all[1].Name)
	assert.Equal(t, "bear", all[2].Name)

	base, err := p.Get(domain.ScenarioBase)
	require.NoError(t, err)
	assert.Equal(t, 0.90, base.BaseConfidence)
	assert.Equal(t, 0.50, base.Weight)
	assert.Zero(t, base.Adjustments.WACCDelta)

	bull, err := p.Get(domain.ScenarioBull)
	require.NoError(t, err)
	assert.Equal(t, -0.010, bull.Adjustments.WACCDelta)
	assert.Equal(t, 0.010, bull.Adjustments.GrowthDelta)
	assert.Equal(t, 0.020, bull.Adjustments.MarginDelta)

	bear, err := p.Get(domain.ScenarioBear)
	require.NoError(t, err)
	assert.Equal(t, 0.010, bear.Adjustments.WACCDelta)
	assert.Equal(t, -0.010, bear.Adjustments.GrowthDelta)
}

func TestProvider_DefaultWeightsSumToOne(t *testing.T) {
	p := NewProvider()

	sum := 0.0
	for _, w := range p.Weights() {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestProvider_GetUnknownScenario(t *testing.T) {
	p := NewProvider()

	_, err := p.Get("sideways")
	assert.Error(t, err)
	assert.True(t, domain.IsValidation(err))
}

func TestNewProviderFromFile_Override(t *testing.T) {
	path := writeScenarioFile(t, `
scenarios:
  - name: bull
    adjustments:
      wacc_delta: -0.02
      growth_delta: 0.015
    base_confidence: 0.75
    weight: 0.30
  - name: base
    base_confidence: 0.90
    weight: 0.45
  - name: bear
    base_confidence: 0.80
    weight: 0.25
`)

	p, err := NewProviderFromFile(path)
	require.NoError(t, err)

	bull, err := p.Get(domain.ScenarioBull)
	require.NoError(t, err)
	assert.Equal(t, -0.02, bull.Adjustments.WACCDelta)
	assert.Equal(t, 0.30, bull.Weight)
	assert.Equal(t, 0.75, bull.BaseConfidence)
}

func TestNewProviderFromFile_RejectsUnknownScenario(t *testing.T) {
	path := writeScenarioFile(t, `
scenarios:
  - name: sideways
    base_confidence: 0.5
    weight: 0.1
`)

	_, err := NewProviderFromFile(path)
	assert.Error(t, err)
}

func TestNewProviderFromFile_RejectsBadWeightSum(t *testing.T) {
	path := writeScenarioFile(t, `
scenarios:
  - name: bull
    base_confidence: 0.80
    weight: 0.40
`)

	// bull 0.40 + base 0.50 + bear 0.25 = 1.15
	_, err := NewProviderFromFile(path)
	assert.Error(t, err)
}

func writeScenarioFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenarios.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}
