// Package scenario provides the macro scenario configuration (bull/base/bear
// parameter deltas) and the engine that fans every registered valuation
// method out across all scenarios.
package scenario

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/aristath/fairval/internal/domain"
)

// Provider serves the three fixed scenario parameter sets. Configuration is
// static after construction; the default deltas can be overridden once at
// startup from a YAML file.
type Provider struct {
	scenarios map[string]domain.ScenarioParameters
	order     []string
}

// NewProvider creates a provider with the built-in scenario defaults.
func NewProvider() *Provider {
	return &Provider{
		scenarios: defaultScenarios(),
		order:     domain.ScenarioNames(),
	}
}

// NewProviderFromFile creates a provider with scenario parameters loaded from
// a YAML file. Scenarios missing from the file keep their defaults.
func NewProviderFromFile(path string) (*Provider, error) {
	p := NewProvider()

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var file struct {
		Scenarios []domain.ScenarioParameters `yaml:"scenarios"`
	}
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("failed to parse scenario file: %w", err)
	}

	for _, sc := range file.Scenarios {
		if _, ok := p.scenarios[sc.Name]; !ok {
			return nil, domain.NewValidationError("scenario", fmt.Sprintf("unknown scenario name %q", sc.Name))
		}
		if sc.BaseConfidence < 0 || sc.BaseConfidence > 1 {
			return nil, domain.NewValidationError("scenario", fmt.Sprintf("%s: base_confidence outside [0,1]", sc.Name))
		}
		if sc.Weight < 0 {
			return nil, domain.NewValidationError("scenario", fmt.Sprintf("%s: negative weight", sc.Name))
		}
		p.scenarios[sc.Name] = sc
	}

	if err := p.validateWeights(); err != nil {
		return nil, err
	}

	return p, nil
}

// Get returns the parameters for a named scenario.
func (p *Provider) Get(name string) (domain.ScenarioParameters, error) {
	sc, ok := p.scenarios[name]
	if !ok {
		return domain.ScenarioParameters{}, domain.NewValidationError("scenario", fmt.Sprintf("unknown scenario name %q", name))
	}
	return sc, nil
}

// All returns the scenarios in fixed order (bull, base, bear).
func (p *Provider) All() []domain.ScenarioParameters {
	out := make([]domain.ScenarioParameters, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, p.scenarios[name])
	}
	return out
}

// Weights returns the per-scenario blend weights keyed by scenario name.
func (p *Provider) Weights() map[string]float64 {
	out := make(map[string]float64, len(p.scenarios))
	for name, sc := range p.scenarios {
		out[name] = sc.Weight
	}
	return out
}

func (p *Provider) validateWeights() error {
	sum := 0.0
	for _, sc := range p.scenarios {
		sum += sc.Weight
	}
	if math.Abs(sum-1.0) > 1e-9 {
		return domain.NewValidationError("scenario", fmt.Sprintf("scenario weights sum to %.6f, want 1", sum))
	}
	return nil
}

// defaultScenarios returns the built-in bull/base/bear parameter sets.
// Deltas are additive on the underlying valuation inputs: a bull market means
// cheaper capital (lower WACC), faster growth and fatter margins.
func defaultScenarios() map[string]domain.ScenarioParameters {
	return map[string]domain.ScenarioParameters{
		domain.ScenarioBull: {
			Name: domain.ScenarioBull,
			Adjustments: domain.ScenarioAdjustments{
				WACCDelta:   -0.010,
				GrowthDelta: 0.010,
				MarginDelta: 0.020,
				ROEDelta:    0.020,
			},
			BaseConfidence: 0.80,
			Weight:         0.25,
			Description:    "Optimistic macro: cheaper capital, faster growth, margin expansion",
		},
		domain.ScenarioBase: {
			Name:           domain.ScenarioBase,
			Adjustments:    domain.ScenarioAdjustments{},
			BaseConfidence: 0.90,
			Weight:         0.50,
			Description:    "Consensus macro assumptions, no adjustment",
		},
		domain.ScenarioBear: {
			Name: domain.ScenarioBear,
			Adjustments: domain.ScenarioAdjustments{
				WACCDelta:   0.010,
				GrowthDelta: -0.010,
				MarginDelta: -0.020,
				ROEDelta:    -0.020,
			},
			BaseConfidence: 0.80,
			Weight:         0.25,
			Description:    "Pessimistic macro: dearer capital, slower growth, margin compression",
		},
	}
}
