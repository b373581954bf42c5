// Package methods defines the valuation-method adapter contract and the
// registry that maps method names to adapter implementations. The valuation
// formulas themselves live behind the adapters (external evaluator service);
// this package only carries the evaluate -> (value, confidence) contract.
package methods

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aristath/fairval/internal/domain"
)

// EvaluateRequest is the input to one valuation-method run.
type EvaluateRequest struct {
	Company       string                     `json:"company"`
	ValuationDate time.Time                  `json:"valuation_date"`
	Adjustments   domain.ScenarioAdjustments `json:"scenario_adjustments"`
}

// EvaluateResult is the uniform output contract of every method adapter.
type EvaluateResult struct {
	Value      float64                `json:"value"`
	Confidence float64                `json:"confidence"` // [0,1]
	Details    map[string]interface{} `json:"details,omitempty"`
}

// Adapter is the single capability a valuation method exposes.
// Implementations may fail; the scenario engine records the cell as
// zero/zero and proceeds with the siblings.
type Adapter interface {
	Evaluate(ctx context.Context, req EvaluateRequest) (*EvaluateResult, error)
}

// Registry maps method names to adapters. New methods register without
// touching aggregator code.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register binds an adapter to a method name. Names outside the fixed method
// set are rejected so that weight vectors and feature slots stay aligned.
func (r *Registry) Register(name string, adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("nil adapter for method %q", name)
	}
	if !knownMethod(name) {
		return domain.NewValidationError("method", fmt.Sprintf("unknown method name %q", name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = adapter
	return nil
}

// Get returns the adapter for a method name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns the registered method names in the canonical method order,
// followed by nothing else: unregistered methods are simply absent.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for _, name := range domain.MethodNames() {
		if _, ok := r.adapters[name]; ok {
			names = append(names, name)
		}
	}
	// Registrations outside the canonical set are appended sorted
	if len(names) != len(r.adapters) {
		extra := make([]string, 0)
		known := make(map[string]bool, len(names))
		for _, n := range names {
			known[n] = true
		}
		for n := range r.adapters {
			if !known[n] {
				extra = append(extra, n)
			}
		}
		sort.Strings(extra)
		names = append(names, extra...)
	}
	return names
}

// Len returns the number of registered adapters.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}

func knownMethod(name string) bool {
	for _, n := range domain.MethodNames() {
		if n == name {
			return true
		}
	}
	return false
}
