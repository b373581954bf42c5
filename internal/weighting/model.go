package weighting

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/fairval/internal/domain"
)

// SnapshotReader serves the currently active weight snapshot. The weight
// store implements this; a nil reader skips straight to network inference.
type SnapshotReader interface {
	GetActiveSnapshot(ctx context.Context, date time.Time) (*domain.WeightSnapshot, error)
}

// Source identifies which resolution tier produced a weight vector.
type Source string

const (
	SourceSnapshot Source = "snapshot" // active store snapshot (production path)
	SourceNetwork  Source = "network"  // model inference
	SourceEqual    Source = "equal"    // last-resort equal weights
)

// Model owns the in-process weighting state: the network handle (swapped
// atomically on deploy, never mutated while serving) and the store-backed
// resolution order. It replaces any global loaded-model singleton.
type Model struct {
	store   SnapshotReader
	network atomic.Pointer[Network]
	loaded  atomic.Pointer[time.Time]
	log     zerolog.Logger
}

// NewModel creates a weighting model. The network may be nil until the first
// deploy or checkpoint restore.
func NewModel(store SnapshotReader, log zerolog.Logger) *Model {
	return &Model{
		store: store,
		log:   log.With().Str("component", "weighting_model").Logger(),
	}
}

// SwapNetwork atomically replaces the inference network. Concurrent readers
// keep the instance they already hold; there are no torn reads.
func (m *Model) SwapNetwork(n *Network) {
	m.network.Store(n)
	now := time.Now().UTC()
	m.loaded.Store(&now)
	m.log.Info().Msg("Weighting network swapped")
}

// Network returns the current inference network, or nil if none is loaded.
func (m *Model) Network() *Network {
	return m.network.Load()
}

// LastReload returns when the network handle was last swapped.
func (m *Model) LastReload() (time.Time, bool) {
	t := m.loaded.Load()
	if t == nil {
		return time.Time{}, false
	}
	return *t, true
}

// Weights resolves per-method weights for one ensemble request. The returned
// snapshot ID is empty unless the snapshot tier served the request; tracked
// predictions carry it so performance records stay attributable to the weight
// vector that produced them.
//
// Resolution order:
//  1. an active, complete snapshot from the store (production path; the
//     network is bypassed entirely)
//  2. network inference on the feature vector
//  3. equal weights as last resort
//
// Methods without a single valid value in any scenario are forced to zero
// and the remainder renormalized.
func (m *Model) Weights(ctx context.Context, featureVec []float64, validMethods map[string]bool, date time.Time) (map[string]float64, Source, string) {
	weights, source, snapshotID := m.resolve(ctx, featureVec, date)
	return maskAndRenormalize(weights, validMethods), source, snapshotID
}

func (m *Model) resolve(ctx context.Context, featureVec []float64, date time.Time) (map[string]float64, Source, string) {
	if m.store != nil {
		snapshot, err := m.store.GetActiveSnapshot(ctx, date)
		if err != nil {
			m.log.Warn().Err(err).Msg("Snapshot lookup failed, falling back to network")
		} else if snapshot != nil && snapshot.Complete() {
			return snapshot.Weights, SourceSnapshot, snapshot.ID
		}
	}

	if n := m.Network(); n != nil {
		out, err := n.Forward(featureVec)
		if err != nil {
			m.log.Warn().Err(err).Msg("Network inference failed, falling back to equal weights")
		} else {
			weights := make(map[string]float64, domain.MethodCount)
			for i, name := range domain.MethodNames() {
				weights[name] = out[i]
			}
			return weights, SourceNetwork, ""
		}
	}

	return EqualWeights(), SourceEqual, ""
}

// EqualWeights returns the uniform 1/N weight vector.
func EqualWeights() map[string]float64 {
	weights := make(map[string]float64, domain.MethodCount)
	for _, name := range domain.MethodNames() {
		weights[name] = 1.0 / float64(domain.MethodCount)
	}
	return weights
}

// maskAndRenormalize zeroes weights of methods without valid evidence and
// rescales the remainder to sum 1. With no valid method at all the zeroed
// vector is returned as-is; the aggregator then yields its sentinel result.
func maskAndRenormalize(weights map[string]float64, validMethods map[string]bool) map[string]float64 {
	out := make(map[string]float64, len(weights))
	sum := 0.0
	for _, name := range domain.MethodNames() {
		w := weights[name]
		if !validMethods[name] || w < 0 {
			out[name] = 0
			continue
		}
		out[name] = w
		sum += w
	}

	if sum <= 0 {
		// Evidence exists but every surviving weight is zero: spread equally
		// across the valid methods.
		validCount := 0
		for _, name := range domain.MethodNames() {
			if validMethods[name] {
				validCount++
			}
		}
		if validCount == 0 {
			return out
		}
		for _, name := range domain.MethodNames() {
			if validMethods[name] {
				out[name] = 1.0 / float64(validCount)
			}
		}
		return out
	}

	for name := range out {
		out[name] /= sum
	}
	return out
}
