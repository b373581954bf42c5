// Package tracker records ensemble predictions and, once the measurement
// horizon has elapsed, resolves them against realized prices into immutable
// performance records. Accuracy statistics flow back to the feature extractor
// and trainer through a short-TTL cache.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/fairval/internal/cache"
	"github.com/aristath/fairval/internal/domain"
	"github.com/aristath/fairval/internal/outcomes"
	"github.com/aristath/fairval/internal/weightstore"
)

// Tracker wires the weight store's prediction log to the outcome feed.
type Tracker struct {
	store           *weightstore.Store
	feed            outcomes.Feed
	statsCache      cache.BytesCache
	statsTTL        time.Duration
	measurementDays int
	log             zerolog.Logger
}

// Config holds tracker tuning knobs.
type Config struct {
	MeasurementDays int           // Horizon between prediction and outcome (default 90)
	StatsTTL        time.Duration // Accuracy stats cache TTL (default 5m)
}

// New creates a tracker. statsCache may be nil to disable caching.
func New(store *weightstore.Store, feed outcomes.Feed, statsCache cache.BytesCache, cfg Config, log zerolog.Logger) *Tracker {
	if cfg.MeasurementDays <= 0 {
		cfg.MeasurementDays = 90
	}
	if cfg.StatsTTL <= 0 {
		cfg.StatsTTL = 5 * time.Minute
	}
	return &Tracker{
		store:           store,
		feed:            feed,
		statsCache:      statsCache,
		statsTTL:        cfg.StatsTTL,
		measurementDays: cfg.MeasurementDays,
		log:             log.With().Str("component", "performance_tracker").Logger(),
	}
}

// RecordPrediction stores an ensemble prediction for later outcome
// resolution. Per-method predicted values are the method fair values blended
// across scenarios; only valid cells contribute.
func (t *Tracker) RecordPrediction(ctx context.Context, result domain.EnsembleResult, snapshotID string) (string, error) {
	if !result.Usable() {
		return "", fmt.Errorf("%w: unusable ensemble result not recorded", domain.ErrInsufficientData)
	}

	predicted := make(map[string]float64, domain.MethodCount)
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
	for method, a := range accs {
		if a.den > 0 {
			predicted[method] = domain.RoundCurrency(a.num / a.den)
		}
	}

	return t.store.SavePendingPrediction(ctx, weightstore.PendingPrediction{
		Company:       result.Company,
		ValuationDate: result.ValuationDate,
		DueDate:       result.ValuationDate.AddDate(0, 0, t.measurementDays),
		Predicted:     predicted,
		EnsembleValue: result.FinalFairValue,
		SnapshotID:    snapshotID,
	})
}

// ResolveDue resolves all pending predictions whose horizon has elapsed.
// Feed failures skip the prediction (it stays pending for the next run);
// resolved predictions become append-only performance records. Returns the
// number of records written.
func (t *Tracker) ResolveDue(ctx context.Context, asOf time.Time) (int, error) {
	due, err := t.store.DuePendingPredictions(ctx, asOf, 0)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, p := range due {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}

		price, err := t.feed.PriceAt(ctx, p.Company, p.DueDate)
		if err != nil {
			t.log.Warn().
				Err(err).
				Str("company", p.Company).
				Time("due", p.DueDate).
				Msg("Outcome unavailable, prediction stays pending")
			continue
		}

		rec := buildRecord(p, price)
		if err := t.store.RecordModelPerformance(ctx, rec); err != nil {
			t.log.Error().Err(err).Str("company", p.Company).Msg("Failed to append performance record")
			continue
		}
		if err := t.store.MarkResolved(ctx, p.ID); err != nil {
			t.log.Error().Err(err).Str("id", p.ID).Msg("Failed to mark prediction resolved")
			continue
		}
		resolved++
	}

	if resolved > 0 {
		t.log.Info().Int("resolved", resolved).Int("due", len(due)).Msg("Outcome resolution completed")
	}
	return resolved, nil
}

// buildRecord computes per-method and ensemble errors against the realized
// price and identifies the best and worst methods.
func buildRecord(p weightstore.PendingPrediction, actualPrice float64) domain.PerformanceRecord {
	methodErrors := make(map[string]float64, len(p.Predicted))
	best, worst := "", ""
	bestErr, worstErr := 0.0, 0.0

	for method, predicted := range p.Predicted {
		errPct := absPctError(predicted, actualPrice)
		methodErrors[method] = domain.RoundScore(errPct)
		if best == "" || errPct < bestErr {
			best, bestErr = method, errPct
		}
		if worst == "" || errPct > worstErr {
			worst, worstErr = method, errPct
		}
	}

	return domain.PerformanceRecord{
		Company:         p.Company,
		ValuationDate:   p.ValuationDate,
		MeasurementDate: p.DueDate,
		Predicted:       p.Predicted,
		EnsembleValue:   p.EnsembleValue,
		ActualPrice:     actualPrice,
		MethodErrors:    methodErrors,
		EnsembleError:   domain.RoundScore(absPctError(p.EnsembleValue, actualPrice)),
		BestMethod:      best,
		WorstMethod:     worst,
		SnapshotID:      p.SnapshotID,
	}
}

// absPctError returns |predicted - actual| / actual in percent.
func absPctError(predicted, actual float64) float64 {
	if actual == 0 {
		return 0
	}
	diff := predicted - actual
	if diff < 0 {
		diff = -diff
	}
	return diff / actual * 100
}

const statsCacheKeyPrefix = "accuracy_stats:"

// GetModelAccuracyStats serves per-method accuracy statistics through the
// TTL cache. Cache misses and backend failures degrade to a direct store
// aggregation; the store itself is the source of truth.
func (t *Tracker) GetModelAccuracyStats(ctx context.Context, lookbackDays int) (map[string]domain.AccuracyStats, error) {
	key := fmt.Sprintf("%s%d", statsCacheKeyPrefix, lookbackDays)

	if t.statsCache != nil {
		if b, ok, err := t.statsCache.GetBytes(ctx, key); err != nil {
			t.log.Debug().Err(err).Msg("Stats cache read failed, recomputing")
		} else if ok {
			var cached map[string]domain.AccuracyStats
			if err := json.Unmarshal(b, &cached); err == nil {
				return cached, nil
			}
		}
	}

	stats, err := t.store.GetModelAccuracyStats(ctx, lookbackDays)
	if err != nil {
		return nil, err
	}

	if t.statsCache != nil {
		if b, err := json.Marshal(stats); err == nil {
			if err := t.statsCache.SetBytes(ctx, key, b, t.statsTTL); err != nil {
				t.log.Debug().Err(err).Msg("Stats cache write failed")
			}
		}
	}

	return stats, nil
}
