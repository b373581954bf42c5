// Package weightstore persists versioned weight snapshots and the append-only
// performance record log. Snapshots follow single-lineage versioning: saving
// new weights atomically deactivates the previous active snapshot, so exactly
// one snapshot per tenant is active at any time.
package weightstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/fairval/internal/database"
	"github.com/aristath/fairval/internal/domain"
)

// snapshotColumns avoids SELECT *; order must match scanSnapshot.
const snapshotColumns = `id, tenant, effective_date, is_active, weights_json,
training_accuracy, validation_accuracy, backtest_mape, improvement_delta,
ab_test_p_value, ab_test_passed, deployed_by, deployed_at`

// Metrics carries the training and validation figures persisted with a
// deployed snapshot.
type Metrics struct {
	TrainingAccuracy   float64
	ValidationAccuracy float64
	BacktestMAPE       float64
	ImprovementDelta   float64
	ABTestPValue       float64
	ABTestPassed       bool
}

// Store is the weight snapshot and performance record repository.
type Store struct {
	db     *sql.DB
	tenant string
	log    zerolog.Logger
}

// New creates a weight store for one tenant.
func New(db *sql.DB, tenant string, log zerolog.Logger) *Store {
	if tenant == "" {
		tenant = "default"
	}
	return &Store{
		db:     db,
		tenant: tenant,
		log:    log.With().Str("repo", "weightstore").Str("tenant", tenant).Logger(),
	}
}

// DefaultWeights returns the hard-coded fallback weight vector used when no
// snapshot is available or the backend is unreachable.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		domain.MethodDCF:              0.20,
		domain.MethodDividendDiscount: 0.10,
		domain.MethodGraham:           0.12,
		domain.MethodEarningsPower:    0.15,
		domain.MethodAssetBased:       0.08,
		domain.MethodPeterLynch:       0.12,
		domain.MethodEVEBITDA:         0.13,
		domain.MethodResidualIncome:   0.10,
	}
}

// GetActiveSnapshot returns the most recent active snapshot with
// effective_date <= date, or nil when none exists. Storage failures are
// returned as errors; use GetCurrentWeights for the non-failing contract.
func (s *Store) GetActiveSnapshot(ctx context.Context, date time.Time) (*domain.WeightSnapshot, error) {
	query := "SELECT " + snapshotColumns + ` FROM weight_snapshots
		WHERE tenant = ? AND is_active = 1 AND effective_date <= ?
		ORDER BY effective_date DESC LIMIT 1`

	rows, err := s.db.QueryContext(ctx, query, s.tenant, date.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("%w: query active snapshot: %v", domain.ErrStorage, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}

	snapshot, err := scanSnapshot(rows)
	if err != nil {
		return nil, fmt.Errorf("%w: scan snapshot: %v", domain.ErrStorage, err)
	}
	return snapshot, nil
}

// GetCurrentWeights returns the active snapshot's weights for the date, or
// the hard-coded defaults on miss or storage failure. It never fails;
// degradation is logged.
func (s *Store) GetCurrentWeights(ctx context.Context, date time.Time) map[string]float64 {
	snapshot, err := s.GetActiveSnapshot(ctx, date)
	if err != nil {
		s.log.Warn().Err(err).Msg("Weight store unreachable, using default weights")
		return DefaultWeights()
	}
	if snapshot == nil || !snapshot.Complete() {
		return DefaultWeights()
	}
	return snapshot.Weights
}

// SaveNewWeights atomically deactivates all currently active snapshots for
// the tenant and inserts the new snapshot as active. Last writer wins; there
// is no branching history and no window with zero or two active snapshots.
func (s *Store) SaveNewWeights(ctx context.Context, weights map[string]float64, metrics Metrics, actor string) (*domain.WeightSnapshot, error) {
	if err := validateWeights(weights); err != nil {
		return nil, err
	}

	weightsJSON, err := json.Marshal(weights)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal weights: %w", err)
	}

	now := time.Now().UTC()
	snapshot := &domain.WeightSnapshot{
		ID:                 uuid.NewString(),
		Tenant:             s.tenant,
		EffectiveDate:      now,
		IsActive:           true,
		Weights:            weights,
		TrainingAccuracy:   metrics.TrainingAccuracy,
		ValidationAccuracy: metrics.ValidationAccuracy,
		BacktestMAPE:       metrics.BacktestMAPE,
		ImprovementDelta:   metrics.ImprovementDelta,
		ABTestPValue:       metrics.ABTestPValue,
		ABTestPassed:       metrics.ABTestPassed,
		DeployedBy:         actor,
		DeployedAt:         now,
	}

	err = database.WithTransaction(s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"UPDATE weight_snapshots SET is_active = 0 WHERE tenant = ? AND is_active = 1",
			s.tenant); err != nil {
			return fmt.Errorf("deactivate snapshots: %w", err)
		}

		_, err := tx.ExecContext(ctx, `INSERT INTO weight_snapshots
			(id, tenant, effective_date, is_active, weights_json,
			 training_accuracy, validation_accuracy, backtest_mape, improvement_delta,
			 ab_test_p_value, ab_test_passed, deployed_by, deployed_at)
			VALUES (?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			snapshot.ID, snapshot.Tenant, snapshot.EffectiveDate.Format(time.RFC3339),
			string(weightsJSON),
			snapshot.TrainingAccuracy, snapshot.ValidationAccuracy,
			snapshot.BacktestMAPE, snapshot.ImprovementDelta,
			snapshot.ABTestPValue, boolToInt(snapshot.ABTestPassed),
			snapshot.DeployedBy, snapshot.DeployedAt.Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: save new weights: %v", domain.ErrStorage, err)
	}

	s.log.Info().
		Str("snapshot_id", snapshot.ID).
		Str("actor", actor).
		Float64("validation_accuracy", metrics.ValidationAccuracy).
		Msg("New weight snapshot deployed")

	return snapshot, nil
}

// ListHistory returns snapshots for the tenant, newest first.
func (s *Store) ListHistory(ctx context.Context, limit int) ([]domain.WeightSnapshot, error) {
	if limit <= 0 {
		limit = 50
	}

	query := "SELECT " + snapshotColumns + ` FROM weight_snapshots
		WHERE tenant = ? ORDER BY effective_date DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, s.tenant, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list history: %v", domain.ErrStorage, err)
	}
	defer rows.Close()

	var out []domain.WeightSnapshot
	for rows.Next() {
		snapshot, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan history row: %v", domain.ErrStorage, err)
		}
		out = append(out, *snapshot)
	}
	return out, rows.Err()
}

func scanSnapshot(rows *sql.Rows) (*domain.WeightSnapshot, error) {
	var (
		s                         domain.WeightSnapshot
		effectiveDate, deployedAt string
		isActive, abPassed        int
		weightsJSON               string
	)

	err := rows.Scan(&s.ID, &s.Tenant, &effectiveDate, &isActive, &weightsJSON,
		&s.TrainingAccuracy, &s.ValidationAccuracy, &s.BacktestMAPE, &s.ImprovementDelta,
		&s.ABTestPValue, &abPassed, &s.DeployedBy, &deployedAt)
	if err != nil {
		return nil, err
	}

	s.IsActive = isActive == 1
	s.ABTestPassed = abPassed == 1

	if s.EffectiveDate, err = time.Parse(time.RFC3339, effectiveDate); err != nil {
		return nil, fmt.Errorf("parse effective_date: %w", err)
	}
	if s.DeployedAt, err = time.Parse(time.RFC3339, deployedAt); err != nil {
		return nil, fmt.Errorf("parse deployed_at: %w", err)
	}
	if err := json.Unmarshal([]byte(weightsJSON), &s.Weights); err != nil {
		return nil, fmt.Errorf("parse weights_json: %w", err)
	}

	return &s, nil
}

func validateWeights(weights map[string]float64) error {
	if len(weights) != domain.MethodCount {
		return domain.NewValidationError("weights", fmt.Sprintf("got %d methods, want %d", len(weights), domain.MethodCount))
	}
	sum := 0.0
	for _, name := range domain.MethodNames() {
		w, ok := weights[name]
		if !ok {
			return domain.NewValidationError("weights", fmt.Sprintf("missing method %s", name))
		}
		if w < 0 || math.IsNaN(w) {
			return domain.NewValidationError("weights", fmt.Sprintf("negative or NaN weight for %s", name))
		}
		sum += w
	}
	if math.Abs(sum-1.0) > domain.WeightSumTolerance {
		return domain.NewValidationError("weights", fmt.Sprintf("weights sum to %.9f, want 1", sum))
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
