package weightstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/fairval/internal/domain"
)

// PendingPrediction is a stored prediction awaiting its observed outcome.
type PendingPrediction struct {
	ID            string
	Company       string
	ValuationDate time.Time
	DueDate       time.Time
	Predicted     map[string]float64
	EnsembleValue float64
	SnapshotID    string
}

// SavePendingPrediction stores a prediction to be resolved once its
// measurement horizon has elapsed.
func (s *Store) SavePendingPrediction(ctx context.Context, p PendingPrediction) (string, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Company == "" {
		return "", domain.NewValidationError("company", "empty company identifier")
	}

	predictedJSON, err := json.Marshal(p.Predicted)
	if err != nil {
		return "", fmt.Errorf("failed to marshal predictions: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO pending_predictions
		(id, company, valuation_date, due_date, predicted_json, ensemble_value, snapshot_id, resolved)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		p.ID, p.Company,
		p.ValuationDate.UTC().Format(time.RFC3339),
		p.DueDate.UTC().Format(time.RFC3339),
		string(predictedJSON), p.EnsembleValue, p.SnapshotID)
	if err != nil {
		return "", fmt.Errorf("%w: insert pending prediction: %v", domain.ErrStorage, err)
	}

	return p.ID, nil
}

// DuePendingPredictions returns unresolved predictions whose due date has
// passed, oldest first.
func (s *Store) DuePendingPredictions(ctx context.Context, asOf time.Time, limit int) ([]PendingPrediction, error) {
	if limit <= 0 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `SELECT
		id, company, valuation_date, due_date, predicted_json, ensemble_value, snapshot_id
		FROM pending_predictions
		WHERE resolved = 0 AND due_date <= ?
		ORDER BY due_date ASC LIMIT ?`,
		asOf.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: query pending predictions: %v", domain.ErrStorage, err)
	}
	defer rows.Close()

	var out []PendingPrediction
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan pending prediction: %v", domain.ErrStorage, err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// MarkResolved flags a pending prediction as resolved. Rows are kept, not
// deleted, so reruns of outcome resolution stay idempotent.
func (s *Store) MarkResolved(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE pending_predictions SET resolved = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("%w: mark prediction resolved: %v", domain.ErrStorage, err)
	}
	return nil
}

func scanPending(rows *sql.Rows) (*PendingPrediction, error) {
	var (
		p                      PendingPrediction
		valuationDate, dueDate string
		predictedJSON          string
	)

	err := rows.Scan(&p.ID, &p.Company, &valuationDate, &dueDate,
		&predictedJSON, &p.EnsembleValue, &p.SnapshotID)
	if err != nil {
		return nil, err
	}

	if p.ValuationDate, err = time.Parse(time.RFC3339, valuationDate); err != nil {
		return nil, fmt.Errorf("parse valuation_date: %w", err)
	}
	if p.DueDate, err = time.Parse(time.RFC3339, dueDate); err != nil {
		return nil, fmt.Errorf("parse due_date: %w", err)
	}
	if err := json.Unmarshal([]byte(predictedJSON), &p.Predicted); err != nil {
		return nil, fmt.Errorf("parse predicted_json: %w", err)
	}

	return &p, nil
}
