package weightstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/fairval/internal/domain"
)

const performanceColumns = `id, company, valuation_date, measurement_date,
predicted_json, ensemble_value, actual_price, method_errors_json,
ensemble_error, best_method, worst_method, snapshot_id`

// RecordModelPerformance appends a performance record. Records are immutable;
// this is independent of snapshot versioning.
func (s *Store) RecordModelPerformance(ctx context.Context, rec domain.PerformanceRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Company == "" {
		return domain.NewValidationError("company", "empty company identifier")
	}

	predictedJSON, err := json.Marshal(rec.Predicted)
	if err != nil {
		return fmt.Errorf("failed to marshal predictions: %w", err)
	}
	errorsJSON, err := json.Marshal(rec.MethodErrors)
	if err != nil {
		return fmt.Errorf("failed to marshal method errors: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO performance_records
		(id, company, valuation_date, measurement_date, predicted_json,
		 ensemble_value, actual_price, method_errors_json, ensemble_error,
		 best_method, worst_method, snapshot_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Company,
		rec.ValuationDate.UTC().Format(time.RFC3339),
		rec.MeasurementDate.UTC().Format(time.RFC3339),
		string(predictedJSON), rec.EnsembleValue, rec.ActualPrice,
		string(errorsJSON), rec.EnsembleError,
		rec.BestMethod, rec.WorstMethod, rec.SnapshotID)
	if err != nil {
		return fmt.Errorf("%w: insert performance record: %v", domain.ErrStorage, err)
	}

	return nil
}

// GetRecordsSince returns performance records measured on or after the
// cutoff, oldest first.
func (s *Store) GetRecordsSince(ctx context.Context, cutoff time.Time) ([]domain.PerformanceRecord, error) {
	query := "SELECT " + performanceColumns + ` FROM performance_records
		WHERE measurement_date >= ? ORDER BY measurement_date ASC`

	rows, err := s.db.QueryContext(ctx, query, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("%w: query performance records: %v", domain.ErrStorage, err)
	}
	defer rows.Close()

	var out []domain.PerformanceRecord
	for rows.Next() {
		rec, err := scanPerformance(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan performance record: %v", domain.ErrStorage, err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// GetModelAccuracyStats aggregates records over the lookback window into
// per-method error statistics. Methods without records are absent from the
// result; callers apply their own defaults.
func (s *Store) GetModelAccuracyStats(ctx context.Context, lookbackDays int) (map[string]domain.AccuracyStats, error) {
	if lookbackDays <= 0 {
		lookbackDays = 90
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -lookbackDays)

	records, err := s.GetRecordsSince(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	errsByMethod := make(map[string][]float64)
	for _, rec := range records {
		for method, e := range rec.MethodErrors {
			errsByMethod[method] = append(errsByMethod[method], e)
		}
	}

	out := make(map[string]domain.AccuracyStats, len(errsByMethod))
	for method, errs := range errsByMethod {
		sort.Float64s(errs)
		st := domain.AccuracyStats{
			Method:      method,
			SampleCount: len(errs),
			MeanError:   stat.Mean(errs, nil),
			MedianError: stat.Quantile(0.5, stat.Empirical, errs, nil),
			MinError:    errs[0],
			MaxError:    errs[len(errs)-1],
		}
		if len(errs) > 1 {
			st.StdError = stat.StdDev(errs, nil)
		}
		out[method] = st
	}

	return out, nil
}

func scanPerformance(rows *sql.Rows) (*domain.PerformanceRecord, error) {
	var (
		rec                            domain.PerformanceRecord
		valuationDate, measurementDate string
		predictedJSON, errorsJSON      string
	)

	err := rows.Scan(&rec.ID, &rec.Company, &valuationDate, &measurementDate,
		&predictedJSON, &rec.EnsembleValue, &rec.ActualPrice, &errorsJSON,
		&rec.EnsembleError, &rec.BestMethod, &rec.WorstMethod, &rec.SnapshotID)
	if err != nil {
		return nil, err
	}

	if rec.ValuationDate, err = time.Parse(time.RFC3339, valuationDate); err != nil {
		return nil, fmt.Errorf("parse valuation_date: %w", err)
	}
	if rec.MeasurementDate, err = time.Parse(time.RFC3339, measurementDate); err != nil {
		return nil, fmt.Errorf("parse measurement_date: %w", err)
	}
	if err := json.Unmarshal([]byte(predictedJSON), &rec.Predicted); err != nil {
		return nil, fmt.Errorf("parse predicted_json: %w", err)
	}
	if err := json.Unmarshal([]byte(errorsJSON), &rec.MethodErrors); err != nil {
		return nil, fmt.Errorf("parse method_errors_json: %w", err)
	}

	return &rec, nil
}
