// Package valuation wires the full evaluation pipeline: scenario fan-out,
// feature extraction, weight resolution, ensemble aggregation, mispricing
// scoring and prediction tracking.
package valuation

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/fairval/internal/domain"
	"github.com/aristath/fairval/internal/ensemble"
	"github.com/aristath/fairval/internal/features"
	"github.com/aristath/fairval/internal/metrics"
	"github.com/aristath/fairval/internal/mispricing"
	"github.com/aristath/fairval/internal/scenario"
	"github.com/aristath/fairval/internal/weighting"
)

// Request is one evaluation request.
type Request struct {
	Company       string    `json:"company"`
	ValuationDate time.Time `json:"valuation_date"`
	CurrentPrice  float64   `json:"current_price,omitempty"` // 0 = skip mispricing
	PriceHistory  []float64 `json:"price_history,omitempty"` // chronological closes
	Record        bool      `json:"record,omitempty"`        // track for outcome resolution
}

// Result bundles the evaluation outputs.
type Result struct {
	Ensemble     domain.EnsembleResult   `json:"ensemble"`
	WeightSource weighting.Source        `json:"weight_source"`
	Mispricing   *domain.MispricingScore `json:"mispricing,omitempty"`
	Alert        *domain.Alert           `json:"alert,omitempty"`
	PredictionID string                  `json:"prediction_id,omitempty"`
}

// Recorder persists predictions for later outcome resolution.
type Recorder interface {
	RecordPrediction(ctx context.Context, result domain.EnsembleResult, snapshotID string) (string, error)
}

// Service runs the evaluation pipeline end to end.
type Service struct {
	engine     *scenario.Engine
	extractor  *features.Extractor
	model      *weighting.Model
	aggregator *ensemble.Aggregator
	detector   *mispricing.Detector
	alerter    *mispricing.Alerter
	recorder   Recorder
	recorders  *metrics.Recorder
	log        zerolog.Logger
}

// Deps collects the service's collaborators. detector, alerter, recorder
// and metrics are optional.
type Deps struct {
	Engine     *scenario.Engine
	Extractor  *features.Extractor
	Model      *weighting.Model
	Aggregator *ensemble.Aggregator
	Detector   *mispricing.Detector
	Alerter    *mispricing.Alerter
	Recorder   Recorder
	Metrics    *metrics.Recorder
	Log        zerolog.Logger
}

// New creates the evaluation service.
func New(d Deps) *Service {
	return &Service{
		engine:     d.Engine,
		extractor:  d.Extractor,
		model:      d.Model,
		aggregator: d.Aggregator,
		detector:   d.Detector,
		alerter:    d.Alerter,
		recorder:   d.Recorder,
		recorders:  d.Metrics,
		log:        d.Log.With().Str("component", "valuation_service").Logger(),
	}
}

// Evaluate runs the full pipeline for one company. Scenario-cell failures
// degrade the result rather than failing the call; the returned ensemble
// must be checked with Usable before relying on the fair value.
func (s *Service) Evaluate(ctx context.Context, req Request) (*Result, error) {
	if req.Company == "" {
		return nil, domain.NewValidationError("company", "must not be empty")
	}
	if req.ValuationDate.IsZero() {
		req.ValuationDate = time.Now().UTC()
	}

	start := time.Now()
	cells := s.engine.Run(ctx, req.Company, req.ValuationDate)

	featureVec := s.extractor.Extract(ctx, cells)

	validMethods := make(map[string]bool, domain.MethodCount)
	for _, cell := range cells {
		if cell.Valid() {
			validMethods[cell.Method] = true
		} else if s.recorders != nil {
			s.recorders.RecordCellFailure(cell.Method, cell.Scenario)
		}
	}

	weights, source, snapshotID := s.model.Weights(ctx, featureVec, validMethods, req.ValuationDate)
	if s.recorders != nil {
		s.recorders.RecordWeightSource(string(source))
	}

	result := s.aggregator.Aggregate(req.Company, req.ValuationDate, cells, weights, req.PriceHistory)

	out := &Result{Ensemble: result, WeightSource: source}

	if s.detector != nil && req.CurrentPrice > 0 && result.Usable() {
		score, err := s.detector.Score(result, req.CurrentPrice, s.mlSignal(weights, cells))
		if err != nil {
			s.log.Warn().Err(err).Str("company", req.Company).Msg("Mispricing scoring failed")
		} else {
			out.Mispricing = score
			if s.alerter != nil {
				if alert := s.alerter.Evaluate(*score); alert != nil {
					out.Alert = alert
					if s.recorders != nil {
						s.recorders.RecordAlert(score.OpportunityLevel)
					}
				}
			}
		}
	}

	if req.Record && s.recorder != nil && result.Usable() {
		id, err := s.recorder.RecordPrediction(ctx, result, snapshotID)
		if err != nil {
			s.log.Error().Err(err).Str("company", req.Company).Msg("Prediction tracking failed")
		} else {
			out.PredictionID = id
		}
	}

	if s.recorders != nil {
		outcome := "ok"
		if result.InsufficientData {
			outcome = "insufficient_data"
		} else if !result.Usable() {
			outcome = "no_evidence"
		}
		s.recorders.RecordEvaluation(outcome)
		s.recorders.RecordDuration("evaluate", time.Since(start).Seconds())
	}

	s.log.Info().
		Str("company", req.Company).
		Float64("fair_value", result.FinalFairValue).
		Float64("confidence", result.ConfidenceScore).
		Int("included_cells", result.IncludedCells).
		Str("weight_source", string(source)).
		Msg("Evaluation completed")

	return out, nil
}

// mlSignal derives the model's best-method signal from the resolved weights.
// The signal's confidence is the valuation confidence of that method's best
// valid cell, which the consensus blend uses as the best-method weight.
func (s *Service) mlSignal(weights map[string]float64, cells []domain.MethodValuation) mispricing.MLSignal {
	best := ""
	bestWeight := 0.0
	for method, w := range weights {
		if w > bestWeight {
			best, bestWeight = method, w
		}
	}
	if best == "" {
		return mispricing.MLSignal{}
	}

	conf := 0.0
	for _, cell := range cells {
		if cell.Method == best && cell.Valid() && cell.Confidence > conf {
			conf = cell.Confidence
		}
	}
	return mispricing.MLSignal{BestMethod: best, Confidence: conf}
}
