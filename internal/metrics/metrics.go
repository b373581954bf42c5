// Package metrics exposes Prometheus instrumentation for the valuation
// engine. All collectors are registered on the default registry and served
// by the ops server's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder wraps the engine's Prometheus collectors.
type Recorder struct {
	evaluations     *prometheus.CounterVec
	cellFailures    *prometheus.CounterVec
	evalDuration    *prometheus.HistogramVec
	trainingRuns    *prometheus.CounterVec
	weightsDeployed prometheus.Counter
	alertsEmitted   *prometheus.CounterVec
	pendingResolved prometheus.Counter
	weightSource    *prometheus.CounterVec
}

// New creates a Prometheus metrics recorder.
func New() *Recorder {
	return &Recorder{
		evaluations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fairval_evaluations_total",
				Help: "Total ensemble evaluations by outcome",
			},
			[]string{"outcome"},
		),
		cellFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fairval_cell_failures_total",
				Help: "Total failed scenario/method cells",
			},
			[]string{"method", "scenario"},
		),
		evalDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fairval_evaluation_duration_seconds",
				Help:    "Duration of full ensemble evaluations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		trainingRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fairval_training_runs_total",
				Help: "Total training pipeline runs by final stage and result",
			},
			[]string{"stage", "result"},
		),
		weightsDeployed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fairval_weights_deployed_total",
				Help: "Total successful weight snapshot deployments",
			},
		),
		alertsEmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fairval_alerts_emitted_total",
				Help: "Total mispricing alerts emitted by opportunity tier",
			},
			[]string{"tier"},
		),
		pendingResolved: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fairval_predictions_resolved_total",
				Help: "Total pending predictions resolved into performance records",
			},
		),
		weightSource: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fairval_weight_source_total",
				Help: "Weight resolutions by source (snapshot, network, equal)",
			},
			[]string{"source"},
		),
	}
}

// RecordEvaluation records a completed evaluation with its outcome
// ("ok", "insufficient_data", "error").
func (r *Recorder) RecordEvaluation(outcome string) {
	r.evaluations.WithLabelValues(outcome).Inc()
}

// RecordCellFailure records a failed valuation cell.
func (r *Recorder) RecordCellFailure(method, scenario string) {
	r.cellFailures.WithLabelValues(method, scenario).Inc()
}

// RecordDuration records stage duration in seconds.
func (r *Recorder) RecordDuration(stage string, seconds float64) {
	r.evalDuration.WithLabelValues(stage).Observe(seconds)
}

// RecordTrainingRun records a training pipeline run outcome.
func (r *Recorder) RecordTrainingRun(stage, result string) {
	r.trainingRuns.WithLabelValues(stage, result).Inc()
}

// RecordDeploy records a successful weight deployment.
func (r *Recorder) RecordDeploy() {
	r.weightsDeployed.Inc()
}

// RecordAlert records an emitted alert.
func (r *Recorder) RecordAlert(tier string) {
	r.alertsEmitted.WithLabelValues(tier).Inc()
}

// RecordResolved records resolved pending predictions.
func (r *Recorder) RecordResolved(count int) {
	r.pendingResolved.Add(float64(count))
}

// RecordWeightSource records which resolution path supplied weights.
func (r *Recorder) RecordWeightSource(source string) {
	r.weightSource.WithLabelValues(source).Inc()
}
