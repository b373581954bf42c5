package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/fairval/internal/metrics"
	"github.com/aristath/fairval/internal/training"
)

// TrainingJob runs the offline weight-training pipeline on schedule.
// Typically weekly (Sunday 3 AM); a run that overlaps a still-running
// previous run is skipped.
type TrainingJob struct {
	trainer  *training.Trainer
	timeout  time.Duration
	recorder *metrics.Recorder
	log      zerolog.Logger
	mu       sync.Mutex
}

// NewTrainingJob creates a training job. timeout bounds a single run;
// zero means one hour. recorder may be nil.
func NewTrainingJob(trainer *training.Trainer, timeout time.Duration, recorder *metrics.Recorder, log zerolog.Logger) *TrainingJob {
	if timeout <= 0 {
		timeout = time.Hour
	}
	return &TrainingJob{
		trainer:  trainer,
		timeout:  timeout,
		recorder: recorder,
		log:      log.With().Str("job", "weight_training").Logger(),
	}
}

// Name returns the job name
func (j *TrainingJob) Name() string {
	return "weight_training"
}

// Run executes one training pipeline run. The passed context is cancelled on
// scheduler shutdown; the job layers its own timeout on top.
func (j *TrainingJob) Run(ctx context.Context) error {
	if !j.mu.TryLock() {
		j.log.Warn().Msg("Training already running, skipping")
		return nil
	}
	defer j.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	report, err := j.trainer.Run(ctx)
	if err != nil {
		if j.recorder != nil {
			j.recorder.RecordTrainingRun(string(report.ReachedStage), "failed")
		}
		j.log.Error().
			Err(err).
			Str("stage", string(report.ReachedStage)).
			Int("samples", report.SampleCount).
			Msg("Training run failed")
		return err
	}

	if j.recorder != nil {
		result := "rejected"
		if report.Deployed {
			result = "deployed"
			j.recorder.RecordDeploy()
		}
		j.recorder.RecordTrainingRun(string(report.ReachedStage), result)
	}

	event := j.log.Info().
		Bool("deployed", report.Deployed).
		Str("reason", report.Reason).
		Int("samples", report.SampleCount).
		Dur("duration", report.FinishedAt.Sub(report.StartedAt))
	if report.Deployed {
		event = event.Str("snapshot_id", report.SnapshotID)
	}
	event.Msg("Training run completed")

	return nil
}
