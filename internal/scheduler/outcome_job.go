package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/fairval/internal/metrics"
	"github.com/aristath/fairval/internal/tracker"
)

// OutcomeJob resolves pending predictions whose measurement window has
// elapsed, turning them into immutable performance records. Runs daily.
type OutcomeJob struct {
	tracker  *tracker.Tracker
	timeout  time.Duration
	recorder *metrics.Recorder
	log      zerolog.Logger
	mu       sync.Mutex
}

// NewOutcomeJob creates an outcome resolution job. recorder may be nil.
func NewOutcomeJob(tr *tracker.Tracker, timeout time.Duration, recorder *metrics.Recorder, log zerolog.Logger) *OutcomeJob {
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &OutcomeJob{
		tracker:  tr,
		timeout:  timeout,
		recorder: recorder,
		log:      log.With().Str("job", "outcome_resolution").Logger(),
	}
}

// Name returns the job name
func (j *OutcomeJob) Name() string {
	return "outcome_resolution"
}

// Run resolves all due predictions
func (j *OutcomeJob) Run(ctx context.Context) error {
	if !j.mu.TryLock() {
		j.log.Warn().Msg("Outcome resolution already running, skipping")
		return nil
	}
	defer j.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	resolved, err := j.tracker.ResolveDue(ctx, time.Now().UTC())
	if err != nil {
		j.log.Error().Err(err).Int("resolved", resolved).Msg("Outcome resolution failed")
		return err
	}

	if j.recorder != nil && resolved > 0 {
		j.recorder.RecordResolved(resolved)
	}

	j.log.Info().Int("resolved", resolved).Msg("Outcome resolution completed")
	return nil
}
