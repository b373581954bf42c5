// Package training implements the periodic offline weight-training pipeline:
// collect, train, validate, backtest, A/B-test, deploy-or-reject. Any stage
// failure halts the pipeline and leaves production weights untouched; only
// the final deploy step writes to storage, in a single atomic transaction.
package training

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/fairval/internal/domain"
	"github.com/aristath/fairval/internal/weighting"
	"github.com/aristath/fairval/internal/weightstore"
)

// Stage names of the trainer state machine, in execution order.
type Stage string

const (
	StageCollect  Stage = "collect"
	StageTrain    Stage = "train"
	StageValidate Stage = "validate"
	StageBacktest Stage = "backtest"
	StageABTest   Stage = "ab_test"
	StageDeploy   Stage = "deploy_or_reject"
)

// Config holds trainer thresholds and budgets.
type Config struct {
	WindowDays       int     // Trailing collection window (default 180)
	MinSamples       int     // Minimum sample count (default 50)
	Epochs           int     // Fixed epoch budget (default 200)
	LearningRate     float64 // SGD step size (default 0.01)
	MinValidationAcc float64 // Deploy gate (default 0.70)
	Alpha            float64 // Exponential smoothing factor (default 0.3)
	SignificanceP    float64 // A/B alpha (default 0.05)
	Seed             int64   // Network init seed (0 = time-based)
	CheckpointDir    string  // Where serialized checkpoints land
}

func (c *Config) applyDefaults() {
	if c.WindowDays <= 0 {
		c.WindowDays = 180
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 50
	}
	if c.Epochs <= 0 {
		c.Epochs = 200
	}
	if c.LearningRate <= 0 {
		c.LearningRate = 0.01
	}
	if c.MinValidationAcc <= 0 {
		c.MinValidationAcc = 0.70
	}
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = 0.3
	}
	if c.SignificanceP <= 0 {
		c.SignificanceP = 0.05
	}
}

// Report summarizes one pipeline run.
type Report struct {
	StartedAt       time.Time
	FinishedAt      time.Time
	ReachedStage    Stage
	Deployed        bool
	Reason          string
	SampleCount     int
	Metrics         weightstore.Metrics
	DeployedWeights map[string]float64
	SnapshotID      string
}

// Archiver uploads a serialized checkpoint after a successful deploy.
// Failures are logged, never fatal.
type Archiver interface {
	ArchiveCheckpoint(ctx context.Context, snapshotID string, path string) error
}

// Trainer runs the weight-training pipeline. It reads historical records
// from the store at collect time and touches storage again only at deploy.
type Trainer struct {
	store    *weightstore.Store
	model    *weighting.Model
	archiver Archiver
	cfg      Config
	log      zerolog.Logger
}

// New creates a trainer. model may be nil (no in-process network swap);
// archiver may be nil (no checkpoint archive).
func New(store *weightstore.Store, model *weighting.Model, archiver Archiver, cfg Config, log zerolog.Logger) *Trainer {
	cfg.applyDefaults()
	return &Trainer{
		store:    store,
		model:    model,
		archiver: archiver,
		cfg:      cfg,
		log:      log.With().Str("component", "weight_trainer").Logger(),
	}
}

// Run executes the full pipeline. It is cancellable through ctx; a rejected
// or failed run returns the report alongside the error so callers can log
// the reached stage.
func (t *Trainer) Run(ctx context.Context) (*Report, error) {
	report := &Report{StartedAt: time.Now().UTC()}
	defer func() { report.FinishedAt = time.Now().UTC() }()

	// COLLECT
	report.ReachedStage = StageCollect
	samples, err := t.collect(ctx)
	if err != nil {
		report.Reason = err.Error()
		return report, err
	}
	report.SampleCount = len(samples)
	t.log.Info().Int("samples", len(samples)).Msg("Collection completed")

	// TRAIN (with its 80/20 validation split). The most recent samples are
	// held out first so the later A/B comparison never sees training data.
	report.ReachedStage = StageTrain
	fitSet, abSet := splitHoldout(samples)
	network, trainLoss, validationSamples, err := t.train(ctx, fitSet)
	if err != nil {
		report.Reason = err.Error()
		return report, err
	}
	report.Metrics.TrainingAccuracy = domain.RoundScore(lossToAccuracy(trainLoss))

	// VALIDATE
	report.ReachedStage = StageValidate
	newWeights := inferredWeights(network, validationSamples)
	validationAcc := predictionAccuracy(validationSamples, newWeights)
	report.Metrics.ValidationAccuracy = domain.RoundScore(validationAcc)
	t.log.Info().Float64("validation_accuracy", validationAcc).Msg("Validation completed")

	// BACKTEST against the equal-weight baseline on the held-out tail.
	report.ReachedStage = StageBacktest
	improvement, newMAPE := backtest(validationSamples, newWeights)
	report.Metrics.BacktestMAPE = domain.RoundScore(newMAPE)
	report.Metrics.ImprovementDelta = domain.RoundScore(improvement)
	t.log.Info().
		Float64("improvement", improvement).
		Float64("new_mape", newMAPE).
		Msg("Backtest completed")

	// AB_TEST against the currently deployed production weights.
	report.ReachedStage = StageABTest
	abPassed, pValue, err := t.abTest(ctx, abSet, newWeights)
	if err != nil {
		report.Reason = err.Error()
		return report, err
	}
	report.Metrics.ABTestPValue = domain.RoundScore(pValue)
	report.Metrics.ABTestPassed = abPassed

	// DEPLOY_OR_REJECT
	report.ReachedStage = StageDeploy
	if validationAcc < t.cfg.MinValidationAcc {
		report.Reason = fmt.Sprintf("validation accuracy %.4f below %.2f", validationAcc, t.cfg.MinValidationAcc)
		t.log.Warn().Str("reason", report.Reason).Msg("Deployment rejected")
		return report, nil
	}
	if improvement <= 0 {
		report.Reason = fmt.Sprintf("backtest improvement %.4f not positive", improvement)
		t.log.Warn().Str("reason", report.Reason).Msg("Deployment rejected")
		return report, nil
	}
	if !abPassed {
		report.Reason = fmt.Sprintf("%s (p=%.4f)", domain.ErrSignificanceNotMet, pValue)
		t.log.Warn().Str("reason", report.Reason).Msg("Deployment rejected")
		return report, nil
	}

	snapshot, err := t.deploy(ctx, network, newWeights, report.Metrics)
	if err != nil {
		report.Reason = err.Error()
		return report, err
	}

	report.Deployed = true
	report.Reason = "deployed"
	report.SnapshotID = snapshot.ID
	report.DeployedWeights = snapshot.Weights
	return report, nil
}

// collect gathers resolved (feature, realized-price) samples over the
// trailing window.
func (t *Trainer) collect(ctx context.Context) ([]sample, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -t.cfg.WindowDays)
	records, err := t.store.GetRecordsSince(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("collect records: %w", err)
	}

	accuracy := t.trailingAccuracy(ctx)
	samples := buildSamples(records, accuracy)
	if len(samples) < t.cfg.MinSamples {
		return nil, fmt.Errorf("%w: %d samples, need %d", domain.ErrInsufficientData, len(samples), t.cfg.MinSamples)
	}
	return samples, nil
}

func (t *Trainer) trailingAccuracy(ctx context.Context) map[string]float64 {
	out := make(map[string]float64, domain.MethodCount)
	stats, err := t.store.GetModelAccuracyStats(ctx, t.cfg.WindowDays)
	if err != nil {
		t.log.Warn().Err(err).Msg("Accuracy stats unavailable during collection")
		return out
	}
	for method, st := range stats {
		out[method] = math.Max(0, 1-st.MeanError/100)
	}
	return out
}

// train runs gradient training for the fixed epoch budget over an 80/20
// chronological split, retaining the checkpoint with the lowest validation
// loss. No improvement over the initial network means divergence.
func (t *Trainer) train(ctx context.Context, samples []sample) (*weighting.Network, float64, []sample, error) {
	split := len(samples) * 8 / 10
	if split == 0 || split == len(samples) {
		return nil, 0, nil, fmt.Errorf("%w: cannot split %d samples", domain.ErrInsufficientData, len(samples))
	}
	trainSet, validationSet := samples[:split], samples[split:]

	seed := t.cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	network := weighting.NewNetwork(seed)

	trainSamples := toWeightingSamples(trainSet)
	validationSamples := toWeightingSamples(validationSet)

	bestLoss, err := network.Loss(validationSamples)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("initial validation loss: %w", err)
	}
	initialLoss := bestLoss
	best := network.Clone()
	lastTrainLoss := 0.0

	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, 0, nil, fmt.Errorf("training cancelled: %w", err)
		}

		trainLoss, err := network.TrainEpoch(trainSamples, t.cfg.LearningRate)
		if err != nil {
			return nil, 0, nil, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		lastTrainLoss = trainLoss

		validationLoss, err := network.Loss(validationSamples)
		if err != nil {
			return nil, 0, nil, fmt.Errorf("epoch %d validation: %w", epoch, err)
		}
		if validationLoss < bestLoss {
			bestLoss = validationLoss
			best = network.Clone()
		}
	}

	if bestLoss >= initialLoss {
		return nil, 0, nil, fmt.Errorf("%w: validation loss never improved from %.6f", domain.ErrTrainingDiverged, initialLoss)
	}

	t.log.Info().
		Float64("train_loss", lastTrainLoss).
		Float64("best_validation_loss", bestLoss).
		Msg("Training completed")

	return best, lastTrainLoss, validationSet, nil
}

// abSampleSize is the size of the A/B holdout carved off the most recent end
// of the collection window, disjoint from the train/validation samples.
const abSampleSize = 30

// splitHoldout reserves the most recent samples for the A/B comparison. The
// fallback halving only matters for collection floors below the holdout size.
func splitHoldout(samples []sample) (fit, ab []sample) {
	cut := len(samples) - abSampleSize
	if cut < 2 {
		cut = len(samples) / 2
	}
	return samples[:cut], samples[cut:]
}

// abTest compares the candidate weights against the deployed production
// weights on the held-out recent samples with a paired significance test.
// "Better" requires both lower mean error and statistical significance.
func (t *Trainer) abTest(ctx context.Context, abSet []sample, newWeights map[string]float64) (bool, float64, error) {
	if len(abSet) < 2 {
		return false, 1, fmt.Errorf("%w: %d A/B samples", domain.ErrInsufficientData, len(abSet))
	}

	oldWeights := t.store.GetCurrentWeights(ctx, time.Now().UTC())

	newErrors := make([]float64, len(abSet))
	oldErrors := make([]float64, len(abSet))
	for i, s := range abSet {
		newErrors[i] = math.Abs(weightedPrediction(s, newWeights)-s.Actual) / s.Actual
		oldErrors[i] = math.Abs(weightedPrediction(s, oldWeights)-s.Actual) / s.Actual
	}

	tStat, pValue, err := PairedTTest(newErrors, oldErrors)
	if err != nil {
		return false, 1, err
	}

	meanNew := mean(newErrors)
	meanOld := mean(oldErrors)
	passed := meanNew < meanOld && pValue < t.cfg.SignificanceP

	t.log.Info().
		Float64("t_stat", tStat).
		Float64("p_value", pValue).
		Float64("mean_error_new", meanNew).
		Float64("mean_error_old", meanOld).
		Bool("passed", passed).
		Msg("A/B test completed")

	return passed, pValue, nil
}

// deploy smooths the new weights against the deployed ones, renormalizes,
// persists the snapshot atomically, serializes the checkpoint and swaps the
// in-process network handle. The snapshot write is the only storage mutation
// of the whole pipeline.
func (t *Trainer) deploy(ctx context.Context, network *weighting.Network, newWeights map[string]float64, metrics weightstore.Metrics) (*domain.WeightSnapshot, error) {
	oldWeights := t.store.GetCurrentWeights(ctx, time.Now().UTC())
	smoothed := SmoothWeights(newWeights, oldWeights, t.cfg.Alpha)

	snapshot, err := t.store.SaveNewWeights(ctx, smoothed, metrics, "weight_trainer")
	if err != nil {
		return nil, fmt.Errorf("persist snapshot: %w", err)
	}

	checkpointPath, err := t.writeCheckpoint(network, snapshot.ID)
	if err != nil {
		// Snapshot is live; a missing checkpoint only affects warm restarts.
		t.log.Error().Err(err).Msg("Checkpoint serialization failed")
	}

	if t.model != nil {
		t.model.SwapNetwork(network)
	}

	if t.archiver != nil && checkpointPath != "" {
		if err := t.archiver.ArchiveCheckpoint(ctx, snapshot.ID, checkpointPath); err != nil {
			t.log.Warn().Err(err).Msg("Checkpoint archive upload failed")
		}
	}

	return snapshot, nil
}

func (t *Trainer) writeCheckpoint(network *weighting.Network, snapshotID string) (string, error) {
	if t.cfg.CheckpointDir == "" {
		return "", nil
	}
	if err := os.MkdirAll(t.cfg.CheckpointDir, 0755); err != nil {
		return "", fmt.Errorf("create checkpoint dir: %w", err)
	}

	data, err := network.MarshalCheckpoint()
	if err != nil {
		return "", err
	}

	path := filepath.Join(t.cfg.CheckpointDir, fmt.Sprintf("weights_%s.msgpack", snapshotID))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write checkpoint: %w", err)
	}
	return path, nil
}

// SmoothWeights applies per-method exponential smoothing
// (final = alpha*new + (1-alpha)*old) and renormalizes to sum 1.
func SmoothWeights(newWeights, oldWeights map[string]float64, alpha float64) map[string]float64 {
	out := make(map[string]float64, domain.MethodCount)
	sum := 0.0
	for _, name := range domain.MethodNames() {
		v := alpha*newWeights[name] + (1-alpha)*oldWeights[name]
		if v < 0 {
			v = 0
		}
		out[name] = v
		sum += v
	}
	if sum == 0 {
		return weighting.EqualWeights()
	}
	for name := range out {
		out[name] /= sum
	}
	return out
}

// backtest compares candidate weights against the equal-weight baseline on
// the held-out samples. improvement = (old_MAPE - new_MAPE) / old_MAPE.
func backtest(holdout []sample, newWeights map[string]float64) (improvement, newMAPE float64) {
	equal := weighting.EqualWeights()

	newPreds := make([]float64, len(holdout))
	basePreds := make([]float64, len(holdout))
	actuals := make([]float64, len(holdout))
	for i, s := range holdout {
		newPreds[i] = weightedPrediction(s, newWeights)
		basePreds[i] = weightedPrediction(s, equal)
		actuals[i] = s.Actual
	}

	newMAPE = MAPE(newPreds, actuals)
	oldMAPE := MAPE(basePreds, actuals)
	if oldMAPE == 0 {
		return 0, newMAPE
	}
	return (oldMAPE - newMAPE) / oldMAPE, newMAPE
}

// inferredWeights averages the network's output over recent samples into the
// single representative weight vector that gets deployed.
func inferredWeights(network *weighting.Network, samples []sample) map[string]float64 {
	sums := make([]float64, domain.MethodCount)
	counted := 0
	for _, s := range samples {
		out, err := network.Forward(s.Features)
		if err != nil {
			continue
		}
		for i, v := range out {
			sums[i] += v
		}
		counted++
	}

	if counted == 0 {
		return weighting.EqualWeights()
	}

	weights := make(map[string]float64, domain.MethodCount)
	total := 0.0
	for i, name := range domain.MethodNames() {
		weights[name] = sums[i] / float64(counted)
		total += weights[name]
	}
	for name := range weights {
		weights[name] /= total
	}
	return weights
}

// predictionAccuracy is the mean over samples of
// max(0, 1 - |weighted prediction - actual| / actual).
func predictionAccuracy(samples []sample, weights map[string]float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	total := 0.0
	for _, s := range samples {
		errFrac := math.Abs(weightedPrediction(s, weights)-s.Actual) / s.Actual
		total += math.Max(0, 1-errFrac)
	}
	return total / float64(len(samples))
}

// lossToAccuracy maps a cross-entropy loss into a rough [0,1] accuracy
// figure for reporting. log(8) is the uniform-distribution loss ceiling.
func lossToAccuracy(loss float64) float64 {
	ceiling := math.Log(float64(domain.MethodCount))
	if ceiling == 0 {
		return 0
	}
	return domain.Clamp01(1 - loss/ceiling)
}

func toWeightingSamples(in []sample) []weighting.Sample {
	out := make([]weighting.Sample, len(in))
	for i, s := range in {
		out[i] = s.Sample
	}
	return out
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	total := 0.0
	for _, x := range xs {
		total += x
	}
	return total / float64(len(xs))
}
