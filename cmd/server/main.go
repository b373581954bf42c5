package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/fairval/internal/cache"
	"github.com/aristath/fairval/internal/config"
	"github.com/aristath/fairval/internal/database"
	"github.com/aristath/fairval/internal/ensemble"
	"github.com/aristath/fairval/internal/features"
	"github.com/aristath/fairval/internal/methods"
	"github.com/aristath/fairval/internal/metrics"
	"github.com/aristath/fairval/internal/mispricing"
	"github.com/aristath/fairval/internal/outcomes"
	"github.com/aristath/fairval/internal/reliability"
	"github.com/aristath/fairval/internal/scenario"
	"github.com/aristath/fairval/internal/scheduler"
	"github.com/aristath/fairval/internal/server"
	"github.com/aristath/fairval/internal/tracker"
	"github.com/aristath/fairval/internal/training"
	"github.com/aristath/fairval/internal/valuation"
	"github.com/aristath/fairval/internal/weighting"
	"github.com/aristath/fairval/internal/weightstore"
	"github.com/aristath/fairval/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load configuration: " + err.Error())
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().Msg("Starting fairval")

	// Database
	db, err := database.New(database.Config{
		Path: filepath.Join(cfg.DataDir, "weights.db"),
		Name: "weights",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	// Weight store and model
	store := weightstore.New(db.Conn(), cfg.Tenant, log)
	model := weighting.NewModel(store, log)
	restoreCheckpoint(model, filepath.Join(cfg.DataDir, "checkpoints"), log)

	// Accuracy-stats cache
	var statsCache cache.BytesCache
	if cfg.RedisAddr != "" {
		statsCache = cache.NewRedisCache(cache.RedisConfig{Addr: cfg.RedisAddr})
		log.Info().Str("addr", cfg.RedisAddr).Msg("Using Redis stats cache")
	} else {
		statsCache = cache.NewTTLCache()
	}

	// Outcome feed and tracker
	feed := outcomes.NewClient(cfg.OutcomeFeedURL, log)
	track := tracker.New(store, feed, statsCache, tracker.Config{
		MeasurementDays: cfg.MeasurementDays,
		StatsTTL:        cfg.AccuracyStatsTTL,
	}, log)

	// Method adapters against the external evaluator
	registry := methods.NewRegistry()
	evaluator := methods.NewEvaluatorClient(cfg.EvaluatorURL, log)
	if err := evaluator.RegisterAll(registry); err != nil {
		log.Fatal().Err(err).Msg("Failed to register method adapters")
	}

	// Scenario provider, optionally overridden from YAML
	provider := scenario.NewProvider()
	if cfg.ScenarioFile != "" {
		provider, err = scenario.NewProviderFromFile(cfg.ScenarioFile)
		if err != nil {
			log.Fatal().Err(err).Str("file", cfg.ScenarioFile).Msg("Failed to load scenario overrides")
		}
		log.Info().Str("file", cfg.ScenarioFile).Msg("Loaded scenario parameter overrides")
	}

	engine := scenario.NewEngine(registry, provider, scenario.Config{
		Concurrency: cfg.CellConcurrency,
		CellTimeout: cfg.CellTimeout,
	}, log)

	// Evaluation pipeline
	recorder := metrics.New()
	hub := mispricing.NewHub()
	svc := valuation.New(valuation.Deps{
		Engine:     engine,
		Extractor:  features.NewExtractor(track, cfg.AccuracyLookback, log),
		Model:      model,
		Aggregator: ensemble.New(provider.Weights(), log),
		Detector:   mispricing.NewDetector(log),
		Alerter: mispricing.NewAlerter(mispricing.AlertConfig{
			MinConviction: cfg.Alerts.MinConviction,
			MinMispricing: cfg.Alerts.MinMispricing,
		}, hub, log),
		Recorder: track,
		Metrics:  recorder,
		Log:      log,
	})

	// Checkpoint archive (optional)
	var archiver training.Archiver
	if cfg.Archive.Enabled {
		s3Client, err := reliability.NewS3Client(
			context.Background(),
			cfg.Archive.Endpoint,
			cfg.Archive.AccessKey,
			cfg.Archive.SecretKey,
			"auto",
			cfg.Archive.Bucket,
			log,
		)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize archive client")
		}
		archiver = reliability.NewArchiveService(s3Client, cfg.DataDir, log)
	}

	// Trainer and background jobs
	trainer := training.New(store, model, archiver, training.Config{
		WindowDays:       cfg.Trainer.WindowDays,
		MinSamples:       cfg.Trainer.MinSamples,
		Epochs:           cfg.Trainer.Epochs,
		LearningRate:     cfg.Trainer.LearningRate,
		MinValidationAcc: cfg.Trainer.MinValidationAcc,
		Alpha:            cfg.Trainer.Alpha,
		SignificanceP:    cfg.Trainer.SignificanceP,
		CheckpointDir:    filepath.Join(cfg.DataDir, "checkpoints"),
	}, log)

	sched := scheduler.New(log)
	if err := sched.AddJob(cfg.TrainerSchedule, scheduler.NewTrainingJob(trainer, time.Hour, recorder, log)); err != nil {
		log.Fatal().Err(err).Msg("Failed to register training job")
	}
	if err := sched.AddJob(cfg.OutcomeSchedule, scheduler.NewOutcomeJob(track, 15*time.Minute, recorder, log)); err != nil {
		log.Fatal().Err(err).Msg("Failed to register outcome job")
	}
	sched.Start()
	defer sched.Stop()

	// HTTP server
	srv := server.New(server.Config{
		Port:      cfg.Port,
		Log:       log,
		DB:        db,
		Store:     store,
		Valuation: svc,
		Hub:       hub,
		DevMode:   cfg.DevMode,
	})

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("Shutdown complete")
}

// restoreCheckpoint loads the most recent serialized network, if any, so the
// model can infer immediately after a restart. A snapshot in the store still
// takes precedence at resolution time.
func restoreCheckpoint(model *weighting.Model, dir string, log zerolog.Logger) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Msg("Failed to read checkpoint directory")
		}
		return
	}

	latest := ""
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".msgpack" {
			continue
		}
		if entry.Name() > latest {
			latest = entry.Name()
		}
	}
	if latest == "" {
		return
	}

	path := filepath.Join(dir, latest)
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to read checkpoint")
		return
	}

	network, err := weighting.UnmarshalCheckpoint(data)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to restore checkpoint")
		return
	}

	model.SwapNetwork(network)
	log.Info().Str("checkpoint", latest).Msg("Restored network checkpoint")
}
