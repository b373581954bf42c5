package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("FAIRVAL_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8002, cfg.Port)
	assert.Equal(t, "default", cfg.Tenant)
	assert.Equal(t, 90, cfg.MeasurementDays)
	assert.Equal(t, 90, cfg.AccuracyLookback)
	assert.Equal(t, 5*time.Minute, cfg.AccuracyStatsTTL)
	assert.Equal(t, 180, cfg.Trainer.WindowDays)
}

func TestLoad_AccuracyLookbackIndependentOfMeasurementHorizon(t *testing.T) {
	t.Setenv("FAIRVAL_DATA_DIR", t.TempDir())
	t.Setenv("MEASUREMENT_DAYS", "30")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.MeasurementDays)
	assert.Equal(t, 90, cfg.AccuracyLookback, "shortening the outcome horizon must not shrink the feature lookback")

	t.Setenv("ACCURACY_LOOKBACK_DAYS", "120")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, 120, cfg.AccuracyLookback)
}

func TestLoad_InvalidIntFallsBack(t *testing.T) {
	t.Setenv("FAIRVAL_DATA_DIR", t.TempDir())
	t.Setenv("FAIRVAL_PORT", "not-a-port")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8002, cfg.Port)
}
