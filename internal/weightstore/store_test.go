package weightstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/fairval/internal/database"
	"github.com/aristath/fairval/internal/domain"
)

// setupTestStore creates a store over a fresh migrated SQLite database.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "weights.db"),
		Name: "weights",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.Migrate())

	return New(db.Conn(), "default", zerolog.Nop())
}

func validWeightVector() map[string]float64 {
	w := make(map[string]float64, domain.MethodCount)
	for _, name := range domain.MethodNames() {
		w[name] = 1.0 / float64(domain.MethodCount)
	}
	return w
}

func TestDefaultWeights_SumToOne(t *testing.T) {
	weights := DefaultWeights()

	require.Len(t, weights, domain.MethodCount)
	sum := 0.0
	for _, w := range weights {
		assert.GreaterOrEqual(t, w, 0.0)
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestGetActiveSnapshot_EmptyStore(t *testing.T) {
	store := setupTestStore(t)

	snapshot, err := store.GetActiveSnapshot(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Nil(t, snapshot)
}

func TestGetCurrentWeights_DefaultsOnEmptyStore(t *testing.T) {
	store := setupTestStore(t)

	weights := store.GetCurrentWeights(context.Background(), time.Now())
	assert.Equal(t, DefaultWeights(), weights)
}

func TestSaveNewWeights_ActivatesSnapshot(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	saved, err := store.SaveNewWeights(ctx, validWeightVector(), Metrics{
		ValidationAccuracy: 0.82,
		ImprovementDelta:   0.05,
		ABTestPValue:       0.01,
		ABTestPassed:       true,
	}, "weight_trainer")
	require.NoError(t, err)
	require.NotEmpty(t, saved.ID)
	assert.True(t, saved.IsActive)

	active, err := store.GetActiveSnapshot(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, saved.ID, active.ID)
	assert.True(t, active.ABTestPassed)
	assert.InDelta(t, 0.82, active.ValidationAccuracy, 1e-9)
	assert.True(t, active.Complete())
}

func TestSaveNewWeights_ExactlyOneActive(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first, err := store.SaveNewWeights(ctx, validWeightVector(), Metrics{}, "trainer")
	require.NoError(t, err)

	second := validWeightVector()
	second[domain.MethodDCF] = 0.25
	second[domain.MethodGraham] = 0.0

	latest, err := store.SaveNewWeights(ctx, second, Metrics{}, "trainer")
	require.NoError(t, err)

	active, err := store.GetActiveSnapshot(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, latest.ID, active.ID)

	history, err := store.ListHistory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)

	activeCount := 0
	for _, s := range history {
		if s.IsActive {
			activeCount++
		}
	}
	assert.Equal(t, 1, activeCount)
	_ = first
}

func TestSaveNewWeights_RejectsInvalidVectors(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	t.Run("missing method", func(t *testing.T) {
		w := validWeightVector()
		delete(w, domain.MethodGraham)
		_, err := store.SaveNewWeights(ctx, w, Metrics{}, "trainer")
		assert.True(t, domain.IsValidation(err))
	})

	t.Run("negative weight", func(t *testing.T) {
		w := validWeightVector()
		w[domain.MethodDCF] = -0.1
		w[domain.MethodGraham] = 0.35
		_, err := store.SaveNewWeights(ctx, w, Metrics{}, "trainer")
		assert.True(t, domain.IsValidation(err))
	})

	t.Run("bad sum", func(t *testing.T) {
		w := validWeightVector()
		w[domain.MethodDCF] = 0.5
		_, err := store.SaveNewWeights(ctx, w, Metrics{}, "trainer")
		assert.True(t, domain.IsValidation(err))
	})
}

func TestGetCurrentWeights_UsesActiveSnapshot(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	want := validWeightVector()
	_, err := store.SaveNewWeights(ctx, want, Metrics{}, "trainer")
	require.NoError(t, err)

	got := store.GetCurrentWeights(ctx, time.Now().Add(time.Minute))
	for name, w := range want {
		assert.InDelta(t, w, got[name], 1e-9)
	}
}

func TestGetActiveSnapshot_RespectsEffectiveDate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.SaveNewWeights(ctx, validWeightVector(), Metrics{}, "trainer")
	require.NoError(t, err)

	// A query dated before the deploy sees no active snapshot.
	past, err := store.GetActiveSnapshot(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Nil(t, past)
}

func TestStore_TenantIsolation(t *testing.T) {
	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "weights.db"),
		Name: "weights",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())

	alpha := New(db.Conn(), "alpha", zerolog.Nop())
	beta := New(db.Conn(), "beta", zerolog.Nop())
	ctx := context.Background()

	_, err = alpha.SaveNewWeights(ctx, validWeightVector(), Metrics{}, "trainer")
	require.NoError(t, err)

	snapshot, err := beta.GetActiveSnapshot(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, snapshot, "beta tenant must not see alpha's snapshot")
}
