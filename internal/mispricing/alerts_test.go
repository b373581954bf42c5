package mispricing

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/fairval/internal/domain"
)

func qualifyingScore() domain.MispricingScore {
	return domain.MispricingScore{
		Company:            "AAPL",
		CurrentPrice:       100.0,
		ConsensusFairValue: 125.0,
		MispricingPct:      0.25,
		Classification:     domain.ClassUndervalued,
		ConvictionScore:    75,
		OpportunityLevel:   domain.OpportunityHigh,
		MethodAgreement:    0.85,
		FairValueRangeLow:  110.0,
		FairValueRangeHigh: 140.0,
	}
}

func TestEvaluate_FiresOnQualifyingScore(t *testing.T) {
	a := NewAlerter(DefaultAlertConfig(), nil, zerolog.Nop())

	alert := a.Evaluate(qualifyingScore())
	require.NotNil(t, alert)
	assert.NotEmpty(t, alert.ID)
	assert.Equal(t, "AAPL", alert.Company)
	assert.Equal(t, "buy", alert.Action)
	assert.Equal(t, "high", alert.Urgency)
	assert.Contains(t, alert.Rationale, "AAPL")
	assert.Contains(t, alert.Rationale, "above")
	assert.False(t, alert.CreatedAt.IsZero())
}

func TestEvaluate_ThresholdGating(t *testing.T) {
	a := NewAlerter(DefaultAlertConfig(), nil, zerolog.Nop())

	t.Run("conviction below threshold", func(t *testing.T) {
		score := qualifyingScore()
		score.ConvictionScore = 69
		assert.Nil(t, a.Evaluate(score))
	})

	t.Run("mispricing below threshold", func(t *testing.T) {
		score := qualifyingScore()
		score.MispricingPct = 0.09
		assert.Nil(t, a.Evaluate(score))
	})

	t.Run("negative mispricing counts by magnitude", func(t *testing.T) {
		score := qualifyingScore()
		score.MispricingPct = -0.25
		score.Classification = domain.ClassOvervalued
		alert := a.Evaluate(score)
		require.NotNil(t, alert)
		assert.Equal(t, "sell", alert.Action)
		assert.Contains(t, alert.Rationale, "below")
	})

	t.Run("thresholds are inclusive", func(t *testing.T) {
		score := qualifyingScore()
		score.ConvictionScore = 70
		score.MispricingPct = 0.10
		assert.NotNil(t, a.Evaluate(score))
	})
}

func TestNewAlerter_ZeroConfigGetsDefaults(t *testing.T) {
	a := NewAlerter(AlertConfig{}, nil, zerolog.Nop())
	assert.InDelta(t, 70.0, a.cfg.MinConviction, 1e-9)
	assert.InDelta(t, 0.10, a.cfg.MinMispricing, 1e-9)
}

func TestUrgencyMapping(t *testing.T) {
	assert.Equal(t, "critical", urgency(domain.OpportunityExtreme))
	assert.Equal(t, "high", urgency(domain.OpportunityHigh))
	assert.Equal(t, "medium", urgency(domain.OpportunityMedium))
	assert.Equal(t, "low", urgency(domain.OpportunityLow))
	assert.Equal(t, "low", urgency(domain.OpportunityNone))
}

func TestHub_PublishReachesSubscribers(t *testing.T) {
	hub := NewHub()
	a := NewAlerter(DefaultAlertConfig(), hub, zerolog.Nop())

	ch, cancel := hub.Subscribe()
	defer cancel()

	fired := a.Evaluate(qualifyingScore())
	require.NotNil(t, fired)

	select {
	case got := <-ch:
		assert.Equal(t, fired.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("expected alert on subscriber channel")
	}
}

func TestHub_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe()
	defer cancel()

	// Overfill the subscriber buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			hub.Publish(domain.Alert{ID: "overflow"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	assert.Len(t, ch, 16)
}

func TestHub_UnsubscribeIsIdempotent(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe()

	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic on the closed channel.
	hub.Publish(domain.Alert{ID: "late"})
}
