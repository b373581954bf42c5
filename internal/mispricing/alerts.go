package mispricing

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/fairval/internal/domain"
)

// AlertConfig holds the thresholds an opportunity must clear before an alert
// fires. Alerts are advisory and never block a valuation response.
type AlertConfig struct {
	MinConviction float64 // default 70
	MinMispricing float64 // absolute fraction, default 0.10
}

// DefaultAlertConfig returns the standard alert thresholds.
func DefaultAlertConfig() AlertConfig {
	return AlertConfig{MinConviction: 70, MinMispricing: 0.10}
}

// Alerter turns qualifying mispricing scores into alerts and broadcasts them
// to subscribers.
type Alerter struct {
	cfg AlertConfig
	hub *Hub
	log zerolog.Logger
}

// NewAlerter creates an alerter publishing into the given hub.
func NewAlerter(cfg AlertConfig, hub *Hub, log zerolog.Logger) *Alerter {
	if cfg.MinConviction == 0 && cfg.MinMispricing == 0 {
		cfg = DefaultAlertConfig()
	}
	return &Alerter{
		cfg: cfg,
		hub: hub,
		log: log.With().Str("component", "mispricing_alerter").Logger(),
	}
}

// Evaluate returns an alert when the score clears both thresholds, nil
// otherwise.
func (a *Alerter) Evaluate(score domain.MispricingScore) *domain.Alert {
	if score.ConvictionScore < a.cfg.MinConviction {
		return nil
	}
	if absFloat(score.MispricingPct) < a.cfg.MinMispricing {
		return nil
	}

	alert := &domain.Alert{
		ID:        uuid.NewString(),
		Company:   score.Company,
		Action:    action(score.Classification),
		Urgency:   urgency(score.OpportunityLevel),
		Rationale: rationale(score),
		Score:     score,
		CreatedAt: time.Now().UTC(),
	}

	a.log.Info().
		Str("company", alert.Company).
		Str("action", alert.Action).
		Str("urgency", alert.Urgency).
		Float64("conviction", score.ConvictionScore).
		Msg("Mispricing alert fired")

	if a.hub != nil {
		a.hub.Publish(*alert)
	}

	return alert
}

func action(classification string) string {
	switch classification {
	case domain.ClassUndervalued:
		return "buy"
	case domain.ClassOvervalued:
		return "sell"
	default:
		return "watch"
	}
}

func urgency(opportunityLevel string) string {
	switch opportunityLevel {
	case domain.OpportunityExtreme:
		return "critical"
	case domain.OpportunityHigh:
		return "high"
	case domain.OpportunityMedium:
		return "medium"
	default:
		return "low"
	}
}

func rationale(score domain.MispricingScore) string {
	direction := "above"
	if score.MispricingPct < 0 {
		direction = "below"
	}
	return fmt.Sprintf(
		"%s: consensus fair value %.2f is %.1f%% %s current price %.2f (range %.2f-%.2f, agreement %.0f%%, conviction %.0f/100, %s opportunity)",
		score.Company,
		score.ConsensusFairValue,
		absFloat(score.MispricingPct)*100,
		direction,
		score.CurrentPrice,
		score.FairValueRangeLow,
		score.FairValueRangeHigh,
		score.MethodAgreement*100,
		score.ConvictionScore,
		score.OpportunityLevel,
	)
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// Hub fans alerts out to subscribers (the websocket stream endpoint). Slow
// subscribers drop alerts instead of blocking the publisher.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan domain.Alert]struct{}
}

// NewHub creates an empty alert hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan domain.Alert]struct{})}
}

// Subscribe returns a buffered alert channel and an unsubscribe function.
func (h *Hub) Subscribe() (<-chan domain.Alert, func()) {
	ch := make(chan domain.Alert, 16)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an alert to all subscribers without blocking.
func (h *Hub) Publish(alert domain.Alert) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- alert:
		default:
			// Subscriber buffer full; drop rather than block.
		}
	}
}
