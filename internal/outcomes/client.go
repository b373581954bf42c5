// Package outcomes consumes the historical outcome feed: realized prices
// observed some horizon after a prediction was made.
package outcomes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Feed serves realized prices for (company, date) lookups.
type Feed interface {
	PriceAt(ctx context.Context, company string, date time.Time) (float64, error)
}

// Client is an HTTP implementation of the outcome feed, guarded by a circuit
// breaker so a dead feed fails fast during outcome resolution runs.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	log        zerolog.Logger
}

// NewClient creates an outcome feed client.
func NewClient(baseURL string, log zerolog.Logger) *Client {
	settings := gobreaker.Settings{
		Name:    "outcome_feed",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		breaker: gobreaker.NewCircuitBreaker(settings),
		log:     log.With().Str("component", "outcome_feed_client").Logger(),
	}
}

type priceResponse struct {
	Company string  `json:"company"`
	Date    string  `json:"date"`
	Price   float64 `json:"price"`
}

// PriceAt returns the company's closing price on the given date.
func (c *Client) PriceAt(ctx context.Context, company string, date time.Time) (float64, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetchPrice(ctx, company, date)
	})
	if err != nil {
		return 0, fmt.Errorf("outcome feed: %w", err)
	}
	return result.(float64), nil
}

func (c *Client) fetchPrice(ctx context.Context, company string, date time.Time) (float64, error) {
	endpoint := fmt.Sprintf("%s/api/v1/prices/%s?date=%s",
		c.baseURL, url.PathEscape(company), date.UTC().Format("2006-01-02"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("outcome feed returned status %d: %s", resp.StatusCode, string(body))
	}

	var parsed priceResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("failed to decode response: %w", err)
	}
	if parsed.Price <= 0 {
		return 0, fmt.Errorf("outcome feed returned non-positive price %f", parsed.Price)
	}

	return parsed.Price, nil
}
