package methods

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/aristath/fairval/internal/domain"
)

// EvaluatorClient talks to the external valuation evaluator service. One
// client serves all methods; RegisterAll binds a per-method adapter view of
// it into a registry.
//
// External calls are guarded by a circuit breaker (CLOSED/OPEN/HALF_OPEN with
// timeout-based recovery probing) and a request rate limiter, so a flapping
// evaluator degrades into fast per-cell failures instead of stalled fan-outs.
type EvaluatorClient struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	limiter    *rate.Limiter
	log        zerolog.Logger
}

// NewEvaluatorClient creates a new evaluator service client.
func NewEvaluatorClient(baseURL string, log zerolog.Logger) *EvaluatorClient {
	settings := gobreaker.Settings{
		Name:    "evaluator",
		Timeout: 30 * time.Second, // OPEN -> HALF_OPEN probe delay
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}

	return &EvaluatorClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		breaker: gobreaker.NewCircuitBreaker(settings),
		limiter: rate.NewLimiter(rate.Limit(50), 100),
		log:     log.With().Str("component", "evaluator_client").Logger(),
	}
}

// evaluateRequest is the wire payload for a single method evaluation.
type evaluateRequest struct {
	Method        string                     `json:"method"`
	Company       string                     `json:"company"`
	ValuationDate string                     `json:"valuation_date"`
	Adjustments   domain.ScenarioAdjustments `json:"scenario_adjustments"`
}

// evaluateResponse mirrors the evaluator's response contract.
type evaluateResponse struct {
	Value      float64                `json:"value"`
	Confidence float64                `json:"confidence"`
	Details    map[string]interface{} `json:"details"`
}

// Evaluate runs one method against the evaluator service.
func (c *EvaluatorClient) Evaluate(ctx context.Context, method string, req EvaluateRequest) (*EvaluateResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limit wait: %v", domain.ErrMethodUnavailable, err)
	}

	payload := evaluateRequest{
		Method:        method,
		Company:       req.Company,
		ValuationDate: req.ValuationDate.Format("2006-01-02"),
		Adjustments:   req.Adjustments,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doEvaluate(ctx, body)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrMethodUnavailable, method, err)
	}

	return result.(*EvaluateResult), nil
}

func (c *EvaluatorClient) doEvaluate(ctx context.Context, body []byte) (*EvaluateResult, error) {
	url := fmt.Sprintf("%s/api/v1/valuate", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("evaluator returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed evaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &EvaluateResult{
		Value:      parsed.Value,
		Confidence: domain.Clamp01(parsed.Confidence),
		Details:    parsed.Details,
	}, nil
}

// methodAdapter binds one method name onto the shared evaluator client.
type methodAdapter struct {
	client *EvaluatorClient
	method string
}

// Evaluate implements the Adapter contract for one method.
func (a *methodAdapter) Evaluate(ctx context.Context, req EvaluateRequest) (*EvaluateResult, error) {
	return a.client.Evaluate(ctx, a.method, req)
}

// RegisterAll registers an adapter for every method in the fixed set, all
// backed by this client.
func (c *EvaluatorClient) RegisterAll(registry *Registry) error {
	for _, name := range domain.MethodNames() {
		if err := registry.Register(name, &methodAdapter{client: c, method: name}); err != nil {
			return err
		}
	}
	return nil
}
