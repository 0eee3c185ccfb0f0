// Package provider implements the payment-provider gateways: asynchronous
// PIX charges and card-terminal charges, both with the create→poll shape.
// Charge creation is never auto-retried — a failed create surfaces to the
// operator, who decides whether to try again with a fresh attempt.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/atendelab/atende-backend/internal/domain"
	"github.com/atendelab/atende-backend/internal/infra/resilience"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("provider")

// Client talks to the payment provider's REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	cb         *gobreaker.CircuitBreaker
	bh         *resilience.Bulkhead
	cfg        resilience.Config
	logger     *zap.Logger
}

// NewClient creates a payment provider client. Concurrent requests are
// capped by a bulkhead so a slow provider cannot pile up goroutines from
// many simultaneous checkout pollers.
func NewClient(httpClient *http.Client, baseURL, apiKey string, cb *gobreaker.CircuitBreaker, cfg resilience.Config, logger *zap.Logger) *Client {
	maxConc := cfg.MaxConcurrency
	if maxConc <= 0 {
		maxConc = 10
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		apiKey:     apiKey,
		cb:         cb,
		bh:         resilience.NewBulkhead(maxConc),
		cfg:        cfg,
		logger:     logger,
	}
}

// do executes one authenticated request and decodes the JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	if err := c.bh.Acquire(ctx); err != nil {
		return err
	}
	defer c.bh.Release()

	url := c.baseURL + path

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("provider: request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("provider: non-2xx response",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(respBody)),
		)
		return fmt.Errorf("provider returned status %d: %s", resp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

// poll executes a status request behind the breaker and retry policy.
// Creates go through the breaker only: no silent retry of charge creation.
func (c *Client) poll(ctx context.Context, path string, out any) error {
	_, err := c.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, c.cfg, func() error {
			return c.do(ctx, http.MethodGet, path, nil, out)
		})
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return &domain.ErrCircuitOpen{Service: "payment-provider"}
	}
	return err
}

// create executes a charge creation behind the breaker, without retries.
func (c *Client) create(ctx context.Context, path string, payload, out any) error {
	_, err := c.cb.Execute(func() (any, error) {
		return nil, c.do(ctx, http.MethodPost, path, payload, out)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return &domain.ErrCircuitOpen{Service: "payment-provider"}
	}
	return err
}
