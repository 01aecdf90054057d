package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/scriptmesh/internal/config"
	"github.com/3cpo-dev/scriptmesh/pkg/api"
)

// RetryConfig defines retry behavior for calls to the orchestrator.
type RetryConfig struct {
	Attempts        int
	Delay           time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	RetryableStatus []int
}

// DefaultRetryConfig makes five attempts three seconds apart.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:        5,
		Delay:           3 * time.Second,
		MaxDelay:        30 * time.Second,
		BackoffFactor:   1.0,
		RetryableStatus: []int{429, 500, 502, 503, 504},
	}
}

// RetryingClient wraps an HTTP client with bounded retries.
type RetryingClient struct {
	client *http.Client
	cfg    RetryConfig
}

func NewRetryingClient(timeout time.Duration, cfg RetryConfig) *RetryingClient {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	return &RetryingClient{client: &http.Client{Timeout: timeout}, cfg: cfg}
}

// Do sends the request built by newReq, rebuilding it for every attempt. A
// retryable status is retried; any other response is returned to the caller.
func (c *RetryingClient) Do(ctx context.Context, newReq func(context.Context) (*http.Request, error)) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.Attempts; attempt++ {
		if attempt > 0 {
			delay := c.delay(attempt - 1)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
			case <-time.After(delay):
			}
		}

		req, err := newReq(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			log.Warn().
				Err(err).
				Int("attempt", attempt+1).
				Int("attempts", c.cfg.Attempts).
				Str("url", req.URL.String()).
				Msg("Request failed")
			continue
		}
		if c.shouldRetry(resp.StatusCode) && attempt < c.cfg.Attempts-1 {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("status %s", resp.Status)
			log.Warn().
				Int("status", resp.StatusCode).
				Int("attempt", attempt+1).
				Int("attempts", c.cfg.Attempts).
				Str("url", req.URL.String()).
				Msg("Request returned retryable status")
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("all %d attempts failed: %w", c.cfg.Attempts, lastErr)
}

func (c *RetryingClient) shouldRetry(status int) bool {
	for _, code := range c.cfg.RetryableStatus {
		if status == code {
			return true
		}
	}
	return false
}

func (c *RetryingClient) delay(n int) time.Duration {
	factor := c.cfg.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	d := float64(c.cfg.Delay) * math.Pow(factor, float64(n))
	if c.cfg.MaxDelay > 0 && d > float64(c.cfg.MaxDelay) {
		d = float64(c.cfg.MaxDelay)
	}
	return time.Duration(d)
}

// Register announces this agent to the orchestrator, retrying transient
// failures. A rejection such as a bad key is returned without retrying.
func Register(ctx context.Context, cfg config.AgentConfig) error {
	payload, err := json.Marshal(api.RegisterAgentRequest{
		AgentName: cfg.Name,
		URL:       cfg.AdvertiseURL,
		APIKey:    cfg.APIKey,
	})
	if err != nil {
		return err
	}

	rc := DefaultRetryConfig()
	rc.Attempts = cfg.RegisterAttempts
	if cfg.RegisterDelay > 0 {
		rc.Delay = cfg.RegisterDelay
	}
	client := NewRetryingClient(5*time.Second, rc)
	endpoint := strings.TrimSuffix(cfg.OrchestratorURL, "/") + "/register-agent"

	resp, err := client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(api.AuthHeader, cfg.OrchestratorKey)
		return req, nil
	})
	if err != nil {
		log.Error().Err(err).Str("orchestrator", cfg.OrchestratorURL).Msg("All registration attempts failed")
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e api.ErrorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
		err := fmt.Errorf("orchestrator rejected registration: %s: %s", resp.Status, e.Detail)
		log.Error().Err(err).Str("orchestrator", cfg.OrchestratorURL).Msg("Could not register with orchestrator")
		return err
	}
	var out api.RegisterAgentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode registration response: %w", err)
	}
	log.Info().Str("agent", out.Agent).Str("status", out.Status).Msg("Successfully registered with orchestrator")
	return nil
}
