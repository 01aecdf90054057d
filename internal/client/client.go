// Package client talks to the orchestrator's control-plane API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/3cpo-dev/scriptmesh/pkg/api"
)

// APIError is a non-2xx answer from the orchestrator.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("orchestrator returned %d: %s", e.StatusCode, e.Detail)
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func New(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Register(ctx context.Context, req api.RegisterAgentRequest) (api.RegisterAgentResponse, error) {
	var out api.RegisterAgentResponse
	err := c.do(ctx, http.MethodPost, "/register-agent", nil, req, &out)
	return out, err
}

func (c *Client) Agents(ctx context.Context) (map[string]api.AgentInfo, error) {
	var out map[string]api.AgentInfo
	err := c.do(ctx, http.MethodGet, "/get-agents", nil, nil, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context) (map[string]api.AgentStatusInfo, error) {
	var out map[string]api.AgentStatusInfo
	err := c.do(ctx, http.MethodGet, "/agent-status", nil, nil, &out)
	return out, err
}

// Scripts returns the agent's manifest as the orchestrator relayed it.
func (c *Client) Scripts(ctx context.Context, agent string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(ctx, http.MethodGet, "/get-scripts", url.Values{"agent": {agent}}, nil, &out)
	return out, err
}

func (c *Client) Trigger(ctx context.Context, agent, script string) (api.TriggerScriptResponse, error) {
	var out api.TriggerScriptResponse
	err := c.do(ctx, http.MethodPost, "/trigger-script", nil, api.TriggerScriptRequest{RunScript: script, Agent: agent}, &out)
	return out, err
}

func (c *Client) Read(ctx context.Context, filename string) (string, error) {
	var out api.ReadFileResponse
	err := c.do(ctx, http.MethodGet, "/read", url.Values{"filename": {filename}}, nil, &out)
	return out.Content, err
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return err
	}
	req.Header.Set(api.AuthHeader, c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e api.ErrorResponse
		if json.Unmarshal(data, &e) != nil || e.Detail == "" {
			e.Detail = strings.TrimSpace(string(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Detail: e.Detail}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
