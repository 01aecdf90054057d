// Package dispatch forwards list and run requests to a single agent and
// normalizes the ways such a call can fail.
package dispatch

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/scriptmesh/internal/registry"
	"github.com/3cpo-dev/scriptmesh/internal/telemetry"
	"github.com/3cpo-dev/scriptmesh/pkg/api"
)

// DefaultTimeout bounds every dispatched call.
const DefaultTimeout = 30 * time.Second

const maxResponseBytes = 8 << 20

// ErrAgentUnreachable is returned when the transport call itself fails.
var ErrAgentUnreachable = errors.New("agent unreachable")

// ExecutionError reports an agent that answered with a non-success status.
type ExecutionError struct {
	Agent      string
	Op         string
	StatusCode int
	Detail     string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("agent %s %s: status %d: %s", e.Agent, e.Op, e.StatusCode, e.Detail)
}

// Resolver looks up agents and opens their credentials. *registry.Store satisfies it.
type Resolver interface {
	Get(name string) (registry.Record, error)
	Credential(rec registry.Record) (string, error)
}

// Gateway performs single-attempt RPCs against registered agents.
type Gateway struct {
	agents  Resolver
	client  *http.Client
	metrics *telemetry.Collector
}

type Option func(*Gateway)

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.client.Timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying client. Its Timeout is kept as is.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) { g.client = c }
}

func WithMetrics(c *telemetry.Collector) Option {
	return func(g *Gateway) { g.metrics = c }
}

func New(agents Resolver, opts ...Option) *Gateway {
	g := &Gateway{
		agents: agents,
		client: &http.Client{Timeout: DefaultTimeout},
	}
	for _, o := range opts {
		o(g)
	}
	if g.client.Timeout <= 0 {
		g.client.Timeout = DefaultTimeout
	}
	return g
}

// NewTransport returns a transport for agent calls. A nil tlsConfig keeps the
// default system roots. The dispatch gateway and the health monitor share one.
func NewTransport(tlsConfig *tls.Config) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if tlsConfig != nil {
		t.TLSClientConfig = tlsConfig
	}
	return t
}

type requestIDKey struct{}

// WithRequestID attaches the id forwarded to agents in the X-Request-ID header.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

// ListScripts returns the agent's manifest body verbatim.
func (g *Gateway) ListScripts(ctx context.Context, agent string) (json.RawMessage, error) {
	return g.call(ctx, agent, "list_scripts", http.MethodGet, api.ListScriptPath, nil)
}

// RunScript asks the agent to execute script and returns its reply body verbatim.
func (g *Gateway) RunScript(ctx context.Context, agent, script string) (json.RawMessage, error) {
	body, err := json.Marshal(api.RunScriptRequest{ScriptName: script})
	if err != nil {
		return nil, fmt.Errorf("encode run request: %w", err)
	}
	return g.call(ctx, agent, "run_script", http.MethodPost, api.RunScriptPath, body)
}

// Verify checks that credential is accepted by the agent at baseURL.
func (g *Gateway) Verify(ctx context.Context, name, baseURL, credential string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(baseURL, api.HeartbeatPath), nil)
	if err != nil {
		return fmt.Errorf("build heartbeat request: %w", err)
	}
	req.Header.Set(api.AuthHeader, credential)
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrAgentUnreachable, name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		return &ExecutionError{Agent: name, Op: "verify", StatusCode: resp.StatusCode, Detail: extractDetail(body, resp.StatusCode)}
	}
	return nil
}

func (g *Gateway) call(ctx context.Context, agent, op, method, path string, payload []byte) (json.RawMessage, error) {
	rec, err := g.agents.Get(agent)
	if err != nil {
		g.observe(agent, op, 0, err, 0)
		log.Warn().Err(err).Str("agent", agent).Str("op", op).Msg("Dispatch to unregistered agent")
		return nil, err
	}

	start := time.Now()
	out, status, err := g.do(ctx, rec, op, method, path, payload)
	g.observe(agent, op, status, err, time.Since(start))
	if err != nil {
		ev := log.Error().Err(err).Str("agent", agent).Str("op", op)
		if status != 0 {
			ev = ev.Int("status", status)
		}
		ev.Msg("Dispatch failed")
		return nil, err
	}
	log.Info().Str("agent", agent).Str("op", op).Dur("duration", time.Since(start)).Msg("Dispatch succeeded")
	return out, nil
}

func (g *Gateway) do(ctx context.Context, rec registry.Record, op, method, path string, payload []byte) (json.RawMessage, int, error) {
	key, err := g.agents.Credential(rec)
	if err != nil {
		return nil, 0, err
	}

	// Dispatched calls outlive a disconnecting caller; the client timeout bounds them.
	ctx = context.WithoutCancel(ctx)

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, joinURL(rec.URL, path), body)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s: build request: %v", ErrAgentUnreachable, rec.Name, err)
	}
	req.Header.Set(api.AuthHeader, key)
	req.Header.Set(api.RequestIDHeader, requestID(ctx))
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s: %v", ErrAgentUnreachable, rec.Name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: %s: read response: %v", ErrAgentUnreachable, rec.Name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, &ExecutionError{
			Agent:      rec.Name,
			Op:         op,
			StatusCode: resp.StatusCode,
			Detail:     extractDetail(data, resp.StatusCode),
		}
	}
	if !json.Valid(data) {
		return nil, resp.StatusCode, &ExecutionError{
			Agent:      rec.Name,
			Op:         op,
			StatusCode: resp.StatusCode,
			Detail:     "agent returned a non-JSON body",
		}
	}
	return json.RawMessage(data), resp.StatusCode, nil
}

func (g *Gateway) observe(agent, op string, status int, err error, d time.Duration) {
	result := "ok"
	var execErr *ExecutionError
	switch {
	case errors.Is(err, registry.ErrUnknownAgent):
		result = "unknown_agent"
	case errors.Is(err, ErrAgentUnreachable):
		result = "unreachable"
	case errors.As(err, &execErr):
		result = "failed"
	case err != nil:
		result = "error"
	}
	labels := map[string]string{"agent": agent, "op": op, "result": result}
	g.metrics.Counter("scriptmesh_dispatch_total", 1, labels)
	if status != 0 {
		g.metrics.Timer("scriptmesh_dispatch_duration", d, map[string]string{"agent": agent, "op": op})
	}
}

// extractDetail picks the most specific message out of an agent error body:
// its "detail" field, then "error" (with stderr when present), then the raw text.
func extractDetail(body []byte, status int) string {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err == nil {
		if d, ok := m["detail"]; ok && d != nil {
			return stringify(d)
		}
		if e, ok := m["error"].(string); ok && e != "" {
			if s, ok := m["stderr"].(string); ok && s != "" {
				return e + ": " + s
			}
			return e
		}
	}
	if s := strings.TrimSpace(string(body)); s != "" {
		return s
	}
	return http.StatusText(status)
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func joinURL(base, path string) string {
	return strings.TrimSuffix(base, "/") + path
}
