package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/scriptmesh/pkg/api"
)

const timeLayout = time.RFC3339Nano

func badRequest(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, msg)
}

func (s *Server) root(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"service": "ScriptMesh orchestrator",
		"version": s.opts.Version,
	})
}

// POST /register-agent
func (s *Server) registerAgent(c echo.Context) error {
	var req api.RegisterAgentRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("Invalid request body")
	}
	req.AgentName = strings.TrimSpace(req.AgentName)
	req.URL = strings.TrimSpace(req.URL)
	if err := validateRegistration(req); err != nil {
		return badRequest(err.Error())
	}

	ctx := c.Request().Context()
	log.Info().Str("agent", req.AgentName).Str("url", req.URL).Msg("Registering agent")

	if s.opts.VerifyOnRegister {
		if err := s.gateway.Verify(ctx, req.AgentName, req.URL, req.APIKey); err != nil {
			log.Warn().Err(err).Str("agent", req.AgentName).Msg("Agent failed registration verification")
			return badRequest("Agent verification failed: " + err.Error())
		}
	}

	if _, err := s.store.Register(ctx, req.AgentName, req.URL, req.APIKey); err != nil {
		log.Error().Err(err).Str("agent", req.AgentName).Msg("Failed to register agent")
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to persist agent registry")
	}
	return c.JSON(http.StatusOK, api.RegisterAgentResponse{Status: "registered", Agent: req.AgentName})
}

func validateRegistration(req api.RegisterAgentRequest) error {
	if req.AgentName == "" {
		return errors.New("agent_name is required")
	}
	if req.URL == "" {
		return errors.New("url is required")
	}
	if req.APIKey == "" {
		return errors.New("api_key is required")
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url must be an absolute http(s) URL, got %q", req.URL)
	}
	return nil
}

// GET /get-agents
func (s *Server) getAgents(c echo.Context) error {
	out := map[string]api.AgentInfo{}
	for _, e := range s.store.List() {
		out[e.Name] = api.AgentInfo{URL: e.URL, LastSeen: e.LastSeen.Format(timeLayout)}
	}
	return c.JSON(http.StatusOK, out)
}

// GET /agent-status
func (s *Server) agentStatus(c echo.Context) error {
	out := map[string]api.AgentStatusInfo{}
	for _, e := range s.store.List() {
		info := api.AgentStatusInfo{URL: e.URL, LastSeen: e.LastSeen.Format(timeLayout), Status: "unknown"}
		if st, ok := s.store.StatusOf(e.Name); ok {
			info.Status = st.String()
			checked := st.CheckedAt.Format(timeLayout)
			info.LastChecked = &checked
		}
		out[e.Name] = info
	}
	return c.JSON(http.StatusOK, out)
}

// GET /get-scripts?agent=NAME
func (s *Server) getScripts(c echo.Context) error {
	agent := c.QueryParam("agent")
	if agent == "" {
		return badRequest("agent query parameter is required")
	}
	log.Info().Str("agent", agent).Msg("GET /get-scripts")
	body, err := s.gateway.ListScripts(c.Request().Context(), agent)
	if err != nil {
		return err
	}
	return c.JSONBlob(http.StatusOK, body)
}

// POST /trigger-script
func (s *Server) triggerScript(c echo.Context) error {
	var req api.TriggerScriptRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("Invalid request body")
	}
	if req.Agent == "" || req.RunScript == "" {
		return badRequest("agent and run_script are required")
	}
	log.Info().Str("agent", req.Agent).Str("script", req.RunScript).Msg("POST /trigger-script")

	out, err := s.gateway.RunScript(c.Request().Context(), req.Agent, req.RunScript)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, api.TriggerScriptResponse{Status: "success", Agent: req.Agent, Output: out})
}

// GET /health
func (s *Server) health(c echo.Context) error {
	now := time.Now().UTC()
	resp := api.HealthResponse{
		Status:           "orchestrator_alive",
		Timestamp:        now.Format(timeLayout),
		UptimeSeconds:    int64(now.Sub(s.started).Seconds()),
		RegisteredAgents: s.store.Len(),
		Registry:         "ok",
	}
	if err := s.store.Ping(c.Request().Context()); err != nil {
		log.Error().Err(err).Msg("Registry backend unavailable")
		resp.Registry = "unavailable"
	}
	return c.JSON(http.StatusOK, resp)
}

// GET /read?filename=F
func (s *Server) readFile(c echo.Context) error {
	name := c.QueryParam("filename")
	if name == "" {
		return badRequest("filename query parameter is required")
	}
	path, err := confine(s.opts.ReadDir, name)
	if err != nil {
		log.Warn().Err(err).Str("filename", name).Msg("Invalid path attempt")
		return badRequest("Invalid file path")
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		log.Warn().Str("path", path).Msg("File not found")
		return echo.NewHTTPError(http.StatusNotFound, "File not found")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return c.JSON(http.StatusOK, api.ReadFileResponse{Content: string(content)})
}

var errEscapesRoot = errors.New("path escapes read directory")

// confine resolves name under root, following symlinks, and rejects any
// result outside root.
func confine(root, name string) (string, error) {
	if root == "" {
		return "", errors.New("no read directory configured")
	}
	base, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(base); err == nil {
		base = resolved
	}
	path := filepath.Join(base, name)
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	rel, err := filepath.Rel(base, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errEscapesRoot
	}
	return path, nil
}

// GET /metrics
func (s *Server) metrics(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderContentType, "text/plain; version=0.0.4")
	c.Response().WriteHeader(http.StatusOK)
	return s.opts.Metrics.WritePrometheus(c.Response())
}
