// Package agent implements the ScriptMesh agent daemon: it answers
// heartbeats, lists its script manifest and runs manifest scripts on request.
package agent

import (
	"bytes"
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/scriptmesh/internal/config"
	"github.com/3cpo-dev/scriptmesh/internal/telemetry"
	"github.com/3cpo-dev/scriptmesh/pkg/api"
)

var (
	errManifestMissing = errors.New("manifest not found")
	errNotListening    = errors.New("agent server is not listening")
)

// Paths served without the agent key.
var publicPaths = map[string]bool{"/": true, "/docs": true, "/openapi.json": true}

type Server struct {
	Name          string
	Version       string
	APIKey        string
	ScriptsDir    string
	ManifestPath  string
	ScriptTimeout time.Duration
	Metrics       *telemetry.Collector

	started time.Time

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

// NewServer builds an agent from its configuration.
func NewServer(cfg config.AgentConfig, version string, metrics *telemetry.Collector) *Server {
	return &Server{
		Name:          cfg.Name,
		Version:       version,
		APIKey:        cfg.APIKey,
		ScriptsDir:    cfg.ScriptsDir,
		ManifestPath:  cfg.ManifestPath,
		ScriptTimeout: cfg.ScriptTimeout,
		Metrics:       metrics,
		started:       time.Now(),
	}
}

// Routes for the server
func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"service": "ScriptMesh agent", "agent": s.Name, "version": s.Version})
	})
	mux.HandleFunc("GET "+api.HeartbeatPath, s.heartbeat)
	mux.HandleFunc("GET "+api.ListScriptPath, s.listScripts)
	mux.HandleFunc("POST "+api.RunScriptPath, s.runScript)
}

// Handler returns the routed handler behind key authentication.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	return s.requireKey(mux)
}

func (s *Server) requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !publicPaths[r.URL.Path] {
			key := r.Header.Get(api.AuthHeader)
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.APIKey)) != 1 {
				s.Metrics.Counter("scriptmesh_agent_unauthorized", 1, map[string]string{"path": r.URL.Path})
				log.Warn().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("Rejected request with invalid agent key")
				writeJSON(w, http.StatusUnauthorized, api.ErrorResponse{Detail: "Unauthorized: Invalid or missing API key"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	s.Metrics.Counter("scriptmesh_agent_heartbeats", 1, nil)
	writeJSON(w, http.StatusOK, api.HeartbeatResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Agent:     s.Name,
		Uptime:    s.uptime(),
		Version:   s.Version,
	})
}

func (s *Server) listScripts(w http.ResponseWriter, r *http.Request) {
	m, err := s.loadManifest()
	switch {
	case errors.Is(err, errManifestMissing):
		log.Warn().Str("manifest", s.ManifestPath).Msg("Manifest file not found")
		writeJSON(w, http.StatusNotFound, api.RunScriptFailure{Error: "Manifest file not found"})
	case err != nil:
		log.Error().Err(err).Str("manifest", s.ManifestPath).Msg("Failed to load manifest")
		writeJSON(w, http.StatusInternalServerError, api.RunScriptFailure{Error: "An internal error has occurred."})
	default:
		log.Info().Int("scripts", len(m.Scripts)).Msg("Manifest loaded successfully")
		writeJSON(w, http.StatusOK, m)
	}
}

func (s *Server) runScript(w http.ResponseWriter, r *http.Request) {
	requestStart := time.Now()
	defer r.Body.Close()

	var req api.RunScriptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ScriptName == "" {
		s.Metrics.Counter("scriptmesh_agent_run_errors", 1, map[string]string{"error": "decode_request"})
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Detail: "script_name is required"})
		return
	}
	log.Info().Str("script", req.ScriptName).Str("request_id", r.Header.Get(api.RequestIDHeader)).Msg("POST /run-script called")

	entry, err := s.lookup(req.ScriptName)
	if err != nil {
		log.Warn().Err(err).Str("script", req.ScriptName).Msg("Script not found in manifest")
		writeJSON(w, http.StatusNotFound, api.ErrorResponse{Detail: "Script not found in manifest"})
		return
	}
	path := entry.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.ScriptsDir, path)
	}
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		log.Warn().Str("path", path).Msg("Script file missing on disk")
		writeJSON(w, http.StatusNotFound, api.ErrorResponse{Detail: "Script file missing on disk"})
		return
	}

	ctx := r.Context()
	if s.ScriptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.ScriptTimeout)
		defer cancel()
	}

	name, args := command(entry, path)
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = filepath.Dir(path)
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr

	execStart := time.Now()
	err = cmd.Run()
	execDuration := time.Since(execStart)

	out := api.ScriptOutput{
		Stdout: strings.TrimSpace(stdout.String()),
		Stderr: strings.TrimSpace(stderr.String()),
	}
	status := "success"
	if err != nil {
		status = "error"
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			out.ReturnCode = exit.ExitCode()
		} else {
			out.ReturnCode = -1
		}
	}

	labels := map[string]string{"script": req.ScriptName, "status": status}
	s.Metrics.Timer("scriptmesh_agent_exec_duration", execDuration, labels)
	s.Metrics.Timer("scriptmesh_agent_request_duration", time.Since(requestStart), labels)
	s.Metrics.Counter("scriptmesh_agent_exec_total", 1, labels)

	if out.Stderr != "" {
		log.Warn().Str("script", req.ScriptName).Str("stderr", out.Stderr).Msg("Script wrote to stderr")
	}
	if err != nil {
		var exit *exec.ExitError
		if !errors.As(err, &exit) {
			log.Error().Err(err).Str("script", req.ScriptName).Msg("Script could not be started")
			writeJSON(w, http.StatusInternalServerError, api.RunScriptFailure{
				Error:  "Script could not be started",
				Script: req.ScriptName,
				Stderr: err.Error(),
			})
			return
		}
		log.Warn().Err(err).Str("script", req.ScriptName).Int("returncode", out.ReturnCode).Msg("Script execution failed")
		writeJSON(w, http.StatusInternalServerError, api.RunScriptFailure{
			Error:      "Script execution failed",
			Script:     req.ScriptName,
			Stderr:     out.Stderr,
			ReturnCode: out.ReturnCode,
		})
		return
	}

	log.Info().Str("script", req.ScriptName).Dur("duration", execDuration).Msg("Executed script")
	writeJSON(w, http.StatusOK, api.RunScriptReply{Status: "success", Script: req.ScriptName, Output: out})
}

// command picks the interpreter for a manifest entry. Without an explicit
// interpreter, .py runs under python3, .sh under sh, anything else directly.
func command(e api.ManifestEntry, path string) (string, []string) {
	interp := e.Interpreter
	if interp == "" {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".py":
			interp = "python3"
		case ".sh":
			interp = "sh"
		}
	}
	if interp == "" {
		return path, e.Args
	}
	return interp, append([]string{path}, e.Args...)
}

// loadManifest reads the manifest as YAML when its extension says so, JSON otherwise.
func (s *Server) loadManifest() (api.Manifest, error) {
	var m api.Manifest
	data, err := os.ReadFile(s.ManifestPath)
	if errors.Is(err, os.ErrNotExist) {
		return m, errManifestMissing
	}
	if err != nil {
		return m, fmt.Errorf("read manifest: %w", err)
	}
	switch strings.ToLower(filepath.Ext(s.ManifestPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &m)
	default:
		err = json.Unmarshal(data, &m)
	}
	if err != nil {
		return m, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Scripts == nil {
		m.Scripts = []api.ManifestEntry{}
	}
	return m, nil
}

func (s *Server) lookup(name string) (api.ManifestEntry, error) {
	m, err := s.loadManifest()
	if err != nil {
		return api.ManifestEntry{}, err
	}
	for _, e := range m.Scripts {
		if e.Name == name {
			return e, nil
		}
	}
	return api.ManifestEntry{}, fmt.Errorf("no script named %q", name)
}

// uptime reports host uptime from /proc/uptime, falling back to the process's.
func (s *Server) uptime() string {
	d := time.Since(s.started)
	if raw, err := os.ReadFile("/proc/uptime"); err == nil {
		if f := strings.Fields(string(raw)); len(f) > 0 {
			if secs, err := strconv.ParseFloat(f[0], 64); err == nil {
				d = time.Duration(secs * float64(time.Second))
			}
		}
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Listen binds addr and prepares the HTTP server, over TLS when tlsCfg
// carries a certificate. Shutdown is valid as soon as Listen returns.
func (s *Server) Listen(addr string, tlsCfg MTLSConfig) error {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	if tlsCfg.Enabled() {
		tc, err := ConfigureTLS(tlsCfg)
		if err != nil {
			return err
		}
		srv.TLSConfig = tc
		srv.Handler = MTLSMiddleware(tlsCfg.RequireAuth)(srv.Handler)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	if srv.TLSConfig != nil {
		ln = tls.NewListener(ln, srv.TLSConfig)
	}

	s.mu.Lock()
	s.srv, s.ln = srv, ln
	s.mu.Unlock()

	log.Info().
		Str("addr", ln.Addr().String()).
		Str("agent", s.Name).
		Bool("tls", tlsCfg.Enabled()).
		Bool("mtls_required", tlsCfg.Enabled() && tlsCfg.RequireAuth).
		Msg("ScriptMesh agent listening")
	return nil
}

// Addr is the bound address, useful after listening on port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Serve blocks until Shutdown and then returns http.ErrServerClosed.
func (s *Server) Serve() error {
	s.mu.Lock()
	srv, ln := s.srv, s.ln
	s.mu.Unlock()
	if srv == nil {
		return errNotListening
	}
	return srv.Serve(ln)
}

// ListenAndServe is Listen followed by Serve.
func (s *Server) ListenAndServe(addr string, tlsCfg MTLSConfig) error {
	if err := s.Listen(addr, tlsCfg); err != nil {
		return err
	}
	return s.Serve()
}

// Shutdown stops accepting connections and waits for active requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, ln := s.srv, s.ln
	s.mu.Unlock()
	if srv == nil {
		return errNotListening
	}
	err := srv.Shutdown(ctx)
	// Serve may not have taken ownership of the listener yet.
	_ = ln.Close()
	return err
}
