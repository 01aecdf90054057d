// Package server exposes the control-plane HTTP API.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/scriptmesh/internal/dispatch"
	"github.com/3cpo-dev/scriptmesh/internal/registry"
	"github.com/3cpo-dev/scriptmesh/internal/telemetry"
	"github.com/3cpo-dev/scriptmesh/internal/vault"
	"github.com/3cpo-dev/scriptmesh/pkg/api"
)

// Paths reachable without the API key.
var publicPaths = map[string]bool{
	"/":             true,
	"/docs":         true,
	"/openapi.json": true,
}

type Options struct {
	APIKey string
	// ReadDir confines GET /read.
	ReadDir          string
	VerifyOnRegister bool
	Version          string
	Metrics          *telemetry.Collector
}

// Server owns the echo instance and the handlers' dependencies.
type Server struct {
	echo    *echo.Echo
	store   *registry.Store
	gateway *dispatch.Gateway
	opts    Options
	started time.Time
}

func New(store *registry.Store, gateway *dispatch.Gateway, opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, store: store, gateway: gateway, opts: opts, started: time.Now().UTC()}
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
		RequestIDHandler: func(c echo.Context, id string) {
			req := c.Request()
			c.SetRequest(req.WithContext(dispatch.WithRequestID(req.Context(), id)))
		},
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:     true,
		LogURI:        true,
		LogStatus:     true,
		LogLatency:    true,
		LogRequestID:  true,
		LogRemoteIP:   true,
		LogError:      true,
		HandleError:   true,
		LogValuesFunc: s.logRequest,
	}))
	e.Use(s.requireAPIKey)

	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.GET("/", s.root)
	s.echo.POST("/register-agent", s.registerAgent)
	s.echo.GET("/get-agents", s.getAgents)
	s.echo.GET("/agent-status", s.agentStatus)
	s.echo.GET("/get-scripts", s.getScripts)
	s.echo.POST("/trigger-script", s.triggerScript)
	s.echo.GET("/health", s.health)
	s.echo.GET("/read", s.readFile)
	s.echo.GET("/metrics", s.metrics)
}

// Handler returns the HTTP handler, for tests and custom listeners.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown. It returns http.ErrServerClosed after a clean shutdown.
func (s *Server) Start(addr string) error {
	log.Info().Str("addr", addr).Msg("ScriptMesh orchestrator listening")
	return s.echo.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) requireAPIKey(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if publicPaths[c.Request().URL.Path] {
			return next(c)
		}
		key := c.Request().Header.Get(api.AuthHeader)
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.opts.APIKey)) != 1 {
			log.Warn().
				Str("path", c.Request().URL.Path).
				Str("remote", c.RealIP()).
				Bool("key_present", key != "").
				Msg("Rejected request with invalid API key")
			return c.JSON(http.StatusUnauthorized, api.ErrorResponse{Detail: "Unauthorized"})
		}
		return next(c)
	}
}

func (s *Server) logRequest(c echo.Context, v middleware.RequestLoggerValues) error {
	ev := log.Info()
	if v.Status >= http.StatusInternalServerError {
		ev = log.Error().Err(v.Error)
	} else if v.Error != nil {
		ev = log.Warn().Err(v.Error)
	}
	ev.Str("method", v.Method).
		Str("uri", v.URI).
		Int("status", v.Status).
		Dur("latency", v.Latency).
		Str("request_id", v.RequestID).
		Str("remote", v.RemoteIP).
		Msg("HTTP request")

	route := c.Path()
	if route == "" {
		route = "unmatched"
	}
	s.opts.Metrics.Counter("scriptmesh_http_requests_total", 1, map[string]string{
		"method": v.Method,
		"route":  route,
		"status": strconv.Itoa(v.Status),
	})
	s.opts.Metrics.Timer("scriptmesh_http_request_duration", v.Latency, map[string]string{"route": route})
	return nil
}

// handleError is the single place where errors become HTTP responses.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code, detail := statusFor(err)
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, api.ErrorResponse{Detail: detail})
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to write error response")
	}
}

func statusFor(err error) (int, string) {
	var (
		execErr *dispatch.ExecutionError
		httpErr *echo.HTTPError
	)
	switch {
	case errors.Is(err, registry.ErrUnknownAgent):
		return http.StatusBadRequest, "Invalid agent specified"
	case errors.Is(err, dispatch.ErrAgentUnreachable):
		cause := strings.TrimPrefix(err.Error(), dispatch.ErrAgentUnreachable.Error()+": ")
		return http.StatusInternalServerError, "Agent unreachable: " + cause
	case errors.As(err, &execErr):
		return http.StatusInternalServerError, execErr.Detail
	case errors.Is(err, vault.ErrCredentialCorrupt):
		return http.StatusInternalServerError, "Stored agent credential could not be decrypted"
	case errors.As(err, &httpErr):
		if msg, ok := httpErr.Message.(string); ok {
			return httpErr.Code, msg
		}
		return httpErr.Code, http.StatusText(httpErr.Code)
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}
