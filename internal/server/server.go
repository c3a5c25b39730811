// Package server exposes the runtime env agent over HTTP.
//
// Besides the /v1 API it serves Kubernetes-style health probes and the
// Prometheus scrape endpoint, and drains in-flight requests on shutdown.
package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/getkin/kin-openapi/routers"

	"github.com/felixgeelhaar/runenv/internal/agent"
	"github.com/felixgeelhaar/runenv/internal/errors"
	"github.com/felixgeelhaar/runenv/internal/health"
	"github.com/felixgeelhaar/runenv/internal/log"
)

// Server serves the agent API and health endpoints.
type Server struct {
	httpServer      *http.Server
	agent           *agent.Agent
	probeManager    *health.ProbeManager
	router          routers.Router
	logger          *log.Logger
	inShutdown      atomic.Bool
	shutdownTimeout time.Duration
}

// Config holds server configuration.
type Config struct {
	// Address is the listen address (e.g., ":8080", "0.0.0.0:8080")
	Address string

	// ShutdownTimeout bounds connection draining. Defaults to 30 seconds.
	ShutdownTimeout time.Duration

	ReadTimeout time.Duration

	// WriteTimeout must exceed the longest setup a client may wait for.
	// Defaults to 15 minutes.
	WriteTimeout time.Duration

	IdleTimeout time.Duration

	// Metrics is mounted at /metrics when set.
	Metrics http.Handler

	Logger *log.Logger
}

// NewServer creates a server for a. probeManager must not be nil. It fails
// when the embedded API description cannot be loaded.
func NewServer(a *agent.Agent, probeManager *health.ProbeManager, cfg Config) (*Server, error) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 15 * time.Minute
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Discard()
	}

	router, err := newRequestRouter(context.Background())
	if err != nil {
		return nil, err
	}

	s := &Server{
		agent:           a,
		probeManager:    probeManager,
		router:          router,
		logger:          cfg.Logger.Named("server"),
		shutdownTimeout: cfg.ShutdownTimeout,
	}

	mux := http.NewServeMux()
	for _, rt := range s.routes() {
		handler := rt.handler
		if rt.api {
			handler = s.validated(handler)
		}
		mux.HandleFunc(rt.method+" "+rt.path, handler)
	}

	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s, nil
}

type route struct {
	method  string
	path    string
	handler http.HandlerFunc
	// api routes are described in openapi.yaml
	api bool
}

func (s *Server) routes() []route {
	return []route{
		{http.MethodPost, "/v1/jobs", s.handleStartJob, true},
		{http.MethodDelete, "/v1/jobs/{id}", s.handleEndJob, true},
		{http.MethodPost, "/v1/runtime-envs", s.handlePrepare, true},
		{http.MethodGet, "/v1/runtime-envs", s.handleList, true},
		{http.MethodGet, "/v1/runtime-envs/{fingerprint}", s.handleGet, true},
		{http.MethodDelete, "/v1/runtime-envs/{fingerprint}", s.handleRelease, true},
		{http.MethodPost, "/v1/fingerprint", s.handleFingerprint, true},
		{http.MethodGet, "/v1/events", s.handleEvents, true},
		{http.MethodGet, "/v1/openapi.yaml", s.handleOpenAPI, true},

		{http.MethodGet, "/health/live", s.handleLiveness, false},
		{http.MethodGet, "/health/ready", s.handleReadiness, false},
		{http.MethodGet, "/health/startup", s.handleStartup, false},
		{http.MethodGet, "/healthz", s.handleReadiness, false},
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start blocks serving requests. It returns http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	s.probeManager.MarkInitialized()
	s.logger.Info("listening", "address", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown fails readiness, stops keep-alives and drains connections for at
// most the configured shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	s.inShutdown.Store(true)
	s.probeManager.MarkShutdown()
	s.httpServer.SetKeepAlivesEnabled(false)

	shutdownCtx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}

// IsShuttingDown returns whether the server is shutting down.
func (s *Server) IsShuttingDown() bool {
	return s.inShutdown.Load()
}

func (s *Server) writeProbeResponse(w http.ResponseWriter, result *health.ProbeResult, unhealthyStatus int) {
	status := http.StatusOK
	if result.Status == health.StatusUnhealthy {
		status = unhealthyStatus
	}
	s.writeJSON(w, status, result)
}

// Liveness is always 200, even while shutting down.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.writeProbeResponse(w, s.probeManager.CheckLiveness(r.Context()), http.StatusOK)
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	s.writeProbeResponse(w, s.probeManager.CheckReadiness(r.Context()), http.StatusServiceUnavailable)
}

func (s *Server) handleStartup(w http.ResponseWriter, r *http.Request) {
	s.writeProbeResponse(w, s.probeManager.CheckStartup(r.Context()), http.StatusServiceUnavailable)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.WithError(err).Warn("failed to encode response")
	}
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Message: err.Error()}
	var envErr *errors.EnvError
	if stderrors.As(err, &envErr) {
		resp.Code = string(envErr.Code)
		resp.Message = envErr.Message
		resp.Detail = envErr.Detail
	}
	status := statusFor(errors.CodeOf(err))
	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).Warn("request failed", "status", status)
	}
	s.writeJSON(w, status, resp)
}

func statusFor(code errors.ErrorCode) int {
	switch code {
	case errors.ErrCodeInvalidSpec, errors.ErrCodeConfigValidation, errors.ErrCodeSpecUnmarshal:
		return http.StatusBadRequest
	case errors.ErrCodeUnknownEnv, errors.ErrCodeUnknownJob:
		return http.StatusNotFound
	case errors.ErrCodeSetupTimeout, errors.ErrCodeWaitTimeout:
		return http.StatusGatewayTimeout
	case errors.ErrCodeSetupCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(errors.ErrCodeSpecUnmarshal, "invalid request body", err)
	}
	return nil
}
