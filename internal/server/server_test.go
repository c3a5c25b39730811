package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/runenv/internal/agent"
	"github.com/felixgeelhaar/runenv/internal/errors"
	"github.com/felixgeelhaar/runenv/internal/exec"
	"github.com/felixgeelhaar/runenv/internal/exec/exectest"
	"github.com/felixgeelhaar/runenv/internal/health"
	"github.com/felixgeelhaar/runenv/internal/journal"
	"github.com/felixgeelhaar/runenv/internal/metrics"
	"github.com/felixgeelhaar/runenv/internal/resolution"
)

const condaNotFound = "ResolvePackageNotFound:\n  - nonexistent-package\n"

func newTestServer(t *testing.T, runner *exectest.FakeRunner) (*Server, *health.ProbeManager) {
	t.Helper()

	reg, m := metrics.NewRegistry()
	executor := exec.NewExecutor(t.TempDir())
	executor.Runner = runner
	executor.Metrics = m

	events, err := journal.Open(t.TempDir(), journal.Config{}, nil)
	require.NoError(t, err)

	a, err := agent.New(agent.Options{
		Cache:    resolution.NewCache(resolution.Options{Metrics: m, Journal: events}),
		Executor: executor,
		Metrics:  m,
		Journal:  events,
	})
	require.NoError(t, err)

	pm := health.NewProbeManager("1.0.0")
	pm.AddChecker(health.NewCacheDirChecker(executor.Root))
	s, err := NewServer(a, pm, Config{Metrics: metrics.HandlerFor(reg)})
	require.NoError(t, err)
	return s, pm
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNewServerDefaults(t *testing.T) {
	s, _ := newTestServer(t, exectest.NewFakeRunner())

	assert.Equal(t, 30*time.Second, s.shutdownTimeout)
	assert.Equal(t, 10*time.Second, s.httpServer.ReadTimeout)
	assert.Equal(t, 15*time.Minute, s.httpServer.WriteTimeout)
	assert.Equal(t, 60*time.Second, s.httpServer.IdleTimeout)
}

func TestPrepareRuntimeEnv(t *testing.T) {
	s, _ := newTestServer(t, exectest.NewFakeRunner())

	rec := do(t, s, http.MethodPost, "/v1/runtime-envs", PrepareRequest{
		RuntimeEnv: map[string]any{
			"pip":      []any{"requests"},
			"env_vars": map[string]any{"A": "1"},
			"config":   map[string]any{"setup_timeout_seconds": 30},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeBody[PrepareResponse](t, rec)
	assert.Len(t, resp.Fingerprint, 64)
	assert.NotEmpty(t, resp.EnvDir)
	assert.NotEmpty(t, resp.SetupID)
	assert.Equal(t, "1", resp.EnvVars["A"])
	assert.Contains(t, resp.RuntimeEnv, "pip")

	rec = do(t, s, http.MethodGet, "/v1/runtime-envs/"+resp.Fingerprint, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	state := decodeBody[EnvState](t, rec)
	assert.Equal(t, "ready", state.Status)
	assert.Equal(t, resp.EnvDir, state.EnvDir)

	rec = do(t, s, http.MethodGet, "/v1/runtime-envs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]EnvState](t, rec), 1)
}

func TestPrepareValidationErrors(t *testing.T) {
	s, _ := newTestServer(t, exectest.NewFakeRunner())

	tests := []struct {
		name string
		env  map[string]any
		code errors.ErrorCode
	}{
		{"pip and conda", map[string]any{"pip": []any{"a"}, "conda": "base"}, errors.ErrCodeInvalidSpec},
		{"float timeout", map[string]any{"config": map[string]any{"setup_timeout_seconds": 10.5}}, errors.ErrCodeConfigValidation},
		{"zero timeout", map[string]any{"config": map[string]any{"setup_timeout_seconds": 0}}, errors.ErrCodeConfigValidation},
		{"string timeout", map[string]any{"config": map[string]any{"setup_timeout_seconds": "10"}}, errors.ErrCodeConfigValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/v1/runtime-envs", PrepareRequest{RuntimeEnv: tt.env})
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, string(tt.code), decodeBody[ErrorResponse](t, rec).Code)
		})
	}

	assert.JSONEq(t, "[]", do(t, s, http.MethodGet, "/v1/runtime-envs", nil).Body.String())
}

func TestPrepareMalformedBody(t *testing.T) {
	s, _ := newTestServer(t, exectest.NewFakeRunner())

	req := httptest.NewRequest(http.MethodPost, "/v1/runtime-envs", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(errors.ErrCodeSpecUnmarshal), decodeBody[ErrorResponse](t, rec).Code)
}

func TestRequestsAreValidatedAgainstAPIDescription(t *testing.T) {
	s, _ := newTestServer(t, exectest.NewFakeRunner())

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{"negative timeout", http.MethodPost, "/v1/runtime-envs", `{"timeout_seconds": -1}`},
		{"string timeout", http.MethodPost, "/v1/runtime-envs", `{"timeout_seconds": "5"}`},
		{"runtime env not an object", http.MethodPost, "/v1/runtime-envs", `{"runtime_env": ["pip"]}`},
		{"job id not a string", http.MethodPost, "/v1/jobs", `{"job_id": 7}`},
		{"empty job body", http.MethodPost, "/v1/jobs", ``},
		{"unknown event type", http.MethodGet, "/v1/events?type=exploded", ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			req := httptest.NewRequest(tt.method, tt.path, body)
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)

			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, string(errors.ErrCodeSpecUnmarshal), decodeBody[ErrorResponse](t, rec).Code)
		})
	}

	assert.JSONEq(t, "[]", do(t, s, http.MethodGet, "/v1/runtime-envs", nil).Body.String())
}

func TestValidatedBodyReachesHandler(t *testing.T) {
	s, _ := newTestServer(t, exectest.NewFakeRunner())

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs",
		strings.NewReader(`{"job_id": "job-ct", "runtime_env": {"env_vars": {"A": "1"}}}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	job := decodeBody[JobResponse](t, rec)
	assert.Equal(t, "job-ct", job.JobID)
	assert.Contains(t, job.RuntimeEnv, "env_vars")
}

func TestPrepareSetupFailureIsCached(t *testing.T) {
	runner := exectest.NewFakeRunner().
		On("conda env create", exectest.Response{ExitCode: 1, Output: condaNotFound})
	s, _ := newTestServer(t, runner)

	body := PrepareRequest{RuntimeEnv: map[string]any{
		"conda": map[string]any{"dependencies": []any{"nonexistent-package"}},
	}}

	for i := 0; i < 2; i++ {
		rec := do(t, s, http.MethodPost, "/v1/runtime-envs", body)
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		resp := decodeBody[ErrorResponse](t, rec)
		assert.Equal(t, string(errors.ErrCodeSetupFailure), resp.Code)
		assert.Contains(t, resp.Detail, condaNotFound)
	}
	assert.Equal(t, 1, runner.CallCount("conda env create"))

	rec := do(t, s, http.MethodGet, "/v1/runtime-envs", nil)
	states := decodeBody[[]EnvState](t, rec)
	require.Len(t, states, 1)
	assert.Equal(t, "failed", states[0].Status)
	assert.NotNil(t, states[0].ExpiresAt)
}

func TestJobLifecycle(t *testing.T) {
	s, _ := newTestServer(t, exectest.NewFakeRunner())

	rec := do(t, s, http.MethodPost, "/v1/jobs", StartJobRequest{
		JobID:      "job-1",
		RuntimeEnv: map[string]any{"env_vars": map[string]any{"A": "job"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "job-1", decodeBody[JobResponse](t, rec).JobID)

	rec = do(t, s, http.MethodPost, "/v1/runtime-envs", PrepareRequest{
		JobID:      "job-1",
		RuntimeEnv: map[string]any{"working_dir": t.TempDir()},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[PrepareResponse](t, rec)
	assert.Equal(t, "job", resp.EnvVars["A"])
	assert.NotEmpty(t, resp.WorkingDir)

	rec = do(t, s, http.MethodDelete, "/v1/jobs/job-1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/runtime-envs", PrepareRequest{JobID: "job-1"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(errors.ErrCodeUnknownJob), decodeBody[ErrorResponse](t, rec).Code)

	rec = do(t, s, http.MethodDelete, "/v1/jobs/job-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReleaseRuntimeEnv(t *testing.T) {
	s, _ := newTestServer(t, exectest.NewFakeRunner())

	rec := do(t, s, http.MethodPost, "/v1/runtime-envs", PrepareRequest{
		RuntimeEnv: map[string]any{"pip": []any{"requests"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[PrepareResponse](t, rec)
	assert.DirExists(t, resp.EnvDir)

	rec = do(t, s, http.MethodDelete, "/v1/runtime-envs/"+resp.Fingerprint, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NoDirExists(t, resp.EnvDir)

	rec = do(t, s, http.MethodGet, "/v1/runtime-envs/"+resp.Fingerprint, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(errors.ErrCodeUnknownEnv), decodeBody[ErrorResponse](t, rec).Code)

	rec = do(t, s, http.MethodDelete, "/v1/runtime-envs/"+resp.Fingerprint, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFingerprintEndpoint(t *testing.T) {
	s, _ := newTestServer(t, exectest.NewFakeRunner())

	a := decodeBody[FingerprintResponse](t, do(t, s, http.MethodPost, "/v1/fingerprint",
		map[string]any{"pip": []any{"requests"}, "config": map[string]any{"setup_timeout_seconds": 5}}))
	b := decodeBody[FingerprintResponse](t, do(t, s, http.MethodPost, "/v1/fingerprint",
		map[string]any{"pip": map[string]any{"packages": []any{"requests"}}}))
	assert.Equal(t, a.Fingerprint, b.Fingerprint)

	rec := do(t, s, http.MethodPost, "/v1/fingerprint", map[string]any{"env_vars": map[string]any{"A": 1}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusGatewayTimeout, statusFor(errors.ErrCodeSetupTimeout))
	assert.Equal(t, http.StatusGatewayTimeout, statusFor(errors.ErrCodeWaitTimeout))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.ErrCodeSetupFailure))
	assert.Equal(t, http.StatusInternalServerError, statusFor(""))
	assert.Equal(t, http.StatusNotFound, statusFor(errors.ErrCodeUnknownEnv))
}

func TestWaitTimeoutReturnsGatewayTimeout(t *testing.T) {
	runner := exectest.NewFakeRunner().
		On("pip install", exectest.Response{Delay: 3 * time.Second})
	s, _ := newTestServer(t, runner)

	rec := do(t, s, http.MethodPost, "/v1/runtime-envs", PrepareRequest{
		RuntimeEnv:     map[string]any{"pip": []any{"slow"}},
		TimeoutSeconds: 1,
	})
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, string(errors.ErrCodeWaitTimeout), decodeBody[ErrorResponse](t, rec).Code)

	// the abandoned setup finishes in the background
	require.Eventually(t, func() bool {
		rec := do(t, s, http.MethodGet, "/v1/runtime-envs", nil)
		states := decodeBody[[]EnvState](t, rec)
		return len(states) == 1 && states[0].Status == "ready"
	}, 10*time.Second, 50*time.Millisecond)
}

func TestHealthEndpoints(t *testing.T) {
	s, pm := newTestServer(t, exectest.NewFakeRunner())

	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/health/startup", nil).Code)
	pm.MarkInitialized()
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health/startup", nil).Code)

	rec := do(t, s, http.MethodGet, "/health/ready", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	probe := decodeBody[health.ProbeResult](t, rec)
	assert.Equal(t, health.StatusHealthy, probe.Status)
	assert.Contains(t, probe.Checks, "env-cache-dir")

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health/live", nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, s, http.MethodPost, "/health/live", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, exectest.NewFakeRunner())

	do(t, s, http.MethodPost, "/v1/runtime-envs", PrepareRequest{RuntimeEnv: map[string]any{"pip": []any{"requests"}}})

	rec := do(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "runenv_resolutions_total")
}

func TestShutdown(t *testing.T) {
	s, pm := newTestServer(t, exectest.NewFakeRunner())
	pm.MarkInitialized()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	assert.True(t, s.IsShuttingDown())
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/health/ready", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health/live", nil).Code)
}

func TestOpenAPIDescribesEveryRoute(t *testing.T) {
	doc, err := LoadOpenAPI(context.Background())
	require.NoError(t, err)

	s, _ := newTestServer(t, exectest.NewFakeRunner())
	for _, rt := range s.routes() {
		if !rt.api {
			continue
		}
		item := doc.Paths.Find(rt.path)
		require.NotNil(t, item, "missing path %s", rt.path)
		assert.NotNil(t, item.GetOperation(rt.method), "missing %s %s", rt.method, rt.path)
	}

	rec := do(t, s, http.MethodGet, "/v1/openapi.yaml", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "openapi: 3.0.3")
}

func TestEvents(t *testing.T) {
	s, _ := newTestServer(t, exectest.NewFakeRunner())

	rec := do(t, s, http.MethodPost, "/v1/runtime-envs", PrepareRequest{
		RuntimeEnv: map[string]any{"pip": []any{"requests"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	fp := decodeBody[PrepareResponse](t, rec).Fingerprint

	rec = do(t, s, http.MethodGet, "/v1/events?fingerprint="+fp, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decodeBody[[]journal.Event](t, rec)
	require.Len(t, events, 2)
	assert.Equal(t, journal.EventSetupStarted, events[0].Type)
	assert.Equal(t, journal.EventSetupSucceeded, events[1].Type)

	rec = do(t, s, http.MethodGet, "/v1/events?type=setup_succeeded&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]journal.Event](t, rec), 1)

	rec = do(t, s, http.MethodGet, "/v1/events?job_id=nobody", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = do(t, s, http.MethodGet, "/v1/events?limit=-3", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
