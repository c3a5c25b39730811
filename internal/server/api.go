package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/felixgeelhaar/runenv/internal/agent"
	"github.com/felixgeelhaar/runenv/internal/errors"
	"github.com/felixgeelhaar/runenv/internal/exec"
	"github.com/felixgeelhaar/runenv/internal/journal"
	"github.com/felixgeelhaar/runenv/internal/resolution"
)

// StartJobRequest registers a job and its ambient runtime env.
type StartJobRequest struct {
	JobID      string         `json:"job_id"`
	RuntimeEnv map[string]any `json:"runtime_env"`
}

// JobResponse describes a started job.
type JobResponse struct {
	JobID      string         `json:"job_id"`
	RuntimeEnv map[string]any `json:"runtime_env"`
	StartedAt  time.Time      `json:"started_at"`
}

// PrepareRequest asks for the effective env of a call. JobID is optional.
type PrepareRequest struct {
	JobID      string         `json:"job_id,omitempty"`
	RuntimeEnv map[string]any `json:"runtime_env"`
	// TimeoutSeconds bounds how long this request waits; 0 waits for the setup.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// PrepareResponse carries the ready handle. EnvDir is empty for an empty env.
type PrepareResponse struct {
	Fingerprint string            `json:"fingerprint"`
	EnvDir      string            `json:"env_dir,omitempty"`
	SetupID     string            `json:"setup_id,omitempty"`
	PathPrefix  []string          `json:"path_prefix,omitempty"`
	EnvVars     map[string]string `json:"env_vars,omitempty"`
	ImageURI    string            `json:"image_uri,omitempty"`
	WorkingDir  string            `json:"working_dir,omitempty"`
	RuntimeEnv  map[string]any    `json:"runtime_env"`
}

// EnvState is one cache entry as seen by API clients.
type EnvState struct {
	Fingerprint string     `json:"fingerprint"`
	Status      string     `json:"status"`
	Waiters     int        `json:"waiters,omitempty"`
	EnvDir      string     `json:"env_dir,omitempty"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// FingerprintResponse is returned by POST /v1/fingerprint.
type FingerprintResponse struct {
	Fingerprint string `json:"fingerprint"`
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	var req StartJobRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	job, err := s.agent.StartJob(r.Context(), req.JobID, req.RuntimeEnv)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, JobResponse{
		JobID:      job.ID,
		RuntimeEnv: job.RuntimeEnv(),
		StartedAt:  job.StartedAt,
	})
}

func (s *Server) handleEndJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.agent.Job(id); err != nil {
		s.writeError(w, err)
		return
	}
	s.agent.EndJob(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	var req PrepareRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	var job *agent.Job
	if req.JobID != "" {
		var err error
		if job, err = s.agent.Job(req.JobID); err != nil {
			s.writeError(w, err)
			return
		}
	}

	var opts []agent.PrepareOption
	if req.TimeoutSeconds > 0 {
		opts = append(opts, agent.WithWaitTimeout(time.Duration(req.TimeoutSeconds)*time.Second))
	}

	var callEnv any
	if req.RuntimeEnv != nil {
		callEnv = req.RuntimeEnv
	}

	prepared, err := s.agent.Prepare(r.Context(), job, callEnv, opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := PrepareResponse{
		Fingerprint: prepared.Fingerprint,
		RuntimeEnv:  prepared.Runtime.RuntimeEnv(),
	}
	if h := prepared.Handle; h != nil {
		resp.EnvDir = h.Dir
		resp.SetupID = h.SetupID
		resp.PathPrefix = h.PathPrefix
		resp.EnvVars = h.EnvVars
		resp.ImageURI = h.ImageURI
		resp.WorkingDir = h.WorkingDir
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	states := s.agent.Environments()
	out := make([]EnvState, 0, len(states))
	for _, st := range states {
		out = append(out, envState(st))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	st, err := s.agent.Environment(r.PathValue("fingerprint"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, envState(st))
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.Release(r.PathValue("fingerprint")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFingerprint(w http.ResponseWriter, r *http.Request) {
	var env map[string]any
	if err := decode(r, &env); err != nil {
		s.writeError(w, err)
		return
	}
	fp, err := s.agent.Fingerprint(env)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, FingerprintResponse{Fingerprint: fp})
}

// handleEvents serves buffered lifecycle events filtered by the fingerprint,
// job_id, type and limit query parameters.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := journal.Filter{
		Fingerprint: q.Get("fingerprint"),
		JobID:       q.Get("job_id"),
		Type:        journal.EventType(q.Get("type")),
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			s.writeError(w, errors.New(errors.ErrCodeSpecUnmarshal, "limit must be a non-negative integer"))
			return
		}
		filter.Limit = limit
	}
	s.writeJSON(w, http.StatusOK, s.agent.Events(filter))
}

func envState(st resolution.State) EnvState {
	out := EnvState{
		Fingerprint: st.Fingerprint,
		Status:      string(st.Status),
		Waiters:     st.Waiters,
	}
	switch st.Status {
	case resolution.StatusReady:
		out.EnvDir = handleDir(st.Context)
		created := st.CreatedAt
		out.CreatedAt = &created
	case resolution.StatusFailed:
		if st.Err != nil {
			out.Error = st.Err.Error()
		}
		expires := st.ExpiresAt()
		out.ExpiresAt = &expires
	}
	return out
}

func handleDir(h *exec.Context) string {
	if h == nil {
		return ""
	}
	return h.Dir
}
