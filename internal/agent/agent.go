// Package agent prepares runtime envs for jobs and their calls.
//
// A job starts with an ambient runtime env. Each call may override it; the
// agent merges the two, validates the result, fingerprints it and resolves it
// through the shared cache before handing the caller a runtime context and a
// ready environment handle.
package agent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/runenv/internal/errors"
	"github.com/felixgeelhaar/runenv/internal/exec"
	"github.com/felixgeelhaar/runenv/internal/journal"
	"github.com/felixgeelhaar/runenv/internal/log"
	"github.com/felixgeelhaar/runenv/internal/metrics"
	"github.com/felixgeelhaar/runenv/internal/resolution"
	"github.com/felixgeelhaar/runenv/internal/runtimectx"
	"github.com/felixgeelhaar/runenv/internal/spec"
)

// Options wires an Agent.
type Options struct {
	Cache    *resolution.Cache
	Executor *exec.Executor
	Logger   *log.Logger
	Metrics  *metrics.Metrics
	Journal  *journal.Journal
}

// Agent is safe for concurrent use.
type Agent struct {
	cache    *resolution.Cache
	executor *exec.Executor
	logger   *log.Logger
	metrics  *metrics.Metrics
	journal  *journal.Journal

	mu   sync.RWMutex
	jobs map[string]*Job
}

// Job is a started job and its ambient runtime env.
type Job struct {
	ID        string
	Env       *spec.RuntimeEnv
	StartedAt time.Time

	runtime map[string]any
}

// RuntimeEnv returns a fresh copy of the job's env in loose form.
func (j *Job) RuntimeEnv() map[string]any {
	return runtimectx.GetEffective(j.runtime, nil)
}

// Prepared is the outcome of preparing a call.
type Prepared struct {
	Fingerprint string
	Runtime     runtimectx.Context
	// Handle is nil when the effective env is empty.
	Handle *exec.Context
}

// PrepareOption customizes a single Prepare call.
type PrepareOption func(*prepareOptions)

type prepareOptions struct {
	wait time.Duration
}

// WithWaitTimeout bounds how long this caller waits for the environment.
// The shared setup keeps running for other callers when it expires.
func WithWaitTimeout(d time.Duration) PrepareOption {
	return func(o *prepareOptions) {
		o.wait = d
	}
}

// New creates an agent. Cache and Executor are required.
func New(opts Options) (*Agent, error) {
	if opts.Cache == nil {
		return nil, errors.New(errors.ErrCodeSettingsInvalid, "agent requires a resolution cache")
	}
	if opts.Executor == nil {
		return nil, errors.New(errors.ErrCodeSettingsInvalid, "agent requires a setup executor")
	}
	if opts.Logger == nil {
		opts.Logger = log.Discard()
	}

	return &Agent{
		cache:    opts.Cache,
		executor: opts.Executor,
		logger:   opts.Logger.Named("agent"),
		metrics:  opts.Metrics,
		journal:  opts.Journal,
		jobs:     make(map[string]*Job),
	}, nil
}

// StartJob registers a job with its ambient env. When the env is not empty and
// its config asks for eager install, the env is resolved before StartJob
// returns and a failure aborts the job start. An empty jobID gets a generated one.
func (a *Agent) StartJob(ctx context.Context, jobID string, env any) (*Job, error) {
	parsed, err := a.parse(env)
	if err != nil {
		return nil, err
	}
	if jobID == "" {
		jobID = uuid.NewString()
	}

	job := &Job{
		ID:        jobID,
		Env:       parsed,
		StartedAt: time.Now(),
		runtime:   parsed.ToMap(),
	}

	if !parsed.IsEmpty() && parsed.EffectiveConfig().EagerInstall {
		a.logger.Info("eagerly installing job runtime env", "job_id", jobID)
		if _, err := a.Prepare(ctx, job, nil); err != nil {
			return nil, err
		}
	}

	a.mu.Lock()
	a.jobs[jobID] = job
	a.mu.Unlock()

	a.logger.Info("job started", "job_id", jobID)
	a.record(journal.NewEvent(journal.EventJobStarted, "job started").
		ForJob(jobID).
		WithData("eager_install", parsed.EffectiveConfig().EagerInstall))
	return job, nil
}

// Job returns a started job.
func (a *Agent) Job(jobID string) (*Job, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	job, ok := a.jobs[jobID]
	if !ok {
		return nil, errors.NewUnknownJobError(jobID)
	}
	return job, nil
}

// EndJob forgets a job. Environments it used stay cached.
func (a *Agent) EndJob(jobID string) bool {
	a.mu.Lock()
	_, ok := a.jobs[jobID]
	delete(a.jobs, jobID)
	a.mu.Unlock()

	if ok {
		a.record(journal.NewEvent(journal.EventJobEnded, "job ended").ForJob(jobID))
	}
	return ok
}

// Prepare resolves the effective env of a call: the job's env with callEnv's
// top-level fields, config included, taking precedence. callEnv may be nil.
func (a *Agent) Prepare(ctx context.Context, job *Job, callEnv any, opts ...PrepareOption) (*Prepared, error) {
	var o prepareOptions
	for _, opt := range opts {
		opt(&o)
	}

	var jobRuntime map[string]any
	jobID := ""
	if job != nil {
		jobRuntime = job.runtime
		jobID = job.ID
	}

	var callRuntime map[string]any
	if callEnv != nil {
		call, err := a.parse(callEnv)
		if err != nil {
			return nil, err
		}
		callRuntime = call.ToMap()
	}

	env, err := a.parse(runtimectx.GetEffective(jobRuntime, callRuntime))
	if err != nil {
		return nil, err
	}
	if err := a.executor.Check(env); err != nil {
		a.rejected(err)
		return nil, err
	}

	fingerprint, err := spec.Hash(env)
	if err != nil {
		return nil, err
	}

	prepared := &Prepared{
		Fingerprint: fingerprint,
		Runtime:     runtimectx.New(jobID, jobRuntime, callRuntime),
	}
	if env.IsEmpty() {
		return prepared, nil
	}

	cfg := env.EffectiveConfig()
	handle, err := a.cache.GetOrResolve(ctx, fingerprint, o.wait, func(ctx context.Context) (*exec.Context, error) {
		return a.executor.Setup(ctx, fingerprint, env, cfg)
	})
	if err != nil {
		return nil, err
	}

	prepared.Handle = handle
	return prepared, nil
}

// Fingerprint validates env and returns its fingerprint.
func (a *Agent) Fingerprint(env any) (string, error) {
	parsed, err := a.parse(env)
	if err != nil {
		return "", err
	}
	return spec.Hash(parsed)
}

// Environment returns the cache state of a fingerprint.
func (a *Agent) Environment(fingerprint string) (resolution.State, error) {
	st, ok := a.cache.State(fingerprint)
	if !ok {
		return resolution.State{}, errors.NewUnknownEnvError(fingerprint)
	}
	return st, nil
}

// Environments returns every cached env.
func (a *Agent) Environments() []resolution.State {
	return a.cache.Snapshot()
}

// Release drops a ready or failed env from the cache and deletes its directory.
func (a *Agent) Release(fingerprint string) error {
	if !a.cache.Invalidate(fingerprint) {
		return errors.NewUnknownEnvError(fingerprint)
	}
	if err := a.executor.Remove(fingerprint); err != nil {
		return err
	}
	a.logger.Info("released runtime env", "fingerprint", fingerprint)
	a.record(journal.NewEvent(journal.EventEnvReleased, "runtime env released").ForEnv(fingerprint))
	return nil
}

// Events returns recently journaled events.
func (a *Agent) Events(filter journal.Filter) []*journal.Event {
	return a.journal.Recent(filter)
}

func (a *Agent) record(event *journal.Event) {
	if err := a.journal.Record(event); err != nil {
		a.logger.WithError(err).Warn("failed to record event", "type", string(event.Type))
	}
}

func (a *Agent) parse(input any) (*spec.RuntimeEnv, error) {
	env, err := spec.Parse(input)
	if err != nil {
		a.rejected(err)
		return nil, err
	}
	return env, nil
}

func (a *Agent) rejected(err error) {
	kind := "spec"
	if errors.IsCode(err, errors.ErrCodeConfigValidation) {
		kind = "config"
	}
	a.logger.WithError(err).Debug("runtime env rejected", "kind", kind)
	if a.metrics != nil {
		a.metrics.ValidationErrors.WithLabelValues(kind).Inc()
	}
}
