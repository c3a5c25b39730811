// Package runtimectx exposes the effective runtime env to running code.
//
// A job carries an ambient runtime env and each call may override it. The
// effective env is the job env with the call's top-level fields replacing the
// job's. Every accessor returns a fresh copy, so callers can never mutate the
// job, the call or each other's view through it.
package runtimectx

import (
	"context"
	"os"
	"sort"
	"strings"

	"github.com/felixgeelhaar/runenv/internal/exec"
	"github.com/felixgeelhaar/runenv/internal/spec"
)

// GetEffective merges override over ambient. Neither input is modified and the
// result shares no memory with them.
func GetEffective(ambient, override map[string]any) map[string]any {
	out := make(map[string]any, len(ambient)+len(override))
	for k, v := range ambient {
		out[k] = spec.DeepCopy(v)
	}
	for k, v := range override {
		out[k] = spec.DeepCopy(v)
	}
	return out
}

// Context is the runtime context of one call.
type Context struct {
	JobID string
	// Job is the ambient env set when the job started.
	Job map[string]any
	// Call is the env the call was submitted with, if any.
	Call map[string]any
}

// New snapshots job and call so later changes to either do not leak in.
func New(jobID string, job, call map[string]any) Context {
	c := Context{JobID: jobID, Job: GetEffective(nil, job)}
	if call != nil {
		c.Call = GetEffective(nil, call)
	}
	return c
}

// RuntimeEnv returns a fresh copy of the effective env.
func (c Context) RuntimeEnv() map[string]any {
	return GetEffective(c.Job, c.Call)
}

// JobRuntimeEnv returns a fresh copy of the job's env.
func (c Context) JobRuntimeEnv() map[string]any {
	return GetEffective(c.Job, nil)
}

// Config returns the effective env's config in loose form, or nil.
func (c Context) Config() map[string]any {
	cfg, _ := c.RuntimeEnv()[spec.FieldConfig].(map[string]any)
	return cfg
}

type contextKey struct{}

// WithContext attaches rc to ctx.
func WithContext(ctx context.Context, rc Context) context.Context {
	return context.WithValue(ctx, contextKey{}, rc)
}

// FromContext returns the runtime context attached to ctx.
func FromContext(ctx context.Context) (Context, bool) {
	rc, ok := ctx.Value(contextKey{}).(Context)
	return rc, ok
}

// Environ builds the process environment for a worker: base, then the ready
// handle's variables, with its path prefix in front of PATH. Later entries
// win over earlier ones with the same key.
func (c Context) Environ(base []string, ready *exec.Context) []string {
	vars := make(map[string]string, len(base))
	order := make([]string, 0, len(base))
	set := func(key, value string) {
		if _, ok := vars[key]; !ok {
			order = append(order, key)
		}
		vars[key] = value
	}

	for _, kv := range base {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}
		set(key, value)
	}

	if ready != nil {
		keys := make([]string, 0, len(ready.EnvVars))
		for k := range ready.EnvVars {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			set(k, ready.EnvVars[k])
		}

		if len(ready.PathPrefix) > 0 {
			sep := string(os.PathListSeparator)
			path := strings.Join(ready.PathPrefix, sep)
			if current := vars["PATH"]; current != "" {
				path += sep + current
			}
			set("PATH", path)
		}
		set("RUNENV_FINGERPRINT", ready.Fingerprint)
	}

	if c.JobID != "" {
		set("RUNENV_JOB_ID", c.JobID)
	}

	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+vars[k])
	}
	return out
}
