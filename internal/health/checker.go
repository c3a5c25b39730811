// Package health reports whether the agent can build runtime envs.
//
// Each Checker probes one dependency (a package manager binary, the
// environment cache directory) and returns a Result. The Manager runs all
// checkers in parallel under a timeout; the ProbeManager layers liveness,
// readiness and startup semantics on top for the HTTP server.
//
//	manager := health.NewManager()
//	manager.AddChecker(health.NewToolChecker(runner, exec.Tool{Name: "conda"}, false))
//	manager.AddChecker(health.NewCacheDirChecker(root))
//	results := manager.Check(ctx)
package health

import (
	"context"
	"time"
)

// Checker probes a single dependency.
type Checker interface {
	// Name is lowercase with hyphens, e.g. "conda-binary".
	Name() string

	// Check must respect the context deadline.
	Check(ctx context.Context) *Result
}

// Status represents the health check status.
type Status string

const (
	StatusHealthy Status = "healthy"
	// StatusDegraded means the agent works with reduced functionality,
	// e.g. conda is missing but pip envs still build.
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// Result is the outcome of one check.
type Result struct {
	Status  Status         `json:"status"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Latency time.Duration  `json:"latency_ns"`
}

// NewResult creates a new health check result with the given status and message.
func NewResult(status Status, message string) *Result {
	return &Result{
		Status:  status,
		Message: message,
		Details: make(map[string]any),
	}
}

// WithDetail adds a detail to the result and returns the result for chaining.
func (r *Result) WithDetail(key string, value any) *Result {
	r.Details[key] = value
	return r
}

// Healthy creates a healthy result with the given message.
func Healthy(message string) *Result {
	return NewResult(StatusHealthy, message)
}

// Degraded creates a degraded result with the given message.
func Degraded(message string) *Result {
	return NewResult(StatusDegraded, message)
}

// Unhealthy creates an unhealthy result with the given message.
func Unhealthy(message string) *Result {
	return NewResult(StatusUnhealthy, message)
}
