package health

import (
	"context"
	"sync/atomic"
	"time"
)

// ProbeManager extends Manager with Kubernetes-style probe support.
type ProbeManager struct {
	*Manager

	startTime   time.Time
	initialized atomic.Bool
	inShutdown  atomic.Bool
	version     string
}

// NewProbeManager creates a new health check manager with probe support.
func NewProbeManager(version string) *ProbeManager {
	return &ProbeManager{
		Manager:   NewManager(),
		startTime: time.Now(),
		version:   version,
	}
}

// MarkInitialized lets the startup probe pass.
func (pm *ProbeManager) MarkInitialized() {
	pm.initialized.Store(true)
}

// MarkShutdown makes the readiness probe fail so no new work is routed here.
func (pm *ProbeManager) MarkShutdown() {
	pm.inShutdown.Store(true)
}

// IsInitialized returns whether the application is fully initialized.
func (pm *ProbeManager) IsInitialized() bool {
	return pm.initialized.Load()
}

// IsShuttingDown returns whether the application is shutting down.
func (pm *ProbeManager) IsShuttingDown() bool {
	return pm.inShutdown.Load()
}

// Uptime returns how long the application has been running.
func (pm *ProbeManager) Uptime() time.Duration {
	return time.Since(pm.startTime)
}

// Version returns the application version.
func (pm *ProbeManager) Version() string {
	return pm.version
}

// ProbeResult represents a Kubernetes probe check result.
type ProbeResult struct {
	Status    Status             `json:"status"`
	Version   string             `json:"version,omitempty"`
	Uptime    string             `json:"uptime,omitempty"`
	Checks    map[string]*Result `json:"checks,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

func (pm *ProbeManager) result(status Status, checks map[string]*Result) *ProbeResult {
	return &ProbeResult{
		Status:    status,
		Version:   pm.version,
		Uptime:    pm.Uptime().Round(time.Second).String(),
		Checks:    checks,
		Timestamp: time.Now(),
	}
}

// CheckLiveness reports whether the process is responsive. It runs no
// dependency checks; a shutting-down process is degraded but alive.
func (pm *ProbeManager) CheckLiveness(_ context.Context) *ProbeResult {
	status := StatusHealthy
	if pm.IsShuttingDown() {
		status = StatusDegraded
	}
	return pm.result(status, nil)
}

// CheckReadiness runs every dependency check unless the process is shutting down.
func (pm *ProbeManager) CheckReadiness(ctx context.Context) *ProbeResult {
	if pm.IsShuttingDown() {
		return pm.result(StatusUnhealthy, nil)
	}

	checks := pm.Manager.Check(ctx)
	return pm.result(OverallStatus(checks), checks)
}

// CheckStartup reports whether initialization has finished.
func (pm *ProbeManager) CheckStartup(_ context.Context) *ProbeResult {
	status := StatusUnhealthy
	if pm.IsInitialized() {
		status = StatusHealthy
	}
	return pm.result(status, nil)
}
