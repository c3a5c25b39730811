package health_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/runenv/internal/exec"
	"github.com/felixgeelhaar/runenv/internal/exec/exectest"
	"github.com/felixgeelhaar/runenv/internal/health"
)

type stubChecker struct {
	name   string
	result *health.Result
	delay  time.Duration
}

func (s *stubChecker) Name() string { return s.name }

func (s *stubChecker) Check(ctx context.Context) *health.Result {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
		}
	}
	return s.result
}

func TestManagerCheck(t *testing.T) {
	m := health.NewManager()
	m.AddChecker(&stubChecker{name: "a", result: health.Healthy("ok")})
	m.AddChecker(&stubChecker{name: "b", result: health.Degraded("meh")})

	results := m.Check(context.Background())
	require.Len(t, results, 2)
	assert.Equal(t, health.StatusHealthy, results["a"].Status)
	assert.Equal(t, health.StatusDegraded, results["b"].Status)
	assert.Equal(t, health.StatusDegraded, health.OverallStatus(results))
	assert.Equal(t, []string{"a", "b"}, m.CheckNames())
}

func TestManagerTimeout(t *testing.T) {
	m := health.NewManager().WithTimeout(20 * time.Millisecond)
	m.AddChecker(&stubChecker{name: "slow", result: health.Healthy("late"), delay: time.Second})

	results := m.Check(context.Background())
	require.Contains(t, results, "slow")
	assert.Equal(t, health.StatusUnhealthy, results["slow"].Status)
	assert.Equal(t, "check timed out", results["slow"].Message)
}

func TestOverallStatus(t *testing.T) {
	assert.Equal(t, health.StatusHealthy, health.OverallStatus(nil))
	assert.Equal(t, health.StatusUnhealthy, health.OverallStatus(map[string]*health.Result{
		"a": health.Degraded("x"),
		"b": health.Unhealthy("y"),
	}))
}

func TestProbes(t *testing.T) {
	pm := health.NewProbeManager("1.2.3")
	pm.AddChecker(&stubChecker{name: "dep", result: health.Healthy("ok")})
	ctx := context.Background()

	assert.Equal(t, health.StatusUnhealthy, pm.CheckStartup(ctx).Status)
	pm.MarkInitialized()
	assert.Equal(t, health.StatusHealthy, pm.CheckStartup(ctx).Status)

	ready := pm.CheckReadiness(ctx)
	assert.Equal(t, health.StatusHealthy, ready.Status)
	assert.Contains(t, ready.Checks, "dep")
	assert.Equal(t, "1.2.3", ready.Version)

	assert.Equal(t, health.StatusHealthy, pm.CheckLiveness(ctx).Status)

	pm.MarkShutdown()
	assert.True(t, pm.IsShuttingDown())
	assert.Equal(t, health.StatusUnhealthy, pm.CheckReadiness(ctx).Status)
	assert.Equal(t, health.StatusDegraded, pm.CheckLiveness(ctx).Status)
}

func TestToolChecker(t *testing.T) {
	runner := exectest.NewFakeRunner().
		On("conda --version", exectest.Response{Output: "conda 24.1.2\n"}).
		On("docker version", exectest.Response{ExitCode: 1, Output: "Cannot connect to the Docker daemon"})
	ctx := context.Background()

	conda := health.NewToolChecker(runner, exec.Tool{Name: "conda", VersionArgs: []string{"--version"}}, true)
	assert.Equal(t, "conda-binary", conda.Name())
	res := conda.Check(ctx)
	assert.Equal(t, health.StatusHealthy, res.Status)
	assert.Equal(t, "conda 24.1.2", res.Details["version"])

	dockerTool := exec.Tool{Name: "docker", VersionArgs: []string{"version"}}

	optional := health.NewToolChecker(runner, dockerTool, false).Check(ctx)
	assert.Equal(t, health.StatusDegraded, optional.Status)
	assert.Equal(t, "SETUP-003", optional.Details["error_code"])

	required := health.NewToolChecker(runner, dockerTool, true).Check(ctx)
	assert.Equal(t, health.StatusUnhealthy, required.Status)
}

func TestCacheDirChecker(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "envs")

	res := health.NewCacheDirChecker(dir).Check(context.Background())
	assert.Equal(t, health.StatusHealthy, res.Status)
	assert.DirExists(t, dir)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	res = health.NewCacheDirChecker(filepath.Join(file, "envs")).Check(context.Background())
	assert.Equal(t, health.StatusUnhealthy, res.Status)
}
