package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/runenv/internal/config"
	"github.com/felixgeelhaar/runenv/internal/errors"
	"github.com/felixgeelhaar/runenv/internal/journal"
	"github.com/felixgeelhaar/runenv/internal/version"
)

func setupHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv(config.EnvHome, home)
	t.Setenv(config.EnvLogLevel, "error")
	return home
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := NewRootCommand()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&errOut)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestValidate(t *testing.T) {
	setupHome(t)
	good := writeFile(t, "good.yaml", "pip: [requests]\nconfig:\n  setup_timeout_seconds: 30\n")
	bad := writeFile(t, "bad.yaml", "pip: [requests]\nconda: base\n")

	out, err := run(t, "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "ok")

	out, err = run(t, "validate", "--format", "json", good, bad)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidSpec))

	var results []ValidateResult
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 2)
	assert.True(t, results[0].Valid)
	assert.Len(t, results[0].Fingerprint, 64)
	assert.False(t, results[1].Valid)
	assert.Equal(t, string(errors.ErrCodeInvalidSpec), results[1].Code)
}

func TestValidateRejectsFloatTimeout(t *testing.T) {
	setupHome(t)
	bad := writeFile(t, "env.json", `{"pip": ["requests"], "config": {"setup_timeout_seconds": 10.0}}`)

	_, err := run(t, "validate", bad)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConfigValidation), "got %v", err)
}

func TestFingerprintIgnoresConfigAndForm(t *testing.T) {
	setupHome(t)
	a := writeFile(t, "a.yaml", "pip: [requests]\nconfig:\n  setup_timeout_seconds: 5\n")
	b := writeFile(t, "b.json", `{"pip": {"packages": ["requests"]}}`)

	outA, err := run(t, "fingerprint", a)
	require.NoError(t, err)
	outB, err := run(t, "fingerprint", b)
	require.NoError(t, err)
	assert.Equal(t, outA, outB)
	assert.Len(t, strings.TrimSpace(outA), 64)
}

func TestResolveWithoutPackageManagers(t *testing.T) {
	setupHome(t)
	workDir := t.TempDir()
	job := writeFile(t, "job.yaml", "env_vars:\n  FROM_JOB: \"1\"\n")
	call := writeFile(t, "call.yaml", "working_dir: "+workDir+"\nenv_vars:\n  FROM_CALL: \"2\"\n")

	out, err := run(t, "resolve", "--format", "json", "--job", job, call)
	require.NoError(t, err)

	var result ResolveResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Len(t, result.Fingerprint, 64)
	assert.DirExists(t, result.EnvDir)
	assert.FileExists(t, result.Manifest)
	assert.Equal(t, workDir, result.WorkingDir)
	// the call's env_vars replace the job's
	assert.Equal(t, map[string]string{"FROM_CALL": "2"}, result.EnvVars)

	out, err = run(t, "resolve", "--print-env", call)
	require.NoError(t, err)
	assert.Contains(t, out, "FROM_CALL=2\n")
	assert.Contains(t, out, "RUNENV_FINGERPRINT="+result.Fingerprint+"\n")
}

func TestResolveMissingWorkingDirFails(t *testing.T) {
	setupHome(t)
	call := writeFile(t, "call.yaml", "working_dir: /definitely/not/here\n")

	_, err := run(t, "resolve", call)
	assert.True(t, errors.IsCode(err, errors.ErrCodeSetupFailure), "got %v", err)
}

func TestConfigInitAndView(t *testing.T) {
	home := setupHome(t)

	out, err := run(t, "config", "path")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "config.yaml")+"\n", out)

	_, err = run(t, "config", "init")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(home, "config.yaml"))

	_, err = run(t, "config", "init")
	assert.Error(t, err)
	_, err = run(t, "config", "init", "--force")
	assert.NoError(t, err)

	t.Setenv(config.EnvBadEnvCacheTTL, "90")
	out, err = run(t, "config", "view")
	require.NoError(t, err)
	assert.Contains(t, out, "bad_env_cache_ttl: 1m30s")
}

func TestDoctorReportsMissingPython(t *testing.T) {
	setupHome(t)
	t.Setenv(config.EnvPythonBinary, "runenv-test-missing-python")
	t.Setenv(config.EnvCondaBinary, "runenv-test-missing-conda")
	t.Setenv(config.EnvDockerBinary, "runenv-test-missing-docker")

	out, err := run(t, "doctor", "--format", "json")
	require.Error(t, err)

	var report DoctorReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "unhealthy", string(report.Status))
	assert.Equal(t, "healthy", string(report.Checks["env-cache-dir"].Status))
	assert.Equal(t, "unhealthy", string(report.Checks["runenv-test-missing-python-binary"].Status))
	assert.Equal(t, "degraded", string(report.Checks["runenv-test-missing-conda-binary"].Status))
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "runenv "+version.GetInfo().Short()+"\n", out)

	out, err = run(t, "version", "--format", "json")
	require.NoError(t, err)
	var info version.Info
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, version.Version, info.Version)
}

func TestInvalidFormat(t *testing.T) {
	setupHome(t)
	_, err := run(t, "validate", "--format", "xml", writeFile(t, "env.yaml", "{}\n"))
	assert.ErrorContains(t, err, "--format")
}

func TestInvalidSettingsFile(t *testing.T) {
	setupHome(t)
	cfg := writeFile(t, "config.yaml", "bad_env_cache_ttl: -1s\n")

	_, err := run(t, "--config", cfg, "validate", writeFile(t, "env.yaml", "{}\n"))
	assert.True(t, errors.IsCode(err, errors.ErrCodeSettingsInvalid), "got %v", err)
}

func TestDoctorTextOutput(t *testing.T) {
	setupHome(t)
	t.Setenv(config.EnvPythonBinary, "runenv-test-missing-python")

	out, err := run(t, "doctor")
	require.Error(t, err)
	assert.Contains(t, out, "runenv doctor")
	assert.Contains(t, out, "env-cache-dir")
	assert.Contains(t, out, "Overall: ")
	assert.Contains(t, out, "unhealthy")
}

func TestEventsAfterResolve(t *testing.T) {
	setupHome(t)

	out, err := run(t, "events")
	require.NoError(t, err)
	assert.Equal(t, "no events\n", out)

	call := writeFile(t, "call.yaml", "env_vars:\n  A: \"1\"\n")
	out, err = run(t, "resolve", "--format", "json", call)
	require.NoError(t, err)
	var result ResolveResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))

	out, err = run(t, "events", "--format", "json", "--fingerprint", result.Fingerprint)
	require.NoError(t, err)
	var events []journal.Event
	require.NoError(t, json.Unmarshal([]byte(out), &events))
	require.Len(t, events, 2)
	assert.Equal(t, journal.EventSetupStarted, events[0].Type)
	assert.Equal(t, journal.EventSetupSucceeded, events[1].Type)

	out, err = run(t, "events", "--type", "setup_succeeded")
	require.NoError(t, err)
	assert.Contains(t, out, result.Fingerprint[:12])
	assert.Contains(t, out, "setup succeeded")
}
