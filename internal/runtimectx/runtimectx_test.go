package runtimectx

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/runenv/internal/exec"
)

func TestGetEffectiveOverrideWins(t *testing.T) {
	ambient := map[string]any{
		"env_vars":    map[string]any{"A": "job"},
		"working_dir": "/job",
	}
	override := map[string]any{
		"env_vars": map[string]any{"B": "call"},
	}

	got := GetEffective(ambient, override)
	assert.Equal(t, map[string]any{
		"env_vars":    map[string]any{"B": "call"},
		"working_dir": "/job",
	}, got)
}

func TestGetEffectiveReturnsIndependentSnapshots(t *testing.T) {
	ambient := map[string]any{"pip": []any{"requests"}, "env_vars": map[string]any{"A": "1"}}
	override := map[string]any{"env_vars": map[string]any{"A": "2"}}

	first := GetEffective(ambient, override)
	second := GetEffective(ambient, override)
	assert.Equal(t, first, second)

	first["env_vars"].(map[string]any)["A"] = "mutated"
	first["pip"].([]any)[0] = "mutated"
	first["new"] = true

	assert.Equal(t, "2", second["env_vars"].(map[string]any)["A"])
	assert.Equal(t, "requests", second["pip"].([]any)[0])
	assert.NotContains(t, second, "new")

	assert.Equal(t, "2", override["env_vars"].(map[string]any)["A"])
	assert.Equal(t, "requests", ambient["pip"].([]any)[0])
}

func TestGetEffectiveWithoutOverrideCopies(t *testing.T) {
	ambient := map[string]any{"env_vars": map[string]any{"A": "1"}}

	got := GetEffective(ambient, nil)
	got["env_vars"].(map[string]any)["A"] = "changed"

	assert.Equal(t, "1", ambient["env_vars"].(map[string]any)["A"])
}

func TestContextRuntimeEnv(t *testing.T) {
	job := map[string]any{"env_vars": map[string]any{"A": "job"}, "config": map[string]any{"setup_timeout_seconds": 600}}
	call := map[string]any{"config": map[string]any{"setup_timeout_seconds": 10}}

	rc := New("job-1", job, call)
	job["env_vars"].(map[string]any)["A"] = "changed after start"

	env := rc.RuntimeEnv()
	assert.Equal(t, "job", env["env_vars"].(map[string]any)["A"])
	assert.Equal(t, 10, rc.Config()["setup_timeout_seconds"])

	env["config"].(map[string]any)["setup_timeout_seconds"] = 1
	assert.Equal(t, 10, rc.Config()["setup_timeout_seconds"])

	assert.Equal(t, 600, rc.JobRuntimeEnv()["config"].(map[string]any)["setup_timeout_seconds"])
}

func TestWithContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	ctx := WithContext(context.Background(), New("job-1", map[string]any{"working_dir": "/w"}, nil))
	rc, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "job-1", rc.JobID)
	assert.Equal(t, "/w", rc.RuntimeEnv()["working_dir"])
}

func TestEnviron(t *testing.T) {
	rc := New("job-1", nil, nil)
	ready := &exec.Context{
		Fingerprint: "abc",
		PathPrefix:  []string{"/envs/abc/virtualenv/bin"},
		EnvVars:     map[string]string{"VIRTUAL_ENV": "/envs/abc/virtualenv", "HOME": "/override"},
	}

	sep := string(os.PathListSeparator)
	got := rc.Environ([]string{"PATH=/usr/bin", "HOME=/root", "malformed"}, ready)
	assert.Equal(t, []string{
		"PATH=/envs/abc/virtualenv/bin" + sep + "/usr/bin",
		"HOME=/override",
		"VIRTUAL_ENV=/envs/abc/virtualenv",
		"RUNENV_FINGERPRINT=abc",
		"RUNENV_JOB_ID=job-1",
	}, got)
}

func TestEnvironJoinsPathWithListSeparator(t *testing.T) {
	ready := &exec.Context{
		Fingerprint: "abc",
		PathPrefix:  []string{"/envs/abc/conda/bin", "/envs/abc/extra/bin"},
	}

	got := New("", nil, nil).Environ([]string{"PATH=/usr/bin"}, ready)
	require.NotEmpty(t, got)
	path := strings.TrimPrefix(got[0], "PATH=")
	assert.Equal(t, []string{"/envs/abc/conda/bin", "/envs/abc/extra/bin", "/usr/bin"},
		strings.Split(path, string(os.PathListSeparator)))

	got = New("", nil, nil).Environ(nil, ready)
	assert.Contains(t, got, "PATH=/envs/abc/conda/bin"+string(os.PathListSeparator)+"/envs/abc/extra/bin")
}

func TestEnvironWithoutHandle(t *testing.T) {
	got := Context{}.Environ([]string{"A=1"}, nil)
	assert.Equal(t, []string{"A=1"}, got)
}
