package health

import (
	"context"
	"os"
	"path/filepath"

	"github.com/felixgeelhaar/runenv/internal/errors"
	"github.com/felixgeelhaar/runenv/internal/exec"
)

// ToolChecker checks that a package manager binary answers its version command.
type ToolChecker struct {
	runner   exec.CommandRunner
	tool     exec.Tool
	required bool
}

// NewToolChecker creates a checker for tool. A missing required tool is
// unhealthy; a missing optional one only degrades the agent.
func NewToolChecker(runner exec.CommandRunner, tool exec.Tool, required bool) *ToolChecker {
	return &ToolChecker{runner: runner, tool: tool, required: required}
}

// Name returns the name of this health check.
func (c *ToolChecker) Name() string {
	return filepath.Base(c.tool.Name) + "-binary"
}

// Check runs the tool's version command.
func (c *ToolChecker) Check(ctx context.Context) *Result {
	version, err := exec.ToolVersion(ctx, c.runner, c.tool)
	if err != nil {
		result := Degraded(c.tool.Name + " is not available")
		if c.required {
			result = Unhealthy(c.tool.Name + " is not available")
		}
		result.WithDetail("error", err.Error())
		if code := errors.CodeOf(err); code != "" {
			result.WithDetail("error_code", string(code))
		}
		return result
	}

	return Healthy(c.tool.Name+" is available").
		WithDetail("version", version)
}

// CacheDirChecker checks that the environment root is writable.
type CacheDirChecker struct {
	dir string
}

// NewCacheDirChecker creates a checker for the environment root dir.
func NewCacheDirChecker(dir string) *CacheDirChecker {
	return &CacheDirChecker{dir: dir}
}

// Name returns the name of this health check.
func (c *CacheDirChecker) Name() string {
	return "env-cache-dir"
}

// Check creates and removes a probe file under the directory.
func (c *CacheDirChecker) Check(_ context.Context) *Result {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return Unhealthy("cannot create runtime env directory").
			WithDetail("dir", c.dir).
			WithDetail("error", err.Error())
	}

	f, err := os.CreateTemp(c.dir, ".probe-*")
	if err != nil {
		return Unhealthy("runtime env directory is not writable").
			WithDetail("dir", c.dir).
			WithDetail("error", err.Error())
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)

	return Healthy("runtime env directory is writable").WithDetail("dir", c.dir)
}
