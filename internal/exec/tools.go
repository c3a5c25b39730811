package exec

import (
	"context"
	"strings"

	"github.com/felixgeelhaar/runenv/internal/errors"
)

// Tool describes a package manager binary and how to ask it for its version.
type Tool struct {
	Name        string
	VersionArgs []string
}

// Tools returns the binaries the executor may invoke.
func (e *Executor) Tools() []Tool {
	return []Tool{
		{Name: e.Conda, VersionArgs: []string{"--version"}},
		{Name: e.Python, VersionArgs: []string{"--version"}},
		{Name: e.Docker, VersionArgs: []string{"version", "--format", "{{.Server.Version}}"}},
	}
}

// ToolVersion runs the tool's version command and returns its first output line.
func ToolVersion(ctx context.Context, runner CommandRunner, tool Tool) (string, error) {
	res, err := runner.Run(ctx, Step{Plugin: "doctor", Name: tool.Name, Args: tool.VersionArgs})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", errors.New(errors.ErrCodeToolNotFound, tool.Name+" is not usable").
			WithDetail(res.Output)
	}
	version, _, _ := strings.Cut(strings.TrimSpace(res.Output), "\n")
	return version, nil
}
