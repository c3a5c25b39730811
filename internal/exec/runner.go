package exec

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/felixgeelhaar/runenv/internal/errors"
)

// CommandRunner runs setup steps. A non-zero exit is reported through
// Result.ExitCode; the error return is reserved for steps that could not run
// at all or were interrupted by ctx.
type CommandRunner interface {
	Run(ctx context.Context, step Step) (*Result, error)
}

// OSRunner runs steps as local processes.
type OSRunner struct{}

// Run executes step and captures its combined output.
func (OSRunner) Run(ctx context.Context, step Step) (*Result, error) {
	startTime := time.Now()

	cmd := exec.CommandContext(ctx, step.Name, step.Args...)
	cmd.Dir = step.Dir
	if len(step.Env) > 0 {
		cmd.Env = os.Environ()
		for key, value := range step.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
		}
	}

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !stderrors.As(err, &exitErr) {
			if stderrors.Is(err, exec.ErrNotFound) {
				return nil, errors.NewToolNotFoundError(step.Name, err)
			}
			return nil, fmt.Errorf("failed to execute %s: %w", step.Name, err)
		}
		exitCode = exitErr.ExitCode()
	}

	return &Result{
		ExitCode: exitCode,
		Output:   output.String(),
		Duration: time.Since(startTime),
	}, nil
}
