// Package exitcode maps errors to process exit codes for the runenv CLI.
package exitcode

import (
	"context"
	stderrors "errors"
	"os"
	"strings"

	"github.com/felixgeelhaar/runenv/internal/errors"
)

// Exit codes for consistent error handling across the CLI
const (
	Success = 0

	// GeneralError indicates an error without a more specific code
	GeneralError = 1

	// UsageError indicates invalid command usage (bad flags, missing args, etc.)
	UsageError = 2

	// InvalidSpec indicates a runtime env or its config was rejected
	InvalidSpec = 3

	// SetupFailed indicates a package manager step failed
	SetupFailed = 4

	// Timeout indicates a setup or wait timeout expired
	Timeout = 5

	// ToolMissing indicates a required binary is not installed
	ToolMissing = 6

	// IOError indicates a file or directory could not be read or written
	IOError = 7

	// Interrupted indicates the command was cancelled by a signal
	Interrupted = 130
)

// Exit terminates the program with the given exit code
func Exit(code int) {
	os.Exit(code)
}

// ExitWithError exits with an appropriate code based on error type
func ExitWithError(err error) {
	Exit(DetermineExitCode(err))
}

// DetermineExitCode picks an exit code from the error's code, falling back to
// cobra's usage messages for uncoded errors.
func DetermineExitCode(err error) int {
	if err == nil {
		return Success
	}
	if stderrors.Is(err, context.Canceled) {
		return Interrupted
	}

	code := errors.CodeOf(err)
	switch {
	case code == errors.ErrCodeSetupFailure:
		return SetupFailed
	case code == errors.ErrCodeSetupTimeout || code == errors.ErrCodeWaitTimeout:
		return Timeout
	case code == errors.ErrCodeToolNotFound:
		return ToolMissing
	case code == errors.ErrCodeSetupCancelled:
		return Interrupted
	case code == errors.ErrCodeSettingsInvalid:
		return UsageError
	case strings.HasPrefix(string(code), "ENV-") || strings.HasPrefix(string(code), "CONFIG-"):
		return InvalidSpec
	case strings.HasPrefix(string(code), "IO-"):
		return IOError
	case code != "":
		return GeneralError
	}

	errMsg := strings.ToLower(err.Error())
	for _, usage := range []string{"unknown command", "unknown flag", "unknown shorthand flag", "required flag", "accepts ", "requires at least", "invalid argument"} {
		if strings.Contains(errMsg, usage) {
			return UsageError
		}
	}
	return GeneralError
}

// GetExitCodeDescription returns a human-readable description of an exit code
func GetExitCodeDescription(code int) string {
	switch code {
	case Success:
		return "Success"
	case GeneralError:
		return "General error"
	case UsageError:
		return "Usage error (invalid flags, arguments or settings)"
	case InvalidSpec:
		return "Invalid runtime env"
	case SetupFailed:
		return "Runtime env setup failed"
	case Timeout:
		return "Timed out"
	case ToolMissing:
		return "Required tool not found"
	case IOError:
		return "File system error"
	case Interrupted:
		return "Interrupted"
	default:
		return "Unknown error"
	}
}
