package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

// Error categories
const (
	// Runtime env spec errors (ENV-001 to ENV-099)
	ErrCodeInvalidSpec     ErrorCode = "ENV-001"
	ErrCodeSpecNotFound    ErrorCode = "ENV-002"
	ErrCodeSpecUnmarshal   ErrorCode = "ENV-003"
	ErrCodeUnknownEnv      ErrorCode = "ENV-004"
	ErrCodeFingerprintFail ErrorCode = "ENV-005"
	ErrCodeUnknownJob      ErrorCode = "ENV-006"

	// Runtime env config errors (CONFIG-001 to CONFIG-099)
	ErrCodeConfigValidation ErrorCode = "CONFIG-001"
	ErrCodeSettingsInvalid  ErrorCode = "CONFIG-002"

	// Setup errors (SETUP-001 to SETUP-099)
	ErrCodeSetupFailure   ErrorCode = "SETUP-001"
	ErrCodeSetupTimeout   ErrorCode = "SETUP-002"
	ErrCodeToolNotFound   ErrorCode = "SETUP-003"
	ErrCodeWaitTimeout    ErrorCode = "SETUP-004"
	ErrCodeSetupCancelled ErrorCode = "SETUP-005"

	// File I/O errors (IO-001 to IO-099)
	ErrCodeFileNotFound    ErrorCode = "IO-001"
	ErrCodeFileReadFailed  ErrorCode = "IO-002"
	ErrCodeFileWriteFailed ErrorCode = "IO-003"
	ErrCodeDirectoryFailed ErrorCode = "IO-004"
)

const docsBase = "https://github.com/felixgeelhaar/runenv#"

// EnvError is a coded error with an optional verbatim detail, suggestions and a docs link.
type EnvError struct {
	Code    ErrorCode
	Message string
	// Detail holds diagnostic text exactly as produced by an external tool.
	Detail      string
	Suggestions []string
	DocsURL     string
	Cause       error
}

// Error implements the error interface
func (e *EnvError) Error() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if e.Cause != nil {
		b.WriteString(fmt.Sprintf(": %v", e.Cause))
	}

	if e.Detail != "" {
		b.WriteString("\n\n")
		b.WriteString(e.Detail)
	}

	if len(e.Suggestions) > 0 {
		b.WriteString("\n\nSuggestions:")
		for _, suggestion := range e.Suggestions {
			b.WriteString(fmt.Sprintf("\n  • %s", suggestion))
		}
	}

	if e.DocsURL != "" {
		b.WriteString(fmt.Sprintf("\n\nDocumentation: %s", e.DocsURL))
	}

	return b.String()
}

// Unwrap implements error unwrapping for errors.Is and errors.As
func (e *EnvError) Unwrap() error {
	return e.Cause
}

// New creates a new EnvError
func New(code ErrorCode, message string) *EnvError {
	return &EnvError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new EnvError wrapping an existing error
func Wrap(code ErrorCode, message string, cause error) *EnvError {
	return &EnvError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// WithDetail attaches verbatim diagnostic output.
func (e *EnvError) WithDetail(detail string) *EnvError {
	e.Detail = detail
	return e
}

// WithSuggestion adds a suggestion to the error
func (e *EnvError) WithSuggestion(suggestion string) *EnvError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

// WithSuggestions adds multiple suggestions to the error
func (e *EnvError) WithSuggestions(suggestions ...string) *EnvError {
	e.Suggestions = append(e.Suggestions, suggestions...)
	return e
}

// WithDocs adds a documentation URL to the error
func (e *EnvError) WithDocs(url string) *EnvError {
	e.DocsURL = url
	return e
}

// CodeOf returns the code of the first EnvError in err's chain, or "" if there is none.
func CodeOf(err error) ErrorCode {
	var envErr *EnvError
	if stderrors.As(err, &envErr) {
		return envErr.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsValidation reports whether err was produced by spec or config validation.
// Validation errors are never cached.
func IsValidation(err error) bool {
	switch CodeOf(err) {
	case ErrCodeInvalidSpec, ErrCodeConfigValidation:
		return true
	}
	return false
}

// NewInvalidSpecError creates a malformed runtime env error
func NewInvalidSpecError(format string, args ...any) *EnvError {
	return New(ErrCodeInvalidSpec, "invalid runtime_env: "+fmt.Sprintf(format, args...)).
		WithSuggestion("Run 'runenv validate -f <file>' to check the runtime env").
		WithDocs(docsBase + "runtime-env-fields")
}

// NewConfigValidationError creates a runtime env config error
func NewConfigValidationError(format string, args ...any) *EnvError {
	return New(ErrCodeConfigValidation, "invalid runtime_env config: "+fmt.Sprintf(format, args...)).
		WithSuggestion("setup_timeout_seconds must be an integer: -1 (no timeout) or greater than 0").
		WithDocs(docsBase + "runtime-env-config")
}

// NewSetupFailureError creates a setup failure carrying the tool output verbatim.
func NewSetupFailureError(fingerprint, step, output string, cause error) *EnvError {
	return Wrap(ErrCodeSetupFailure,
		fmt.Sprintf("failed to set up runtime env %s during %s", shortFingerprint(fingerprint), step), cause).
		WithDetail(output)
}

// NewSetupTimeoutError creates a setup timeout error.
func NewSetupTimeoutError(fingerprint string, timeout time.Duration) *EnvError {
	return New(ErrCodeSetupTimeout,
		fmt.Sprintf("runtime env %s setup timed out after %s", shortFingerprint(fingerprint), timeout)).
		WithSuggestion("Increase config.setup_timeout_seconds, or set it to -1 to disable the timeout")
}

// NewWaitTimeoutError is returned to a caller whose own wait budget ran out.
// The shared setup keeps running for the other callers.
func NewWaitTimeoutError(fingerprint string, timeout time.Duration) *EnvError {
	return New(ErrCodeWaitTimeout,
		fmt.Sprintf("timed out after %s waiting for runtime env %s", timeout, shortFingerprint(fingerprint)))
}

// NewToolNotFoundError creates an error for a missing package manager binary
func NewToolNotFoundError(tool string, cause error) *EnvError {
	return Wrap(ErrCodeToolNotFound, fmt.Sprintf("%s is not available", tool), cause).
		WithSuggestion(fmt.Sprintf("Install %s or add it to PATH", tool)).
		WithSuggestion("Run 'runenv doctor' to check package manager availability")
}

// NewUnknownEnvError is returned for a fingerprint the cache does not hold.
func NewUnknownEnvError(fingerprint string) *EnvError {
	return New(ErrCodeUnknownEnv, fmt.Sprintf("runtime env %s is not known", shortFingerprint(fingerprint))).
		WithSuggestion("List cached runtime envs with 'GET /v1/runtime-envs'")
}

// NewUnknownJobError is returned for a job that was never started.
func NewUnknownJobError(jobID string) *EnvError {
	return New(ErrCodeUnknownJob, fmt.Sprintf("job %q has not been started", jobID))
}

// NewSpecNotFoundError creates a runtime env file not found error
func NewSpecNotFoundError(path string) *EnvError {
	return New(ErrCodeSpecNotFound, fmt.Sprintf("runtime env file not found: %s", path)).
		WithSuggestion("Check if the file path is correct")
}

// NewFileUnmarshalError creates an unmarshal error
func NewFileUnmarshalError(path string, format string, cause error) *EnvError {
	return Wrap(ErrCodeSpecUnmarshal, fmt.Sprintf("failed to parse %s file: %s", format, path), cause).
		WithSuggestion("Check the file syntax and format").
		WithSuggestion(fmt.Sprintf("Ensure the file is valid %s", format))
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
