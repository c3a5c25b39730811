package cmd

import (
	"fmt"
	"strings"

	"github.com/felixgeelhaar/runenv/internal/errors"
)

// ErrorWithSuggestion wraps an error with actionable recovery suggestions
type ErrorWithSuggestion struct {
	Message     string
	Suggestions []string
	err         error
}

func (e *ErrorWithSuggestion) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)

	if e.err != nil {
		b.WriteString(": ")
		b.WriteString(e.err.Error())
	}

	if len(e.Suggestions) > 0 {
		b.WriteString("\n\nSuggestions:")
		for _, s := range e.Suggestions {
			b.WriteString("\n  • ")
			b.WriteString(s)
		}
	}

	return b.String()
}

func (e *ErrorWithSuggestion) Unwrap() error {
	return e.err
}

// NewErrorWithSuggestions creates an error with recovery suggestions
func NewErrorWithSuggestions(msg string, err error, suggestions ...string) error {
	return &ErrorWithSuggestion{
		Message:     msg,
		Suggestions: suggestions,
		err:         err,
	}
}

// ServerStartError explains a listener that could not start.
func ServerStartError(address string, err error) error {
	return NewErrorWithSuggestions(
		fmt.Sprintf("Failed to serve on %s", address),
		err,
		"Check that no other process listens on the address",
		"Choose another address: runenv serve --address 127.0.0.1:9000",
		"Or set server.address in the settings file (runenv config path)",
	)
}

// UnhealthyError is returned by doctor when a required dependency is missing.
func UnhealthyError(failed []string) error {
	return NewErrorWithSuggestions(
		fmt.Sprintf("runenv is not ready: %s", strings.Join(failed, ", ")),
		nil,
		"Install the missing tools or point tools.* in the settings file at them",
		"Check the cache directory permissions (cache_dir)",
	)
}

func errorCode(err error) errors.ErrorCode {
	return errors.CodeOf(err)
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(strings.TrimRight(s, "\n"), "\n", "\n  ")
}
