package log

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/felixgeelhaar/runenv/internal/errors"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("failed to decode log line %q: %v", buf.String(), err)
	}
	return entry
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"verbose", LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseFormat(t *testing.T) {
	if ParseFormat("console") != FormatText {
		t.Error("console should map to text")
	}
	if ParseFormat("anything") != FormatJSON {
		t.Error("unknown formats should default to json")
	}
}

func TestLoggerWritesComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Format: FormatJSON, Output: &buf, Component: "cache"})

	logger.Info("resolved", "fingerprint", "abc")

	entry := decodeLine(t, &buf)
	if entry["component"] != "cache" {
		t.Errorf("expected component=cache, got %v", entry["component"])
	}
	if entry["fingerprint"] != "abc" {
		t.Errorf("expected fingerprint=abc, got %v", entry["fingerprint"])
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Format: FormatText, Output: &buf})

	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}

	logger.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Errorf("warn should be written, got %q", buf.String())
	}

	if logger.Enabled(context.Background(), LevelDebug) {
		t.Error("debug should not be enabled at warn level")
	}
}

func TestWithErrorCodedError(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelDebug, Format: FormatJSON, Output: &buf})

	err := errors.NewSetupFailureError("fp", "pip", "ERROR: No matching distribution found", fmt.Errorf("exit status 1"))
	logger.WithError(fmt.Errorf("prepare: %w", err)).Error("setup failed")

	entry := decodeLine(t, &buf)
	if entry["error_code"] != string(errors.ErrCodeSetupFailure) {
		t.Errorf("expected error_code %s, got %v", errors.ErrCodeSetupFailure, entry["error_code"])
	}
	if entry["detail"] != "ERROR: No matching distribution found" {
		t.Errorf("expected verbatim detail, got %v", entry["detail"])
	}
	if entry["cause"] != "exit status 1" {
		t.Errorf("expected cause, got %v", entry["cause"])
	}
}

func TestWithErrorPlainAndNil(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelDebug, Format: FormatJSON, Output: &buf})

	if logger.WithError(nil) != logger {
		t.Error("WithError(nil) should return the same logger")
	}

	logger.WithError(fmt.Errorf("boom")).Info("x")
	entry := decodeLine(t, &buf)
	if entry["error"] != "boom" {
		t.Errorf("expected error=boom, got %v", entry["error"])
	}
}

func TestDefaultLogger(t *testing.T) {
	custom := Discard()
	SetDefaultLogger(custom)
	t.Cleanup(func() { SetDefaultLogger(nil) })

	if DefaultLogger() != custom {
		t.Error("DefaultLogger should return the configured logger")
	}
}
