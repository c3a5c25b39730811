package journal

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/runenv/internal/errors"
)

// EventType is the kind of lifecycle transition an Event records.
type EventType string

const (
	EventJobStarted     EventType = "job_started"
	EventJobEnded       EventType = "job_ended"
	EventSetupStarted   EventType = "setup_started"
	EventSetupSucceeded EventType = "setup_succeeded"
	EventSetupFailed    EventType = "setup_failed"
	EventWaitTimedOut   EventType = "wait_timed_out"
	EventFailureExpired EventType = "failure_expired"
	EventEnvReleased    EventType = "env_released"
)

// Event is one line of the journal.
type Event struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	Level       string         `json:"level"`
	Message     string         `json:"message"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	JobID       string         `json:"job_id,omitempty"`
	Data        map[string]any `json:"data,omitempty"`

	// Duration is set on events that close a setup.
	Duration *time.Duration `json:"duration_ns,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// NewEvent creates an event stamped with the current time.
func NewEvent(eventType EventType, message string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Level:     inferLevel(eventType),
		Message:   message,
	}
}

// ForEnv sets the fingerprint.
func (e *Event) ForEnv(fingerprint string) *Event {
	e.Fingerprint = fingerprint
	return e
}

// ForJob sets the job ID.
func (e *Event) ForJob(jobID string) *Event {
	e.JobID = jobID
	return e
}

// WithData adds a structured field.
func (e *Event) WithData(key string, value any) *Event {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	e.Data[key] = value
	return e
}

// WithError records err and raises the level to error.
func (e *Event) WithError(err error) *Event {
	if err != nil {
		e.Error = err.Error()
		e.ErrorCode = string(errors.CodeOf(err))
		e.Level = "error"
	}
	return e
}

func (e *Event) WithDuration(d time.Duration) *Event {
	e.Duration = &d
	return e
}

// MarshalLine encodes the event as a single JSON line without the newline.
func (e *Event) MarshalLine() ([]byte, error) {
	return json.Marshal(e)
}

// ParseEvent decodes one journal line.
func ParseEvent(data []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

func inferLevel(eventType EventType) string {
	switch eventType {
	case EventSetupFailed:
		return "error"
	case EventWaitTimedOut:
		return "warning"
	default:
		return "info"
	}
}
