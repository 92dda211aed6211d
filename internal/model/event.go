package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType categorizes a run lifecycle notification.
type EventType string

const (
	// Lifecycle events.
	EventRunQueued        EventType = "RunQueued"
	EventRunStarted       EventType = "RunStarted"
	EventRunSucceeded     EventType = "RunSucceeded"
	EventRunFailed        EventType = "RunFailed"
	EventRunCancelled     EventType = "RunCancelled"
	EventApprovalRequired EventType = "ApprovalRequired"
	EventApprovalResolved EventType = "ApprovalResolved"

	// Provider interaction events.
	EventStepCompleted EventType = "StepCompleted"
	EventProviderError EventType = "ProviderError"
)

// Terminal reports whether the event marks the end of a run's lifecycle.
// SSE streams close after delivering a terminal event.
func (t EventType) Terminal() bool {
	switch t {
	case EventRunSucceeded, EventRunFailed, EventRunCancelled:
		return true
	}
	return false
}

// LogLevel is the severity of a LogEvent.
type LogLevel string

const (
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogEvent is an ephemeral notification published at each lifecycle
// transition or provider interaction. Delivered at most once per subscriber
// through the event bus; never stored.
type LogEvent struct {
	RunID     uuid.UUID      `json:"run_id"`
	Type      EventType      `json:"type"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewLogEvent constructs a LogEvent stamped with the current time.
func NewLogEvent(runID uuid.UUID, typ EventType, level LogLevel, msg string, payload map[string]any) LogEvent {
	return LogEvent{
		RunID:     runID,
		Type:      typ,
		Level:     level,
		Message:   msg,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}
