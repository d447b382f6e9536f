package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents different types of session events
type EventType string

const (
	// Module events
	EventModuleStarted       EventType = "module.started"
	EventModuleSubmitted     EventType = "module.submitted"
	EventModuleAutoSubmitted EventType = "module.auto_submitted"

	// Attempt events
	EventAttemptScored EventType = "attempt.scored"
)

const (
	eventSource  = "exam-session"
	eventVersion = "1.0"
)

// SessionEvent is the base event structure for all session events
type SessionEvent struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	AttemptID string                 `json:"attempt_id"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
	Version   string                 `json:"version"`
	Data      interface{}            `json:"data"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Module event payloads

type ModuleStartedEvent struct {
	AttemptModuleID      string    `json:"attempt_module_id"`
	ModuleID             string    `json:"module_id"`
	ModuleType           string    `json:"module_type"`
	StartedAt            time.Time `json:"started_at"`
	TimeRemainingSeconds int       `json:"time_remaining_seconds"`
}

type ModuleSubmittedEvent struct {
	AttemptModuleID string    `json:"attempt_module_id"`
	ModuleID        string    `json:"module_id"`
	ModuleType      string    `json:"module_type"`
	AutoSubmit      bool      `json:"auto_submit"`
	Score           *float64  `json:"score,omitempty"`
	MaxScore        *float64  `json:"max_score,omitempty"`
	BandScore       *float64  `json:"band_score,omitempty"`
	PendingManual   int       `json:"pending_manual"`
	NextModuleID    string    `json:"next_module_id,omitempty"`
	SubmittedAt     time.Time `json:"submitted_at"`
}

type AttemptScoredEvent struct {
	ModuleBands map[string]*float64 `json:"module_bands"`
	OverallBand *float64            `json:"overall_band,omitempty"`
}

// Event factory functions

func NewModuleStartedEvent(attemptID string, data ModuleStartedEvent) *SessionEvent {
	return newSessionEvent(EventModuleStarted, attemptID, data)
}

// NewModuleSubmittedEvent picks the event type from data.AutoSubmit.
func NewModuleSubmittedEvent(attemptID string, data ModuleSubmittedEvent) *SessionEvent {
	eventType := EventModuleSubmitted
	if data.AutoSubmit {
		eventType = EventModuleAutoSubmitted
	}
	return newSessionEvent(eventType, attemptID, data)
}

func NewAttemptScoredEvent(attemptID string, data AttemptScoredEvent) *SessionEvent {
	return newSessionEvent(EventAttemptScored, attemptID, data)
}

func newSessionEvent(eventType EventType, attemptID string, data interface{}) *SessionEvent {
	return &SessionEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		AttemptID: attemptID,
		Timestamp: time.Now(),
		Source:    eventSource,
		Version:   eventVersion,
		Data:      data,
	}
}
