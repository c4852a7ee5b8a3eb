package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the state transition being recorded
type EventType string

const (
	EventSessionStart       EventType = "SessionStart"
	EventSessionEnd         EventType = "SessionEnd"
	EventBreakStart         EventType = "BreakStart"
	EventBreakEnd           EventType = "BreakEnd"
	EventWarningTriggered   EventType = "WarningTriggered"
	EventEnforcementApplied EventType = "EnforcementApplied"
	EventOverrideApplied    EventType = "OverrideApplied"
	EventPolicyChanged      EventType = "PolicyChanged"
)

// ScreenTimeEvent is an append-only audit entry
type ScreenTimeEvent struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	TenantID  uuid.UUID       `json:"tenant_id" db:"tenant_id"`
	LearnerID *uuid.UUID      `json:"learner_id,omitempty" db:"learner_id"` // Null for policy events
	Type      EventType       `json:"type" db:"event_type"`
	SessionID string          `json:"session_id,omitempty" db:"session_id"`
	Details   json.RawMessage `json:"details" db:"details"` // JSONB for flexible metadata
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// TableName returns the table name for the ScreenTimeEvent model
func (ScreenTimeEvent) TableName() string {
	return "screen_time_events"
}

// NewScreenTimeEvent creates a new ScreenTimeEvent instance
func NewScreenTimeEvent(tenantID uuid.UUID, eventType EventType) *ScreenTimeEvent {
	return &ScreenTimeEvent{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Type:      eventType,
		Details:   json.RawMessage(`{}`),
		Timestamp: time.Now(),
	}
}

// WithLearner sets the learner ID
func (e *ScreenTimeEvent) WithLearner(learnerID uuid.UUID) *ScreenTimeEvent {
	e.LearnerID = &learnerID
	return e
}

// WithSession sets the session ID
func (e *ScreenTimeEvent) WithSession(sessionID string) *ScreenTimeEvent {
	e.SessionID = sessionID
	return e
}

// WithDetails sets the details
func (e *ScreenTimeEvent) WithDetails(details interface{}) *ScreenTimeEvent {
	if data, err := json.Marshal(details); err == nil {
		e.Details = data
	}
	return e
}

// At overrides the timestamp
func (e *ScreenTimeEvent) At(ts time.Time) *ScreenTimeEvent {
	e.Timestamp = ts
	return e
}
