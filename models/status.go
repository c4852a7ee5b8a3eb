package models

import (
	"time"

	"github.com/google/uuid"
)

// Availability is the result of checking a schedule at an instant
type Availability struct {
	IsWithin      bool                `json:"is_within"`
	CurrentWindow *AvailabilityWindow `json:"current_window,omitempty"`
	NextStart     *time.Time          `json:"next_start,omitempty"`
	Blackout      bool                `json:"blackout,omitempty"`
}

// LearnerScreenTimeStatus is a read-only snapshot of a learner's day
type LearnerScreenTimeStatus struct {
	TenantID                uuid.UUID          `json:"tenant_id"`
	LearnerID               uuid.UUID          `json:"learner_id"`
	Date                    string             `json:"date"`
	PolicyID                *uuid.UUID         `json:"policy_id,omitempty"`
	EnforcementLevel        EnforcementLevel   `json:"enforcement_level"`
	DailyLimitMinutes       int                `json:"daily_limit_minutes"`
	DailyUsedMinutes        int                `json:"daily_used_minutes"`
	DailyRemainingMinutes   int                `json:"daily_remaining_minutes"`
	UsagePercentage         float64            `json:"usage_percentage"`
	CurrentSessionMinutes   int                `json:"current_session_minutes"`
	SessionRemainingMinutes int                `json:"session_remaining_minutes"`
	MinutesSinceLastBreak   int                `json:"minutes_since_last_break"`
	BreakDue                bool               `json:"break_due"`
	BreakActive             bool               `json:"break_active"`
	BreaksTakenToday        int                `json:"breaks_taken_today"`
	LastBreakAt             *time.Time         `json:"last_break_at,omitempty"`
	Availability            Availability       `json:"availability"`
	ActiveWarnings          []Warning          `json:"active_warnings"`
	ActiveEnforcement       *EnforcementAction `json:"active_enforcement,omitempty"`
	ActiveOverrides         []*ParentOverride  `json:"active_overrides,omitempty"`
	Timestamp               time.Time          `json:"timestamp"`
}
