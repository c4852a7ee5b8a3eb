package models

import (
	"time"

	"github.com/google/uuid"
)

// MaxActiveWarnings bounds LearnerUsageState.ActiveWarnings
const MaxActiveWarnings = 10

// DateLayout is the calendar-day key format of the ledger
const DateLayout = "2006-01-02"

// WarningType identifies a warning raised by the engine
type WarningType string

const (
	WarningDailyLimitApproaching WarningType = "DAILY_LIMIT_APPROACHING"
	WarningBreakNeeded           WarningType = "BREAK_NEEDED"
)

// Warning is a notice shown to the learner
type Warning struct {
	Type        WarningType `json:"type"`
	Threshold   int         `json:"threshold,omitempty"`
	Message     string      `json:"message"`
	TriggeredAt time.Time   `json:"triggered_at"`
}

// BreakType says why a break was taken
type BreakType string

const (
	BreakVoluntary BreakType = "voluntary"
	BreakScheduled BreakType = "scheduled"
	BreakEnforced  BreakType = "enforced" // taken to satisfy a BreakRequired action
)

// IsValid reports whether t is a known break type
func (t BreakType) IsValid() bool {
	switch t {
	case BreakVoluntary, BreakScheduled, BreakEnforced:
		return true
	}
	return false
}

// EnforcementType is the kind of restriction applied to a learner
type EnforcementType string

const (
	EnforcementWarningDisplayed EnforcementType = "WarningDisplayed"
	EnforcementSessionPaused    EnforcementType = "SessionPaused"
	EnforcementContentLocked    EnforcementType = "ContentLocked"
	EnforcementBreakRequired    EnforcementType = "BreakRequired"
	EnforcementSessionEnded     EnforcementType = "SessionEnded"
	EnforcementAccessBlocked    EnforcementType = "AccessBlocked"
)

// EnforcementAction is the single current restriction for a learner
type EnforcementAction struct {
	Type        EnforcementType `json:"type"`
	TriggeredAt time.Time       `json:"triggered_at"`
	Reason      string          `json:"reason"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
}

// IsActive reports whether the action is still in force at now
func (a *EnforcementAction) IsActive(now time.Time) bool {
	if a == nil {
		return false
	}
	return a.ExpiresAt == nil || now.Before(*a.ExpiresAt)
}

// UsageKey identifies one ledger record
type UsageKey struct {
	TenantID  uuid.UUID
	LearnerID uuid.UUID
	Date      string
}

// String returns the store key of the record
func (k UsageKey) String() string {
	return "usage:" + k.TenantID.String() + ":" + k.LearnerID.String() + ":" + k.Date
}

// NewUsageKey builds the key for the calendar day of now in loc
func NewUsageKey(tenantID, learnerID uuid.UUID, now time.Time, loc *time.Location) UsageKey {
	return UsageKey{
		TenantID:  tenantID,
		LearnerID: learnerID,
		Date:      now.In(loc).Format(DateLayout),
	}
}

// DayExpiry returns the local end of the key's day plus a 24h grace window
func DayExpiry(date string, loc *time.Location) time.Time {
	day, err := time.ParseInLocation(DateLayout, date, loc)
	if err != nil {
		return time.Now().Add(48 * time.Hour)
	}
	return day.AddDate(0, 0, 1).Add(24 * time.Hour)
}

// LearnerUsageState is the per-learner, per-day ledger record
type LearnerUsageState struct {
	TenantID              uuid.UUID          `json:"tenant_id" db:"tenant_id"`
	LearnerID             uuid.UUID          `json:"learner_id" db:"learner_id"`
	Date                  string             `json:"date" db:"usage_date"`
	DailyUsedMinutes      int                `json:"daily_used_minutes" db:"daily_used_minutes"`
	CurrentSessionMinutes int                `json:"current_session_minutes" db:"current_session_minutes"`
	LastBreakAt           *time.Time         `json:"last_break_at,omitempty" db:"last_break_at"`
	BreakActive           bool               `json:"break_active" db:"break_active"`
	BreaksTakenToday      int                `json:"breaks_taken_today" db:"breaks_taken_today"`
	ActiveWarnings        []Warning          `json:"active_warnings" db:"active_warnings"`
	FiredThresholds       []int              `json:"fired_thresholds" db:"fired_thresholds"`
	ActiveEnforcement     *EnforcementAction `json:"active_enforcement,omitempty" db:"active_enforcement"`
	SessionID             string             `json:"session_id,omitempty" db:"session_id"`
	LastActivityAt        *time.Time         `json:"last_activity_at,omitempty" db:"last_activity_at"`
	Version               int64              `json:"version" db:"version"`
	ExpiresAt             time.Time          `json:"expires_at" db:"expires_at"`
}

// TableName returns the table name for the LearnerUsageState model
func (LearnerUsageState) TableName() string {
	return "learner_usage"
}

// NewLearnerUsageState creates the empty record for a key
func NewLearnerUsageState(key UsageKey, expiresAt time.Time) *LearnerUsageState {
	return &LearnerUsageState{
		TenantID:        key.TenantID,
		LearnerID:       key.LearnerID,
		Date:            key.Date,
		ActiveWarnings:  []Warning{},
		FiredThresholds: []int{},
		ExpiresAt:       expiresAt,
	}
}

// Key returns the ledger key of the record
func (s *LearnerUsageState) Key() UsageKey {
	return UsageKey{TenantID: s.TenantID, LearnerID: s.LearnerID, Date: s.Date}
}

// Clone returns a deep copy
func (s *LearnerUsageState) Clone() *LearnerUsageState {
	if s == nil {
		return nil
	}
	c := *s
	c.ActiveWarnings = append([]Warning{}, s.ActiveWarnings...)
	c.FiredThresholds = append([]int{}, s.FiredThresholds...)
	if s.LastBreakAt != nil {
		t := *s.LastBreakAt
		c.LastBreakAt = &t
	}
	if s.LastActivityAt != nil {
		t := *s.LastActivityAt
		c.LastActivityAt = &t
	}
	if s.ActiveEnforcement != nil {
		a := *s.ActiveEnforcement
		c.ActiveEnforcement = &a
	}
	return &c
}

// PushWarning prepends w, keeping at most MaxActiveWarnings
func (s *LearnerUsageState) PushWarning(w Warning) {
	s.ActiveWarnings = append([]Warning{w}, s.ActiveWarnings...)
	if len(s.ActiveWarnings) > MaxActiveWarnings {
		s.ActiveWarnings = s.ActiveWarnings[:MaxActiveWarnings]
	}
}

// HasFired reports whether a daily threshold was already raised
func (s *LearnerUsageState) HasFired(threshold int) bool {
	for _, t := range s.FiredThresholds {
		if t == threshold {
			return true
		}
	}
	return false
}

// MinutesSinceLastBreak returns active minutes since LastBreakAt, or since the
// session started when LastBreakAt is nil. Both break edges zero the session
// clock, so this is CurrentSessionMinutes in either case.
func (s *LearnerUsageState) MinutesSinceLastBreak() int {
	return s.CurrentSessionMinutes
}
