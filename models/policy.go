package models

import (
	"time"
	_ "time/tzdata" // schedules name IANA zones; hosts may lack a zoneinfo database

	"github.com/google/uuid"
)

// PolicyScope is the level of the hierarchy a policy is attached to
type PolicyScope string

const (
	ScopeTenant  PolicyScope = "tenant"
	ScopeSchool  PolicyScope = "school"
	ScopeClass   PolicyScope = "class"
	ScopeLearner PolicyScope = "learner"
)

// Specificity returns the resolution rank of the scope. Higher wins.
func (s PolicyScope) Specificity() int {
	switch s {
	case ScopeLearner:
		return 4
	case ScopeClass:
		return 3
	case ScopeSchool:
		return 2
	case ScopeTenant:
		return 1
	default:
		return 0
	}
}

// EnforcementLevel caps how severely a triggered rule may restrict a learner
type EnforcementLevel string

const (
	EnforcementSoft   EnforcementLevel = "soft"
	EnforcementMedium EnforcementLevel = "medium"
	EnforcementStrict EnforcementLevel = "strict"
)

// AvailabilityWindow is a single-day time range, times formatted as "HH:MM".
// EndTime may be "24:00" to run until midnight.
type AvailabilityWindow struct {
	DayOfWeek time.Weekday `json:"day_of_week" validate:"gte=0,lte=6"`
	StartTime string       `json:"start_time" validate:"required,hhmm"`
	EndTime   string       `json:"end_time" validate:"required,hhmm"`
	Enabled   bool         `json:"enabled"`
}

// Schedule is the weekly availability of a policy
type Schedule struct {
	Timezone      string               `json:"timezone" validate:"omitempty,timezone"`
	Windows       []AvailabilityWindow `json:"windows" validate:"dive"`
	BlackoutDates []string             `json:"blackout_dates,omitempty" validate:"dive,datetime=2006-01-02"`
}

// Location returns the schedule timezone, falling back to UTC
func (s Schedule) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ScreenTimePolicy is one version of a screen-time configuration at a scope
type ScreenTimePolicy struct {
	ID                   uuid.UUID        `json:"id" db:"id"`
	TenantID             uuid.UUID        `json:"tenant_id" db:"tenant_id"`
	Scope                PolicyScope      `json:"scope" db:"scope"`
	ScopeID              uuid.UUID        `json:"scope_id" db:"scope_id"`
	Version              int              `json:"version" db:"version"`
	DailyLimitMinutes    int              `json:"daily_limit_minutes" db:"daily_limit_minutes"`
	SessionLimitMinutes  int              `json:"session_limit_minutes" db:"session_limit_minutes"`
	BreakAfterMinutes    int              `json:"break_after_minutes" db:"break_after_minutes"`
	BreakDurationMinutes int              `json:"break_duration_minutes" db:"break_duration_minutes"`
	Schedule             Schedule         `json:"schedule" db:"schedule"` // JSONB
	EnforcementLevel     EnforcementLevel `json:"enforcement_level" db:"enforcement_level"`
	WarningThresholds    []int            `json:"warning_thresholds" db:"warning_thresholds"`
	ExemptActivityTypes  []string         `json:"exempt_activity_types" db:"exempt_activity_types"`
	Enabled              bool             `json:"enabled" db:"enabled"`
	IsDefault            bool             `json:"is_default" db:"-"`
	CreatedAt            time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the ScreenTimePolicy model
func (ScreenTimePolicy) TableName() string {
	return "screen_time_policies"
}

// NewScreenTimePolicy creates a policy at the given scope with default limits
func NewScreenTimePolicy(tenantID uuid.UUID, scope PolicyScope, scopeID uuid.UUID) *ScreenTimePolicy {
	now := time.Now()
	p := DefaultPolicy(tenantID)
	p.ID = uuid.New()
	p.Scope = scope
	p.ScopeID = scopeID
	p.IsDefault = false
	p.CreatedAt = now
	p.UpdatedAt = now
	return p
}

// DefaultPolicy is the built-in policy used when no scope defines one
func DefaultPolicy(tenantID uuid.UUID) *ScreenTimePolicy {
	return &ScreenTimePolicy{
		TenantID:             tenantID,
		Scope:                ScopeTenant,
		ScopeID:              tenantID,
		Version:              1,
		DailyLimitMinutes:    120,
		SessionLimitMinutes:  45,
		BreakAfterMinutes:    25,
		BreakDurationMinutes: 5,
		Schedule:             AllDaySchedule("UTC"),
		EnforcementLevel:     EnforcementMedium,
		WarningThresholds:    []int{75, 90, 95},
		ExemptActivityTypes:  []string{},
		Enabled:              true,
		IsDefault:            true,
	}
}

// AllDaySchedule returns a schedule open all day on every weekday
func AllDaySchedule(timezone string) Schedule {
	windows := make([]AvailabilityWindow, 0, 7)
	for d := time.Sunday; d <= time.Saturday; d++ {
		windows = append(windows, AvailabilityWindow{
			DayOfWeek: d,
			StartTime: "00:00",
			EndTime:   "24:00",
			Enabled:   true,
		})
	}
	return Schedule{Timezone: timezone, Windows: windows}
}

// IsExempt reports whether the activity type does not count against quota
func (p *ScreenTimePolicy) IsExempt(activityType string) bool {
	for _, t := range p.ExemptActivityTypes {
		if t == activityType {
			return true
		}
	}
	return false
}

// Location returns the timezone days are counted in
func (p *ScreenTimePolicy) Location() *time.Location {
	return p.Schedule.Location()
}
