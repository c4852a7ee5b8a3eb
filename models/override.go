package models

import (
	"time"

	"github.com/google/uuid"
)

// OverrideType is the enforcement check a parent override relaxes
type OverrideType string

const (
	OverrideAddTime       OverrideType = "AddTime"
	OverrideExtendSession OverrideType = "ExtendSession"
	OverrideBypassLimit   OverrideType = "BypassLimit"
	OverrideSkipBreak     OverrideType = "SkipBreak"
)

// Valid reports whether the type is known
func (t OverrideType) Valid() bool {
	switch t {
	case OverrideAddTime, OverrideExtendSession, OverrideBypassLimit, OverrideSkipBreak:
		return true
	}
	return false
}

// RequiresMinutes reports whether the override carries additional minutes
func (t OverrideType) RequiresMinutes() bool {
	return t == OverrideAddTime || t == OverrideExtendSession
}

// Targets returns the enforcement types the override clears on creation
func (t OverrideType) Targets() []EnforcementType {
	switch t {
	case OverrideBypassLimit:
		return []EnforcementType{EnforcementSessionEnded, EnforcementAccessBlocked}
	case OverrideAddTime:
		return []EnforcementType{EnforcementSessionEnded}
	case OverrideSkipBreak:
		return []EnforcementType{EnforcementBreakRequired}
	case OverrideExtendSession:
		return []EnforcementType{EnforcementSessionPaused}
	}
	return nil
}

// ParentOverride is a short-lived relaxation of one enforcement rule
type ParentOverride struct {
	ID                uuid.UUID    `json:"id" db:"id"`
	TenantID          uuid.UUID    `json:"tenant_id" db:"tenant_id"`
	LearnerID         uuid.UUID    `json:"learner_id" db:"learner_id"`
	ParentID          uuid.UUID    `json:"parent_id" db:"parent_id"`
	OverrideType      OverrideType `json:"override_type" db:"override_type"`
	AdditionalMinutes *int         `json:"additional_minutes,omitempty" db:"additional_minutes"`
	Reason            string       `json:"reason" db:"reason"`
	ExpiresAt         time.Time    `json:"expires_at" db:"expires_at"`
	UsedMinutes       int          `json:"used_minutes" db:"used_minutes"`
	CreatedAt         time.Time    `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the ParentOverride model
func (ParentOverride) TableName() string {
	return "parent_overrides"
}

// NewParentOverride creates a new ParentOverride instance
func NewParentOverride(tenantID, learnerID, parentID uuid.UUID, overrideType OverrideType, expiresAt time.Time) *ParentOverride {
	return &ParentOverride{
		ID:           uuid.New(),
		TenantID:     tenantID,
		LearnerID:    learnerID,
		ParentID:     parentID,
		OverrideType: overrideType,
		ExpiresAt:    expiresAt,
		CreatedAt:    time.Now(),
	}
}

// IsActive reports whether the override is in force at now
func (o *ParentOverride) IsActive(now time.Time) bool {
	return o != nil && now.Before(o.ExpiresAt)
}

// Minutes returns the additional minutes, zero when unset
func (o *ParentOverride) Minutes() int {
	if o == nil || o.AdditionalMinutes == nil {
		return 0
	}
	return *o.AdditionalMinutes
}

// ActiveOverrides groups the non-expired overrides of a learner
type ActiveOverrides struct {
	Overrides []*ParentOverride `json:"overrides"`
}

// Has reports whether an override of type t is active
func (a *ActiveOverrides) Has(t OverrideType) bool {
	return a.First(t) != nil
}

// First returns the earliest-created active override of type t
func (a *ActiveOverrides) First(t OverrideType) *ParentOverride {
	if a == nil {
		return nil
	}
	for _, o := range a.Overrides {
		if o.OverrideType == t {
			return o
		}
	}
	return nil
}

// AddedMinutes sums the minutes of active overrides of type t
func (a *ActiveOverrides) AddedMinutes(t OverrideType) int {
	if a == nil {
		return 0
	}
	total := 0
	for _, o := range a.Overrides {
		if o.OverrideType == t {
			total += o.Minutes()
		}
	}
	return total
}

// ForDay drops AddTime overrides granted on a calendar day other than date
// in loc. Added minutes belong to the day they were granted for; the other
// types apply for as long as they are active.
func (a *ActiveOverrides) ForDay(date string, loc *time.Location) *ActiveOverrides {
	if a.IsEmpty() {
		return a
	}
	if loc == nil {
		loc = time.UTC
	}
	out := &ActiveOverrides{Overrides: make([]*ParentOverride, 0, len(a.Overrides))}
	for _, o := range a.Overrides {
		if o.OverrideType == OverrideAddTime && o.CreatedAt.In(loc).Format(DateLayout) != date {
			continue
		}
		out.Overrides = append(out.Overrides, o)
	}
	return out
}

// IsEmpty reports whether no override is active
func (a *ActiveOverrides) IsEmpty() bool {
	return a == nil || len(a.Overrides) == 0
}
