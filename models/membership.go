package models

import (
	"time"

	"github.com/google/uuid"
)

// LearnerMembership lists the school and class scopes a learner belongs to
type LearnerMembership struct {
	TenantID  uuid.UUID   `json:"tenant_id" db:"tenant_id"`
	LearnerID uuid.UUID   `json:"learner_id" db:"learner_id"`
	SchoolIDs []uuid.UUID `json:"school_ids" db:"school_ids"`
	ClassIDs  []uuid.UUID `json:"class_ids" db:"class_ids"`
	UpdatedAt time.Time   `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the LearnerMembership model
func (LearnerMembership) TableName() string {
	return "learner_memberships"
}

// ScopeIDs returns the candidate scope IDs for policy lookup
func (m *LearnerMembership) ScopeIDs() map[PolicyScope][]uuid.UUID {
	return map[PolicyScope][]uuid.UUID{
		ScopeTenant:  {m.TenantID},
		ScopeSchool:  m.SchoolIDs,
		ScopeClass:   m.ClassIDs,
		ScopeLearner: {m.LearnerID},
	}
}
