package enforcement

import (
	"time"

	"github.com/upb/screentime-engine/models"
)

// BuildStatus assembles the read-only snapshot of a learner's day
func BuildStatus(policy *models.ScreenTimePolicy, usage *models.LearnerUsageState, availability models.Availability, overrides *models.ActiveOverrides, now time.Time) *models.LearnerScreenTimeStatus {
	status := &models.LearnerScreenTimeStatus{
		TenantID:              usage.TenantID,
		LearnerID:             usage.LearnerID,
		Date:                  usage.Date,
		EnforcementLevel:      policy.EnforcementLevel,
		DailyLimitMinutes:     policy.DailyLimitMinutes,
		DailyUsedMinutes:      usage.DailyUsedMinutes,
		DailyRemainingMinutes: RemainingMinutes(policy, usage, overrides),
		CurrentSessionMinutes: usage.CurrentSessionMinutes,
		MinutesSinceLastBreak: usage.MinutesSinceLastBreak(),
		BreakDue:              BreakDue(policy, usage),
		BreakActive:           usage.BreakActive,
		BreaksTakenToday:      usage.BreaksTakenToday,
		LastBreakAt:           usage.LastBreakAt,
		Availability:          availability,
		ActiveWarnings:        usage.ActiveWarnings,
		Timestamp:             now,
	}

	if !policy.IsDefault {
		id := policy.ID
		status.PolicyID = &id
	}
	if policy.DailyLimitMinutes > 0 {
		status.UsagePercentage = float64(usage.DailyUsedMinutes) * 100 / float64(policy.DailyLimitMinutes)
	}
	if policy.SessionLimitMinutes > 0 {
		if remaining := SessionLimit(policy, overrides) - usage.CurrentSessionMinutes; remaining > 0 {
			status.SessionRemainingMinutes = remaining
		}
	}
	if usage.ActiveEnforcement.IsActive(now) {
		status.ActiveEnforcement = usage.ActiveEnforcement
	}
	if !overrides.IsEmpty() {
		status.ActiveOverrides = overrides.Overrides
	}
	if status.ActiveWarnings == nil {
		status.ActiveWarnings = []models.Warning{}
	}
	return status
}
