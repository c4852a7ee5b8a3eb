package enforcement

import (
	"github.com/google/uuid"
	"github.com/upb/screentime-engine/models"
)

// Consumption is minutes of one increment charged to an override
type Consumption struct {
	OverrideID uuid.UUID
	Minutes    int
}

// OverrideConsumption charges the minutes of one applied increment to the
// overrides that made them possible. Daily minutes past the base limit go to
// AddTime overrides (oldest first, up to their grant) and then to BypassLimit;
// session minutes past the base session limit go to ExtendSession; minutes
// past the break cadence go to SkipBreak.
func OverrideConsumption(policy *models.ScreenTimePolicy, overrides *models.ActiveOverrides, before *models.LearnerUsageState, applied int) []Consumption {
	if overrides.IsEmpty() || applied <= 0 {
		return nil
	}

	var out []Consumption

	dailyOver := overage(before.DailyUsedMinutes, applied, policy.DailyLimitMinutes)
	for _, o := range overrides.Overrides {
		if dailyOver == 0 {
			break
		}
		if o.OverrideType != models.OverrideAddTime {
			continue
		}
		room := o.Minutes() - o.UsedMinutes
		if room <= 0 {
			continue
		}
		charge := min(room, dailyOver)
		out = append(out, Consumption{OverrideID: o.ID, Minutes: charge})
		dailyOver -= charge
	}
	if bypass := overrides.First(models.OverrideBypassLimit); bypass != nil && dailyOver > 0 {
		out = append(out, Consumption{OverrideID: bypass.ID, Minutes: dailyOver})
	}

	if o := overrides.First(models.OverrideExtendSession); o != nil && policy.SessionLimitMinutes > 0 {
		if m := overage(before.CurrentSessionMinutes, applied, policy.SessionLimitMinutes); m > 0 {
			out = append(out, Consumption{OverrideID: o.ID, Minutes: m})
		}
	}

	if o := overrides.First(models.OverrideSkipBreak); o != nil && policy.BreakAfterMinutes > 0 {
		if m := overage(before.MinutesSinceLastBreak(), applied, policy.BreakAfterMinutes); m > 0 {
			out = append(out, Consumption{OverrideID: o.ID, Minutes: m})
		}
	}

	return out
}

// overage is the part of [pre, pre+delta) at or above limit
func overage(pre, delta, limit int) int {
	post := pre + delta
	if post <= limit {
		return 0
	}
	if pre >= limit {
		return delta
	}
	return post - limit
}
