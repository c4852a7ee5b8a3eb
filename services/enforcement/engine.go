// Package enforcement holds the decision function of the screen-time engine.
// Everything here is pure: decisions are computed from their inputs and
// returned with the effects a dispatcher must perform.
package enforcement

import (
	"fmt"
	"sort"
	"time"

	"github.com/upb/screentime-engine/models"
	"github.com/upb/screentime-engine/repositories"
)

// Rule names the decision rule that produced a Decision
type Rule string

const (
	RuleExempt              Rule = "exempt"
	RuleOutsideAvailability Rule = "outside_availability"
	RuleDailyLimit          Rule = "daily_limit"
	RuleBreakDue            Rule = "break_due"
	RuleSessionLimit        Rule = "session_limit"
	RulePermitted           Rule = "permitted"
)

// Input is everything a decision depends on
type Input struct {
	Policy       *models.ScreenTimePolicy
	Usage        *models.LearnerUsageState
	Availability models.Availability
	Overrides    *models.ActiveOverrides
	ActivityType string
	DeltaMinutes int
	SessionID    string
	Now          time.Time
}

// Decision is the outcome of one activity check
type Decision struct {
	Allowed   bool
	Rule      Rule
	Increment      int // Minutes to add to the ledger
	Ceiling        int // Daily ceiling the increment must respect
	SessionCeiling int // Session ceiling the increment must respect
	Action    *models.EnforcementAction
	Blocking  bool
	Warnings  []models.Warning
	Effects   []Effect
}

// Decide evaluates the rules in order, first match wins:
//  1. exempt activity is allowed and not counted
//  2. outside availability without BypassLimit selects AccessBlocked
//  3. no daily minutes left without BypassLimit selects SessionEnded
//  4. break due or in progress without SkipBreak selects BreakRequired; a
//     break ended early stays in progress where breaks block
//  5. session limit reached selects SessionPaused (ExtendSession raises the limit)
//
// The selected action is then capped by the policy's enforcement level.
// Without a selected action the activity is permitted and any active
// enforcement is cleared.
func Decide(in Input) Decision {
	policy := in.Policy
	usage := in.Usage

	if policy.IsExempt(in.ActivityType) {
		return Decision{Allowed: true, Rule: RuleExempt}
	}

	bypass := in.Overrides.Has(models.OverrideBypassLimit)
	skipBreak := in.Overrides.Has(models.OverrideSkipBreak)

	rule := RulePermitted
	var proposed *models.EnforcementAction

	switch {
	case !in.Availability.IsWithin && !bypass:
		rule = RuleOutsideAvailability
		proposed = &models.EnforcementAction{
			Type:        models.EnforcementAccessBlocked,
			TriggeredAt: in.Now,
			Reason:      "outside availability window",
			ExpiresAt:   in.Availability.NextStart,
		}

	case RemainingMinutes(policy, usage, in.Overrides) <= 0 && !bypass:
		rule = RuleDailyLimit
		end := nextMidnight(in.Now, policy.Location())
		proposed = &models.EnforcementAction{
			Type:        models.EnforcementSessionEnded,
			TriggeredAt: in.Now,
			Reason:      "daily limit reached",
			ExpiresAt:   &end,
		}

	case breakInProgress(policy, usage, in.Now) && !skipBreak:
		rule = RuleBreakDue
		end := usage.LastBreakAt.Add(time.Duration(policy.BreakDurationMinutes) * time.Minute)
		proposed = &models.EnforcementAction{
			Type:        models.EnforcementBreakRequired,
			TriggeredAt: in.Now,
			Reason:      "break in progress",
			ExpiresAt:   &end,
		}

	case BreakDue(policy, usage) && !skipBreak:
		rule = RuleBreakDue
		proposed = &models.EnforcementAction{
			Type:        models.EnforcementBreakRequired,
			TriggeredAt: in.Now,
			Reason:      fmt.Sprintf("break required after %d minutes", policy.BreakAfterMinutes),
		}

	case policy.SessionLimitMinutes > 0 &&
		usage.CurrentSessionMinutes >= SessionLimit(policy, in.Overrides):
		rule = RuleSessionLimit
		proposed = &models.EnforcementAction{
			Type:        models.EnforcementSessionPaused,
			TriggeredAt: in.Now,
			Reason:      "session limit reached",
		}
	}

	d := Decision{
		Allowed:        true,
		Rule:           rule,
		Ceiling:        DailyCeiling(policy, in.Overrides),
		SessionCeiling: SessionCeiling(policy, in.Overrides),
	}

	if proposed == nil {
		d.Increment = in.DeltaMinutes
		if usage.ActiveEnforcement != nil {
			d.Effects = append(d.Effects, Effect{Kind: EffectClearEnforcement})
		}
		return d
	}

	d.Action, d.Blocking = ApplyEnforcementLevel(policy.EnforcementLevel, proposed)
	d.Allowed = !d.Blocking
	if d.Allowed {
		d.Increment = in.DeltaMinutes
	}

	if sameAction(usage.ActiveEnforcement, d.Action, in.Now) {
		return d
	}

	d.Effects = append(d.Effects,
		Effect{Kind: EffectSetEnforcement, Action: d.Action},
		Effect{Kind: EffectEmitEvent, Event: enforcementEvent(in, rule, d)},
	)

	if rule == RuleBreakDue && !d.Blocking {
		w := models.Warning{
			Type:        models.WarningBreakNeeded,
			Message:     fmt.Sprintf("Time for a break: %d minutes since the last one", usage.MinutesSinceLastBreak()),
			TriggeredAt: in.Now,
		}
		d.Warnings = append(d.Warnings, w)
		d.Effects = append(d.Effects, WarningEffects(in, []models.Warning{w})...)
	}

	return d
}

// ApplyEnforcementLevel caps a proposed action by the policy's level and
// reports whether it blocks. soft downgrades every action to WarningDisplayed
// and never blocks; medium blocks SessionEnded, AccessBlocked and
// ContentLocked only; strict blocks everything. Unknown levels are strict.
func ApplyEnforcementLevel(level models.EnforcementLevel, action *models.EnforcementAction) (*models.EnforcementAction, bool) {
	if action == nil {
		return nil, false
	}
	capped := *action

	switch level {
	case models.EnforcementSoft:
		capped.Type = models.EnforcementWarningDisplayed
		return &capped, false
	case models.EnforcementMedium:
		switch capped.Type {
		case models.EnforcementSessionEnded, models.EnforcementAccessBlocked, models.EnforcementContentLocked:
			return &capped, true
		}
		return &capped, false
	default:
		return &capped, capped.Type != models.EnforcementWarningDisplayed
	}
}

// EvaluateThresholds returns one DAILY_LIMIT_APPROACHING warning for every
// threshold t with pre < t% <= post of the daily limit that has not fired
// today, in ascending threshold order
func EvaluateThresholds(policy *models.ScreenTimePolicy, pre, post int, fired []int, now time.Time) []models.Warning {
	limit := policy.DailyLimitMinutes
	if limit <= 0 || post <= pre {
		return nil
	}

	done := make(map[int]bool, len(fired))
	for _, t := range fired {
		done[t] = true
	}

	var warnings []models.Warning
	for _, t := range sortedThresholds(policy.WarningThresholds) {
		if done[t] {
			continue
		}
		// Integer form of pre/limit*100 < t <= post/limit*100
		if pre*100 < t*limit && t*limit <= post*100 {
			warnings = append(warnings, models.Warning{
				Type:        models.WarningDailyLimitApproaching,
				Threshold:   t,
				Message:     fmt.Sprintf("%d%% of today's screen time used", t),
				TriggeredAt: now,
			})
			done[t] = true
		}
	}
	return warnings
}

// DailyCeiling is the most the ledger may hold today: the daily limit plus
// active AddTime minutes, or no ceiling while BypassLimit is active
func DailyCeiling(policy *models.ScreenTimePolicy, overrides *models.ActiveOverrides) int {
	if overrides.Has(models.OverrideBypassLimit) {
		return repositories.Uncapped
	}
	return policy.DailyLimitMinutes + overrides.AddedMinutes(models.OverrideAddTime)
}

// RemainingMinutes is the daily time left, never negative
func RemainingMinutes(policy *models.ScreenTimePolicy, usage *models.LearnerUsageState, overrides *models.ActiveOverrides) int {
	remaining := policy.DailyLimitMinutes + overrides.AddedMinutes(models.OverrideAddTime) - usage.DailyUsedMinutes
	if remaining < 0 {
		return 0
	}
	return remaining
}

// SessionLimit is the policy session limit raised by ExtendSession minutes
func SessionLimit(policy *models.ScreenTimePolicy, overrides *models.ActiveOverrides) int {
	return policy.SessionLimitMinutes + overrides.AddedMinutes(models.OverrideExtendSession)
}

// SessionCeiling is the most the session counter may hold when a session
// limit blocks under the policy's level; otherwise the session is uncapped
func SessionCeiling(policy *models.ScreenTimePolicy, overrides *models.ActiveOverrides) int {
	if policy.SessionLimitMinutes <= 0 {
		return repositories.Uncapped
	}
	if _, blocking := ApplyEnforcementLevel(policy.EnforcementLevel, &models.EnforcementAction{Type: models.EnforcementSessionPaused}); !blocking {
		return repositories.Uncapped
	}
	return SessionLimit(policy, overrides)
}

// Limits is the ledger ceiling of an allowed increment
func (d Decision) Limits() repositories.Ceiling {
	return repositories.Ceiling{Daily: d.Ceiling, Session: d.SessionCeiling}
}

// BreakDue reports whether the learner has gone breakAfter minutes without a break
func BreakDue(policy *models.ScreenTimePolicy, usage *models.LearnerUsageState) bool {
	return policy.BreakAfterMinutes > 0 && usage.MinutesSinceLastBreak() >= policy.BreakAfterMinutes
}

// breakInProgress reports whether the last break has not yet run for
// BreakDurationMinutes. Where breaks block, ending a break early does not
// shorten it.
func breakInProgress(policy *models.ScreenTimePolicy, usage *models.LearnerUsageState, now time.Time) bool {
	if usage.LastBreakAt == nil || policy.BreakDurationMinutes <= 0 {
		return false
	}
	end := usage.LastBreakAt.Add(time.Duration(policy.BreakDurationMinutes) * time.Minute)
	if !now.Before(end) {
		return false
	}
	if usage.BreakActive {
		return true
	}
	_, blocking := ApplyEnforcementLevel(policy.EnforcementLevel, &models.EnforcementAction{Type: models.EnforcementBreakRequired})
	return blocking
}

func sameAction(active, next *models.EnforcementAction, now time.Time) bool {
	return active.IsActive(now) && next != nil &&
		active.Type == next.Type && active.Reason == next.Reason
}

func nextMidnight(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
}

func sortedThresholds(thresholds []int) []int {
	out := append([]int{}, thresholds...)
	sort.Ints(out)
	return out
}
