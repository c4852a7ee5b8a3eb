package enforcement

import (
	"github.com/upb/screentime-engine/models"
)

// EffectKind identifies a side effect requested by a decision
type EffectKind string

const (
	EffectRecordWarning    EffectKind = "record_warning"
	EffectSetEnforcement   EffectKind = "set_enforcement"
	EffectClearEnforcement EffectKind = "clear_enforcement"
	EffectEmitEvent        EffectKind = "emit_event"
)

// Effect is one side effect to perform after a decision.
//
// RecordWarning carries the warning and the event to emit once the ledger
// accepts it. SetEnforcement carries the action. ClearEnforcement clears the
// listed types, or any active enforcement when Types is empty. EmitEvent
// carries the event.
type Effect struct {
	Kind    EffectKind
	Warning *models.Warning
	Action  *models.EnforcementAction
	Types   []models.EnforcementType
	Event   *models.ScreenTimeEvent
}

// WarningEffects turns warnings into record effects for the input's learner
func WarningEffects(in Input, warnings []models.Warning) []Effect {
	effects := make([]Effect, 0, len(warnings))
	for i := range warnings {
		w := warnings[i]
		event := learnerEvent(in, models.EventWarningTriggered).WithDetails(map[string]interface{}{
			"warning_type": w.Type,
			"threshold":    w.Threshold,
			"message":      w.Message,
		})
		effects = append(effects, Effect{Kind: EffectRecordWarning, Warning: &w, Event: event})
	}
	return effects
}

func enforcementEvent(in Input, rule Rule, d Decision) *models.ScreenTimeEvent {
	return learnerEvent(in, models.EventEnforcementApplied).WithDetails(map[string]interface{}{
		"type":              d.Action.Type,
		"reason":            d.Action.Reason,
		"rule":              rule,
		"blocking":          d.Blocking,
		"enforcement_level": in.Policy.EnforcementLevel,
		"policy_version":    in.Policy.Version,
	})
}

func learnerEvent(in Input, eventType models.EventType) *models.ScreenTimeEvent {
	return models.NewScreenTimeEvent(in.Usage.TenantID, eventType).
		WithLearner(in.Usage.LearnerID).
		WithSession(in.SessionID).
		At(in.Now)
}
