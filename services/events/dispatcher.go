package events

import (
	"context"
	"errors"

	"github.com/upb/screentime-engine/models"
	"github.com/upb/screentime-engine/services/enforcement"
	"github.com/upb/screentime-engine/services/ledger"
	"go.uber.org/zap"
)

// Ledger is the part of the usage ledger the dispatcher writes to
type Ledger interface {
	RecordWarnings(ctx context.Context, day ledger.Day, warnings []models.Warning) ([]models.Warning, error)
	SetEnforcement(ctx context.Context, day ledger.Day, action *models.EnforcementAction) (*models.LearnerUsageState, error)
	ClearEnforcement(ctx context.Context, day ledger.Day, types ...models.EnforcementType) (*models.LearnerUsageState, error)
}

// Dispatcher performs the effects returned by enforcement decisions
type Dispatcher struct {
	ledger Ledger
	sink   Sink
	logger *zap.Logger
}

// NewDispatcher creates a new Dispatcher
func NewDispatcher(ledger Ledger, sink Sink, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		ledger: ledger,
		sink:   sink,
		logger: logger,
	}
}

// Dispatch applies effects for one learner day. Enforcement changes are
// written first; warnings are then recorded in a single ledger update and a
// WarningTriggered event is emitted only for those the ledger accepted.
// Ledger failures are logged and returned joined; event failures are ignored.
// The accepted warnings are returned.
func (d *Dispatcher) Dispatch(ctx context.Context, day ledger.Day, effects []enforcement.Effect) ([]models.Warning, error) {
	var errs []error
	var warnings []models.Warning
	pending := make(map[warningKey]*models.ScreenTimeEvent)

	for _, effect := range effects {
		switch effect.Kind {
		case enforcement.EffectSetEnforcement:
			if _, err := d.ledger.SetEnforcement(ctx, day, effect.Action); err != nil {
				d.logger.Warn("failed to set enforcement",
					zap.String("key", day.Key.String()),
					zap.String("type", string(effect.Action.Type)),
					zap.Error(err))
				errs = append(errs, err)
			}

		case enforcement.EffectClearEnforcement:
			if _, err := d.ledger.ClearEnforcement(ctx, day, effect.Types...); err != nil {
				d.logger.Warn("failed to clear enforcement",
					zap.String("key", day.Key.String()),
					zap.Error(err))
				errs = append(errs, err)
			}

		case enforcement.EffectEmitEvent:
			d.emit(effect.Event)

		case enforcement.EffectRecordWarning:
			warnings = append(warnings, *effect.Warning)
			if effect.Event != nil {
				pending[keyOf(*effect.Warning)] = effect.Event
			}
		}
	}

	if len(warnings) == 0 {
		return nil, errors.Join(errs...)
	}

	recorded, err := d.ledger.RecordWarnings(ctx, day, warnings)
	if err != nil {
		d.logger.Warn("failed to record warnings",
			zap.String("key", day.Key.String()),
			zap.Int("count", len(warnings)),
			zap.Error(err))
		return nil, errors.Join(append(errs, err)...)
	}

	for _, w := range recorded {
		if event, ok := pending[keyOf(w)]; ok {
			d.emit(event)
		}
	}
	return recorded, errors.Join(errs...)
}

// Emit records a standalone event
func (d *Dispatcher) Emit(event *models.ScreenTimeEvent) {
	d.emit(event)
}

func (d *Dispatcher) emit(event *models.ScreenTimeEvent) {
	if event == nil || d.sink == nil {
		return
	}
	if err := d.sink.Record(event); err != nil {
		d.logger.Debug("event not recorded",
			zap.String("type", string(event.Type)),
			zap.Error(err))
	}
}

type warningKey struct {
	typ       models.WarningType
	threshold int
}

func keyOf(w models.Warning) warningKey {
	return warningKey{typ: w.Type, threshold: w.Threshold}
}
