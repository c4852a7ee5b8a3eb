package events

import (
	"context"

	"github.com/upb/screentime-engine/models"
	"go.uber.org/zap"
)

// Publisher forwards recorded events to an outbound channel such as a
// notification or analytics pipeline. Delivery is never awaited by decisions.
type Publisher interface {
	Publish(ctx context.Context, event *models.ScreenTimeEvent) error
}

// NopPublisher discards events
type NopPublisher struct{}

// Publish implements Publisher
func (NopPublisher) Publish(ctx context.Context, event *models.ScreenTimeEvent) error {
	return nil
}

// LogPublisher emits every event as a structured log line
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher creates a publisher writing to logger
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.Named("events")}
}

// Publish implements Publisher
func (p *LogPublisher) Publish(ctx context.Context, event *models.ScreenTimeEvent) error {
	fields := []zap.Field{
		zap.String("event_id", event.ID.String()),
		zap.String("type", string(event.Type)),
		zap.String("tenant_id", event.TenantID.String()),
		zap.Time("timestamp", event.Timestamp),
		zap.ByteString("details", event.Details),
	}
	if event.LearnerID != nil {
		fields = append(fields, zap.String("learner_id", event.LearnerID.String()))
	}
	if event.SessionID != "" {
		fields = append(fields, zap.String("session_id", event.SessionID))
	}
	p.logger.Info("screen-time event", fields...)
	return nil
}
