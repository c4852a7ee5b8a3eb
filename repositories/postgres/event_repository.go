package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/screentime-engine/models"
	"github.com/upb/screentime-engine/repositories"
	"go.uber.org/zap"
)

// EventRepository implements the repositories.EventRepository interface
type EventRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *DB, logger *zap.Logger) repositories.EventRepository {
	return &EventRepository{
		db:     db,
		logger: logger,
	}
}

// Insert appends an event
func (r *EventRepository) Insert(ctx context.Context, event *models.ScreenTimeEvent) error {
	query := `
		INSERT INTO screen_time_events (id, tenant_id, learner_id, event_type, session_id, details, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	executor := querier(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		event.ID,
		event.TenantID,
		event.LearnerID,
		event.Type,
		event.SessionID,
		[]byte(event.Details),
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	r.logger.Debug("event inserted", zap.String("id", event.ID.String()), zap.String("type", string(event.Type)))
	return nil
}

// ListByLearner retrieves a learner's events, newest first, with pagination
func (r *EventRepository) ListByLearner(ctx context.Context, tenantID, learnerID uuid.UUID, limit, offset int) ([]*models.ScreenTimeEvent, error) {
	query := `
		SELECT id, tenant_id, learner_id, event_type, session_id, details, timestamp
		FROM screen_time_events
		WHERE tenant_id = $1 AND learner_id = $2
		ORDER BY timestamp DESC
		LIMIT $3 OFFSET $4
	`

	executor := querier(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, tenantID, learnerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*models.ScreenTimeEvent
	for rows.Next() {
		e := &models.ScreenTimeEvent{}
		var details []byte
		if err := rows.Scan(
			&e.ID,
			&e.TenantID,
			&e.LearnerID,
			&e.Type,
			&e.SessionID,
			&details,
			&e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Details = details
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}

	return events, nil
}
