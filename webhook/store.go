// Package webhook persists processed external events so at-least-once
// delivery becomes effectively-once processing. The unique event_id is the
// entire idempotency mechanism: a redelivered event inserts zero rows and the
// caller skips its business write.
package webhook

import (
	"context"
	"database/sql"
	"time"

	"github.com/cronicorn/cronicorn/errors"
)

// Event statuses.
const (
	StatusProcessed = "processed"
	StatusSkipped   = "skipped"
)

// Event is a processed external event.
type Event struct {
	EventID     string
	EventType   string
	ProcessedAt time.Time
	Status      string
}

// EventStore records processed events keyed by their provider-assigned id.
type EventStore struct {
	db *sql.DB
}

// NewEventStore creates a new event store
func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

// RecordProcessedEvent marks an event as processed. Returns true when this
// call recorded it and false when the event was already known; callers only
// perform the business write on true. Insert-if-absent, so concurrent
// deliveries of the same event race safely.
func (s *EventStore) RecordProcessedEvent(ctx context.Context, eventID, eventType, status string) (bool, error) {
	if status == "" {
		status = StatusProcessed
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (event_id, event_type, processed_at, status)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`, eventID, eventType, time.Now().UTC().Format(time.RFC3339), status)
	if err != nil {
		return false, errors.Wrapf(err, "failed to record event %s", eventID)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return rows == 1, nil
}

// HasBeenProcessed reports whether an event id is already recorded.
func (s *EventStore) HasBeenProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM webhook_events WHERE event_id = ?
	`, eventID).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, errors.Wrapf(err, "failed to check event %s", eventID)
	}
	return true, nil
}

// GetEvent retrieves a recorded event.
func (s *EventStore) GetEvent(ctx context.Context, eventID string) (*Event, error) {
	var ev Event
	var processedAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT event_id, event_type, processed_at, status
		FROM webhook_events WHERE event_id = ?
	`, eventID).Scan(&ev.EventID, &ev.EventType, &processedAt, &ev.Status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("event %s", eventID)
		}
		return nil, errors.Wrapf(err, "failed to get event %s", eventID)
	}

	if ev.ProcessedAt, err = time.Parse(time.RFC3339, processedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse processed_at for event %s", eventID)
	}
	return &ev, nil
}
