package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"fleet-dispatch/internal/eventing"
)

// DLQStore parks envelopes that could not be dispatched. The device and
// correlation ids are stored in their own columns so operators can find every
// stuck event for one device without unpacking payloads.
type DLQStore struct {
	db *sql.DB
}

// NewDLQStore constructs a store.
func NewDLQStore(db *sql.DB) *DLQStore {
	return &DLQStore{db: db}
}

// RecordFailure inserts the envelope, or bumps the attempt counter when the
// same event fails again.
func (s *DLQStore) RecordFailure(ctx context.Context, env eventing.Envelope, cause error) error {
	if s == nil || s.db == nil {
		return errors.New("dlq store: nil db")
	}
	if env.EventID == "" {
		return errors.New("dlq store: empty event id")
	}
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO dead_letter_events (
	event_id, event_type, device_id, correlation_id, payload, error,
	first_seen_at, last_seen_at, attempts
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $7, 1
)
ON CONFLICT (event_id)
DO UPDATE SET
	error = EXCLUDED.error,
	last_seen_at = EXCLUDED.last_seen_at,
	attempts = dead_letter_events.attempts + 1`,
		env.EventID, env.EventType, env.DeviceID, env.CorrelationID,
		[]byte(env.Payload), message, time.Now().UTC())
	return err
}
