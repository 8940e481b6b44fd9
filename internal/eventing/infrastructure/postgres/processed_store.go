package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ProcessedStore records which consumer has already handled which event, so
// redelivered envelopes (outbox retries, overlapping dispatch ticks) are
// no-ops per consumer.
type ProcessedStore struct {
	db *sql.DB
}

// NewProcessedStore constructs a store.
func NewProcessedStore(db *sql.DB) *ProcessedStore {
	return &ProcessedStore{db: db}
}

// HasProcessed reports whether the consumer already handled the event.
func (s *ProcessedStore) HasProcessed(ctx context.Context, eventID, consumerName string) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("processed store: nil db")
	}
	if eventID == "" || consumerName == "" {
		return false, errors.New("processed store: event id and consumer required")
	}
	var exists bool
	err := s.db.QueryRowContext(ctx, `
SELECT EXISTS (
	SELECT 1 FROM processed_events WHERE event_id = $1 AND consumer_name = $2
)`, eventID, consumerName).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// MarkProcessed records the event as handled by the consumer. Marking twice
// is harmless.
func (s *ProcessedStore) MarkProcessed(ctx context.Context, eventID, consumerName string) error {
	if s == nil || s.db == nil {
		return errors.New("processed store: nil db")
	}
	if eventID == "" || consumerName == "" {
		return errors.New("processed store: event id and consumer required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO processed_events (event_id, consumer_name, processed_at)
VALUES ($1, $2, $3)
ON CONFLICT (event_id, consumer_name) DO NOTHING`,
		eventID, consumerName, time.Now().UTC())
	return err
}
