package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"fleet-dispatch/internal/eventing"
)

// OutboxStore is a Postgres implementation for outbox records.
type OutboxStore struct {
	db *sql.DB
}

// NewOutboxStore constructs an outbox store.
func NewOutboxStore(db *sql.DB) *OutboxStore {
	return &OutboxStore{db: db}
}

// Insert writes an envelope to outbox.
func (s *OutboxStore) Insert(ctx context.Context, env eventing.Envelope) (string, error) {
	if s == nil || s.db == nil {
		return "", errors.New("outbox store: nil db")
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	outboxID := eventing.NewEventID()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO event_outbox (
	id, event_id, event_type, payload, status, attempts
) VALUES (
	$1, $2, $3, $4, 'pending', 0
)
ON CONFLICT (id) DO NOTHING`,
		outboxID, env.EventID, env.EventType, payload)
	if err != nil {
		return "", err
	}
	return outboxID, nil
}

// ListPending returns pending outbox records, oldest first.
func (s *OutboxStore) ListPending(ctx context.Context, limit int) ([]eventing.OutboxRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("outbox store: nil db")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, payload
FROM event_outbox
WHERE status = 'pending'
ORDER BY created_at ASC
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []eventing.OutboxRecord
	for rows.Next() {
		var id string
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		var env eventing.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return nil, err
		}
		result = append(result, eventing.OutboxRecord{ID: id, Envelope: env})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// MarkSent marks an outbox record as sent.
func (s *OutboxStore) MarkSent(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return errors.New("outbox store: nil db")
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE event_outbox
SET status = 'sent', sent_at = $1
WHERE id = $2`, time.Now().UTC(), id)
	return err
}

// MarkFailed marks an outbox record as failed and increments attempts.
func (s *OutboxStore) MarkFailed(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return errors.New("outbox store: nil db")
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE event_outbox
SET status = 'failed', attempts = attempts + 1
WHERE id = $1`, id)
	return err
}
