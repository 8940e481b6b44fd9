package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	delivery "fleet-dispatch/internal/delivery/domain"
)

// QueueRepository is a Postgres implementation for queued messages.
type QueueRepository struct {
	db *sql.DB
}

// NewQueueRepository constructs a repository.
func NewQueueRepository(db *sql.DB) *QueueRepository {
	return &QueueRepository{db: db}
}

const messageColumns = `id, device_id, message_type, payload, priority, status,
	attempts, max_attempts, last_error, next_attempt_at, expires_at, created_at, delivered_at`

// Enqueue inserts a message.
func (r *QueueRepository) Enqueue(ctx context.Context, msg *delivery.QueuedMessage) error {
	if r == nil || r.db == nil {
		return errors.New("queue repo: nil db")
	}
	if msg == nil {
		return errors.New("queue repo: nil message")
	}
	payload := msg.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO queued_messages (
	id, device_id, message_type, payload, priority, status,
	attempts, max_attempts, expires_at, created_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
)`, msg.ID, msg.DeviceID, msg.MessageType, payload, msg.Priority, msg.Status,
		msg.Attempts, msg.MaxAttempts, msg.ExpiresAt.UTC(), msg.CreatedAt.UTC())
	return err
}

// Get fetches a message by id.
func (r *QueueRepository) Get(ctx context.Context, id string) (*delivery.QueuedMessage, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("queue repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+messageColumns+`
FROM queued_messages
WHERE id = $1
LIMIT 1`, id)
	msg, err := scanMessage(row)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, delivery.ErrMessageNotFound
	}
	return msg, nil
}

// ListDue returns failed messages whose backoff has elapsed and which still
// have attempts left, highest priority first.
func (r *QueueRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]delivery.QueuedMessage, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("queue repo: nil db")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+messageColumns+`
FROM queued_messages
WHERE status = $1
	AND attempts < max_attempts
	AND next_attempt_at <= $2
	AND expires_at > $2
ORDER BY CASE priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END, created_at ASC
LIMIT $3`, delivery.MessageFailed, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []delivery.QueuedMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// MarkProcessing marks a message as being attempted.
func (r *QueueRepository) MarkProcessing(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, delivery.MessageProcessing)
}

// MarkDelivered marks a message delivered.
func (r *QueueRepository) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("queue repo: nil db")
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE queued_messages
SET status = $1, delivered_at = $2, last_error = NULL
WHERE id = $3`, delivery.MessageDelivered, at.UTC(), id)
	return err
}

// MarkFailed records a failed attempt and the next retry time.
func (r *QueueRepository) MarkFailed(ctx context.Context, id string, attempts int, lastError string, nextAttemptAt time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("queue repo: nil db")
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE queued_messages
SET status = $1, attempts = $2, last_error = $3, next_attempt_at = $4
WHERE id = $5`, delivery.MessageFailed, attempts, lastError, nextAttemptAt.UTC(), id)
	return err
}

// ExpireBefore marks undelivered messages past expiry as expired and returns
// the count.
func (r *QueueRepository) ExpireBefore(ctx context.Context, now time.Time) (int, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("queue repo: nil db")
	}
	result, err := r.db.ExecContext(ctx, `
UPDATE queued_messages
SET status = $1
WHERE status IN ($2, $3) AND expires_at <= $4`,
		delivery.MessageExpired, delivery.MessagePending, delivery.MessageFailed, now.UTC())
	if err != nil {
		return 0, err
	}
	count, _ := result.RowsAffected()
	return int(count), nil
}

// CountBacklog returns undelivered message counts for gauge metrics.
func (r *QueueRepository) CountBacklog(ctx context.Context) (int, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("queue repo: nil db")
	}
	var count int
	err := r.db.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM queued_messages
WHERE status IN ($1, $2, $3)`,
		delivery.MessagePending, delivery.MessageProcessing, delivery.MessageFailed).Scan(&count)
	return count, err
}

func (r *QueueRepository) setStatus(ctx context.Context, id, status string) error {
	if r == nil || r.db == nil {
		return errors.New("queue repo: nil db")
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE queued_messages
SET status = $1
WHERE id = $2`, status, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*delivery.QueuedMessage, error) {
	var msg delivery.QueuedMessage
	var payload []byte
	var lastError sql.NullString
	var nextAttemptAt sql.NullTime
	var deliveredAt sql.NullTime
	if err := row.Scan(
		&msg.ID,
		&msg.DeviceID,
		&msg.MessageType,
		&payload,
		&msg.Priority,
		&msg.Status,
		&msg.Attempts,
		&msg.MaxAttempts,
		&lastError,
		&nextAttemptAt,
		&msg.ExpiresAt,
		&msg.CreatedAt,
		&deliveredAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	msg.Payload = payload
	if lastError.Valid {
		msg.LastError = lastError.String
	}
	if nextAttemptAt.Valid {
		msg.NextAttemptAt = nextAttemptAt.Time.UTC()
	}
	if deliveredAt.Valid {
		msg.DeliveredAt = deliveredAt.Time.UTC()
	}
	msg.ExpiresAt = msg.ExpiresAt.UTC()
	msg.CreatedAt = msg.CreatedAt.UTC()
	return &msg, nil
}
