package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	commands "fleet-dispatch/internal/commands/domain"
)

// CommandRepository is a Postgres implementation for commands.
type CommandRepository struct {
	db *sql.DB
}

// NewCommandRepository constructs a repository.
func NewCommandRepository(db *sql.DB) *CommandRepository {
	return &CommandRepository{db: db}
}

const commandColumns = `command_id, device_id, command_type, payload, idempotency_key,
	status, result, error, created_at, sent_at, acknowledged_at, completed_at`

// Create inserts a command.
func (r *CommandRepository) Create(ctx context.Context, cmd *commands.Command) error {
	if r == nil || r.db == nil {
		return errors.New("command repo: nil db")
	}
	if cmd == nil {
		return errors.New("command repo: nil command")
	}
	payload := cmd.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if !json.Valid(payload) {
		return errors.New("command repo: invalid payload")
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO commands (
	command_id, device_id, command_type, payload, idempotency_key,
	status, created_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7
)`, cmd.CommandID, cmd.DeviceID, cmd.CommandType, payload, cmd.IdempotencyKey, cmd.Status, cmd.CreatedAt)
	return err
}

// GetByID fetches a command by id.
func (r *CommandRepository) GetByID(ctx context.Context, id string) (*commands.Command, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+commandColumns+`
FROM commands
WHERE command_id = $1
LIMIT 1`, id)
	return scanCommand(row)
}

// FindByIdempotencyKey finds a command by idempotency key within a time window.
func (r *CommandRepository) FindByIdempotencyKey(ctx context.Context, key string, since time.Time) (*commands.Command, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	if key == "" {
		return nil, errors.New("command repo: invalid idempotency query")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+commandColumns+`
FROM commands
WHERE idempotency_key = $1 AND created_at >= $2
ORDER BY created_at DESC
LIMIT 1`, key, since)
	return scanCommand(row)
}

// ListPending returns all non-terminal commands for a device.
func (r *CommandRepository) ListPending(ctx context.Context, deviceID string) ([]commands.Command, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	if deviceID == "" {
		return nil, errors.New("command repo: empty device id")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+commandColumns+`
FROM commands
WHERE device_id = $1 AND status IN ($2, $3, $4)
ORDER BY created_at ASC`, deviceID, commands.StatusPending, commands.StatusSent, commands.StatusAcknowledged)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCommands(rows)
}

// ListStale returns in-flight commands whose last lifecycle progress
// (acknowledged, sent, or created) predates the cutoff, oldest first, for the
// timeout sweep. A command that waited in pending for a long time is not
// stale right after being sent.
func (r *CommandRepository) ListStale(ctx context.Context, statuses []string, before time.Time, limit int) ([]commands.Command, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	if len(statuses) == 0 {
		return nil, errors.New("command repo: empty status filter")
	}
	if limit <= 0 {
		limit = 100
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+2)
	args = append(args, before)
	for i, status := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, status)
	}
	args = append(args, limit)
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
SELECT `+commandColumns+`
FROM commands
WHERE COALESCE(acknowledged_at, sent_at, created_at) < $1 AND status IN (%s)
ORDER BY created_at ASC
LIMIT $%d`, strings.Join(placeholders, ", "), len(statuses)+2), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCommands(rows)
}

// ListByDeviceAndTime lists commands for a device in a time range.
func (r *CommandRepository) ListByDeviceAndTime(ctx context.Context, deviceID string, from, to time.Time) ([]commands.Command, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+commandColumns+`
FROM commands
WHERE device_id = $1 AND created_at >= $2 AND created_at < $3
ORDER BY created_at ASC`, deviceID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCommands(rows)
}

// Transition moves a command between statuses when the current status allows
// it. The conditional UPDATE is what keeps duplicate or out-of-order device
// callbacks safe: a transition that finds no matching row was either already
// applied or targets a terminal command.
func (r *CommandRepository) Transition(ctx context.Context, id string, from []string, to string, at time.Time) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("command repo: nil db")
	}
	if len(from) == 0 {
		return false, errors.New("command repo: empty transition source")
	}

	column := ""
	switch to {
	case commands.StatusSent:
		column = "sent_at"
	case commands.StatusAcknowledged:
		column = "acknowledged_at"
	case commands.StatusCompleted, commands.StatusFailed, commands.StatusCancelled:
		column = "completed_at"
	default:
		return false, errors.New("command repo: invalid target status")
	}

	result, err := r.db.ExecContext(ctx, `
UPDATE commands
SET status = $1, `+column+` = $2
WHERE command_id = $3 AND status = ANY($4)`, to, at.UTC(), id, statusArray(from))
	if err != nil {
		return false, err
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// SetResult records a terminal result payload.
func (r *CommandRepository) SetResult(ctx context.Context, id string, result *commands.Result) error {
	if r == nil || r.db == nil {
		return errors.New("command repo: nil db")
	}
	var encoded []byte
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return err
		}
		encoded = data
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE commands
SET result = $1
WHERE command_id = $2`, encoded, id)
	return err
}

// SetError records terminal error text.
func (r *CommandRepository) SetError(ctx context.Context, id, errMsg string) error {
	if r == nil || r.db == nil {
		return errors.New("command repo: nil db")
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE commands
SET error = $1
WHERE command_id = $2`, errMsg, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func collectCommands(rows *sql.Rows) ([]commands.Command, error) {
	var result []commands.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanCommand(row rowScanner) (*commands.Command, error) {
	var cmd commands.Command
	var payload []byte
	var resultData []byte
	var sentAt sql.NullTime
	var acknowledgedAt sql.NullTime
	var completedAt sql.NullTime
	var errMsg sql.NullString
	if err := row.Scan(
		&cmd.CommandID,
		&cmd.DeviceID,
		&cmd.CommandType,
		&payload,
		&cmd.IdempotencyKey,
		&cmd.Status,
		&resultData,
		&errMsg,
		&cmd.CreatedAt,
		&sentAt,
		&acknowledgedAt,
		&completedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	cmd.Payload = payload
	if len(resultData) > 0 {
		var res commands.Result
		if err := json.Unmarshal(resultData, &res); err == nil {
			cmd.Result = &res
		}
	}
	if sentAt.Valid {
		cmd.SentAt = sentAt.Time.UTC()
	}
	if acknowledgedAt.Valid {
		cmd.AcknowledgedAt = acknowledgedAt.Time.UTC()
	}
	if completedAt.Valid {
		cmd.CompletedAt = completedAt.Time.UTC()
	}
	if errMsg.Valid {
		cmd.Error = errMsg.String
	}
	cmd.CreatedAt = cmd.CreatedAt.UTC()
	return &cmd, nil
}

func statusArray(values []string) any {
	quoted := "{"
	for i, value := range values {
		if i > 0 {
			quoted += ","
		}
		quoted += value
	}
	return quoted + "}"
}
