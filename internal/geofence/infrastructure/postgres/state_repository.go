package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	geofence "fleet-dispatch/internal/geofence/domain"
)

// StateRepository persists per (device, zone) containment state so zone
// evaluation survives process restarts.
type StateRepository struct {
	db *sql.DB
}

// NewStateRepository constructs a repository.
func NewStateRepository(db *sql.DB) *StateRepository {
	return &StateRepository{db: db}
}

const stateColumns = `device_id, zone_id, inside, entered_at, exited_at, dwell_ms, updated_at`

// Get returns the state for a (device, zone) pair, or nil when the pair has
// never been evaluated.
func (r *StateRepository) Get(ctx context.Context, deviceID, zoneID string) (*geofence.DeviceZoneState, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("state repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+stateColumns+`
FROM device_zone_states
WHERE device_id = $1 AND zone_id = $2
LIMIT 1`, deviceID, zoneID)
	return scanState(row)
}

// Save upserts state on the composite key.
func (r *StateRepository) Save(ctx context.Context, state *geofence.DeviceZoneState) error {
	if r == nil || r.db == nil {
		return errors.New("state repo: nil db")
	}
	if state == nil {
		return errors.New("state repo: nil state")
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO device_zone_states (
	device_id, zone_id, inside, entered_at, exited_at, dwell_ms, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7
)
ON CONFLICT (device_id, zone_id) DO UPDATE SET
	inside = EXCLUDED.inside,
	entered_at = EXCLUDED.entered_at,
	exited_at = EXCLUDED.exited_at,
	dwell_ms = EXCLUDED.dwell_ms,
	updated_at = EXCLUDED.updated_at`,
		state.DeviceID, state.ZoneID, state.Inside,
		nullableTime(state.EnteredAt), nullableTime(state.ExitedAt),
		state.DwellTime.Milliseconds(), state.UpdatedAt.UTC())
	return err
}

// ListInsideByZone returns every device currently inside a zone.
func (r *StateRepository) ListInsideByZone(ctx context.Context, zoneID string) ([]geofence.DeviceZoneState, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("state repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+stateColumns+`
FROM device_zone_states
WHERE zone_id = $1 AND inside = TRUE`, zoneID)
	if err != nil {
		return nil, err
	}
	return collectStates(rows)
}

// ListInsideByDevice returns every zone a device is currently inside.
func (r *StateRepository) ListInsideByDevice(ctx context.Context, deviceID string) ([]geofence.DeviceZoneState, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("state repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+stateColumns+`
FROM device_zone_states
WHERE device_id = $1 AND inside = TRUE`, deviceID)
	if err != nil {
		return nil, err
	}
	return collectStates(rows)
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func scanState(row rowScanner) (*geofence.DeviceZoneState, error) {
	var state geofence.DeviceZoneState
	var enteredAt, exitedAt sql.NullTime
	var dwellMs int64
	if err := row.Scan(
		&state.DeviceID,
		&state.ZoneID,
		&state.Inside,
		&enteredAt,
		&exitedAt,
		&dwellMs,
		&state.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if enteredAt.Valid {
		state.EnteredAt = enteredAt.Time.UTC()
	}
	if exitedAt.Valid {
		state.ExitedAt = exitedAt.Time.UTC()
	}
	state.DwellTime = time.Duration(dwellMs) * time.Millisecond
	state.UpdatedAt = state.UpdatedAt.UTC()
	return &state, nil
}

func collectStates(rows *sql.Rows) ([]geofence.DeviceZoneState, error) {
	defer rows.Close()
	var result []geofence.DeviceZoneState
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *state)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
