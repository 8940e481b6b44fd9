package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	geofence "fleet-dispatch/internal/geofence/domain"
)

// ZoneRepository is a Postgres implementation of zone persistence.
type ZoneRepository struct {
	db *sql.DB
}

// NewZoneRepository constructs a repository.
func NewZoneRepository(db *sql.DB) *ZoneRepository {
	return &ZoneRepository{db: db}
}

const zoneColumns = `id, name, geometry, enabled, schedule, enter_actions,
	exit_actions, policy_override, dwell_ms, created_at, updated_at`

// Save upserts a zone.
func (r *ZoneRepository) Save(ctx context.Context, zone *geofence.Zone) error {
	if r == nil || r.db == nil {
		return errors.New("zone repo: nil db")
	}
	if zone == nil {
		return errors.New("zone repo: nil zone")
	}
	if err := zone.Validate(); err != nil {
		return err
	}
	geometry, err := json.Marshal(zone.Geometry)
	if err != nil {
		return err
	}
	var schedule any
	if zone.Schedule != nil {
		encoded, err := json.Marshal(zone.Schedule)
		if err != nil {
			return err
		}
		schedule = encoded
	}
	enterActions, err := encodeActions(zone.EnterActions)
	if err != nil {
		return err
	}
	exitActions, err := encodeActions(zone.ExitActions)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO geofence_zones (
	id, name, geometry, enabled, schedule, enter_actions,
	exit_actions, policy_override, dwell_ms, created_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	geometry = EXCLUDED.geometry,
	enabled = EXCLUDED.enabled,
	schedule = EXCLUDED.schedule,
	enter_actions = EXCLUDED.enter_actions,
	exit_actions = EXCLUDED.exit_actions,
	policy_override = EXCLUDED.policy_override,
	dwell_ms = EXCLUDED.dwell_ms,
	updated_at = EXCLUDED.updated_at`,
		zone.ID, zone.Name, geometry, zone.Enabled, schedule, enterActions,
		exitActions, zone.PolicyOverride, zone.DwellTime.Milliseconds(),
		zone.CreatedAt.UTC(), zone.UpdatedAt.UTC())
	return err
}

// Get fetches a zone by id.
func (r *ZoneRepository) Get(ctx context.Context, id string) (*geofence.Zone, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("zone repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+zoneColumns+`
FROM geofence_zones
WHERE id = $1
LIMIT 1`, id)
	zone, err := scanZone(row)
	if err != nil {
		return nil, err
	}
	if zone == nil {
		return nil, geofence.ErrZoneNotFound
	}
	return zone, nil
}

// ListEnabled returns every enabled zone.
func (r *ZoneRepository) ListEnabled(ctx context.Context) ([]geofence.Zone, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("zone repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+zoneColumns+`
FROM geofence_zones
WHERE enabled = TRUE
ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []geofence.Zone
	for rows.Next() {
		zone, err := scanZone(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *zone)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Delete removes a zone.
func (r *ZoneRepository) Delete(ctx context.Context, id string) error {
	if r == nil || r.db == nil {
		return errors.New("zone repo: nil db")
	}
	result, err := r.db.ExecContext(ctx, `DELETE FROM geofence_zones WHERE id = $1`, id)
	if err != nil {
		return err
	}
	count, _ := result.RowsAffected()
	if count == 0 {
		return geofence.ErrZoneNotFound
	}
	return nil
}

func encodeActions(actions []geofence.Action) ([]byte, error) {
	if len(actions) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(actions)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanZone(row rowScanner) (*geofence.Zone, error) {
	var zone geofence.Zone
	var geometry, schedule, enterActions, exitActions []byte
	var policyOverride sql.NullString
	var dwellMs int64
	if err := row.Scan(
		&zone.ID,
		&zone.Name,
		&geometry,
		&zone.Enabled,
		&schedule,
		&enterActions,
		&exitActions,
		&policyOverride,
		&dwellMs,
		&zone.CreatedAt,
		&zone.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(geometry, &zone.Geometry); err != nil {
		return nil, err
	}
	if len(schedule) > 0 {
		zone.Schedule = &geofence.ActivationSchedule{}
		if err := json.Unmarshal(schedule, zone.Schedule); err != nil {
			return nil, err
		}
	}
	if len(enterActions) > 0 {
		if err := json.Unmarshal(enterActions, &zone.EnterActions); err != nil {
			return nil, err
		}
	}
	if len(exitActions) > 0 {
		if err := json.Unmarshal(exitActions, &zone.ExitActions); err != nil {
			return nil, err
		}
	}
	if policyOverride.Valid {
		zone.PolicyOverride = policyOverride.String
	}
	zone.DwellTime = time.Duration(dwellMs) * time.Millisecond
	zone.CreatedAt = zone.CreatedAt.UTC()
	zone.UpdatedAt = zone.UpdatedAt.UTC()
	return &zone, nil
}
