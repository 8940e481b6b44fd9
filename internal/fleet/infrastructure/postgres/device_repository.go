package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	fleet "fleet-dispatch/internal/fleet/domain"
)

const defaultDevicesTable = "devices"

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DeviceRepository is a Postgres implementation for devices.
type DeviceRepository struct {
	db    DBTX
	table string
}

// NewDeviceRepository constructs a repository.
func NewDeviceRepository(db DBTX, opts ...DeviceOption) *DeviceRepository {
	repo := &DeviceRepository{db: db, table: defaultDevicesTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// DeviceOption configures the repository.
type DeviceOption func(*DeviceRepository)

// WithDeviceTable overrides the default table name.
func WithDeviceTable(table string) DeviceOption {
	return func(repo *DeviceRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

const deviceColumns = `id, enrollment_id, status, policy_id, model, manufacturer, os_version,
	last_heartbeat, last_sync, last_location, created_at, updated_at`

// Get loads a device by id.
func (r *DeviceRepository) Get(ctx context.Context, id string) (*fleet.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	if id == "" {
		return nil, errors.New("device repo: empty id")
	}

	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE id = $1
LIMIT 1`, deviceColumns, r.table)

	device, err := scanDevice(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, fleet.ErrDeviceNotFound
	}
	return device, nil
}

// GetByEnrollmentID loads a device by its unique enrollment id.
func (r *DeviceRepository) GetByEnrollmentID(ctx context.Context, enrollmentID string) (*fleet.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	if enrollmentID == "" {
		return nil, errors.New("device repo: empty enrollment id")
	}

	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE enrollment_id = $1
LIMIT 1`, deviceColumns, r.table)

	device, err := scanDevice(r.db.QueryRowContext(ctx, query, enrollmentID))
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, fleet.ErrDeviceNotFound
	}
	return device, nil
}

// List loads devices, optionally filtered by status.
func (r *DeviceRepository) List(ctx context.Context, status string) ([]fleet.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}

	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE ($1 = '' OR status = $1)
ORDER BY id ASC`, deviceColumns, r.table)

	rows, err := r.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []fleet.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *device)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Save upserts a device.
func (r *DeviceRepository) Save(ctx context.Context, device *fleet.Device) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	if device == nil {
		return errors.New("device repo: nil device")
	}
	if err := device.Validate(); err != nil {
		return err
	}

	var location []byte
	if device.LastLocation != nil {
		encoded, err := json.Marshal(device.LastLocation)
		if err != nil {
			return err
		}
		location = encoded
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	enrollment_id,
	status,
	policy_id,
	model,
	manufacturer,
	os_version,
	last_heartbeat,
	last_sync,
	last_location,
	created_at,
	updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW()
)
ON CONFLICT (id)
DO UPDATE SET
	enrollment_id = EXCLUDED.enrollment_id,
	status = EXCLUDED.status,
	policy_id = EXCLUDED.policy_id,
	model = EXCLUDED.model,
	manufacturer = EXCLUDED.manufacturer,
	os_version = EXCLUDED.os_version,
	last_heartbeat = EXCLUDED.last_heartbeat,
	last_sync = EXCLUDED.last_sync,
	last_location = EXCLUDED.last_location,
	updated_at = NOW()`, r.table)

	_, err := r.db.ExecContext(ctx, query,
		device.ID,
		device.EnrollmentID,
		device.Status,
		nullString(device.PolicyID),
		device.Model,
		device.Manufacturer,
		device.OSVersion,
		nullTime(device.LastHeartbeat),
		nullTime(device.LastSync),
		location,
	)
	return err
}

// UpdateStatus transitions a device status.
func (r *DeviceRepository) UpdateStatus(ctx context.Context, id, status string) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	if !fleet.ValidStatus(status) {
		return errors.New("device repo: invalid status")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = $1, updated_at = NOW()
WHERE id = $2`, r.table)
	result, err := r.db.ExecContext(ctx, query, status, id)
	if err != nil {
		return err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fleet.ErrDeviceNotFound
	}
	return nil
}

// UpdatePolicy assigns or clears the device policy.
func (r *DeviceRepository) UpdatePolicy(ctx context.Context, id, policyID string) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET policy_id = $1, updated_at = NOW()
WHERE id = $2`, r.table)
	result, err := r.db.ExecContext(ctx, query, nullString(policyID), id)
	if err != nil {
		return err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fleet.ErrDeviceNotFound
	}
	return nil
}

// TouchHeartbeat records a heartbeat and optional location.
func (r *DeviceRepository) TouchHeartbeat(ctx context.Context, id string, at time.Time, loc *fleet.Location) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	var location []byte
	if loc != nil {
		encoded, err := json.Marshal(loc)
		if err != nil {
			return err
		}
		location = encoded
	}
	query := fmt.Sprintf(`
UPDATE %s
SET last_heartbeat = $1,
	last_sync = $1,
	last_location = COALESCE($2, last_location),
	updated_at = NOW()
WHERE id = $3`, r.table)
	result, err := r.db.ExecContext(ctx, query, at.UTC(), location, id)
	if err != nil {
		return err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fleet.ErrDeviceNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*fleet.Device, error) {
	var device fleet.Device
	var policyID sql.NullString
	var lastHeartbeat sql.NullTime
	var lastSync sql.NullTime
	var location []byte
	if err := row.Scan(
		&device.ID,
		&device.EnrollmentID,
		&device.Status,
		&policyID,
		&device.Model,
		&device.Manufacturer,
		&device.OSVersion,
		&lastHeartbeat,
		&lastSync,
		&location,
		&device.CreatedAt,
		&device.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if policyID.Valid {
		device.PolicyID = policyID.String
	}
	if lastHeartbeat.Valid {
		device.LastHeartbeat = lastHeartbeat.Time.UTC()
	}
	if lastSync.Valid {
		device.LastSync = lastSync.Time.UTC()
	}
	if len(location) > 0 {
		var loc fleet.Location
		if err := json.Unmarshal(location, &loc); err == nil {
			device.LastLocation = &loc
		}
	}
	device.CreatedAt = device.CreatedAt.UTC()
	device.UpdatedAt = device.UpdatedAt.UTC()
	return &device, nil
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullTime(value time.Time) any {
	if value.IsZero() {
		return nil
	}
	return value.UTC()
}
