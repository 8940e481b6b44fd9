package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	delivery "fleet-dispatch/internal/delivery/domain"
)

// WebhookRepository stores webhook endpoints and their delivery audit trail.
type WebhookRepository struct {
	db *sql.DB
}

// NewWebhookRepository constructs a repository.
func NewWebhookRepository(db *sql.DB) *WebhookRepository {
	return &WebhookRepository{db: db}
}

const endpointColumns = `id, url, event_types, headers, enabled, created_at, updated_at`

// Save upserts an endpoint.
func (r *WebhookRepository) Save(ctx context.Context, ep *delivery.WebhookEndpoint) error {
	if r == nil || r.db == nil {
		return errors.New("webhook repo: nil db")
	}
	if ep == nil {
		return errors.New("webhook repo: nil endpoint")
	}
	if err := ep.Validate(); err != nil {
		return err
	}
	eventTypes, err := json.Marshal(ep.EventTypes)
	if err != nil {
		return err
	}
	headers := []byte("{}")
	if len(ep.Headers) > 0 {
		headers, err = json.Marshal(ep.Headers)
		if err != nil {
			return err
		}
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO webhook_endpoints (
	id, url, event_types, headers, enabled, created_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7
)
ON CONFLICT (id) DO UPDATE SET
	url = EXCLUDED.url,
	event_types = EXCLUDED.event_types,
	headers = EXCLUDED.headers,
	enabled = EXCLUDED.enabled,
	updated_at = EXCLUDED.updated_at`,
		ep.ID, ep.URL, eventTypes, headers, ep.Enabled,
		ep.CreatedAt.UTC(), ep.UpdatedAt.UTC())
	return err
}

// Get fetches an endpoint by id.
func (r *WebhookRepository) Get(ctx context.Context, id string) (*delivery.WebhookEndpoint, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("webhook repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+endpointColumns+`
FROM webhook_endpoints
WHERE id = $1
LIMIT 1`, id)
	ep, err := scanEndpoint(row)
	if err != nil {
		return nil, err
	}
	if ep == nil {
		return nil, delivery.ErrEndpointNotFound
	}
	return ep, nil
}

// ListEnabled returns every enabled endpoint.
func (r *WebhookRepository) ListEnabled(ctx context.Context) ([]delivery.WebhookEndpoint, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("webhook repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+endpointColumns+`
FROM webhook_endpoints
WHERE enabled = TRUE
ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []delivery.WebhookEndpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *ep)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// SetEnabled toggles an endpoint without touching its subscription list.
func (r *WebhookRepository) SetEnabled(ctx context.Context, id string, enabled bool, at time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("webhook repo: nil db")
	}
	result, err := r.db.ExecContext(ctx, `
UPDATE webhook_endpoints
SET enabled = $1, updated_at = $2
WHERE id = $3`, enabled, at.UTC(), id)
	if err != nil {
		return err
	}
	count, _ := result.RowsAffected()
	if count == 0 {
		return delivery.ErrEndpointNotFound
	}
	return nil
}

// Delete removes an endpoint. Past deliveries stay for the audit trail.
func (r *WebhookRepository) Delete(ctx context.Context, id string) error {
	if r == nil || r.db == nil {
		return errors.New("webhook repo: nil db")
	}
	_, err := r.db.ExecContext(ctx, `DELETE FROM webhook_endpoints WHERE id = $1`, id)
	return err
}

// Record persists a delivery audit record.
func (r *WebhookRepository) Record(ctx context.Context, d *delivery.WebhookDelivery) error {
	if r == nil || r.db == nil {
		return errors.New("webhook repo: nil db")
	}
	if d == nil {
		return errors.New("webhook repo: nil delivery")
	}
	var completedAt any
	if !d.CompletedAt.IsZero() {
		completedAt = d.CompletedAt.UTC()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO webhook_deliveries (
	id, endpoint_id, event_id, event_type, status, status_code,
	error, retry_count, created_at, completed_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
)`, d.ID, d.EndpointID, d.EventID, d.EventType, d.Status, d.StatusCode,
		d.Error, d.RetryCount, d.CreatedAt.UTC(), completedAt)
	return err
}

// ListDeliveries returns the most recent delivery records for an endpoint.
func (r *WebhookRepository) ListDeliveries(ctx context.Context, endpointID string, limit int) ([]delivery.WebhookDelivery, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("webhook repo: nil db")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, endpoint_id, event_id, event_type, status, status_code,
	error, retry_count, created_at, completed_at
FROM webhook_deliveries
WHERE endpoint_id = $1
ORDER BY created_at DESC
LIMIT $2`, endpointID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []delivery.WebhookDelivery
	for rows.Next() {
		var d delivery.WebhookDelivery
		var errText sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(
			&d.ID,
			&d.EndpointID,
			&d.EventID,
			&d.EventType,
			&d.Status,
			&d.StatusCode,
			&errText,
			&d.RetryCount,
			&d.CreatedAt,
			&completedAt,
		); err != nil {
			return nil, err
		}
		if errText.Valid {
			d.Error = errText.String
		}
		if completedAt.Valid {
			d.CompletedAt = completedAt.Time.UTC()
		}
		d.CreatedAt = d.CreatedAt.UTC()
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanEndpoint(row rowScanner) (*delivery.WebhookEndpoint, error) {
	var ep delivery.WebhookEndpoint
	var eventTypes []byte
	var headers []byte
	if err := row.Scan(
		&ep.ID,
		&ep.URL,
		&eventTypes,
		&headers,
		&ep.Enabled,
		&ep.CreatedAt,
		&ep.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if len(eventTypes) > 0 {
		if err := json.Unmarshal(eventTypes, &ep.EventTypes); err != nil {
			return nil, err
		}
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &ep.Headers); err != nil {
			return nil, err
		}
	}
	ep.CreatedAt = ep.CreatedAt.UTC()
	ep.UpdatedAt = ep.UpdatedAt.UTC()
	return &ep, nil
}
