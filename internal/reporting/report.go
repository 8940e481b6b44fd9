package reporting

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// DeviceLine is one device's activity within the report period.
type DeviceLine struct {
	DeviceID  string
	Issued    int
	Completed int
	Failed    int
	Cancelled int
}

// DispatchReport summarizes command and delivery activity over a period.
type DispatchReport struct {
	From time.Time
	To   time.Time

	CommandsIssued    int
	CommandsCompleted int
	CommandsFailed    int
	CommandsCancelled int

	WebhooksSucceeded int
	WebhooksFailed    int

	MessagesDelivered int
	MessagesExpired   int

	Devices     []DeviceLine
	GeneratedAt time.Time
}

// BuildDispatchReport assembles a report from the store.
func BuildDispatchReport(ctx context.Context, db *sql.DB, from, to time.Time) (*DispatchReport, error) {
	if db == nil {
		return nil, errors.New("reporting: nil db")
	}
	if !to.After(from) {
		return nil, errors.New("reporting: empty period")
	}
	report := &DispatchReport{
		From:        from.UTC(),
		To:          to.UTC(),
		GeneratedAt: time.Now().UTC(),
	}

	err := db.QueryRowContext(ctx, `
SELECT
	COUNT(*),
	COUNT(*) FILTER (WHERE status = 'completed'),
	COUNT(*) FILTER (WHERE status = 'failed'),
	COUNT(*) FILTER (WHERE status = 'cancelled')
FROM commands
WHERE created_at >= $1 AND created_at < $2`, report.From, report.To).Scan(
		&report.CommandsIssued,
		&report.CommandsCompleted,
		&report.CommandsFailed,
		&report.CommandsCancelled,
	)
	if err != nil {
		return nil, err
	}

	err = db.QueryRowContext(ctx, `
SELECT
	COUNT(*) FILTER (WHERE status = 'succeeded'),
	COUNT(*) FILTER (WHERE status = 'failed')
FROM webhook_deliveries
WHERE created_at >= $1 AND created_at < $2`, report.From, report.To).Scan(
		&report.WebhooksSucceeded,
		&report.WebhooksFailed,
	)
	if err != nil {
		return nil, err
	}

	err = db.QueryRowContext(ctx, `
SELECT
	COUNT(*) FILTER (WHERE status = 'delivered'),
	COUNT(*) FILTER (WHERE status = 'expired')
FROM queued_messages
WHERE created_at >= $1 AND created_at < $2`, report.From, report.To).Scan(
		&report.MessagesDelivered,
		&report.MessagesExpired,
	)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
SELECT
	device_id,
	COUNT(*),
	COUNT(*) FILTER (WHERE status = 'completed'),
	COUNT(*) FILTER (WHERE status = 'failed'),
	COUNT(*) FILTER (WHERE status = 'cancelled')
FROM commands
WHERE created_at >= $1 AND created_at < $2
GROUP BY device_id
ORDER BY COUNT(*) DESC
LIMIT 200`, report.From, report.To)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var line DeviceLine
		if err := rows.Scan(&line.DeviceID, &line.Issued, &line.Completed, &line.Failed, &line.Cancelled); err != nil {
			return nil, err
		}
		report.Devices = append(report.Devices, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return report, nil
}
