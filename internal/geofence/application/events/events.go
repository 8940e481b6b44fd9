package events

import "time"

// ZoneEntered is emitted when a device enters a zone (after any dwell delay).
type ZoneEntered struct {
	EventID    string    `json:"event_id"`
	DeviceID   string    `json:"device_id"`
	ZoneID     string    `json:"zone_id"`
	ZoneName   string    `json:"zone_name"`
	EnteredAt  time.Time `json:"entered_at"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ZoneExited is emitted when a device leaves a zone.
type ZoneExited struct {
	EventID    string        `json:"event_id"`
	DeviceID   string        `json:"device_id"`
	ZoneID     string        `json:"zone_id"`
	ZoneName   string        `json:"zone_name"`
	EnteredAt  time.Time     `json:"entered_at"`
	ExitedAt   time.Time     `json:"exited_at"`
	DwellTime  time.Duration `json:"dwell_time"`
	OccurredAt time.Time     `json:"occurred_at"`
}
