package events

import "time"

// DeviceEnrolled is emitted when a device completes enrollment.
type DeviceEnrolled struct {
	EventID      string    `json:"event_id"`
	DeviceID     string    `json:"device_id"`
	EnrollmentID string    `json:"enrollment_id"`
	Model        string    `json:"model"`
	Manufacturer string    `json:"manufacturer"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// DeviceStatusChanged is emitted when a device status transitions.
type DeviceStatusChanged struct {
	EventID    string    `json:"event_id"`
	DeviceID   string    `json:"device_id"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	OccurredAt time.Time `json:"occurred_at"`
}
