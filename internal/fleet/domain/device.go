package fleet

import (
	"context"
	"errors"
	"time"
)

const (
	StatusPending    = "pending"
	StatusEnrolled   = "enrolled"
	StatusUnenrolled = "unenrolled"
	StatusBlocked    = "blocked"
)

// ErrDeviceNotFound is returned when a device id is unknown.
var ErrDeviceNotFound = errors.New("fleet: device not found")

// Location is a last-known device position.
type Location struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Device is the identity anchor for an enrolled endpoint.
type Device struct {
	ID            string
	EnrollmentID  string
	Status        string
	PolicyID      string
	Model         string
	Manufacturer  string
	OSVersion     string
	LastHeartbeat time.Time
	LastSync      time.Time
	LastLocation  *Location
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Validate checks device invariants.
func (d Device) Validate() error {
	if d.ID == "" {
		return errors.New("device: empty id")
	}
	if d.EnrollmentID == "" {
		return errors.New("device: empty enrollment id")
	}
	if !ValidStatus(d.Status) {
		return errors.New("device: invalid status")
	}
	return nil
}

// ValidStatus reports whether a status value is known.
func ValidStatus(status string) bool {
	switch status {
	case StatusPending, StatusEnrolled, StatusUnenrolled, StatusBlocked:
		return true
	}
	return false
}

// Terminal reports whether a device can no longer receive commands.
// Devices are never physically deleted while history references them; they
// transition to unenrolled or blocked instead.
func (d Device) Terminal() bool {
	return d.Status == StatusUnenrolled || d.Status == StatusBlocked
}

// Repository manages device persistence.
type Repository interface {
	Get(ctx context.Context, id string) (*Device, error)
	GetByEnrollmentID(ctx context.Context, enrollmentID string) (*Device, error)
	List(ctx context.Context, status string) ([]Device, error)
	Save(ctx context.Context, device *Device) error
	UpdateStatus(ctx context.Context, id, status string) error
	UpdatePolicy(ctx context.Context, id, policyID string) error
	TouchHeartbeat(ctx context.Context, id string, at time.Time, loc *Location) error
}
