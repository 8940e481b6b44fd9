package geofence

import (
	"context"
	"time"
)

// DeviceZoneState is the per (device, zone) containment record. The Inside
// flag is the single source of truth for whether an enter or exit action has
// fired for the current occupancy episode.
type DeviceZoneState struct {
	DeviceID  string        `json:"device_id"`
	ZoneID    string        `json:"zone_id"`
	Inside    bool          `json:"inside"`
	EnteredAt time.Time     `json:"entered_at,omitempty"`
	ExitedAt  time.Time     `json:"exited_at,omitempty"`
	DwellTime time.Duration `json:"dwell_time,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// StateRepository manages containment state keyed by (device, zone).
type StateRepository interface {
	Get(ctx context.Context, deviceID, zoneID string) (*DeviceZoneState, error)
	Save(ctx context.Context, state *DeviceZoneState) error
	ListInsideByZone(ctx context.Context, zoneID string) ([]DeviceZoneState, error)
	ListInsideByDevice(ctx context.Context, deviceID string) ([]DeviceZoneState, error)
}
