package geofence

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"
)

const (
	GeometryCircle  = "circle"
	GeometryPolygon = "polygon"
)

const (
	ActionNotify  = "notify"
	ActionCommand = "command"
	ActionPolicy  = "policy"
	ActionWebhook = "webhook"
)

const earthRadiusMeters = 6371000.0

var (
	// ErrZoneNotFound is returned when a zone id is unknown.
	ErrZoneNotFound = errors.New("geofence: zone not found")
	// ErrUnsupportedAction is returned for action types outside the closed set.
	ErrUnsupportedAction = errors.New("geofence: unsupported action type")
)

// Point is a WGS84 coordinate.
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Geometry is the discriminated spatial definition of a zone.
type Geometry struct {
	Kind string `json:"kind"`

	// circle
	Center       Point   `json:"center,omitempty"`
	RadiusMeters float64 `json:"radius_meters,omitempty"`

	// polygon, at least three vertices
	Vertices []Point `json:"vertices,omitempty"`
}

// Validate checks geometry invariants at creation time.
func (g Geometry) Validate() error {
	switch g.Kind {
	case GeometryCircle:
		if g.RadiusMeters <= 0 {
			return errors.New("geometry: radius must be positive")
		}
		if err := validPoint(g.Center); err != nil {
			return err
		}
	case GeometryPolygon:
		if len(g.Vertices) < 3 {
			return errors.New("geometry: polygon needs at least three vertices")
		}
		for _, v := range g.Vertices {
			if err := validPoint(v); err != nil {
				return err
			}
		}
	default:
		return errors.New("geometry: unknown kind")
	}
	return nil
}

func validPoint(p Point) error {
	if p.Latitude < -90 || p.Latitude > 90 {
		return errors.New("geometry: latitude out of range")
	}
	if p.Longitude < -180 || p.Longitude > 180 {
		return errors.New("geometry: longitude out of range")
	}
	return nil
}

// Contains reports whether the point lies inside the geometry.
func (g Geometry) Contains(p Point) bool {
	switch g.Kind {
	case GeometryCircle:
		return HaversineMeters(g.Center, p) <= g.RadiusMeters
	case GeometryPolygon:
		return pointInPolygon(p, g.Vertices)
	}
	return false
}

// HaversineMeters computes the great-circle distance between two points.
func HaversineMeters(a, b Point) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusMeters * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// pointInPolygon runs the ray-casting test over the vertex list.
func pointInPolygon(p Point, vertices []Point) bool {
	if len(vertices) < 3 {
		return false
	}
	inside := false
	j := len(vertices) - 1
	for i := 0; i < len(vertices); i++ {
		vi, vj := vertices[i], vertices[j]
		intersects := (vi.Latitude > p.Latitude) != (vj.Latitude > p.Latitude) &&
			p.Longitude < (vj.Longitude-vi.Longitude)*(p.Latitude-vi.Latitude)/
				(vj.Latitude-vi.Latitude)+vi.Longitude
		if intersects {
			inside = !inside
		}
		j = i
	}
	return inside
}

// ActivationSchedule gates a zone to a day-of-week and time-of-day window.
type ActivationSchedule struct {
	DaysOfWeek []time.Weekday `json:"days_of_week"`
	StartTime  string         `json:"start_time"`
	EndTime    string         `json:"end_time"`
	Timezone   string         `json:"timezone,omitempty"`
}

// Active reports whether the schedule permits evaluation at the given time.
func (s *ActivationSchedule) Active(now time.Time) bool {
	if s == nil {
		return true
	}
	loc := time.UTC
	if s.Timezone != "" {
		if parsed, err := time.LoadLocation(s.Timezone); err == nil {
			loc = parsed
		}
	}
	local := now.In(loc)
	dayOK := len(s.DaysOfWeek) == 0
	for _, d := range s.DaysOfWeek {
		if d == local.Weekday() {
			dayOK = true
			break
		}
	}
	if !dayOK {
		return false
	}
	start, err := time.Parse("15:04", s.StartTime)
	if err != nil {
		return false
	}
	end, err := time.Parse("15:04", s.EndTime)
	if err != nil {
		return false
	}
	minutes := local.Hour()*60 + local.Minute()
	startMin := start.Hour()*60 + start.Minute()
	endMin := end.Hour()*60 + end.Minute()
	if endMin < startMin {
		return minutes >= startMin || minutes < endMin
	}
	return minutes >= startMin && minutes < endMin
}

// Action is one triggered reaction to an enter or exit transition.
type Action struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the action type against the closed set.
func (a Action) Validate() error {
	switch a.Type {
	case ActionNotify, ActionCommand, ActionPolicy, ActionWebhook:
		return nil
	}
	return ErrUnsupportedAction
}

// Zone is a spatial region with enter/exit triggered actions.
type Zone struct {
	ID             string
	Name           string
	Geometry       Geometry
	Enabled        bool
	Schedule       *ActivationSchedule
	EnterActions   []Action
	ExitActions    []Action
	PolicyOverride string
	DwellTime      time.Duration
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Validate checks zone invariants at creation time.
func (z Zone) Validate() error {
	if z.ID == "" {
		return errors.New("zone: empty id")
	}
	if err := z.Geometry.Validate(); err != nil {
		return err
	}
	if z.DwellTime < 0 {
		return errors.New("zone: negative dwell time")
	}
	for _, a := range z.EnterActions {
		if err := a.Validate(); err != nil {
			return err
		}
	}
	for _, a := range z.ExitActions {
		if err := a.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ActiveAt reports whether the zone should be evaluated at the given time.
func (z Zone) ActiveAt(now time.Time) bool {
	return z.Enabled && z.Schedule.Active(now)
}

// Repository manages zone persistence.
type Repository interface {
	Get(ctx context.Context, id string) (*Zone, error)
	ListEnabled(ctx context.Context) ([]Zone, error)
	Save(ctx context.Context, zone *Zone) error
	Delete(ctx context.Context, id string) error
}
