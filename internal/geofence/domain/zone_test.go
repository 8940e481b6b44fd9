package geofence

import (
	"math"
	"testing"
	"time"
)

// Around 52°N one degree of latitude is ~111.2 km, so 100 m is roughly
// 0.0009 degrees.
func offsetNorth(p Point, meters float64) Point {
	return Point{Latitude: p.Latitude + meters/111195.0, Longitude: p.Longitude}
}

func TestHaversineKnownDistance(t *testing.T) {
	// Berlin to Hamburg, roughly 255 km.
	berlin := Point{Latitude: 52.5200, Longitude: 13.4050}
	hamburg := Point{Latitude: 53.5511, Longitude: 9.9937}
	got := HaversineMeters(berlin, hamburg)
	if math.Abs(got-255000) > 5000 {
		t.Fatalf("expected ~255km, got %.0f m", got)
	}
	if HaversineMeters(berlin, berlin) != 0 {
		t.Fatal("expected zero distance to self")
	}
}

func TestCircleContainsBoundary(t *testing.T) {
	center := Point{Latitude: 52.5200, Longitude: 13.4050}
	circle := Geometry{Kind: GeometryCircle, Center: center, RadiusMeters: 100}

	if !circle.Contains(offsetNorth(center, 99)) {
		t.Fatal("expected point 99m out to be inside a 100m circle")
	}
	if circle.Contains(offsetNorth(center, 101)) {
		t.Fatal("expected point 101m out to be outside a 100m circle")
	}
	if !circle.Contains(center) {
		t.Fatal("expected center to be inside")
	}
}

func TestPolygonContains(t *testing.T) {
	square := Geometry{Kind: GeometryPolygon, Vertices: []Point{
		{Latitude: 0, Longitude: 0},
		{Latitude: 0, Longitude: 10},
		{Latitude: 10, Longitude: 10},
		{Latitude: 10, Longitude: 0},
	}}

	if !square.Contains(Point{Latitude: 5, Longitude: 5}) {
		t.Fatal("expected interior point inside")
	}
	if square.Contains(Point{Latitude: 15, Longitude: 5}) {
		t.Fatal("expected point north of square outside")
	}
	if square.Contains(Point{Latitude: 5, Longitude: -1}) {
		t.Fatal("expected point west of square outside")
	}
}

func TestConcavePolygon(t *testing.T) {
	// A "U" shape open to the north.
	u := Geometry{Kind: GeometryPolygon, Vertices: []Point{
		{Latitude: 0, Longitude: 0},
		{Latitude: 10, Longitude: 0},
		{Latitude: 10, Longitude: 3},
		{Latitude: 3, Longitude: 3},
		{Latitude: 3, Longitude: 7},
		{Latitude: 10, Longitude: 7},
		{Latitude: 10, Longitude: 10},
		{Latitude: 0, Longitude: 10},
	}}

	if !u.Contains(Point{Latitude: 1, Longitude: 5}) {
		t.Fatal("expected point in the base of the U inside")
	}
	if u.Contains(Point{Latitude: 8, Longitude: 5}) {
		t.Fatal("expected point in the notch outside")
	}
}

func TestGeometryValidate(t *testing.T) {
	valid := []Geometry{
		{Kind: GeometryCircle, Center: Point{Latitude: 52, Longitude: 13}, RadiusMeters: 50},
		{Kind: GeometryPolygon, Vertices: []Point{{0, 0}, {0, 1}, {1, 1}}},
	}
	for i, g := range valid {
		if err := g.Validate(); err != nil {
			t.Fatalf("case %d: unexpected error %v", i, err)
		}
	}

	invalid := []Geometry{
		{Kind: "sphere"},
		{Kind: GeometryCircle, Center: Point{Latitude: 52, Longitude: 13}},
		{Kind: GeometryCircle, Center: Point{Latitude: 91, Longitude: 13}, RadiusMeters: 50},
		{Kind: GeometryCircle, Center: Point{Latitude: 52, Longitude: 181}, RadiusMeters: 50},
		{Kind: GeometryPolygon, Vertices: []Point{{0, 0}, {0, 1}}},
	}
	for i, g := range invalid {
		if err := g.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestActivationSchedule(t *testing.T) {
	schedule := &ActivationSchedule{
		DaysOfWeek: []time.Weekday{time.Monday},
		StartTime:  "08:00",
		EndTime:    "18:00",
	}

	monday := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	if !schedule.Active(monday) {
		t.Fatal("expected Monday noon active")
	}
	if schedule.Active(monday.Add(8 * time.Hour)) { // 20:00
		t.Fatal("expected Monday 20:00 inactive")
	}
	tuesday := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)
	if schedule.Active(tuesday) {
		t.Fatal("expected Tuesday inactive")
	}

	var none *ActivationSchedule
	if !none.Active(monday) {
		t.Fatal("expected nil schedule to always be active")
	}
}

func TestActivationScheduleOvernight(t *testing.T) {
	schedule := &ActivationSchedule{
		StartTime: "22:00",
		EndTime:   "06:00",
	}
	if !schedule.Active(time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC)) {
		t.Fatal("expected 23:00 active in overnight schedule")
	}
	if !schedule.Active(time.Date(2026, 3, 3, 5, 0, 0, 0, time.UTC)) {
		t.Fatal("expected 05:00 active in overnight schedule")
	}
	if schedule.Active(time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)) {
		t.Fatal("expected noon inactive in overnight schedule")
	}
}

func TestZoneValidate(t *testing.T) {
	zone := Zone{
		ID:       "zone-1",
		Name:     "Warehouse",
		Geometry: Geometry{Kind: GeometryCircle, Center: Point{Latitude: 52, Longitude: 13}, RadiusMeters: 200},
		Enabled:  true,
		EnterActions: []Action{
			{Type: ActionNotify},
			{Type: ActionCommand},
		},
	}
	if err := zone.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	zone.EnterActions = append(zone.EnterActions, Action{Type: "email"})
	if err := zone.Validate(); err != ErrUnsupportedAction {
		t.Fatalf("expected ErrUnsupportedAction, got %v", err)
	}
}

func TestZoneActiveAt(t *testing.T) {
	monday := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	zone := Zone{
		ID:       "zone-1",
		Geometry: Geometry{Kind: GeometryCircle, Center: Point{Latitude: 52, Longitude: 13}, RadiusMeters: 200},
		Enabled:  true,
	}
	if !zone.ActiveAt(monday) {
		t.Fatal("expected enabled zone without schedule active")
	}
	zone.Enabled = false
	if zone.ActiveAt(monday) {
		t.Fatal("expected disabled zone inactive")
	}
	zone.Enabled = true
	zone.Schedule = &ActivationSchedule{DaysOfWeek: []time.Weekday{time.Friday}, StartTime: "08:00", EndTime: "18:00"}
	if zone.ActiveAt(monday) {
		t.Fatal("expected out-of-schedule zone inactive")
	}
}
