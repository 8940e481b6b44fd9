package application

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"fleet-dispatch/internal/eventing"
	geoevents "fleet-dispatch/internal/geofence/application/events"
	geofence "fleet-dispatch/internal/geofence/domain"
	"fleet-dispatch/internal/observability/metrics"
)

// Publisher emits domain events.
type Publisher interface {
	Publish(ctx context.Context, event any) error
}

// Locker serializes evaluation per device across processes. Release is
// returned on success; a held lock elsewhere yields ErrLockHeld.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// ErrLockHeld is returned by Locker implementations when another evaluation
// is in flight for the same device.
var ErrLockHeld = errors.New("geofence: evaluation already in flight")

const evaluationLockTTL = 30 * time.Second

// Engine evaluates device locations against zones and drives enter/exit
// transitions. One evaluation runs per device at a time.
type Engine struct {
	zones    geofence.Repository
	states   geofence.StateRepository
	actions  *ActionRunner
	policies PolicyOverrider
	pub      Publisher
	locker   Locker
	logger   *log.Logger

	mu          sync.Mutex
	deviceLocks map[string]*sync.Mutex

	dwellMu     sync.Mutex
	dwellTimers map[string]*time.Timer
}

// EngineOption customizes the engine.
type EngineOption func(*Engine)

// WithPolicyOverrider wires policy override reverts on zone exit.
func WithPolicyOverrider(p PolicyOverrider) EngineOption {
	return func(e *Engine) { e.policies = p }
}

// WithLocker adds a distributed per-device evaluation lock for multi-process
// deployments.
func WithLocker(l Locker) EngineOption {
	return func(e *Engine) { e.locker = l }
}

// NewEngine constructs a zone evaluation engine.
func NewEngine(zones geofence.Repository, states geofence.StateRepository, actions *ActionRunner, pub Publisher, logger *log.Logger, opts ...EngineOption) (*Engine, error) {
	if zones == nil {
		return nil, errors.New("geofence: nil zone repo")
	}
	if states == nil {
		return nil, errors.New("geofence: nil state repo")
	}
	if actions == nil {
		return nil, errors.New("geofence: nil action runner")
	}
	if pub == nil {
		return nil, errors.New("geofence: nil publisher")
	}
	if logger == nil {
		logger = log.Default()
	}
	e := &Engine{
		zones:       zones,
		states:      states,
		actions:     actions,
		pub:         pub,
		logger:      logger,
		deviceLocks: make(map[string]*sync.Mutex),
		dwellTimers: make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Evaluate runs one location update through every active zone. Updates for
// the same device are serialized; zones are independent of each other.
func (e *Engine) Evaluate(ctx context.Context, deviceID string, p geofence.Point, at time.Time) error {
	if e == nil {
		return errors.New("geofence: nil engine")
	}
	if deviceID == "" {
		return errors.New("geofence: device id required")
	}
	lock := e.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	if e.locker != nil {
		release, err := e.locker.Acquire(ctx, "geofence:eval:"+deviceID, evaluationLockTTL)
		if err != nil {
			return err
		}
		defer release()
	}

	zones, err := e.zones.ListEnabled(ctx)
	if err != nil {
		return err
	}
	zonesByID := make(map[string]geofence.Zone, len(zones))
	for _, zone := range zones {
		zonesByID[zone.ID] = zone
	}
	for _, zone := range zones {
		if !zone.ActiveAt(at) {
			continue
		}
		if err := e.evaluateZone(ctx, deviceID, zone, zonesByID, p, at); err != nil {
			e.logger.Printf("geofence: zone %s evaluation failed device=%s: %v", zone.ID, deviceID, err)
		}
	}
	return nil
}

func (e *Engine) evaluateZone(ctx context.Context, deviceID string, zone geofence.Zone, zonesByID map[string]geofence.Zone, p geofence.Point, at time.Time) error {
	state, err := e.states.Get(ctx, deviceID, zone.ID)
	if err != nil {
		return err
	}
	if state == nil {
		state = &geofence.DeviceZoneState{DeviceID: deviceID, ZoneID: zone.ID}
	}
	contains := zone.Geometry.Contains(p)

	switch {
	case contains && !state.Inside:
		return e.enter(ctx, deviceID, zone, state, at)
	case !contains && state.Inside:
		return e.exit(ctx, deviceID, zone, state, zonesByID, at)
	}
	return nil
}

func (e *Engine) enter(ctx context.Context, deviceID string, zone geofence.Zone, state *geofence.DeviceZoneState, at time.Time) error {
	state.Inside = true
	state.EnteredAt = at
	state.ExitedAt = time.Time{}
	state.DwellTime = 0
	state.UpdatedAt = at
	if err := e.states.Save(ctx, state); err != nil {
		return err
	}
	if zone.DwellTime > 0 {
		e.scheduleDwellCheck(deviceID, zone, at)
		return nil
	}
	e.fireEnter(ctx, deviceID, zone, at)
	return nil
}

const dwellRetryDelay = time.Second

// scheduleDwellCheck defers the enter action until the dwell time elapses.
// The recheck fires only if the device is still inside and the occupancy
// episode is unchanged, identified by a matching enteredAt.
func (e *Engine) scheduleDwellCheck(deviceID string, zone geofence.Zone, enteredAt time.Time) {
	key := deviceID + "|" + zone.ID
	e.dwellMu.Lock()
	if timer, ok := e.dwellTimers[key]; ok {
		timer.Stop()
	}
	e.dwellTimers[key] = time.AfterFunc(zone.DwellTime, func() {
		e.runDwellCheck(deviceID, zone, enteredAt, key)
	})
	e.dwellMu.Unlock()
}

// runDwellCheck re-verifies the episode under the same per-device lock (and
// distributed lock) that Evaluate holds, so the recheck cannot interleave
// with a concurrent exit for the same episode.
func (e *Engine) runDwellCheck(deviceID string, zone geofence.Zone, enteredAt time.Time, key string) {
	e.dwellMu.Lock()
	delete(e.dwellTimers, key)
	e.dwellMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	lock := e.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	if e.locker != nil {
		release, err := e.locker.Acquire(ctx, "geofence:eval:"+deviceID, evaluationLockTTL)
		if errors.Is(err, ErrLockHeld) {
			e.rearmDwellCheck(deviceID, zone, enteredAt, key)
			return
		}
		if err != nil {
			e.logger.Printf("geofence: dwell lock failed zone=%s device=%s: %v", zone.ID, deviceID, err)
			return
		}
		defer release()
	}

	state, err := e.states.Get(ctx, deviceID, zone.ID)
	if err != nil {
		e.logger.Printf("geofence: dwell recheck failed zone=%s device=%s: %v", zone.ID, deviceID, err)
		return
	}
	if state == nil || !state.Inside || !state.EnteredAt.Equal(enteredAt) {
		return
	}
	metrics.IncGeofenceTransition("dwell")
	e.fireEnter(ctx, deviceID, zone, enteredAt)
}

// rearmDwellCheck retries a dwell recheck that lost the distributed lock,
// unless a newer timer for the same pair has been scheduled since.
func (e *Engine) rearmDwellCheck(deviceID string, zone geofence.Zone, enteredAt time.Time, key string) {
	e.dwellMu.Lock()
	defer e.dwellMu.Unlock()
	if _, ok := e.dwellTimers[key]; ok {
		return
	}
	e.dwellTimers[key] = time.AfterFunc(dwellRetryDelay, func() {
		e.runDwellCheck(deviceID, zone, enteredAt, key)
	})
}

func (e *Engine) cancelDwellCheck(deviceID, zoneID string) {
	key := deviceID + "|" + zoneID
	e.dwellMu.Lock()
	if timer, ok := e.dwellTimers[key]; ok {
		timer.Stop()
		delete(e.dwellTimers, key)
	}
	e.dwellMu.Unlock()
}

func (e *Engine) fireEnter(ctx context.Context, deviceID string, zone geofence.Zone, enteredAt time.Time) {
	metrics.IncGeofenceTransition("enter")
	eventID := eventing.NewEventID()
	ctx = eventing.WithEventID(ctx, eventID)
	ctx = eventing.WithDeviceID(ctx, deviceID)
	event := geoevents.ZoneEntered{
		EventID:    eventID,
		DeviceID:   deviceID,
		ZoneID:     zone.ID,
		ZoneName:   zone.Name,
		EnteredAt:  enteredAt,
		OccurredAt: time.Now().UTC(),
	}
	if err := e.pub.Publish(ctx, event); err != nil {
		e.logger.Printf("geofence: enter event publish failed zone=%s device=%s: %v", zone.ID, deviceID, err)
	}
	e.actions.Run(ctx, deviceID, zone, zone.EnterActions)
}

func (e *Engine) exit(ctx context.Context, deviceID string, zone geofence.Zone, state *geofence.DeviceZoneState, zonesByID map[string]geofence.Zone, at time.Time) error {
	e.cancelDwellCheck(deviceID, zone.ID)

	enteredAt := state.EnteredAt
	state.Inside = false
	state.ExitedAt = at
	state.DwellTime = at.Sub(enteredAt)
	state.UpdatedAt = at
	if err := e.states.Save(ctx, state); err != nil {
		return err
	}

	metrics.IncGeofenceTransition("exit")
	eventID := eventing.NewEventID()
	ctx = eventing.WithEventID(ctx, eventID)
	ctx = eventing.WithDeviceID(ctx, deviceID)
	event := geoevents.ZoneExited{
		EventID:    eventID,
		DeviceID:   deviceID,
		ZoneID:     zone.ID,
		ZoneName:   zone.Name,
		EnteredAt:  enteredAt,
		ExitedAt:   at,
		DwellTime:  state.DwellTime,
		OccurredAt: time.Now().UTC(),
	}
	if err := e.pub.Publish(ctx, event); err != nil {
		e.logger.Printf("geofence: exit event publish failed zone=%s device=%s: %v", zone.ID, deviceID, err)
	}
	e.actions.Run(ctx, deviceID, zone, zone.ExitActions)

	if zone.PolicyOverride != "" && e.policies != nil {
		e.maybeRevertPolicy(ctx, deviceID, zone, zonesByID)
	}
	return nil
}

// maybeRevertPolicy reverts the device's effective policy once no other zone
// sharing the same override is still occupied.
func (e *Engine) maybeRevertPolicy(ctx context.Context, deviceID string, exited geofence.Zone, zonesByID map[string]geofence.Zone) {
	inside, err := e.states.ListInsideByDevice(ctx, deviceID)
	if err != nil {
		e.logger.Printf("geofence: policy revert state lookup failed device=%s: %v", deviceID, err)
		return
	}
	for _, s := range inside {
		other, ok := zonesByID[s.ZoneID]
		if !ok || other.ID == exited.ID {
			continue
		}
		if other.PolicyOverride == exited.PolicyOverride {
			return
		}
	}
	if err := e.policies.Revert(ctx, deviceID); err != nil {
		e.logger.Printf("geofence: policy revert failed device=%s: %v", deviceID, err)
	}
}

func (e *Engine) deviceLock(deviceID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.deviceLocks[deviceID]
	if !ok {
		lock = &sync.Mutex{}
		e.deviceLocks[deviceID] = lock
	}
	return lock
}
