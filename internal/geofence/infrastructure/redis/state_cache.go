package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	geofence "fleet-dispatch/internal/geofence/domain"
)

// StateCache is a read-through cache in front of a StateRepository. Heartbeat
// evaluation reads containment state for every zone on every location update;
// caching the hot path keeps that off the database. Writes go to the store
// first, then refresh the cache; list queries always hit the store because
// they back the policy-revert decision and must not see stale members.
type StateCache struct {
	client *redis.Client
	store  geofence.StateRepository
	ttl    time.Duration
}

// NewStateCache wraps a state repository with a redis cache.
func NewStateCache(client *redis.Client, store geofence.StateRepository, ttl time.Duration) (*StateCache, error) {
	if client == nil {
		return nil, errors.New("state cache: nil client")
	}
	if store == nil {
		return nil, errors.New("state cache: nil store")
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &StateCache{client: client, store: store, ttl: ttl}, nil
}

func stateKey(deviceID, zoneID string) string {
	return "geofence:state:" + deviceID + ":" + zoneID
}

// Get returns cached state when present, falling back to the store and
// populating the cache on a miss. Cache errors degrade to the store.
func (c *StateCache) Get(ctx context.Context, deviceID, zoneID string) (*geofence.DeviceZoneState, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("state cache: nil client")
	}
	raw, err := c.client.Get(ctx, stateKey(deviceID, zoneID)).Result()
	if err == nil {
		var state geofence.DeviceZoneState
		if jsonErr := json.Unmarshal([]byte(raw), &state); jsonErr == nil {
			return &state, nil
		}
		// Unreadable entry: drop it and fall through to the store.
		c.client.Del(ctx, stateKey(deviceID, zoneID))
	} else if !errors.Is(err, redis.Nil) && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	state, err := c.store.Get(ctx, deviceID, zoneID)
	if err != nil {
		return nil, err
	}
	if state != nil {
		c.cache(ctx, state)
	}
	return state, nil
}

// Save writes through to the store and refreshes the cache entry.
func (c *StateCache) Save(ctx context.Context, state *geofence.DeviceZoneState) error {
	if c == nil || c.client == nil {
		return errors.New("state cache: nil client")
	}
	if err := c.store.Save(ctx, state); err != nil {
		return err
	}
	c.cache(ctx, state)
	return nil
}

// ListInsideByZone always queries the store.
func (c *StateCache) ListInsideByZone(ctx context.Context, zoneID string) ([]geofence.DeviceZoneState, error) {
	if c == nil || c.store == nil {
		return nil, errors.New("state cache: nil store")
	}
	return c.store.ListInsideByZone(ctx, zoneID)
}

// ListInsideByDevice always queries the store.
func (c *StateCache) ListInsideByDevice(ctx context.Context, deviceID string) ([]geofence.DeviceZoneState, error) {
	if c == nil || c.store == nil {
		return nil, errors.New("state cache: nil store")
	}
	return c.store.ListInsideByDevice(ctx, deviceID)
}

func (c *StateCache) cache(ctx context.Context, state *geofence.DeviceZoneState) {
	if state == nil {
		return
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return
	}
	c.client.Set(ctx, stateKey(state.DeviceID, state.ZoneID), raw, c.ttl)
}
