package redis

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// OverrideStore remembers a device's base policy while a zone override is in
// effect, so the exit path can restore it.
type OverrideStore struct {
	client *redis.Client
}

// NewOverrideStore constructs a store.
func NewOverrideStore(client *redis.Client) (*OverrideStore, error) {
	if client == nil {
		return nil, errors.New("override store: nil client")
	}
	return &OverrideStore{client: client}, nil
}

func overrideKey(deviceID string) string {
	return "geofence:base-policy:" + deviceID
}

// Remember stores the base policy for a device. A value already present is
// kept: the first override wins until fully reverted.
func (s *OverrideStore) Remember(ctx context.Context, deviceID, basePolicyID string) error {
	if s == nil || s.client == nil {
		return errors.New("override store: nil client")
	}
	return s.client.SetNX(ctx, overrideKey(deviceID), basePolicyID, 0).Err()
}

// Recall returns the remembered base policy, or ok=false when no override is
// in effect.
func (s *OverrideStore) Recall(ctx context.Context, deviceID string) (string, bool, error) {
	if s == nil || s.client == nil {
		return "", false, errors.New("override store: nil client")
	}
	value, err := s.client.Get(ctx, overrideKey(deviceID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

// Forget clears the remembered base policy.
func (s *OverrideStore) Forget(ctx context.Context, deviceID string) error {
	if s == nil || s.client == nil {
		return errors.New("override store: nil client")
	}
	return s.client.Del(ctx, overrideKey(deviceID)).Err()
}
