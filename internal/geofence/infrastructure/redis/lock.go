package redis

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"fleet-dispatch/internal/geofence/application"
)

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

// Locker serializes zone evaluation per device across processes with a
// token-checked SETNX lock.
type Locker struct {
	client *redis.Client
}

// NewLocker constructs a distributed locker.
func NewLocker(client *redis.Client) (*Locker, error) {
	if client == nil {
		return nil, errors.New("redis locker: nil client")
	}
	return &Locker{client: client}, nil
}

// Acquire takes the lock, returning a release function. A lock already held
// elsewhere yields ErrLockHeld.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if l == nil || l.client == nil {
		return nil, errors.New("redis locker: nil client")
	}
	if ttl <= 0 {
		return nil, errors.New("redis locker: ttl must be > 0")
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, application.ErrLockHeld
	}
	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.client.Eval(releaseCtx, releaseScript, []string{key}, token).Err()
	}
	return release, nil
}
