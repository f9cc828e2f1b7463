package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"

	"github.com/aretw0/itinerary/pkg/ports"
)

var (
	// ErrLockAcquire is returned when the lock cannot be acquired.
	ErrLockAcquire = errors.New("failed to acquire distributed lock")
)

// unlockScript deletes the key only if we still own it.
var unlockScript = backend.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// lockPollInterval is how often a blocked Lock retries.
const lockPollInterval = 100 * time.Millisecond

// Locker implements ports.DistributedLocker using Redis.
type Locker struct {
	client backend.UniversalClient
	prefix string
}

// NewLocker creates a new Redis locker.
func NewLocker(client backend.UniversalClient, prefix string) *Locker {
	return &Locker{
		client: client,
		prefix: prefix,
	}
}

// Lock acquires a distributed lock for the given key using Redis SET NX PX.
// The lock value is unique per acquisition so a holder whose lease expired
// cannot release someone else's lock.
func (l *Locker) Lock(ctx context.Context, key string, ttl time.Duration) (ports.UnlockFunc, error) {
	lockKey := l.prefix + "lock:" + key
	val := uuid.NewString()

	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		success, err := l.client.SetNX(ctx, lockKey, val, ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %v", ErrLockAcquire, err)
		}
		if success {
			return func(ctx context.Context) error {
				return unlockScript.Run(ctx, l.client, []string{lockKey}, val).Err()
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
