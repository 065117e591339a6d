// Package distlock implements a Redis-leased mutual-exclusion lock
// used to keep a single replica reader process running the idle-consumer
// cleanup sweep (internal/replication's CleanupIdleConsumers call) at a
// time, even when several reader processes share the same cleanup
// cadence against the same primary.
//
// Adapted from the teacher's internal/infrastructure/lock.DistributedLock:
// same SET NX acquire / Lua-script compare-and-delete release shape,
// generalized from a general-purpose lock manager down to the single
// sweep this repo actually needs.
package distlock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds this lock's
// own value, so a lock that outlived its TTL and was reacquired by
// another process is never released out from under it.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Lock is a single named, TTL-leased Redis lock.
type Lock struct {
	client *redis.Client
	key    string
	value  string
	ttl    time.Duration
	logger *slog.Logger
}

// New constructs a Lock bound to key. The lock is not acquired yet.
func New(client *redis.Client, key string, ttl time.Duration, logger *slog.Logger) *Lock {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lock{client: client, key: key, value: generateValue(), ttl: ttl, logger: logger}
}

func generateValue() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("distlock_%d", time.Now().UnixNano())
	}
	return "distlock_" + hex.EncodeToString(buf)
}

// TryAcquire attempts a single non-blocking SET NX. It returns false,
// nil if another process currently holds the lock.
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("distlock: acquiring %q: %w", l.key, err)
	}
	if ok {
		l.logger.Debug("distlock: acquired", "key", l.key)
	}
	return ok, nil
}

// Release drops the lock if this Lock instance still owns it. Calling
// Release when the lock was never acquired is a harmless no-op.
func (l *Lock) Release(ctx context.Context) error {
	result, err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.value).Result()
	if err != nil {
		return fmt.Errorf("distlock: releasing %q: %w", l.key, err)
	}
	if n, _ := result.(int64); n == 0 {
		l.logger.Debug("distlock: release found no matching lock (already expired or reacquired)", "key", l.key)
	}
	return nil
}
