package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease serializes incident processing across replicas: only the holder may
// mutate an incident's state.
type Lease interface {
	// Acquire returns false when another holder owns the incident.
	Acquire(ctx context.Context, incidentID string, ttl time.Duration) (bool, error)
	// Release frees the lease if this instance still holds it.
	Release(ctx context.Context, incidentID string) error
}

// ============================================================================
// REDIS
// ============================================================================

// releaseScript deletes the lease key only when it still carries our token,
// so an expired-and-reacquired lease is never released by the old holder.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLease implements leasing with SET NX EX and a token-checked release.
type RedisLease struct {
	rdb       *redis.Client
	keyPrefix string
	token     string
}

func NewRedisLease(rdb *redis.Client, keyPrefix string) *RedisLease {
	if keyPrefix == "" {
		keyPrefix = "cs:lease:"
	}
	return &RedisLease{rdb: rdb, keyPrefix: keyPrefix, token: uuid.NewString()}
}

func (l *RedisLease) Acquire(ctx context.Context, incidentID string, ttl time.Duration) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.keyPrefix+incidentID, l.token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", incidentID, err)
	}
	return ok, nil
}

func (l *RedisLease) Release(ctx context.Context, incidentID string) error {
	return releaseScript.Run(ctx, l.rdb, []string{l.keyPrefix + incidentID}, l.token).Err()
}

// ============================================================================
// MEMORY
// ============================================================================

// MemoryLease backs tests and single-process runs.
type MemoryLease struct {
	mu     sync.Mutex
	held   map[string]time.Time // incident → expiry
	now    func() time.Time
}

func NewMemoryLease() *MemoryLease {
	return &MemoryLease{held: make(map[string]time.Time), now: time.Now}
}

func (l *MemoryLease) Acquire(ctx context.Context, incidentID string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if expiry, ok := l.held[incidentID]; ok && l.now().Before(expiry) {
		return false, nil
	}
	l.held[incidentID] = l.now().Add(ttl)
	return true, nil
}

func (l *MemoryLease) Release(ctx context.Context, incidentID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, incidentID)
	return nil
}

var (
	_ Lease = (*RedisLease)(nil)
	_ Lease = (*MemoryLease)(nil)
)
