package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CheckpointStore persists incident state. Save must be durable before it
// returns: the orchestrator acks deliveries only after a successful Save.
type CheckpointStore interface {
	Save(ctx context.Context, st *IncidentState) error
	Load(ctx context.Context, incidentID string) (*IncidentState, error)
	Delete(ctx context.Context, incidentID string) error
}

// ============================================================================
// REDIS
// ============================================================================

// RedisCheckpoints stores one JSON document per incident.
type RedisCheckpoints struct {
	rdb       *redis.Client
	keyPrefix string
	retention time.Duration
}

// NewRedisCheckpoints builds the store. Terminal incidents expire after
// retention; zero keeps them forever.
func NewRedisCheckpoints(rdb *redis.Client, keyPrefix string, retention time.Duration) *RedisCheckpoints {
	if keyPrefix == "" {
		keyPrefix = "cs:incident:"
	}
	return &RedisCheckpoints{rdb: rdb, keyPrefix: keyPrefix, retention: retention}
}

func (r *RedisCheckpoints) key(incidentID string) string {
	return r.keyPrefix + incidentID
}

func (r *RedisCheckpoints) Save(ctx context.Context, st *IncidentState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	ttl := time.Duration(0)
	if st.Stage.Terminal() && r.retention > 0 {
		ttl = r.retention
	}
	if err := r.rdb.Set(ctx, r.key(st.IncidentID), data, ttl).Err(); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", st.IncidentID, err)
	}
	return nil
}

func (r *RedisCheckpoints) Load(ctx context.Context, incidentID string) (*IncidentState, error) {
	data, err := r.rdb.Get(ctx, r.key(incidentID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", incidentID, err)
	}
	var st IncidentState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", incidentID, err)
	}
	return &st, nil
}

func (r *RedisCheckpoints) Delete(ctx context.Context, incidentID string) error {
	return r.rdb.Del(ctx, r.key(incidentID)).Err()
}

// ============================================================================
// MEMORY
// ============================================================================

// MemoryCheckpoints backs tests and single-process runs. It round-trips
// through JSON so serialization bugs surface in tests too.
type MemoryCheckpoints struct {
	mu     sync.RWMutex
	states map[string][]byte
}

func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{states: make(map[string][]byte)}
}

func (m *MemoryCheckpoints) Save(ctx context.Context, st *IncidentState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[st.IncidentID] = data
	return nil
}

func (m *MemoryCheckpoints) Load(ctx context.Context, incidentID string) (*IncidentState, error) {
	m.mu.RLock()
	data, ok := m.states[incidentID]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var st IncidentState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (m *MemoryCheckpoints) Delete(ctx context.Context, incidentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, incidentID)
	return nil
}

var (
	_ CheckpointStore = (*RedisCheckpoints)(nil)
	_ CheckpointStore = (*MemoryCheckpoints)(nil)
)
