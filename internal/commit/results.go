package commit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ResultStore is the committed-batch registry keyed by client batch id.
// Replays of a known id return the original result without reapplying.
type ResultStore interface {
	Get(ctx context.Context, clientBatchID string) (*Result, bool, error)
	Put(ctx context.Context, res *Result) error
}

// MemoryResults is the in-process ResultStore.
type MemoryResults struct {
	mu      sync.RWMutex
	results map[string]*Result
}

// NewMemoryResults creates an empty in-memory result store.
func NewMemoryResults() *MemoryResults {
	return &MemoryResults{results: make(map[string]*Result)}
}

func (m *MemoryResults) Get(_ context.Context, clientBatchID string) (*Result, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res, ok := m.results[clientBatchID]
	if !ok {
		return nil, false, nil
	}
	cp := *res
	return &cp, true, nil
}

func (m *MemoryResults) Put(_ context.Context, res *Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *res
	m.results[res.ClientBatchID] = &cp
	return nil
}

// RedisResults layers a Redis cache in front of a durable ResultStore so
// idempotency replays skip the inner store on the hot path.
type RedisResults struct {
	inner ResultStore
	rdb   *redis.Client
	ttl   time.Duration
}

// NewRedisResults wraps inner with a Redis cache.
func NewRedisResults(inner ResultStore, rdb *redis.Client, ttl time.Duration) *RedisResults {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisResults{inner: inner, rdb: rdb, ttl: ttl}
}

func resultKey(clientBatchID string) string {
	return "commit:result:" + clientBatchID
}

func (r *RedisResults) Get(ctx context.Context, clientBatchID string) (*Result, bool, error) {
	raw, err := r.rdb.Get(ctx, resultKey(clientBatchID)).Result()
	if err == nil {
		var res Result
		if jsonErr := json.Unmarshal([]byte(raw), &res); jsonErr == nil {
			return &res, true, nil
		}
	} else if err != redis.Nil {
		// Cache outage degrades to the durable store.
		return r.inner.Get(ctx, clientBatchID)
	}

	res, ok, err := r.inner.Get(ctx, clientBatchID)
	if err != nil || !ok {
		return res, ok, err
	}
	if payload, jsonErr := json.Marshal(res); jsonErr == nil {
		r.rdb.Set(ctx, resultKey(clientBatchID), payload, r.ttl)
	}
	return res, true, nil
}

func (r *RedisResults) Put(ctx context.Context, res *Result) error {
	if err := r.inner.Put(ctx, res); err != nil {
		return err
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal commit result: %w", err)
	}
	if err := r.rdb.Set(ctx, resultKey(res.ClientBatchID), payload, r.ttl).Err(); err != nil {
		// The durable store already has the result; the cache will be
		// repopulated on the next Get.
		return nil
	}
	return nil
}
