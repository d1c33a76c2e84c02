package intel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores the latest analysis per symbol. Entries outlive the gate's
// TTL so that an expired result can still be passed through while rate
// limited; freshness is judged from Analysis.CreatedAt.
type Cache interface {
	Get(ctx context.Context, symbol string) (Analysis, bool, error)
	Set(ctx context.Context, symbol string, a Analysis) error
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]Analysis
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]Analysis)}
}

func (c *MemoryCache) Get(_ context.Context, symbol string) (Analysis, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.entries[symbol]
	return a, ok, nil
}

func (c *MemoryCache) Set(_ context.Context, symbol string, a Analysis) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[symbol] = a
	return nil
}

// RedisClient is the subset of redis.Cmdable used by RedisCache.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// DefaultRetention is how long RedisCache keeps an entry.
const DefaultRetention = 24 * time.Hour

// RedisCache shares analyses across processes through Redis.
type RedisCache struct {
	client    RedisClient
	prefix    string
	retention time.Duration
}

// NewRedisCache stores entries under "<prefix>:analysis:<symbol>".
func NewRedisCache(client RedisClient, prefix string, retention time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "tradecore"
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisCache{client: client, prefix: prefix, retention: retention}
}

func (c *RedisCache) key(symbol string) string {
	return fmt.Sprintf("%s:analysis:%s", c.prefix, symbol)
}

func (c *RedisCache) Get(ctx context.Context, symbol string) (Analysis, bool, error) {
	raw, err := c.client.Get(ctx, c.key(symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Analysis{}, false, nil
	}
	if err != nil {
		return Analysis{}, false, fmt.Errorf("redis get analysis: %w", err)
	}
	var a Analysis
	if err := json.Unmarshal(raw, &a); err != nil {
		return Analysis{}, false, fmt.Errorf("decode cached analysis: %w", err)
	}
	return a, true, nil
}

func (c *RedisCache) Set(ctx context.Context, symbol string, a Analysis) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal analysis: %w", err)
	}
	if err := c.client.Set(ctx, c.key(symbol), data, c.retention).Err(); err != nil {
		return fmt.Errorf("redis set analysis: %w", err)
	}
	return nil
}
