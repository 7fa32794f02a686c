package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ha1tch/loom/pkg/models"
)

// RankingCache holds ranked id lists for repeated top-utilizer queries.
// Entries are small (ids and weights, never hydrated rows) and staleness
// past the TTL is an accepted tradeoff, not a correctness bug.
type RankingCache interface {
	Get(ctx context.Context, key string) ([]models.RankedEntity, bool, error)
	Set(ctx context.Context, key string, ranking []models.RankedEntity) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// MemoryCache implements RankingCache with a size-bounded expirable LRU.
type MemoryCache struct {
	cache *lru.LRU[string, []models.RankedEntity]
}

// NewMemoryCache creates an in-memory ranking cache
func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		cache: lru.NewLRU[string, []models.RankedEntity](size, nil, ttl),
	}
}

// Get retrieves a ranking from the cache
func (m *MemoryCache) Get(ctx context.Context, key string) ([]models.RankedEntity, bool, error) {
	ranking, ok := m.cache.Get(key)
	return ranking, ok, nil
}

// Set stores a ranking in the cache
func (m *MemoryCache) Set(ctx context.Context, key string, ranking []models.RankedEntity) error {
	m.cache.Add(key, ranking)
	return nil
}

// Delete removes a key from the cache
func (m *MemoryCache) Delete(ctx context.Context, key string) error {
	m.cache.Remove(key)
	return nil
}

// Close purges the cache
func (m *MemoryCache) Close() error {
	m.cache.Purge()
	return nil
}

// RedisCache implements RankingCache on Redis, for deployments where many
// nodes should share the ranking cache.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a Redis-backed ranking cache
func NewRedisCache(host string, port int, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		PoolSize:     50,
		MinIdleConns: 10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{
		client: client,
		ttl:    ttl,
	}, nil
}

// Get retrieves a ranking from Redis
func (r *RedisCache) Get(ctx context.Context, key string) ([]models.RankedEntity, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var ranking []models.RankedEntity
	if err := json.Unmarshal([]byte(val), &ranking); err != nil {
		return nil, false, err
	}
	return ranking, true, nil
}

// Set stores a ranking in Redis
func (r *RedisCache) Set(ctx context.Context, key string, ranking []models.RankedEntity) error {
	data, err := json.Marshal(ranking)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, data, r.ttl).Err()
}

// Delete removes a key from Redis
func (r *RedisCache) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// Close closes the Redis connection
func (r *RedisCache) Close() error {
	return r.client.Close()
}
