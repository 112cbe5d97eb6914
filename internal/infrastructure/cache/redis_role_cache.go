package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"role-sync/internal/domain"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "rolesync:role:"
	redisOpTimeout = 500 * time.Millisecond
	redisScanBatch = 200
)

// RedisRoleCache stores access decisions in Redis so that several replicas
// share one view. Implements domain.RoleCache.
type RedisRoleCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger

	mu          sync.Mutex
	lastRefresh time.Time
}

// NewRedisRoleCache creates a Redis-backed role cache from a redis:// URL.
func NewRedisRoleCache(url string, ttl time.Duration, logger *slog.Logger) (*RedisRoleCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return NewRedisRoleCacheWithClient(redis.NewClient(opts), ttl, logger), nil
}

// NewRedisRoleCacheWithClient wraps an existing client.
func NewRedisRoleCacheWithClient(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisRoleCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRoleCache{
		client: client,
		ttl:    ttl,
		logger: logger.With("component", "redis_role_cache"),
	}
}

// Ping verifies the connection.
func (c *RedisRoleCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisRoleCache) Close() error {
	return c.client.Close()
}

func redisKey(userID int64) string {
	return redisKeyPrefix + strconv.FormatInt(userID, 10)
}

// Get reads a decision. Redis errors are treated as a miss.
func (c *RedisRoleCache) Get(userID int64) (domain.CacheEntry, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	raw, err := c.client.Get(ctx, redisKey(userID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("role cache read failed", "user_id", userID, "error", err)
		}
		return domain.CacheEntry{}, false
	}

	var entry domain.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.logger.Warn("role cache entry corrupt", "user_id", userID, "error", err)
		return domain.CacheEntry{}, false
	}
	if !entry.Fresh(time.Now()) {
		return domain.CacheEntry{}, false
	}
	return entry, true
}

// Put writes a decision with a native Redis expiry.
func (c *RedisRoleCache) Put(userID int64, role domain.Role, hasAccess bool, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := time.Now()
	entry := domain.CacheEntry{
		UserID:    userID,
		Role:      role,
		HasAccess: hasAccess,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		c.logger.Error("role cache encode failed", "user_id", userID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	if err := c.client.Set(ctx, redisKey(userID), raw, ttl).Err(); err != nil {
		c.logger.Warn("role cache write failed", "user_id", userID, "error", err)
		return
	}

	c.mu.Lock()
	c.lastRefresh = now
	c.mu.Unlock()
}

// Invalidate deletes the entry for userID.
func (c *RedisRoleCache) Invalidate(userID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	if err := c.client.Del(ctx, redisKey(userID)).Err(); err != nil {
		c.logger.Warn("role cache invalidate failed", "user_id", userID, "error", err)
	}
}

// Clear deletes every role cache key.
func (c *RedisRoleCache) Clear() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	keys := c.scanKeys(ctx)
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn("role cache clear failed", "keys", len(keys), "error", err)
	}
}

// Stats counts role cache keys. LastRefresh is local to this replica.
func (c *RedisRoleCache) Stats() domain.CacheStats {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.mu.Lock()
	last := c.lastRefresh
	c.mu.Unlock()

	return domain.CacheStats{Entries: len(c.scanKeys(ctx)), LastRefresh: last}
}

func (c *RedisRoleCache) scanKeys(ctx context.Context) []string {
	var keys []string
	iter := c.client.Scan(ctx, 0, redisKeyPrefix+"*", redisScanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.logger.Warn("role cache scan failed", "error", err)
	}
	return keys
}
