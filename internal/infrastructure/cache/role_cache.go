package cache

import (
	"context"
	"sync"
	"time"

	"role-sync/internal/domain"
)

// DefaultTTL is how long an access decision stays valid.
const DefaultTTL = 2 * time.Minute

// RoleCache provides thread-safe in-memory caching of access decisions with TTL.
// Entries are process-local. Implements domain.RoleCache.
type RoleCache struct {
	mu          sync.RWMutex
	entries     map[int64]domain.CacheEntry
	ttl         time.Duration
	lastRefresh time.Time
	now         func() time.Time
}

// NewRoleCache creates a new role cache with the specified default TTL.
// The cleanup loop stops when ctx is cancelled.
func NewRoleCache(ctx context.Context, ttl time.Duration) *RoleCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &RoleCache{
		entries: make(map[int64]domain.CacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
	go c.cleanupLoop(ctx)
	return c
}

// TTL returns the default entry lifetime.
func (c *RoleCache) TTL() time.Duration {
	return c.ttl
}

// Get retrieves a cached decision. Expired entries are reported as absent.
func (c *RoleCache) Get(userID int64) (domain.CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, found := c.entries[userID]
	if !found || !entry.Fresh(c.now()) {
		return domain.CacheEntry{}, false
	}
	return entry, true
}

// Put stores a decision. A non-positive ttl uses the default.
func (c *RoleCache) Put(userID int64, role domain.Role, hasAccess bool, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[userID] = domain.CacheEntry{
		UserID:    userID,
		Role:      role,
		HasAccess: hasAccess,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	c.lastRefresh = now
}

// Invalidate drops the entry for userID.
func (c *RoleCache) Invalidate(userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
}

// Clear drops every entry.
func (c *RoleCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

// Stats counts the live entries.
func (c *RoleCache) Stats() domain.CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	live := 0
	for _, entry := range c.entries {
		if entry.Fresh(now) {
			live++
		}
	}
	return domain.CacheStats{Entries: live, LastRefresh: c.lastRefresh}
}

// cleanup removes expired entries.
func (c *RoleCache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for id, entry := range c.entries {
		if !entry.Fresh(now) {
			delete(c.entries, id)
		}
	}
}

// cleanupLoop runs periodic cleanup of expired entries.
func (c *RoleCache) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cleanup()
		}
	}
}
