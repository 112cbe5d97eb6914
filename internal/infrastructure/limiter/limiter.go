// Package limiter gates reconciliations against the identity provider.
package limiter

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultConcurrency = 2
	DefaultCooldown    = time.Minute
	maxMarkers         = 100_000
)

// Config configures a Limiter.
type Config struct {
	Concurrency int
	Cooldown    time.Duration
}

// Limiter bounds the number of in-flight reconciliations and suppresses
// non-forced rechecks of the same user inside the cooldown window.
type Limiter struct {
	sem      *semaphore.Weighted
	size     int64
	inFlight atomic.Int64

	mu       sync.Mutex
	markers  *expirable.LRU[int64, time.Time]
	cooldown time.Duration
	now      func() time.Time

	logger *slog.Logger
}

// New creates a Limiter. Zero values fall back to the defaults.
func New(cfg Config, logger *slog.Logger) *Limiter {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		size:     int64(cfg.Concurrency),
		markers:  expirable.NewLRU[int64, time.Time](maxMarkers, nil, cfg.Cooldown),
		cooldown: cfg.Cooldown,
		now:      time.Now,
		logger:   logger.With("component", "limiter"),
	}
}

// TryEnter admits a reconciliation for userID. A non-forced request inside the
// cooldown window returns ok=false immediately. Admitted requests block until a
// slot is free and must call release when done.
func (l *Limiter) TryEnter(ctx context.Context, userID int64, force bool) (release func(), ok bool) {
	start := l.now()

	l.mu.Lock()
	if !force {
		if last, found := l.markers.Get(userID); found && start.Sub(last) < l.cooldown {
			l.mu.Unlock()
			l.logger.DebugContext(ctx, "check skipped by cooldown", "user_id", userID, "last_check", last)
			return nil, false
		}
	}
	l.markers.Add(userID, start)
	l.mu.Unlock()

	if err := l.sem.Acquire(ctx, 1); err != nil {
		l.mu.Lock()
		if last, found := l.markers.Peek(userID); found && last.Equal(start) {
			l.markers.Remove(userID)
		}
		l.mu.Unlock()
		return nil, false
	}
	l.inFlight.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			l.inFlight.Add(-1)
			l.sem.Release(1)
		})
	}, true
}

// InFlight reports the number of occupied slots.
func (l *Limiter) InFlight() int {
	return int(l.inFlight.Load())
}

// Capacity reports the global bound.
func (l *Limiter) Capacity() int {
	return int(l.size)
}

// Cooldown reports the per-user window.
func (l *Limiter) Cooldown() time.Duration {
	return l.cooldown
}
