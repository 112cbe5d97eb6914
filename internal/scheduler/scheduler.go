// Package scheduler runs the periodic role sweep.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"role-sync/internal/domain"
	"role-sync/metrics"
	"role-sync/utils/logger"

	"golang.org/x/time/rate"
)

// UserChecker reconciles one user.
type UserChecker interface {
	Execute(ctx context.Context, userID int64, force bool) (domain.ReconciliationResult, error)
}

// UserLister selects the users a sweep submits.
type UserLister interface {
	ListActiveDueForCheck(ctx context.Context, olderThan time.Time) ([]*domain.User, error)
	ListActive(ctx context.Context) ([]*domain.User, error)
}

// Config holds scheduler configuration.
type Config struct {
	Interval     time.Duration
	SweepSpacing time.Duration
	ShutdownWait time.Duration
}

// DefaultConfig returns the default configuration for the scheduler.
func DefaultConfig() Config {
	return Config{
		Interval:     30 * time.Minute,
		SweepSpacing: 500 * time.Millisecond,
		ShutdownWait: 10 * time.Second,
	}
}

// Status is a snapshot of the scheduler.
type Status struct {
	Running          bool      `json:"is_running"`
	IntervalMinutes  float64   `json:"check_interval_minutes"`
	LastCacheRefresh time.Time `json:"last_cache_update,omitzero"`
	CachedRoleCount  int       `json:"cached_roles_count"`
	LastSweepAt      time.Time `json:"last_sweep_at,omitzero"`
	InFlight         int       `json:"in_flight"`
}

// Scheduler sweeps users due for a role check and hands them to the checker.
type Scheduler struct {
	checker UserChecker
	users   UserLister
	cache   domain.RoleCache
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	isRunning bool
	stopChan  chan struct{}
	loopDone  chan struct{}
	lastSweep time.Time

	// in-flight submissions; drained is closed whenever inFlight drops to zero
	inFlight int
	drained  chan struct{}
}

// NewScheduler creates a new Scheduler. Zero config values fall back to the defaults.
func NewScheduler(checker UserChecker, users UserLister, cache domain.RoleCache, cfg Config, logger *slog.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.SweepSpacing < 0 {
		cfg.SweepSpacing = 0
	}
	if cfg.ShutdownWait <= 0 {
		cfg.ShutdownWait = def.ShutdownWait
	}
	if logger == nil {
		logger = slog.Default()
	}
	drained := make(chan struct{})
	close(drained)
	return &Scheduler{
		checker: checker,
		users:   users,
		cache:   cache,
		cfg:     cfg,
		logger:  logger.With("component", "scheduler"),
		now:     time.Now,
		drained: drained,
	}
}

// Start starts the sweep loop. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		s.logger.Warn("scheduler is already running")
		return
	}

	s.logger.Info("starting role scheduler",
		"interval", s.cfg.Interval,
		"sweep_spacing", s.cfg.SweepSpacing)

	s.stopChan = make(chan struct{})
	s.loopDone = make(chan struct{})
	s.isRunning = true

	go s.runLoop(s.stopChan, s.loopDone)
}

// Stop stops scheduling new sweeps. In-flight checks are not cancelled; Stop
// waits for them at most ShutdownWait.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.logger.Info("stopping role scheduler")
	close(s.stopChan)
	s.isRunning = false
	loopDone := s.loopDone
	s.mu.Unlock()

	<-loopDone

	if !s.waitIdle(s.cfg.ShutdownWait) {
		s.logger.Warn("role checks still running after shutdown wait", "in_flight", s.InFlight())
	}
}

// Restart stops and starts the scheduler.
func (s *Scheduler) Restart() {
	s.Stop()
	s.Start()
}

// Running reports whether the sweep loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// CheckAll starts a sweep in the background. A forced sweep clears the role
// cache and selects every active user regardless of staleness.
func (s *Scheduler) CheckAll(force bool) {
	s.mu.Lock()
	stop := s.stopChan
	if !s.isRunning {
		stop = nil
	}
	s.mu.Unlock()

	go s.sweep(stop, force)
}

// Status returns a snapshot of the scheduler and the role cache.
func (s *Scheduler) Status() Status {
	stats := s.cache.Stats()

	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running:          s.isRunning,
		IntervalMinutes:  s.cfg.Interval.Minutes(),
		LastCacheRefresh: stats.LastRefresh,
		CachedRoleCount:  stats.Entries,
		LastSweepAt:      s.lastSweep,
		InFlight:         s.inFlight,
	}
}

// InFlight reports how many submitted checks have not finished.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

func (s *Scheduler) runLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-timer.C:
			s.sweep(stop, false)
			timer.Reset(s.cfg.Interval)
		}
	}
}

// sweep submits the selected users, spaced by SweepSpacing, until done or stopped.
func (s *Scheduler) sweep(stop <-chan struct{}, force bool) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	started := s.now()
	var (
		users []*domain.User
		err   error
	)
	if force {
		s.cache.Clear()
		users, err = s.users.ListActive(ctx)
	} else {
		users, err = s.users.ListActiveDueForCheck(ctx, started.Add(-s.cfg.Interval))
	}
	if err != nil {
		s.logger.Error("failed to list users for role check", "force", force, "error", err)
		metrics.RecordError("sweep", "store")
		return
	}

	s.logger.Info("starting role sweep", "users", len(users), "force", force)

	limit := rate.Inf
	if s.cfg.SweepSpacing > 0 {
		limit = rate.Every(s.cfg.SweepSpacing)
	}
	spacing := rate.NewLimiter(limit, 1)

	submitted := 0
	for _, u := range users {
		if err := spacing.Wait(ctx); err != nil {
			s.logger.Info("role sweep interrupted", "submitted", submitted, "remaining", len(users)-submitted)
			break
		}
		s.submit(u.ID, force)
		submitted++
	}

	s.mu.Lock()
	s.lastSweep = started
	s.mu.Unlock()

	metrics.RecordSweep(submitted)
	s.logger.Info("role sweep dispatched", "submitted", submitted, "duration", s.now().Sub(started))
}

// submit runs one check in its own goroutine. The check is detached from the
// sweep so stopping the scheduler does not abort it.
func (s *Scheduler) submit(userID int64, force bool) {
	s.mu.Lock()
	if s.inFlight == 0 {
		s.drained = make(chan struct{})
	}
	s.inFlight++
	s.mu.Unlock()

	go func() {
		defer s.finish()

		trigger := "scheduled"
		if force {
			trigger = "forced"
		}
		ctx := logger.WithTrigger(context.Background(), trigger)

		result, err := s.checker.Execute(ctx, userID, force)
		if err != nil {
			s.logger.ErrorContext(ctx, "role check failed", "user_id", userID, "error", err)
			return
		}
		if result.Changed {
			s.logger.InfoContext(ctx, "user role changed",
				"user_id", userID, "old_role", result.OldRole.String(), "new_role", result.NewRole.String())
		}
		if result.Completed && !result.HasAccess {
			s.logger.WarnContext(ctx, "user lost access", "user_id", userID)
		}
	}()
}

func (s *Scheduler) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--
	if s.inFlight == 0 {
		close(s.drained)
	}
}

// waitIdle blocks until no submission is in flight or timeout elapses.
func (s *Scheduler) waitIdle(timeout time.Duration) bool {
	s.mu.Lock()
	drained := s.drained
	s.mu.Unlock()

	select {
	case <-drained:
		return true
	case <-time.After(timeout):
		return false
	}
}
