package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"role-sync/internal/domain"
)

const (
	testGuildID     = "guild-1"
	testAdminRoleID = "1394325091734523994"
	testPoliceRole  = "1394324971416846359"
)

func testTable() domain.PrecedenceTable {
	table, err := domain.NewPrecedenceTable(
		domain.RoleBinding{Role: domain.RolePolice, ExternalRoleID: testPoliceRole},
		domain.RoleBinding{Role: domain.RoleAdmin, ExternalRoleID: testAdminRoleID},
	)
	if err != nil {
		panic(err)
	}
	return table
}

func validCredential() domain.Credential {
	return domain.Credential{
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
}

// fakeStore implements domain.UserStore for testing.
type fakeStore struct {
	mu        sync.Mutex
	users     map[int64]domain.User
	updates   []domain.UserUpdate
	updateErr error
	getErr    error
}

func newFakeStore(users ...domain.User) *fakeStore {
	s := &fakeStore{users: make(map[int64]domain.User)}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

func (s *fakeStore) Get(_ context.Context, userID int64) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	u, ok := s.users[userID]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	u.DiscordRoles = append([]string(nil), u.DiscordRoles...)
	return &u, nil
}

func (s *fakeStore) Update(_ context.Context, userID int64, update domain.UserUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	u, ok := s.users[userID]
	if !ok {
		return domain.ErrUserNotFound
	}
	update.Apply(&u)
	s.users[userID] = u
	s.updates = append(s.updates, update)
	return nil
}

func (s *fakeStore) ListActiveDueForCheck(_ context.Context, olderThan time.Time) ([]*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.User
	for _, u := range s.users {
		if u.Active && u.LastRoleCheck.Before(olderThan) {
			u := u
			out = append(out, &u)
		}
	}
	return out, nil
}

func (s *fakeStore) ListActive(ctx context.Context) ([]*domain.User, error) {
	return s.ListActiveDueForCheck(ctx, time.Now().Add(time.Hour))
}

func (s *fakeStore) user(id int64) domain.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[id]
}

func (s *fakeStore) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

// fakeCache implements domain.RoleCache for testing.
type fakeCache struct {
	mu       sync.Mutex
	entries  map[int64]domain.CacheEntry
	disabled bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[int64]domain.CacheEntry)}
}

func (c *fakeCache) Get(userID int64) (domain.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disabled {
		return domain.CacheEntry{}, false
	}
	e, ok := c.entries[userID]
	if !ok || !e.Fresh(time.Now()) {
		return domain.CacheEntry{}, false
	}
	return e, true
}

func (c *fakeCache) Put(userID int64, role domain.Role, hasAccess bool, ttl time.Duration) {
	c.putAt(userID, role, hasAccess, time.Now(), ttl)
}

func (c *fakeCache) putAt(userID int64, role domain.Role, hasAccess bool, createdAt time.Time, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	c.entries[userID] = domain.CacheEntry{
		UserID:    userID,
		Role:      role,
		HasAccess: hasAccess,
		CreatedAt: createdAt,
		ExpiresAt: createdAt.Add(ttl),
	}
}

func (c *fakeCache) Invalidate(userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
}

func (c *fakeCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

func (c *fakeCache) Stats() domain.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.CacheStats{Entries: len(c.entries)}
}

func (c *fakeCache) raw(userID int64) (domain.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[userID]
	return e, ok
}

// openGate admits everything.
type openGate struct{}

func (openGate) TryEnter(context.Context, int64, bool) (func(), bool) { return func() {}, true }
func (openGate) InFlight() int                                        { return 0 }

// fakePassports implements domain.PassportChecker for testing.
type fakePassports struct {
	has    bool
	err    error
	called int
}

func (p *fakePassports) HasPassport(context.Context, *domain.User) (bool, error) {
	p.called++
	return p.has, p.err
}

// fakeResolver implements domain.SecondaryIdentityResolver for testing.
type fakeResolver struct {
	identity *domain.SecondaryIdentity
	err      error
}

func (r *fakeResolver) ResolveSecondaryIdentity(context.Context, string) (*domain.SecondaryIdentity, error) {
	return r.identity, r.err
}

// fakeAudit implements domain.AuditLogger for testing.
type fakeAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
	err     error
}

func (a *fakeAudit) Record(_ context.Context, e domain.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return a.err
}

func (a *fakeAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}

// fakePublisher implements domain.ChangePublisher for testing.
type fakePublisher struct {
	mu     sync.Mutex
	events []domain.RoleChangeEvent
}

func (p *fakePublisher) Publish(e domain.RoleChangeEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *fakePublisher) published() []domain.RoleChangeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.RoleChangeEvent(nil), p.events...)
}

var errTransport = errors.New("dial tcp: connection refused")
