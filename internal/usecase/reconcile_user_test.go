package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"role-sync/internal/domain"
	"role-sync/internal/domain/mocks"
	"role-sync/internal/infrastructure/limiter"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type harness struct {
	store     *fakeStore
	cache     *fakeCache
	gateway   *mocks.MockIdentityGateway
	passports *fakePassports
	resolver  *fakeResolver
	audit     *fakeAudit
	publisher *fakePublisher
	gate      Gate
}

func newHarness(t *testing.T, users ...domain.User) *harness {
	t.Helper()
	ctrl := gomock.NewController(t)
	return &harness{
		store:     newFakeStore(users...),
		cache:     newFakeCache(),
		gateway:   mocks.NewMockIdentityGateway(ctrl),
		passports: &fakePassports{},
		resolver:  &fakeResolver{err: domain.ErrSecondaryNotFound},
		audit:     &fakeAudit{},
		publisher: &fakePublisher{},
		gate:      openGate{},
	}
}

func (h *harness) engine() *ReconcileUser {
	return NewReconcileUser(ReconcileDeps{
		Store:       h.store,
		Cache:       h.cache,
		Gate:        h.gate,
		Credentials: NewEnsureCredential(h.gateway, h.store, slog.Default()),
		Determiner:  NewDetermineRole(testTable(), h.passports),
		Gateway:     h.gateway,
		Secondary:   h.resolver,
		Audit:       h.audit,
		Publisher:   h.publisher,
		Logger:      slog.Default(),
	}, ReconcileConfig{GuildID: testGuildID, CacheTTL: 2 * time.Minute})
}

func policeUser() domain.User {
	return domain.User{
		ID:              1,
		DiscordID:       "discord-1",
		DiscordUsername: "officer",
		Role:            domain.RolePolice,
		Active:          true,
		Credential:      validCredential(),
		DiscordRoles:    []string{testPoliceRole},
	}
}

func adminUser() domain.User {
	u := policeUser()
	u.ID = 2
	u.DiscordUsername = "chief"
	u.Role = domain.RoleAdmin
	u.DiscordRoles = []string{testAdminRoleID}
	return u
}

func TestReconcileUser_CacheRespected(t *testing.T) {
	h := newHarness(t, policeUser())
	h.cache.putAt(1, domain.RolePolice, true, time.Now().Add(-30*time.Second), 2*time.Minute)

	result, err := h.engine().Execute(context.Background(), 1, false)

	require.NoError(t, err)
	assert.Equal(t, domain.RolePolice, result.NewRole)
	assert.False(t, result.Changed)
	assert.True(t, result.HasAccess)
	assert.True(t, result.FromCache)
	assert.Zero(t, h.store.updateCount())
	assert.Empty(t, h.audit.actions())
}

func TestReconcileUser_ExpiredCachePromotesToAdmin(t *testing.T) {
	h := newHarness(t, policeUser())
	h.cache.putAt(1, domain.RolePolice, true, time.Now().Add(-3*time.Minute), 2*time.Minute)
	h.gateway.EXPECT().
		GetMembership(gomock.Any(), "access", testGuildID).
		Return(&domain.Membership{RoleIDs: []string{testPoliceRole, testAdminRoleID}}, nil).
		Times(1)

	result, err := h.engine().Execute(context.Background(), 1, false)

	require.NoError(t, err)
	assert.Equal(t, domain.RolePolice, result.OldRole)
	assert.Equal(t, domain.RoleAdmin, result.NewRole)
	assert.True(t, result.Changed)
	assert.True(t, result.HasAccess)
	assert.True(t, result.Completed)

	stored := h.store.user(1)
	assert.Equal(t, domain.RoleAdmin, stored.Role)
	assert.True(t, stored.Active)
	assert.ElementsMatch(t, []string{testPoliceRole, testAdminRoleID}, stored.DiscordRoles)
	assert.False(t, stored.LastRoleCheck.IsZero())
	assert.Equal(t, 1, h.store.updateCount(), "role, access and timestamp are written together")

	events := h.publisher.published()
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].UserID)
	assert.Equal(t, domain.RolePolice, events[0].OldRole)
	assert.Equal(t, domain.RoleAdmin, events[0].NewRole)
	assert.Equal(t, "officer", events[0].User.DiscordUsername)
	assert.NotEmpty(t, events[0].ID)

	entry, ok := h.cache.raw(1)
	require.True(t, ok)
	assert.Equal(t, domain.RoleAdmin, entry.Role)
	assert.True(t, entry.Fresh(time.Now()))

	assert.Contains(t, h.audit.actions(), domain.AuditRoleCheck)
	assert.Contains(t, h.audit.actions(), domain.AuditRoleChanged)
}

func TestReconcileUser_NotMemberWithoutPassportLosesAccess(t *testing.T) {
	h := newHarness(t, policeUser())
	h.gateway.EXPECT().
		GetMembership(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, domain.ErrNotMember)

	result, err := h.engine().Execute(context.Background(), 1, false)

	require.NoError(t, err)
	assert.Equal(t, domain.RolePolice, result.OldRole)
	assert.Equal(t, domain.RoleNone, result.NewRole)
	assert.True(t, result.Changed)
	assert.False(t, result.HasAccess)

	stored := h.store.user(1)
	assert.False(t, stored.Active)
	assert.Equal(t, domain.RoleNone, stored.Role)
	assert.Empty(t, stored.DiscordRoles)
	assert.Len(t, h.publisher.published(), 1)
}

func TestReconcileUser_NotMemberNeverEscalates(t *testing.T) {
	for _, stored := range []domain.Role{domain.RoleNone, domain.RoleCitizen, domain.RolePolice, domain.RoleAdmin} {
		t.Run(stored.String(), func(t *testing.T) {
			u := policeUser()
			u.Role = stored
			h := newHarness(t, u)
			h.passports.has = true
			h.gateway.EXPECT().
				GetMembership(gomock.Any(), gomock.Any(), gomock.Any()).
				Return(nil, domain.ErrNotMember)

			result, err := h.engine().Execute(context.Background(), 1, true)

			require.NoError(t, err)
			assert.Equal(t, domain.RoleCitizen, result.NewRole)
			assert.False(t, result.NewRole.Outranks(domain.RoleCitizen))
			assert.True(t, result.HasAccess)
			assert.True(t, h.store.user(1).Active)
		})
	}
}

func TestReconcileUser_NotMemberReactivatesBaseline(t *testing.T) {
	u := policeUser()
	u.Role = domain.RoleNone
	u.Active = false
	h := newHarness(t, u)
	h.passports.has = true
	h.gateway.EXPECT().
		GetMembership(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, domain.ErrNotMember)

	result, err := h.engine().Execute(context.Background(), 1, true)

	require.NoError(t, err)
	assert.Equal(t, domain.RoleCitizen, result.NewRole)
	assert.True(t, h.store.user(1).Active)
}

func TestReconcileUser_NotMemberAntiFlap(t *testing.T) {
	u := policeUser()
	u.Role = domain.RoleCitizen
	h := newHarness(t, u)
	h.gateway.EXPECT().
		GetMembership(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, string, string) (*domain.Membership, error) {
			// a concurrent check stores its decision while this lookup is in flight
			h.cache.Put(1, domain.RoleCitizen, true, 0)
			return nil, domain.ErrNotMember
		})

	result, err := h.engine().Execute(context.Background(), 1, false)

	require.NoError(t, err)
	assert.Equal(t, domain.RoleCitizen, result.NewRole)
	assert.False(t, result.Changed)
	assert.True(t, result.FromCache)
	assert.Zero(t, h.store.updateCount())
	assert.Zero(t, h.passports.called)
}

func TestReconcileUser_AdminFailOpenWithoutRefreshToken(t *testing.T) {
	u := adminUser()
	u.Active = false
	u.Credential = domain.Credential{AccessToken: "stale", ExpiresAt: time.Now().Add(-time.Minute)}
	h := newHarness(t, u)

	result, err := h.engine().Execute(context.Background(), 2, false)

	require.NoError(t, err)
	assert.Equal(t, domain.RoleAdmin, result.OldRole)
	assert.Equal(t, domain.RoleAdmin, result.NewRole)
	assert.False(t, result.Changed)
	assert.True(t, result.HasAccess)
	assert.Equal(t, domain.FailureTokenRefresh, result.Failure)

	stored := h.store.user(2)
	assert.True(t, stored.Active)
	assert.Equal(t, domain.RoleAdmin, stored.Role)

	entry, ok := h.cache.raw(2)
	require.True(t, ok)
	assert.True(t, entry.HasAccess)
	assert.Empty(t, h.publisher.published())
}

func TestReconcileUser_AdminFailOpenOnRefreshError(t *testing.T) {
	u := adminUser()
	u.Credential.ExpiresAt = time.Now().Add(-time.Minute)
	h := newHarness(t, u)
	h.gateway.EXPECT().RefreshToken(gomock.Any(), "refresh").Return(nil, domain.ErrExternalUnavailable)

	result, err := h.engine().Execute(context.Background(), 2, true)

	require.NoError(t, err)
	assert.True(t, result.HasAccess)
	assert.Equal(t, domain.RoleAdmin, result.NewRole)
	assert.Zero(t, h.store.updateCount(), "already active admin is not rewritten")
}

func TestReconcileUser_TokenFailureRevokesNonAdmin(t *testing.T) {
	u := policeUser()
	u.Credential = domain.Credential{AccessToken: "stale", ExpiresAt: time.Now().Add(-time.Minute)}
	h := newHarness(t, u)
	h.cache.putAt(1, domain.RolePolice, true, time.Now(), time.Minute)

	result, err := h.engine().Execute(context.Background(), 1, true)

	require.NoError(t, err)
	assert.False(t, result.HasAccess)
	assert.False(t, result.Changed)
	assert.Equal(t, domain.RolePolice, result.NewRole)
	assert.Equal(t, domain.FailureTokenRefresh, result.Failure)
	assert.False(t, h.store.user(1).Active)

	_, cached := h.cache.raw(1)
	assert.False(t, cached)
	assert.Equal(t, []string{domain.AuditRoleCheck}, h.audit.actions())
}

func TestReconcileUser_RefreshedCredentialUsedForLookup(t *testing.T) {
	u := policeUser()
	u.Credential.ExpiresAt = time.Now().Add(-time.Minute)
	h := newHarness(t, u)
	gomock.InOrder(
		h.gateway.EXPECT().RefreshToken(gomock.Any(), "refresh").
			Return(&domain.TokenGrant{AccessToken: "fresh", RefreshToken: "refresh-2", ExpiresIn: 604800}, nil),
		h.gateway.EXPECT().GetMembership(gomock.Any(), "fresh", testGuildID).
			Return(&domain.Membership{RoleIDs: []string{testPoliceRole}}, nil),
	)

	result, err := h.engine().Execute(context.Background(), 1, true)

	require.NoError(t, err)
	assert.False(t, result.Changed)
	assert.True(t, result.HasAccess)
	stored := h.store.user(1)
	assert.Equal(t, "fresh", stored.Credential.AccessToken)
	assert.Equal(t, "refresh-2", stored.Credential.RefreshToken)
}

func TestReconcileUser_RejectedTokenRefreshedAndRetried(t *testing.T) {
	h := newHarness(t, policeUser())
	gomock.InOrder(
		h.gateway.EXPECT().GetMembership(gomock.Any(), "access", testGuildID).
			Return(nil, domain.ErrCredentialRejected),
		h.gateway.EXPECT().RefreshToken(gomock.Any(), "refresh").
			Return(&domain.TokenGrant{AccessToken: "fresh", RefreshToken: "refresh-2", ExpiresIn: 604800}, nil),
		h.gateway.EXPECT().GetMembership(gomock.Any(), "fresh", testGuildID).
			Return(&domain.Membership{RoleIDs: []string{}}, nil),
	)

	result, err := h.engine().Execute(context.Background(), 1, false)

	require.NoError(t, err)
	assert.True(t, result.Completed)
	assert.Equal(t, domain.RoleNone, result.NewRole)
	assert.True(t, result.Changed)
	stored := h.store.user(1)
	assert.Equal(t, "fresh", stored.Credential.AccessToken)
	assert.Equal(t, domain.RoleNone, stored.Role)
}

func TestReconcileUser_RejectedTokenRevokesNonAdmin(t *testing.T) {
	tests := []struct {
		name  string
		setup func(gw *mocks.MockIdentityGateway)
	}{
		{
			name: "refresh fails",
			setup: func(gw *mocks.MockIdentityGateway) {
				gomock.InOrder(
					gw.EXPECT().GetMembership(gomock.Any(), "access", testGuildID).
						Return(nil, domain.ErrCredentialRejected),
					gw.EXPECT().RefreshToken(gomock.Any(), "refresh").
						Return(nil, domain.ErrTokenRefreshFailed),
				)
			},
		},
		{
			name: "refreshed token rejected again",
			setup: func(gw *mocks.MockIdentityGateway) {
				gomock.InOrder(
					gw.EXPECT().GetMembership(gomock.Any(), "access", testGuildID).
						Return(nil, domain.ErrCredentialRejected),
					gw.EXPECT().RefreshToken(gomock.Any(), "refresh").
						Return(&domain.TokenGrant{AccessToken: "fresh", ExpiresIn: 60}, nil),
					gw.EXPECT().GetMembership(gomock.Any(), "fresh", testGuildID).
						Return(nil, domain.ErrCredentialRejected),
				)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, policeUser())
			tt.setup(h.gateway)

			result, err := h.engine().Execute(context.Background(), 1, true)

			require.NoError(t, err)
			assert.False(t, result.HasAccess)
			assert.Equal(t, domain.FailureTokenRefresh, result.Failure)
			assert.False(t, h.store.user(1).Active)
			_, cached := h.cache.raw(1)
			assert.False(t, cached)
		})
	}
}

func TestReconcileUser_RejectedTokenAfterExpiryRefreshIsNotRetried(t *testing.T) {
	u := policeUser()
	u.Credential.ExpiresAt = time.Now().Add(-time.Minute)
	h := newHarness(t, u)
	gomock.InOrder(
		h.gateway.EXPECT().RefreshToken(gomock.Any(), "refresh").
			Return(&domain.TokenGrant{AccessToken: "fresh", ExpiresIn: 60}, nil),
		h.gateway.EXPECT().GetMembership(gomock.Any(), "fresh", testGuildID).
			Return(nil, domain.ErrCredentialRejected),
	)

	result, err := h.engine().Execute(context.Background(), 1, true)

	require.NoError(t, err)
	assert.False(t, result.HasAccess)
	assert.Equal(t, domain.FailureTokenRefresh, result.Failure)
	assert.False(t, h.store.user(1).Active)
}

func TestReconcileUser_RejectedTokenAdminFailOpen(t *testing.T) {
	h := newHarness(t, adminUser())
	gomock.InOrder(
		h.gateway.EXPECT().GetMembership(gomock.Any(), "access", testGuildID).
			Return(nil, domain.ErrCredentialRejected),
		h.gateway.EXPECT().RefreshToken(gomock.Any(), "refresh").
			Return(nil, domain.ErrTokenRefreshFailed),
	)

	result, err := h.engine().Execute(context.Background(), 2, true)

	require.NoError(t, err)
	assert.True(t, result.HasAccess)
	assert.Equal(t, domain.RoleAdmin, result.NewRole)
	assert.True(t, h.store.user(2).Active)
}

func TestReconcileUser_GatewayOutageIsSoft(t *testing.T) {
	for _, active := range []bool{true, false} {
		u := policeUser()
		u.Active = active
		h := newHarness(t, u)
		h.gateway.EXPECT().
			GetMembership(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(nil, errors.Join(domain.ErrExternalUnavailable, errTransport))

		result, err := h.engine().Execute(context.Background(), 1, true)

		require.NoError(t, err)
		assert.Equal(t, active, result.HasAccess)
		assert.False(t, result.Changed)
		assert.False(t, result.Completed)
		assert.Equal(t, domain.FailureExternalUnavailable, result.Failure)
		assert.Zero(t, h.store.updateCount())
		assert.Equal(t, policeUser().Role, h.store.user(1).Role)
		assert.Equal(t, active, h.store.user(1).Active)
	}
}

func TestReconcileUser_PassportLookupFailureIsSoft(t *testing.T) {
	h := newHarness(t, policeUser())
	h.passports.err = errTransport
	h.gateway.EXPECT().
		GetMembership(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(&domain.Membership{RoleIDs: []string{"unrelated"}}, nil)

	result, err := h.engine().Execute(context.Background(), 1, true)

	require.NoError(t, err)
	assert.False(t, result.Completed)
	assert.Equal(t, domain.RolePolice, result.NewRole)
	assert.Zero(t, h.store.updateCount())
}

func TestReconcileUser_ForceBypassesCache(t *testing.T) {
	h := newHarness(t, policeUser())
	h.cache.Put(1, domain.RolePolice, true, 0)
	h.gateway.EXPECT().
		GetMembership(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(&domain.Membership{RoleIDs: []string{testPoliceRole}}, nil).
		Times(2)

	engine := h.engine()
	for range 2 {
		result, err := engine.Execute(context.Background(), 1, true)
		require.NoError(t, err)
		assert.False(t, result.FromCache)
		assert.True(t, result.Completed)
	}
	assert.Equal(t, 2, h.store.updateCount())
}

func TestReconcileUser_CooldownSuppressesDuplicateChecks(t *testing.T) {
	h := newHarness(t, policeUser())
	h.cache.disabled = true
	h.gate = limiter.New(limiter.Config{Concurrency: 2, Cooldown: time.Minute}, nil)
	h.gateway.EXPECT().
		GetMembership(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(&domain.Membership{RoleIDs: []string{testPoliceRole}}, nil).
		Times(1)

	engine := h.engine()
	first, err := engine.Execute(context.Background(), 1, false)
	require.NoError(t, err)
	assert.True(t, first.Completed)

	second, err := engine.Execute(context.Background(), 1, false)
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, domain.RolePolice, second.NewRole)
	assert.True(t, second.HasAccess)
}

func TestReconcileUser_Idempotent(t *testing.T) {
	h := newHarness(t, policeUser())
	h.resolver.err = nil
	h.resolver.identity = &domain.SecondaryIdentity{DisplayName: "Steve", LinkedUUID: "uuid-1"}
	h.gateway.EXPECT().
		GetMembership(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(&domain.Membership{RoleIDs: []string{testAdminRoleID}}, nil).
		Times(2)

	engine := h.engine()
	first, err := engine.Execute(context.Background(), 1, true)
	require.NoError(t, err)
	assert.True(t, first.Changed)
	assert.True(t, first.SecondaryIdentityUpdated)

	second, err := engine.Execute(context.Background(), 1, true)
	require.NoError(t, err)
	assert.False(t, second.Changed)
	assert.False(t, second.SecondaryIdentityUpdated)
	assert.Len(t, h.publisher.published(), 1)
}

func TestReconcileUser_SecondaryIdentity(t *testing.T) {
	tests := []struct {
		name        string
		stored      domain.SecondaryIdentity
		resolver    *fakeResolver
		want        domain.SecondaryIdentity
		wantUpdated bool
	}{
		{
			name:        "resolved",
			resolver:    &fakeResolver{identity: &domain.SecondaryIdentity{DisplayName: "Alex", LinkedUUID: "u-2"}},
			want:        domain.SecondaryIdentity{DisplayName: "Alex", LinkedUUID: "u-2"},
			wantUpdated: true,
		},
		{
			name:        "not found clears stored identity",
			stored:      domain.SecondaryIdentity{DisplayName: "Old", LinkedUUID: "u-1"},
			resolver:    &fakeResolver{err: domain.ErrSecondaryNotFound},
			want:        domain.SecondaryIdentity{},
			wantUpdated: true,
		},
		{
			name:     "lookup failure keeps stored identity",
			stored:   domain.SecondaryIdentity{DisplayName: "Old", LinkedUUID: "u-1"},
			resolver: &fakeResolver{err: domain.ErrExternalUnavailable},
			want:     domain.SecondaryIdentity{DisplayName: "Old", LinkedUUID: "u-1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := policeUser()
			u.Secondary = tt.stored
			h := newHarness(t, u)
			h.resolver = tt.resolver
			h.gateway.EXPECT().
				GetMembership(gomock.Any(), gomock.Any(), gomock.Any()).
				Return(&domain.Membership{RoleIDs: []string{testPoliceRole}}, nil)

			result, err := h.engine().Execute(context.Background(), 1, true)

			require.NoError(t, err)
			assert.Equal(t, tt.wantUpdated, result.SecondaryIdentityUpdated)
			assert.Equal(t, tt.want, h.store.user(1).Secondary)
			if tt.wantUpdated {
				assert.Contains(t, h.audit.actions(), domain.AuditSecondaryUpdated)
			}
		})
	}
}

func TestReconcileUser_UserNotFound(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine().Execute(context.Background(), 99, true)

	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestReconcileUser_StoreFailureIsReturned(t *testing.T) {
	h := newHarness(t, policeUser())
	h.store.updateErr = errors.New("connection reset")
	h.gateway.EXPECT().
		GetMembership(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(&domain.Membership{RoleIDs: []string{testAdminRoleID}}, nil)

	result, err := h.engine().Execute(context.Background(), 1, true)

	assert.Error(t, err)
	assert.False(t, result.Completed)
	assert.Empty(t, h.publisher.published())
	_, cached := h.cache.raw(1)
	assert.False(t, cached)
}

func TestReconcileUser_AuditFailureDoesNotFailCheck(t *testing.T) {
	h := newHarness(t, policeUser())
	h.audit.err = errors.New("insert failed")
	h.gateway.EXPECT().
		GetMembership(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(&domain.Membership{RoleIDs: []string{testPoliceRole}}, nil)

	result, err := h.engine().Execute(context.Background(), 1, true)

	require.NoError(t, err)
	assert.True(t, result.Completed)
}

func TestReconcileUser_BoundedConcurrencyDuringSweep(t *testing.T) {
	const (
		users = 12
		bound = 2
	)
	var seed []domain.User
	for i := range users {
		u := policeUser()
		u.ID = int64(i + 1)
		seed = append(seed, u)
	}
	h := newHarness(t, seed...)
	h.gate = limiter.New(limiter.Config{Concurrency: bound, Cooldown: time.Minute}, nil)

	var mu sync.Mutex
	current, peak := 0, 0
	h.gateway.EXPECT().
		GetMembership(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, string, string) (*domain.Membership, error) {
			mu.Lock()
			current++
			peak = max(peak, current)
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			current--
			mu.Unlock()
			return &domain.Membership{RoleIDs: []string{testPoliceRole}}, nil
		}).
		Times(users)

	engine := h.engine()
	var wg sync.WaitGroup
	for i := range users {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := engine.Execute(context.Background(), id, false)
			assert.NoError(t, err)
		}(int64(i + 1))
	}
	wg.Wait()

	assert.LessOrEqual(t, peak, bound)
	assert.Positive(t, peak)
}
