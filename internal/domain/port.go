package domain

import (
	"context"
	"time"
)

//go:generate mockgen -destination=mocks/mock_identity_gateway.go -package=mocks role-sync/internal/domain IdentityGateway

// Membership is the current guild membership of a user.
type Membership struct {
	RoleIDs []string
	Nick    string
}

// TokenGrant is the response of a refresh-token exchange.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
}

// IdentityGateway talks to the external guild provider.
// GetMembership returns ErrNotMember when the user is not in the guild and
// ErrExternalUnavailable on transport failures.
type IdentityGateway interface {
	GetMembership(ctx context.Context, accessToken, guildID string) (*Membership, error)
	RefreshToken(ctx context.Context, refreshToken string) (*TokenGrant, error)
}

// SecondaryIdentityResolver resolves the in-game identity linked to an external account.
// Returns ErrSecondaryNotFound when nothing is linked.
type SecondaryIdentityResolver interface {
	ResolveSecondaryIdentity(ctx context.Context, externalUserID string) (*SecondaryIdentity, error)
}

// UserStore persists user identity records.
type UserStore interface {
	Get(ctx context.Context, userID int64) (*User, error)
	Update(ctx context.Context, userID int64, update UserUpdate) error
	ListActiveDueForCheck(ctx context.Context, olderThan time.Time) ([]*User, error)
	ListActive(ctx context.Context) ([]*User, error)
}

// UserLookup resolves the user behind an authenticated external identity.
type UserLookup interface {
	GetByDiscordID(ctx context.Context, discordID string) (*User, error)
}

// PassportChecker reports whether a user has a registered in-world identity.
type PassportChecker interface {
	HasPassport(ctx context.Context, user *User) (bool, error)
}

// RoleCache provides read/write access to cached access decisions.
type RoleCache interface {
	Get(userID int64) (CacheEntry, bool)
	Put(userID int64, role Role, hasAccess bool, ttl time.Duration)
	Invalidate(userID int64)
	Clear()
	Stats() CacheStats
}

// AuditLogger records actions in the audit log.
type AuditLogger interface {
	Record(ctx context.Context, entry AuditEntry) error
}

// ChangePublisher fans role change events out to live listeners.
type ChangePublisher interface {
	Publish(event RoleChangeEvent)
}
