package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"role-sync/internal/domain"
	"role-sync/metrics"

	"golang.org/x/sync/singleflight"
)

// CredentialOutcome is the result of EnsureCredential.Execute.
type CredentialOutcome struct {
	OK         bool
	Credential domain.Credential
	Refreshed  bool
	Err        error
}

// EnsureCredential renews expired identity provider tokens before a membership lookup.
type EnsureCredential struct {
	gateway domain.IdentityGateway
	store   domain.UserStore
	logger  *slog.Logger
	now     func() time.Time

	// refreshGroup collapses concurrent refreshes for the same user into one call.
	refreshGroup singleflight.Group
}

// NewEnsureCredential creates a new EnsureCredential usecase.
func NewEnsureCredential(g domain.IdentityGateway, s domain.UserStore, l *slog.Logger) *EnsureCredential {
	if l == nil {
		l = slog.Default()
	}
	return &EnsureCredential{
		gateway: g,
		store:   s,
		logger:  l.With("component", "token_refresher"),
		now:     time.Now,
	}
}

// Execute returns a usable credential for user, refreshing it once if expired.
// A failed outcome wraps domain.ErrTokenRefreshFailed.
func (uc *EnsureCredential) Execute(ctx context.Context, user *domain.User) CredentialOutcome {
	if !user.Credential.Expired(uc.now()) {
		return CredentialOutcome{OK: true, Credential: user.Credential}
	}
	return uc.Refresh(ctx, user)
}

// Refresh renews the credential regardless of its expiry, for access tokens
// the identity provider rejected before they expired.
func (uc *EnsureCredential) Refresh(ctx context.Context, user *domain.User) CredentialOutcome {
	if user.Credential.RefreshToken == "" {
		uc.logger.WarnContext(ctx, "no refresh token stored", "user_id", user.ID)
		metrics.RecordTokenRefresh("missing")
		return CredentialOutcome{Err: fmt.Errorf("%w: no refresh token", domain.ErrTokenRefreshFailed)}
	}

	v, err, shared := uc.refreshGroup.Do(strconv.FormatInt(user.ID, 10), func() (any, error) {
		return uc.refresh(ctx, user)
	})
	if err != nil {
		uc.logger.WarnContext(ctx, "token refresh failed", "user_id", user.ID, "error", err)
		metrics.RecordTokenRefresh("failed")
		return CredentialOutcome{Err: fmt.Errorf("%w: %w", domain.ErrTokenRefreshFailed, err)}
	}
	if shared {
		uc.logger.DebugContext(ctx, "token refresh shared with concurrent caller", "user_id", user.ID)
	}

	cred := v.(domain.Credential)
	user.Credential = cred
	return CredentialOutcome{OK: true, Credential: cred, Refreshed: true}
}

func (uc *EnsureCredential) refresh(ctx context.Context, user *domain.User) (domain.Credential, error) {
	grant, err := uc.gateway.RefreshToken(ctx, user.Credential.RefreshToken)
	if err != nil {
		return domain.Credential{}, err
	}
	if grant == nil || grant.AccessToken == "" {
		return domain.Credential{}, fmt.Errorf("empty token grant")
	}

	cred := domain.Credential{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
	}
	if cred.RefreshToken == "" {
		cred.RefreshToken = user.Credential.RefreshToken
	}
	if grant.ExpiresIn > 0 {
		cred.ExpiresAt = uc.now().Add(time.Duration(grant.ExpiresIn) * time.Second)
	}

	// A failed write still hands the fresh access token to this attempt.
	if err := uc.store.Update(ctx, user.ID, domain.UserUpdate{Credential: &cred}); err != nil {
		uc.logger.ErrorContext(ctx, "failed to persist refreshed credential", "user_id", user.ID, "error", err)
		metrics.RecordError("persist_credential", "store")
	}

	metrics.RecordTokenRefresh("success")
	uc.logger.InfoContext(ctx, "token refreshed", "user_id", user.ID, "expires_at", cred.ExpiresAt)
	return cred, nil
}
