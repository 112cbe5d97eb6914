package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"role-sync/internal/domain"
	"role-sync/metrics"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Outcome labels recorded in metrics, logs and audit details.
const (
	OutcomeCacheHit            = "cache_hit"
	OutcomeSkipped             = "skipped"
	OutcomeFailOpen            = "fail_open"
	OutcomeTokenRefreshFailed  = "token_refresh_failed"
	OutcomeExternalUnavailable = "external_unavailable"
	OutcomeAntiFlap            = "anti_flap"
	OutcomeNotMember           = "not_member"
	OutcomeReconciled          = "reconciled"
	OutcomeStoreFailed         = "store_failed"
)

// Gate admits reconciliations against the identity provider.
type Gate interface {
	TryEnter(ctx context.Context, userID int64, force bool) (release func(), ok bool)
	InFlight() int
}

// CredentialEnsurer yields a usable identity provider credential for a user.
type CredentialEnsurer interface {
	Execute(ctx context.Context, user *domain.User) CredentialOutcome
	Refresh(ctx context.Context, user *domain.User) CredentialOutcome
}

// RoleDeterminer maps external membership to an internal role.
type RoleDeterminer interface {
	Determine(ctx context.Context, user *domain.User, roleIDs []string) (domain.Role, error)
	DetermineNotMember(ctx context.Context, user *domain.User) (domain.Role, error)
	Table() domain.PrecedenceTable
}

// ReconcileDeps are the collaborators of ReconcileUser.
type ReconcileDeps struct {
	Store       domain.UserStore
	Cache       domain.RoleCache
	Gate        Gate
	Credentials CredentialEnsurer
	Determiner  RoleDeterminer
	Gateway     domain.IdentityGateway
	Secondary   domain.SecondaryIdentityResolver
	Audit       domain.AuditLogger
	Publisher   domain.ChangePublisher
	Logger      *slog.Logger
}

// ReconcileConfig holds the tunables of ReconcileUser.
type ReconcileConfig struct {
	GuildID  string
	CacheTTL time.Duration
}

// ReconcileUser brings one user's stored role in line with the guild.
type ReconcileUser struct {
	deps   ReconcileDeps
	cfg    ReconcileConfig
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewReconcileUser creates a new ReconcileUser usecase.
func NewReconcileUser(deps ReconcileDeps, cfg ReconcileConfig) *ReconcileUser {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconcileUser{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With("component", "reconciler"),
		tracer: otel.Tracer("role-sync/usecase"),
		now:    time.Now,
	}
}

// attempt carries the state of one reconciliation through its steps.
type attempt struct {
	user    *domain.User
	force   bool
	result  domain.ReconciliationResult
	outcome string
}

// Execute reconciles userID. Only domain.ErrUserNotFound and store failures are
// returned; identity provider failures are reported through the result.
func (uc *ReconcileUser) Execute(ctx context.Context, userID int64, force bool) (domain.ReconciliationResult, error) {
	started := uc.now()
	ctx, span := uc.tracer.Start(ctx, "ReconcileUser.Execute",
		trace.WithAttributes(
			attribute.Int64("user.id", userID),
			attribute.Bool("reconcile.force", force),
		))
	defer span.End()

	user, err := uc.deps.Store.Get(ctx, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load user")
		if errors.Is(err, domain.ErrUserNotFound) {
			return domain.ReconciliationResult{}, err
		}
		return domain.ReconciliationResult{}, fmt.Errorf("load user %d: %w", userID, err)
	}

	a := &attempt{
		user:  user,
		force: force,
		result: domain.ReconciliationResult{
			UserID:    user.ID,
			OldRole:   user.Role,
			NewRole:   user.Role,
			HasAccess: user.Active,
		},
	}

	err = uc.run(ctx, a)

	span.SetAttributes(
		attribute.String("reconcile.outcome", a.outcome),
		attribute.String("role.old", a.result.OldRole.String()),
		attribute.String("role.new", a.result.NewRole.String()),
		attribute.Bool("reconcile.changed", a.result.Changed),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, a.outcome)
		metrics.RecordError("reconcile", "store")
	}
	metrics.RecordReconciliation(a.outcome, uc.now().Sub(started).Seconds())
	return a.result, err
}

func (uc *ReconcileUser) run(ctx context.Context, a *attempt) error {
	if !a.force {
		if entry, ok := uc.deps.Cache.Get(a.user.ID); ok {
			a.outcome = OutcomeCacheHit
			a.result.NewRole = entry.Role
			a.result.HasAccess = entry.HasAccess
			a.result.Completed = true
			a.result.FromCache = true
			return nil
		}
	}

	release, ok := uc.deps.Gate.TryEnter(ctx, a.user.ID, a.force)
	if !ok {
		a.outcome = OutcomeSkipped
		a.result.Skipped = true
		return nil
	}
	metrics.SetInFlight(uc.deps.Gate.InFlight())
	defer func() {
		release()
		metrics.SetInFlight(uc.deps.Gate.InFlight())
	}()

	err := uc.reconcile(ctx, a)
	uc.audit(ctx, a)
	return err
}

func (uc *ReconcileUser) reconcile(ctx context.Context, a *attempt) error {
	cred := uc.deps.Credentials.Execute(ctx, a.user)
	if !cred.OK {
		return uc.credentialFailed(ctx, a, cred.Err)
	}

	membership, err := uc.deps.Gateway.GetMembership(ctx, cred.Credential.AccessToken, uc.cfg.GuildID)
	if errors.Is(err, domain.ErrCredentialRejected) {
		// A revoked token gets one refresh; a second rejection is a token failure.
		if cred.Refreshed {
			return uc.credentialFailed(ctx, a, err)
		}
		uc.logger.InfoContext(ctx, "access token rejected, refreshing", "user_id", a.user.ID)
		cred = uc.deps.Credentials.Refresh(ctx, a.user)
		if !cred.OK {
			return uc.credentialFailed(ctx, a, cred.Err)
		}
		membership, err = uc.deps.Gateway.GetMembership(ctx, cred.Credential.AccessToken, uc.cfg.GuildID)
		if errors.Is(err, domain.ErrCredentialRejected) {
			return uc.credentialFailed(ctx, a, err)
		}
	}

	switch {
	case errors.Is(err, domain.ErrNotMember):
		return uc.notMember(ctx, a)
	case err != nil:
		uc.softFailure(ctx, a, "membership lookup", err)
		return nil
	}

	role, err := uc.deps.Determiner.Determine(ctx, a.user, membership.RoleIDs)
	if err != nil {
		uc.softFailure(ctx, a, "role determination", err)
		return nil
	}

	secondary, secondaryUpdated := uc.resolveSecondary(ctx, a.user)
	checkedAt := uc.now()
	active := role.GrantsAccess()
	update := domain.UserUpdate{
		Role:          &role,
		Active:        &active,
		DiscordRoles:  membership.RoleIDs,
		SetRoles:      true,
		Secondary:     &secondary,
		LastRoleCheck: &checkedAt,
	}
	if err := uc.persist(ctx, a, update); err != nil {
		return err
	}

	a.outcome = OutcomeReconciled
	a.result.SecondaryIdentityUpdated = secondaryUpdated
	uc.finish(ctx, a, role, active)
	return nil
}

// credentialFailed applies the fail-open rule for the top privileged tier and
// revokes access for everyone else.
func (uc *ReconcileUser) credentialFailed(ctx context.Context, a *attempt, cause error) error {
	a.result.Failure = domain.FailureTokenRefresh
	top := uc.deps.Determiner.Table().TopTier()
	if top == domain.RoleNone {
		top = domain.RoleAdmin
	}

	if a.user.Role == top {
		a.outcome = OutcomeFailOpen
		if !a.user.Active {
			active := true
			if err := uc.persist(ctx, a, domain.UserUpdate{Active: &active}); err != nil {
				return err
			}
			uc.logger.InfoContext(ctx, "reactivated top tier user after token failure", "user_id", a.user.ID)
		}
		uc.deps.Cache.Put(a.user.ID, a.user.Role, true, uc.cfg.CacheTTL)
		a.result.HasAccess = true
		a.result.Completed = true
		uc.logger.WarnContext(ctx, "token refresh failed, preserving access",
			"user_id", a.user.ID, "role", a.user.Role.String(), "error", cause)
		return nil
	}

	a.outcome = OutcomeTokenRefreshFailed
	a.result.HasAccess = false
	if a.user.Active {
		inactive := false
		if err := uc.persist(ctx, a, domain.UserUpdate{Active: &inactive}); err != nil {
			return err
		}
	}
	uc.deps.Cache.Invalidate(a.user.ID)
	uc.logger.WarnContext(ctx, "token refresh failed, access revoked",
		"user_id", a.user.ID, "role", a.user.Role.String(), "error", cause)
	return nil
}

func (uc *ReconcileUser) notMember(ctx context.Context, a *attempt) error {
	// Re-read: the entry missed before the gateway call can have been written
	// since by a concurrent check, or by another replica on the shared cache.
	if !a.force {
		if entry, ok := uc.deps.Cache.Get(a.user.ID); ok && entry.Role == a.user.Role && !entry.Role.Privileged() {
			a.outcome = OutcomeAntiFlap
			a.result.NewRole = entry.Role
			a.result.HasAccess = entry.HasAccess
			a.result.Completed = true
			a.result.FromCache = true
			return nil
		}
	}

	role, err := uc.deps.Determiner.DetermineNotMember(ctx, a.user)
	if err != nil {
		uc.softFailure(ctx, a, "passport lookup", err)
		return nil
	}

	checkedAt := uc.now()
	active := role.GrantsAccess()
	update := domain.UserUpdate{
		Role:          &role,
		Active:        &active,
		DiscordRoles:  nil,
		SetRoles:      true,
		LastRoleCheck: &checkedAt,
	}
	if err := uc.persist(ctx, a, update); err != nil {
		return err
	}

	a.outcome = OutcomeNotMember
	uc.finish(ctx, a, role, active)
	return nil
}

// softFailure leaves the stored state untouched.
func (uc *ReconcileUser) softFailure(ctx context.Context, a *attempt, step string, err error) {
	a.outcome = OutcomeExternalUnavailable
	a.result.Failure = domain.FailureExternalUnavailable
	a.result.HasAccess = a.user.Active
	a.result.Completed = false
	uc.logger.WarnContext(ctx, "reconciliation incomplete", "user_id", a.user.ID, "step", step, "error", err)
}

// resolveSecondary returns the secondary identity to store and whether it differs
// from the stored one. Lookup failures keep the stored attributes.
func (uc *ReconcileUser) resolveSecondary(ctx context.Context, user *domain.User) (domain.SecondaryIdentity, bool) {
	if uc.deps.Secondary == nil {
		return user.Secondary, false
	}
	resolved, err := uc.deps.Secondary.ResolveSecondaryIdentity(ctx, user.DiscordID)
	switch {
	case errors.Is(err, domain.ErrSecondaryNotFound):
		return domain.SecondaryIdentity{}, !user.Secondary.Empty()
	case err != nil:
		uc.logger.WarnContext(ctx, "secondary identity lookup failed", "user_id", user.ID, "error", err)
		return user.Secondary, false
	case resolved == nil:
		return user.Secondary, false
	}
	return *resolved, *resolved != user.Secondary
}

func (uc *ReconcileUser) persist(ctx context.Context, a *attempt, update domain.UserUpdate) error {
	if err := uc.deps.Store.Update(ctx, a.user.ID, update); err != nil {
		a.outcome = OutcomeStoreFailed
		a.result.Completed = false
		uc.logger.ErrorContext(ctx, "failed to persist reconciliation", "user_id", a.user.ID, "error", err)
		return fmt.Errorf("update user %d: %w", a.user.ID, err)
	}
	update.Apply(a.user)
	return nil
}

// finish caches the decision and announces a role change.
func (uc *ReconcileUser) finish(ctx context.Context, a *attempt, role domain.Role, active bool) {
	uc.deps.Cache.Put(a.user.ID, role, active, uc.cfg.CacheTTL)

	a.result.NewRole = role
	a.result.HasAccess = active
	a.result.Changed = role != a.result.OldRole
	a.result.Completed = true

	if !a.result.Changed {
		return
	}

	metrics.RecordRoleChange(a.result.OldRole.String(), role.String())
	uc.logger.InfoContext(ctx, "role changed",
		"user_id", a.user.ID, "old_role", a.result.OldRole.String(), "new_role", role.String())
	if uc.deps.Publisher != nil {
		uc.deps.Publisher.Publish(domain.RoleChangeEvent{
			ID:         uuid.NewString(),
			UserID:     a.user.ID,
			OldRole:    a.result.OldRole,
			NewRole:    role,
			OccurredAt: uc.now(),
			User:       a.user.Public(),
		})
	}
}

// audit records the attempt. Failures are logged and never affect the result.
func (uc *ReconcileUser) audit(ctx context.Context, a *attempt) {
	if uc.deps.Audit == nil {
		return
	}
	r := a.result
	entries := []domain.AuditEntry{{
		Action: domain.AuditRoleCheck,
		Details: map[string]any{
			"outcome":    a.outcome,
			"forced":     a.force,
			"role":       r.NewRole.String(),
			"has_access": r.HasAccess,
			"completed":  r.Completed,
		},
	}}
	if r.Changed {
		entries = append(entries, domain.AuditEntry{
			Action: domain.AuditRoleChanged,
			Details: map[string]any{
				"old_role":   r.OldRole.String(),
				"new_role":   r.NewRole.String(),
				"changed_by": "role_checker_service",
				"reason":     a.outcome,
			},
		})
	}
	if r.SecondaryIdentityUpdated {
		entries = append(entries, domain.AuditEntry{
			Action: domain.AuditSecondaryUpdated,
			Details: map[string]any{
				"minecraft_username": a.user.Secondary.DisplayName,
				"minecraft_uuid":     a.user.Secondary.LinkedUUID,
				"updated_by":         "role_checker_service",
			},
		})
	}

	for _, e := range entries {
		e.ID = uuid.NewString()
		e.UserID = a.user.ID
		e.EntityType = "user"
		e.EntityID = a.user.ID
		e.CreatedAt = uc.now()
		if err := uc.deps.Audit.Record(ctx, e); err != nil {
			uc.logger.ErrorContext(ctx, "failed to write audit record", "user_id", a.user.ID, "action", e.Action, "error", err)
			metrics.RecordError("audit", "store")
		}
	}
}
