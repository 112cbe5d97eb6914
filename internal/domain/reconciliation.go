package domain

import (
	"time"
)

// Failure classifies why a reconciliation attempt did not complete.
type Failure string

const (
	FailureNone                Failure = ""
	FailureExternalUnavailable Failure = "external_unavailable"
	FailureTokenRefresh        Failure = "token_refresh_failed"
)

// CacheEntry is the last known access decision for a user.
type CacheEntry struct {
	UserID    int64     `json:"user_id"`
	Role      Role      `json:"role"`
	HasAccess bool      `json:"has_access"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Fresh reports whether the entry may still be read at now.
func (e CacheEntry) Fresh(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// CacheStats summarizes the role cache for status reporting.
type CacheStats struct {
	Entries     int
	LastRefresh time.Time
}

// ReconciliationResult is produced once per reconciliation attempt.
type ReconciliationResult struct {
	UserID                   int64   `json:"user_id"`
	OldRole                  Role    `json:"old_role"`
	NewRole                  Role    `json:"new_role"`
	Changed                  bool    `json:"changed"`
	HasAccess                bool    `json:"has_access"`
	SecondaryIdentityUpdated bool    `json:"minecraft_data_updated"`
	Completed                bool    `json:"completed"`
	Skipped                  bool    `json:"skipped,omitempty"`
	FromCache                bool    `json:"from_cache,omitempty"`
	Failure                  Failure `json:"failure,omitempty"`
}

// RoleChangeEvent is published when a reconciliation changes a user's role.
type RoleChangeEvent struct {
	ID         string     `json:"id"`
	UserID     int64      `json:"user_id"`
	OldRole    Role       `json:"old_role"`
	NewRole    Role       `json:"new_role"`
	OccurredAt time.Time  `json:"timestamp"`
	User       PublicUser `json:"user_data"`
}

// Audit actions written by the role synchronization subsystem.
const (
	AuditRoleCheck         = "ROLE_CHECK"
	AuditRoleChanged       = "ROLE_CHANGED"
	AuditSecondaryUpdated  = "MINECRAFT_DATA_UPDATED"
	AuditMassRoleCheck     = "TRIGGER_MASS_ROLE_CHECK"
	AuditUserRoleCheck     = "TRIGGER_USER_ROLE_CHECK"
	AuditRoleCheckerReboot = "RESTART_ROLE_CHECKER"
	AuditViewStatus        = "VIEW_ROLE_CHECKER_STATUS"
	AuditViewConfiguration = "VIEW_ROLE_CONFIGURATION"
	AuditViewSyncIssues    = "VIEW_SYNC_ISSUES"
)

// AuditEntry is one record of the action log.
type AuditEntry struct {
	ID         string
	UserID     int64
	Action     string
	EntityType string
	EntityID   int64
	Details    map[string]any
	CreatedAt  time.Time
}
