package usecase

import (
	"context"
	"fmt"
	"time"

	"role-sync/internal/domain"
)

// Sync issue codes.
const (
	IssueOutdatedRoleCheck = "outdated_role_check"
	IssueMissingToken      = "missing_discord_token"
	IssueExpiredToken      = "expired_discord_token"
	IssueMissingSecondary  = "missing_minecraft_data"
)

// ActiveUserLister lists active users.
type ActiveUserLister interface {
	ListActive(ctx context.Context) ([]*domain.User, error)
}

// SyncIssue describes one active user whose role data may be stale.
type SyncIssue struct {
	UserID            int64      `json:"user_id"`
	DiscordUsername   string     `json:"discord_username"`
	MinecraftUsername string     `json:"minecraft_username,omitempty"`
	LastRoleCheck     *time.Time `json:"last_role_check"`
	Issues            []string   `json:"issues"`
}

// SyncIssuesReport is the result of FindSyncIssues.
type SyncIssuesReport struct {
	TotalUsers      int         `json:"total_users"`
	UsersWithIssues int         `json:"users_with_issues"`
	Issues          []SyncIssue `json:"issues"`
	LastCheckCutoff time.Time   `json:"last_check_cutoff"`
}

// FindSyncIssues reports active users that missed two sweep intervals or
// cannot be reconciled because of missing data.
type FindSyncIssues struct {
	users    ActiveUserLister
	interval time.Duration
	now      func() time.Time
}

// NewFindSyncIssues creates the use case. interval is the sweep interval.
func NewFindSyncIssues(users ActiveUserLister, interval time.Duration) *FindSyncIssues {
	return &FindSyncIssues{users: users, interval: interval, now: time.Now}
}

// Execute scans every active user.
func (uc *FindSyncIssues) Execute(ctx context.Context) (SyncIssuesReport, error) {
	users, err := uc.users.ListActive(ctx)
	if err != nil {
		return SyncIssuesReport{}, fmt.Errorf("list active users: %w", err)
	}

	now := uc.now()
	cutoff := now.Add(-2 * uc.interval)
	report := SyncIssuesReport{
		TotalUsers:      len(users),
		Issues:          []SyncIssue{},
		LastCheckCutoff: cutoff,
	}

	for _, u := range users {
		var issues []string
		if u.LastRoleCheck.IsZero() || u.LastRoleCheck.Before(cutoff) {
			issues = append(issues, IssueOutdatedRoleCheck)
		}
		if u.Credential.AccessToken == "" {
			issues = append(issues, IssueMissingToken)
		}
		if !u.Credential.ExpiresAt.IsZero() && u.Credential.ExpiresAt.Before(now) {
			issues = append(issues, IssueExpiredToken)
		}
		if u.Secondary.DisplayName == "" {
			issues = append(issues, IssueMissingSecondary)
		}
		if len(issues) == 0 {
			continue
		}

		issue := SyncIssue{
			UserID:            u.ID,
			DiscordUsername:   u.DiscordUsername,
			MinecraftUsername: u.Secondary.DisplayName,
			Issues:            issues,
		}
		if !u.LastRoleCheck.IsZero() {
			t := u.LastRoleCheck
			issue.LastRoleCheck = &t
		}
		report.Issues = append(report.Issues, issue)
	}
	report.UsersWithIssues = len(report.Issues)
	return report, nil
}
