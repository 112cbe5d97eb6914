package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"role-sync/internal/domain"

	"github.com/jackc/pgx/v5"
)

const userColumns = `id, discord_id, discord_username, role, is_active,
	discord_access_token, discord_refresh_token, discord_expires_at,
	discord_roles, minecraft_username, minecraft_uuid, last_role_check`

// UserStore implements domain.UserStore and domain.UserLookup.
type UserStore struct {
	db     DatabaseIface
	logger *slog.Logger
}

// NewUserStore creates a new user store.
func NewUserStore(db DatabaseIface, logger *slog.Logger) *UserStore {
	return &UserStore{db: db, logger: logger}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*domain.User, error) {
	var (
		u            domain.User
		discordID    int64
		username     *string
		role         string
		accessToken  *string
		refreshToken *string
		expiresAt    *time.Time
		rolesJSON    []byte
		gameName     *string
		gameUUID     *string
		lastCheck    *time.Time
	)
	if err := row.Scan(&u.ID, &discordID, &username, &role, &u.Active,
		&accessToken, &refreshToken, &expiresAt,
		&rolesJSON, &gameName, &gameUUID, &lastCheck); err != nil {
		return nil, err
	}

	parsed, err := domain.ParseRole(role)
	if err != nil {
		return nil, fmt.Errorf("user %d: %w", u.ID, err)
	}
	u.Role = parsed
	u.DiscordID = strconv.FormatInt(discordID, 10)
	u.DiscordUsername = deref(username)
	u.Credential = domain.Credential{
		AccessToken:  deref(accessToken),
		RefreshToken: deref(refreshToken),
	}
	if expiresAt != nil {
		u.Credential.ExpiresAt = *expiresAt
	}
	if len(rolesJSON) > 0 {
		if err := json.Unmarshal(rolesJSON, &u.DiscordRoles); err != nil {
			return nil, fmt.Errorf("user %d: decode discord roles: %w", u.ID, err)
		}
	}
	u.Secondary = domain.SecondaryIdentity{DisplayName: deref(gameName), LinkedUUID: deref(gameUUID)}
	if lastCheck != nil {
		u.LastRoleCheck = *lastCheck
	}
	return &u, nil
}

// Get retrieves a user by local id.
func (s *UserStore) Get(ctx context.Context, userID int64) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	u, err := scanUser(s.db.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user %d: %w", userID, err)
	}
	return u, nil
}

// GetByDiscordID retrieves a user by Discord id.
func (s *UserStore) GetByDiscordID(ctx context.Context, discordID string) (*domain.User, error) {
	id, err := strconv.ParseInt(discordID, 10, 64)
	if err != nil {
		return nil, domain.ErrUserNotFound
	}
	query := `SELECT ` + userColumns + ` FROM users WHERE discord_id = $1`

	u, err := scanUser(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user by discord id: %w", err)
	}
	return u, nil
}

// Update applies every set field of update in a single statement.
func (s *UserStore) Update(ctx context.Context, userID int64, update domain.UserUpdate) error {
	if update.Empty() {
		return nil
	}

	query, args, err := buildUserUpdate(userID, update)
	if err != nil {
		return err
	}

	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update user %d: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

func buildUserUpdate(userID int64, u domain.UserUpdate) (string, []any, error) {
	var (
		sets []string
		args []any
	)
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if u.Role != nil {
		set("role", u.Role.String())
	}
	if u.Active != nil {
		set("is_active", *u.Active)
	}
	if u.Credential != nil {
		set("discord_access_token", nullString(u.Credential.AccessToken))
		set("discord_refresh_token", nullString(u.Credential.RefreshToken))
		set("discord_expires_at", nullTime(u.Credential.ExpiresAt))
	}
	if u.SetRoles {
		roles := u.DiscordRoles
		if roles == nil {
			roles = []string{}
		}
		raw, err := json.Marshal(roles)
		if err != nil {
			return "", nil, fmt.Errorf("encode discord roles: %w", err)
		}
		args = append(args, string(raw))
		sets = append(sets, fmt.Sprintf("discord_roles = $%d::jsonb", len(args)))
	}
	if u.Secondary != nil {
		set("minecraft_username", nullString(u.Secondary.DisplayName))
		set("minecraft_uuid", nullString(u.Secondary.LinkedUUID))
	}
	if u.LastRoleCheck != nil {
		set("last_role_check", *u.LastRoleCheck)
	}

	args = append(args, userID)
	query := fmt.Sprintf("UPDATE users SET %s, updated_at = NOW() WHERE id = $%d",
		strings.Join(sets, ", "), len(args))
	return query, args, nil
}

// ListActiveDueForCheck returns active users not checked since olderThan.
func (s *UserStore) ListActiveDueForCheck(ctx context.Context, olderThan time.Time) ([]*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users
		WHERE is_active = TRUE AND (last_role_check IS NULL OR last_role_check < $1)
		ORDER BY last_role_check NULLS FIRST, id`
	return s.list(ctx, query, olderThan)
}

// ListActive returns every active user.
func (s *UserStore) ListActive(ctx context.Context) ([]*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE is_active = TRUE ORDER BY id`
	return s.list(ctx, query)
}

func (s *UserStore) list(ctx context.Context, query string, args ...any) ([]*domain.User, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			s.logger.Warn("skipping unreadable user row", "error", err)
			continue
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate users: %w", err)
	}
	return users, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
