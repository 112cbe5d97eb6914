package postgres

import (
	"context"
	"fmt"

	"role-sync/internal/domain"
)

// PassportStore implements domain.PassportChecker.
type PassportStore struct {
	db DatabaseIface
}

// NewPassportStore creates a new passport store.
func NewPassportStore(db DatabaseIface) *PassportStore {
	return &PassportStore{db: db}
}

// HasPassport reports whether a passport is registered for the user's
// Discord id or linked game nickname.
func (s *PassportStore) HasPassport(ctx context.Context, user *domain.User) (bool, error) {
	query := `SELECT EXISTS (
		SELECT 1 FROM passports
		WHERE discord_id = $1 OR ($2 <> '' AND nickname = $2)
	)`

	var exists bool
	if err := s.db.QueryRow(ctx, query, user.DiscordID, user.Secondary.DisplayName).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check passport: %w", err)
	}
	return exists, nil
}
