package usecase

import (
	"context"
	"fmt"

	"role-sync/internal/domain"
)

// DetermineRole maps external role identifiers to one internal role.
type DetermineRole struct {
	table     domain.PrecedenceTable
	passports domain.PassportChecker
}

// NewDetermineRole creates a new DetermineRole usecase.
func NewDetermineRole(table domain.PrecedenceTable, p domain.PassportChecker) *DetermineRole {
	return &DetermineRole{table: table, passports: p}
}

// Table returns the precedence table in use.
func (uc *DetermineRole) Table() domain.PrecedenceTable {
	return uc.table
}

// Determine returns the highest-precedence role matched by roleIDs. Without a
// match the user falls back to the baseline tier when a passport exists.
func (uc *DetermineRole) Determine(ctx context.Context, user *domain.User, roleIDs []string) (domain.Role, error) {
	if role, ok := uc.table.Match(roleIDs); ok {
		return role, nil
	}
	return uc.DetermineNotMember(ctx, user)
}

// DetermineNotMember resolves the role of a user outside the guild. It never
// returns a privileged tier.
func (uc *DetermineRole) DetermineNotMember(ctx context.Context, user *domain.User) (domain.Role, error) {
	if uc.passports == nil {
		return domain.RoleNone, nil
	}
	has, err := uc.passports.HasPassport(ctx, user)
	if err != nil {
		return domain.RoleNone, fmt.Errorf("passport lookup: %w", err)
	}
	if has {
		return domain.RoleCitizen, nil
	}
	return domain.RoleNone, nil
}
