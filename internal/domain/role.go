package domain

import (
	"fmt"
	"slices"
	"strings"
)

// Role is the locally assigned authorization role. Values are ordered by
// precedence: a larger value outranks a smaller one.
type Role uint8

const (
	RoleNone Role = iota
	RoleCitizen
	RolePolice
	RoleAdmin
)

var roleNames = [...]string{
	RoleNone:    "none",
	RoleCitizen: "citizen",
	RolePolice:  "police",
	RoleAdmin:   "admin",
}

// String returns the stored text form of the role.
func (r Role) String() string {
	if int(r) < len(roleNames) {
		return roleNames[r]
	}
	return fmt.Sprintf("role(%d)", r)
}

// ParseRole converts a stored role name into a Role. The empty string maps to RoleNone.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return RoleNone, nil
	case "citizen":
		return RoleCitizen, nil
	case "police":
		return RolePolice, nil
	case "admin":
		return RoleAdmin, nil
	}
	return RoleNone, fmt.Errorf("%w: %q", ErrInvalidRole, s)
}

// GrantsAccess reports whether the role allows signing in at all.
func (r Role) GrantsAccess() bool {
	return r != RoleNone
}

// Outranks reports whether r has strictly higher precedence than other.
func (r Role) Outranks(other Role) bool {
	return r > other
}

// Privileged reports whether the role is derived from an external role binding
// rather than from the baseline passport rule.
func (r Role) Privileged() bool {
	return r > RoleCitizen
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// RoleBinding maps an external guild role identifier to a privileged local role.
type RoleBinding struct {
	Role           Role   `yaml:"role" json:"role"`
	ExternalRoleID string `yaml:"external_role_id" json:"external_role_id"`
	Name           string `yaml:"name,omitempty" json:"name,omitempty"`
}

// PrecedenceTable lists role bindings from highest to lowest precedence.
type PrecedenceTable []RoleBinding

// NewPrecedenceTable returns the bindings sorted by descending role precedence.
// Bindings without an external id or for non-privileged roles are rejected.
func NewPrecedenceTable(bindings ...RoleBinding) (PrecedenceTable, error) {
	table := make(PrecedenceTable, 0, len(bindings))
	for _, b := range bindings {
		if b.ExternalRoleID == "" {
			return nil, fmt.Errorf("%w: empty external role id for %s", ErrInvalidRole, b.Role)
		}
		if !b.Role.Privileged() {
			return nil, fmt.Errorf("%w: %s cannot be bound to an external role", ErrInvalidRole, b.Role)
		}
		table = append(table, b)
	}
	slices.SortStableFunc(table, func(a, b RoleBinding) int {
		return int(b.Role) - int(a.Role)
	})
	return table, nil
}

// TopTier returns the highest role present in the table, or RoleNone when empty.
func (t PrecedenceTable) TopTier() Role {
	if len(t) == 0 {
		return RoleNone
	}
	return t[0].Role
}

// Match returns the highest-precedence role whose external id is present in ids.
func (t PrecedenceTable) Match(ids []string) (Role, bool) {
	for _, b := range t {
		if slices.Contains(ids, b.ExternalRoleID) {
			return b.Role, true
		}
	}
	return RoleNone, false
}
