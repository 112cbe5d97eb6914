package domain

import "time"

// Credential is the external OAuth access/refresh pair stored for a user.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Expired reports whether the access token can no longer be used at now.
// A zero expiry means the provider did not report one and the token is trusted.
func (c Credential) Expired(now time.Time) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(c.ExpiresAt)
}

// SecondaryIdentity holds the in-game identity linked to the external account.
type SecondaryIdentity struct {
	DisplayName string
	LinkedUUID  string
}

// Empty reports whether no in-game identity is linked.
func (s SecondaryIdentity) Empty() bool {
	return s.DisplayName == "" && s.LinkedUUID == ""
}

// User is the authoritative identity record kept by the user store.
type User struct {
	ID              int64
	DiscordID       string
	DiscordUsername string
	Role            Role
	Active          bool
	Credential      Credential
	DiscordRoles    []string
	Secondary       SecondaryIdentity
	LastRoleCheck   time.Time
}

// Public returns the attributes of the user that may be shown to other users.
func (u *User) Public() PublicUser {
	return PublicUser{
		DiscordUsername: u.DiscordUsername,
		GameUsername:    u.Secondary.DisplayName,
		Active:          u.Active,
	}
}

// PublicUser is the attribute snapshot carried by change events.
type PublicUser struct {
	DiscordUsername string `json:"discord_username"`
	GameUsername    string `json:"minecraft_username,omitempty"`
	Active          bool   `json:"is_active"`
}

// UserUpdate carries the fields a reconciliation changes. Nil fields are left untouched.
// The store applies all non-nil fields in one write.
type UserUpdate struct {
	Role          *Role
	Active        *bool
	Credential    *Credential
	DiscordRoles  []string
	SetRoles      bool
	Secondary     *SecondaryIdentity
	LastRoleCheck *time.Time
}

// Empty reports whether the update would change nothing.
func (u UserUpdate) Empty() bool {
	return u.Role == nil && u.Active == nil && u.Credential == nil &&
		!u.SetRoles && u.Secondary == nil && u.LastRoleCheck == nil
}

// Apply copies the update onto an in-memory user record.
func (u UserUpdate) Apply(user *User) {
	if u.Role != nil {
		user.Role = *u.Role
	}
	if u.Active != nil {
		user.Active = *u.Active
	}
	if u.Credential != nil {
		user.Credential = *u.Credential
	}
	if u.SetRoles {
		user.DiscordRoles = append([]string(nil), u.DiscordRoles...)
	}
	if u.Secondary != nil {
		user.Secondary = *u.Secondary
	}
	if u.LastRoleCheck != nil {
		user.LastRoleCheck = *u.LastRoleCheck
	}
}
