package models

import "time"

// Role values assigned to user accounts.
const (
	UserRoleUser  = "user"
	UserRoleAdmin = "admin"
)

// User is a registered account. PasswordHash never leaves the store layer:
// the json tag hides it from every API response.
type User struct {
	ID           int64      `json:"id"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"-"`
	Role         string     `json:"role"`
	IsActive     bool       `json:"is_active"`
	CreatedAt    time.Time  `json:"created_at"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
}

// IsAdmin reports whether the account carries the admin role.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == UserRoleAdmin
}
