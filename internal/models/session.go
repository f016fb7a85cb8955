package models

import "time"

// Session groups one user's conversation. IDs are opaque strings supplied
// by the client or generated server-side; once bound to a user the binding
// never changes.
type Session struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
