package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one turn of a conversation. UserID duplicates the owning
// session's user_id so isolation queries stay single-table.
type Message struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	UserID     int64     `json:"user_id"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	TokensUsed int       `json:"tokens_used"`
	CreatedAt  time.Time `json:"created_at"`
}
