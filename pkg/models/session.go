package models

import "time"

// Session groups the messages of one conversation. OwnerID is empty for
// anonymous (self-hosted) sessions. Sessions are never physically deleted by
// the core; retention is the store's concern.
type Session struct {
	ID            string         `json:"id"`
	OwnerID       string         `json:"owner_id,omitempty"`
	Title         string         `json:"title"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	LastMessageAt time.Time      `json:"last_message_at"`
}

// SessionPatch carries the mutable session fields for partial updates.
// Nil fields are left unchanged.
type SessionPatch struct {
	Title         *string
	LastMessageAt *time.Time
	Metadata      map[string]any
}

// User is the authenticated caller identity. Absent in anonymous
// self-hosted mode.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}
