package model

import (
	"time"
)

// Conversation is the persistent thread between one user and the assistant.
// It is created lazily on first resolve and never deleted by the client.
type Conversation struct {
	ID          string
	OwnerUserID string
	CreatedAt   time.Time
	IsNew       bool
	// Fallback is set when the id was derived locally because the backend was unreachable.
	Fallback bool
}

// Session scopes one running client instance. It is rotated on an explicit clear only.
type Session struct {
	ID string
}

// CompanionState is the assistant mood/relationship sub-state reported by the backend.
type CompanionState struct {
	Mood         string
	Relationship int
}

// IsZero reports whether no sub-state has been observed yet.
func (c CompanionState) IsZero() bool {
	return c.Mood == "" && c.Relationship == 0
}
