package repository

import (
	"context"
	"fmt"
)

// LocalStateRepository persists the small amount of client state that must survive
// restarts: tokens, the per-user fallback conversation id and the session id.
// Get returns domain.ErrNotFound for missing keys.
type LocalStateRepository interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

const (
	AuthKeyPrefix   = "auth:"
	KeyAccessToken  = AuthKeyPrefix + "access_token"
	KeyRefreshToken = AuthKeyPrefix + "refresh_token"
)

// FallbackConversationKey is the single well-known key holding a user's fallback id.
func FallbackConversationKey(userID string) string {
	return fmt.Sprintf("fallback_conversation:%s", userID)
}

// SessionKey holds the current session id of a user.
func SessionKey(userID string) string {
	return fmt.Sprintf("session:%s", userID)
}
