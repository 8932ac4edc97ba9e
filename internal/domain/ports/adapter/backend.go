package adapter

import (
	"context"
	"io"

	"companion-session/internal/domain/model"
)

// ConversationRef is the body of the persistent conversation endpoints.
type ConversationRef struct {
	ConversationID string `json:"conversationId"`
	IsNew          bool   `json:"isNew"`
}

// ChatRequest carries the form parameters of /chat and /chat/sync.
type ChatRequest struct {
	Message        string
	ConversationID string
	UserID         string
	SessionID      string
}

// ChatReply is the decoded body of /chat/sync.
type ChatReply struct {
	Response  string
	Companion model.CompanionState
}

// ConversationAPI resolves identities and reads history.
type ConversationAPI interface {
	GetPersistentConversation(ctx context.Context, userID string) (ConversationRef, error)
	CreatePersistentConversation(ctx context.Context, userID string) (ConversationRef, error)
	History(ctx context.Context, conversationID, userID string) ([]model.HistoryMessage, error)
	ClearMemory(ctx context.Context, conversationID, userID, sessionID string) error
}

// ChatAPI talks to the model endpoints.
type ChatAPI interface {
	// StreamChat returns the chunked response body; the caller closes it.
	StreamChat(ctx context.Context, req ChatRequest) (io.ReadCloser, error)
	SyncChat(ctx context.Context, req ChatRequest) (ChatReply, error)
}

// CreditAPI reads the server-owned ledger.
type CreditAPI interface {
	Balance(ctx context.Context, userID string) (model.CreditBalance, error)
	Transactions(ctx context.Context, userID string, limit int) ([]model.CreditTransaction, error)
}

// RefillAPI exposes the admin-gated refill endpoints.
type RefillAPI interface {
	RefillTiming(ctx context.Context) (model.RefillPolicy, error)
	RefillAnalytics(ctx context.Context) (model.RefillAnalytics, error)
	RefillStatusAll(ctx context.Context) ([]model.RefillStatus, error)
	ManualRefill(ctx context.Context, userID string) (model.CreditBalance, error)
}

// Backend is the whole HTTP surface consumed by the session core.
type Backend interface {
	ConversationAPI
	ChatAPI
	CreditAPI
	RefillAPI
}
