package model

import "time"

// CreditBalance is the client-held snapshot of the server-owned balance.
type CreditBalance struct {
	CurrentCredits        int    `json:"currentCredits"`
	ChatCost              int    `json:"chatCost"`
	CanChat               bool   `json:"canChat"`
	PossibleChats         int    `json:"possibleChats"`
	IsLowOnCredits        bool   `json:"isLowOnCredits"`
	Warning               string `json:"warning,omitempty"`
	MaxCredits            *int   `json:"maxCredits,omitempty"`
	TotalCreditsPurchased *int   `json:"totalCreditsPurchased,omitempty"`
	TotalCreditsUsed      *int   `json:"totalCreditsUsed,omitempty"`
}

// Affordable reports whether the snapshot allows one more turn.
func (b CreditBalance) Affordable() bool {
	return b.CanChat && b.CurrentCredits >= b.ChatCost
}

type TransactionType string

const (
	TxChatDeduction  TransactionType = "CHAT_DEDUCTION"
	TxCreditPurchase TransactionType = "CREDIT_PURCHASE"
	TxAdminGrant     TransactionType = "ADMIN_GRANT"
	TxRefund         TransactionType = "REFUND"
	TxAutoRefill     TransactionType = "AUTO_REFILL"
)

// CreditTransaction is one entry of the credit history view.
type CreditTransaction struct {
	ID             string          `json:"id"`
	Type           TransactionType `json:"type"`
	Amount         int             `json:"amount"`
	BalanceBefore  int             `json:"balanceBefore"`
	BalanceAfter   int             `json:"balanceAfter"`
	Reason         string          `json:"reason"`
	ConversationID string          `json:"conversationId,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// LedgerState is the local state of the credit ledger.
type LedgerState string

const (
	LedgerUnknown      LedgerState = "UNKNOWN"
	LedgerChecking     LedgerState = "CHECKING"
	LedgerAffordable   LedgerState = "AFFORDABLE"
	LedgerDegraded     LedgerState = "DEGRADED"
	LedgerInsufficient LedgerState = "INSUFFICIENT"
)

// CanSend reports whether a turn may be attempted from this state.
func (s LedgerState) CanSend() bool {
	return s == LedgerAffordable || s == LedgerDegraded
}

// LedgerView is a read-only snapshot of the ledger handed to observers.
type LedgerView struct {
	State     LedgerState
	Balance   CreditBalance
	Reason    string // why the ledger is INSUFFICIENT or DEGRADED
	UpdatedAt time.Time
}
