// File: internal/usecase/error_policy.go
package usecase

import (
	"context"
	"errors"

	"companion-session/internal/domain"
)

// LedgerEffect is what a failed turn does to the credit ledger.
type LedgerEffect int

const (
	// LedgerNone leaves the ledger alone.
	LedgerNone LedgerEffect = iota
	// LedgerReconcile schedules the usual post-turn re-fetch.
	LedgerReconcile
	// LedgerMarkInsufficient moves the ledger to INSUFFICIENT synchronously.
	LedgerMarkInsufficient
)

// ErrorPolicy decides how a failed send is handled.
type ErrorPolicy struct {
	// Retry allows one automatic re-dispatch, after a token refresh, when nothing has streamed yet.
	Retry        bool
	UserMessage  string
	LedgerEffect LedgerEffect
}

var errorPolicies = map[domain.ErrorKind]ErrorPolicy{
	domain.KindAuthentication: {
		Retry:        true,
		UserMessage:  "Your session has expired. Please sign in again.",
		LedgerEffect: LedgerNone,
	},
	domain.KindNetwork: {
		UserMessage:  "Couldn't reach the server. Check your connection and try again.",
		LedgerEffect: LedgerReconcile,
	},
	domain.KindInsufficientCredits: {
		UserMessage:  "You're out of credits. Wait for the next refill or top up to keep chatting.",
		LedgerEffect: LedgerMarkInsufficient,
	},
	domain.KindServer: {
		UserMessage:  "Something went wrong on our side. Please try again in a moment.",
		LedgerEffect: LedgerReconcile,
	},
}

// PolicyFor classifies err and returns its policy. Kinds without an entry (validation,
// not found) are handled like server errors; a timed out turn counts as a network failure.
func PolicyFor(err error) (domain.ErrorKind, ErrorPolicy) {
	kind := domain.KindOf(err)
	if errors.Is(err, context.DeadlineExceeded) {
		kind = domain.KindNetwork
	}
	p, ok := errorPolicies[kind]
	if !ok {
		return domain.KindServer, errorPolicies[domain.KindServer]
	}
	return kind, p
}
