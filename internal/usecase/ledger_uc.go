// File: internal/usecase/ledger_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"companion-session/internal/config"
	"companion-session/internal/domain"
	"companion-session/internal/domain/model"
	"companion-session/internal/domain/ports/adapter"
	"companion-session/internal/infra/metrics"
)

// Compile-time check
var _ LedgerUseCase = (*ledgerUC)(nil)

const degradedWarning = "Credit balance is temporarily unavailable; showing a limited estimate."

// LedgerAPI is the slice of the backend the credit ledger reads from.
type LedgerAPI interface {
	adapter.CreditAPI
	adapter.RefillAPI
}

// LedgerUseCase gates turns on the server-owned credit balance. It is the single writer of
// its state; every transition is published to subscribers.
type LedgerUseCase interface {
	// FetchBalance re-reads the server balance. Failures resolve to DEGRADED or
	// INSUFFICIENT and are never returned.
	FetchBalance(ctx context.Context) model.LedgerView
	// Authorize is the pre-dispatch check; it always fetches.
	Authorize(ctx context.Context) model.LedgerView
	// ReconcileAfterTurn re-reads the balance after a turn. The client never subtracts locally.
	ReconcileAfterTurn(ctx context.Context) model.LedgerView
	MarkInsufficient(reason string)
	CanSend() bool
	State() model.LedgerState
	Snapshot() model.CreditBalance
	View() model.LedgerView
	Subscribe(fn func(model.LedgerView)) (unsubscribe func())

	Transactions(ctx context.Context, limit int) ([]model.CreditTransaction, error)
	RefillTiming(ctx context.Context) (model.RefillPolicy, error)
	RefillAnalytics(ctx context.Context) (model.RefillAnalytics, error)
	RefillStatusAll(ctx context.Context) ([]model.RefillStatus, error)
	// ManualRefill triggers an admin refill for the ledger's user and adopts the result.
	ManualRefill(ctx context.Context) (model.CreditBalance, error)
}

type ledgerUC struct {
	api    LedgerAPI
	userID string
	cfg    config.CreditsConfig
	log    *zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	view     model.LedgerView
	lastGood *model.CreditBalance
	// gen orders fetches: a result is dropped when a newer fetch or MarkInsufficient came after it.
	gen     uint64
	applied uint64
	subs    map[int]func(model.LedgerView)
	nextSub int
}

func NewLedgerUseCase(api LedgerAPI, userID string, cfg config.CreditsConfig, logger *zerolog.Logger) *ledgerUC {
	if cfg.DegradedChatAllowance <= 0 {
		cfg.DegradedChatAllowance = 1
	}
	if cfg.DegradedChatCost <= 0 {
		cfg.DegradedChatCost = 1
	}
	l := logger.With().Str("component", "CreditLedger").Logger()
	return &ledgerUC{
		api:    api,
		userID: userID,
		cfg:    cfg,
		log:    &l,
		now:    time.Now,
		view:   model.LedgerView{State: model.LedgerUnknown},
		subs:   make(map[int]func(model.LedgerView)),
	}
}

func (u *ledgerUC) FetchBalance(ctx context.Context) model.LedgerView {
	u.mu.Lock()
	u.gen++
	gen := u.gen
	u.view.State = model.LedgerChecking
	u.view.UpdatedAt = u.now()
	checking := u.view
	u.mu.Unlock()
	u.publish(checking)

	bal, err := u.api.Balance(ctx, u.userID)

	u.mu.Lock()
	if u.applied > gen {
		// a newer fetch or MarkInsufficient already landed
		v := u.view
		u.mu.Unlock()
		return v
	}
	u.applied = gen
	switch {
	case err == nil:
		u.adoptLocked(bal)
	case errors.Is(err, domain.ErrInsufficientCredits):
		u.blockLocked(domain.Message(err))
	case u.lastGood != nil && !u.lastGood.Affordable():
		// the last authoritative answer was a refusal; a failing endpoint does not lift it
		u.log.Warn().Err(err).Str("kind", string(domain.KindOf(err))).Msg("balance fetch failed, ledger stays insufficient")
		u.blockLocked(u.view.Reason)
	default:
		u.log.Warn().Err(err).Str("kind", string(domain.KindOf(err))).Msg("balance fetch failed, ledger degraded")
		u.view = model.LedgerView{State: model.LedgerDegraded, Balance: u.degradedLocked(), Reason: degradedWarning, UpdatedAt: u.now()}
	}
	v := u.view
	u.mu.Unlock()

	metrics.IncLedgerFetch(string(v.State))
	metrics.SetLedgerState(string(v.State))
	metrics.SetLedgerCredits(v.Balance.CurrentCredits)
	u.publish(v)
	return v
}

func (u *ledgerUC) Authorize(ctx context.Context) model.LedgerView {
	return u.FetchBalance(ctx)
}

func (u *ledgerUC) ReconcileAfterTurn(ctx context.Context) model.LedgerView {
	return u.FetchBalance(ctx)
}

func (u *ledgerUC) MarkInsufficient(reason string) {
	u.mu.Lock()
	u.gen++
	u.applied = u.gen
	u.blockLocked(reason)
	v := u.view
	u.mu.Unlock()
	metrics.SetLedgerState(string(v.State))
	u.publish(v)
}

func (u *ledgerUC) CanSend() bool { return u.State().CanSend() }

func (u *ledgerUC) State() model.LedgerState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.view.State
}

func (u *ledgerUC) Snapshot() model.CreditBalance {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.view.Balance
}

func (u *ledgerUC) View() model.LedgerView {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.view
}

func (u *ledgerUC) Subscribe(fn func(model.LedgerView)) func() {
	if fn == nil {
		return func() {}
	}
	u.mu.Lock()
	id := u.nextSub
	u.nextSub++
	u.subs[id] = fn
	u.mu.Unlock()
	return func() {
		u.mu.Lock()
		delete(u.subs, id)
		u.mu.Unlock()
	}
}

func (u *ledgerUC) Transactions(ctx context.Context, limit int) ([]model.CreditTransaction, error) {
	return u.api.Transactions(ctx, u.userID, limit)
}

func (u *ledgerUC) RefillTiming(ctx context.Context) (model.RefillPolicy, error) {
	return u.api.RefillTiming(ctx)
}

func (u *ledgerUC) RefillAnalytics(ctx context.Context) (model.RefillAnalytics, error) {
	return u.api.RefillAnalytics(ctx)
}

func (u *ledgerUC) RefillStatusAll(ctx context.Context) ([]model.RefillStatus, error) {
	return u.api.RefillStatusAll(ctx)
}

func (u *ledgerUC) ManualRefill(ctx context.Context) (model.CreditBalance, error) {
	bal, err := u.api.ManualRefill(ctx, u.userID)
	if err != nil {
		return model.CreditBalance{}, err
	}
	u.FetchBalance(ctx)
	return bal, nil
}

func (u *ledgerUC) adoptLocked(bal model.CreditBalance) {
	good := bal
	u.lastGood = &good
	if bal.Affordable() {
		u.view = model.LedgerView{State: model.LedgerAffordable, Balance: bal, UpdatedAt: u.now()}
		return
	}
	reason := bal.Warning
	if reason == "" {
		reason = fmt.Sprintf("Not enough credits: %d available, %d needed per message.", bal.CurrentCredits, bal.ChatCost)
	}
	u.view = model.LedgerView{State: model.LedgerInsufficient, Balance: bal, Reason: reason, UpdatedAt: u.now()}
}

// blockLocked moves the ledger to INSUFFICIENT and records the refusal as the last
// authoritative balance.
func (u *ledgerUC) blockLocked(reason string) {
	if reason == "" {
		reason = "Not enough credits to chat."
	}
	bal := u.view.Balance
	if u.lastGood != nil {
		bal = *u.lastGood
	}
	bal.CanChat = false
	bal.PossibleChats = 0
	good := bal
	u.lastGood = &good
	u.view = model.LedgerView{State: model.LedgerInsufficient, Balance: bal, Reason: reason, UpdatedAt: u.now()}
}

// degradedLocked builds the snapshot shown while the balance endpoint is failing: the last
// known values capped to the configured number of chats.
func (u *ledgerUC) degradedLocked() model.CreditBalance {
	cost := u.cfg.DegradedChatCost
	var bal model.CreditBalance
	if u.lastGood != nil {
		bal = *u.lastGood
		if bal.ChatCost > 0 {
			cost = bal.ChatCost
		}
	}
	limit := cost * u.cfg.DegradedChatAllowance
	if u.lastGood == nil || bal.CurrentCredits > limit {
		bal.CurrentCredits = limit
	}
	if bal.CurrentCredits < 0 {
		bal.CurrentCredits = 0
	}
	bal.ChatCost = cost
	bal.CanChat = true
	bal.PossibleChats = bal.CurrentCredits / cost
	if bal.PossibleChats > u.cfg.DegradedChatAllowance {
		bal.PossibleChats = u.cfg.DegradedChatAllowance
	}
	bal.IsLowOnCredits = true
	bal.Warning = degradedWarning
	return bal
}

func (u *ledgerUC) publish(v model.LedgerView) {
	u.mu.Lock()
	fns := make([]func(model.LedgerView), 0, len(u.subs))
	for _, fn := range u.subs {
		fns = append(fns, fn)
	}
	u.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}
