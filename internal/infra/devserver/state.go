package devserver

import (
	"errors"
	"sort"
	"sync"
	"time"

	"companion-session/internal/config"
	"companion-session/internal/domain/model"
	"companion-session/internal/infra/metrics"

	"github.com/google/uuid"
)

var (
	errInsufficient   = errors.New("insufficient credits")
	errNoConversation = errors.New("conversation not found")
)

type account struct {
	credits    int
	purchased  int
	used       int
	lastRefill *time.Time
	txs        []model.CreditTransaction
}

type conversation struct {
	id      string
	userID  string
	history []model.HistoryMessage
	mood    string
	level   int
}

// state is the in-memory backend: balances, transactions, conversations.
type state struct {
	cfg config.DevServerConfig
	now func() time.Time

	mu        sync.Mutex
	accounts  map[string]*account
	convByID  map[string]*conversation
	convOwner map[string]string // userID -> conversation id

	refillRuns    int
	refillCredits int
	refilledUsers map[string]struct{}
	lastRun       *time.Time
}

func newState(cfg config.DevServerConfig) *state {
	return &state{
		cfg:           cfg,
		now:           time.Now,
		accounts:      make(map[string]*account),
		convByID:      make(map[string]*conversation),
		convOwner:     make(map[string]string),
		refilledUsers: make(map[string]struct{}),
	}
}

// accountLocked returns the account of userID, provisioning it with the initial credits.
func (s *state) accountLocked(userID string) *account {
	a, ok := s.accounts[userID]
	if !ok {
		a = &account{credits: s.cfg.InitialCredits}
		s.accounts[userID] = a
	}
	return a
}

func (s *state) recordLocked(a *account, typ model.TransactionType, amount, before int, reason, convID string) {
	a.txs = append(a.txs, model.CreditTransaction{
		ID:             uuid.NewString(),
		Type:           typ,
		Amount:         amount,
		BalanceBefore:  before,
		BalanceAfter:   a.credits,
		Reason:         reason,
		ConversationID: convID,
		Timestamp:      s.now(),
	})
}

func (s *state) balance(userID string) model.CreditBalance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balanceLocked(userID)
}

func (s *state) balanceLocked(userID string) model.CreditBalance {
	a := s.accountLocked(userID)
	cost := s.cfg.ChatCost
	possible := 0
	if cost > 0 {
		possible = a.credits / cost
	}
	b := model.CreditBalance{
		CurrentCredits: a.credits,
		ChatCost:       cost,
		CanChat:        a.credits >= cost,
		PossibleChats:  possible,
		IsLowOnCredits: possible <= 2,
	}
	switch {
	case !b.CanChat:
		b.Warning = "Not enough credits to chat. Credits refill automatically."
	case b.IsLowOnCredits:
		b.Warning = "You are running low on credits."
	}
	maxCredits, purchased, used := s.cfg.MaxCredits, a.purchased, a.used
	b.MaxCredits, b.TotalCreditsPurchased, b.TotalCreditsUsed = &maxCredits, &purchased, &used
	return b
}

func (s *state) transactions(userID string, limit int) []model.CreditTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.accountLocked(userID)
	out := make([]model.CreditTransaction, 0, len(a.txs))
	for i := len(a.txs) - 1; i >= 0; i-- {
		out = append(out, a.txs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// debit charges one chat turn.
func (s *state) debit(userID, convID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.accountLocked(userID)
	if a.credits < s.cfg.ChatCost {
		return errInsufficient
	}
	before := a.credits
	a.credits -= s.cfg.ChatCost
	a.used += s.cfg.ChatCost
	s.recordLocked(a, model.TxChatDeduction, -s.cfg.ChatCost, before, "chat message", convID)
	metrics.AddCreditsDebited(s.cfg.ChatCost)
	return nil
}

// refund returns the cost of a turn that produced no reply.
func (s *state) refund(userID, convID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.accountLocked(userID)
	before := a.credits
	a.credits += s.cfg.ChatCost
	a.used -= s.cfg.ChatCost
	s.recordLocked(a, model.TxRefund, s.cfg.ChatCost, before, "empty reply", convID)
}

// grant adds credits as an admin grant.
func (s *state) grant(userID string, amount int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.accountLocked(userID)
	before := a.credits
	a.credits += amount
	a.purchased += amount
	s.recordLocked(a, model.TxAdminGrant, amount, before, reason, "")
}

// refillLocked tops up userID by the refill amount, capped at max credits.
func (s *state) refillLocked(userID string, typ model.TransactionType) int {
	a := s.accountLocked(userID)
	if a.credits >= s.cfg.MaxCredits {
		return 0
	}
	add := s.cfg.RefillAmount
	if a.credits+add > s.cfg.MaxCredits {
		add = s.cfg.MaxCredits - a.credits
	}
	before := a.credits
	a.credits += add
	now := s.now()
	a.lastRefill = &now
	s.recordLocked(a, typ, add, before, "refill", "")
	s.refillCredits += add
	s.refilledUsers[userID] = struct{}{}
	return add
}

// refillAll runs one auto refill pass and returns how many users were topped up.
func (s *state) refillAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id := range s.accounts {
		if s.refillLocked(id, model.TxAutoRefill) > 0 {
			n++
		}
	}
	now := s.now()
	s.lastRun = &now
	s.refillRuns++
	return n
}

func (s *state) manualRefill(userID string) model.CreditBalance {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refillLocked(userID, model.TxAdminGrant)
	return s.balanceLocked(userID)
}

func (s *state) policy() model.RefillPolicy {
	return model.RefillPolicy{
		IntervalSeconds: int64(s.cfg.RefillInterval / time.Second),
		Amount:          s.cfg.RefillAmount,
		MaxCredits:      s.cfg.MaxCredits,
		Enabled:         true,
		Description:     "Credits are topped up periodically until the maximum is reached.",
	}
}

func (s *state) analytics() model.RefillAnalytics {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := model.RefillAnalytics{
		TotalRefills:        s.refillRuns,
		TotalCreditsGranted: s.refillCredits,
		UsersRefilled:       len(s.refilledUsers),
		LastRunAt:           s.lastRun,
	}
	if s.lastRun != nil {
		next := s.lastRun.Add(s.cfg.RefillInterval)
		a.NextRunAt = &next
	}
	return a
}

func (s *state) statusAll() []model.RefillStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.RefillStatus, 0, len(s.accounts))
	for id, a := range s.accounts {
		st := model.RefillStatus{
			UserID:            id,
			CurrentCredits:    a.credits,
			MaxCredits:        s.cfg.MaxCredits,
			EligibleForRefill: a.credits < s.cfg.MaxCredits,
			LastRefillAt:      a.lastRefill,
		}
		if a.lastRefill != nil {
			next := a.lastRefill.Add(s.cfg.RefillInterval)
			st.NextRefillAt = &next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// persistent returns the user's conversation id, if any.
func (s *state) persistent(userID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.convOwner[userID]
	return id, ok
}

// createPersistent returns the existing conversation or creates one.
func (s *state) createPersistent(userID string) (id string, isNew bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.convOwner[userID]; ok {
		return id, false
	}
	id = uuid.NewString()
	s.convOwner[userID] = id
	s.convByID[id] = &conversation{id: id, userID: userID}
	s.accountLocked(userID)
	return id, true
}

func (s *state) conversation(convID, userID string) (*conversation, error) {
	c, ok := s.convByID[convID]
	if !ok || c.userID != userID {
		return nil, errNoConversation
	}
	return c, nil
}

func (s *state) history(convID, userID string) ([]model.HistoryMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.conversation(convID, userID)
	if err != nil {
		return nil, err
	}
	out := make([]model.HistoryMessage, len(c.history))
	copy(out, c.history)
	return out, nil
}

func (s *state) clearHistory(convID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.conversation(convID, userID)
	if err != nil {
		return err
	}
	c.history = nil
	c.mood, c.level = "", 0
	return nil
}

// checkConversation verifies convID belongs to userID.
func (s *state) checkConversation(convID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conversation(convID, userID)
	return err
}

// recordTurn appends a completed exchange and advances the companion state.
func (s *state) recordTurn(convID, userID, message, reply string) (mood string, level int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.conversation(convID, userID)
	if err != nil {
		return "", 0
	}
	now := s.now()
	c.history = append(c.history,
		model.HistoryMessage{ID: uuid.NewString(), Content: message, IsUser: true, Timestamp: now},
		model.HistoryMessage{ID: uuid.NewString(), Content: reply, IsUser: false, Timestamp: now},
	)
	c.level++
	c.mood = moodFor(c.level)
	return c.mood, c.level
}

func moodFor(level int) string {
	switch {
	case level >= 10:
		return "affectionate"
	case level >= 3:
		return "happy"
	default:
		return "curious"
	}
}
