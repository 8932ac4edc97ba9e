// File: internal/usecase/session_uc.go
package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"companion-session/internal/config"
	"companion-session/internal/domain"
	"companion-session/internal/domain/model"
	"companion-session/internal/domain/ports/adapter"
	"companion-session/internal/domain/ports/repository"
	"companion-session/internal/infra/auth"
	"companion-session/internal/infra/logging"
	"companion-session/internal/infra/metrics"
	"companion-session/internal/infra/stream"
	"companion-session/internal/infra/worker"
)

// Compile-time check
var _ SessionUseCase = (*sessionUC)(nil)

// SessionAPI is the part of the backend a session talks to directly.
type SessionAPI interface {
	adapter.ConversationAPI
	adapter.ChatAPI
}

// TokenSource reports and refreshes the caller's credentials.
type TokenSource interface {
	HasCredentials(ctx context.Context) bool
	Refresh(ctx context.Context) (string, error)
}

// RefillScheduler periodically re-synchronizes the ledger while a session is open.
type RefillScheduler interface {
	Start(ctx context.Context)
	Stop()
}

type SessionConfig struct {
	UserID            string
	Mode              string
	TurnTimeout       time.Duration
	ReconcileDelay    time.Duration
	WelcomeMessage    string
	EmptyReplyMessage string
	Dev               bool
}

// SessionConfigFrom extracts the session settings from the application config.
func SessionConfigFrom(cfg *config.Config) SessionConfig {
	return SessionConfig{
		UserID:            cfg.Auth.UserID,
		Mode:              cfg.Chat.Mode,
		TurnTimeout:       cfg.Chat.TurnTimeout,
		ReconcileDelay:    cfg.Chat.ReconcileDelay,
		WelcomeMessage:    cfg.Chat.WelcomeMessage,
		EmptyReplyMessage: cfg.Chat.EmptyReplyMessage,
		Dev:               cfg.Runtime.Dev,
	}
}

type SessionUseCase interface {
	// Start resolves the conversation, restores the session id, loads history and starts
	// the refill scheduler. It is safe to call more than once.
	Start(ctx context.Context) error
	// LoadHistory merges server history into the transcript and arms the welcome message.
	LoadHistory(ctx context.Context) error
	// Send runs one turn. The returned message is the assistant reply on success.
	Send(ctx context.Context, text string) (model.Message, error)
	// ClearChat starts over in the same conversation with a new session id.
	ClearChat(ctx context.Context) error
	Close()

	Messages() []model.Message
	Subscribe(fn func([]model.Message)) (unsubscribe func())
	SetMode(mode string) error
	Mode() string
	Conversation() model.Conversation
	SessionID() string
	Companion() model.CompanionState
	Ledger() LedgerUseCase
}

type sessionUC struct {
	api      SessionAPI
	identity IdentityUseCase
	ledger   LedgerUseCase
	tokens   TokenSource
	store    repository.LocalStateRepository
	refill   RefillScheduler
	pool     *worker.Pool
	cfg      SessionConfig
	log      *zerolog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc
	inflight   atomic.Bool

	mu         sync.Mutex
	started    bool
	closed     bool
	mode       string
	conv       model.Conversation
	sessionID  string
	transcript *model.Transcript
	welcomed   bool
	companion  model.CompanionState
	// epoch changes on ClearChat and Close; output of turns from an older epoch is discarded.
	epoch      uint64
	cancelTurn context.CancelFunc
	subs       map[int]func([]model.Message)
	nextSub    int
}

// NewSessionUseCase wires a session. refill and tokens may be nil.
func NewSessionUseCase(
	api SessionAPI,
	identity IdentityUseCase,
	ledger LedgerUseCase,
	tokens TokenSource,
	store repository.LocalStateRepository,
	refill RefillScheduler,
	cfg SessionConfig,
	logger *zerolog.Logger,
) *sessionUC {
	if cfg.Mode == "" {
		cfg.Mode = config.ModeStreaming
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 2 * time.Minute
	}
	l := logger.With().Str("component", "SessionOrchestrator").Logger()
	ctx, cancel := context.WithCancel(context.Background())
	pool := worker.NewPool(1, 8, logger)
	pool.Start(ctx)
	return &sessionUC{
		api:        api,
		identity:   identity,
		ledger:     ledger,
		tokens:     tokens,
		store:      store,
		refill:     refill,
		pool:       pool,
		cfg:        cfg,
		log:        &l,
		baseCtx:    ctx,
		baseCancel: cancel,
		mode:       cfg.Mode,
		transcript: model.NewTranscript(),
		subs:       make(map[int]func([]model.Message)),
	}
}

func (u *sessionUC) Start(ctx context.Context) error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return domain.ErrClosed
	}
	if u.started {
		u.mu.Unlock()
		return nil
	}
	u.mu.Unlock()

	conv, err := u.identity.Resolve(ctx, u.cfg.UserID)
	if err != nil {
		return err
	}
	sessionID := u.restoreSession(ctx)

	u.mu.Lock()
	u.conv = conv
	u.sessionID = sessionID
	u.started = true
	u.mu.Unlock()

	ctx = logging.WithSessID(logging.WithConversationID(logging.WithUserID(ctx, u.cfg.UserID), conv.ID), sessionID)
	logging.With(ctx, u.log).Info().Bool("is_new", conv.IsNew).Bool("fallback", conv.Fallback).Msg("session started")

	if err := u.LoadHistory(ctx); err != nil {
		return err
	}
	u.ledger.FetchBalance(ctx)
	if u.refill != nil {
		u.refill.Start(u.baseCtx)
	}
	return nil
}

// restoreSession returns the persisted session id, minting one when none is stored.
func (u *sessionUC) restoreSession(ctx context.Context) string {
	key := repository.SessionKey(u.cfg.UserID)
	if id, err := u.store.Get(ctx, key); err == nil && id != "" {
		return id
	} else if err != nil && !errors.Is(err, domain.ErrNotFound) {
		u.log.Warn().Err(err).Msg("read session id")
	}
	id := uuid.NewString()
	if err := u.store.Set(ctx, key, id); err != nil {
		u.log.Warn().Err(err).Msg("persist session id")
	}
	return id
}

func (u *sessionUC) LoadHistory(ctx context.Context) error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return domain.ErrClosed
	}
	conv, epoch := u.conv, u.epoch
	u.mu.Unlock()

	var history []model.HistoryMessage
	if !conv.IsNew && conv.ID != "" {
		h, err := u.api.History(ctx, conv.ID, u.cfg.UserID)
		if err != nil {
			// history is a convenience; the conversation stays usable without it
			u.log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("load history failed")
		}
		history = h
	}

	u.mu.Lock()
	if u.epoch != epoch {
		u.mu.Unlock()
		return nil
	}
	added := 0
	for _, h := range history {
		m := h.ToMessage()
		if m.Content == "" {
			continue
		}
		if u.transcript.Append(m) {
			added++
		}
	}
	if added > 0 || u.transcript.Len() > 0 {
		u.welcomed = true
	}
	u.emitWelcomeLocked()
	u.mu.Unlock()

	u.log.Debug().Int("loaded", added).Int("received", len(history)).Msg("history merged")
	u.notify()
	return nil
}

func (u *sessionUC) emitWelcomeLocked() {
	if u.welcomed || u.transcript.CountKind(model.MessageWelcome) > 0 {
		return
	}
	u.welcomed = true
	u.transcript.Append(model.Message{
		ID:        newMessageID(),
		Content:   u.cfg.WelcomeMessage,
		Sender:    model.SenderAssistant,
		Kind:      model.MessageWelcome,
		Timestamp: time.Now(),
	})
}

func (u *sessionUC) Send(ctx context.Context, raw string) (model.Message, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		metrics.IncSendRejected("empty")
		return model.Message{}, domain.NewError(domain.KindValidation, "session.send", "message is empty", domain.ErrInvalidArgument)
	}
	if !u.inflight.CompareAndSwap(false, true) {
		metrics.IncSendRejected("in_flight")
		return model.Message{}, domain.ErrSendInFlight
	}
	defer u.inflight.Store(false)

	if u.cfg.UserID == "" || (u.tokens != nil && !u.tokens.HasCredentials(ctx)) {
		metrics.IncSendRejected("unauthenticated")
		err := domain.NewError(domain.KindAuthentication, "session.send", "not signed in", nil)
		u.mu.Lock()
		t := turn{epoch: u.epoch, mode: u.mode, start: time.Now()}
		u.mu.Unlock()
		u.fail(t, err)
		return model.Message{}, err
	}
	if err := u.Start(ctx); err != nil {
		return model.Message{}, err
	}

	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return model.Message{}, domain.ErrClosed
	}
	turnCtx, cancel := context.WithTimeout(ctx, u.cfg.TurnTimeout)
	u.cancelTurn = cancel
	t := turn{
		epoch: u.epoch,
		mode:  u.mode,
		req: adapter.ChatRequest{
			Message:        text,
			ConversationID: u.conv.ID,
			UserID:         u.cfg.UserID,
			SessionID:      u.sessionID,
		},
		start: time.Now(),
	}
	u.mu.Unlock()
	defer cancel()
	// a turn refreshes its token at most once, whichever call does it
	turnCtx = auth.TrackRefresh(turnCtx)

	ctx = logging.WithSessID(logging.WithConversationID(logging.WithUserID(ctx, t.req.UserID), t.req.ConversationID), t.req.SessionID)
	log := logging.With(ctx, u.log)
	defer logging.TraceDuration(log, "Session.Send")()

	view := u.ledger.Authorize(turnCtx)
	if !view.State.CanSend() {
		metrics.PrecheckBlocked()
		log.Info().Str("state", string(view.State)).Msg("send blocked by credit check")
		reason := view.Reason
		if reason == "" {
			reason = errorPolicies[domain.KindInsufficientCredits].UserMessage
		}
		u.appendIfCurrent(t.epoch, model.Message{
			ID:        newMessageID(),
			Content:   reason,
			Sender:    model.SenderAssistant,
			Kind:      model.MessageNotice,
			Timestamp: time.Now(),
		})
		metrics.IncTurn(t.mode, "blocked")
		return model.Message{}, &domain.Error{Kind: domain.KindInsufficientCredits, Op: "session.send", Message: reason}
	}

	u.appendIfCurrent(t.epoch, model.Message{
		ID:        newMessageID(),
		Content:   text,
		Sender:    model.SenderUser,
		Kind:      model.MessageRegular,
		Timestamp: time.Now(),
	})
	log.Debug().Str("mode", t.mode).Str("preview", logging.Redact(text, u.cfg.Dev)).Msg("dispatching turn")

	reply, err := u.dispatch(turnCtx, &t)
	if err != nil && !t.streamed && u.retryable(err) && !auth.Refreshed(turnCtx) {
		if _, rerr := u.tokens.Refresh(turnCtx); rerr == nil {
			log.Debug().Msg("retrying turn after token refresh")
			reply, err = u.dispatch(turnCtx, &t)
		}
	}
	if err != nil {
		if !u.current(t.epoch) {
			return model.Message{}, context.Canceled
		}
		log.Warn().Err(err).Str("kind", string(domain.KindOf(err))).Msg("turn failed")
		u.fail(t, err)
		return model.Message{}, err
	}

	metrics.IncTurn(t.mode, "ok")
	metrics.ObserveTurn(t.mode, time.Since(t.start).Milliseconds(), true)
	u.scheduleReconcile()
	return reply, nil
}

func (u *sessionUC) retryable(err error) bool {
	if u.tokens == nil {
		return false
	}
	_, p := PolicyFor(err)
	return p.Retry && domain.KindOf(err) == domain.KindAuthentication
}

// turn carries per-send state through dispatch.
type turn struct {
	epoch uint64
	mode  string
	req   adapter.ChatRequest
	start time.Time
	// streamed is set once a placeholder message exists.
	streamed bool
	replyID  string
}

func (u *sessionUC) dispatch(ctx context.Context, t *turn) (model.Message, error) {
	if t.mode == config.ModeSync {
		return u.dispatchSync(ctx, t)
	}
	return u.dispatchStream(ctx, t)
}

func (u *sessionUC) dispatchSync(ctx context.Context, t *turn) (model.Message, error) {
	reply, err := u.api.SyncChat(ctx, t.req)
	if err != nil {
		return model.Message{}, err
	}
	content := model.NormalizeContent(reply.Response)
	if content == "" {
		content = u.cfg.EmptyReplyMessage
	}
	m := model.Message{
		ID:        newMessageID(),
		Content:   content,
		Sender:    model.SenderAssistant,
		Kind:      model.MessageRegular,
		Timestamp: time.Now(),
	}
	u.mu.Lock()
	if u.epoch != t.epoch {
		u.mu.Unlock()
		return model.Message{}, context.Canceled
	}
	u.transcript.Append(m)
	if !reply.Companion.IsZero() {
		u.companion = reply.Companion
	}
	u.mu.Unlock()
	u.notify()
	return m, nil
}

func (u *sessionUC) dispatchStream(ctx context.Context, t *turn) (model.Message, error) {
	body, err := u.api.StreamChat(ctx, t.req)
	if err != nil {
		return model.Message{}, err
	}
	defer body.Close()

	h := stream.HandlerFuncs{
		OnFirstChunk: func(text string) {
			metrics.ObserveFirstChunk(time.Since(t.start).Milliseconds())
			id := newMessageID()
			if u.appendIfCurrent(t.epoch, model.Message{
				ID:          id,
				Content:     text,
				Sender:      model.SenderAssistant,
				Kind:        model.MessageRegular,
				Timestamp:   time.Now(),
				IsStreaming: true,
			}) {
				t.streamed = true
				t.replyID = id
			}
		},
		OnChunk: func(text string) {
			u.updateIfCurrent(t.epoch, t.replyID, func(m *model.Message) { m.Content += text })
		},
	}
	dec := stream.NewDecoder(h, u.cfg.EmptyReplyMessage)
	derr := stream.Decode(ctx, body, dec)
	final, _ := dec.Final()

	if t.streamed {
		// the placeholder is finalized whether or not the stream ended cleanly
		u.updateIfCurrent(t.epoch, t.replyID, func(m *model.Message) {
			m.Content = final
			m.IsStreaming = false
		})
		if derr != nil {
			return model.Message{}, domain.NewError(domain.KindNetwork, "chat.stream", "", derr)
		}
		m, _ := u.message(t.replyID)
		return m, nil
	}
	if derr != nil {
		return model.Message{}, domain.NewError(domain.KindNetwork, "chat.stream", "", derr)
	}
	m := model.Message{
		ID:        newMessageID(),
		Content:   final,
		Sender:    model.SenderAssistant,
		Kind:      model.MessageRegular,
		Timestamp: time.Now(),
	}
	if !u.appendIfCurrent(t.epoch, m) {
		return model.Message{}, context.Canceled
	}
	return m, nil
}

// fail appends the single error entry for a failed turn and applies its ledger effect.
func (u *sessionUC) fail(t turn, err error) {
	kind, p := PolicyFor(err)
	metrics.IncTurn(t.mode, string(kind))
	metrics.ObserveTurn(t.mode, time.Since(t.start).Milliseconds(), false)

	u.appendIfCurrent(t.epoch, model.Message{
		ID:        newMessageID(),
		Content:   p.UserMessage,
		Sender:    model.SenderAssistant,
		Kind:      model.MessageError,
		Timestamp: time.Now(),
	})
	switch p.LedgerEffect {
	case LedgerMarkInsufficient:
		reason := domain.Message(err)
		if reason == "" {
			reason = p.UserMessage
		}
		u.ledger.MarkInsufficient(reason)
	case LedgerReconcile:
		u.scheduleReconcile()
	}
}

func (u *sessionUC) scheduleReconcile() {
	err := u.pool.SubmitAfter(u.cfg.ReconcileDelay, func(ctx context.Context) error {
		if ctx.Err() != nil {
			return nil
		}
		u.ledger.ReconcileAfterTurn(ctx)
		return nil
	})
	if err != nil {
		u.log.Debug().Err(err).Msg("reconcile not scheduled")
	}
}

func (u *sessionUC) ClearChat(ctx context.Context) error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return domain.ErrClosed
	}
	u.epoch++
	if u.cancelTurn != nil {
		u.cancelTurn()
		u.cancelTurn = nil
	}
	conv, oldSession := u.conv, u.sessionID
	newSession := uuid.NewString()
	u.sessionID = newSession
	u.transcript.Reset()
	u.companion = model.CompanionState{}
	u.welcomed = false
	u.emitWelcomeLocked()
	u.mu.Unlock()
	u.notify()

	if u.cfg.UserID != "" {
		if err := u.store.Set(ctx, repository.SessionKey(u.cfg.UserID), newSession); err != nil {
			u.log.Warn().Err(err).Msg("persist rotated session id")
		}
	}
	if conv.ID != "" {
		if err := u.api.ClearMemory(ctx, conv.ID, u.cfg.UserID, oldSession); err != nil {
			u.log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("server memory clear failed")
		}
	}
	u.log.Info().Str("session_id", newSession).Msg("chat cleared")
	return nil
}

func (u *sessionUC) Close() {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return
	}
	u.closed = true
	u.epoch++
	if u.cancelTurn != nil {
		u.cancelTurn()
		u.cancelTurn = nil
	}
	u.mu.Unlock()

	if u.refill != nil {
		u.refill.Stop()
	}
	// cancel first so delayed reconciles are skipped instead of drained
	u.baseCancel()
	u.pool.Stop()
	u.log.Info().Msg("session closed")
}

func (u *sessionUC) Messages() []model.Message {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.transcript.Messages()
}

func (u *sessionUC) Subscribe(fn func([]model.Message)) func() {
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

func (u *sessionUC) SetMode(mode string) error {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode != config.ModeStreaming && mode != config.ModeSync {
		return domain.NewError(domain.KindValidation, "session.mode", "mode must be streaming or sync", domain.ErrInvalidArgument)
	}
	u.mu.Lock()
	u.mode = mode
	u.mu.Unlock()
	return nil
}

func (u *sessionUC) Mode() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.mode
}

func (u *sessionUC) Conversation() model.Conversation {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.conv
}

func (u *sessionUC) SessionID() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sessionID
}

func (u *sessionUC) Companion() model.CompanionState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.companion
}

func (u *sessionUC) Ledger() LedgerUseCase { return u.ledger }

func (u *sessionUC) current(epoch uint64) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.epoch == epoch
}

func (u *sessionUC) message(id string) (model.Message, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.transcript.Get(id)
}

func (u *sessionUC) appendIfCurrent(epoch uint64, m model.Message) bool {
	u.mu.Lock()
	ok := u.epoch == epoch && u.transcript.Append(m)
	u.mu.Unlock()
	if ok {
		u.notify()
	}
	return ok
}

func (u *sessionUC) updateIfCurrent(epoch uint64, id string, fn func(m *model.Message)) {
	u.mu.Lock()
	ok := u.epoch == epoch && u.transcript.Update(id, fn)
	u.mu.Unlock()
	if ok {
		u.notify()
	}
}

func (u *sessionUC) notify() {
	u.mu.Lock()
	if len(u.subs) == 0 {
		u.mu.Unlock()
		return
	}
	snapshot := u.transcript.Messages()
	fns := make([]func([]model.Message), 0, len(u.subs))
	for _, fn := range u.subs {
		fns = append(fns, fn)
	}
	u.mu.Unlock()
	for _, fn := range fns {
		fn(snapshot)
	}
}

func newMessageID() string {
	return ulid.Make().String()
}
