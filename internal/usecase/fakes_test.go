package usecase

import (
	"context"
	"io"
	"sync"

	"companion-session/internal/domain/model"
	"companion-session/internal/domain/ports/adapter"
	"companion-session/internal/infra/memory"
)

// ---- Fakes ----

// fakeBackend implements SessionAPI and LedgerAPI in memory.
type fakeBackend struct {
	mu sync.Mutex

	getRef    adapter.ConversationRef
	getErr    error
	createRef adapter.ConversationRef
	createErr error
	getCalls  int
	creates   int

	history    []model.HistoryMessage
	historyErr error

	chunks    []string
	dropErr   error         // returned after all chunks instead of io.EOF
	gate      chan struct{} // when set, reads after the first chunk wait for it or ctx
	streamErr []error       // consumed one per StreamChat call
	syncReply adapter.ChatReply
	syncErr   []error // consumed one per SyncChat call
	onChat    func(ctx context.Context)
	chatCalls int
	lastReq   adapter.ChatRequest

	clearCalls  int
	clearErr    error
	lastCleared string

	balance      model.CreditBalance
	balanceErr   error
	balanceCalls int
	txs          []model.CreditTransaction
	refills      int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		getRef:  adapter.ConversationRef{ConversationID: "conv-1"},
		balance: model.CreditBalance{CurrentCredits: 10, ChatCost: 2, CanChat: true, PossibleChats: 5},
	}
}

func (f *fakeBackend) GetPersistentConversation(ctx context.Context, userID string) (adapter.ConversationRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	return f.getRef, f.getErr
}

func (f *fakeBackend) CreatePersistentConversation(ctx context.Context, userID string) (adapter.ConversationRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	return f.createRef, f.createErr
}

func (f *fakeBackend) History(ctx context.Context, conversationID, userID string) ([]model.HistoryMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history, f.historyErr
}

func (f *fakeBackend) ClearMemory(ctx context.Context, conversationID, userID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clearCalls++
	f.lastCleared = sessionID
	return f.clearErr
}

func (f *fakeBackend) StreamChat(ctx context.Context, req adapter.ChatRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatCalls++
	f.lastReq = req
	if len(f.streamErr) > 0 {
		err := f.streamErr[0]
		f.streamErr = f.streamErr[1:]
		if err != nil {
			return nil, err
		}
	}
	chunks := append([]string(nil), f.chunks...)
	return &chunkReader{ctx: ctx, chunks: chunks, end: f.dropErr, gate: f.gate}, nil
}

func (f *fakeBackend) SyncChat(ctx context.Context, req adapter.ChatRequest) (adapter.ChatReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatCalls++
	f.lastReq = req
	if f.onChat != nil {
		f.onChat(ctx)
	}
	if len(f.syncErr) > 0 {
		err := f.syncErr[0]
		f.syncErr = f.syncErr[1:]
		if err != nil {
			return adapter.ChatReply{}, err
		}
	}
	return f.syncReply, nil
}

func (f *fakeBackend) Balance(ctx context.Context, userID string) (model.CreditBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balanceCalls++
	return f.balance, f.balanceErr
}

func (f *fakeBackend) Transactions(ctx context.Context, userID string, limit int) ([]model.CreditTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.txs, nil
}

func (f *fakeBackend) RefillTiming(ctx context.Context) (model.RefillPolicy, error) {
	return model.RefillPolicy{IntervalSeconds: 300, Amount: 10, MaxCredits: 50, Enabled: true}, nil
}

func (f *fakeBackend) RefillAnalytics(ctx context.Context) (model.RefillAnalytics, error) {
	return model.RefillAnalytics{TotalRefills: 1}, nil
}

func (f *fakeBackend) RefillStatusAll(ctx context.Context) ([]model.RefillStatus, error) {
	return []model.RefillStatus{{UserID: "u1"}}, nil
}

func (f *fakeBackend) ManualRefill(ctx context.Context, userID string) (model.CreditBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refills++
	f.balance.CurrentCredits += 10
	f.balance.CanChat = true
	return f.balance, nil
}

func (f *fakeBackend) set(fn func(f *fakeBackend)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeBackend) calls() (chat, balance int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chatCalls, f.balanceCalls
}

// chunkReader returns one chunk per Read.
type chunkReader struct {
	ctx    context.Context
	chunks []string
	end    error
	gate   chan struct{}
	n      int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.gate != nil && r.n > 0 {
		select {
		case <-r.gate:
		case <-r.ctx.Done():
			return 0, r.ctx.Err()
		}
	}
	if len(r.chunks) == 0 {
		if r.end != nil {
			return 0, r.end
		}
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks = r.chunks[1:]
	r.n++
	return n, nil
}

func (r *chunkReader) Close() error { return nil }

type fakeTokens struct {
	mu         sync.Mutex
	has        bool
	refreshErr error
	refreshes  int
}

func (f *fakeTokens) HasCredentials(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.has
}

func (f *fakeTokens) Refresh(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return "fresh", f.refreshErr
}

type fakeRefill struct {
	mu      sync.Mutex
	starts  int
	stops   int
	running bool
}

func (f *fakeRefill) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.running = true
}

func (f *fakeRefill) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.running = false
}

func newStore() *memory.StateRepo { return memory.NewStateRepo() }
