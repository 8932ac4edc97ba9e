package sched

import (
	"context"
	"sync"
	"time"

	"companion-session/internal/domain/model"
	"companion-session/internal/infra/metrics"

	"github.com/rs/zerolog"
)

// BalanceFetcher is the slice of the credit ledger the refill worker needs.
type BalanceFetcher interface {
	FetchBalance(ctx context.Context) model.LedgerView
}

// RefillWorker re-synchronizes the credit ledger on a fixed period so that server-side
// auto refills become visible without user action. It never changes the balance itself.
type RefillWorker struct {
	interval    time.Duration
	pollTimeout time.Duration
	pollOnStart bool
	ledger      BalanceFetcher
	log         *zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRefillWorker(interval time.Duration, pollOnStart bool, ledger BalanceFetcher, logger *zerolog.Logger) *RefillWorker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	compLog := logger.With().Str("component", "RefillWorker").Logger()
	timeout := interval / 2
	if timeout > 30*time.Second {
		timeout = 30 * time.Second
	}
	return &RefillWorker{
		interval:    interval,
		pollTimeout: timeout,
		pollOnStart: pollOnStart,
		ledger:      ledger,
		log:         &compLog,
	}
}

// Start begins polling in a background goroutine. Calling Start while running has no effect.
func (w *RefillWorker) Start(parent context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(ctx, w.done)
}

// Stop cancels the loop and waits for it to exit. It is idempotent and allows a later Start.
func (w *RefillWorker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the loop is active.
func (w *RefillWorker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancel != nil
}

func (w *RefillWorker) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	w.log.Info().Dur("interval", w.interval).Msg("Starting refill worker")
	if w.pollOnStart {
		w.poll(ctx)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping refill worker")
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *RefillWorker) poll(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, w.pollTimeout)
	defer cancel()
	view := w.ledger.FetchBalance(pollCtx)
	metrics.IncRefillPoll()
	w.log.Debug().
		Str("state", string(view.State)).
		Int("credits", view.Balance.CurrentCredits).
		Msg("ledger re-synchronized")
}
