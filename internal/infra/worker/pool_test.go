package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestLogger() *zerolog.Logger {
	logger := zerolog.New(nil)
	return &logger
}

func TestPool_StopDrainsQueuedTasks(t *testing.T) {
	p := NewPool(1, 8, newTestLogger())
	p.Start(context.Background())

	var ran int32
	for i := 0; i < 5; i++ {
		if err := p.Submit(func(ctx context.Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	p.Stop()

	if got := atomic.LoadInt32(&ran); got != 5 {
		t.Fatalf("expected 5 tasks to run, got %d", got)
	}
}

func TestPool_SubmitAfterStopFails(t *testing.T) {
	p := NewPool(1, 1, newTestLogger())
	p.Start(context.Background())
	p.Stop()
	p.Stop()

	err := p.Submit(func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}

func TestPool_QueueFull(t *testing.T) {
	p := NewPool(1, 1, newTestLogger())
	// not started: the single slot fills and the next submit is rejected
	if err := p.Submit(func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := p.Submit(func(ctx context.Context) error { return nil }); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	p.Stop()
}

func TestPool_SubmitAfterWaitsForDelay(t *testing.T) {
	p := NewPool(1, 2, newTestLogger())
	p.Start(context.Background())

	start := time.Now()
	var at atomic.Value
	_ = p.SubmitAfter(30*time.Millisecond, func(ctx context.Context) error {
		at.Store(time.Since(start))
		return nil
	})
	p.Stop()

	elapsed, ok := at.Load().(time.Duration)
	if !ok {
		t.Fatal("delayed task did not run")
	}
	if elapsed < 30*time.Millisecond {
		t.Fatalf("task ran after %s, before the delay", elapsed)
	}
}

func TestPool_SubmitAfterSkippedOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPool(1, 2, newTestLogger())
	p.Start(ctx)

	var ran int32
	_ = p.SubmitAfter(time.Hour, func(ctx context.Context) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})
	cancel()
	p.Stop()

	if atomic.LoadInt32(&ran) != 0 {
		t.Fatal("task should not run after cancellation")
	}
}
