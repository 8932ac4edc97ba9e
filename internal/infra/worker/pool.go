// File: internal/infra/worker/pool.go
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Task is a unit of deferred work. The context is cancelled when the pool's parent
// context is cancelled.
type Task func(ctx context.Context) error

var (
	ErrQueueFull  = errors.New("worker queue full")
	ErrPoolClosed = errors.New("worker pool stopped")
)

// Pool runs submitted tasks on a fixed number of goroutines. Stop drains the queue
// before returning, so tasks accepted by Submit are always run or see a cancelled ctx.
type Pool struct {
	wg   sync.WaitGroup
	jobs chan Task
	n    int
	log  *zerolog.Logger

	mu      sync.Mutex
	started bool
	closed  bool
}

func NewPool(workers, queue int, logger *zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queue <= 0 {
		queue = workers * 4
	}
	l := logger.With().Str("component", "WorkerPool").Logger()
	return &Pool{jobs: make(chan Task, queue), n: workers, log: &l}
}

func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	for i := 0; i < p.n; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			for task := range p.jobs {
				if task == nil {
					continue
				}
				if err := task(ctx); err != nil && !errors.Is(err, context.Canceled) {
					p.log.Warn().Err(err).Int("worker", id).Msg("task error")
				}
			}
		}(i)
	}
}

// Stop closes the queue and waits for queued and running tasks to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	started := p.started
	close(p.jobs)
	p.mu.Unlock()

	if !started {
		return
	}
	p.wg.Wait()
}

func (p *Pool) Submit(task Task) error {
	if task == nil {
		return errors.New("nil task")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.jobs <- task:
		return nil
	default:
		// drop when saturated; callers treat deferred work as best-effort
		return ErrQueueFull
	}
}

// SubmitAfter queues task to run once delay has elapsed. A cancelled context skips it.
func (p *Pool) SubmitAfter(delay time.Duration, task Task) error {
	if task == nil {
		return errors.New("nil task")
	}
	return p.Submit(func(ctx context.Context) error {
		if delay > 0 {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
			}
		}
		return task(ctx)
	})
}
