package task

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	engerrors "github.com/tiara/engine/internal/errors"
)

// Executor runs submitted work asynchronously. Submit must not block on the
// work itself.
type Executor interface {
	Submit(work func()) error
}

// Pool is a fixed set of worker goroutines draining a bounded queue.
type Pool struct {
	mu     sync.RWMutex
	queue  chan func()
	closed bool
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewPool starts workers goroutines with a queue of queueSize pending items.
func NewPool(workers, queueSize int, logger zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	p := &Pool{
		queue:  make(chan func(), queueSize),
		logger: logger,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for work := range p.queue {
		p.logger.Debug().Int("worker", id).Msg("worker picked job")
		work()
	}
}

// Submit enqueues work, or returns ErrBusy when the queue is saturated or the
// pool is closed. Nothing runs when an error is returned.
func (p *Pool) Submit(work func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return engerrors.ErrBusy
	}
	select {
	case p.queue <- work:
		return nil
	default:
		p.logger.Warn().Int("queue_size", cap(p.queue)).Msg("queue saturated, rejecting job")
		return engerrors.ErrBusy
	}
}

// Close stops accepting work and waits for queued and running jobs to finish
// or for ctx to expire.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Inline runs work synchronously on the caller's goroutine. Used in tests and
// by the CLI.
type Inline struct{}

func (Inline) Submit(work func()) error {
	work()
	return nil
}
