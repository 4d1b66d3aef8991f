// Package worker runs jobs off the I/O goroutines. A Pool owns a bounded
// mailbox and a fixed concurrency budget; submitting never blocks.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/codefionn/pluginhost/internal/logger"
	"golang.org/x/sync/semaphore"
)

var (
	ErrQueueFull = errors.New("worker: mailbox is full")
	ErrStopped   = errors.New("worker: pool is stopped")
)

// Job is one unit of work. ctx is cancelled when the pool stops.
type Job func(ctx context.Context)

// Pool executes submitted jobs with at most Size of them running at once.
type Pool struct {
	id      string
	size    int64
	mailbox chan Job
	sem     *semaphore.Weighted

	wg      sync.WaitGroup
	cancel  context.CancelFunc
	mu      sync.RWMutex
	started bool
	stopped bool

	running   atomic.Int64
	completed atomic.Uint64
}

// New creates a pool. size and mailboxSize are clamped to at least 1.
func New(id string, size, mailboxSize int) *Pool {
	if size < 1 {
		size = 1
	}
	if mailboxSize < 1 {
		mailboxSize = 1
	}
	return &Pool{
		id:      id,
		size:    int64(size),
		mailbox: make(chan Job, mailboxSize),
		sem:     semaphore.NewWeighted(int64(size)),
	}
}

// ID returns the pool name used in log lines.
func (p *Pool) ID() string {
	return p.id
}

// Size returns the concurrency limit.
func (p *Pool) Size() int {
	return int(p.size)
}

// Submit queues job (non-blocking).
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return fmt.Errorf("%w: %s", ErrStopped, p.id)
	}

	select {
	case p.mailbox <- job:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrQueueFull, p.id)
	}
}

// Pending returns the number of queued jobs.
func (p *Pool) Pending() int {
	return len(p.mailbox)
}

// Running returns the number of jobs currently executing.
func (p *Pool) Running() int {
	return int(p.running.Load())
}

// Completed returns the number of jobs that have finished.
func (p *Pool) Completed() uint64 {
	return p.completed.Load()
}

// Start launches the dispatch loop.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return fmt.Errorf("%w: %s", ErrStopped, p.id)
	}
	if p.started {
		return fmt.Errorf("worker pool %s already started", p.id)
	}
	p.started = true

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go p.run(ctx)
	return nil
}

// Stop rejects new jobs, cancels the pool context and waits for running jobs
// to return. Jobs still queued are dropped.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if dropped := len(p.mailbox); dropped > 0 {
		logger.Warn("worker pool %s dropped %d queued jobs", p.id, dropped)
	}
	return nil
}

func (p *Pool) run(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.mailbox:
			if err := p.sem.Acquire(ctx, 1); err != nil {
				return
			}
			p.wg.Add(1)
			p.running.Add(1)
			go func() {
				defer p.wg.Done()
				defer p.sem.Release(1)
				defer p.running.Add(-1)
				defer p.completed.Add(1)
				defer func() {
					if r := recover(); r != nil {
						logger.Error("worker pool %s: job panicked: %v", p.id, r)
					}
				}()
				job(ctx)
			}()
		}
	}
}
