package workers

import (
	"context"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"
)

// Task is a unit of work dispatched to the pool
type Task func(ctx context.Context) error

// Pool is a fixed-size worker pool. Tasks queue on a bounded channel;
// Submit blocks when the queue is full so callers apply backpressure
// instead of growing unbounded.
type Pool struct {
	tasks      chan Task
	maxWorkers int
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	logger     arbor.ILogger

	mu     sync.RWMutex
	closed bool
}

// NewPool creates a worker pool with maxWorkers goroutines
func NewPool(maxWorkers int, logger arbor.ILogger) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		tasks:      make(chan Task, maxWorkers*2),
		maxWorkers: maxWorkers,
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger,
	}
}

// Start launches the workers
func (p *Pool) Start() {
	p.logger.Info().
		Int("max_workers", p.maxWorkers).
		Msg("Starting worker pool")

	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Submit enqueues a task, blocking if the queue is full. Returns an
// error once the pool is shutting down. The read lock is held across
// the send so Shutdown cannot close the channel under a sender.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return fmt.Errorf("worker pool is shutting down")
	}
	p.tasks <- task
	return nil
}

// Shutdown stops intake, lets queued and in-flight tasks run to
// completion with a live context, then releases the workers. The
// context is only cancelled after the drain so a task that was already
// running can still persist its results.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
	p.logger.Info().Msg("Worker pool shutdown complete")
}

// worker processes tasks until the queue is closed and drained
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	p.logger.Debug().
		Int("worker_id", id).
		Msg("Worker started")

	for task := range p.tasks {
		if err := task(p.ctx); err != nil {
			p.logger.Error().
				Err(err).
				Int("worker_id", id).
				Msg("Task failed")
		}
	}

	p.logger.Debug().
		Int("worker_id", id).
		Msg("Worker stopping - queue drained")
}
