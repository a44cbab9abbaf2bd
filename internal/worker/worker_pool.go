// ============================================================================
// Worker Pool - executor shared by the bridge's timers
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
//
// Timer callbacks (scheduler wake-ups, reconnect retry ticks) never run
// bus I/O on the timer goroutine. They are submitted here and executed by a
// fixed set of worker goroutines:
//
//   ┌──────────────┐   Submit()   ┌────────┐
//   │ clock timers │ ───────────► │ taskCh │ ──► Worker 1..N ──► resultCh
//   └──────────────┘              └────────┘
//
// Lifecycle:
//   1. NewPool(buffer)  - channels only, nothing running
//   2. Start(n)         - n worker goroutines
//   3. Submit(task)     - ErrPoolNotStarted / ErrPoolClosed when unusable
//   4. Stop()           - idempotent; closes stopCh, waits for workers,
//                         then closes resultCh
//
// taskCh is never closed, so a Submit racing with Stop cannot send on a
// closed channel: it either enqueues or observes stopCh.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrPoolClosed is returned once Stop has been called.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted is returned before Start.
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// Pool runs submitted tasks on a fixed number of goroutines.
type Pool struct {
	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.Mutex
}

// NewPool creates a pool whose task and result channels hold bufferSize
// entries.
func NewPool(bufferSize int) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches workerCount workers.
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if p.stopped {
		return ErrPoolClosed
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.ctx, p.taskCh, p.resultCh, p.stopCh)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	return nil
}

// Submit queues a task. It blocks while the buffer is full and returns
// ErrPoolClosed if the pool stops meanwhile.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case <-p.stopCh:
		return ErrPoolClosed
	default:
	}

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult blocks for the next task result.
func (p *Pool) ReceiveResult() (Result, error) {
	select {
	case result, ok := <-p.resultCh:
		if !ok {
			return Result{}, ErrPoolClosed
		}
		return result, nil
	case <-p.stopCh:
		return Result{}, ErrPoolClosed
	}
}

// Stop cancels running task contexts, stops the workers and waits for them.
// Tasks still queued are dropped.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.cancel()
	p.wg.Wait()
	close(p.resultCh)
}

// GetWorkerCount returns the number of started workers.
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted reports whether Start has succeeded.
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
