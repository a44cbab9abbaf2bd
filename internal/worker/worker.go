// ============================================================================
// Worker - task execution unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
//
// Each Worker is an independent goroutine:
//   1. receive a Task from taskCh (or exit when the pool stops)
//   2. run it under a context carrying the task timeout
//   3. report the Result on resultCh without blocking
//
// A panicking task is converted into a failed Result; it never takes the
// worker goroutine down with it.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"
)

// Worker executes tasks pulled from the shared task channel.
type Worker struct {
	id       int
	taskCh   <-chan Task
	resultCh chan<- Result
	stopCh   <-chan struct{}
	ctx      context.Context
}

func newWorker(id int, ctx context.Context, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
		ctx:      ctx,
	}
}

// Run is the worker main loop; it returns once the pool is stopped.
func (w *Worker) Run() {
	for {
		select {
		case <-w.stopCh:
			return
		case task := <-w.taskCh:
			result := execute(w.ctx, task)

			select {
			case w.resultCh <- result:
			default:
				// nobody is draining results; the task outcome was already logged by its owner
			}
		}
	}
}

// execute runs a single task with its timeout and panic protection.
func execute(parent context.Context, task Task) (result Result) {
	start := time.Now()
	result.Name = task.Name

	ctx := parent
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, task.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			result.Err = fmt.Errorf("task %s panicked: %v", task.Name, r)
		}
		result.Duration = time.Since(start)
	}()

	if task.Run == nil {
		result.Err = fmt.Errorf("task %s has no run function", task.Name)
		return result
	}
	result.Err = task.Run(ctx)
	return result
}

// Inline is an Executor that runs every task synchronously on the caller's
// goroutine. Deterministic tests use it together with the fake clock.
type Inline struct {
	OnResult func(Result)
}

// Submit runs the task immediately.
func (e Inline) Submit(task Task) error {
	result := execute(context.Background(), task)
	if e.OnResult != nil {
		e.OnResult(result)
	}
	return nil
}
