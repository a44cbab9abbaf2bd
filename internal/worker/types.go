package worker

import (
	"context"
	"time"
)

// Task is a unit of background work handed to an Executor, typically a
// scheduler wake-up or a reconnect attempt fired by a timer.
type Task struct {
	Name    string                          // used for logging and metrics
	Run     func(ctx context.Context) error // the work itself
	Timeout time.Duration                   // 0 means no per-task deadline
}

// Result is the outcome of one executed Task.
type Result struct {
	Name     string
	Err      error
	Duration time.Duration
}

// Executor accepts tasks for asynchronous (or inline) execution.
type Executor interface {
	Submit(task Task) error
}
