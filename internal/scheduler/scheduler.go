// ============================================================================
// fieldbus-bridge datapoint read scheduler
// ============================================================================
//
// Package: internal/scheduler
// File: scheduler.go
// Purpose: repeatedly read the datapoints consumers asked for, one read at a
// time, spaced by a minimum throttle
//
// Model:
//   One wake timer is armed at max(earliest due job, throttle deadline).
//   When it fires, a tick is submitted to the executor. The tick fires the
//   head job (bookkeeping under the lock), performs the read with the lock
//   released, then re-arms the timer from the updated job set.
//
//   ScheduleRead/UnscheduleRead/Satisfied re-arm the timer immediately, so a
//   new urgent job is never starved by an older, later wake-up. While a tick
//   is running they only mutate the set; the tick re-arms when it finishes.
//
//   Each armed timer carries a generation number. A wake from a superseded
//   timer, or one that arrives after Shutdown, is dropped.
//
// Lifecycle:
//   Start() arms the first pass. Shutdown() cancels the wake timer and keeps
//   the jobs; it is idempotent and safe before Start and during a tick. No
//   read is initiated after Shutdown returns.
//
// ============================================================================

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/fieldbus-bridge/internal/clock"
	bridgeerrors "github.com/ChuLiYu/fieldbus-bridge/internal/errors"
	"github.com/ChuLiYu/fieldbus-bridge/internal/jobmanager"
	"github.com/ChuLiYu/fieldbus-bridge/internal/log"
	"github.com/ChuLiYu/fieldbus-bridge/internal/metrics"
	"github.com/ChuLiYu/fieldbus-bridge/internal/worker"
	"github.com/ChuLiYu/fieldbus-bridge/pkg/types"
)

// Reader performs a single bus read. It is the outbound path of the
// dispatcher.
type Reader interface {
	Read(ctx context.Context, addr types.GroupAddress) error
}

// ReaderFunc adapts a function to Reader.
type ReaderFunc func(ctx context.Context, addr types.GroupAddress) error

// Read calls f.
func (f ReaderFunc) Read(ctx context.Context, addr types.GroupAddress) error { return f(ctx, addr) }

// Config holds the scheduler settings.
type Config struct {
	Throttle    time.Duration // minimum spacing between two reads
	RetryLimit  int           // fires of a one-shot job
	Unit        time.Duration // first-due delay and one-shot retry spacing
	ReadTimeout time.Duration // per-read deadline handed to the reader
}

// DefaultConfig mirrors the bridge defaults.
func DefaultConfig() Config {
	return Config{
		Throttle:    50 * time.Millisecond,
		RetryLimit:  3,
		Unit:        time.Second,
		ReadTimeout: 10 * time.Second,
	}
}

// Scheduler is the single-flight read scheduler of one bridge.
type Scheduler struct {
	mu        sync.Mutex // guards everything below and serialises mutation against ticks
	cfg       Config
	jobs      *jobmanager.JobManager
	reader    Reader
	clock     clock.Clock
	exec      worker.Executor
	metrics   *metrics.Collector
	log       zerolog.Logger
	started   bool
	running   bool        // a tick is executing
	timer     clock.Timer // pending wake, nil when none
	wakeAt    time.Time
	gen       uint64
	notBefore time.Time // throttle deadline after the last read
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the real clock.
func WithClock(c clock.Clock) Option { return func(s *Scheduler) { s.clock = c } }

// WithExecutor runs ticks on e instead of inline.
func WithExecutor(e worker.Executor) Option { return func(s *Scheduler) { s.exec = e } }

// WithMetrics attaches a collector.
func WithMetrics(m *metrics.Collector) Option { return func(s *Scheduler) { s.metrics = m } }

// New creates a stopped scheduler.
func New(cfg Config, reader Reader, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.Unit <= 0 {
		cfg.Unit = def.Unit
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = def.RetryLimit
	}
	if cfg.Throttle < 0 {
		cfg.Throttle = 0
	}

	s := &Scheduler{
		cfg:    cfg,
		reader: reader,
		clock:  clock.Real(),
		exec:   worker.Inline{},
		log:    log.WithComponent("scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.jobs = jobmanager.NewJobManager(cfg.Unit, cfg.Unit)
	return s
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start arms the first reschedule pass.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.log.Debug().Int("jobs", s.jobs.Len()).Msg("scheduler started")
	s.rescheduleLocked()
}

// Shutdown cancels the pending wake-up. Jobs stay in place.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	s.cancelTimerLocked()
	s.log.Debug().Int("jobs", s.jobs.Len()).Msg("scheduler shut down")
}

// Running reports whether the scheduler is started.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// ============================================================================
// Job set mutation
// ============================================================================

// ScheduleRead adds a read job for addr. interval 0 reads once with up to
// RetryLimit attempts; interval > 0 reads periodically.
func (s *Scheduler) ScheduleRead(addr types.GroupAddress, interval time.Duration) error {
	budget := jobmanager.Unlimited
	if interval == 0 {
		budget = s.cfg.RetryLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, changed, err := s.jobs.Add(addr, interval, budget, s.clock.Now())
	if err != nil {
		return bridgeerrors.Config("interval", interval.String(), "cannot schedule read of %s: %v", addr, err)
	}
	s.log.Debug().
		Str("address", addr.String()).
		Dur("interval", job.Interval).
		Int("budget", job.Budget).
		Bool("changed", changed).
		Msg("read scheduled")
	s.metrics.SetReadJobs(s.jobs.Len())
	s.rescheduleLocked()
	return nil
}

// UnscheduleRead removes every job for addr. Removing an address with no
// job is an InternalInvariantError the caller may ignore.
func (s *Scheduler) UnscheduleRead(addr types.GroupAddress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.jobs.RemoveAddress(addr) == 0 {
		return bridgeerrors.Invariant("unschedule", addr.String(), bridgeerrors.ErrNoJob)
	}
	s.log.Debug().Str("address", addr.String()).Msg("read unscheduled")
	s.metrics.SetReadJobs(s.jobs.Len())
	s.rescheduleLocked()
	return nil
}

// Satisfied tells the scheduler the bus just carried a value for addr.
// A pending one-shot read is cancelled; periodic jobs keep their phase.
func (s *Scheduler) Satisfied(addr types.GroupAddress) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.jobs.RemoveSatisfied(addr) {
		return false
	}
	s.log.Trace().Str("address", addr.String()).Msg("pending read satisfied")
	s.metrics.SetReadJobs(s.jobs.Len())
	s.rescheduleLocked()
	return true
}

// Jobs returns a snapshot of the scheduled jobs, earliest first.
func (s *Scheduler) Jobs() []jobmanager.ReadJob {
	return s.jobs.Jobs()
}

// Len returns the number of scheduled jobs.
func (s *Scheduler) Len() int {
	return s.jobs.Len()
}

// ============================================================================
// Wake-up and tick
// ============================================================================

// rescheduleLocked arms the wake timer for the current head job.
func (s *Scheduler) rescheduleLocked() {
	if !s.started || s.running {
		return
	}

	head, ok := s.jobs.Peek()
	if !ok {
		s.cancelTimerLocked()
		return
	}

	wake := head.Due
	if s.notBefore.After(wake) {
		wake = s.notBefore
	}
	if s.timer != nil && s.wakeAt.Equal(wake) {
		return
	}

	s.cancelTimerLocked()
	gen := s.gen
	s.wakeAt = wake
	s.timer = s.clock.AfterFunc(wake.Sub(s.clock.Now()), func() { s.wake(gen) })
	s.log.Trace().
		Str("address", head.Address.String()).
		Time("wake_at", wake).
		Msg("wake-up armed")
}

func (s *Scheduler) cancelTimerLocked() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.wakeAt = time.Time{}
}

// wake runs on the timer goroutine and hands the tick to the executor.
func (s *Scheduler) wake(gen uint64) {
	err := s.exec.Submit(worker.Task{
		Name:    "scheduler.tick",
		Timeout: s.cfg.ReadTimeout,
		Run: func(ctx context.Context) error {
			s.tick(ctx, gen)
			return nil
		},
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("tick could not be submitted")
		s.mu.Lock()
		if s.gen == gen {
			s.timer = nil
			s.wakeAt = time.Time{}
		}
		s.mu.Unlock()
	}
}

func (s *Scheduler) tick(ctx context.Context, gen uint64) {
	start := time.Now()

	s.mu.Lock()
	if !s.started || gen != s.gen || s.running {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.wakeAt = time.Time{}

	now := s.clock.Now()
	if now.Before(s.notBefore) {
		// spurious early wake: honour the throttle
		s.rescheduleLocked()
		s.mu.Unlock()
		return
	}

	job, removed, ok := s.jobs.Fire(now)
	if !ok {
		// head was removed or replaced since the timer was armed
		s.rescheduleLocked()
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.notBefore = s.clock.Now().Add(s.cfg.Throttle)
		s.metrics.SetReadJobs(s.jobs.Len())
		s.rescheduleLocked()
		s.mu.Unlock()

		s.metrics.ObserveTick(time.Since(start))
	}()

	err := s.read(ctx, job.Address)
	ev := s.log.Debug()
	if err != nil {
		ev = s.log.Warn().Err(err)
	}
	ev.Str("address", job.Address.String()).
		Int("budget", job.Budget).
		Bool("removed", removed).
		Msg("read fired")
	s.metrics.RecordRead(err)
}

// read calls the reader and turns a panic into a failed read.
func (s *Scheduler) read(ctx context.Context, addr types.GroupAddress) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Str("address", addr.String()).
				Interface("panic", r).
				Msg("reader panicked")
			err = bridgeerrors.Transport("read", addr.String(), fmt.Errorf("reader panicked: %v", r))
		}
	}()
	return s.reader.Read(ctx, addr)
}
