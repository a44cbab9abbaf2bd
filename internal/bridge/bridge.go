// ============================================================================
// fieldbus-bridge - bridge coordinator
// ============================================================================
//
// Package: internal/bridge
// File: bridge.go
// Purpose: assemble one bridge instance and expose its public API
//
// Components owned by a Bridge:
//   - Supervisor:  the link and its reconnect state machine
//   - Scheduler:   single-flight datapoint reads
//   - Dispatcher:  inbound fan-out and outbound read/write path
//   - Suppressor:  echo records of our own writes
//   - Pool:        executor for scheduler ticks and reconnect attempts
//
// Wiring (supervisor hooks):
//   Up     -> scheduler.Start     (re-arm reads on every (re)connect)
//   Down   -> scheduler.Shutdown  (no reads while the link is gone)
//   Frame  -> dispatcher.HandleFrame
//   Status -> OnStatus subscribers
//
// Lifecycle:
//   1. New()        - everything built, nothing running
//   2. Connect()    - pool + result loop started once, link opened
//   3. Disconnect() - link closed, reads paused, jobs kept
//   4. Close()      - Disconnect, then pool stopped and result loop joined
//
// Shutdown order matters: the link goes first so no new task is submitted,
// then the pool stops (which ends the result loop), then we wait for it.
//
// ============================================================================

package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/fieldbus-bridge/internal/clock"
	"github.com/ChuLiYu/fieldbus-bridge/internal/dispatcher"
	"github.com/ChuLiYu/fieldbus-bridge/internal/echo"
	bridgeerrors "github.com/ChuLiYu/fieldbus-bridge/internal/errors"
	"github.com/ChuLiYu/fieldbus-bridge/internal/jobmanager"
	"github.com/ChuLiYu/fieldbus-bridge/internal/link"
	"github.com/ChuLiYu/fieldbus-bridge/internal/log"
	"github.com/ChuLiYu/fieldbus-bridge/internal/mapper"
	"github.com/ChuLiYu/fieldbus-bridge/internal/metrics"
	"github.com/ChuLiYu/fieldbus-bridge/internal/scheduler"
	"github.com/ChuLiYu/fieldbus-bridge/internal/supervisor"
	"github.com/ChuLiYu/fieldbus-bridge/internal/worker"
	"github.com/ChuLiYu/fieldbus-bridge/pkg/types"
)

// ============================================================================
// Configuration
// ============================================================================

// Config holds everything a Bridge needs besides its dialer.
type Config struct {
	WorkerCount    int               // pool goroutines
	WorkerBuffer   int               // pool task/result buffer
	Supervisor     supervisor.Config // reconnect behaviour
	Scheduler      scheduler.Config  // read throttle and retries
	Echo           echo.Options      // echo record bounds (Clock is filled in)
	WriteRateLimit float64           // outbound writes per second, 0 = unlimited
}

// DefaultConfig returns the bridge defaults.
func DefaultConfig() Config {
	return Config{
		WorkerCount:  4,
		WorkerBuffer: 64,
		Supervisor: supervisor.Config{
			AutoReconnectPeriod: 60 * time.Second,
			OpenTimeout:         10 * time.Second,
		},
		Scheduler: scheduler.DefaultConfig(),
		Echo:      echo.Options{Capacity: 1024},
	}
}

// Option customises a Bridge.
type Option func(*options)

type options struct {
	clock   clock.Clock
	exec    worker.Executor
	metrics *metrics.Collector
}

// WithClock replaces the real clock in every component.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithExecutor replaces the worker pool. The bridge then starts no pool.
func WithExecutor(e worker.Executor) Option { return func(o *options) { o.exec = e } }

// WithMetrics attaches a collector to every component.
func WithMetrics(m *metrics.Collector) Option { return func(o *options) { o.metrics = m } }

// ============================================================================
// Bridge
// ============================================================================

// Bridge is one supervised bus connection with its read scheduler.
type Bridge struct {
	mu          sync.Mutex
	subscribers map[int]func(types.Status)
	nextSub     int
	started     bool
	closed      bool
	startTime   time.Time

	holdMu sync.Mutex // serialises HoldRead, ReleaseRead and UnscheduleRead
	holds  map[types.GroupAddress]int

	cfg      Config
	endpoint string
	pool     *worker.Pool // nil when an executor was injected
	sup      *supervisor.Supervisor
	sched    *scheduler.Scheduler
	disp     *dispatcher.Dispatcher
	echoes   *echo.Suppressor
	mapper   mapper.Mapper
	log      zerolog.Logger
	loopWg   sync.WaitGroup
}

// New builds a bridge on dialer. Nothing runs until Connect.
func New(cfg Config, dialer link.Dialer, opts ...Option) (*Bridge, error) {
	if dialer == nil {
		return nil, bridgeerrors.Config("bridge.type", "", "no transport configured")
	}
	o := options{clock: clock.Real()}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = DefaultConfig().WorkerCount
	}
	if cfg.WorkerBuffer <= 0 {
		cfg.WorkerBuffer = DefaultConfig().WorkerBuffer
	}

	b := &Bridge{
		cfg:         cfg,
		endpoint:    dialer.Endpoint(),
		subscribers: make(map[int]func(types.Status)),
		holds:       make(map[types.GroupAddress]int),
		mapper:      mapper.New(),
		log:         log.WithComponent("bridge").With().Str("endpoint", dialer.Endpoint()).Logger(),
	}

	exec := o.exec
	if exec == nil {
		b.pool = worker.NewPool(cfg.WorkerBuffer)
		exec = b.pool
	}

	echoOpts := cfg.Echo
	echoOpts.Clock = o.clock
	b.echoes = echo.New(echoOpts)

	b.sup = supervisor.New(cfg.Supervisor, dialer, supervisor.Hooks{
		Frame:  func(_ link.Link, f link.Frame) { b.disp.HandleFrame(f) },
		Status: b.publish,
		Up:     func() { b.sched.Start() },
		Down:   func() { b.sched.Shutdown() },
	},
		supervisor.WithClock(o.clock),
		supervisor.WithExecutor(exec),
		supervisor.WithMetrics(o.metrics),
	)

	b.disp = dispatcher.New(b.sup, b.mapper, b.echoes,
		dispatcher.WithRateLimit(cfg.WriteRateLimit),
		dispatcher.WithMetrics(o.metrics),
	)

	b.sched = scheduler.New(cfg.Scheduler, b.disp,
		scheduler.WithClock(o.clock),
		scheduler.WithExecutor(exec),
		scheduler.WithMetrics(o.metrics),
	)
	b.disp.SetTracker(b.sched)

	return b, nil
}

// ============================================================================
// Connection
// ============================================================================

// Connect starts the executor on first use and opens the link. It is the
// only operation that returns a connection failure to the caller.
func (b *Bridge) Connect(ctx context.Context) error {
	if err := b.start(); err != nil {
		return err
	}
	return b.sup.Connect(ctx)
}

func (b *Bridge) start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return bridgeerrors.Transport("connect", b.endpoint, bridgeerrors.ErrShutdown)
	}
	if b.started {
		return nil
	}
	b.startTime = time.Now()

	if b.pool != nil {
		if err := b.pool.Start(b.cfg.WorkerCount); err != nil {
			return err
		}
		b.loopWg.Add(1)
		go b.resultLoop()
	}
	b.started = true
	b.log.Info().Int("workers", b.cfg.WorkerCount).Msg("bridge started")
	return nil
}

// Disconnect closes the link and stops automatic reconnection. Read jobs
// are kept and resume on the next Connect.
func (b *Bridge) Disconnect() {
	b.sup.Disconnect()
}

// Close disconnects and releases the executor. The bridge cannot be
// reconnected afterwards.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.log.Info().Msg("closing bridge")
	b.sup.Disconnect()
	b.sched.Shutdown()
	if b.pool != nil {
		b.pool.Stop()
	}
	b.loopWg.Wait()
	b.log.Info().Msg("bridge closed")
}

// IsOnline reports whether the link is open.
func (b *Bridge) IsOnline() bool { return b.sup.IsOnline() }

// Status returns the last published status.
func (b *Bridge) Status() types.Status { return b.sup.Status() }

// OnStatus subscribes fn to status transitions and returns a function that
// cancels the subscription.
func (b *Bridge) OnStatus(fn func(types.Status)) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSub
	b.nextSub++
	b.subscribers[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subscribers, id)
	}
}

func (b *Bridge) publish(st types.Status) {
	b.mu.Lock()
	subs := make([]func(types.Status), 0, len(b.subscribers))
	for id := 0; id < b.nextSub; id++ {
		if fn, ok := b.subscribers[id]; ok {
			subs = append(subs, fn)
		}
	}
	b.mu.Unlock()

	b.log.Info().Str("state", string(st.State)).Str("detail", string(st.Detail)).Str("message", st.Message).Msg("status changed")
	for _, fn := range subs {
		fn(st)
	}
}

// ============================================================================
// Reads, writes and listeners
// ============================================================================

// ScheduleRead reads addr once (interval 0, with retries) or every interval.
func (b *Bridge) ScheduleRead(addr types.GroupAddress, interval time.Duration) error {
	return b.sched.ScheduleRead(addr, interval)
}

// UnscheduleRead drops the read job of addr whoever holds it. An address
// without a job is reported as an invariant error and is otherwise harmless.
func (b *Bridge) UnscheduleRead(addr types.GroupAddress) error {
	b.holdMu.Lock()
	defer b.holdMu.Unlock()

	delete(b.holds, addr)

	err := b.sched.UnscheduleRead(addr)
	if err != nil {
		b.log.Debug().Err(err).Str("address", addr.String()).Msg("nothing to unschedule")
	}
	return err
}

// HoldRead schedules a read of addr on behalf of one holder. Jobs are keyed
// by address, so holders of the same address share a single job and the
// last interval wins.
func (b *Bridge) HoldRead(addr types.GroupAddress, interval time.Duration) error {
	b.holdMu.Lock()
	defer b.holdMu.Unlock()

	if err := b.sched.ScheduleRead(addr, interval); err != nil {
		return err
	}
	b.holds[addr]++
	return nil
}

// ReleaseRead gives up one hold on addr. The job is unscheduled when the
// last holder lets go.
func (b *Bridge) ReleaseRead(addr types.GroupAddress) error {
	b.holdMu.Lock()
	defer b.holdMu.Unlock()

	n, ok := b.holds[addr]
	if !ok {
		return bridgeerrors.Invariant("release", addr.String(), bridgeerrors.ErrNoJob)
	}
	if n > 1 {
		b.holds[addr] = n - 1
		b.log.Debug().Str("address", addr.String()).Int("holders", n-1).Msg("read still held")
		return nil
	}
	delete(b.holds, addr)
	if err := b.sched.UnscheduleRead(addr); err != nil {
		// a satisfied one-shot read is already gone
		b.log.Debug().Err(err).Str("address", addr.String()).Msg("nothing to unschedule")
	}
	return nil
}

// WriteValue sends v to addr. An empty dpt selects the default datapoint
// type of the value's kind. The result reports whether the telegram left.
func (b *Bridge) WriteValue(ctx context.Context, addr types.GroupAddress, v mapper.Value, dpt mapper.DPT) bool {
	if dpt == "" {
		def, ok := mapper.DefaultDPT(v.Kind())
		if !ok {
			b.log.Warn().Str("address", addr.String()).Str("kind", v.Kind().String()).Msg("no default datapoint type")
			return false
		}
		dpt = def
	}
	return b.disp.Write(ctx, addr, v, dpt)
}

// RegisterListener adds l to the inbound fan-out.
func (b *Bridge) RegisterListener(l dispatcher.Listener) { b.disp.Register(l) }

// UnregisterListener removes l.
func (b *Bridge) UnregisterListener(l dispatcher.Listener) bool { return b.disp.Unregister(l) }

// Jobs returns the scheduled reads, earliest first.
func (b *Bridge) Jobs() []jobmanager.ReadJob { return b.sched.Jobs() }

// GetStatus summarises the bridge for the admin surface.
func (b *Bridge) GetStatus() map[string]interface{} {
	b.mu.Lock()
	uptime := time.Duration(0)
	if b.started {
		uptime = time.Since(b.startTime)
	}
	b.mu.Unlock()

	st := b.sup.Status()
	return map[string]interface{}{
		"uptime":       uptime.Round(time.Second).String(),
		"online":       b.sup.IsOnline(),
		"state":        b.sup.State().String(),
		"status":       string(st.State),
		"detail":       string(st.Detail),
		"message":      st.Message,
		"workers":      b.cfg.WorkerCount,
		"read_jobs":    b.sched.Len(),
		"listeners":    b.disp.Listeners(),
		"echo_pending": b.echoes.Len(),
	}
}

// ============================================================================
// Result loop
// ============================================================================

// resultLoop drains pool results until the pool is stopped.
func (b *Bridge) resultLoop() {
	defer b.loopWg.Done()
	for {
		result, err := b.pool.ReceiveResult()
		if err != nil {
			b.log.Debug().Msg("result loop stopped")
			return
		}
		if result.Err != nil {
			b.log.Debug().Err(result.Err).
				Str("task", result.Name).
				Dur("duration", result.Duration).
				Msg("task failed")
		}
	}
}
