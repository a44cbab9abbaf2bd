// ============================================================================
// fieldbus-bridge reconnect supervisor
// ============================================================================
//
// Package: internal/supervisor
// File: supervisor.go
// Purpose: own the bus link, re-open it after involuntary loss and stop all
// activity on deliberate shutdown
//
// State machine:
//
//   DISCONNECTED --Connect()--> CONNECTING --open ok--> CONNECTED
//        ^                          |                       |
//        |                     open failed           link lost / Disconnect()
//        +--------------------------+                       |
//        +------------------- CLOSING <-----Disconnect()----+
//
// Events:
//   open-succeeded    CONNECTED, status ONLINE, Up hook (scheduler start)
//   open-failed       DISCONNECTED, status OFFLINE(COMMUNICATION_ERROR)
//   link-closed       DISCONNECTED, Down hook; when involuntary and not
//                     shutting down: one immediate re-open, then a retry
//                     every AutoReconnectPeriod until one succeeds
//   shutdown          flag set before the link is closed; no retry is
//                     started or continued until the next Connect()
//
// Concurrency:
//   connectMu serialises Connect, Disconnect and every re-open attempt.
//   mu guards state and is never held across a blocking call. Re-opens
//   triggered by a lost link run as executor tasks.
//
// ============================================================================

package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/fieldbus-bridge/internal/clock"
	bridgeerrors "github.com/ChuLiYu/fieldbus-bridge/internal/errors"
	"github.com/ChuLiYu/fieldbus-bridge/internal/link"
	"github.com/ChuLiYu/fieldbus-bridge/internal/log"
	"github.com/ChuLiYu/fieldbus-bridge/internal/metrics"
	"github.com/ChuLiYu/fieldbus-bridge/internal/worker"
	"github.com/ChuLiYu/fieldbus-bridge/pkg/types"
)

// State of the supervisor.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateClosing:
		return "CLOSING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Hooks connect the supervisor to the rest of the bridge. Every hook is
// optional and is called without internal locks held.
type Hooks struct {
	Frame  func(l link.Link, f link.Frame) // inbound frame on the current link
	Status func(types.Status)              // status transitions
	Up     func()                          // link opened
	Down   func()                          // link gone
}

// Config holds the supervisor settings.
type Config struct {
	AutoReconnectPeriod time.Duration // 0 disables periodic retries
	OpenTimeout         time.Duration // bound on one open attempt
}

// Supervisor owns the link of one bridge.
type Supervisor struct {
	connectMu sync.Mutex

	mu        sync.Mutex
	state     State
	current   link.Link
	shutdown  bool
	retry     clock.Timer
	retryGen  uint64
	lastState types.Status

	cfg     Config
	dialer  link.Dialer
	hooks   Hooks
	clock   clock.Clock
	exec    worker.Executor
	metrics *metrics.Collector
	log     zerolog.Logger
}

// Option customises a Supervisor.
type Option func(*Supervisor)

// WithClock replaces the real clock.
func WithClock(c clock.Clock) Option { return func(s *Supervisor) { s.clock = c } }

// WithExecutor runs re-open attempts on e.
func WithExecutor(e worker.Executor) Option { return func(s *Supervisor) { s.exec = e } }

// WithMetrics attaches a collector.
func WithMetrics(m *metrics.Collector) Option { return func(s *Supervisor) { s.metrics = m } }

// New creates a disconnected supervisor.
func New(cfg Config, dialer link.Dialer, hooks Hooks, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:       cfg,
		dialer:    dialer,
		hooks:     hooks,
		clock:     clock.Real(),
		exec:      worker.Inline{},
		log:       log.WithComponent("supervisor").With().Str("endpoint", dialer.Endpoint()).Logger(),
		lastState: types.Offline(types.DetailNone, "not connected"),
		shutdown:  true, // nothing reconnects before the first Connect
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ============================================================================
// Public API
// ============================================================================

// Connect opens the link. It clears a previous shutdown. A failed explicit
// open is returned to the caller and does not start automatic retries; a
// link that opens but is lost before it is adopted does arm the retry timer.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	s.shutdown = false
	if s.state == StateConnected && s.current != nil && s.current.IsOpen() {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.mu.Unlock()

	s.log.Info().Msg("connecting")
	return s.open(ctx)
}

// Disconnect stops retries and closes the link. After it returns no
// re-open is attempted until Connect is called again.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	s.shutdown = true
	s.stopRetryLocked()
	s.mu.Unlock()

	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	l := s.current
	s.state = StateClosing
	s.mu.Unlock()

	if l != nil {
		s.log.Info().Str("link_id", l.ID()).Msg("disconnecting")
		l.Close("disconnect requested")
	}

	s.mu.Lock()
	s.current = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	s.down()
	s.publish(types.Offline(types.DetailNone, "disconnected"))
}

// IsOnline reports whether a link is open.
func (s *Supervisor) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateConnected && s.current != nil && s.current.IsOpen()
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns the last published status.
func (s *Supervisor) Status() types.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastState
}

// Link returns the open link, re-opening it first if the cached one has
// closed. It fails with ErrNotConnected while shut down.
func (s *Supervisor) Link(ctx context.Context) (link.Link, error) {
	s.mu.Lock()
	l, shutdown := s.current, s.shutdown
	s.mu.Unlock()

	if l != nil && l.IsOpen() {
		return l, nil
	}
	if shutdown {
		return nil, bridgeerrors.Transport("link", s.dialer.Endpoint(), bridgeerrors.ErrNotConnected)
	}

	if err := s.reopen(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	l = s.current
	s.mu.Unlock()
	if l == nil || !l.IsOpen() {
		return nil, bridgeerrors.Transport("link", s.dialer.Endpoint(), bridgeerrors.ErrNotConnected)
	}
	return l, nil
}

// ============================================================================
// Link events
// ============================================================================

// handler adapts the supervisor to link.Handler.
type handler struct{ s *Supervisor }

func (h handler) OnFrame(l link.Link, f link.Frame) {
	h.s.mu.Lock()
	current := h.s.current == l
	h.s.mu.Unlock()
	if current && h.s.hooks.Frame != nil {
		h.s.hooks.Frame(l, f)
	}
}

func (h handler) OnClosed(l link.Link, ev link.CloseEvent) {
	h.s.onClosed(l, ev)
}

func (s *Supervisor) onClosed(l link.Link, ev link.CloseEvent) {
	s.mu.Lock()
	if s.current != l {
		s.mu.Unlock()
		return
	}
	s.current = nil
	requested := ev.Requested || s.shutdown
	if s.state != StateClosing {
		s.state = StateDisconnected
	}
	s.mu.Unlock()

	s.down()
	if requested {
		s.log.Debug().Str("link_id", l.ID()).Str("reason", ev.Reason).Msg("link closed on request")
		return
	}

	s.log.Warn().Str("link_id", l.ID()).Str("reason", ev.Reason).Msg("link lost, reconnecting")
	s.publish(types.Offline(types.DetailCommunicationError, ev.Reason))

	err := s.exec.Submit(worker.Task{
		Name:    "supervisor.reconnect",
		Timeout: s.cfg.OpenTimeout,
		Run:     s.reopen,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("reconnect could not be submitted")
	}
}

// ============================================================================
// Re-open and retry timer
// ============================================================================

// reopen makes one automatic open attempt and starts the retry timer when
// it fails.
func (s *Supervisor) reopen(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return bridgeerrors.ErrShutdown
	}
	if s.current != nil && s.current.IsOpen() {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.mu.Unlock()

	err := s.open(ctx)
	s.metrics.RecordReconnect(err)
	if err != nil {
		s.armRetry()
	}
	return err
}

func (s *Supervisor) armRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown || s.cfg.AutoReconnectPeriod <= 0 || s.retry != nil {
		return
	}
	s.retryGen++
	gen := s.retryGen
	s.retry = s.clock.AfterFunc(s.cfg.AutoReconnectPeriod, func() { s.retryTick(gen) })
	s.log.Debug().Dur("interval", s.cfg.AutoReconnectPeriod).Msg("retry timer armed")
}

func (s *Supervisor) retryTick(gen uint64) {
	s.mu.Lock()
	if s.shutdown || gen != s.retryGen {
		s.mu.Unlock()
		return
	}
	s.retry = nil
	s.mu.Unlock()

	err := s.exec.Submit(worker.Task{
		Name:    "supervisor.retry",
		Timeout: s.cfg.OpenTimeout,
		Run:     s.reopen,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("retry could not be submitted")
	}
}

func (s *Supervisor) stopRetryLocked() {
	s.retryGen++
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
}

// open dials the endpoint. Callers hold connectMu.
func (s *Supervisor) open(ctx context.Context) error {
	if s.cfg.OpenTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.OpenTimeout)
		defer cancel()
	}

	l, err := s.dialer.Open(ctx, handler{s})
	if err != nil {
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		s.log.Warn().Err(err).Msg("open failed")
		s.metrics.SetLinkOnline(false)
		s.publish(types.Offline(types.DetailCommunicationError, err.Error()))
		return err
	}

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		l.Close("shutdown during open")
		return bridgeerrors.Transport("open", s.dialer.Endpoint(), bridgeerrors.ErrShutdown)
	}
	// A close that landed before adoption was discarded by onClosed as
	// stale; checking under mu closes that window.
	if !l.IsOpen() {
		s.state = StateDisconnected
		s.mu.Unlock()
		s.log.Warn().Str("link_id", l.ID()).Msg("link closed during open")
		s.metrics.SetLinkOnline(false)
		s.publish(types.Offline(types.DetailCommunicationError, "link closed during open"))
		s.armRetry()
		return bridgeerrors.Transport("open", s.dialer.Endpoint(), bridgeerrors.ErrLinkClosed)
	}
	s.current = l
	s.state = StateConnected
	s.stopRetryLocked()
	s.mu.Unlock()

	s.log.Info().Str("link_id", l.ID()).Msg("connected")
	s.metrics.SetLinkOnline(true)
	if s.hooks.Up != nil {
		s.hooks.Up()
	}
	s.publish(types.Online())
	return nil
}

func (s *Supervisor) down() {
	s.metrics.SetLinkOnline(false)
	if s.hooks.Down != nil {
		s.hooks.Down()
	}
}

func (s *Supervisor) publish(st types.Status) {
	s.mu.Lock()
	changed := st != s.lastState
	s.lastState = st
	s.mu.Unlock()

	if changed && s.hooks.Status != nil {
		s.hooks.Status(st)
	}
}
