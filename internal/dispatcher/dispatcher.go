// ============================================================================
// fieldbus-bridge bus event dispatcher
// ============================================================================
//
// Package: internal/dispatcher
// File: dispatcher.go
// Purpose: fan inbound telegrams out to listeners and send outbound reads
// and writes through the supervised link
//
// Inbound path (HandleFrame):
//   empty payload      -> dropped silently
//   otherwise          -> scheduler notified (pending one-shot read satisfied)
//                      -> echo of our own write? consumed and dropped
//                      -> every listener, in registration order
//
// Outbound path (Read, Write):
//   link fetched fresh from the supervisor for every attempt; a transport
//   error is retried exactly once on a newly fetched link. Writes record an
//   echo signature before sending and pass the optional rate limiter.
//
// Listener registration is copy-on-write: dispatch iterates an immutable
// snapshot, so concurrent Register/Unregister never tear the list.
//
// ============================================================================

package dispatcher

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/fieldbus-bridge/internal/echo"
	bridgeerrors "github.com/ChuLiYu/fieldbus-bridge/internal/errors"
	"github.com/ChuLiYu/fieldbus-bridge/internal/link"
	"github.com/ChuLiYu/fieldbus-bridge/internal/log"
	"github.com/ChuLiYu/fieldbus-bridge/internal/mapper"
	"github.com/ChuLiYu/fieldbus-bridge/internal/metrics"
	"github.com/ChuLiYu/fieldbus-bridge/pkg/types"
)

// Listener receives every inbound bus event that is not our own echo.
type Listener interface {
	OnEvent(source types.IndividualAddress, destination types.GroupAddress, payload []byte) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(source types.IndividualAddress, destination types.GroupAddress, payload []byte) error

// OnEvent calls f.
func (f ListenerFunc) OnEvent(source types.IndividualAddress, destination types.GroupAddress, payload []byte) error {
	return f(source, destination, payload)
}

// LinkProvider hands out the current link, re-opening it when needed.
type LinkProvider interface {
	Link(ctx context.Context) (link.Link, error)
}

// ReadTracker is told when the bus answered an address.
type ReadTracker interface {
	Satisfied(addr types.GroupAddress) bool
}

// ValueMapper converts application values to payloads.
type ValueMapper interface {
	Encode(v mapper.Value, d mapper.DPT) ([]byte, error)
}

// Dispatcher routes bus events of one bridge.
type Dispatcher struct {
	links    LinkProvider
	mapper   ValueMapper
	echoes   *echo.Suppressor
	limiter  *rate.Limiter
	metrics  *metrics.Collector
	log      zerolog.Logger
	tracker  atomic.Pointer[trackerBox]
	regMu    sync.Mutex // serialises writers of listeners
	listener atomic.Pointer[[]Listener]
}

type trackerBox struct{ ReadTracker }

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithRateLimit caps outbound writes per second (0 = unlimited).
func WithRateLimit(perSecond float64) Option {
	return func(d *Dispatcher) {
		if perSecond > 0 {
			burst := int(perSecond)
			if burst < 1 {
				burst = 1
			}
			d.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithMetrics attaches a collector.
func WithMetrics(m *metrics.Collector) Option { return func(d *Dispatcher) { d.metrics = m } }

// New creates a dispatcher with no listeners.
func New(links LinkProvider, m ValueMapper, echoes *echo.Suppressor, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		links:  links,
		mapper: m,
		echoes: echoes,
		log:    log.WithComponent("dispatcher"),
	}
	empty := []Listener{}
	d.listener.Store(&empty)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetTracker installs the scheduler notified on inbound events.
func (d *Dispatcher) SetTracker(t ReadTracker) {
	if t == nil {
		d.tracker.Store(nil)
		return
	}
	d.tracker.Store(&trackerBox{t})
}

// ============================================================================
// Listener registration
// ============================================================================

// Register adds l. Registering the same listener twice delivers twice.
func (d *Dispatcher) Register(l Listener) {
	d.regMu.Lock()
	defer d.regMu.Unlock()

	old := *d.listener.Load()
	next := make([]Listener, len(old), len(old)+1)
	copy(next, old)
	next = append(next, l)
	d.listener.Store(&next)
}

// Unregister removes the first registration of l and reports whether one
// was found. l must be comparable; a ListenerFunc cannot be unregistered.
func (d *Dispatcher) Unregister(l Listener) bool {
	d.regMu.Lock()
	defer d.regMu.Unlock()

	old := *d.listener.Load()
	for i, candidate := range old {
		if candidate == l {
			next := make([]Listener, 0, len(old)-1)
			next = append(next, old[:i]...)
			next = append(next, old[i+1:]...)
			d.listener.Store(&next)
			return true
		}
	}
	return false
}

// Listeners returns the number of registered listeners.
func (d *Dispatcher) Listeners() int {
	return len(*d.listener.Load())
}

// ============================================================================
// Inbound
// ============================================================================

// HandleFrame processes one inbound frame.
func (d *Dispatcher) HandleFrame(f link.Frame) {
	if len(f.Payload) == 0 {
		return
	}
	d.metrics.RecordInbound()

	if box := d.tracker.Load(); box != nil {
		box.Satisfied(f.Destination)
	}

	if d.echoes != nil && d.echoes.ShouldSuppress(echo.NewSignature(f.Destination, f.Payload)) {
		d.metrics.RecordEchoSuppressed()
		d.log.Trace().
			Str("address", f.Destination.String()).
			Str("payload", hex.EncodeToString(f.Payload)).
			Msg("echo suppressed")
		return
	}

	for _, l := range *d.listener.Load() {
		d.deliver(l, f)
	}
}

// deliver isolates one listener's failure or panic from the others.
func (d *Dispatcher) deliver(l Listener, f link.Frame) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.RecordListenerError()
			d.log.Error().
				Str("address", f.Destination.String()).
				Interface("panic", r).
				Msg("listener panicked")
		}
	}()
	if err := l.OnEvent(f.Source, f.Destination, f.Payload); err != nil {
		d.metrics.RecordListenerError()
		d.log.Warn().Err(err).
			Str("address", f.Destination.String()).
			Str("source", f.Source.String()).
			Msg("listener failed")
	}
}

// ============================================================================
// Outbound
// ============================================================================

// Read sends a read request for addr.
func (d *Dispatcher) Read(ctx context.Context, addr types.GroupAddress) error {
	return d.send(ctx, "read", link.Frame{Kind: link.FrameRead, Destination: addr})
}

// Write encodes v with dpt and sends it to addr. The result is true when
// the telegram reached the link. Failures are logged, never raised.
func (d *Dispatcher) Write(ctx context.Context, addr types.GroupAddress, v mapper.Value, dpt mapper.DPT) bool {
	payload, err := d.mapper.Encode(v, dpt)
	if err != nil {
		encErr := bridgeerrors.Encoding(addr.String(), string(dpt), fmt.Sprint(v), err)
		d.log.Warn().Err(encErr).Str("address", addr.String()).Msg("value not written")
		d.metrics.RecordWrite(metrics.WriteRejected)
		return false
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			d.log.Warn().Err(err).Str("address", addr.String()).Msg("write cancelled while rate limited")
			d.metrics.RecordWrite(metrics.WriteFailed)
			return false
		}
	}

	sig := echo.NewSignature(addr, payload)
	if d.echoes != nil {
		d.echoes.RecordOutbound(sig)
	}

	if err := d.send(ctx, "write", link.Frame{Kind: link.FrameWrite, Destination: addr, Payload: payload}); err != nil {
		// the echo will never come
		if d.echoes != nil {
			d.echoes.ShouldSuppress(sig)
		}
		d.log.Error().Err(err).Str("address", addr.String()).Str("value", v.String()).Msg("giving up on write")
		return false
	}
	return true
}

// send tries once, and once more on a freshly fetched link after a
// transport error.
func (d *Dispatcher) send(ctx context.Context, op string, f link.Frame) error {
	err := d.attempt(ctx, f)
	if err == nil {
		if op == "write" {
			d.metrics.RecordWrite(metrics.WriteOK)
		}
		return nil
	}
	if !bridgeerrors.IsTransport(err) || ctx.Err() != nil {
		if op == "write" {
			d.metrics.RecordWrite(metrics.WriteFailed)
		}
		return err
	}

	d.log.Warn().Err(err).Str("op", op).Str("address", f.Destination.String()).Msg("send failed, retrying once")
	if err = d.attempt(ctx, f); err != nil {
		if op == "write" {
			d.metrics.RecordWrite(metrics.WriteFailed)
		}
		return err
	}
	if op == "write" {
		d.metrics.RecordWrite(metrics.WriteRetried)
	}
	return nil
}

func (d *Dispatcher) attempt(ctx context.Context, f link.Frame) error {
	l, err := d.links.Link(ctx)
	if err != nil {
		return err
	}
	return l.Send(ctx, f)
}
