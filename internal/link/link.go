// Package link defines the transport capability the bridge core talks to
// (open, send, close, close notification) and ships the UDP, serial and
// in-memory implementations of it.
//
// A Link is never reopened: every successful Dialer.Open returns a fresh
// Link, and each Link reports its closure to its Handler exactly once,
// whether the owner asked for it or the transport failed underneath.
package link

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	bridgeerrors "github.com/ChuLiYu/fieldbus-bridge/internal/errors"
	"github.com/ChuLiYu/fieldbus-bridge/pkg/types"
)

// FrameKind distinguishes group telegram services.
type FrameKind uint8

const (
	FrameWrite FrameKind = iota + 1
	FrameRead
	FrameResponse
)

func (k FrameKind) String() string {
	switch k {
	case FrameWrite:
		return "write"
	case FrameRead:
		return "read"
	case FrameResponse:
		return "response"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Frame is one group telegram. Payload is opaque to the core.
type Frame struct {
	Kind        FrameKind
	Source      types.IndividualAddress
	Destination types.GroupAddress
	Payload     []byte
}

// CloseEvent describes why a Link closed.
type CloseEvent struct {
	Reason    string
	Requested bool // true when the owner called Close
}

// Handler receives inbound frames and the single close notification of a
// Link. Both may be called from the link's receive goroutine.
type Handler interface {
	OnFrame(l Link, f Frame)
	OnClosed(l Link, ev CloseEvent)
}

// Link is an open transport session.
type Link interface {
	ID() string
	Endpoint() string
	Send(ctx context.Context, f Frame) error
	Close(reason string)
	IsOpen() bool
}

// Dialer opens Links. Open fails with a TransportError when the endpoint
// cannot be resolved or refuses the connection.
type Dialer interface {
	Open(ctx context.Context, h Handler) (Link, error)
	Endpoint() string
}

// session carries the bookkeeping shared by every transport: identity, open
// state and the exactly-once close notification.
type session struct {
	id        string
	endpoint  string
	handler   Handler
	open      atomic.Bool
	closeOnce sync.Once
	closer    func() error
	self      Link
	log       zerolog.Logger
}

func newSession(endpoint string, h Handler, logger zerolog.Logger) *session {
	s := &session{
		id:       uuid.NewString(),
		endpoint: endpoint,
		handler:  h,
	}
	s.log = logger.With().Str("link_id", s.id).Str("endpoint", endpoint).Logger()
	s.open.Store(true)
	return s
}

func (s *session) ID() string       { return s.id }
func (s *session) Endpoint() string { return s.endpoint }
func (s *session) IsOpen() bool     { return s.open.Load() }

// finish closes the transport and notifies the handler, once.
func (s *session) finish(ev CloseEvent) {
	s.closeOnce.Do(func() {
		s.open.Store(false)
		if s.closer != nil {
			if err := s.closer(); err != nil {
				s.log.Debug().Err(err).Msg("transport close returned error")
			}
		}
		s.log.Debug().Str("reason", ev.Reason).Bool("requested", ev.Requested).Msg("link closed")
		if s.handler != nil {
			s.handler.OnClosed(s.self, ev)
		}
	})
}

func (s *session) deliver(f Frame) {
	if s.handler != nil && s.IsOpen() {
		s.handler.OnFrame(s.self, f)
	}
}

func (s *session) closedErr(op string) error {
	return bridgeerrors.Transport(op, s.endpoint, bridgeerrors.ErrLinkClosed)
}
