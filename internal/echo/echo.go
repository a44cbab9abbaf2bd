// Package echo recognises inbound telegrams that are the bus echo of a
// write this bridge sent itself.
//
// Each recorded signature is consumed at most once: the first matching
// inbound event is suppressed, an identical second one is genuine. Records
// belong to one Suppressor (one per bridge). An optional capacity evicts the
// oldest record and an optional TTL lets unmatched records expire.
package echo

import (
	"container/list"
	"sync"
	"time"

	"github.com/ChuLiYu/fieldbus-bridge/internal/clock"
	"github.com/ChuLiYu/fieldbus-bridge/pkg/types"
)

// Signature identifies one self-originated event.
type Signature struct {
	Address types.GroupAddress
	Payload string // encoded payload bytes
}

// NewSignature builds a signature from a destination and payload.
func NewSignature(addr types.GroupAddress, payload []byte) Signature {
	return Signature{Address: addr, Payload: string(payload)}
}

// Options bound the pending set. Zero values mean unbounded.
type Options struct {
	Capacity int
	TTL      time.Duration
	Clock    clock.Clock
}

// Suppressor is safe for concurrent use.
type Suppressor struct {
	mu      sync.Mutex
	opts    Options
	order   *list.List // of *record, oldest first
	pending map[Signature][]*list.Element
}

type record struct {
	sig     Signature
	created time.Time
}

// New creates an empty suppressor.
func New(opts Options) *Suppressor {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Suppressor{
		opts:    opts,
		order:   list.New(),
		pending: make(map[Signature][]*list.Element),
	}
}

// RecordOutbound registers sig as awaiting its echo. Recording the same
// signature twice expects two echoes.
func (s *Suppressor) RecordOutbound(sig Signature) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked()
	if s.opts.Capacity > 0 && s.order.Len() >= s.opts.Capacity {
		s.removeLocked(s.order.Front())
	}
	el := s.order.PushBack(&record{sig: sig, created: s.opts.Clock.Now()})
	s.pending[sig] = append(s.pending[sig], el)
}

// ShouldSuppress consumes one record for sig and reports whether there was
// one.
func (s *Suppressor) ShouldSuppress(sig Signature) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked()
	els := s.pending[sig]
	if len(els) == 0 {
		return false
	}
	s.removeLocked(els[0])
	return true
}

// Len returns the number of pending records.
func (s *Suppressor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	return s.order.Len()
}

func (s *Suppressor) expireLocked() {
	if s.opts.TTL <= 0 {
		return
	}
	cutoff := s.opts.Clock.Now().Add(-s.opts.TTL)
	for el := s.order.Front(); el != nil; el = s.order.Front() {
		if el.Value.(*record).created.After(cutoff) {
			return
		}
		s.removeLocked(el)
	}
}

func (s *Suppressor) removeLocked(el *list.Element) {
	rec := el.Value.(*record)
	s.order.Remove(el)
	els := s.pending[rec.sig]
	for i, candidate := range els {
		if candidate == el {
			els = append(els[:i], els[i+1:]...)
			break
		}
	}
	if len(els) == 0 {
		delete(s.pending, rec.sig)
	} else {
		s.pending[rec.sig] = els
	}
}
