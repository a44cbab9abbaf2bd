package link

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	bridgeerrors "github.com/ChuLiYu/fieldbus-bridge/internal/errors"
	"github.com/ChuLiYu/fieldbus-bridge/internal/log"
)

// MemoryNetwork is an in-process bus. Links opened on it deliver frames
// synchronously, which makes it suitable for deterministic tests and the
// demo. Faults (refused opens, failing sends, dropped links) are injected
// explicitly.
type MemoryNetwork struct {
	mu        sync.Mutex
	name      string
	links     []*memoryLink
	opens     int
	failOpens int
	failSends int
	openErr   error
	sent      []Frame
	responder func(Frame) []Frame
	log       zerolog.Logger
}

// NewMemoryNetwork creates an empty in-process bus.
func NewMemoryNetwork(name string) *MemoryNetwork {
	return &MemoryNetwork{name: name, log: log.WithComponent("link.memory")}
}

// Endpoint returns "memory:<name>".
func (n *MemoryNetwork) Endpoint() string { return "memory:" + n.name }

// FailOpens makes the next count Open calls fail with err.
func (n *MemoryNetwork) FailOpens(count int, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failOpens = count
	n.openErr = err
}

// FailSends makes the next count Send calls fail.
func (n *MemoryNetwork) FailSends(count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failSends = count
}

// SetResponder installs a function that answers sent frames (for example a
// read request with a response telegram).
func (n *MemoryNetwork) SetResponder(fn func(Frame) []Frame) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.responder = fn
}

// Opens returns how many Open calls were made, successful or not.
func (n *MemoryNetwork) Opens() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.opens
}

// Sent returns a copy of every frame successfully sent on the network.
func (n *MemoryNetwork) Sent() []Frame {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Frame, len(n.sent))
	copy(out, n.sent)
	return out
}

// OpenLinks returns how many links are currently open.
func (n *MemoryNetwork) OpenLinks() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, l := range n.links {
		if l.IsOpen() {
			count++
		}
	}
	return count
}

// Open implements Dialer.
func (n *MemoryNetwork) Open(ctx context.Context, h Handler) (Link, error) {
	n.mu.Lock()
	n.opens++
	if err := ctx.Err(); err != nil {
		n.mu.Unlock()
		return nil, bridgeerrors.Transport("open", n.Endpoint(), err)
	}
	if n.failOpens > 0 {
		n.failOpens--
		err := n.openErr
		if err == nil {
			err = fmt.Errorf("connection refused")
		}
		n.mu.Unlock()
		return nil, bridgeerrors.Transport("open", n.Endpoint(), err)
	}

	l := &memoryLink{network: n}
	l.session = newSession(n.Endpoint(), h, n.log)
	l.self = l
	n.links = append(n.links, l)
	n.mu.Unlock()
	return l, nil
}

// Inject delivers f to every open link as an inbound frame.
func (n *MemoryNetwork) Inject(f Frame) {
	for _, l := range n.openLinks() {
		l.deliver(f)
	}
}

// Drop closes every open link as if the transport failed.
func (n *MemoryNetwork) Drop(reason string) {
	for _, l := range n.openLinks() {
		l.finish(CloseEvent{Reason: reason, Requested: false})
	}
}

func (n *MemoryNetwork) openLinks() []*memoryLink {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*memoryLink, 0, len(n.links))
	for _, l := range n.links {
		if l.IsOpen() {
			out = append(out, l)
		}
	}
	return out
}

type memoryLink struct {
	*session
	network *MemoryNetwork
}

func (l *memoryLink) Send(ctx context.Context, f Frame) error {
	if !l.IsOpen() {
		return l.closedErr("send")
	}
	if err := ctx.Err(); err != nil {
		return bridgeerrors.Transport("send", l.endpoint, err)
	}

	n := l.network
	n.mu.Lock()
	if n.failSends > 0 {
		n.failSends--
		n.mu.Unlock()
		return bridgeerrors.Transport("send", l.endpoint, fmt.Errorf("simulated send failure"))
	}
	n.sent = append(n.sent, f)
	responder := n.responder
	n.mu.Unlock()

	if responder != nil {
		for _, reply := range responder(f) {
			n.Inject(reply)
		}
	}
	return nil
}

func (l *memoryLink) Close(reason string) {
	l.finish(CloseEvent{Reason: reason, Requested: true})
}
