package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/rs/zerolog"

	bridgeerrors "github.com/ChuLiYu/fieldbus-bridge/internal/errors"
	"github.com/ChuLiYu/fieldbus-bridge/internal/log"
)

// IP connection modes.
const (
	ModeTunnel = "TUNNEL"
	ModeRouter = "ROUTER"

	DefaultPort        = 3671
	DefaultMulticastIP = "224.0.23.12"
)

// UDPConfig configures an IP gateway link.
type UDPConfig struct {
	Address string // gateway host (TUNNEL) or multicast group (ROUTER)
	Port    int
	Mode    string // ModeTunnel (default) or ModeRouter
	LocalIP string // optional local bind address
}

// UDPDialer opens UDP links to an IP gateway or a routing multicast group.
type UDPDialer struct {
	cfg UDPConfig
	log zerolog.Logger
}

// NewUDPDialer applies defaults (port 3671, TUNNEL, router multicast group).
func NewUDPDialer(cfg UDPConfig) *UDPDialer {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeTunnel
	}
	if cfg.Mode == ModeRouter && cfg.Address == "" {
		cfg.Address = DefaultMulticastIP
	}
	return &UDPDialer{cfg: cfg, log: log.WithComponent("link.udp")}
}

// Endpoint returns "udp:host:port/MODE".
func (d *UDPDialer) Endpoint() string {
	return fmt.Sprintf("udp:%s/%s", net.JoinHostPort(d.cfg.Address, strconv.Itoa(d.cfg.Port)), d.cfg.Mode)
}

// Open resolves the endpoint and starts the receive loop.
func (d *UDPDialer) Open(ctx context.Context, h Handler) (Link, error) {
	if d.cfg.Address == "" {
		return nil, bridgeerrors.Transport("open", d.Endpoint(), bridgeerrors.ErrEmptyAddress)
	}
	if err := ctx.Err(); err != nil {
		return nil, bridgeerrors.Transport("open", d.Endpoint(), err)
	}

	remote, err := net.ResolveUDPAddr("udp", net.JoinHostPort(d.cfg.Address, strconv.Itoa(d.cfg.Port)))
	if err != nil {
		return nil, bridgeerrors.Transport("open", d.Endpoint(), err)
	}

	var local *net.UDPAddr
	if d.cfg.LocalIP != "" {
		local, err = net.ResolveUDPAddr("udp", net.JoinHostPort(d.cfg.LocalIP, "0"))
		if err != nil {
			return nil, bridgeerrors.Transport("open", d.Endpoint(), err)
		}
	}

	l := &udpLink{}
	l.session = newSession(d.Endpoint(), h, d.log)
	l.self = l

	switch d.cfg.Mode {
	case ModeRouter:
		recv, err := net.ListenMulticastUDP("udp4", nil, remote)
		if err != nil {
			return nil, bridgeerrors.Transport("open", d.Endpoint(), err)
		}
		send, err := net.DialUDP("udp4", local, remote)
		if err != nil {
			_ = recv.Close()
			return nil, bridgeerrors.Transport("open", d.Endpoint(), err)
		}
		l.recv, l.send = recv, send
		l.closer = func() error { return errors.Join(send.Close(), recv.Close()) }
	default:
		conn, err := net.DialUDP("udp", local, remote)
		if err != nil {
			return nil, bridgeerrors.Transport("open", d.Endpoint(), err)
		}
		l.recv, l.send = conn, conn
		l.closer = conn.Close
	}

	l.log.Info().Str("mode", d.cfg.Mode).Msg("link established")
	go l.receiveLoop()
	return l, nil
}

type udpLink struct {
	*session
	recv *net.UDPConn
	send *net.UDPConn
}

func (l *udpLink) Send(ctx context.Context, f Frame) error {
	if !l.IsOpen() {
		return l.closedErr("send")
	}
	b, err := Encode(f)
	if err != nil {
		return bridgeerrors.Transport("send", f.Destination.String(), err)
	}
	// zero deadline (no ctx deadline) clears any previous one
	deadline, _ := ctx.Deadline()
	if err := l.send.SetWriteDeadline(deadline); err != nil {
		return bridgeerrors.Transport("send", l.endpoint, err)
	}
	if _, err := l.send.Write(b); err != nil {
		return bridgeerrors.Transport("send", l.endpoint, err)
	}
	return nil
}

func (l *udpLink) Close(reason string) {
	l.finish(CloseEvent{Reason: reason, Requested: true})
}

func (l *udpLink) receiveLoop() {
	buf := make([]byte, headerSize+MaxPayloadSize)
	for {
		n, err := l.recv.Read(buf)
		if err != nil {
			l.finish(CloseEvent{Reason: err.Error(), Requested: false})
			return
		}
		f, err := Decode(buf[:n])
		if err != nil {
			l.log.Debug().Err(err).Int("bytes", n).Msg("dropping undecodable datagram")
			continue
		}
		l.deliver(f)
	}
}
