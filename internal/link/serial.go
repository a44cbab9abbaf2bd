package link

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/tarm/serial"

	bridgeerrors "github.com/ChuLiYu/fieldbus-bridge/internal/errors"
	"github.com/ChuLiYu/fieldbus-bridge/internal/log"
)

// DefaultBaud is the FT1.2 line speed.
const DefaultBaud = 19200

// SerialConfig configures a serial/USB gateway link.
type SerialConfig struct {
	Port        string // e.g. /dev/ttyUSB0 or COM3
	Baud        int
	ReadTimeout time.Duration
}

// SerialDialer opens links over a serial port.
type SerialDialer struct {
	cfg  SerialConfig
	log  zerolog.Logger
	open func(*serial.Config) (io.ReadWriteCloser, error)
}

// NewSerialDialer applies the default baud rate and read timeout.
func NewSerialDialer(cfg SerialConfig) *SerialDialer {
	if cfg.Baud == 0 {
		cfg.Baud = DefaultBaud
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	return &SerialDialer{
		cfg: cfg,
		log: log.WithComponent("link.serial"),
		open: func(c *serial.Config) (io.ReadWriteCloser, error) {
			return serial.OpenPort(c)
		},
	}
}

// Endpoint returns "serial:<port>".
func (d *SerialDialer) Endpoint() string {
	return "serial:" + d.cfg.Port
}

// Open opens the serial port and starts the receive loop.
func (d *SerialDialer) Open(ctx context.Context, h Handler) (Link, error) {
	if d.cfg.Port == "" {
		return nil, bridgeerrors.Transport("open", d.Endpoint(), bridgeerrors.ErrEmptyAddress)
	}
	if err := ctx.Err(); err != nil {
		return nil, bridgeerrors.Transport("open", d.Endpoint(), err)
	}

	port, err := d.open(&serial.Config{
		Name:        d.cfg.Port,
		Baud:        d.cfg.Baud,
		ReadTimeout: d.cfg.ReadTimeout,
	})
	if err != nil {
		return nil, bridgeerrors.Transport("open", d.Endpoint(),
			fmt.Errorf("serial port %q could not be opened: %w", d.cfg.Port, err))
	}

	l := &serialLink{port: port}
	l.session = newSession(d.Endpoint(), h, d.log)
	l.self = l
	l.closer = port.Close

	l.log.Info().Int("baud", d.cfg.Baud).Msg("link established")
	go l.receiveLoop()
	return l, nil
}

type serialLink struct {
	*session
	port io.ReadWriteCloser
}

func (l *serialLink) Send(ctx context.Context, f Frame) error {
	if !l.IsOpen() {
		return l.closedErr("send")
	}
	if err := ctx.Err(); err != nil {
		return bridgeerrors.Transport("send", l.endpoint, err)
	}
	b, err := Encode(f)
	if err != nil {
		return bridgeerrors.Transport("send", f.Destination.String(), err)
	}
	if _, err := l.port.Write(b); err != nil {
		return bridgeerrors.Transport("send", l.endpoint, err)
	}
	return nil
}

func (l *serialLink) Close(reason string) {
	l.finish(CloseEvent{Reason: reason, Requested: true})
}

func (l *serialLink) receiveLoop() {
	r := bufio.NewReader(timeoutReader{l})
	for {
		f, err := ReadFrame(r)
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) && l.IsOpen() {
				l.log.Debug().Msg("partial frame discarded")
				continue
			}
			l.finish(CloseEvent{Reason: err.Error(), Requested: false})
			return
		}
		l.deliver(f)
	}
}

// timeoutReader turns the port's (0, nil) read timeouts into retries while
// the link is open and into io.EOF once it has been closed.
type timeoutReader struct {
	l *serialLink
}

func (t timeoutReader) Read(p []byte) (int, error) {
	for {
		if !t.l.IsOpen() {
			return 0, io.EOF
		}
		n, err := t.l.port.Read(p)
		if n > 0 || err != nil {
			return n, err
		}
	}
}
