package link

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tarm/serial"

	bridgeerrors "github.com/ChuLiYu/fieldbus-bridge/internal/errors"
)

func pipeDialer(t *testing.T) (*SerialDialer, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	d := NewSerialDialer(SerialConfig{Port: "/dev/ttyFAKE0"})
	d.open = func(c *serial.Config) (io.ReadWriteCloser, error) {
		assert.Equal(t, DefaultBaud, c.Baud)
		return local, nil
	}
	return d, remote
}

func TestSerialSendAndReceive(t *testing.T) {
	d, remote := pipeDialer(t)
	defer remote.Close()

	rec := newRecorder()
	l, err := d.Open(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, "serial:/dev/ttyFAKE0", l.Endpoint())

	got := make(chan Frame, 1)
	go func() {
		f, err := ReadFrame(remote)
		if err == nil {
			got <- f
		}
	}()
	require.NoError(t, l.Send(context.Background(), sample))
	select {
	case f := <-got:
		assert.Equal(t, sample, f)
	case <-time.After(time.Second):
		t.Fatal("frame not written to port")
	}

	b, err := Encode(Frame{Kind: FrameWrite, Destination: sample.Destination, Payload: []byte{0x00}})
	require.NoError(t, err)
	_, err = remote.Write(b)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		frames, _ := rec.snapshot()
		return len(frames) == 1
	}, time.Second, 10*time.Millisecond)

	l.Close("done")
	<-rec.closed
}

func TestSerialPortFailureIsInvoluntaryClose(t *testing.T) {
	d, remote := pipeDialer(t)
	rec := newRecorder()
	l, err := d.Open(context.Background(), rec)
	require.NoError(t, err)

	require.NoError(t, remote.Close())

	select {
	case <-rec.closed:
	case <-time.After(time.Second):
		t.Fatal("no close notification")
	}
	_, closes := rec.snapshot()
	require.Len(t, closes, 1)
	assert.False(t, closes[0].Requested)
	assert.False(t, l.IsOpen())
}

func TestSerialOpenFailure(t *testing.T) {
	d := NewSerialDialer(SerialConfig{Port: "/dev/missing"})
	d.open = func(*serial.Config) (io.ReadWriteCloser, error) {
		return nil, errors.New("no such file or directory")
	}
	_, err := d.Open(context.Background(), newRecorder())
	assert.True(t, bridgeerrors.IsTransport(err))
	assert.ErrorContains(t, err, "/dev/missing")

	_, err = NewSerialDialer(SerialConfig{}).Open(context.Background(), newRecorder())
	assert.ErrorIs(t, err, bridgeerrors.ErrEmptyAddress)
}
