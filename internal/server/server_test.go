package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/fieldbus-bridge/internal/bridge"
	"github.com/ChuLiYu/fieldbus-bridge/internal/clock"
	bridgeerrors "github.com/ChuLiYu/fieldbus-bridge/internal/errors"
	"github.com/ChuLiYu/fieldbus-bridge/internal/link"
	"github.com/ChuLiYu/fieldbus-bridge/internal/worker"
	"github.com/ChuLiYu/fieldbus-bridge/pkg/types"
)

type fixture struct {
	net    *link.MemoryNetwork
	bridge *bridge.Bridge
	client *Client
}

// newFixture serves a connected memory-bus bridge on a loopback port.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	network := link.NewMemoryNetwork(t.Name())
	b, err := bridge.New(bridge.DefaultConfig(), network,
		bridge.WithClock(clock.NewFake(time.Unix(0, 0))),
		bridge.WithExecutor(worker.Inline{}))
	require.NoError(t, err)
	require.NoError(t, b.Connect(context.Background()))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	g := grpc.NewServer()
	Register(g, NewServer(b))
	go func() { _ = g.Serve(lis) }()

	client, err := Dial(lis.Addr().String())
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		g.Stop()
		b.Close()
	})
	return &fixture{net: network, bridge: b, client: client}
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

func code(err error) codes.Code {
	return status.Code(err)
}

func TestGetStatus(t *testing.T) {
	f := newFixture(t)

	st, err := f.client.GetStatus(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, true, st["online"])
	assert.Equal(t, "CONNECTED", st["state"])
	assert.Equal(t, "ONLINE", st["status"])
	assert.Equal(t, float64(0), st["read_jobs"])
}

func TestScheduleAndUnscheduleRead(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.client.ScheduleRead(ctx(t), "1/1/2", 30*time.Second))
	require.NoError(t, f.client.ScheduleRead(ctx(t), "3/0/1", 0))

	jobs, err := f.client.ListJobs(ctx(t))
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	byAddr := map[string]map[string]interface{}{}
	for _, j := range jobs {
		m := j.(map[string]interface{})
		byAddr[m["address"].(string)] = m
	}
	assert.Equal(t, true, byAddr["1/1/2"]["periodic"])
	assert.Equal(t, float64(30), byAddr["1/1/2"]["interval_seconds"])
	assert.Equal(t, false, byAddr["3/0/1"]["periodic"])

	require.NoError(t, f.client.UnscheduleRead(ctx(t), "1/1/2"))
	assert.Len(t, f.bridge.Jobs(), 1)

	err = f.client.UnscheduleRead(ctx(t), "1/1/2")
	assert.Equal(t, codes.NotFound, code(err))
}

func TestScheduleReadRejectsBadArguments(t *testing.T) {
	f := newFixture(t)

	err := f.client.ScheduleRead(ctx(t), "1/99/1", time.Second)
	assert.Equal(t, codes.InvalidArgument, code(err))

	err = f.client.ScheduleRead(ctx(t), "1/1/1", -time.Second)
	assert.Equal(t, codes.InvalidArgument, code(err))
	assert.Empty(t, f.bridge.Jobs())
}

func TestWriteValue(t *testing.T) {
	f := newFixture(t)

	sent, err := f.client.WriteValue(ctx(t), "1/1/3", "Percent", "50", "5.001")
	require.NoError(t, err)
	assert.True(t, sent)

	sent, err = f.client.WriteValue(ctx(t), "1/1/0", "onoff", "on", "")
	require.NoError(t, err)
	assert.True(t, sent)

	frames := f.net.Sent()
	require.Len(t, frames, 2)
	assert.Equal(t, link.FrameWrite, frames[0].Kind)
	assert.Equal(t, types.MustParseGroupAddress("1/1/3"), frames[0].Destination)
	assert.Equal(t, []byte{0x80}, frames[0].Payload)
	assert.Equal(t, types.MustParseGroupAddress("1/1/0"), frames[1].Destination)
}

func TestWriteValueRejectsBadArguments(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name                   string
		addr, kind, value, dpt string
	}{
		{"bad address", "x/y", "OnOff", "ON", ""},
		{"unknown kind", "1/1/1", "Colour", "red", ""},
		{"bad value", "1/1/1", "Percent", "150", ""},
		{"unknown dpt", "1/1/1", "OnOff", "ON", "99.999"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.client.WriteValue(ctx(t), tt.addr, tt.kind, tt.value, tt.dpt)
			assert.Equal(t, codes.InvalidArgument, code(err))
		})
	}
	assert.Empty(t, f.net.Sent())
}

func TestWriteValueWhileDisconnected(t *testing.T) {
	f := newFixture(t)
	f.bridge.Disconnect()

	sent, err := f.client.WriteValue(ctx(t), "1/1/0", "OnOff", "ON", "")
	require.NoError(t, err)
	assert.False(t, sent)
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{bridgeerrors.Invariant("unschedule", "1/1/1", bridgeerrors.ErrNoJob), codes.NotFound},
		{bridgeerrors.ErrShutdown, codes.Unavailable},
		{bridgeerrors.Config("address", "x", "bad"), codes.InvalidArgument},
		{bridgeerrors.Encoding("1/1/1", "5.001", "x", bridgeerrors.ErrUnsupportedValue), codes.InvalidArgument},
		{bridgeerrors.Transport("send", "1/1/1", bridgeerrors.ErrNotConnected), codes.Unavailable},
		{bridgeerrors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, code(toStatus(tt.err)), tt.err.Error())
	}
}
