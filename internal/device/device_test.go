package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fieldbus-bridge/internal/bridge"
	"github.com/ChuLiYu/fieldbus-bridge/internal/channel"
	"github.com/ChuLiYu/fieldbus-bridge/internal/clock"
	"github.com/ChuLiYu/fieldbus-bridge/internal/dispatcher"
	bridgeerrors "github.com/ChuLiYu/fieldbus-bridge/internal/errors"
	"github.com/ChuLiYu/fieldbus-bridge/internal/link"
	"github.com/ChuLiYu/fieldbus-bridge/internal/mapper"
	"github.com/ChuLiYu/fieldbus-bridge/internal/worker"
	"github.com/ChuLiYu/fieldbus-bridge/pkg/types"
)

// ============================================================================
// Test Helpers
// ============================================================================

type write struct {
	addr  types.GroupAddress
	value mapper.Value
	dpt   mapper.DPT
}

type fakeBus struct {
	listeners   []dispatcher.Listener
	reads       map[types.GroupAddress]time.Duration
	released    []types.GroupAddress
	writes      []write
}

func newFakeBus() *fakeBus {
	return &fakeBus{reads: make(map[types.GroupAddress]time.Duration)}
}

func (b *fakeBus) RegisterListener(l dispatcher.Listener) { b.listeners = append(b.listeners, l) }

func (b *fakeBus) UnregisterListener(l dispatcher.Listener) bool {
	for i, c := range b.listeners {
		if c == l {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return true
		}
	}
	return false
}

func (b *fakeBus) HoldRead(addr types.GroupAddress, interval time.Duration) error {
	b.reads[addr] = interval
	return nil
}

func (b *fakeBus) ReleaseRead(addr types.GroupAddress) error {
	b.released = append(b.released, addr)
	return nil
}

func (b *fakeBus) WriteValue(_ context.Context, addr types.GroupAddress, v mapper.Value, dpt mapper.DPT) bool {
	b.writes = append(b.writes, write{addr, v, dpt})
	return true
}

type states struct {
	mu     sync.Mutex
	values map[string][]mapper.Value
}

func (s *states) sink() StateSink {
	s.values = make(map[string][]mapper.Value)
	return func(id string, v mapper.Value) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.values[id] = append(s.values[id], v)
	}
}

func (s *states) of(id string) []mapper.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[id]
}

func dimmerConfig() Config {
	return Config{
		ID:       "living-dimmer",
		Read:     true,
		Interval: 30 * time.Second,
		Channels: []channel.Definition{
			{
				ID:         "brightness",
				Initialize: "1/1/2:5.001",
				Commands: map[string]channel.CommandDefinition{
					"OnOff":   {Command: "1/1/0", Listening: []string{"1/1/1"}},
					"Percent": {Command: "1/1/3:5.001, 1/1/4:5.001", Listening: []string{"1/1/2:5.001"}},
				},
			},
			{
				ID: "temperature",
				Commands: map[string]channel.CommandDefinition{
					"Decimal": {Listening: []string{"3/0/1:9.001"}},
				},
			},
		},
	}
}

// ============================================================================
// Unit tests against a fake bus
// ============================================================================

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.True(t, bridgeerrors.IsConfiguration(err))

	cfg := dimmerConfig()
	cfg.Channels[0].Commands["Colour"] = channel.CommandDefinition{Command: "1/1/9"}
	_, err = New(cfg, nil)
	assert.True(t, bridgeerrors.IsConfiguration(err))

	cfg = dimmerConfig()
	cfg.Interval = -time.Second
	_, err = New(cfg, nil)
	assert.True(t, bridgeerrors.IsConfiguration(err))
}

func TestAttachSchedulesInitializeReads(t *testing.T) {
	d, err := New(dimmerConfig(), nil)
	require.NoError(t, err)
	bus := newFakeBus()

	d.Attach(bus)
	assert.Equal(t, types.StateOnline, d.Status().State)
	assert.Len(t, bus.listeners, 1)
	assert.Equal(t, map[types.GroupAddress]time.Duration{
		types.MustParseGroupAddress("1/1/2"): 30 * time.Second,
	}, bus.reads)

	// attaching twice is a no-op
	d.Attach(bus)
	assert.Len(t, bus.listeners, 1)

	d.Detach()
	assert.Empty(t, bus.listeners)
	assert.Equal(t, []types.GroupAddress{types.MustParseGroupAddress("1/1/2")}, bus.released)
	assert.Equal(t, types.DetailBridgeOffline, d.Status().Detail)
}

func TestAttachWithoutReadSchedulesNothing(t *testing.T) {
	cfg := dimmerConfig()
	cfg.Read = false
	d, err := New(cfg, nil)
	require.NoError(t, err)
	bus := newFakeBus()

	d.Attach(bus)
	assert.Empty(t, bus.reads)
}

func TestOnEventDecodesWithAddressDPT(t *testing.T) {
	var s states
	d, err := New(dimmerConfig(), s.sink())
	require.NoError(t, err)

	require.NoError(t, d.OnEvent(0x1101, types.MustParseGroupAddress("1/1/2"), []byte{0x80}))
	require.NoError(t, d.OnEvent(0x1101, types.MustParseGroupAddress("1/1/1"), []byte{0x01}))
	require.NoError(t, d.OnEvent(0x1101, types.MustParseGroupAddress("3/0/1"), []byte{0x0c, 0x1a}))

	assert.Equal(t, []mapper.Value{mapper.Percent(50), mapper.On}, s.of("brightness"))
	assert.Equal(t, []mapper.Value{mapper.Decimal(21)}, s.of("temperature"))
}

func TestOnEventSkipsUnrelatedAndUndecodable(t *testing.T) {
	var s states
	d, err := New(dimmerConfig(), s.sink())
	require.NoError(t, err)

	require.NoError(t, d.OnEvent(0x1101, types.MustParseGroupAddress("7/7/7"), []byte{1}))
	require.NoError(t, d.OnEvent(0x1101, types.MustParseGroupAddress("3/0/1"), []byte{0x7f, 0xff}))
	assert.Empty(t, s.of("brightness"))
	assert.Empty(t, s.of("temperature"))
}

func TestHandleCommandFansOutToTargets(t *testing.T) {
	d, err := New(dimmerConfig(), nil)
	require.NoError(t, err)
	bus := newFakeBus()
	d.Attach(bus)

	require.NoError(t, d.HandleCommand(context.Background(), "brightness", mapper.Percent(75)))
	require.Len(t, bus.writes, 2)
	assert.Equal(t, types.MustParseGroupAddress("1/1/3"), bus.writes[0].addr)
	assert.Equal(t, types.MustParseGroupAddress("1/1/4"), bus.writes[1].addr)
	assert.Equal(t, mapper.DPTScaling, bus.writes[0].dpt)

	require.NoError(t, d.HandleCommand(context.Background(), "brightness", mapper.Off))
	assert.Equal(t, mapper.DPTSwitch, bus.writes[2].dpt, "default type of the kind")
}

func TestHandleCommandConfigurationErrors(t *testing.T) {
	d, err := New(dimmerConfig(), nil)
	require.NoError(t, err)
	bus := newFakeBus()
	d.Attach(bus)

	err = d.HandleCommand(context.Background(), "missing", mapper.On)
	assert.True(t, bridgeerrors.IsConfiguration(err))

	err = d.HandleCommand(context.Background(), "temperature", mapper.Decimal(20))
	assert.True(t, bridgeerrors.IsConfiguration(err), "listen-only channel has no command address")

	err = d.HandleCommand(context.Background(), "brightness", mapper.Up)
	assert.True(t, bridgeerrors.IsConfiguration(err))
	assert.Empty(t, bus.writes)
}

func TestHandleCommandWhileDetachedIsDropped(t *testing.T) {
	d, err := New(dimmerConfig(), nil)
	require.NoError(t, err)
	assert.NoError(t, d.HandleCommand(context.Background(), "brightness", mapper.On))
}

// ============================================================================
// On a bridge over the memory bus
// ============================================================================

func TestDeviceOnBridge(t *testing.T) {
	net := link.NewMemoryNetwork(t.Name())
	net.SetResponder(func(f link.Frame) []link.Frame {
		switch f.Kind {
		case link.FrameRead:
			return []link.Frame{{Kind: link.FrameResponse, Source: 0x1102, Destination: f.Destination, Payload: []byte{0x33}}}
		case link.FrameWrite:
			return []link.Frame{f} // bus echo
		}
		return nil
	})
	fake := clock.NewFake(time.Unix(0, 0))
	b, err := bridge.New(bridge.DefaultConfig(), net, bridge.WithClock(fake), bridge.WithExecutor(worker.Inline{}))
	require.NoError(t, err)
	defer b.Close()

	var s states
	cfg := dimmerConfig()
	cfg.Interval = 0
	d, err := New(cfg, s.sink())
	require.NoError(t, err)

	require.NoError(t, b.Connect(context.Background()))
	d.Attach(b)
	fake.Advance(2 * time.Second)
	assert.Equal(t, []mapper.Value{mapper.Percent(20)}, s.of("brightness"), "initial read answered")
	assert.Empty(t, b.Jobs(), "answered one-shot read is gone")

	require.NoError(t, d.HandleCommand(context.Background(), "brightness", mapper.On))
	assert.Len(t, s.of("brightness"), 1, "own write echo suppressed")

	d.Detach()
	net.Inject(link.Frame{Kind: link.FrameWrite, Source: 0x1102, Destination: types.MustParseGroupAddress("1/1/1"), Payload: []byte{0}})
	assert.Len(t, s.of("brightness"), 1)
}

func TestDetachKeepsReadSharedWithAnotherDevice(t *testing.T) {
	net := link.NewMemoryNetwork(t.Name())
	fake := clock.NewFake(time.Unix(0, 0))
	b, err := bridge.New(bridge.DefaultConfig(), net, bridge.WithClock(fake), bridge.WithExecutor(worker.Inline{}))
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Connect(context.Background()))

	kitchen, err := New(dimmerConfig(), nil)
	require.NoError(t, err)
	cfg := dimmerConfig()
	cfg.ID = "hall-dimmer"
	hall, err := New(cfg, nil)
	require.NoError(t, err)

	kitchen.Attach(b)
	hall.Attach(b)
	require.Len(t, b.Jobs(), 1)

	kitchen.Detach()
	require.Len(t, b.Jobs(), 1, "hall still reads 1/1/2")
	assert.Equal(t, types.MustParseGroupAddress("1/1/2"), b.Jobs()[0].Address)

	hall.Detach()
	assert.Empty(t, b.Jobs())
}
