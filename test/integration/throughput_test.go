package integration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fieldbus-bridge/internal/bridge"
	"github.com/ChuLiYu/fieldbus-bridge/internal/link"
	"github.com/ChuLiYu/fieldbus-bridge/internal/mapper"
	"github.com/ChuLiYu/fieldbus-bridge/pkg/types"
)

type nopListener struct{}

func (nopListener) OnEvent(types.IndividualAddress, types.GroupAddress, []byte) error { return nil }

// BenchmarkInboundFanOut measures inbound delivery to 16 listeners.
func BenchmarkInboundFanOut(b *testing.B) {
	bus := link.NewMemoryNetwork(b.Name())
	br, err := bridge.New(bridge.DefaultConfig(), bus)
	require.NoError(b, err)
	defer br.Close()
	for i := 0; i < 16; i++ {
		br.RegisterListener(&nopListener{})
	}
	require.NoError(b, br.Connect(context.Background()))

	f := link.Frame{Kind: link.FrameWrite, Source: 0x1101, Destination: types.MustParseGroupAddress("1/1/1"), Payload: []byte{1}}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bus.Inject(f)
	}
}

// BenchmarkWriteWithEchoSuppression measures a write whose echo comes back.
func BenchmarkWriteWithEchoSuppression(b *testing.B) {
	bus := link.NewMemoryNetwork(b.Name())
	bus.SetResponder(func(f link.Frame) []link.Frame {
		if f.Kind == link.FrameWrite {
			return []link.Frame{f}
		}
		return nil
	})
	br, err := bridge.New(bridge.DefaultConfig(), bus)
	require.NoError(b, err)
	defer br.Close()
	require.NoError(b, br.Connect(context.Background()))

	addr := types.MustParseGroupAddress("1/1/3")
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if !br.WriteValue(ctx, addr, mapper.Percent(i%101), mapper.DPTScaling) {
			b.Fatal("write failed")
		}
	}
}
