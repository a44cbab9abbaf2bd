package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bridgeerrors "github.com/ChuLiYu/fieldbus-bridge/internal/errors"
	"github.com/ChuLiYu/fieldbus-bridge/internal/mapper"
	"github.com/ChuLiYu/fieldbus-bridge/pkg/types"
)

var ga = types.MustParseGroupAddress

func dimmer() Definition {
	return Definition{
		ID:         "dimmer",
		Initialize: "1/2/10:5.001",
		Commands: map[string]CommandDefinition{
			"OnOff":   {Command: "1/2/1", Listening: []string{"1/2/2"}},
			"Percent": {Command: "1/2/3:5.001, 1/2/4:5.001", Listening: []string{"1/2/10:5.001"}},
		},
	}
}

// ============================================================================
// Typed addresses
// ============================================================================

func TestParseTypedAddress(t *testing.T) {
	ta, err := ParseTypedAddress("1/2/1:9.001", types.KindOnOff)
	require.NoError(t, err)
	assert.Equal(t, ga("1/2/1"), ta.Address)
	assert.Equal(t, mapper.DPTTemperature, ta.DPT, "explicit type wins over the kind default")

	ta, err = ParseTypedAddress(" 3/0/7 ", types.KindUpDown)
	require.NoError(t, err)
	assert.Equal(t, mapper.DPTUpDown, ta.DPT)
	assert.Equal(t, "3/0/7:1.008", ta.String())
}

func TestParseTypedAddressErrors(t *testing.T) {
	for _, in := range []string{"1/9/1", "1/2/1:77.1", "nonsense", ""} {
		_, err := ParseTypedAddress(in, types.KindOnOff)
		assert.True(t, bridgeerrors.IsConfiguration(err), "input %q", in)
	}
	_, err := ParseTypedAddress("1/2/1", types.KindUnknown)
	assert.True(t, bridgeerrors.IsConfiguration(err))
}

func TestParseAddressListFansOut(t *testing.T) {
	list, err := ParseAddressList("1/1/1, 1/1/2:1.001,,", types.KindOnOff)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, ga("1/1/2"), list[1].Address)
}

// ============================================================================
// Channels
// ============================================================================

func TestChannelResolution(t *testing.T) {
	ch, err := New(dimmer())
	require.NoError(t, err)

	targets, ok := ch.CommandAddresses(types.KindPercent)
	require.True(t, ok)
	assert.Len(t, targets, 2)

	_, ok = ch.CommandAddresses(types.KindUpDown)
	assert.False(t, ok)

	assert.Equal(t, []types.CommandKind{types.KindOnOff, types.KindPercent}, ch.Kinds())

	require.NotNil(t, ch.Initialize)
	assert.Equal(t, ga("1/2/10"), ch.Initialize.Address)
}

func TestChannelListening(t *testing.T) {
	ch, err := New(dimmer())
	require.NoError(t, err)

	for _, addr := range []string{"1/2/1", "1/2/2", "1/2/3", "1/2/4", "1/2/10"} {
		assert.True(t, ch.ListensTo(ga(addr)), addr)
	}
	assert.False(t, ch.ListensTo(ga("5/5/5")))

	ta, kind, ok := ch.Lookup(ga("1/2/2"))
	require.True(t, ok)
	assert.Equal(t, types.KindOnOff, kind)
	assert.Equal(t, mapper.DPTSwitch, ta.DPT)

	ta, kind, ok = ch.Lookup(ga("1/2/10"))
	require.True(t, ok)
	assert.Equal(t, types.KindPercent, kind)
	assert.Equal(t, mapper.DPTScaling, ta.DPT)
}

func TestChannelRejectsUnknownKind(t *testing.T) {
	def := dimmer()
	def.Commands["Color"] = CommandDefinition{Command: "1/1/1"}
	_, err := New(def)
	assert.True(t, bridgeerrors.IsConfiguration(err))
	assert.ErrorContains(t, err, "Color")
}

func TestChannelRequiresID(t *testing.T) {
	_, err := New(Definition{})
	assert.True(t, bridgeerrors.IsConfiguration(err))
}

func TestInitializeWithoutCommandsNeedsType(t *testing.T) {
	_, err := New(Definition{ID: "temp", Initialize: "2/0/1"})
	assert.True(t, bridgeerrors.IsConfiguration(err))

	ch, err := New(Definition{ID: "temp", Initialize: "2/0/1:9.001"})
	require.NoError(t, err)
	_, kind, ok := ch.Lookup(ga("2/0/1"))
	require.True(t, ok)
	assert.Equal(t, types.KindDecimal, kind)
}

// ============================================================================
// Model
// ============================================================================

func TestModel(t *testing.T) {
	m, err := NewModel([]Definition{
		dimmer(),
		{ID: "status", Initialize: "1/2/10:5.001"},
	})
	require.NoError(t, err)
	assert.Len(t, m.Channels(), 2)

	ch, ok := m.Channel("status")
	require.True(t, ok)
	assert.Equal(t, "status", ch.ID)

	assert.Len(t, m.Listening(ga("1/2/10")), 2)
	assert.Len(t, m.Listening(ga("1/2/1")), 1)
	assert.Empty(t, m.Listening(ga("9/0/0")))
}

func TestModelRejectsDuplicateIDs(t *testing.T) {
	_, err := NewModel([]Definition{dimmer(), dimmer()})
	assert.True(t, bridgeerrors.IsConfiguration(err))
}
