// Package channel holds the declarative channel model: which group addresses
// a device channel commands, which it listens to, and which datapoint type
// each address carries. Everything is parsed and validated once, when the
// model is built, so the event path never re-derives kinds or types.
package channel

import (
	"fmt"
	"sort"
	"strings"

	bridgeerrors "github.com/ChuLiYu/fieldbus-bridge/internal/errors"
	"github.com/ChuLiYu/fieldbus-bridge/internal/mapper"
	"github.com/ChuLiYu/fieldbus-bridge/pkg/types"
)

// TypedAddress is a group address paired with the datapoint type used to
// encode and decode its payloads.
type TypedAddress struct {
	Address types.GroupAddress
	DPT     mapper.DPT
}

func (t TypedAddress) String() string {
	return t.Address.String() + ":" + string(t.DPT)
}

// ParseTypedAddress parses "main/middle/sub[:dpt]". Without an explicit type
// the default datapoint type of kind is used.
func ParseTypedAddress(s string, kind types.CommandKind) (TypedAddress, error) {
	addrPart, dptPart, hasDPT := strings.Cut(strings.TrimSpace(s), ":")
	ga, err := types.ParseGroupAddress(addrPart)
	if err != nil {
		return TypedAddress{}, bridgeerrors.Config("address", s, "%v", err)
	}

	if hasDPT {
		d, err := mapper.ParseDPT(dptPart)
		if err != nil {
			return TypedAddress{}, bridgeerrors.Config("address", s, "%v", err)
		}
		return TypedAddress{Address: ga, DPT: d}, nil
	}

	d, ok := mapper.DefaultDPT(kind)
	if !ok {
		return TypedAddress{}, bridgeerrors.Config("address", s, "no datapoint type given and none implied by kind %s", kind)
	}
	return TypedAddress{Address: ga, DPT: d}, nil
}

// ParseAddressList parses a comma separated list of typed addresses.
func ParseAddressList(s string, kind types.CommandKind) ([]TypedAddress, error) {
	var out []TypedAddress
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		ta, err := ParseTypedAddress(part, kind)
		if err != nil {
			return nil, err
		}
		out = append(out, ta)
	}
	return out, nil
}

// CommandDefinition is the configured form of one command mapping.
type CommandDefinition struct {
	Command   string   `yaml:"command"`
	Listening []string `yaml:"listening"`
}

// Definition is the configured form of a channel.
type Definition struct {
	ID         string                       `yaml:"id"`
	Initialize string                       `yaml:"initialize"`
	Commands   map[string]CommandDefinition `yaml:"commands"`
}

// Command is a resolved command mapping. Writes fan out to every target.
type Command struct {
	Kind      types.CommandKind
	Targets   []TypedAddress
	Listening []TypedAddress
}

// Channel is a resolved channel.
type Channel struct {
	ID         string
	Initialize *TypedAddress
	commands   map[types.CommandKind]Command
	watched    map[types.GroupAddress]binding
}

type binding struct {
	address TypedAddress
	kind    types.CommandKind
}

// New resolves a definition. Unknown command kinds, malformed addresses and
// unsupported datapoint types are ConfigurationErrors.
func New(def Definition) (*Channel, error) {
	if strings.TrimSpace(def.ID) == "" {
		return nil, bridgeerrors.Config("channel.id", "", "channel id is required")
	}
	ch := &Channel{
		ID:       def.ID,
		commands: make(map[types.CommandKind]Command, len(def.Commands)),
		watched:  make(map[types.GroupAddress]binding),
	}

	// deterministic resolution order, so the first binding of an address wins
	// the same way on every load
	names := make([]string, 0, len(def.Commands))
	for name := range def.Commands {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		kind, err := types.ParseCommandKind(name)
		if err != nil {
			return nil, bridgeerrors.Config("channel."+def.ID+".commands", name, "%v", err)
		}
		cd := def.Commands[name]
		cmd := Command{Kind: kind}
		if cmd.Targets, err = ParseAddressList(cd.Command, kind); err != nil {
			return nil, err
		}
		for _, l := range cd.Listening {
			list, err := ParseAddressList(l, kind)
			if err != nil {
				return nil, err
			}
			cmd.Listening = append(cmd.Listening, list...)
		}
		ch.commands[kind] = cmd
		for _, ta := range cmd.Targets {
			ch.watch(ta, kind)
		}
		for _, ta := range cmd.Listening {
			ch.watch(ta, kind)
		}
	}

	if def.Initialize != "" {
		kind := ch.primaryKind()
		ta, err := ParseTypedAddress(def.Initialize, kind)
		if err != nil {
			return nil, err
		}
		ch.Initialize = &ta
		ch.watch(ta, mapper.KindOf(ta.DPT))
	}
	return ch, nil
}

func (c *Channel) watch(ta TypedAddress, kind types.CommandKind) {
	if _, ok := c.watched[ta.Address]; !ok {
		c.watched[ta.Address] = binding{address: ta, kind: kind}
	}
}

func (c *Channel) primaryKind() types.CommandKind {
	for _, k := range types.CommandKinds() {
		if _, ok := c.commands[k]; ok {
			return k
		}
	}
	return types.KindUnknown
}

// CommandAddresses returns the write targets configured for kind.
func (c *Channel) CommandAddresses(kind types.CommandKind) ([]TypedAddress, bool) {
	cmd, ok := c.commands[kind]
	if !ok || len(cmd.Targets) == 0 {
		return nil, false
	}
	return cmd.Targets, true
}

// Kinds returns the command kinds this channel maps, in declaration order.
func (c *Channel) Kinds() []types.CommandKind {
	var out []types.CommandKind
	for _, k := range types.CommandKinds() {
		if _, ok := c.commands[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// ListensTo reports whether events for addr concern this channel.
func (c *Channel) ListensTo(addr types.GroupAddress) bool {
	_, ok := c.watched[addr]
	return ok
}

// Lookup returns the typed address and kind bound to addr.
func (c *Channel) Lookup(addr types.GroupAddress) (TypedAddress, types.CommandKind, bool) {
	b, ok := c.watched[addr]
	return b.address, b.kind, ok
}

// Model is the set of channels of one device.
type Model struct {
	channels []*Channel
	byID     map[string]*Channel
}

// NewModel resolves every definition; ids must be unique.
func NewModel(defs []Definition) (*Model, error) {
	m := &Model{byID: make(map[string]*Channel, len(defs))}
	for _, def := range defs {
		ch, err := New(def)
		if err != nil {
			return nil, err
		}
		if _, dup := m.byID[ch.ID]; dup {
			return nil, bridgeerrors.Config("channel.id", ch.ID, "duplicate channel id")
		}
		m.byID[ch.ID] = ch
		m.channels = append(m.channels, ch)
	}
	return m, nil
}

// Channels returns the channels in configuration order.
func (m *Model) Channels() []*Channel { return m.channels }

// Channel returns the channel with the given id.
func (m *Model) Channel(id string) (*Channel, bool) {
	ch, ok := m.byID[id]
	return ch, ok
}

// Listening returns the channels interested in addr.
func (m *Model) Listening(addr types.GroupAddress) []*Channel {
	var out []*Channel
	for _, ch := range m.channels {
		if ch.ListensTo(addr) {
			out = append(out, ch)
		}
	}
	return out
}

// String is used in logs.
func (m *Model) String() string {
	return fmt.Sprintf("model(%d channels)", len(m.channels))
}
