// Package device turns inbound bus events into channel state updates and
// channel commands into bus writes, for one configured device.
package device

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/fieldbus-bridge/internal/channel"
	"github.com/ChuLiYu/fieldbus-bridge/internal/dispatcher"
	bridgeerrors "github.com/ChuLiYu/fieldbus-bridge/internal/errors"
	"github.com/ChuLiYu/fieldbus-bridge/internal/log"
	"github.com/ChuLiYu/fieldbus-bridge/internal/mapper"
	"github.com/ChuLiYu/fieldbus-bridge/pkg/types"
)

// Bus is the part of a bridge a device talks to.
type Bus interface {
	RegisterListener(l dispatcher.Listener)
	UnregisterListener(l dispatcher.Listener) bool
	HoldRead(addr types.GroupAddress, interval time.Duration) error
	ReleaseRead(addr types.GroupAddress) error
	WriteValue(ctx context.Context, addr types.GroupAddress, v mapper.Value, dpt mapper.DPT) bool
}

// StateSink receives decoded channel values.
type StateSink func(channelID string, v mapper.Value)

// Config is the configured form of a device.
type Config struct {
	ID       string
	Read     bool          // read every channel's initialize address on attach
	Interval time.Duration // 0 reads once
	Channels []channel.Definition
}

// Device is a bus listener bound to a channel model.
type Device struct {
	id       string
	read     bool
	interval time.Duration
	model    *channel.Model
	mapper   mapper.Mapper
	sink     StateSink
	log      zerolog.Logger

	mu        sync.Mutex
	bus       Bus
	status    types.Status
	scheduled []types.GroupAddress
}

// New resolves the channel model of cfg.
func New(cfg Config, sink StateSink) (*Device, error) {
	if cfg.ID == "" {
		return nil, bridgeerrors.Config("device.id", "", "device id is required")
	}
	if cfg.Interval < 0 {
		return nil, bridgeerrors.Config("device."+cfg.ID+".interval", cfg.Interval.String(), "interval must not be negative")
	}
	model, err := channel.NewModel(cfg.Channels)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		sink = func(string, mapper.Value) {}
	}
	return &Device{
		id:       cfg.ID,
		read:     cfg.Read,
		interval: cfg.Interval,
		model:    model,
		mapper:   mapper.New(),
		sink:     sink,
		log:      log.WithComponent("device").With().Str("device", cfg.ID).Logger(),
		status:   types.Offline(types.DetailBridgeOffline, "not attached"),
	}, nil
}

// ID returns the device id.
func (d *Device) ID() string { return d.id }

// Model returns the resolved channel model.
func (d *Device) Model() *channel.Model { return d.model }

// Status is ONLINE while attached to a bus.
func (d *Device) Status() types.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Attach registers the device on bus and, when configured to, schedules a
// read of every channel's initialize address.
func (d *Device) Attach(bus Bus) {
	d.mu.Lock()
	if d.bus != nil {
		d.mu.Unlock()
		return
	}
	d.bus = bus
	d.status = types.Online()
	d.mu.Unlock()

	bus.RegisterListener(d)
	d.log.Debug().Msg("attached")

	if !d.read {
		return
	}
	for _, ch := range d.model.Channels() {
		if ch.Initialize == nil {
			continue
		}
		addr := ch.Initialize.Address
		if err := bus.HoldRead(addr, d.interval); err != nil {
			d.log.Warn().Err(err).Str("channel", ch.ID).Str("address", addr.String()).Msg("read not scheduled")
			continue
		}
		d.mu.Lock()
		d.scheduled = append(d.scheduled, addr)
		d.mu.Unlock()
	}
}

// Detach unregisters the device and releases the reads it scheduled. A read
// another device still holds keeps running.
func (d *Device) Detach() {
	d.mu.Lock()
	bus := d.bus
	scheduled := d.scheduled
	d.bus = nil
	d.scheduled = nil
	d.status = types.Offline(types.DetailBridgeOffline, "detached")
	d.mu.Unlock()

	if bus == nil {
		return
	}
	bus.UnregisterListener(d)
	for _, addr := range scheduled {
		if err := bus.ReleaseRead(addr); err != nil {
			d.log.Debug().Err(err).Str("address", addr.String()).Msg("read not released")
		}
	}
	d.log.Debug().Msg("detached")
}

// OnEvent decodes payload for every channel listening to destination.
func (d *Device) OnEvent(source types.IndividualAddress, destination types.GroupAddress, payload []byte) error {
	for _, ch := range d.model.Listening(destination) {
		ta, _, _ := ch.Lookup(destination)
		v, ok := d.mapper.Decode(payload, ta.DPT)
		if !ok {
			d.log.Warn().
				Str("address", destination.String()).
				Str("dpt", string(ta.DPT)).
				Str("data", "0x"+hex.EncodeToString(payload)).
				Msg("ignoring bus data: not representable")
			continue
		}
		d.log.Trace().
			Str("channel", ch.ID).
			Str("source", source.String()).
			Str("value", v.String()).
			Msg("state update")
		d.sink(ch.ID, v)
	}
	return nil
}

// HandleCommand writes v to every address the channel maps for v's kind.
// An unknown channel or an unmapped kind is a ConfigurationError and
// nothing is written. Bus failures are logged by the bridge.
func (d *Device) HandleCommand(ctx context.Context, channelID string, v mapper.Value) error {
	ch, ok := d.model.Channel(channelID)
	if !ok {
		return bridgeerrors.Config("channel", channelID, "device %s has no such channel", d.id)
	}
	targets, ok := ch.CommandAddresses(v.Kind())
	if !ok {
		err := bridgeerrors.Config("channel."+channelID+".commands", v.Kind().String(), "no command address for %s", v.Kind())
		d.log.Warn().Err(err).Msg("command not mapped")
		return err
	}

	d.mu.Lock()
	bus := d.bus
	d.mu.Unlock()
	if bus == nil {
		d.log.Warn().Str("channel", channelID).Msg("not attached, command dropped")
		return nil
	}

	for _, ta := range targets {
		bus.WriteValue(ctx, ta.Address, v, ta.DPT)
	}
	return nil
}
