// Command demo runs a bridge against an in-process bus, pulls the link out
// from under it and prints what the bridge does about it.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/ChuLiYu/fieldbus-bridge/internal/bridge"
	"github.com/ChuLiYu/fieldbus-bridge/internal/channel"
	"github.com/ChuLiYu/fieldbus-bridge/internal/device"
	"github.com/ChuLiYu/fieldbus-bridge/internal/link"
	"github.com/ChuLiYu/fieldbus-bridge/internal/log"
	"github.com/ChuLiYu/fieldbus-bridge/internal/mapper"
	"github.com/ChuLiYu/fieldbus-bridge/pkg/types"
)

func main() {
	log.Configure(log.Config{Level: "warn", Console: true})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "demo failed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	start := time.Now()
	stamp := func() string { return fmt.Sprintf("[%5.2fs]", time.Since(start).Seconds()) }

	// A bus with one actuator: reads of 1/1/2 answer with the current
	// brightness, writes to 1/1/3 change it and are echoed back.
	var mu sync.Mutex
	brightness := byte(0x33)
	bus := link.NewMemoryNetwork("demo")
	bus.SetResponder(func(f link.Frame) []link.Frame {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case f.Kind == link.FrameRead && f.Destination == types.MustParseGroupAddress("1/1/2"):
			return []link.Frame{{Kind: link.FrameResponse, Source: 0x1102, Destination: f.Destination, Payload: []byte{brightness}}}
		case f.Kind == link.FrameWrite && f.Destination == types.MustParseGroupAddress("1/1/3"):
			brightness = f.Payload[0]
			return []link.Frame{f}
		}
		return nil
	})

	cfg := bridge.DefaultConfig()
	cfg.WorkerCount = 2
	cfg.Supervisor.AutoReconnectPeriod = 2 * time.Second
	cfg.Scheduler.Throttle = 100 * time.Millisecond

	b, err := bridge.New(cfg, bus)
	if err != nil {
		return err
	}
	defer b.Close()

	cancel := b.OnStatus(func(st types.Status) {
		fmt.Printf("%s status   %s\n", stamp(), st)
	})
	defer cancel()

	dimmer, err := device.New(device.Config{
		ID:       "living-dimmer",
		Read:     true,
		Interval: time.Second,
		Channels: []channel.Definition{{
			ID:         "brightness",
			Initialize: "1/1/2:5.001",
			Commands: map[string]channel.CommandDefinition{
				"Percent": {Command: "1/1/3:5.001", Listening: []string{"1/1/2:5.001"}},
			},
		}},
	}, func(channelID string, v mapper.Value) {
		fmt.Printf("%s state    %s = %s\n", stamp(), channelID, v)
	})
	if err != nil {
		return err
	}

	fmt.Printf("%s connecting to %s\n", stamp(), bus.Endpoint())
	if err := b.Connect(ctx); err != nil {
		return err
	}
	dimmer.Attach(b)
	defer dimmer.Detach()

	steps := []struct {
		after time.Duration
		name  string
		do    func()
	}{
		{2500 * time.Millisecond, "command brightness 75%", func() {
			if err := dimmer.HandleCommand(ctx, "brightness", mapper.Percent(75)); err != nil {
				fmt.Printf("%s command failed: %v\n", stamp(), err)
			}
		}},
		{1500 * time.Millisecond, "pull the link, next two opens fail", func() {
			bus.FailOpens(2, errors.New("cable unplugged"))
			bus.Drop("cable pulled")
		}},
		{6 * time.Second, "summary", func() { printStatus(b.GetStatus()) }},
	}

	for _, step := range steps {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(step.after):
		}
		fmt.Printf("%s >>> %s\n", stamp(), step.name)
		step.do()
	}
	return nil
}

func printStatus(st map[string]interface{}) {
	keys := make([]string, 0, len(st))
	for k := range st {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("    %-13s %v\n", k+":", st[k])
	}
}
