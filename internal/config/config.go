// ============================================================================
// fieldbus-bridge configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: load, default and validate the YAML configuration and turn it
// into the component configurations
//
// Layout:
//
//   bridge:
//     type: ip | serial | memory
//     ip:      {address, port, mode: TUNNEL|ROUTER, local_ip}
//     serial:  {port, baud}
//     auto_reconnect_period: 60    # seconds, 0 disables periodic retries
//     reading_pause: 50            # milliseconds between two reads
//     read_retries_limit: 3
//     response_timeout: 10         # seconds
//     write_rate_limit: 0          # telegrams per second, 0 = unlimited
//   echo:     {capacity: 1024, ttl: 0}
//   workers:  {count: 4, buffer: 64}
//   metrics:  {enabled: true, port: 9090}
//   admin:    {enabled: true, port: 50051}
//   log:      {level: info, console: false}
//   devices:
//     - id: living-dimmer
//       read: true
//       interval: 30               # seconds, 0 reads once
//       channels:
//         - id: brightness
//           initialize: "1/1/2:5.001"
//           commands:
//             Percent: {command: "1/1/3:5.001", listening: ["1/1/2:5.001"]}
//
// Load starts from Default(), so every key is optional.
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/fieldbus-bridge/internal/bridge"
	"github.com/ChuLiYu/fieldbus-bridge/internal/channel"
	"github.com/ChuLiYu/fieldbus-bridge/internal/device"
	"github.com/ChuLiYu/fieldbus-bridge/internal/echo"
	bridgeerrors "github.com/ChuLiYu/fieldbus-bridge/internal/errors"
	"github.com/ChuLiYu/fieldbus-bridge/internal/link"
	"github.com/ChuLiYu/fieldbus-bridge/internal/scheduler"
	"github.com/ChuLiYu/fieldbus-bridge/internal/supervisor"
)

// Transport types.
const (
	TypeIP     = "ip"
	TypeSerial = "serial"
	TypeMemory = "memory"
)

// Config is the complete configuration file.
type Config struct {
	Bridge struct {
		Type string `yaml:"type"`

		IP struct {
			Address string `yaml:"address"`
			Port    int    `yaml:"port"`
			Mode    string `yaml:"mode"`
			LocalIP string `yaml:"local_ip"`
		} `yaml:"ip"`

		Serial struct {
			Port string `yaml:"port"`
			Baud int    `yaml:"baud"`
		} `yaml:"serial"`

		AutoReconnectPeriod int     `yaml:"auto_reconnect_period"` // seconds
		ReadingPause        int     `yaml:"reading_pause"`         // milliseconds
		ReadRetriesLimit    int     `yaml:"read_retries_limit"`
		ResponseTimeout     int     `yaml:"response_timeout"` // seconds
		WriteRateLimit      float64 `yaml:"write_rate_limit"`
	} `yaml:"bridge"`

	Echo struct {
		Capacity int `yaml:"capacity"`
		TTL      int `yaml:"ttl"` // seconds, 0 = never expire
	} `yaml:"echo"`

	Workers struct {
		Count  int `yaml:"count"`
		Buffer int `yaml:"buffer"`
	} `yaml:"workers"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Admin struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"admin"`

	Log struct {
		Level   string `yaml:"level"`
		Console bool   `yaml:"console"`
	} `yaml:"log"`

	Devices []Device `yaml:"devices"`
}

// Device is the configured form of one device.
type Device struct {
	ID       string               `yaml:"id"`
	Read     bool                 `yaml:"read"`
	Interval int                  `yaml:"interval"` // seconds
	Channels []channel.Definition `yaml:"channels"`
}

// Default returns a configuration with every default filled in. The
// transport defaults to the in-process memory bus.
func Default() *Config {
	cfg := &Config{}
	cfg.Bridge.Type = TypeMemory
	cfg.Bridge.IP.Port = link.DefaultPort
	cfg.Bridge.IP.Mode = link.ModeTunnel
	cfg.Bridge.Serial.Baud = link.DefaultBaud
	cfg.Bridge.AutoReconnectPeriod = 60
	cfg.Bridge.ReadingPause = 50
	cfg.Bridge.ReadRetriesLimit = 3
	cfg.Bridge.ResponseTimeout = 10
	cfg.Echo.Capacity = 1024
	cfg.Workers.Count = 4
	cfg.Workers.Buffer = 64
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 9090
	cfg.Admin.Enabled = true
	cfg.Admin.Port = 50051
	cfg.Log.Level = "info"
	return cfg
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem found, each as a ConfigurationError.
func (c *Config) Validate() error {
	var errs []error
	add := func(field, value, format string, args ...any) {
		errs = append(errs, bridgeerrors.Config(field, value, format, args...))
	}

	switch c.Bridge.Type {
	case TypeIP:
		mode := strings.ToUpper(c.Bridge.IP.Mode)
		if mode != link.ModeTunnel && mode != link.ModeRouter {
			add("bridge.ip.mode", c.Bridge.IP.Mode, "must be %s or %s", link.ModeTunnel, link.ModeRouter)
		}
		if mode == link.ModeTunnel && c.Bridge.IP.Address == "" {
			add("bridge.ip.address", "", "required in %s mode", link.ModeTunnel)
		}
		if c.Bridge.IP.Port <= 0 || c.Bridge.IP.Port > 65535 {
			add("bridge.ip.port", fmt.Sprint(c.Bridge.IP.Port), "must be 1..65535")
		}
	case TypeSerial:
		if c.Bridge.Serial.Port == "" {
			add("bridge.serial.port", "", "required for serial transport")
		}
		if c.Bridge.Serial.Baud <= 0 {
			add("bridge.serial.baud", fmt.Sprint(c.Bridge.Serial.Baud), "must be positive")
		}
	case TypeMemory:
	default:
		add("bridge.type", c.Bridge.Type, "must be %s, %s or %s", TypeIP, TypeSerial, TypeMemory)
	}

	if c.Bridge.AutoReconnectPeriod < 0 {
		add("bridge.auto_reconnect_period", fmt.Sprint(c.Bridge.AutoReconnectPeriod), "must not be negative")
	}
	if c.Bridge.ReadingPause < 0 {
		add("bridge.reading_pause", fmt.Sprint(c.Bridge.ReadingPause), "must not be negative")
	}
	if c.Bridge.ReadRetriesLimit <= 0 {
		add("bridge.read_retries_limit", fmt.Sprint(c.Bridge.ReadRetriesLimit), "must be positive")
	}
	if c.Bridge.ResponseTimeout <= 0 {
		add("bridge.response_timeout", fmt.Sprint(c.Bridge.ResponseTimeout), "must be positive")
	}
	if c.Bridge.WriteRateLimit < 0 {
		add("bridge.write_rate_limit", fmt.Sprint(c.Bridge.WriteRateLimit), "must not be negative")
	}
	if c.Echo.Capacity < 0 || c.Echo.TTL < 0 {
		add("echo", fmt.Sprintf("capacity=%d ttl=%d", c.Echo.Capacity, c.Echo.TTL), "must not be negative")
	}
	if c.Workers.Count <= 0 {
		add("workers.count", fmt.Sprint(c.Workers.Count), "must be positive")
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		add("metrics.port", fmt.Sprint(c.Metrics.Port), "must be 1..65535")
	}
	if c.Admin.Enabled && (c.Admin.Port <= 0 || c.Admin.Port > 65535) {
		add("admin.port", fmt.Sprint(c.Admin.Port), "must be 1..65535")
	}

	seen := make(map[string]bool, len(c.Devices))
	for _, d := range c.Devices {
		if seen[d.ID] {
			add("devices.id", d.ID, "duplicate device id")
			continue
		}
		seen[d.ID] = true
		if _, err := device.New(d.deviceConfig(), nil); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BridgeConfig maps the file onto the bridge component configuration.
func (c *Config) BridgeConfig() bridge.Config {
	sched := scheduler.DefaultConfig()
	sched.Throttle = time.Duration(c.Bridge.ReadingPause) * time.Millisecond
	sched.RetryLimit = c.Bridge.ReadRetriesLimit
	sched.ReadTimeout = time.Duration(c.Bridge.ResponseTimeout) * time.Second

	return bridge.Config{
		WorkerCount:  c.Workers.Count,
		WorkerBuffer: c.Workers.Buffer,
		Supervisor: supervisor.Config{
			AutoReconnectPeriod: time.Duration(c.Bridge.AutoReconnectPeriod) * time.Second,
			OpenTimeout:         time.Duration(c.Bridge.ResponseTimeout) * time.Second,
		},
		Scheduler: sched,
		Echo: echo.Options{
			Capacity: c.Echo.Capacity,
			TTL:      time.Duration(c.Echo.TTL) * time.Second,
		},
		WriteRateLimit: c.Bridge.WriteRateLimit,
	}
}

// Dialer builds the transport named by bridge.type.
func (c *Config) Dialer() (link.Dialer, error) {
	switch c.Bridge.Type {
	case TypeIP:
		return link.NewUDPDialer(link.UDPConfig{
			Address: c.Bridge.IP.Address,
			Port:    c.Bridge.IP.Port,
			Mode:    strings.ToUpper(c.Bridge.IP.Mode),
			LocalIP: c.Bridge.IP.LocalIP,
		}), nil
	case TypeSerial:
		return link.NewSerialDialer(link.SerialConfig{
			Port: c.Bridge.Serial.Port,
			Baud: c.Bridge.Serial.Baud,
		}), nil
	case TypeMemory:
		return link.NewMemoryNetwork("bridge"), nil
	default:
		return nil, bridgeerrors.Config("bridge.type", c.Bridge.Type, "unknown transport")
	}
}

// DeviceConfigs returns the device configurations.
func (c *Config) DeviceConfigs() []device.Config {
	out := make([]device.Config, 0, len(c.Devices))
	for _, d := range c.Devices {
		out = append(out, d.deviceConfig())
	}
	return out
}

func (d Device) deviceConfig() device.Config {
	return device.Config{
		ID:       d.ID,
		Read:     d.Read,
		Interval: time.Duration(d.Interval) * time.Second,
		Channels: d.Channels,
	}
}
