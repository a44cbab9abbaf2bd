// Package types defines the bus-level domain model shared by the bridge packages.
package types

import (
	"fmt"
	"strconv"
	"strings"
)

// ============================================================================
// Addresses
// ============================================================================

// GroupAddress is a three-level bus group address (main/middle/sub).
// main uses 5 bits, middle 3 bits and sub 8 bits of the raw uint16.
type GroupAddress uint16

// ParseGroupAddress parses "main/middle/sub" (e.g. "1/2/1").
// A bare integer is accepted as the raw 16-bit value.
func ParseGroupAddress(s string) (GroupAddress, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty group address")
	}

	parts := strings.Split(s, "/")
	switch len(parts) {
	case 1:
		raw, err := strconv.ParseUint(parts[0], 10, 16)
		if err != nil {
			return 0, fmt.Errorf("invalid group address %q: %w", s, err)
		}
		return GroupAddress(raw), nil
	case 3:
		mainGroup, err := parseField(parts[0], 31)
		if err != nil {
			return 0, fmt.Errorf("invalid main group in %q: %w", s, err)
		}
		middle, err := parseField(parts[1], 7)
		if err != nil {
			return 0, fmt.Errorf("invalid middle group in %q: %w", s, err)
		}
		sub, err := parseField(parts[2], 255)
		if err != nil {
			return 0, fmt.Errorf("invalid sub group in %q: %w", s, err)
		}
		return GroupAddress(mainGroup<<11 | middle<<8 | sub), nil
	default:
		return 0, fmt.Errorf("invalid group address %q: want main/middle/sub", s)
	}
}

// MustParseGroupAddress is ParseGroupAddress for constants and tests.
func MustParseGroupAddress(s string) GroupAddress {
	ga, err := ParseGroupAddress(s)
	if err != nil {
		panic(err)
	}
	return ga
}

func (ga GroupAddress) String() string {
	return fmt.Sprintf("%d/%d/%d", uint16(ga)>>11&0x1f, uint16(ga)>>8&0x07, uint16(ga)&0xff)
}

// IndividualAddress identifies a device on the bus (area.line.device).
type IndividualAddress uint16

// ParseIndividualAddress parses "area.line.device" (e.g. "1.1.20").
func ParseIndividualAddress(s string) (IndividualAddress, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid individual address %q: want area.line.device", s)
	}
	area, err := parseField(parts[0], 15)
	if err != nil {
		return 0, fmt.Errorf("invalid area in %q: %w", s, err)
	}
	line, err := parseField(parts[1], 15)
	if err != nil {
		return 0, fmt.Errorf("invalid line in %q: %w", s, err)
	}
	device, err := parseField(parts[2], 255)
	if err != nil {
		return 0, fmt.Errorf("invalid device in %q: %w", s, err)
	}
	return IndividualAddress(area<<12 | line<<8 | device), nil
}

func (ia IndividualAddress) String() string {
	return fmt.Sprintf("%d.%d.%d", uint16(ia)>>12&0x0f, uint16(ia)>>8&0x0f, uint16(ia)&0xff)
}

func parseField(s string, max uint64) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, err
	}
	if v > max {
		return 0, fmt.Errorf("%d out of range 0..%d", v, max)
	}
	return uint16(v), nil
}

// ============================================================================
// Bridge status
// ============================================================================

// State is the aggregate health of a bridge.
type State string

const (
	StateOnline  State = "ONLINE"
	StateOffline State = "OFFLINE"
)

// StatusDetail qualifies an OFFLINE status.
type StatusDetail string

const (
	DetailNone               StatusDetail = "NONE"
	DetailCommunicationError StatusDetail = "COMMUNICATION_ERROR"
	DetailConfigurationError StatusDetail = "CONFIGURATION_ERROR"
	DetailBridgeOffline      StatusDetail = "BRIDGE_OFFLINE"
)

// Status is one entry of the bridge status stream.
type Status struct {
	State   State        `json:"state"`
	Detail  StatusDetail `json:"detail"`
	Message string       `json:"message,omitempty"`
}

// Online is the status published after a link has been opened.
func Online() Status {
	return Status{State: StateOnline, Detail: DetailNone}
}

// Offline builds an OFFLINE status with a detail and message.
func Offline(detail StatusDetail, message string) Status {
	return Status{State: StateOffline, Detail: detail, Message: message}
}

func (s Status) String() string {
	if s.State == StateOnline {
		return string(s.State)
	}
	if s.Message == "" {
		return fmt.Sprintf("%s(%s)", s.State, s.Detail)
	}
	return fmt.Sprintf("%s(%s: %s)", s.State, s.Detail, s.Message)
}

// ============================================================================
// Command kinds
// ============================================================================

// CommandKind tags the kind of application value a channel command carries.
// It is resolved once when the channel model is loaded.
type CommandKind uint8

const (
	KindUnknown CommandKind = iota
	KindOnOff
	KindPercent
	KindDecimal
	KindString
	KindIncreaseDecrease
	KindUpDown
)

var kindNames = map[CommandKind]string{
	KindOnOff:            "OnOff",
	KindPercent:          "Percent",
	KindDecimal:          "Decimal",
	KindString:           "String",
	KindIncreaseDecrease: "IncreaseDecrease",
	KindUpDown:           "UpDown",
}

// ParseCommandKind accepts the configuration names (OnOff, Percent, ...),
// case-insensitively.
func ParseCommandKind(s string) (CommandKind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown command kind %q", s)
}

// CommandKinds lists every known kind in declaration order.
func CommandKinds() []CommandKind {
	return []CommandKind{KindOnOff, KindPercent, KindDecimal, KindString, KindIncreaseDecrease, KindUpDown}
}

func (k CommandKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}
