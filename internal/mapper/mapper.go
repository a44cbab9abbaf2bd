// ============================================================================
// fieldbus-bridge value mapper
// ============================================================================
//
// Package: internal/mapper
// File: mapper.go
// Purpose: translate application values to and from raw group telegram
// payloads for the datapoint types the bridge understands.
//
// Supported datapoint types:
//   1.001  switch            OnOff              1 byte, bit 0
//   1.007  step              IncreaseDecrease   1 byte, bit 0 (1 = increase)
//   1.008  up/down           UpDown             1 byte, bit 0 (1 = down)
//   5.001  scaling           Percent            1 byte, 0..100 scaled to 0..255
//   5.010  counter           Decimal            1 byte, 0..255
//   9.001  temperature       Decimal            2 byte float (0.01 * M * 2^E)
//   16.000 ASCII string      String             14 bytes, NUL padded
//
// The mapper is stateless. Combinations it cannot represent are reported as
// ErrUnsupportedValue by Encode and as ok=false by Decode; it never panics on
// bus input.
//
// ============================================================================

package mapper

import (
	"fmt"
	"math"
	"strings"

	bridgeerrors "github.com/ChuLiYu/fieldbus-bridge/internal/errors"
	"github.com/ChuLiYu/fieldbus-bridge/pkg/types"
)

// DPT identifies a datapoint type as "main.sub" (e.g. "5.001").
type DPT string

const (
	DPTSwitch      DPT = "1.001"
	DPTStep        DPT = "1.007"
	DPTUpDown      DPT = "1.008"
	DPTScaling     DPT = "5.001"
	DPTCounter     DPT = "5.010"
	DPTTemperature DPT = "9.001"
	DPTString      DPT = "16.000"
)

const stringSize = 14

var dptKinds = map[DPT]types.CommandKind{
	DPTSwitch:      types.KindOnOff,
	DPTStep:        types.KindIncreaseDecrease,
	DPTUpDown:      types.KindUpDown,
	DPTScaling:     types.KindPercent,
	DPTCounter:     types.KindDecimal,
	DPTTemperature: types.KindDecimal,
	DPTString:      types.KindString,
}

// ParseDPT validates s against the supported datapoint types.
func ParseDPT(s string) (DPT, error) {
	d := DPT(strings.TrimSpace(s))
	if _, ok := dptKinds[d]; !ok {
		return "", fmt.Errorf("%w: datapoint type %q", bridgeerrors.ErrUnsupportedValue, s)
	}
	return d, nil
}

// KindOf returns the value kind a datapoint type carries.
func KindOf(d DPT) types.CommandKind {
	return dptKinds[d]
}

// DefaultDPT is the datapoint type assumed for a command kind when a
// configured address carries none.
func DefaultDPT(k types.CommandKind) (DPT, bool) {
	switch k {
	case types.KindOnOff:
		return DPTSwitch, true
	case types.KindPercent:
		return DPTScaling, true
	case types.KindDecimal:
		return DPTTemperature, true
	case types.KindString:
		return DPTString, true
	case types.KindIncreaseDecrease:
		return DPTStep, true
	case types.KindUpDown:
		return DPTUpDown, true
	default:
		return "", false
	}
}

// Mapper encodes and decodes payloads. The zero value is ready to use.
type Mapper struct{}

// New returns a Mapper.
func New() Mapper { return Mapper{} }

// Encode turns v into a payload for d.
func (Mapper) Encode(v Value, d DPT) ([]byte, error) {
	unsupported := func() error {
		return fmt.Errorf("%w: %s (%s) as %s", bridgeerrors.ErrUnsupportedValue, v, kindName(v), d)
	}
	if v == nil {
		return nil, unsupported()
	}

	switch d {
	case DPTSwitch:
		if b, ok := v.(OnOff); ok {
			return []byte{boolBit(bool(b))}, nil
		}
	case DPTStep:
		if b, ok := v.(IncreaseDecrease); ok {
			return []byte{boolBit(b == Increase)}, nil
		}
	case DPTUpDown:
		if b, ok := v.(UpDown); ok {
			return []byte{boolBit(b == Down)}, nil
		}
	case DPTScaling:
		if p, ok := v.(Percent); ok && p <= 100 {
			return []byte{byte(math.Round(float64(p) * 255 / 100))}, nil
		}
	case DPTCounter:
		if n, ok := v.(Decimal); ok && n >= 0 && n <= 255 && n == Decimal(math.Trunc(float64(n))) {
			return []byte{byte(n)}, nil
		}
	case DPTTemperature:
		if n, ok := v.(Decimal); ok {
			raw, err := encodeFloat16(float64(n))
			if err != nil {
				return nil, fmt.Errorf("%w: %v", bridgeerrors.ErrUnsupportedValue, err)
			}
			return []byte{byte(raw >> 8), byte(raw)}, nil
		}
	case DPTString:
		if s, ok := v.(String); ok && len(s) <= stringSize && isASCII(string(s)) {
			buf := make([]byte, stringSize)
			copy(buf, s)
			return buf, nil
		}
	}
	return nil, unsupported()
}

// Decode turns a payload for d into a value. ok is false when the payload
// cannot be represented.
func (Mapper) Decode(payload []byte, d DPT) (Value, bool) {
	switch d {
	case DPTSwitch:
		if len(payload) == 1 {
			return OnOff(payload[0]&0x01 == 1), true
		}
	case DPTStep:
		if len(payload) == 1 {
			if payload[0]&0x01 == 1 {
				return Increase, true
			}
			return Decrease, true
		}
	case DPTUpDown:
		if len(payload) == 1 {
			if payload[0]&0x01 == 1 {
				return Down, true
			}
			return Up, true
		}
	case DPTScaling:
		if len(payload) == 1 {
			return Percent(math.Round(float64(payload[0]) * 100 / 255)), true
		}
	case DPTCounter:
		if len(payload) == 1 {
			return Decimal(payload[0]), true
		}
	case DPTTemperature:
		if len(payload) == 2 {
			raw := uint16(payload[0])<<8 | uint16(payload[1])
			if raw == 0x7fff {
				return nil, false
			}
			return Decimal(decodeFloat16(raw)), true
		}
	case DPTString:
		if len(payload) <= stringSize && isASCII(string(payload)) {
			return String(strings.TrimRight(string(payload), "\x00")), true
		}
	}
	return nil, false
}

// encodeFloat16 packs v as sign | exponent(4) | mantissa(11), with the
// mantissa held in two's complement across the sign bit.
func encodeFloat16(v float64) (uint16, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%v is not representable", v)
	}
	m := math.Round(v * 100)
	e := 0
	for m < -2048 || m > 2047 {
		m = math.Round(m / 2)
		e++
		if e > 15 {
			return 0, fmt.Errorf("%v out of 2-byte float range", v)
		}
	}
	mant := int32(m)
	var raw uint16
	if mant < 0 {
		raw = 0x8000
	}
	raw |= uint16(e) << 11
	raw |= uint16(mant) & 0x07ff
	return raw, nil
}

func decodeFloat16(raw uint16) float64 {
	m := int32(raw & 0x07ff)
	if raw&0x8000 != 0 {
		m -= 2048
	}
	e := (raw >> 11) & 0x0f
	return math.Round(float64(m)*math.Pow(2, float64(e))) / 100
}

func boolBit(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7f {
			return false
		}
	}
	return true
}

func kindName(v Value) string {
	if v == nil {
		return "nil"
	}
	return v.Kind().String()
}
