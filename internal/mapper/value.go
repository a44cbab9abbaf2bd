package mapper

import (
	"fmt"
	"strconv"
	"strings"

	bridgeerrors "github.com/ChuLiYu/fieldbus-bridge/internal/errors"
	"github.com/ChuLiYu/fieldbus-bridge/pkg/types"
)

// Value is an application-level value carried by a channel.
type Value interface {
	Kind() types.CommandKind
	String() string
}

// OnOff is a switch state.
type OnOff bool

const (
	On  OnOff = true
	Off OnOff = false
)

func (OnOff) Kind() types.CommandKind { return types.KindOnOff }
func (v OnOff) String() string {
	if v {
		return "ON"
	}
	return "OFF"
}

// Percent is a value in 0..100.
type Percent uint8

func (Percent) Kind() types.CommandKind { return types.KindPercent }
func (v Percent) String() string        { return strconv.Itoa(int(v)) }

// Decimal is a plain number.
type Decimal float64

func (Decimal) Kind() types.CommandKind { return types.KindDecimal }
func (v Decimal) String() string        { return strconv.FormatFloat(float64(v), 'f', -1, 64) }

// String is a short text value.
type String string

func (String) Kind() types.CommandKind { return types.KindString }
func (v String) String() string        { return string(v) }

// IncreaseDecrease is a dimming step direction.
type IncreaseDecrease uint8

const (
	Decrease IncreaseDecrease = iota
	Increase
)

func (IncreaseDecrease) Kind() types.CommandKind { return types.KindIncreaseDecrease }
func (v IncreaseDecrease) String() string {
	if v == Increase {
		return "INCREASE"
	}
	return "DECREASE"
}

// UpDown is a blind movement direction.
type UpDown uint8

const (
	Up UpDown = iota
	Down
)

func (UpDown) Kind() types.CommandKind { return types.KindUpDown }
func (v UpDown) String() string {
	if v == Down {
		return "DOWN"
	}
	return "UP"
}

// ParseValue builds a value of kind k from its text form, as typed on the
// command line or sent through the admin API.
func ParseValue(k types.CommandKind, text string) (Value, error) {
	s := strings.TrimSpace(text)
	bad := func(err error) error {
		if err == nil {
			return fmt.Errorf("%w: %q is not a valid %s", bridgeerrors.ErrUnsupportedValue, text, k)
		}
		return fmt.Errorf("%w: %q is not a valid %s: %v", bridgeerrors.ErrUnsupportedValue, text, k, err)
	}

	switch k {
	case types.KindOnOff:
		switch strings.ToUpper(s) {
		case "ON", "1", "TRUE":
			return On, nil
		case "OFF", "0", "FALSE":
			return Off, nil
		}
	case types.KindPercent:
		n, err := strconv.ParseUint(strings.TrimSuffix(s, "%"), 10, 8)
		if err != nil || n > 100 {
			return nil, bad(err)
		}
		return Percent(n), nil
	case types.KindDecimal:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, bad(err)
		}
		return Decimal(f), nil
	case types.KindString:
		return String(text), nil
	case types.KindIncreaseDecrease:
		switch strings.ToUpper(s) {
		case "INCREASE":
			return Increase, nil
		case "DECREASE":
			return Decrease, nil
		}
	case types.KindUpDown:
		switch strings.ToUpper(s) {
		case "UP":
			return Up, nil
		case "DOWN":
			return Down, nil
		}
	}
	return nil, bad(nil)
}
