package admm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownInitialValue is returned for an initial value strategy the store
// does not implement.
var ErrUnknownInitialValue = errors.New("unknown initial value")

// InitialValue selects how local variables are reset before optimization.
type InitialValue int

const (
	// InitialValueZero sets every local value to 0.
	InitialValueZero InitialValue = iota
	// InitialValueRandom draws every local value uniformly from [0, 1).
	InitialValueRandom
	// InitialValueAtom copies the current value of the local's atom.
	InitialValueAtom
)

// DefaultInitialValue is used by ResetLocalVariablesDefault.
const DefaultInitialValue = InitialValueRandom

func (v InitialValue) String() string {
	switch v {
	case InitialValueZero:
		return "zero"
	case InitialValueRandom:
		return "random"
	case InitialValueAtom:
		return "atom"
	default:
		return fmt.Sprintf("InitialValue(%d)", int(v))
	}
}

// ParseInitialValue accepts "zero", "random" and "atom", case-insensitively.
func ParseInitialValue(s string) (InitialValue, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "zero":
		return InitialValueZero, nil
	case "random":
		return InitialValueRandom, nil
	case "atom":
		return InitialValueAtom, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownInitialValue, s)
	}
}

// MarshalText implements encoding.TextMarshaler so configs can carry the name.
func (v InitialValue) MarshalText() ([]byte, error) {
	if !v.valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownInitialValue, int(v))
	}
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *InitialValue) UnmarshalText(text []byte) error {
	parsed, err := ParseInitialValue(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func (v InitialValue) valid() bool {
	return v >= InitialValueZero && v <= InitialValueAtom
}
