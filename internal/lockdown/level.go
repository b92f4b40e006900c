package lockdown

import (
	"fmt"
	"strings"
)

// Level is the severity of an active lockdown.
type Level int

const (
	LevelInactive Level = iota
	LevelPartial        // speculative operations halted
	LevelFull           // all new mutating operations halted
	LevelCritical       // full, plus in-flight withdrawals and payouts frozen
)

func (l Level) String() string {
	switch l {
	case LevelInactive:
		return "inactive"
	case LevelPartial:
		return "partial"
	case LevelFull:
		return "full"
	case LevelCritical:
		return "critical"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel maps a level name to its Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "inactive", "":
		return LevelInactive, nil
	case "partial":
		return LevelPartial, nil
	case "full":
		return LevelFull, nil
	case "critical":
		return LevelCritical, nil
	default:
		return 0, fmt.Errorf("%w: unknown level %q", ErrInvalidCommand, s)
	}
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Class groups operations by how a lockdown treats them.
type Class int

const (
	// ClassSpeculative covers bet-driven activity such as progressive contributions.
	ClassSpeculative Class = iota + 1
	// ClassMutation covers ordinary balance changes.
	ClassMutation
	// ClassOutflow covers value leaving the platform: withdrawals and payouts.
	ClassOutflow
)

func (c Class) String() string {
	switch c {
	case ClassSpeculative:
		return "speculative"
	case ClassMutation:
		return "mutation"
	case ClassOutflow:
		return "outflow"
	default:
		return "unknown"
	}
}
