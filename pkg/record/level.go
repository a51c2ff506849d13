package record

import (
	"fmt"
	"strings"
)

// Level is the priority of a system log record
type Level int

const (
	LevelVerbose Level = iota + 2
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelAssert
)

const (
	MinLevel = LevelVerbose
	MaxLevel = LevelAssert
)

// Symbol returns the single letter used by the log source
func (l Level) Symbol() string {
	switch l {
	case LevelVerbose:
		return "V"
	case LevelDebug:
		return "D"
	case LevelInfo:
		return "I"
	case LevelWarn:
		return "W"
	case LevelError:
		return "E"
	case LevelAssert:
		return "A"
	default:
		return "?"
	}
}

func (l Level) String() string {
	switch l {
	case LevelVerbose:
		return "verbose"
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	case LevelAssert:
		return "assert"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

func (l Level) Valid() bool {
	return l >= MinLevel && l <= MaxLevel
}

// LevelFromSymbol maps a log source letter to a Level. F (fatal) maps to assert.
func LevelFromSymbol(symbol string) (Level, bool) {
	switch symbol {
	case "V":
		return LevelVerbose, true
	case "D":
		return LevelDebug, true
	case "I":
		return LevelInfo, true
	case "W":
		return LevelWarn, true
	case "E":
		return LevelError, true
	case "A", "F":
		return LevelAssert, true
	default:
		return 0, false
	}
}

// ParseLevel accepts level names ("info") and symbols ("I"), case-insensitive
func ParseLevel(s string) (Level, error) {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) == 1 {
		if level, ok := LevelFromSymbol(strings.ToUpper(trimmed)); ok {
			return level, nil
		}
	}
	switch strings.ToLower(trimmed) {
	case "verbose":
		return LevelVerbose, nil
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	case "assert", "fatal":
		return LevelAssert, nil
	}
	return 0, fmt.Errorf("unknown log level: %q", s)
}

// UnmarshalYAML lets configuration files use level names
func (l *Level) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	level, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = level
	return nil
}

func (l Level) MarshalYAML() (interface{}, error) {
	return l.String(), nil
}
