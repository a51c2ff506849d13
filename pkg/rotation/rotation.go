package rotation

import (
	"fmt"
	"time"
)

// Type selects the rotation trigger
type Type string

const (
	TypeNone Type = "none"
	TypeSize Type = "size"
	TypeTime Type = "time"
)

// DefaultMaxBytes is the size threshold used when size rotation has no explicit limit
const DefaultMaxBytes int64 = 1 * 1000 * 1024

// Config holds exactly one rotation trigger
type Config struct {
	Type     Type          `yaml:"type"`
	MaxBytes int64         `yaml:"-"`
	MaxAge   time.Duration `yaml:"max_age,omitempty"`

	// MaxSize is the human readable form of MaxBytes ("1MB"), resolved by the config loader
	MaxSize string `yaml:"max_size,omitempty"`
}

// BySize rotates once the active file reaches maxBytes
func BySize(maxBytes int64) Config {
	return Config{Type: TypeSize, MaxBytes: maxBytes}
}

// ByTime rotates once the active file is older than maxAge
func ByTime(maxAge time.Duration) Config {
	return Config{Type: TypeTime, MaxAge: maxAge}
}

// None never rotates
func None() Config {
	return Config{Type: TypeNone}
}

// Validate enforces a single positive trigger
func (c Config) Validate() error {
	switch c.Type {
	case TypeNone, "":
		if c.MaxBytes != 0 || c.MaxAge != 0 {
			return fmt.Errorf("rotation type none cannot have max_size or max_age")
		}
	case TypeSize:
		if c.MaxAge != 0 {
			return fmt.Errorf("size rotation cannot also set max_age")
		}
		if c.MaxBytes <= 0 {
			return fmt.Errorf("size rotation requires a positive max_size, got %d", c.MaxBytes)
		}
	case TypeTime:
		if c.MaxBytes != 0 {
			return fmt.Errorf("time rotation cannot also set max_size")
		}
		if c.MaxAge <= 0 {
			return fmt.Errorf("time rotation requires a positive max_age, got %v", c.MaxAge)
		}
	default:
		return fmt.Errorf("unknown rotation type: %q", c.Type)
	}
	return nil
}

// Policy decides when the active file must be rotated
type Policy interface {
	ShouldRotate(size int64, createdAt, now time.Time) bool
}

// NewPolicy builds the policy for a validated configuration
func NewPolicy(c Config) Policy {
	switch c.Type {
	case TypeSize:
		return sizePolicy{maxBytes: c.MaxBytes}
	case TypeTime:
		return timePolicy{maxAge: c.MaxAge}
	default:
		return nonePolicy{}
	}
}

type sizePolicy struct {
	maxBytes int64
}

func (p sizePolicy) ShouldRotate(size int64, _, _ time.Time) bool {
	return size >= p.maxBytes
}

type timePolicy struct {
	maxAge time.Duration
}

// A zero creation time means it was never recorded; the file is treated as new.
func (p timePolicy) ShouldRotate(_ int64, createdAt, now time.Time) bool {
	if createdAt.IsZero() {
		return false
	}
	return now.Sub(createdAt) >= p.maxAge
}

type nonePolicy struct{}

func (nonePolicy) ShouldRotate(int64, time.Time, time.Time) bool {
	return false
}
