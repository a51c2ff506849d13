package rotation

import (
	"fmt"
	"strconv"
	"strings"
)

var sizeUnits = []struct {
	suffix     string
	multiplier int64
}{
	{"KIB", 1024},
	{"MIB", 1024 * 1024},
	{"GIB", 1024 * 1024 * 1024},
	{"KB", 1024},
	{"MB", 1000 * 1024},
	{"GB", 1000 * 1000 * 1024},
	{"K", 1024},
	{"M", 1000 * 1024},
	{"G", 1000 * 1000 * 1024},
	{"B", 1},
}

// ParseSize parses sizes like "100KB", "1MB", "512" (bytes).
// MB keeps the historical 1000*1024 multiplier; use MiB for 1024*1024.
func ParseSize(s string) (int64, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(s))
	if trimmed == "" {
		return 0, fmt.Errorf("empty size")
	}

	multiplier := int64(1)
	for _, unit := range sizeUnits {
		if strings.HasSuffix(trimmed, unit.suffix) {
			multiplier = unit.multiplier
			trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, unit.suffix))
			break
		}
	}

	value, err := strconv.ParseFloat(trimmed, 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid size: %q", s)
	}
	return int64(value * float64(multiplier)), nil
}
