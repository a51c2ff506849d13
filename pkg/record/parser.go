package record

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-logtrack/pkg/errors"
)

// threadtime layout: "MM-DD HH:MM:SS.mmm  PID  TID L TAG: MESSAGE"
var linePattern = regexp.MustCompile(`^(\d\d-\d\d\s\d\d:\d\d:\d\d\.\d+)\s+(\d+)\s+(\d+)\s+([VDIWEAF])\s(.*?)\s*:(?:\s(.*))?$`)

// Parse converts one raw log line into a Record.
// Lines that do not match the threadtime layout yield a parse error.
func Parse(line string) (*Record, error) {
	line = strings.TrimRight(line, "\r\n")

	match := linePattern.FindStringSubmatch(line)
	if match == nil {
		return nil, errors.NewParseError("line does not match threadtime layout", nil).WithContext("line", truncate(line, 120))
	}

	pid, err := strconv.Atoi(match[2])
	if err != nil {
		return nil, errors.NewParseError("invalid pid", err).WithContext("line", truncate(line, 120))
	}
	tid, err := strconv.ParseInt(match[3], 10, 64)
	if err != nil {
		return nil, errors.NewParseError("invalid tid", err).WithContext("line", truncate(line, 120))
	}
	level, _ := LevelFromSymbol(match[4])

	record := &Record{
		Timestamp: match[1],
		PID:       pid,
		TID:       tid,
		Level:     level,
		Tag:       match[5],
		Message:   match[6],
	}
	return record.WithRawLine(line), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
