package record

import (
	"fmt"
)

// Record is one system log entry. It is not modified after construction,
// apart from caching the raw line on first use.
type Record struct {
	Timestamp string
	PID       int
	TID       int64
	Level     Level
	Tag       string
	Package   string
	Message   string

	raw string
}

// WithRawLine attaches the line the record was parsed from
func (r *Record) WithRawLine(line string) *Record {
	r.raw = line
	return r
}

// RawLine returns the source line, building it from the fields when the
// record was not parsed from a line.
func (r *Record) RawLine() string {
	if r.raw == "" {
		r.raw = fmt.Sprintf("%s %5d %5d %s %s: %s", r.Timestamp, r.PID, r.TID, r.Level.Symbol(), r.Tag, r.Message)
	}
	return r.raw
}

// HasRawLine reports whether the raw line is already cached
func (r *Record) HasRawLine() bool {
	return r.raw != ""
}

// TimestampLayout is the threadtime date layout, "MM-DD HH:MM:SS.mmm"
const TimestampLayout = "01-02 15:04:05.000"
