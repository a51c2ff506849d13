package logsource

import (
	"context"

	"github.com/core-tools/hsu-logtrack/pkg/record"
)

// Options carries the filter pushed down to the source
type Options struct {
	Tags     []string
	MinLevel record.Level
}

// LineReader yields raw lines of a live stream. ReadLine blocks until a line
// is available, the stream ends (io.EOF) or the stream is cancelled.
type LineReader interface {
	ReadLine() (string, error)
	Close() error
}

// Source is the system log the capture engine reads from
type Source interface {
	// Open starts a live stream. Cancelling ctx or calling Close interrupts ReadLine.
	Open(ctx context.Context, opts Options) (LineReader, error)

	// Dump returns a bounded snapshot of the lines currently buffered by the source
	Dump(ctx context.Context, opts Options) ([]string, error)

	// Clear drops everything buffered by the source
	Clear(ctx context.Context) error

	// SupportsPushDown reports whether Options are honoured by the source
	SupportsPushDown() bool
}
