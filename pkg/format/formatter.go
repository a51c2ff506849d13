package format

import (
	"fmt"
	"sort"
	"strings"

	"github.com/core-tools/hsu-logtrack/pkg/record"
)

// Formatter renders the pieces of a report document. Every method is pure.
//
// Emitting DocumentOpen, FormatMessage (optional), MetadataOpen, FormatMetadata,
// MetadataClose, LoggingOpen, FormatRecord for each record, LoggingClose and
// DocumentClose in that order, one per line, yields a well-formed document.
// LoggingOpen and LoggingClose are always single lines so a document's logging
// section can be located line by line.
type Formatter interface {
	Kind() Kind
	FileExtension() string

	DocumentOpen() string
	DocumentClose() string
	FormatMessage(message string) string
	MetadataOpen() string
	MetadataClose() string
	FormatMetadata(metadata map[string]string) string
	LoggingOpen() string
	LoggingClose() string
	FormatRecord(r *record.Record) string
}

// Kind names a formatter variant
type Kind string

const (
	KindNative Kind = "native"
	KindXML    Kind = "xml"
	KindJSON   Kind = "json"
	KindHTML   Kind = "html"
)

// New returns the formatter for kind
func New(kind Kind) (Formatter, error) {
	switch kind {
	case KindNative, "":
		return Native{}, nil
	case KindXML:
		return XML{}, nil
	case KindJSON:
		return JSON{}, nil
	case KindHTML:
		return HTML{}, nil
	default:
		return nil, fmt.Errorf("unknown format: %q", kind)
	}
}

// ValidateKind checks a configured format name
func ValidateKind(kind Kind) error {
	_, err := New(kind)
	return err
}

const LineSeparator = "\n"

// HeaderLines returns the skeleton lines up to and including LoggingOpen
func HeaderLines(f Formatter, message string, metadata map[string]string) []string {
	lines := []string{f.DocumentOpen()}
	if message != "" {
		lines = append(lines, f.FormatMessage(message))
	}
	lines = append(lines,
		f.MetadataOpen(),
		f.FormatMetadata(metadata),
		f.MetadataClose(),
		f.LoggingOpen(),
	)
	return nonEmpty(lines)
}

// ClosingLines returns the skeleton lines that follow the last record
func ClosingLines(f Formatter) []string {
	return nonEmpty([]string{f.LoggingClose(), f.DocumentClose()})
}

// JoinLines terminates every line with LineSeparator
func JoinLines(lines []string) string {
	var sb strings.Builder
	for _, line := range lines {
		sb.WriteString(line)
		sb.WriteString(LineSeparator)
	}
	return sb.String()
}

// Render builds a complete document in memory
func Render(f Formatter, message string, metadata map[string]string, records []*record.Record) string {
	lines := HeaderLines(f, message, metadata)
	for _, r := range records {
		lines = append(lines, f.FormatRecord(r))
	}
	lines = append(lines, ClosingLines(f)...)
	return JoinLines(lines)
}

func nonEmpty(lines []string) []string {
	result := lines[:0]
	for _, line := range lines {
		if line != "" {
			result = append(result, line)
		}
	}
	return result
}

func sortedKeys(metadata map[string]string) []string {
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
