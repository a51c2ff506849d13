package format

import (
	"strings"

	"github.com/core-tools/hsu-logtrack/pkg/record"
)

// Native writes records as their raw log lines inside plain-text markers
type Native struct{}

func (Native) Kind() Kind            { return KindNative }
func (Native) FileExtension() string { return ".log" }
func (Native) DocumentOpen() string  { return "" }
func (Native) DocumentClose() string { return "" }
func (Native) MetadataOpen() string  { return "meta_data:" }
func (Native) MetadataClose() string { return ":meta_data" }
func (Native) LoggingOpen() string   { return "logging:" }
func (Native) LoggingClose() string  { return ":logging" }

func (Native) FormatMessage(message string) string {
	return "report_message : " + LineSeparator + "\t" + message + LineSeparator + " : report_message"
}

func (Native) FormatMetadata(metadata map[string]string) string {
	lines := make([]string, 0, len(metadata))
	for _, key := range sortedKeys(metadata) {
		lines = append(lines, "\t"+key+"="+metadata[key]+";")
	}
	return strings.Join(lines, LineSeparator)
}

func (Native) FormatRecord(r *record.Record) string {
	line := r.RawLine()
	if strings.ContainsAny(line, "\r\n") {
		line = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(line)
	}
	return line
}
