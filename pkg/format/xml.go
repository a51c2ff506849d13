package format

import (
	"strconv"
	"strings"

	"github.com/core-tools/hsu-logtrack/pkg/record"
)

// XML renders records as empty elements with one attribute per field
type XML struct{}

func (XML) Kind() Kind            { return KindXML }
func (XML) FileExtension() string { return ".xml" }

func (XML) DocumentOpen() string {
	return `<?xml version="1.0" encoding="UTF-8"?>` + LineSeparator + "<report>"
}

func (XML) DocumentClose() string { return "</report>" }
func (XML) MetadataOpen() string  { return "<meta_data>" }
func (XML) MetadataClose() string { return "</meta_data>" }
func (XML) LoggingOpen() string   { return "<logging>" }
func (XML) LoggingClose() string  { return "</logging>" }

func (XML) FormatMessage(message string) string {
	return "<report_message msg='" + Sanitize(message) + "'/>"
}

func (XML) FormatMetadata(metadata map[string]string) string {
	lines := make([]string, 0, len(metadata))
	for _, key := range sortedKeys(metadata) {
		lines = append(lines, "<entry key='"+Sanitize(key)+"' value='"+Sanitize(metadata[key])+"'/>")
	}
	return strings.Join(lines, LineSeparator)
}

func (XML) FormatRecord(r *record.Record) string {
	var sb strings.Builder
	sb.WriteString("<record")
	writeAttr(&sb, "date", r.Timestamp)
	writeAttr(&sb, "level", r.Level.Symbol())
	writeAttr(&sb, "pid", strconv.Itoa(r.PID))
	writeAttr(&sb, "tid", strconv.FormatInt(r.TID, 10))
	writeAttr(&sb, "package_name", r.Package)
	writeAttr(&sb, "tag", r.Tag)
	writeAttr(&sb, "msg", r.Message)
	sb.WriteString("/>")
	return sb.String()
}

func writeAttr(sb *strings.Builder, name, value string) {
	sb.WriteByte(' ')
	sb.WriteString(name)
	sb.WriteString("='")
	sb.WriteString(Sanitize(value))
	sb.WriteByte('\'')
}
