package format

import (
	"strconv"
	"strings"

	"github.com/core-tools/hsu-logtrack/pkg/record"
)

const htmlStyle = "body{font-family:sans-serif} table{border-collapse:collapse} " +
	"td,th{border:1px solid #ccc;padding:2px 6px;font-family:monospace;text-align:left} " +
	".verbose{color:#777} .debug{color:#1565c0} .info{color:#2e7d32} " +
	".warn{color:#ef6c00} .error{color:#c62828} .assert{color:#6a1b9a;font-weight:bold}"

// HTML renders an XHTML compatible page with a metadata table and a records table
type HTML struct{}

func (HTML) Kind() Kind            { return KindHTML }
func (HTML) FileExtension() string { return ".html" }

func (HTML) DocumentOpen() string {
	return "<!DOCTYPE html>" + LineSeparator +
		"<html>" + LineSeparator +
		`<head><meta charset="UTF-8"/><title>Report</title><style>` + htmlStyle + "</style></head>" + LineSeparator +
		"<body>"
}

func (HTML) DocumentClose() string {
	return "</body>" + LineSeparator + "</html>"
}

func (HTML) FormatMessage(message string) string {
	return "<h3>Report message</h3><p class=\"report_message\">" + Sanitize(message) + "</p>"
}

func (HTML) MetadataOpen() string {
	return `<h3>Metadata</h3><table class="meta_data">`
}

func (HTML) MetadataClose() string { return "</table>" }

func (HTML) FormatMetadata(metadata map[string]string) string {
	lines := make([]string, 0, len(metadata))
	for _, key := range sortedKeys(metadata) {
		lines = append(lines, "<tr><td>"+Sanitize(key)+"</td><td>"+Sanitize(metadata[key])+"</td></tr>")
	}
	return strings.Join(lines, LineSeparator)
}

func (HTML) LoggingOpen() string {
	return `<h3>Logging</h3><table class="logging"><tr><th>date</th><th>level</th><th>pid</th><th>tid</th>` +
		`<th>package_name</th><th>tag</th><th>msg</th></tr>`
}

func (HTML) LoggingClose() string { return "</table>" }

func (HTML) FormatRecord(r *record.Record) string {
	class := r.Level.String()
	var sb strings.Builder
	sb.WriteString(`<tr class="`)
	sb.WriteString(class)
	sb.WriteString(`">`)
	writeCell(&sb, r.Timestamp)
	sb.WriteString(`<td><span class="`)
	sb.WriteString(class)
	sb.WriteString(`">`)
	sb.WriteString(r.Level.Symbol())
	sb.WriteString("</span></td>")
	writeCell(&sb, strconv.Itoa(r.PID))
	writeCell(&sb, strconv.FormatInt(r.TID, 10))
	writeCell(&sb, r.Package)
	writeCell(&sb, r.Tag)
	writeCell(&sb, r.Message)
	sb.WriteString("</tr>")
	return sb.String()
}

func writeCell(sb *strings.Builder, value string) {
	sb.WriteString("<td>")
	sb.WriteString(Sanitize(value))
	sb.WriteString("</td>")
}
