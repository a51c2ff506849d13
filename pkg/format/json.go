package format

import (
	"strconv"

	"github.com/valyala/fastjson"

	"github.com/core-tools/hsu-logtrack/pkg/record"
)

var arenas fastjson.ArenaPool

// JSON renders one object per document. Every record line ends with a comma;
// the logging close line appends an empty object so the array stays valid.
type JSON struct{}

func (JSON) Kind() Kind            { return KindJSON }
func (JSON) FileExtension() string { return ".json" }
func (JSON) DocumentOpen() string  { return "{" }
func (JSON) DocumentClose() string { return "}" }
func (JSON) MetadataOpen() string  { return `"meta_data":[` }
func (JSON) MetadataClose() string { return "]," }
func (JSON) LoggingOpen() string   { return `"logging":[` }
func (JSON) LoggingClose() string  { return " {} ]" }

func (JSON) FormatMessage(message string) string {
	a := arenas.Get()
	defer arenas.Put(a)

	return `"report_message":` + string(a.NewString(Sanitize(message)).MarshalTo(nil)) + ","
}

func (JSON) FormatMetadata(metadata map[string]string) string {
	a := arenas.Get()
	defer arenas.Put(a)

	entries := a.NewObject()
	for _, key := range sortedKeys(metadata) {
		entries.Set(Sanitize(key), a.NewString(Sanitize(metadata[key])))
	}
	wrapper := a.NewObject()
	wrapper.Set("meta_data", entries)
	return string(wrapper.MarshalTo(nil))
}

func (JSON) FormatRecord(r *record.Record) string {
	a := arenas.Get()
	defer arenas.Put(a)

	fields := a.NewObject()
	fields.Set("date", a.NewString(Sanitize(r.Timestamp)))
	fields.Set("level", a.NewString(r.Level.Symbol()))
	fields.Set("pid", a.NewNumberInt(r.PID))
	fields.Set("tid", a.NewNumberString(strconv.FormatInt(r.TID, 10)))
	fields.Set("package_name", a.NewString(Sanitize(r.Package)))
	fields.Set("tag", a.NewString(Sanitize(r.Tag)))
	fields.Set("msg", a.NewString(Sanitize(r.Message)))

	wrapper := a.NewObject()
	wrapper.Set("record", fields)
	return string(wrapper.MarshalTo(nil)) + ","
}
