package logging

import (
	"time"
)

// ===== FIELD TYPES =====

// Field is a structured log field that does not expose the backend
type Field struct {
	Key   string
	Value interface{}
	Type  FieldType
}

// FieldType identifies how the field is encoded by the backend
type FieldType int

const (
	StringField FieldType = iota
	IntField
	Int64Field
	BoolField
	DurationField
	TimeField
	ErrorField
	ObjectField
)

// ===== FIELD CONSTRUCTORS =====

func String(key, value string) Field {
	return Field{Key: key, Value: value, Type: StringField}
}

func Int(key string, value int) Field {
	return Field{Key: key, Value: value, Type: IntField}
}

func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value, Type: Int64Field}
}

func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value, Type: BoolField}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value, Type: DurationField}
}

func Time(key string, value time.Time) Field {
	return Field{Key: key, Value: value, Type: TimeField}
}

func Error(err error) Field {
	return Field{Key: "error", Value: err, Type: ErrorField}
}

func Object(key string, value interface{}) Field {
	return Field{Key: key, Value: value, Type: ObjectField}
}

// ===== DOMAIN FIELDS =====

func Component(name string) Field {
	return String("component", name)
}

func Path(path string) Field {
	return String("path", path)
}

func ReportID(id string) Field {
	return String("report_id", id)
}

func State(state string) Field {
	return String("state", state)
}
