package log

import "time"

// Field is a single structured log field.
type Field struct {
	Key   string
	Value interface{}
}

// F creates a field from any value.
func F(key string, value interface{}) Field { return Field{Key: key, Value: value} }

// Str creates a string field.
func Str(key, value string) Field { return Field{Key: key, Value: value} }

// Int creates an int field.
func Int(key string, value int) Field { return Field{Key: key, Value: value} }

// Int64 creates an int64 field.
func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }

// Bool creates a bool field.
func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

// Dur creates a duration field rendered as a string.
func Dur(key string, value time.Duration) Field { return Field{Key: key, Value: value.String()} }

// Err creates an "error" field. A nil error renders as "<nil>".
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: "<nil>"}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Component tags logs with a component name.
func Component(name string) Field { return Field{Key: "component", Value: name} }
