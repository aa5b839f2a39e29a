package logging

import "time"

// Field represents a structured logging attribute.
type Field struct {
	Key   string
	Value any
}

// String returns a string field.
func String(key, value string) Field { return Field{Key: key, Value: value} }

// Int returns an int field.
func Int(key string, value int) Field { return Field{Key: key, Value: value} }

// Int64 returns an int64 field.
func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }

// Float64 returns a float field.
func Float64(key string, value float64) Field { return Field{Key: key, Value: value} }

// Bool returns a bool field.
func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

// Duration returns a duration field rendered as text.
func Duration(key string, value time.Duration) Field { return Field{Key: key, Value: value.String()} }

// Error returns an error field.
func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Keys shared by every component so encounter logs can be joined on them.
const (
	SessionIDKey = "session_id"
	MonsterIDKey = "monster_id"
	SubjectKey   = "subject"
	ComponentKey = "component"
)

// SessionID tags a line with the encounter session.
func SessionID(id string) Field { return String(SessionIDKey, id) }

// MonsterID tags a line with the catalog monster being hunted.
func MonsterID(id string) Field { return String(MonsterIDKey, id) }

// Subject tags a line with the authenticated hunter identity.
func Subject(id string) Field { return String(SubjectKey, id) }

// Component names the subsystem that emitted the line.
func Component(name string) Field { return String(ComponentKey, name) }
