package model

import "time"

// TimestampField is the canonical timestamp column every prepared record
// carries, UTC in RFC-3339.
const TimestampField = "TimeGenerated"

// InjectedTimestampField marks records whose source event had no usable
// timestamp and received the ingestion time instead.
const InjectedTimestampField = "_TimestampInjected"

// Record is one canonical log event. Field values are restricted to the
// coerced forms of the declared FieldTypes plus string for anything a table
// schema does not mention.
type Record map[string]interface{}

// Copy returns a shallow copy. Record values are scalars, so a shallow copy
// is enough to hand ownership across component boundaries.
func (r Record) Copy() Record {
	c := make(Record, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

// Timestamp returns the canonical timestamp, or the zero time when absent or
// not a time value.
func (r Record) Timestamp() time.Time {
	switch v := r[TimestampField].(type) {
	case time.Time:
		return v
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}
		}
		return t
	default:
		return time.Time{}
	}
}

// FieldType is a declared schema type tag.
type FieldType string

const (
	FieldDatetime FieldType = "datetime"
	FieldString   FieldType = "string"
	FieldInt      FieldType = "int"
	FieldLong     FieldType = "long"
	FieldBool     FieldType = "bool"
	FieldFloat    FieldType = "float"
)

// Valid reports whether t is one of the declared type tags.
func (t FieldType) Valid() bool {
	switch t {
	case FieldDatetime, FieldString, FieldInt, FieldLong, FieldBool, FieldFloat:
		return true
	}
	return false
}
