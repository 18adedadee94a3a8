package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Coerce converts v to the Go representation of the declared type tag:
// datetime -> time.Time (UTC), string -> string, int -> int32, long -> int64,
// bool -> bool, float -> float64. Unsupported conversions return an error so
// the caller can drop just the offending record.
func Coerce(v interface{}, t FieldType) (interface{}, error) {
	switch t {
	case FieldString:
		return coerceString(v), nil
	case FieldDatetime:
		return coerceDatetime(v)
	case FieldInt:
		n, err := coerceInt64(v)
		if err != nil {
			return nil, err
		}
		return int32(n), nil
	case FieldLong:
		return coerceInt64(v)
	case FieldBool:
		return coerceBool(v)
	case FieldFloat:
		return coerceFloat(v)
	default:
		return nil, fmt.Errorf("unknown field type %q", t)
	}
}

func coerceString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case time.Time:
		return s.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func coerceDatetime(v interface{}) (interface{}, error) {
	switch s := v.(type) {
	case time.Time:
		return s.UTC(), nil
	case string:
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("cannot parse %q as datetime", s)
		}
		return t.UTC(), nil
	default:
		return nil, fmt.Errorf("cannot convert %T to datetime", v)
	}
}

func coerceInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("cannot convert fractional %v to integer", n)
		}
		return int64(n), nil
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot parse %q as integer", n)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to integer", v)
	}
}

func coerceBool(v interface{}) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		if err != nil {
			return false, fmt.Errorf("cannot parse %q as bool", b)
		}
		return parsed, nil
	default:
		return false, fmt.Errorf("cannot convert %T to bool", v)
	}
}

func coerceFloat(v interface{}) (float64, error) {
	switch f := v.(type) {
	case float64:
		return f, nil
	case int:
		return float64(f), nil
	case int32:
		return float64(f), nil
	case int64:
		return float64(f), nil
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return 0, fmt.Errorf("cannot parse %q as float", f)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to float", v)
	}
}
