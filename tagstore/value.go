package tagstore

import (
	"fmt"
	"strconv"
	"strings"
)

// ZeroValue returns the zero value for a data type.
func ZeroValue(dt DataType) interface{} {
	switch dt {
	case TypeInt:
		return int64(0)
	case TypeFloat:
		return float64(0)
	case TypeBool:
		return false
	default:
		return ""
	}
}

// Coerce converts a value into the canonical Go representation for the
// data type: int64, float64, string, or bool. Numeric strings are parsed;
// anything else that doesn't fit is rejected with ErrTypeMismatch.
func Coerce(v interface{}, dt DataType) (interface{}, error) {
	switch dt {
	case TypeInt:
		return coerceInt(v)
	case TypeFloat:
		return coerceFloat(v)
	case TypeString:
		return coerceString(v)
	case TypeBool:
		return coerceBool(v)
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidType, dt)
}

func coerceInt(v interface{}) (interface{}, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case float32:
		return int64(n), nil
	case float64:
		// JSON numbers arrive as float64; truncate toward zero
		return int64(n), nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not an int", ErrTypeMismatch, n)
		}
		return i, nil
	}
	return nil, fmt.Errorf("%w: %T is not an int", ErrTypeMismatch, v)
}

func coerceFloat(v interface{}) (interface{}, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a float", ErrTypeMismatch, n)
		}
		return f, nil
	}
	return nil, fmt.Errorf("%w: %T is not a float", ErrTypeMismatch, v)
}

func coerceString(v interface{}) (interface{}, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case fmt.Stringer:
		return s.String(), nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, bool:
		return fmt.Sprintf("%v", s), nil
	}
	return nil, fmt.Errorf("%w: %T is not a string", ErrTypeMismatch, v)
}

func coerceBool(v interface{}) (interface{}, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "1", "yes", "on":
			return true, nil
		case "false", "0", "no", "off":
			return false, nil
		}
		return nil, fmt.Errorf("%w: %q is not a bool", ErrTypeMismatch, b)
	case int:
		return b != 0, nil
	case int64:
		return b != 0, nil
	case float64:
		return b != 0, nil
	}
	return nil, fmt.Errorf("%w: %T is not a bool", ErrTypeMismatch, v)
}
