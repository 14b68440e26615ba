package model

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Value errors.
var (
	ErrValueType  = errors.New("invalid value type")
	ErrOutOfRange = errors.New("value out of range")
)

// DataType is the canonical type of an item value.
type DataType uint8

const (
	DataTypeEmpty DataType = iota
	DataTypeBool
	DataTypeInt8
	DataTypeInt16
	DataTypeInt32
	DataTypeInt64
	DataTypeUint8
	DataTypeUint16
	DataTypeUint32
	DataTypeUint64
	DataTypeFloat32
	DataTypeFloat64
	DataTypeString
	DataTypeDateTime
)

var dataTypeNames = []string{
	"empty", "bool", "int8", "int16", "int32", "int64",
	"uint8", "uint16", "uint32", "uint64", "float32", "float64",
	"string", "datetime",
}

// variant names as shown by classic OPC tools
var variantNames = []string{
	"VT_EMPTY", "VT_BOOL", "VT_I1", "VT_I2", "VT_I4", "VT_I8",
	"VT_UI1", "VT_UI2", "VT_UI4", "VT_UI8", "VT_R4", "VT_R8",
	"VT_BSTR", "VT_DATE",
}

// String returns the data type name.
func (d DataType) String() string {
	if int(d) < len(dataTypeNames) {
		return dataTypeNames[d]
	}
	return "unknown"
}

// VariantName returns the VARIANT type name, e.g. "VT_I4".
func (d DataType) VariantName() string {
	if int(d) < len(variantNames) {
		return variantNames[d]
	}
	return "VT_UNKNOWN"
}

// Valid reports whether d is a known type.
func (d DataType) Valid() bool {
	return int(d) < len(dataTypeNames)
}

// IsNumeric reports whether values of d are numbers.
func (d DataType) IsNumeric() bool {
	return d >= DataTypeInt8 && d <= DataTypeFloat64
}

// ParseDataType parses a type name. Both the Go-style names ("int32") and
// the variant names ("VT_I4", "i4") are accepted.
func ParseDataType(s string) (DataType, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for i, n := range dataTypeNames {
		if key == n {
			return DataType(i), nil
		}
	}
	key = strings.TrimPrefix(key, "vt_")
	for i, n := range variantNames {
		if key == strings.ToLower(strings.TrimPrefix(n, "VT_")) {
			return DataType(i), nil
		}
	}
	switch key {
	case "boolean":
		return DataTypeBool, nil
	case "float", "real4":
		return DataTypeFloat32, nil
	case "double", "real8":
		return DataTypeFloat64, nil
	case "date", "time":
		return DataTypeDateTime, nil
	}
	return DataTypeEmpty, fmt.Errorf("unknown data type %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (d DataType) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *DataType) UnmarshalText(text []byte) error {
	v, err := ParseDataType(string(text))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Zero returns the zero value of d in its canonical Go type.
func (d DataType) Zero() any {
	switch d {
	case DataTypeBool:
		return false
	case DataTypeInt8:
		return int8(0)
	case DataTypeInt16:
		return int16(0)
	case DataTypeInt32:
		return int32(0)
	case DataTypeInt64:
		return int64(0)
	case DataTypeUint8:
		return uint8(0)
	case DataTypeUint16:
		return uint16(0)
	case DataTypeUint32:
		return uint32(0)
	case DataTypeUint64:
		return uint64(0)
	case DataTypeFloat32:
		return float32(0)
	case DataTypeFloat64:
		return float64(0)
	case DataTypeString:
		return ""
	case DataTypeDateTime:
		return time.Time{}
	default:
		return nil
	}
}

// Coerce converts v to the canonical Go type of d.
//
// Numbers convert between each other when the value fits the target range;
// strings are parsed. DataTypeEmpty accepts any value unchanged.
func (d DataType) Coerce(v any) (any, error) {
	if d == DataTypeEmpty {
		return v, nil
	}
	if v == nil {
		return nil, fmt.Errorf("%w: nil for %s", ErrValueType, d)
	}

	switch d {
	case DataTypeBool:
		return toBool(v)
	case DataTypeString:
		return toString(v), nil
	case DataTypeDateTime:
		return toTime(v)
	case DataTypeFloat32:
		f, err := toNumber(v)
		if err != nil {
			return nil, err
		}
		if !math.IsInf(f, 0) && !math.IsNaN(f) && math.Abs(f) > math.MaxFloat32 {
			return nil, fmt.Errorf("%w: %v exceeds float32", ErrOutOfRange, v)
		}
		return float32(f), nil
	case DataTypeFloat64:
		return toNumber(v)
	}

	switch n := v.(type) {
	case uint64:
		return coerceUnsigned(d, n, v)
	case int64:
		if n < 0 {
			return coerceSigned(d, n, v)
		}
		return coerceUnsigned(d, uint64(n), v)
	case int:
		if n < 0 {
			return coerceSigned(d, int64(n), v)
		}
		return coerceUnsigned(d, uint64(n), v)
	}
	f, err := toNumber(v)
	if err != nil {
		return nil, err
	}
	if f != math.Trunc(f) {
		return nil, fmt.Errorf("%w: %v is not an integer", ErrValueType, v)
	}
	if f < 0 {
		if f < math.MinInt64 {
			return nil, fmt.Errorf("%w: %v", ErrOutOfRange, v)
		}
		return coerceSigned(d, int64(f), v)
	}
	if f >= math.MaxUint64 {
		return nil, fmt.Errorf("%w: %v", ErrOutOfRange, v)
	}
	return coerceUnsigned(d, uint64(f), v)
}

func coerceSigned(d DataType, n int64, orig any) (any, error) {
	switch d {
	case DataTypeInt8:
		if n >= math.MinInt8 {
			return int8(n), nil
		}
	case DataTypeInt16:
		if n >= math.MinInt16 {
			return int16(n), nil
		}
	case DataTypeInt32:
		if n >= math.MinInt32 {
			return int32(n), nil
		}
	case DataTypeInt64:
		return n, nil
	case DataTypeUint8, DataTypeUint16, DataTypeUint32, DataTypeUint64:
	default:
		return nil, fmt.Errorf("%w: cannot convert to %s", ErrValueType, d)
	}
	return nil, fmt.Errorf("%w: %v for %s", ErrOutOfRange, orig, d)
}

func coerceUnsigned(d DataType, u uint64, orig any) (any, error) {
	switch d {
	case DataTypeInt8:
		if u <= math.MaxInt8 {
			return int8(u), nil
		}
	case DataTypeInt16:
		if u <= math.MaxInt16 {
			return int16(u), nil
		}
	case DataTypeInt32:
		if u <= math.MaxInt32 {
			return int32(u), nil
		}
	case DataTypeInt64:
		if u <= math.MaxInt64 {
			return int64(u), nil
		}
	case DataTypeUint8:
		if u <= math.MaxUint8 {
			return uint8(u), nil
		}
	case DataTypeUint16:
		if u <= math.MaxUint16 {
			return uint16(u), nil
		}
	case DataTypeUint32:
		if u <= math.MaxUint32 {
			return uint32(u), nil
		}
	case DataTypeUint64:
		return u, nil
	default:
		return nil, fmt.Errorf("%w: cannot convert to %s", ErrValueType, d)
	}
	return nil, fmt.Errorf("%w: %v for %s", ErrOutOfRange, orig, d)
}

func toBool(v any) (any, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		p, err := strconv.ParseBool(strings.TrimSpace(b))
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a bool", ErrValueType, b)
		}
		return p, nil
	}
	if f, ok := ToFloat64(v); ok {
		return f != 0, nil
	}
	return nil, fmt.Errorf("%w: %T is not a bool", ErrValueType, v)
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case time.Time:
		return s.Format(time.RFC3339Nano)
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(v)
	}
}

func toTime(v any) (any, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		p, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(t))
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a time", ErrValueType, t)
		}
		return p, nil
	}
	return nil, fmt.Errorf("%w: %T is not a time", ErrValueType, v)
}

func toNumber(v any) (float64, error) {
	switch n := v.(type) {
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", ErrValueType, n)
		}
		return f, nil
	}
	if f, ok := ToFloat64(v); ok {
		return f, nil
	}
	return 0, fmt.Errorf("%w: %T is not a number", ErrValueType, v)
}

// ToFloat64 converts any Go number to float64.
func ToFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// TypeOf returns the canonical DataType of a Go value.
func TypeOf(v any) DataType {
	switch v.(type) {
	case bool:
		return DataTypeBool
	case int8:
		return DataTypeInt8
	case int16:
		return DataTypeInt16
	case int32:
		return DataTypeInt32
	case int, int64:
		return DataTypeInt64
	case uint8:
		return DataTypeUint8
	case uint16:
		return DataTypeUint16
	case uint32:
		return DataTypeUint32
	case uint, uint64:
		return DataTypeUint64
	case float32:
		return DataTypeFloat32
	case float64:
		return DataTypeFloat64
	case string:
		return DataTypeString
	case time.Time:
		return DataTypeDateTime
	default:
		return DataTypeEmpty
	}
}
