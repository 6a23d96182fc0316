package gateway

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Normalize converts one driver-native cell value into a JSON-safe scalar:
// nil, bool, int64, uint64, float64 or string.
func Normalize(v any) any {
	if out, ok := normalizeKnown(v); ok {
		return out
	}
	return normalizeReflect(v)
}

func normalizeKnown(v any) (any, bool) {
	switch x := v.(type) {
	case nil:
		return nil, true
	case bool:
		return x, true
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint:
		return uint64(x), true
	case uint8:
		return uint64(x), true
	case uint16:
		return uint64(x), true
	case uint32:
		return uint64(x), true
	case uint64:
		return x, true
	case float32:
		return normalizeFloat(float64(x)), true
	case float64:
		return normalizeFloat(x), true
	case string:
		return x, true
	case []byte:
		return string(x), true
	case time.Time:
		return x.Format(time.RFC3339Nano), true
	case *time.Time:
		if x == nil {
			return nil, true
		}
		return x.Format(time.RFC3339Nano), true
	case time.Duration:
		return x.String(), true
	case [16]byte:
		return uuid.UUID(x).String(), true
	case uuid.UUID:
		return x.String(), true
	case *big.Int:
		if x == nil {
			return nil, true
		}
		return x.String(), true
	case json.RawMessage:
		return string(x), true
	case driver.Valuer:
		if isNilPointer(x) {
			return nil, true
		}
		return normalizeValuer(x), true
	case fmt.Stringer:
		if isNilPointer(x) {
			return nil, true
		}
		return x.String(), true
	}
	return nil, false
}

func normalizeFloat(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return f
}

func isNilPointer(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}

func normalizeValuer(v driver.Valuer) any {
	inner, err := v.Value()
	if err != nil {
		return fmt.Sprint(v)
	}
	if _, again := inner.(driver.Valuer); again {
		return fmt.Sprint(inner)
	}
	return Normalize(inner)
}

// normalizeReflect handles pointers, named scalar types and composite
// values (DuckDB LIST/STRUCT/MAP, Postgres arrays) that arrive as Go maps
// and slices.
func normalizeReflect(v any) any {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return Normalize(rv.Elem().Interface())
	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint()
	case reflect.Float32, reflect.Float64:
		return normalizeFloat(rv.Float())
	case reflect.String:
		return rv.String()
	case reflect.Array:
		if rv.Len() == 16 && rv.Type().Elem().Kind() == reflect.Uint8 {
			var id uuid.UUID
			reflect.Copy(reflect.ValueOf(id[:]), rv)
			return id.String()
		}
		if b, err := json.Marshal(jsonSafe(rv)); err == nil {
			return string(b)
		}
	case reflect.Slice, reflect.Map, reflect.Struct:
		if b, err := json.Marshal(jsonSafe(rv)); err == nil {
			return string(b)
		}
	}
	return fmt.Sprint(v)
}

// jsonSafe rebuilds composite values with every leaf normalized so that
// encoding/json never sees NaN, map[any]any keys or raw byte slices.
func jsonSafe(rv reflect.Value) any {
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return []any{}
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = jsonSafe(rv.Index(i))
		}
		return out
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprint(Normalize(iter.Key().Interface()))] = jsonSafe(iter.Value())
		}
		return out
	case reflect.Interface, reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		return jsonSafe(rv.Elem())
	case reflect.Struct:
		if rv.CanInterface() {
			if out, ok := normalizeKnown(rv.Interface()); ok {
				return out
			}
		}
		out := make(map[string]any, rv.NumField())
		for i := 0; i < rv.NumField(); i++ {
			if f := rv.Type().Field(i); f.IsExported() {
				out[f.Name] = jsonSafe(rv.Field(i))
			}
		}
		return out
	}
	if !rv.CanInterface() {
		return nil
	}
	return Normalize(rv.Interface())
}
