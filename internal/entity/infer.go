package entity

import (
	"reflect"
	"time"
)

var (
	timeType     = reflect.TypeOf(time.Time{})
	durationType = reflect.TypeOf(time.Duration(0))
	byteSliceTyp = reflect.TypeOf([]byte(nil))
)

// defaultTextSize is applied to string columns with no explicit size.
const defaultTextSize = 255

// inferSQLType maps a Go type to its default abstract SQL type. Pointer types
// unwrap to their element and mark the column nullable at the call site.
func inferSQLType(t reflect.Type) (SQLType, int) {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	switch {
	case t == timeType:
		return TypeDateTime, 0
	case t == durationType:
		// Stored as whole seconds.
		return TypeInteger, 0
	case t == byteSliceTyp:
		return TypeBlob, 0
	}
	switch t.Kind() {
	case reflect.String:
		return TypeText, defaultTextSize
	case reflect.Bool:
		return TypeInteger, 0
	case reflect.Int8, reflect.Uint8:
		return TypeTinyInt, 0
	case reflect.Int16, reflect.Uint16:
		return TypeSmallInt, 0
	case reflect.Int32, reflect.Uint32:
		return TypeInt, 0
	case reflect.Int, reflect.Int64, reflect.Uint, reflect.Uint64:
		return TypeBigInt, 0
	case reflect.Float32:
		return TypeFloat, 0
	case reflect.Float64:
		return TypeReal, 0
	case reflect.Struct, reflect.Map, reflect.Slice, reflect.Array:
		// Complex values serialize as JSON text.
		return TypeJSON, 0
	default:
		return TypeText, defaultTextSize
	}
}

// isNullableType reports whether the property type admits NULL (pointer,
// interface, map or slice kinds).
func isNullableType(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice:
		return true
	}
	return false
}
