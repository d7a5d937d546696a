// Package rowmap converts between database rows and entity structs using an
// entity descriptor. The write path normalizes Go values into their SQLite
// storage form; the read path materializes structs from scanned rows.
package rowmap

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/smartpcr/persistence-lib/internal/entity"
)

// TimeFormat is the ISO-8601 storage layout, millisecond precision, UTC.
const TimeFormat = "2006-01-02 15:04:05.000"

// readTimeFormats are accepted when parsing stored timestamps back. Imported
// data may carry other precisions.
var readTimeFormats = []string{
	TimeFormat,
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02",
}

// Mapper binds one descriptor to one Go struct type.
type Mapper struct {
	desc   *entity.Descriptor
	typ    reflect.Type
	fields map[string][]int // property -> field index path

	// Factory overrides default construction for types that need it; the
	// materializer registry in the store sets this per entity type.
	Factory func() any
}

// NewMapper builds a mapper for the sample's struct type.
func NewMapper(d *entity.Descriptor, sample any) (*Mapper, error) {
	t := reflect.TypeOf(sample)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("rowmap wants a struct type, got %T", sample)
	}
	m := &Mapper{desc: d, typ: t, fields: make(map[string][]int)}
	for _, f := range reflect.VisibleFields(t) {
		if f.PkgPath != "" || f.Anonymous {
			continue
		}
		m.fields[f.Name] = f.Index
	}
	for _, c := range d.Columns() {
		if _, ok := m.fields[c.Property]; !ok && !managedProps[c.Property] {
			return nil, fmt.Errorf("type %s has no field for mapped property %q", t, c.Property)
		}
	}
	return m, nil
}

// managedProps are engine-owned tracking columns. A struct may omit them;
// the engine supplies their values on writes and drops them on reads.
var managedProps = map[string]bool{
	entity.PropVersion:            true,
	entity.PropCreatedTime:        true,
	entity.PropLastWriteTime:      true,
	entity.PropIsDeleted:          true,
	entity.PropAbsoluteExpiration: true,
	entity.PropIsArchived:         true,
}

// Has reports whether the struct declares a field for the property.
func (m *Mapper) Has(property string) bool {
	_, ok := m.fields[property]
	return ok
}

// Type returns the mapped struct type.
func (m *Mapper) Type() reflect.Type { return m.typ }

// NewEntity constructs a fresh entity value (pointer to struct).
func (m *Mapper) NewEntity() any {
	if m.Factory != nil {
		return m.Factory()
	}
	return reflect.New(m.typ).Interface()
}

var errNoField = fmt.Errorf("no field for property")

func (m *Mapper) field(ent any, property string) (reflect.Value, error) {
	idx, ok := m.fields[property]
	if !ok {
		return reflect.Value{}, fmt.Errorf("%w %q", errNoField, property)
	}
	v := reflect.ValueOf(ent)
	for v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	return v.FieldByIndex(idx), nil
}

// Get reads a property's current Go value. Managed properties the struct
// omits read as nil.
func (m *Mapper) Get(ent any, property string) (any, error) {
	f, err := m.field(ent, property)
	if err != nil {
		if managedProps[property] {
			return nil, nil
		}
		return nil, err
	}
	return f.Interface(), nil
}

// Set writes a property, converting the raw DB value to the field type.
// Managed properties the struct omits are dropped silently.
func (m *Mapper) Set(ent any, property string, raw any) error {
	f, err := m.field(ent, property)
	if err != nil {
		if managedProps[property] {
			return nil
		}
		return err
	}
	return assign(f, raw)
}

// WriteRow produces the parameter map for a write: every mapped, non-computed
// column's normalized value keyed by property name.
func (m *Mapper) WriteRow(ent any) (map[string]any, error) {
	row := make(map[string]any, len(m.desc.Columns()))
	for _, c := range m.desc.Columns() {
		if c.NotMapped || c.Computed != "" {
			continue
		}
		f, err := m.field(ent, c.Property)
		if err != nil {
			if managedProps[c.Property] {
				continue // engine supplies these
			}
			return nil, err
		}
		row[c.Property] = normalize(f, c)
	}
	return row, nil
}

// ScanRow reads the current row of rows into a fresh entity. Columns must
// match the generator's SelectColumns order.
func (m *Mapper) ScanRow(rows *sql.Rows, cols []*entity.Column) (any, error) {
	raw := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("failed to scan row: %w", err)
	}
	ent := m.NewEntity()
	for i, c := range cols {
		if err := m.Set(ent, c.Property, raw[i]); err != nil {
			return nil, fmt.Errorf("column %s: %w", c.Name, err)
		}
	}
	return ent, nil
}

// normalize converts one field value into its storage representation:
// timestamps to ISO-8601 text, durations to whole seconds, booleans to 0/1,
// complex values to JSON, nil pointers to NULL.
func normalize(f reflect.Value, c *entity.Column) any {
	if f.Kind() == reflect.Ptr {
		if f.IsNil() {
			return nil
		}
		f = f.Elem()
	}
	switch v := f.Interface().(type) {
	case time.Time:
		if v.IsZero() {
			return nil
		}
		return v.UTC().Format(TimeFormat)
	case time.Duration:
		return int64(v / time.Second)
	case bool:
		if v {
			return int64(1)
		}
		return int64(0)
	case []byte:
		return v
	case string:
		return v
	}
	switch f.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return f.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(f.Uint())
	case reflect.Float32, reflect.Float64:
		return f.Float()
	case reflect.String:
		return f.String()
	case reflect.Struct, reflect.Map, reflect.Slice, reflect.Array:
		if c.Type == entity.TypeJSON {
			b, err := json.Marshal(f.Interface())
			if err != nil {
				return nil
			}
			return string(b)
		}
	}
	return f.Interface()
}

// assign converts a raw DB value into the field's Go type. NULL clears the
// field; conversion failures for unknown shapes fall back to a direct set
// when assignable.
func assign(f reflect.Value, raw any) error {
	if raw == nil {
		f.Set(reflect.Zero(f.Type()))
		return nil
	}
	if f.Kind() == reflect.Ptr {
		p := reflect.New(f.Type().Elem())
		if err := assign(p.Elem(), raw); err != nil {
			return err
		}
		f.Set(p)
		return nil
	}

	ft := f.Type()
	switch {
	case ft == reflect.TypeOf(time.Time{}):
		t, err := parseTime(raw)
		if err != nil {
			return err
		}
		f.Set(reflect.ValueOf(t))
		return nil
	case ft == reflect.TypeOf(time.Duration(0)):
		n, err := toInt64(raw)
		if err != nil {
			return err
		}
		f.Set(reflect.ValueOf(time.Duration(n) * time.Second))
		return nil
	}

	switch ft.Kind() {
	case reflect.Bool:
		n, err := toInt64(raw)
		if err != nil {
			if s, ok := raw.(string); ok {
				f.SetBool(s == "1" || s == "true")
				return nil
			}
			return err
		}
		f.SetBool(n != 0)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := toInt64(raw)
		if err != nil {
			return err
		}
		f.SetInt(n)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := toInt64(raw)
		if err != nil {
			return err
		}
		f.SetUint(uint64(n))
		return nil
	case reflect.Float32, reflect.Float64:
		switch v := raw.(type) {
		case float64:
			f.SetFloat(v)
		case int64:
			f.SetFloat(float64(v))
		default:
			return fmt.Errorf("cannot convert %T to float", raw)
		}
		return nil
	case reflect.String:
		switch v := raw.(type) {
		case string:
			f.SetString(v)
		case []byte:
			f.SetString(string(v))
		default:
			f.SetString(fmt.Sprint(v))
		}
		return nil
	case reflect.Slice:
		if ft.Elem().Kind() == reflect.Uint8 {
			if b, ok := raw.([]byte); ok {
				f.SetBytes(append([]byte(nil), b...))
				return nil
			}
		}
		fallthrough
	case reflect.Struct, reflect.Map, reflect.Array:
		if s, ok := stringValue(raw); ok {
			return json.Unmarshal([]byte(s), f.Addr().Interface())
		}
	}

	// Raw pass-through for anything directly assignable.
	rv := reflect.ValueOf(raw)
	if rv.Type().AssignableTo(ft) {
		f.Set(rv)
		return nil
	}
	return fmt.Errorf("cannot convert %T to %s", raw, ft)
}

func stringValue(raw any) (string, bool) {
	switch v := raw.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	}
	return "", false
}

func toInt64(raw any) (int64, error) {
	switch v := raw.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("cannot convert %T to integer", raw)
}

func parseTime(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return v, nil
	case string:
		for _, layout := range readTimeFormats {
			if t, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("unparseable timestamp %q", v)
	case []byte:
		return parseTime(string(v))
	}
	return time.Time{}, fmt.Errorf("cannot convert %T to time", raw)
}
