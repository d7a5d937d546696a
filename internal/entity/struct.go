package entity

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// TagKey is the struct tag consulted by FromStruct.
const TagKey = "persist"

// Option adjusts table-level descriptor settings during FromStruct.
type Option func(*Builder)

// WithTable overrides the table name (default: the struct type name).
func WithTable(name string) Option { return func(b *Builder) { b.d.TableName = name } }

// WithSchema sets the schema qualifier.
func WithSchema(name string) Option { return func(b *Builder) { b.Schema(name) } }

// WithSoftDelete enables append-only versioning.
func WithSoftDelete() Option { return func(b *Builder) { b.SoftDelete() } }

// WithSyncList allows list mappings for the table.
func WithSyncList() Option { return func(b *Builder) { b.SyncWithList() } }

// WithAuditTrail enables audit records.
func WithAuditTrail() Option { return func(b *Builder) { b.AuditTrail() } }

// WithExpiry sets the row lifetime.
func WithExpiry(span time.Duration) Option { return func(b *Builder) { b.Expiry(span) } }

// WithArchive marks the table archivable.
func WithArchive() Option { return func(b *Builder) { b.Archive() } }

// WithDependsOn records table creation ordering.
func WithDependsOn(tables ...string) Option { return func(b *Builder) { b.DependsOn(tables...) } }

// FromStruct builds a descriptor by reflecting over the sample's type.
// Promoted fields follow Go visibility: a field redeclared on the outer
// struct shadows the embedded declaration, so the most-derived one wins.
func FromStruct(sample any, opts ...Option) (*Descriptor, error) {
	t := reflect.TypeOf(sample)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("FromStruct wants a struct, got %T", sample)
	}

	b := NewBuilder(t.Name())
	for _, opt := range opts {
		opt(b)
	}
	if b.d.TableName == "" {
		return nil, fmt.Errorf("type %s: no table name", t)
	}

	for _, f := range reflect.VisibleFields(t) {
		if f.PkgPath != "" || f.Anonymous {
			continue
		}
		tag := f.Tag.Get(TagKey)
		if tag == "-" {
			continue
		}
		col, tagOpts, err := parseFieldTag(f, tag)
		if err != nil {
			return nil, fmt.Errorf("type %s field %s: %w", t, f.Name, err)
		}
		b.Column(col)
		for _, ix := range tagOpts.indexes {
			b.Indexed(ix.name, col.Name, ix.order, ix.unique)
		}
		if tagOpts.fk != nil {
			b.ForeignKey(tagOpts.fk.name, col.Name, tagOpts.fk.refTable, tagOpts.fk.refColumn, tagOpts.fk.onDelete, tagOpts.fk.onUpdate)
		}
	}
	return b.Build()
}

type tagIndex struct {
	name   string
	order  int
	unique bool
}

type tagFK struct {
	name      string
	refTable  string
	refColumn string
	onDelete  string
	onUpdate  string
}

type tagOptions struct {
	indexes []tagIndex
	fk      *tagFK
}

func parseFieldTag(f reflect.StructField, tag string) (Column, tagOptions, error) {
	col := Column{Property: f.Name, Name: f.Name}
	var opts tagOptions

	sqlType, size := inferSQLType(f.Type)
	col.Type = sqlType
	col.Size = size
	col.Nullable = isNullableType(f.Type)

	if tag == "" {
		return col, opts, nil
	}
	for _, part := range strings.Split(tag, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, val, hasVal := strings.Cut(part, "=")
		switch key {
		case "name", "column":
			col.Name = val
		case "type":
			col.Type = SQLType(strings.ToUpper(val))
		case "size":
			n, err := strconv.Atoi(val)
			if err != nil {
				return col, opts, fmt.Errorf("bad size %q", val)
			}
			col.Size = n
		case "precision":
			col.Precision, _ = strconv.Atoi(val)
		case "scale":
			col.Scale, _ = strconv.Atoi(val)
		case "pk":
			col.PKOrder = 1
			if hasVal {
				n, err := strconv.Atoi(val)
				if err != nil || n < 1 {
					return col, opts, fmt.Errorf("bad pk order %q", val)
				}
				col.PKOrder = n
			}
		case "autoincrement":
			col.AutoIncrement = true
		case "notnull":
			col.NotNull = true
		case "nullable":
			col.Nullable = true
		case "unique":
			col.Unique = true
		case "default":
			col.Default = val
		case "check":
			col.Check = val
		case "checkname":
			col.CheckName = val
		case "computed":
			col.Computed = val
		case "persisted":
			col.Persisted = true
		case "notmapped":
			col.NotMapped = true
		case "enum":
			col.EnumValues = strings.Split(val, "|")
			col.Type = TypeText
		case "created":
			col.AuditRole = AuditCreatedTime
		case "lastwrite":
			col.AuditRole = AuditLastWrite
		case "index", "uniqueindex":
			ix := tagIndex{unique: key == "uniqueindex"}
			if hasVal {
				name, ord, hasOrd := strings.Cut(val, ":")
				ix.name = name
				if hasOrd {
					ix.order, _ = strconv.Atoi(ord)
				}
			}
			opts.indexes = append(opts.indexes, ix)
		case "fk":
			fk, err := parseFKTag(val)
			if err != nil {
				return col, opts, err
			}
			opts.fk = fk
		case "ondelete":
			if opts.fk == nil {
				return col, opts, fmt.Errorf("ondelete without fk")
			}
			opts.fk.onDelete = strings.ToUpper(val)
		case "onupdate":
			if opts.fk == nil {
				return col, opts, fmt.Errorf("onupdate without fk")
			}
			opts.fk.onUpdate = strings.ToUpper(val)
		default:
			return col, opts, fmt.Errorf("unknown tag option %q", key)
		}
	}
	return col, opts, nil
}

// parseFKTag accepts "RefTable.RefCol" or "Name:RefTable.RefCol".
func parseFKTag(val string) (*tagFK, error) {
	fk := &tagFK{}
	ref := val
	if name, rest, ok := strings.Cut(val, ":"); ok {
		fk.name = name
		ref = rest
	}
	table, column, ok := strings.Cut(ref, ".")
	if !ok || table == "" || column == "" {
		return nil, fmt.Errorf("bad fk reference %q (want Table.Column)", val)
	}
	fk.refTable = table
	fk.refColumn = column
	return fk, nil
}
