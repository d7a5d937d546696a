// Package entity builds immutable table descriptors from annotated Go structs
// or from a programmatic builder. A descriptor is the single source of truth
// for SQL generation, row mapping, and the versioning engine.
package entity

import (
	"fmt"
	"time"
)

// Well-known tracking properties managed by the engine. Callers never set
// these directly; the versioning engine owns them.
const (
	PropID                 = "Id"
	PropVersion            = "Version"
	PropCreatedTime        = "CreatedTime"
	PropLastWriteTime      = "LastWriteTime"
	PropIsDeleted          = "IsDeleted"
	PropAbsoluteExpiration = "AbsoluteExpiration"
	PropIsArchived         = "IsArchived"
)

// SQLType is the abstract column type before dialect narrowing.
type SQLType string

const (
	TypeText      SQLType = "TEXT"
	TypeNVarChar  SQLType = "NVARCHAR"
	TypeTinyInt   SQLType = "TINYINT"
	TypeSmallInt  SQLType = "SMALLINT"
	TypeInt       SQLType = "INT"
	TypeBigInt    SQLType = "BIGINT"
	TypeInteger   SQLType = "INTEGER"
	TypeBit       SQLType = "BIT"
	TypeDecimal   SQLType = "DECIMAL"
	TypeReal      SQLType = "REAL"
	TypeFloat     SQLType = "FLOAT"
	TypeDateTime  SQLType = "DATETIME"
	TypeBlob      SQLType = "BLOB"
	TypeVarBinary SQLType = "VARBINARY"
	TypeJSON      SQLType = "JSON"
)

// AuditRole marks columns the engine stamps on writes.
type AuditRole string

const (
	AuditNone         AuditRole = ""
	AuditCreatedTime  AuditRole = "created"
	AuditLastWrite    AuditRole = "lastwrite"
	AuditVersionField AuditRole = "version"
)

// Column describes one mapped property.
type Column struct {
	Property      string
	Name          string
	Type          SQLType
	Size          int
	Precision     int
	Scale         int
	NotNull       bool
	Default       string
	Unique        bool
	Computed      string // SQL expression for computed columns
	Persisted     bool   // computed column is materialized
	Check         string
	CheckName     string
	AuditRole     AuditRole
	PKOrder       int // 1-based position in the primary key, 0 = not part of it
	AutoIncrement bool
	NotMapped     bool
	EnumValues    []string // non-empty for enum-typed columns
	Nullable      bool     // pointer-typed property; enum NULL allowed
}

// IndexColumn is one member of an index group.
type IndexColumn struct {
	Column   string
	Order    int
	Included bool
}

// Index is a named group of columns.
type Index struct {
	Name      string
	Columns   []IndexColumn
	Unique    bool
	Clustered bool
	Filter    string
}

// ForeignKey is a named constraint group. Multi-column groups share the
// referenced table and actions; the builder rejects mismatches.
type ForeignKey struct {
	Name        string
	Columns     []string
	RefTable    string
	RefColumns  []string
	OnDelete    string
	OnUpdate    string
}

// Descriptor is the immutable metadata for one persistable type. Build it
// with Builder or FromStruct; never mutate it after construction.
type Descriptor struct {
	TableName  string
	SchemaName string

	SoftDelete   bool
	SyncWithList bool
	AuditTrail   bool
	Archive      bool
	ExpirySpan   time.Duration

	DependsOn []string

	columns []*Column
	byProp  map[string]*Column
	byName  map[string]*Column

	pk []*Column

	Indexes     []Index
	ForeignKeys []ForeignKey
}

// Columns returns the ordered column list. Callers must not modify the
// returned slice.
func (d *Descriptor) Columns() []*Column { return d.columns }

// Column resolves a property name to its column, or nil.
func (d *Descriptor) Column(property string) *Column { return d.byProp[property] }

// ColumnByName resolves a SQL column name, or nil.
func (d *Descriptor) ColumnByName(name string) *Column { return d.byName[name] }

// PrimaryKey returns the PK columns in key order. With soft delete enabled
// the final component is always Version.
func (d *Descriptor) PrimaryKey() []*Column { return d.pk }

// CompositeKey reports whether the primary key spans more than one column.
func (d *Descriptor) CompositeKey() bool { return len(d.pk) > 1 }

// KeyColumn returns the identity column (the PK minus the Version component).
func (d *Descriptor) KeyColumn() *Column {
	if len(d.pk) == 0 {
		return nil
	}
	return d.pk[0]
}

// ExpiryEnabled reports whether rows carry an absolute expiration.
func (d *Descriptor) ExpiryEnabled() bool { return d.ExpirySpan > 0 }

// ColumnName resolves a property to its SQL column name, falling back to the
// conventional Id/Key names.
func (d *Descriptor) ColumnName(property string) (string, error) {
	if c := d.byProp[property]; c != nil {
		return c.Name, nil
	}
	// Conventional fallbacks so predicates can say "Id" or "Key" regardless
	// of how the entity spells its identity property.
	if property == "Id" || property == "Key" {
		if k := d.KeyColumn(); k != nil {
			return k.Name, nil
		}
	}
	return "", fmt.Errorf("no column mapped for property %q on table %s", property, d.TableName)
}

// QualifiedTable returns schema.table or just the table name.
func (d *Descriptor) QualifiedTable() string {
	if d.SchemaName != "" {
		return d.SchemaName + "." + d.TableName
	}
	return d.TableName
}
