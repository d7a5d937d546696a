package entity

import (
	"fmt"
	"sort"
	"time"
)

// Builder assembles a Descriptor programmatically. The zero value is not
// usable; start with NewBuilder. Build validates the accumulated state and
// returns a frozen descriptor.
type Builder struct {
	d       Descriptor
	cols    []*Column
	indexes map[string]*Index
	fks     map[string]*fkGroup
	err     error
}

type fkGroup struct {
	name     string
	cols     []string
	refTable string
	refCols  []string
	onDelete string
	onUpdate string
}

// NewBuilder starts a descriptor for the given table.
func NewBuilder(table string) *Builder {
	return &Builder{
		d:       Descriptor{TableName: table},
		indexes: make(map[string]*Index),
		fks:     make(map[string]*fkGroup),
	}
}

// Schema sets an optional schema qualifier.
func (b *Builder) Schema(name string) *Builder { b.d.SchemaName = name; return b }

// SoftDelete enables append-only versioning for this table.
func (b *Builder) SoftDelete() *Builder { b.d.SoftDelete = true; return b }

// SyncWithList allows this table to participate in list mappings.
func (b *Builder) SyncWithList() *Builder { b.d.SyncWithList = true; return b }

// AuditTrail enables audit records for every mutation.
func (b *Builder) AuditTrail() *Builder { b.d.AuditTrail = true; return b }

// Archive marks the table archivable. Requires an expiry span.
func (b *Builder) Archive() *Builder { b.d.Archive = true; return b }

// Expiry sets the default lifetime for rows.
func (b *Builder) Expiry(span time.Duration) *Builder { b.d.ExpirySpan = span; return b }

// DependsOn records tables whose creation must precede this one.
func (b *Builder) DependsOn(tables ...string) *Builder {
	b.d.DependsOn = append(b.d.DependsOn, tables...)
	return b
}

// Column appends a column. The caller keeps ownership of nothing; the column
// is copied on Build.
func (b *Builder) Column(c Column) *Builder {
	if c.Property == "" {
		b.fail(fmt.Errorf("column on table %s has no property name", b.d.TableName))
		return b
	}
	if c.Name == "" {
		c.Name = c.Property
	}
	cc := c
	b.cols = append(b.cols, &cc)
	return b
}

// Indexed adds a column to a named index group. Empty name falls back to the
// conventional IX_{table}_{column}.
func (b *Builder) Indexed(name, column string, order int, unique bool) *Builder {
	if name == "" {
		name = fmt.Sprintf("IX_%s_%s", b.d.TableName, column)
	}
	ix, ok := b.indexes[name]
	if !ok {
		ix = &Index{Name: name, Unique: unique}
		b.indexes[name] = ix
	}
	ix.Unique = ix.Unique || unique
	ix.Columns = append(ix.Columns, IndexColumn{Column: column, Order: order})
	return b
}

// ForeignKey adds one column of a named FK group. Empty name falls back to
// FK_{table}_{property}. Columns of one group must agree on the referenced
// table and actions.
func (b *Builder) ForeignKey(name, column, refTable, refColumn, onDelete, onUpdate string) *Builder {
	if name == "" {
		name = fmt.Sprintf("FK_%s_%s", b.d.TableName, column)
	}
	g, ok := b.fks[name]
	if !ok {
		g = &fkGroup{name: name, refTable: refTable, onDelete: onDelete, onUpdate: onUpdate}
		b.fks[name] = g
	}
	if g.refTable != refTable || g.onDelete != onDelete || g.onUpdate != onUpdate {
		b.fail(fmt.Errorf("foreign key %s on table %s: columns disagree on referenced table or actions", name, b.d.TableName))
		return b
	}
	g.cols = append(g.cols, column)
	g.refCols = append(g.refCols, refColumn)
	return b
}

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Build validates and freezes the descriptor.
func (b *Builder) Build() (*Descriptor, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.d.TableName == "" {
		return nil, fmt.Errorf("descriptor has no table name")
	}
	d := b.d // shallow copy; slices rebuilt below

	d.columns = make([]*Column, 0, len(b.cols)+4)
	d.byProp = make(map[string]*Column)
	d.byName = make(map[string]*Column)
	for _, c := range b.cols {
		if prev, dup := d.byProp[c.Property]; dup {
			return nil, fmt.Errorf("table %s: property %q mapped twice (columns %s and %s)",
				d.TableName, c.Property, prev.Name, c.Name)
		}
		cc := *c
		d.columns = append(d.columns, &cc)
		d.byProp[cc.Property] = &cc
		d.byName[cc.Name] = &cc
	}

	if err := ensureTracking(&d); err != nil {
		return nil, err
	}
	if err := resolvePrimaryKey(&d); err != nil {
		return nil, err
	}
	if err := validateFlags(&d); err != nil {
		return nil, err
	}

	// Default check-constraint names.
	for _, c := range d.columns {
		if c.Check != "" && c.CheckName == "" {
			c.CheckName = fmt.Sprintf("CK_%s_%s", d.TableName, c.Name)
		}
	}

	// Freeze index groups in name order, columns by declared order.
	names := make([]string, 0, len(b.indexes))
	for n := range b.indexes {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		ix := *b.indexes[n]
		sort.SliceStable(ix.Columns, func(i, j int) bool { return ix.Columns[i].Order < ix.Columns[j].Order })
		d.Indexes = append(d.Indexes, ix)
	}

	fkNames := make([]string, 0, len(b.fks))
	for n := range b.fks {
		fkNames = append(fkNames, n)
	}
	sort.Strings(fkNames)
	for _, n := range fkNames {
		g := b.fks[n]
		d.ForeignKeys = append(d.ForeignKeys, ForeignKey{
			Name:       g.name,
			Columns:    append([]string(nil), g.cols...),
			RefTable:   g.refTable,
			RefColumns: append([]string(nil), g.refCols...),
			OnDelete:   g.onDelete,
			OnUpdate:   g.onUpdate,
		})
	}

	return &d, nil
}

// ensureTracking adds the engine-managed columns the table's flags demand.
// Declared columns win; only missing ones are appended.
func ensureTracking(d *Descriptor) error {
	add := func(c Column) {
		if d.byProp[c.Property] != nil {
			return
		}
		cc := c
		d.columns = append(d.columns, &cc)
		d.byProp[cc.Property] = &cc
		d.byName[cc.Name] = &cc
	}

	add(Column{Property: PropCreatedTime, Name: PropCreatedTime, Type: TypeDateTime, NotNull: true, AuditRole: AuditCreatedTime})
	add(Column{Property: PropLastWriteTime, Name: PropLastWriteTime, Type: TypeDateTime, NotNull: true, AuditRole: AuditLastWrite})
	add(Column{Property: PropVersion, Name: PropVersion, Type: TypeBigInt, NotNull: true, AuditRole: AuditVersionField})

	// Declared tracking columns (for example promoted from an embedded
	// Tracked struct) still carry their engine roles.
	d.byProp[PropCreatedTime].AuditRole = AuditCreatedTime
	d.byProp[PropLastWriteTime].AuditRole = AuditLastWrite
	d.byProp[PropVersion].AuditRole = AuditVersionField
	d.byProp[PropCreatedTime].NotNull = true
	d.byProp[PropLastWriteTime].NotNull = true
	d.byProp[PropVersion].NotNull = true

	if d.SoftDelete {
		add(Column{Property: PropIsDeleted, Name: PropIsDeleted, Type: TypeInteger, NotNull: true, Default: "0"})
	}
	if d.ExpirySpan > 0 {
		add(Column{Property: PropAbsoluteExpiration, Name: PropAbsoluteExpiration, Type: TypeDateTime, Nullable: true})
	}
	if d.Archive {
		add(Column{Property: PropIsArchived, Name: PropIsArchived, Type: TypeInteger, NotNull: true, Default: "0"})
	}
	return nil
}

// resolvePrimaryKey orders PK-annotated columns, falls back to conventional
// Id/Key, and appends Version as the final component under soft delete.
func resolvePrimaryKey(d *Descriptor) error {
	var pk []*Column
	for _, c := range d.columns {
		if c.PKOrder > 0 {
			pk = append(pk, c)
		}
	}
	sort.SliceStable(pk, func(i, j int) bool { return pk[i].PKOrder < pk[j].PKOrder })

	if len(pk) == 0 {
		for _, conv := range []string{"Id", "Key"} {
			if c := d.byProp[conv]; c != nil {
				c.PKOrder = 1
				pk = append(pk, c)
				break
			}
		}
	}
	if len(pk) == 0 {
		return fmt.Errorf("table %s: no primary key column (annotate one or declare Id/Key)", d.TableName)
	}

	if d.SoftDelete {
		ver := d.byProp[PropVersion]
		// Version is always the trailing PK component for soft-delete tables.
		already := len(pk) > 0 && pk[len(pk)-1] == ver
		if !already {
			ver.PKOrder = pk[len(pk)-1].PKOrder + 1
			pk = append(pk, ver)
		}
	}
	d.pk = pk
	return nil
}

func validateFlags(d *Descriptor) error {
	if d.Archive && d.ExpirySpan <= 0 {
		return fmt.Errorf("table %s: archive requires an expiry span", d.TableName)
	}
	if d.ExpirySpan > 0 {
		if d.byProp[PropCreatedTime] == nil || d.byProp[PropAbsoluteExpiration] == nil {
			return fmt.Errorf("table %s: expiry requires CreatedTime and AbsoluteExpiration columns", d.TableName)
		}
	}
	for _, c := range d.columns {
		if c.AutoIncrement && c.PKOrder == 0 {
			return fmt.Errorf("table %s: autoincrement column %s must be the primary key", d.TableName, c.Name)
		}
	}
	return nil
}
