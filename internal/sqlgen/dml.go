package sqlgen

import (
	"fmt"
	"strings"

	"github.com/smartpcr/persistence-lib/internal/entity"
)

// NextVersionParam is the placeholder carrying the freshly allocated global
// version on soft-delete writes.
const NextVersionParam = "NextVersion"

// insertable reports whether a column appears in INSERT column lists.
func insertable(c *entity.Column) bool {
	return !c.NotMapped && c.Computed == "" && !c.AutoIncrement
}

// InsertColumns returns the columns an INSERT binds, in descriptor order.
func (g *Generator) InsertColumns() []*entity.Column {
	var cols []*entity.Column
	for _, c := range g.d.Columns() {
		if insertable(c) {
			cols = append(cols, c)
		}
	}
	return cols
}

// InsertSQL renders the INSERT for one row. Under soft delete the Version
// value binds to @NextVersion and IsDeleted is emitted as a literal 0; the
// caller overrides the literal by binding a tombstone row through
// TombstoneInsertSQL instead.
func (g *Generator) InsertSQL() string {
	return g.insertSQL(false)
}

// TombstoneInsertSQL is InsertSQL with IsDeleted fixed to 1. Used when a
// soft delete appends its terminal row.
func (g *Generator) TombstoneInsertSQL() string {
	return g.insertSQL(true)
}

func (g *Generator) insertSQL(tombstone bool) string {
	cols := g.InsertColumns()
	names := make([]string, 0, len(cols))
	vals := make([]string, 0, len(cols))
	for _, c := range cols {
		names = append(names, quote(c.Name))
		switch {
		case g.d.SoftDelete && c.Property == entity.PropVersion:
			vals = append(vals, "@"+NextVersionParam)
		case g.d.SoftDelete && c.Property == entity.PropIsDeleted:
			if tombstone {
				vals = append(vals, "1")
			} else {
				vals = append(vals, "0")
			}
		default:
			vals = append(vals, "@"+c.Property)
		}
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quote(g.d.QualifiedTable()), strings.Join(names, ", "), strings.Join(vals, ", "))
}

// BatchInsertSQL renders a single INSERT with n value tuples; parameters are
// suffixed with the row index (@Name_0, @Name_1, ...).
func (g *Generator) BatchInsertSQL(n int) string {
	cols := g.InsertColumns()
	names := make([]string, 0, len(cols))
	for _, c := range cols {
		names = append(names, quote(c.Name))
	}
	tuples := make([]string, 0, n)
	for i := 0; i < n; i++ {
		vals := make([]string, 0, len(cols))
		for _, c := range cols {
			if g.d.SoftDelete && c.Property == entity.PropIsDeleted {
				vals = append(vals, "0")
				continue
			}
			prop := c.Property
			if g.d.SoftDelete && c.Property == entity.PropVersion {
				prop = NextVersionParam
			}
			vals = append(vals, fmt.Sprintf("@%s_%d", prop, i))
		}
		tuples = append(tuples, "("+strings.Join(vals, ", ")+")")
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		quote(g.d.QualifiedTable()), strings.Join(names, ", "), strings.Join(tuples, ", "))
}

// UpdateSQL renders the hard-delete-mode UPDATE: SET every writable non-PK
// column, bump Version in place, and match the full key plus the expected
// version when the table carries one.
func (g *Generator) UpdateSQL() string {
	var sets []string
	for _, c := range g.d.Columns() {
		if c.NotMapped || c.Computed != "" || c.AutoIncrement || c.PKOrder > 0 {
			continue
		}
		switch c.Property {
		case entity.PropVersion:
			sets = append(sets, fmt.Sprintf("%s = @%s + 1", quote(c.Name), entity.PropVersion))
		case entity.PropCreatedTime:
			// CreatedTime is immutable after the first write.
			continue
		default:
			sets = append(sets, fmt.Sprintf("%s = @%s", quote(c.Name), c.Property))
		}
	}
	where := g.pkEquality()
	if g.d.Column(entity.PropVersion) != nil && !g.d.SoftDelete {
		where += fmt.Sprintf(" AND %s = @%s", quote(g.d.Column(entity.PropVersion).Name), entity.PropVersion)
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		quote(g.d.QualifiedTable()), strings.Join(sets, ", "), where)
}

// DeleteSQL renders the hard DELETE by key.
func (g *Generator) DeleteSQL() string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s", quote(g.d.QualifiedTable()), g.keyEquality())
}

// SoftDeleteSQL renders the in-place soft delete: flip IsDeleted and advance
// the row to the freshly allocated version.
func (g *Generator) SoftDeleteSQL() string {
	return fmt.Sprintf("UPDATE %s SET %s = 1, %s = @%s WHERE %s",
		quote(g.d.QualifiedTable()),
		quote(g.d.Column(entity.PropIsDeleted).Name),
		quote(g.d.Column(entity.PropVersion).Name), NextVersionParam,
		g.keyEquality())
}

// pkEquality matches every primary-key column by its property parameter.
func (g *Generator) pkEquality() string {
	pk := g.d.PrimaryKey()
	parts := make([]string, len(pk))
	for i, c := range pk {
		parts[i] = fmt.Sprintf("%s = @%s", quote(c.Name), c.Property)
	}
	return strings.Join(parts, " AND ")
}

// keyEquality matches the identity columns only (PK minus the Version
// component soft delete appends).
func (g *Generator) keyEquality() string {
	var parts []string
	for _, c := range g.d.PrimaryKey() {
		if g.d.SoftDelete && c.Property == entity.PropVersion {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s = @%s", quote(c.Name), c.Property))
	}
	return strings.Join(parts, " AND ")
}
