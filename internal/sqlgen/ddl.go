package sqlgen

import (
	"fmt"
	"strings"

	"github.com/smartpcr/persistence-lib/internal/entity"
)

// Generator emits SQL for one descriptor. It holds no connection state and
// is safe for concurrent use.
type Generator struct {
	d *entity.Descriptor
}

// New builds a generator over a descriptor.
func New(d *entity.Descriptor) *Generator { return &Generator{d: d} }

// Descriptor exposes the underlying descriptor.
func (g *Generator) Descriptor() *entity.Descriptor { return g.d }

// CreateTableSQL renders the additive DDL for the table.
func (g *Generator) CreateTableSQL(ifNotExists bool) string {
	var sb strings.Builder
	sb.WriteString("CREATE TABLE ")
	if ifNotExists {
		sb.WriteString("IF NOT EXISTS ")
	}
	sb.WriteString(quote(g.d.QualifiedTable()))
	sb.WriteString(" (\n")

	pk := g.d.PrimaryKey()
	singleAutoPK := len(pk) == 1 && pk[0].AutoIncrement

	var parts []string
	for _, c := range g.d.Columns() {
		if c.NotMapped {
			continue
		}
		parts = append(parts, "    "+g.columnDef(c, singleAutoPK))
	}

	if !singleAutoPK && len(pk) > 0 {
		cols := make([]string, len(pk))
		for i, c := range pk {
			cols[i] = quote(c.Name)
		}
		parts = append(parts, fmt.Sprintf("    PRIMARY KEY (%s)", strings.Join(cols, ", ")))
	}

	for _, c := range g.d.Columns() {
		if c.Check != "" {
			parts = append(parts, fmt.Sprintf("    CONSTRAINT %s CHECK (%s)", c.CheckName, c.Check))
		}
		if len(c.EnumValues) > 0 {
			parts = append(parts, "    "+g.enumCheck(c))
		}
	}

	for _, fk := range g.d.ForeignKeys {
		parts = append(parts, "    "+foreignKeyClause(fk))
	}

	sb.WriteString(strings.Join(parts, ",\n"))
	sb.WriteString("\n)")
	return sb.String()
}

func (g *Generator) columnDef(c *entity.Column, singleAutoPK bool) string {
	var sb strings.Builder
	sb.WriteString(quote(c.Name))

	if c.Computed != "" {
		sb.WriteString(" " + sqliteType(c))
		sb.WriteString(" AS (" + c.Computed + ")")
		if c.Persisted {
			sb.WriteString(" STORED")
		}
		return sb.String()
	}

	sb.WriteString(" " + sqliteType(c))
	if singleAutoPK && c.AutoIncrement {
		sb.WriteString(" PRIMARY KEY AUTOINCREMENT")
	}
	if c.NotNull && !c.Nullable {
		sb.WriteString(" NOT NULL")
	}
	if c.Unique {
		sb.WriteString(" UNIQUE")
	}
	if c.Default != "" {
		sb.WriteString(" DEFAULT " + c.Default)
	}
	return sb.String()
}

// enumCheck constrains an enum column to its declared members. Nullable
// enums accept NULL through the usual CHECK semantics (NULL passes).
func (g *Generator) enumCheck(c *entity.Column) string {
	vals := make([]string, len(c.EnumValues))
	for i, v := range c.EnumValues {
		vals[i] = "'" + strings.ReplaceAll(v, "'", "''") + "'"
	}
	name := fmt.Sprintf("CK_%s_%s", g.d.TableName, c.Name)
	return fmt.Sprintf("CONSTRAINT %s CHECK (%s IN (%s))", name, quote(c.Name), strings.Join(vals, ", "))
}

func foreignKeyClause(fk entity.ForeignKey) string {
	local := make([]string, len(fk.Columns))
	for i, c := range fk.Columns {
		local[i] = quote(c)
	}
	ref := make([]string, len(fk.RefColumns))
	for i, c := range fk.RefColumns {
		ref[i] = quote(c)
	}
	s := fmt.Sprintf("CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s)",
		fk.Name, strings.Join(local, ", "), quote(fk.RefTable), strings.Join(ref, ", "))
	if fk.OnDelete != "" {
		s += " ON DELETE " + fk.OnDelete
	}
	if fk.OnUpdate != "" {
		s += " ON UPDATE " + fk.OnUpdate
	}
	return s
}

// CreateIndexSQL renders one CREATE INDEX per index group.
func (g *Generator) CreateIndexSQL(ifNotExists bool) []string {
	stmts := make([]string, 0, len(g.d.Indexes))
	for _, ix := range g.d.Indexes {
		var sb strings.Builder
		sb.WriteString("CREATE ")
		if ix.Unique {
			sb.WriteString("UNIQUE ")
		}
		sb.WriteString("INDEX ")
		if ifNotExists {
			sb.WriteString("IF NOT EXISTS ")
		}
		sb.WriteString(ix.Name)
		sb.WriteString(" ON " + quote(g.d.TableName) + " (")
		cols := make([]string, 0, len(ix.Columns))
		for _, ic := range ix.Columns {
			if ic.Included {
				continue // SQLite has no INCLUDE columns
			}
			cols = append(cols, quote(ic.Column))
		}
		sb.WriteString(strings.Join(cols, ", "))
		sb.WriteString(")")
		if ix.Filter != "" {
			sb.WriteString(" WHERE " + ix.Filter)
		}
		stmts = append(stmts, sb.String())
	}
	return stmts
}
