package sqlgen

import (
	"fmt"
	"strings"

	"github.com/smartpcr/persistence-lib/internal/entity"
	"github.com/smartpcr/persistence-lib/internal/expr"
)

// NowParam is the placeholder the expiry filter compares against. The store
// binds it to the current time on every execution.
const NowParam = "now"

// SelectSpec steers SELECT generation.
type SelectSpec struct {
	IncludeAllVersions bool
	IncludeDeleted     bool
	IncludeExpired     bool
	OrderBy            string // pre-rendered ORDER BY body; wins over defaults
	Limit              int
	Offset             int
}

// SelectColumns returns the mapped columns a SELECT projects, in descriptor
// order. The row mapper scans in exactly this order.
func (g *Generator) SelectColumns() []*entity.Column {
	var cols []*entity.Column
	for _, c := range g.d.Columns() {
		if !c.NotMapped {
			cols = append(cols, c)
		}
	}
	return cols
}

// idColumns is the identity part of the primary key (PK minus Version).
func (g *Generator) idColumns() []*entity.Column {
	var ids []*entity.Column
	for _, c := range g.d.PrimaryKey() {
		if g.d.SoftDelete && c.Property == entity.PropVersion {
			continue
		}
		ids = append(ids, c)
	}
	return ids
}

// SelectSQL renders the query. The where fragment may be nil. The expiry
// filter binds @now; callers must supply it whenever ExpiryEnabled and
// !IncludeExpired.
func (g *Generator) SelectSQL(where *expr.Fragment, spec SelectSpec) string {
	return g.buildSelect("", where, spec)
}

// CountSQL renders SELECT COUNT(*) with the same row-visibility semantics.
func (g *Generator) CountSQL(where *expr.Fragment, spec SelectSpec) string {
	return g.buildSelect("COUNT(*)", where, spec)
}

func (g *Generator) buildSelect(projection string, where *expr.Fragment, spec SelectSpec) string {
	// The latest-version filter applies when soft delete is on, the caller
	// wants collapsed history, and the predicate does not pin Version itself.
	needLatest := g.d.SoftDelete && !spec.IncludeAllVersions &&
		(where == nil || !where.ReferencesVersion)

	ids := g.idColumns()
	// The correlated-subquery form needs a sole single-column key equality.
	subquery := needLatest && where != nil && where.SingleKeyParam != "" && len(ids) == 1
	join := needLatest && !subquery

	alias := ""
	if join {
		alias = "t"
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	if projection != "" {
		sb.WriteString(projection)
	} else {
		cols := g.SelectColumns()
		parts := make([]string, len(cols))
		for i, c := range cols {
			parts[i] = qualify(alias, c.Name)
		}
		sb.WriteString(strings.Join(parts, ", "))
	}
	sb.WriteString(" FROM " + quote(g.d.QualifiedTable()))
	if join {
		sb.WriteString(" AS t")
		sb.WriteString(g.latestJoin(ids))
	}

	var conds []string
	if where != nil && where.SQL != "" {
		conds = append(conds, where.SQL)
	}
	if subquery {
		verCol := quote(g.d.Column(entity.PropVersion).Name)
		conds = append(conds, fmt.Sprintf("%s = (SELECT MAX(%s) FROM %s WHERE %s = @%s)",
			verCol, verCol, quote(g.d.QualifiedTable()), quote(ids[0].Name), where.SingleKeyParam))
	}
	if g.d.SoftDelete && !spec.IncludeDeleted {
		conds = append(conds, fmt.Sprintf("%s = 0", qualify(alias, g.d.Column(entity.PropIsDeleted).Name)))
	}
	if g.d.ExpiryEnabled() && !spec.IncludeExpired {
		exp := qualify(alias, g.d.Column(entity.PropAbsoluteExpiration).Name)
		conds = append(conds, fmt.Sprintf("(%s IS NULL OR %s > @%s)", exp, exp, NowParam))
	}
	if len(conds) > 0 {
		sb.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}

	if projection == "" {
		if order := g.orderClause(spec, join, ids); order != "" {
			sb.WriteString(" ORDER BY " + order)
		}
		if spec.Limit > 0 {
			fmt.Fprintf(&sb, " LIMIT %d", spec.Limit)
		} else if spec.Offset > 0 {
			sb.WriteString(" LIMIT -1")
		}
		if spec.Offset > 0 {
			fmt.Fprintf(&sb, " OFFSET %d", spec.Offset)
		}
	}
	return sb.String()
}

// latestJoin renders the grouped inner join that keeps only each key's
// newest version.
func (g *Generator) latestJoin(ids []*entity.Column) string {
	verCol := quote(g.d.Column(entity.PropVersion).Name)
	sel := make([]string, 0, len(ids)+1)
	group := make([]string, 0, len(ids))
	on := make([]string, 0, len(ids)+1)
	for i, c := range ids {
		sel = append(sel, fmt.Sprintf("%s AS PK_%d", quote(c.Name), i))
		group = append(group, quote(c.Name))
		on = append(on, fmt.Sprintf("t.%s = latest.PK_%d", quote(c.Name), i))
	}
	sel = append(sel, fmt.Sprintf("MAX(%s) AS MAX_VERSION", verCol))
	on = append(on, fmt.Sprintf("t.%s = latest.MAX_VERSION", verCol))
	return fmt.Sprintf(" INNER JOIN (SELECT %s FROM %s GROUP BY %s) latest ON %s",
		strings.Join(sel, ", "), quote(g.d.QualifiedTable()),
		strings.Join(group, ", "), strings.Join(on, " AND "))
}

func (g *Generator) orderClause(spec SelectSpec, join bool, ids []*entity.Column) string {
	if spec.OrderBy != "" {
		return spec.OrderBy
	}
	if spec.IncludeAllVersions && g.d.SoftDelete {
		parts := make([]string, 0, len(ids)+1)
		for _, c := range ids {
			parts = append(parts, quote(c.Name))
		}
		parts = append(parts, quote(g.d.Column(entity.PropVersion).Name)+" DESC")
		return strings.Join(parts, ", ")
	}
	if join {
		parts := make([]string, len(ids))
		for i, c := range ids {
			parts[i] = "t." + quote(c.Name)
		}
		return strings.Join(parts, ", ")
	}
	return ""
}

func qualify(alias, col string) string {
	if alias == "" {
		return quote(col)
	}
	return alias + "." + quote(col)
}
