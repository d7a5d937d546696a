package expr

import (
	"fmt"
	"strings"
)

// Ordering records a chain of OrderBy/ThenBy calls. It is a recording
// facade: nothing executes, it only captures (property, direction) pairs for
// the SQL generator to render.
type Ordering struct {
	keys []orderKey
}

type orderKey struct {
	Prop string
	Desc bool
}

// OrderBy starts an ordering on a property, ascending.
func OrderBy(prop string) *Ordering {
	return &Ordering{keys: []orderKey{{Prop: prop}}}
}

// OrderByDescending starts an ordering on a property, descending.
func OrderByDescending(prop string) *Ordering {
	return &Ordering{keys: []orderKey{{Prop: prop, Desc: true}}}
}

// ThenBy appends a secondary ascending key.
func (o *Ordering) ThenBy(prop string) *Ordering {
	o.keys = append(o.keys, orderKey{Prop: prop})
	return o
}

// ThenByDescending appends a secondary descending key.
func (o *Ordering) ThenByDescending(prop string) *Ordering {
	o.keys = append(o.keys, orderKey{Prop: prop, Desc: true})
	return o
}

// Empty reports whether any key was recorded.
func (o *Ordering) Empty() bool { return o == nil || len(o.keys) == 0 }

// SQL renders the ORDER BY body (without the keywords) using the resolver's
// column mapping. Conventional Id/Key fallbacks apply as in predicates.
func (o *Ordering) SQL(resolver ColumnResolver) (string, error) {
	if o.Empty() {
		return "", nil
	}
	parts := make([]string, 0, len(o.keys))
	for _, k := range o.keys {
		col, err := resolver.ColumnName(k.Prop)
		if err != nil {
			return "", fmt.Errorf("order by %s: %w", k.Prop, err)
		}
		dir := "ASC"
		if k.Desc {
			dir = "DESC"
		}
		parts = append(parts, col+" "+dir)
	}
	return strings.Join(parts, ", "), nil
}
