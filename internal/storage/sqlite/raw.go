package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/smartpcr/persistence-lib/internal/entity"
	"github.com/smartpcr/persistence-lib/internal/expr"
	"github.com/smartpcr/persistence-lib/internal/sqlgen"
	"github.com/smartpcr/persistence-lib/internal/storage"
)

// RawRowFilter narrows a raw-row dump. Zero value dumps everything visible
// under the flags.
type RawRowFilter struct {
	// ModifiedAfter keeps rows with LastWriteTime strictly after the stamp
	// (incremental export).
	ModifiedAfter *time.Time
	// CreatedBefore keeps rows created before the stamp (archive export).
	CreatedBefore *time.Time
	// AllVersions includes every version and tombstones (soft delete).
	AllVersions bool
}

// RawRows dumps rows in storage form, keyed by property name. Soft-delete
// dumps come back ordered by key then ascending version so the export chain
// invariant holds without resorting.
func (c *Table) RawRows(ctx context.Context, filter RawRowFilter) ([]map[string]any, error) {
	var preds []expr.Predicate
	if filter.ModifiedAfter != nil {
		preds = append(preds, expr.After(entity.PropLastWriteTime, filter.ModifiedAfter.UTC()))
	}
	if filter.CreatedBefore != nil {
		preds = append(preds, expr.Before(entity.PropCreatedTime, filter.CreatedBefore.UTC()))
	}
	var where expr.Predicate
	switch len(preds) {
	case 0:
	case 1:
		where = preds[0]
	default:
		where = expr.And(preds...)
	}
	frag, err := c.translateWhere(where)
	if err != nil {
		return nil, err
	}

	spec := sqlgen.SelectSpec{
		IncludeAllVersions: filter.AllVersions,
		IncludeDeleted:     filter.AllVersions,
		IncludeExpired:     true,
	}
	if c.desc.SoftDelete && filter.AllVersions {
		// Export chain invariant: per key, ascending version, no resorting.
		spec.OrderBy = fmt.Sprintf("%s, %s",
			c.desc.KeyColumn().Name, c.desc.Column(entity.PropVersion).Name)
	} else if !c.desc.SoftDelete {
		spec.OrderBy = c.desc.KeyColumn().Name
	}
	query := c.gen.SelectSQL(frag, spec)

	rows, err := c.reader().QueryContext(ctx, query, bind(frag.Params)...)
	if err != nil {
		return nil, wrapDBError("raw rows", c.name, "", err)
	}
	defer rows.Close()
	cols := c.gen.SelectColumns()
	var out []map[string]any
	for rows.Next() {
		m, err := scanRowMap(rows, cols)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// InsertRawRows writes rows verbatim, preserving versions, tombstone flags,
// and timestamps. Used by the importer; everything runs in one transaction.
func (c *Table) InsertRawRows(ctx context.Context, rows []map[string]any) error {
	return c.withTx(ctx, "insert raw "+c.name, func(ctx context.Context, tx *sql.Tx) error {
		return c.insertRawInTx(ctx, tx, rows)
	})
}

func (c *Table) insertRawInTx(ctx context.Context, tx *sql.Tx, rows []map[string]any) error {
	cols := c.gen.InsertColumns()
	names := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, col := range cols {
		names[i] = col.Name
		marks[i] = "?"
	}
	query := fmt.Sprintf("INSERT INTO [%s] (%s) VALUES (%s)",
		c.desc.TableName, strings.Join(names, ", "), strings.Join(marks, ", "))
	for _, row := range rows {
		vals := make([]any, len(cols))
		for i, col := range cols {
			v, ok := row[col.Property]
			if !ok || v == nil {
				v = columnFallback(col)
			}
			vals[i] = v
		}
		if _, err := tx.ExecContext(ctx, query, vals...); err != nil {
			if isUniqueConstraintError(err) {
				return storage.NewError(storage.KindAlreadyExists, "insert raw", c.name,
					rawString(row[c.desc.KeyColumn().Property]), err)
			}
			return wrapDBError("insert raw", c.name, "", err)
		}
	}
	return nil
}

// DeleteAllRows clears the table (replace-mode import).
func (c *Table) DeleteAllRows(ctx context.Context) error {
	return c.withTx(ctx, "clear "+c.name, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM [%s]", c.desc.TableName)); err != nil {
			return wrapDBError("clear", c.name, "", err)
		}
		return nil
	})
}

func chunkStrings(in []string, size int) [][]string {
	var out [][]string
	for len(in) > size {
		out = append(out, in[:size])
		in = in[size:]
	}
	if len(in) > 0 {
		out = append(out, in)
	}
	return out
}
