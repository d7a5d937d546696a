package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/smartpcr/persistence-lib/internal/entity"
	"github.com/smartpcr/persistence-lib/internal/expr"
	"github.com/smartpcr/persistence-lib/internal/rowmap"
	"github.com/smartpcr/persistence-lib/internal/sqlgen"
	"github.com/smartpcr/persistence-lib/internal/storage"
)

// runner is the common surface of *sql.DB and *sql.Tx.
type runner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Table is the untyped half of a store: everything that works on raw rows
// through a descriptor alone. The CLI operates on Tables reflected from
// existing databases; typed stores embed one.
type Table struct {
	eng  *Engine
	desc *entity.Descriptor
	gen  *sqlgen.Generator
	tr   *expr.Translator
	name string

	// scope, when set, routes every operation through one open transaction.
	scope *Scope
}

func newTable(eng *Engine, desc *entity.Descriptor) Table {
	tr := expr.NewTranslator(desc, sqlgen.NewDateTimeFormatter(desc))
	if k := desc.KeyColumn(); k != nil {
		tr.KeyProperty = k.Property
	}
	return Table{
		eng:  eng,
		desc: desc,
		gen:  sqlgen.New(desc),
		tr:   tr,
		name: desc.TableName,
	}
}

// Store is the typed repository over one entity table. T is the entity
// struct, K its key type. Stores are cheap; build one per entity type and
// share the engine.
type Store[T any, K comparable] struct {
	Table
	mapper *rowmap.Mapper
}

// NewStore binds a descriptor to the engine. The descriptor's property set
// must be satisfiable by T's fields (engine-managed columns may be absent).
func NewStore[T any, K comparable](eng *Engine, desc *entity.Descriptor) (*Store[T, K], error) {
	var sample T
	mapper, err := rowmap.NewMapper(desc, sample)
	if err != nil {
		return nil, fmt.Errorf("failed to map %T onto %s: %w", sample, desc.TableName, err)
	}
	return &Store[T, K]{Table: newTable(eng, desc), mapper: mapper}, nil
}

// WithMaterializer overrides entity construction for the read path, for
// types that cannot start from their zero value.
func (s *Store[T, K]) WithMaterializer(factory func() *T) *Store[T, K] {
	s.mapper.Factory = func() any { return factory() }
	return s
}

// Descriptor returns the table's descriptor.
func (c *Table) Descriptor() *entity.Descriptor { return c.desc }

// Engine returns the shared engine.
func (c *Table) Engine() *Engine { return c.eng }

// InScope returns a view of the store whose operations run inside the given
// transaction scope. The scope owns commit and rollback.
func (s *Store[T, K]) InScope(sc *Scope) *Store[T, K] {
	cp := *s
	cp.scope = sc
	return &cp
}

// Initialize creates the entity table and its indexes. Purely additive;
// existing tables are left alone.
func (c *Table) Initialize(ctx context.Context) error {
	ctx, cancel := c.eng.opCtx(ctx)
	defer cancel()
	return c.eng.policy.Do(ctx, "initialize "+c.name, func() error {
		if _, err := c.eng.db.ExecContext(ctx, c.gen.CreateTableSQL(true)); err != nil {
			return wrapDBError("initialize", c.name, "", err)
		}
		for _, stmt := range c.gen.CreateIndexSQL(true) {
			if _, err := c.eng.db.ExecContext(ctx, stmt); err != nil {
				return wrapDBError("initialize", c.name, "", err)
			}
		}
		return nil
	})
}

// withTx runs op in a transaction. Standalone stores own the transaction and
// wrap it with the retry policy; scoped stores reuse the scope's transaction
// and leave commit to the scope.
func (c *Table) withTx(ctx context.Context, name string, op func(ctx context.Context, tx *sql.Tx) error) error {
	if c.scope != nil {
		if c.scope.done {
			return storage.NewError(storage.KindFatal, name, c.name, "", fmt.Errorf("scope already closed"))
		}
		return op(ctx, c.scope.tx)
	}
	return c.eng.policy.Do(ctx, name, func() error {
		opCtx, cancel := c.eng.opCtx(ctx)
		defer cancel()
		tx, err := c.eng.db.BeginTx(opCtx, nil)
		if err != nil {
			return wrapDBError(name, c.name, "", err)
		}
		defer tx.Rollback()
		if err := op(opCtx, tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return wrapDBError(name, c.name, "", err)
		}
		return nil
	})
}

// reader picks the scope's transaction or the shared handle for reads.
func (c *Table) reader() runner {
	if c.scope != nil {
		return c.scope.tx
	}
	return c.eng.db
}

// bind converts a property-keyed parameter map into named args.
func bind(params map[string]any) []any {
	args := make([]any, 0, len(params))
	for k, v := range params {
		args = append(args, sql.Named(k, v))
	}
	return args
}

func (s *Store[T, K]) keyString(key K) string { return fmt.Sprint(key) }

// keyParam renders the identity column parameter for key lookups.
func (s *Store[T, K]) keyParam(key K) any {
	return sql.Named(s.desc.KeyColumn().Property, normalizeKey(key))
}

func normalizeKey(key any) any {
	switch k := key.(type) {
	case string:
		return k
	case fmt.Stringer:
		return k.String()
	default:
		return k
	}
}

// scanRowMap reads the current row into a property-keyed raw map.
func scanRowMap(rows *sql.Rows, cols []*entity.Column) (map[string]any, error) {
	raw := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("failed to scan row: %w", err)
	}
	m := make(map[string]any, len(cols))
	for i, c := range cols {
		m[c.Property] = raw[i]
	}
	return m, nil
}

// queryEntities runs a SELECT and materializes every row.
func (s *Store[T, K]) queryEntities(ctx context.Context, r runner, query string, args []any) ([]*T, error) {
	rows, err := r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cols := s.gen.SelectColumns()
	var out []*T
	for rows.Next() {
		ent, err := s.mapper.ScanRow(rows, cols)
		if err != nil {
			return nil, err
		}
		out = append(out, ent.(*T))
	}
	return out, rows.Err()
}

// fetchLatestRaw reads the newest row for a key as a raw property map,
// including deleted and expired rows. Returns nil when the key has no rows.
func (c *Table) fetchLatestRaw(ctx context.Context, r runner, key any) (map[string]any, error) {
	frag, err := c.tr.Translate(expr.Eq(c.desc.KeyColumn().Property, normalizeKey(key)))
	if err != nil {
		return nil, storage.NewError(storage.KindUnsupportedExpr, "get latest", c.name, fmt.Sprint(key), err)
	}
	spec := sqlgen.SelectSpec{
		IncludeAllVersions: true,
		IncludeDeleted:     true,
		IncludeExpired:     true,
		Limit:              1,
	}
	if c.desc.SoftDelete {
		order := fmt.Sprintf("%s DESC", entity.PropVersion)
		spec.OrderBy = order
	}
	query := c.gen.SelectSQL(&frag, spec)
	rows, err := r.QueryContext(ctx, query, bind(frag.Params)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanRowMap(rows, c.gen.SelectColumns())
}

// rawBool reads a 0/1 raw column value.
func rawBool(v any) bool {
	switch x := v.(type) {
	case int64:
		return x != 0
	case bool:
		return x
	case string:
		return x == "1" || x == "true"
	}
	return false
}

// rawInt64 reads an integer raw column value.
func rawInt64(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case float64:
		return int64(x)
	}
	return 0
}

func rawString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}
