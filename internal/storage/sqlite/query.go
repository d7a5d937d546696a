package sqlite

import (
	"context"
	"database/sql"

	"github.com/smartpcr/persistence-lib/internal/expr"
	"github.com/smartpcr/persistence-lib/internal/sqlgen"
	"github.com/smartpcr/persistence-lib/internal/storage"
)

// translateWhere renders a predicate, classifying translation failures.
func (c *Table) translateWhere(where expr.Predicate) (*expr.Fragment, error) {
	frag, err := c.tr.Translate(where)
	if err != nil {
		return nil, storage.NewError(storage.KindUnsupportedExpr, "translate", c.name, "", err)
	}
	return &frag, nil
}

// specFromOptions lowers contract-level options into a generator spec.
func (c *Table) specFromOptions(opts *storage.SelectOptions) (sqlgen.SelectSpec, error) {
	spec := sqlgen.SelectSpec{}
	if opts == nil {
		return spec, nil
	}
	spec.IncludeAllVersions = opts.IncludeAllVersions
	spec.IncludeDeleted = opts.IncludeDeleted
	spec.IncludeExpired = opts.IncludeExpired
	spec.Limit = opts.Limit
	spec.Offset = opts.Offset
	if !opts.OrderBy.Empty() {
		order, err := opts.OrderBy.SQL(c.desc)
		if err != nil {
			return spec, storage.NewError(storage.KindUnsupportedExpr, "order by", c.name, "", err)
		}
		spec.OrderBy = order
	}
	return spec, nil
}

// Query returns entities matching the predicate under the given options.
func (s *Store[T, K]) Query(ctx context.Context, where expr.Predicate, opts *storage.SelectOptions) ([]*T, error) {
	if opts != nil && opts.Where != nil && where == nil {
		where = opts.Where
	}
	frag, err := s.translateWhere(where)
	if err != nil {
		return nil, err
	}
	spec, err := s.specFromOptions(opts)
	if err != nil {
		return nil, err
	}
	query := s.gen.SelectSQL(frag, spec)
	args := s.withNow(bind(frag.Params), spec)
	ents, err := s.queryEntities(ctx, s.reader(), query, args)
	if err != nil {
		return nil, wrapDBError("query", s.name, "", err)
	}
	return ents, nil
}

// GetAll returns every live entity, optionally filtered.
func (s *Store[T, K]) GetAll(ctx context.Context, where expr.Predicate) ([]*T, error) {
	return s.Query(ctx, where, nil)
}

// QueryPaged returns one page plus the total match count.
func (s *Store[T, K]) QueryPaged(ctx context.Context, where expr.Predicate, pageSize, pageNum int) (*storage.Page[*T], error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	if pageNum < 1 {
		pageNum = 1
	}
	total, err := s.Count(ctx, where)
	if err != nil {
		return nil, err
	}
	opts := &storage.SelectOptions{Limit: pageSize, Offset: (pageNum - 1) * pageSize}
	items, err := s.Query(ctx, where, opts)
	if err != nil {
		return nil, err
	}
	pages := int(total) / pageSize
	if int(total)%pageSize != 0 {
		pages++
	}
	return &storage.Page[*T]{Items: items, Total: total, PageCount: pages}, nil
}

// Count counts matching live entities.
func (c *Table) Count(ctx context.Context, where expr.Predicate) (int64, error) {
	frag, err := c.translateWhere(where)
	if err != nil {
		return 0, err
	}
	spec := sqlgen.SelectSpec{}
	query := c.gen.CountSQL(frag, spec)
	args := c.withNow(bind(frag.Params), spec)
	var n int64
	if err := c.reader().QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, wrapDBError("count", c.name, "", err)
	}
	return n, nil
}

// Exists reports whether any live entity matches.
func (c *Table) Exists(ctx context.Context, where expr.Predicate) (bool, error) {
	n, err := c.Count(ctx, where)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
