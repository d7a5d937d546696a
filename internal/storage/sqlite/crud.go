package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smartpcr/persistence-lib/internal/debug"
	"github.com/smartpcr/persistence-lib/internal/entity"
	"github.com/smartpcr/persistence-lib/internal/expr"
	"github.com/smartpcr/persistence-lib/internal/rowmap"
	"github.com/smartpcr/persistence-lib/internal/sqlgen"
	"github.com/smartpcr/persistence-lib/internal/storage"
)

// Create inserts a new entity. An active row under the same key fails with
// entity-already-exists; a soft-deleted latest row is revived at a fresh
// version.
func (s *Store[T, K]) Create(ctx context.Context, ent *T, caller storage.CallerInfo) (*T, error) {
	err := s.withTx(ctx, "create "+s.name, func(ctx context.Context, tx *sql.Tx) error {
		_, err := s.createInTx(ctx, tx, ent, caller, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ent, nil
}

// CreateBatch inserts entities atomically: any failure rolls the whole batch
// back.
func (s *Store[T, K]) CreateBatch(ctx context.Context, ents []*T, caller storage.CallerInfo) ([]*T, error) {
	err := s.withTx(ctx, "create batch "+s.name, func(ctx context.Context, tx *sql.Tx) error {
		for i, ent := range ents {
			if ent == nil {
				return storage.NewError(storage.KindWriteFailed, "create batch", s.name, "",
					fmt.Errorf("entity %d is nil", i))
			}
			if _, err := s.createInTx(ctx, tx, ent, caller, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ents, nil
}

// createInTx runs the create state machine. A non-nil forced version skips
// allocation; list creation uses it to share one batch version.
func (s *Store[T, K]) createInTx(ctx context.Context, tx *sql.Tx, ent *T, caller storage.CallerInfo, forced *int64) (int64, error) {
	keyVal, keyStr, err := s.entityKey(ent)
	if err != nil {
		return 0, err
	}

	latest, err := s.fetchLatestRaw(ctx, tx, keyVal)
	if err != nil {
		return 0, wrapDBError("create", s.name, keyStr, err)
	}
	if latest != nil {
		if !s.desc.SoftDelete || !rawBool(latest[entity.PropIsDeleted]) {
			return 0, storage.NewError(storage.KindAlreadyExists, "create", s.name, keyStr, nil)
		}
		// Latest is a tombstone: the key revives at a new version.
	}

	version := int64(1)
	switch {
	case forced != nil:
		version = *forced
	case s.desc.SoftDelete:
		if version, err = allocVersion(ctx, tx); err != nil {
			return 0, wrapDBError("create", s.name, keyStr, err)
		}
	}

	now := time.Now().UTC()
	row, err := s.mapper.WriteRow(ent)
	if err != nil {
		return 0, storage.NewError(storage.KindFatal, "create", s.name, keyStr, err)
	}
	nowS := now.Format(rowmap.TimeFormat)
	row[entity.PropCreatedTime] = nowS
	row[entity.PropLastWriteTime] = nowS
	s.applyExpiryDefault(row, now)

	if _, err := tx.ExecContext(ctx, s.gen.InsertSQL(), s.insertArgs(row, version, false)...); err != nil {
		if isUniqueConstraintError(err) {
			return 0, storage.NewError(storage.KindAlreadyExists, "create", s.name, keyStr, err)
		}
		return 0, wrapDBError("create", s.name, keyStr, err)
	}

	if err := s.writeAudit(ctx, tx, storage.AuditCreate, keyStr, version, nil, ent, caller); err != nil {
		return 0, err
	}
	s.stampTracking(ent, version, now, now)
	return version, nil
}

// Get returns the latest live, unexpired entity for the key, or nil.
func (s *Store[T, K]) Get(ctx context.Context, key K, caller storage.CallerInfo) (*T, error) {
	frag, err := s.keyFragment(key)
	if err != nil {
		return nil, err
	}
	spec := sqlgen.SelectSpec{Limit: 1}
	query := s.gen.SelectSQL(frag, spec)
	args := s.withNow(bind(frag.Params), spec)

	ents, err := s.queryEntities(ctx, s.reader(), query, args)
	if err != nil {
		return nil, wrapDBError("get", s.name, s.keyString(key), err)
	}
	if len(ents) == 0 {
		return nil, nil
	}
	return ents[0], nil
}

// GetByKey returns the key's rows under explicit visibility flags. With
// includeAllVersions the full history comes back newest first.
func (s *Store[T, K]) GetByKey(ctx context.Context, key K, includeAllVersions, includeDeleted, includeExpired bool) ([]*T, error) {
	frag, err := s.keyFragment(key)
	if err != nil {
		return nil, err
	}
	spec := sqlgen.SelectSpec{
		IncludeAllVersions: includeAllVersions,
		IncludeDeleted:     includeDeleted,
		IncludeExpired:     includeExpired,
	}
	query := s.gen.SelectSQL(frag, spec)
	args := s.withNow(bind(frag.Params), spec)

	ents, err := s.queryEntities(ctx, s.reader(), query, args)
	if err != nil {
		return nil, wrapDBError("get by key", s.name, s.keyString(key), err)
	}
	return ents, nil
}

// Update applies the entity as a new state. The entity's Version field is
// the optimistic concurrency token; a mismatch with the stored latest fails
// with concurrency-conflict.
func (s *Store[T, K]) Update(ctx context.Context, ent *T, caller storage.CallerInfo) (*T, error) {
	err := s.withTx(ctx, "update "+s.name, func(ctx context.Context, tx *sql.Tx) error {
		return s.updateInTx(ctx, tx, ent, caller)
	})
	if err != nil {
		return nil, err
	}
	return ent, nil
}

// UpdateBatch updates entities atomically, applying mutate first when given.
// Concurrency conflicts are aggregated and fail the whole batch.
func (s *Store[T, K]) UpdateBatch(ctx context.Context, ents []*T, mutate func(*T) error, caller storage.CallerInfo) ([]*T, error) {
	err := s.withTx(ctx, "update batch "+s.name, func(ctx context.Context, tx *sql.Tx) error {
		var conflicts []string
		var errs []error
		for _, ent := range ents {
			if mutate != nil {
				if err := mutate(ent); err != nil {
					return storage.NewError(storage.KindWriteFailed, "update batch", s.name, "", err)
				}
			}
			if err := s.updateInTx(ctx, tx, ent, caller); err != nil {
				if storage.IsKind(err, storage.KindConcurrency) {
					_, keyStr, _ := s.entityKey(ent)
					conflicts = append(conflicts, keyStr)
					errs = append(errs, err)
					continue
				}
				return err
			}
		}
		if len(conflicts) > 0 {
			return storage.NewError(storage.KindConcurrency, "update batch", s.name,
				strings.Join(conflicts, ","), errors.Join(errs...))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ents, nil
}

func (s *Store[T, K]) updateInTx(ctx context.Context, tx *sql.Tx, ent *T, caller storage.CallerInfo) error {
	keyVal, keyStr, err := s.entityKey(ent)
	if err != nil {
		return err
	}

	latest, err := s.fetchLatestRaw(ctx, tx, keyVal)
	if err != nil {
		return wrapDBError("update", s.name, keyStr, err)
	}
	if latest == nil {
		return storage.NewError(storage.KindNotFound, "update", s.name, keyStr, nil)
	}
	if s.desc.SoftDelete && rawBool(latest[entity.PropIsDeleted]) {
		return storage.NewError(storage.KindDeleted, "update", s.name, keyStr, nil)
	}

	curVersion := rawInt64(latest[entity.PropVersion])
	expected := curVersion
	if s.mapper.Has(entity.PropVersion) {
		if v, _ := s.mapper.Get(ent, entity.PropVersion); v != nil {
			expected = rawInt64(v)
			if iv, ok := v.(int64); ok {
				expected = iv
			}
		}
	}
	if expected != curVersion {
		return storage.NewError(storage.KindConcurrency, "update", s.name, keyStr,
			fmt.Errorf("expected version %d, stored latest is %d", expected, curVersion))
	}

	now := time.Now().UTC()
	nowS := now.Format(rowmap.TimeFormat)
	entRow, err := s.mapper.WriteRow(ent)
	if err != nil {
		return storage.NewError(storage.KindFatal, "update", s.name, keyStr, err)
	}
	// The stored row backfills anything the struct does not carry; the
	// original CreatedTime always survives.
	row := make(map[string]any, len(latest))
	for k, v := range latest {
		row[k] = v
	}
	for k, v := range entRow {
		row[k] = v
	}
	row[entity.PropCreatedTime] = latest[entity.PropCreatedTime]
	row[entity.PropLastWriteTime] = nowS

	var newVersion int64
	if s.desc.SoftDelete {
		// Composite-key mode appends a new row; prior versions stay put.
		if newVersion, err = allocVersion(ctx, tx); err != nil {
			return wrapDBError("update", s.name, keyStr, err)
		}
		if _, err := tx.ExecContext(ctx, s.gen.InsertSQL(), s.insertArgs(row, newVersion, false)...); err != nil {
			return wrapDBError("update", s.name, keyStr, err)
		}
	} else {
		// Single-key mode rewrites the row in place with an atomic bump.
		newVersion = expected + 1
		res, err := tx.ExecContext(ctx, s.gen.UpdateSQL(), s.updateArgs(row, expected)...)
		if err != nil {
			return wrapDBError("update", s.name, keyStr, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return wrapDBError("update", s.name, keyStr, err)
		}
		if affected == 0 {
			return storage.NewError(storage.KindWriteFailed, "update", s.name, keyStr,
				fmt.Errorf("no row matched key at version %d", expected))
		}
	}

	old := curVersion
	if err := s.writeAudit(ctx, tx, storage.AuditUpdate, keyStr, newVersion, &old, ent, caller); err != nil {
		return err
	}
	created, _ := time.ParseInLocation(rowmap.TimeFormat, rawString(latest[entity.PropCreatedTime]), time.UTC)
	s.stampTracking(ent, newVersion, created, now)
	return nil
}

// Delete removes the entity by key. Hard-delete mode issues a DELETE;
// soft-delete mode appends a tombstone row at a fresh version. Deleting a
// missing or already-deleted key is an idempotent no-op returning false.
func (s *Store[T, K]) Delete(ctx context.Context, key K, caller storage.CallerInfo) (bool, error) {
	var deleted bool
	err := s.withTx(ctx, "delete "+s.name, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		deleted, err = s.deleteInTx(ctx, tx, key, caller)
		return err
	})
	return deleted, err
}

// DeleteBatch deletes keys atomically and returns how many existed.
func (s *Store[T, K]) DeleteBatch(ctx context.Context, keys []K, caller storage.CallerInfo) (int64, error) {
	var n int64
	err := s.withTx(ctx, "delete batch "+s.name, func(ctx context.Context, tx *sql.Tx) error {
		n = 0
		for _, key := range keys {
			deleted, err := s.deleteInTx(ctx, tx, key, caller)
			if err != nil {
				return err
			}
			if deleted {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (s *Store[T, K]) deleteInTx(ctx context.Context, tx *sql.Tx, key K, caller storage.CallerInfo) (bool, error) {
	keyStr := s.keyString(key)

	if !s.desc.SoftDelete {
		res, err := tx.ExecContext(ctx, s.gen.DeleteSQL(), s.keyParam(key))
		if err != nil {
			return false, wrapDBError("delete", s.name, keyStr, err)
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			debug.Logf("delete %s/%s: no row matched, treating as success", s.name, keyStr)
			return false, nil
		}
		if err := s.writeAudit(ctx, tx, storage.AuditDelete, keyStr, 0, nil, nil, caller); err != nil {
			return false, err
		}
		return true, nil
	}

	latest, err := s.fetchLatestRaw(ctx, tx, key)
	if err != nil {
		return false, wrapDBError("delete", s.name, keyStr, err)
	}
	if latest == nil || rawBool(latest[entity.PropIsDeleted]) {
		return false, nil
	}

	version, err := allocVersion(ctx, tx)
	if err != nil {
		return false, wrapDBError("delete", s.name, keyStr, err)
	}
	row := make(map[string]any, len(latest))
	for k, v := range latest {
		row[k] = v
	}
	row[entity.PropLastWriteTime] = nowText()
	if _, err := tx.ExecContext(ctx, s.gen.TombstoneInsertSQL(), s.insertArgs(row, version, true)...); err != nil {
		return false, wrapDBError("delete", s.name, keyStr, err)
	}

	old := rawInt64(latest[entity.PropVersion])
	if err := s.writeAudit(ctx, tx, storage.AuditDelete, keyStr, version, &old, nil, caller); err != nil {
		return false, err
	}
	return true, nil
}

// --- helpers -------------------------------------------------------------

func (s *Store[T, K]) entityKey(ent *T) (K, string, error) {
	var zero K
	keyCol := s.desc.KeyColumn()
	v, err := s.mapper.Get(ent, keyCol.Property)
	if err != nil {
		return zero, "", storage.NewError(storage.KindFatal, "key", s.name, "", err)
	}
	key, ok := v.(K)
	if !ok {
		return zero, "", storage.NewError(storage.KindFatal, "key", s.name, "",
			fmt.Errorf("key property %s is %T, store key type differs", keyCol.Property, v))
	}
	return key, fmt.Sprint(key), nil
}

func (c *Table) keyFragment(key any) (*expr.Fragment, error) {
	frag, err := c.tr.Translate(expr.Eq(c.desc.KeyColumn().Property, normalizeKey(key)))
	if err != nil {
		return nil, storage.NewError(storage.KindUnsupportedExpr, "translate", c.name, fmt.Sprint(key), err)
	}
	return &frag, nil
}

// withNow appends the @now binding whenever the spec leaves the expiry
// filter active.
func (c *Table) withNow(args []any, spec sqlgen.SelectSpec) []any {
	if c.desc.ExpiryEnabled() && !spec.IncludeExpired {
		args = append(args, sql.Named(sqlgen.NowParam, nowText()))
	}
	return args
}

// applyExpiryDefault fills AbsoluteExpiration from the expiry span when the
// caller left it unset.
func (c *Table) applyExpiryDefault(row map[string]any, created time.Time) {
	if !c.desc.ExpiryEnabled() {
		return
	}
	if v, ok := row[entity.PropAbsoluteExpiration]; !ok || v == nil {
		row[entity.PropAbsoluteExpiration] = created.Add(c.desc.ExpirySpan).Format(rowmap.TimeFormat)
	}
}

// insertArgs binds one row for InsertSQL/TombstoneInsertSQL.
func (c *Table) insertArgs(row map[string]any, version int64, tombstone bool) []any {
	cols := c.gen.InsertColumns()
	args := make([]any, 0, len(cols))
	for _, col := range cols {
		switch {
		case c.desc.SoftDelete && col.Property == entity.PropVersion:
			args = append(args, sql.Named(sqlgen.NextVersionParam, version))
		case c.desc.SoftDelete && col.Property == entity.PropIsDeleted:
			// literal in the statement
		default:
			v, ok := row[col.Property]
			if col.Property == entity.PropVersion {
				v = version
			} else if !ok || v == nil {
				v = columnFallback(col)
			}
			args = append(args, sql.Named(col.Property, v))
		}
	}
	return args
}

// updateArgs binds the hard-delete-mode UPDATE: SET parameters plus the key
// and expected-version match.
func (c *Table) updateArgs(row map[string]any, expected int64) []any {
	var args []any
	seen := map[string]bool{}
	for _, col := range c.desc.Columns() {
		if col.NotMapped || col.Computed != "" || col.AutoIncrement {
			continue
		}
		switch col.Property {
		case entity.PropVersion, entity.PropCreatedTime:
			continue
		}
		if col.PKOrder > 0 {
			continue
		}
		v, ok := row[col.Property]
		if !ok || v == nil {
			v = columnFallback(col)
		}
		args = append(args, sql.Named(col.Property, v))
		seen[col.Property] = true
	}
	args = append(args, sql.Named(entity.PropVersion, expected))
	for _, col := range c.desc.PrimaryKey() {
		if col.Property == entity.PropVersion || seen[col.Property] {
			continue
		}
		args = append(args, sql.Named(col.Property, row[col.Property]))
	}
	return args
}

// columnFallback supplies the storage default for engine-managed columns a
// struct omits, so NOT NULL constraints hold.
func columnFallback(col *entity.Column) any {
	switch col.Property {
	case entity.PropIsDeleted, entity.PropIsArchived:
		return int64(0)
	case entity.PropVersion:
		return int64(0)
	}
	if col.NotNull && !col.Nullable {
		switch {
		case col.Type == entity.TypeText || col.Type == entity.TypeDateTime || col.Type == entity.TypeJSON:
			return ""
		default:
			return int64(0)
		}
	}
	return nil
}

// stampTracking writes the engine-managed values back onto the entity so
// the caller observes the stored state.
func (s *Store[T, K]) stampTracking(ent *T, version int64, created, lastWrite time.Time) {
	_ = s.mapper.Set(ent, entity.PropVersion, version)
	if !created.IsZero() {
		_ = s.mapper.Set(ent, entity.PropCreatedTime, created.Format(rowmap.TimeFormat))
	}
	_ = s.mapper.Set(ent, entity.PropLastWriteTime, lastWrite.Format(rowmap.TimeFormat))
	if s.desc.SoftDelete {
		_ = s.mapper.Set(ent, entity.PropIsDeleted, int64(0))
	}
}

// payloadSize measures the audit payload.
func payloadSize(ent any) int64 {
	if ent == nil {
		return 0
	}
	b, err := json.Marshal(ent)
	if err != nil {
		return 0
	}
	return int64(len(b))
}
