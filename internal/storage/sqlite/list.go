package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"

	"github.com/smartpcr/persistence-lib/internal/debug"
	"github.com/smartpcr/persistence-lib/internal/entity"
	"github.com/smartpcr/persistence-lib/internal/storage"
)

// trackingProps are excluded from the deep comparison list updates use to
// skip unchanged members.
var trackingProps = map[string]bool{
	entity.PropVersion:            true,
	entity.PropCreatedTime:        true,
	entity.PropLastWriteTime:      true,
	entity.PropIsDeleted:          true,
	entity.PropAbsoluteExpiration: true,
	entity.PropIsArchived:         true,
}

func (c *Table) requireListSync(op string) error {
	if !c.desc.SyncWithList {
		return storage.NewError(storage.KindFatal, op, c.name, "",
			fmt.Errorf("table %s is not declared sync_with_list", c.desc.TableName))
	}
	return nil
}

type listMapping struct {
	entryKey string
	version  int64
}

func readListMappings(ctx context.Context, tx *sql.Tx, listKey string) ([]listMapping, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT EntryKey, Version FROM persistence_list WHERE ListKey = ? ORDER BY rowid`, listKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []listMapping
	for rows.Next() {
		var m listMapping
		if err := rows.Scan(&m.entryKey, &m.version); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CreateList creates the list and its member entities atomically. In
// soft-delete mode every member shares one batch version. An existing list
// key fails with list-already-exists; an active member fails create.
func (s *Store[T, K]) CreateList(ctx context.Context, listKey string, ents []*T) error {
	if err := s.requireListSync("create list"); err != nil {
		return err
	}
	return s.withTx(ctx, "create list "+s.name, func(ctx context.Context, tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM persistence_list WHERE ListKey = ?`, listKey).Scan(&n); err != nil {
			return wrapDBError("create list", s.name, listKey, err)
		}
		if n > 0 {
			return storage.NewError(storage.KindListExists, "create list", s.name, listKey, nil)
		}

		var forced *int64
		if s.desc.SoftDelete {
			batch, err := allocVersion(ctx, tx)
			if err != nil {
				return wrapDBError("create list", s.name, listKey, err)
			}
			forced = &batch
		}

		now := nowText()
		for _, ent := range ents {
			version, err := s.createInTx(ctx, tx, ent, storage.CallerInfo{}, forced)
			if err != nil {
				return err
			}
			_, keyStr, err := s.entityKey(ent)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO persistence_list (ListKey, EntryKey, Version, CreatedTime, LastWriteTime)
				VALUES (?, ?, ?, ?, ?)`,
				listKey, keyStr, version, now, now); err != nil {
				return wrapDBError("create list", s.name, listKey, err)
			}
		}
		return nil
	})
}

// GetList assembles the list in mapping order. Mappings lagging behind their
// entity advance to the newer version; a mapping ahead of its entity is a
// concurrency conflict; missing or deleted members fail entity-not-found.
func (s *Store[T, K]) GetList(ctx context.Context, listKey string) ([]*T, error) {
	if err := s.requireListSync("get list"); err != nil {
		return nil, err
	}
	var out []*T
	err := s.withTx(ctx, "get list "+s.name, func(ctx context.Context, tx *sql.Tx) error {
		out = out[:0]
		mappings, err := readListMappings(ctx, tx, listKey)
		if err != nil {
			return wrapDBError("get list", s.name, listKey, err)
		}
		for _, m := range mappings {
			latest, err := s.fetchLatestRaw(ctx, tx, m.entryKey)
			if err != nil {
				return wrapDBError("get list", s.name, m.entryKey, err)
			}
			if latest == nil || rawBool(latest[entity.PropIsDeleted]) {
				return storage.NewError(storage.KindNotFound, "get list", s.name, m.entryKey, nil)
			}
			entVersion := rawInt64(latest[entity.PropVersion])
			switch {
			case entVersion > m.version:
				debug.Logf("list %s: advancing mapping %s %d -> %d", listKey, m.entryKey, m.version, entVersion)
				if _, err := tx.ExecContext(ctx, `
					UPDATE persistence_list SET Version = ?, LastWriteTime = ?
					WHERE ListKey = ? AND EntryKey = ?`,
					entVersion, nowText(), listKey, m.entryKey); err != nil {
					return wrapDBError("get list", s.name, m.entryKey, err)
				}
			case entVersion < m.version:
				return storage.NewError(storage.KindConcurrency, "get list", s.name, m.entryKey,
					fmt.Errorf("mapping at version %d, entity latest is %d", m.version, entVersion))
			}
			ent, err := s.entityFromRaw(latest)
			if err != nil {
				return err
			}
			out = append(out, ent)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateList replaces the list membership as a unit: dropped members lose
// their mapping (entities untouched), unchanged members are skipped by deep
// comparison, changed members advance per the update state machine, and new
// members are created.
func (s *Store[T, K]) UpdateList(ctx context.Context, listKey string, ents []*T) error {
	if err := s.requireListSync("update list"); err != nil {
		return err
	}
	return s.withTx(ctx, "update list "+s.name, func(ctx context.Context, tx *sql.Tx) error {
		existing, err := readListMappings(ctx, tx, listKey)
		if err != nil {
			return wrapDBError("update list", s.name, listKey, err)
		}
		current := make(map[string]int64, len(existing))
		for _, m := range existing {
			current[m.entryKey] = m.version
		}

		keep := make(map[string]bool, len(ents))
		now := nowText()
		for _, ent := range ents {
			_, keyStr, err := s.entityKey(ent)
			if err != nil {
				return err
			}
			keep[keyStr] = true

			latest, err := s.fetchLatestRaw(ctx, tx, keyStr)
			if err != nil {
				return wrapDBError("update list", s.name, keyStr, err)
			}

			var version int64
			switch {
			case latest == nil || rawBool(latest[entity.PropIsDeleted]):
				if version, err = s.createInTx(ctx, tx, ent, storage.CallerInfo{}, nil); err != nil {
					return err
				}
			default:
				changed, err := s.differsFromStored(ent, latest)
				if err != nil {
					return err
				}
				version = rawInt64(latest[entity.PropVersion])
				if changed {
					// List replacement is not optimistic: the stored latest
					// is always the expected version.
					if err := s.mapper.Set(ent, entity.PropVersion, version); err != nil {
						return storage.NewError(storage.KindFatal, "update list", s.name, keyStr, err)
					}
					if err := s.updateInTx(ctx, tx, ent, storage.CallerInfo{}); err != nil {
						return err
					}
					if v, _ := s.mapper.Get(ent, entity.PropVersion); v != nil {
						version = rawInt64(v)
					}
				}
			}

			if _, err := tx.ExecContext(ctx, `
				INSERT INTO persistence_list (ListKey, EntryKey, Version, CreatedTime, LastWriteTime)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (ListKey, EntryKey) DO UPDATE SET Version = excluded.Version, LastWriteTime = excluded.LastWriteTime`,
				listKey, keyStr, version, now, now); err != nil {
				return wrapDBError("update list", s.name, keyStr, err)
			}
		}

		for key := range current {
			if !keep[key] {
				if _, err := tx.ExecContext(ctx,
					`DELETE FROM persistence_list WHERE ListKey = ? AND EntryKey = ?`, listKey, key); err != nil {
					return wrapDBError("update list", s.name, key, err)
				}
			}
		}
		return nil
	})
}

// DeleteList removes the mapping rows only; member entities stay retrievable
// by key. Returns the number of mappings removed.
func (s *Store[T, K]) DeleteList(ctx context.Context, listKey string) (int64, error) {
	if err := s.requireListSync("delete list"); err != nil {
		return 0, err
	}
	var n int64
	err := s.withTx(ctx, "delete list "+s.name, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM persistence_list WHERE ListKey = ?`, listKey)
		if err != nil {
			return wrapDBError("delete list", s.name, listKey, err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// entityFromRaw materializes an entity from a raw property row.
func (s *Store[T, K]) entityFromRaw(raw map[string]any) (*T, error) {
	ent := s.mapper.NewEntity()
	for _, c := range s.gen.SelectColumns() {
		if err := s.mapper.Set(ent, c.Property, raw[c.Property]); err != nil {
			return nil, storage.NewError(storage.KindFatal, "materialize", s.name, "", err)
		}
	}
	return ent.(*T), nil
}

// differsFromStored deep-compares the candidate against the stored latest
// row, excluding tracking fields.
func (s *Store[T, K]) differsFromStored(ent *T, latest map[string]any) (bool, error) {
	entRow, err := s.mapper.WriteRow(ent)
	if err != nil {
		return false, storage.NewError(storage.KindFatal, "compare", s.name, "", err)
	}
	for _, c := range s.desc.Columns() {
		if c.NotMapped || c.Computed != "" || trackingProps[c.Property] {
			continue
		}
		a, ok := entRow[c.Property]
		if !ok {
			continue
		}
		if !valueEqual(a, latest[c.Property]) {
			return true, nil
		}
	}
	return false, nil
}

// valueEqual compares storage-form values loosely enough to survive the
// driver's integer/float round trips.
func valueEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	if reflect.DeepEqual(a, b) {
		return true
	}
	switch av := a.(type) {
	case int64:
		return av == rawInt64(b)
	case float64:
		if bv, ok := b.(float64); ok {
			return av == bv
		}
		return av == float64(rawInt64(b))
	case string:
		return av == rawString(b)
	case []byte:
		return string(av) == rawString(b)
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}
