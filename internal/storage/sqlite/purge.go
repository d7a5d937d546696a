package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/smartpcr/persistence-lib/internal/entity"
	"github.com/smartpcr/persistence-lib/internal/expr"
	"github.com/smartpcr/persistence-lib/internal/rowmap"
	"github.com/smartpcr/persistence-lib/internal/storage"
)

// PurgeResult reports what a purge pass removed (or would remove, in
// preview).
type PurgeResult struct {
	RowsRemoved     int64
	KeysAffected    []string
	MappingsRemoved int64
	Preview         bool
}

// PurgeExpired removes rows whose AbsoluteExpiration has passed, skipping
// archived rows. Requires expiry on the descriptor. Preview counts without
// deleting. List mappings of removed keys are cleaned in the same
// transaction.
func (c *Table) PurgeExpired(ctx context.Context, preview bool) (*PurgeResult, error) {
	if !c.desc.ExpiryEnabled() {
		return nil, storage.NewError(storage.KindFatal, "purge expired", c.name, "",
			fmt.Errorf("table %s has no expiry span", c.desc.TableName))
	}
	res := &PurgeResult{Preview: preview}
	expCol := c.desc.Column(entity.PropAbsoluteExpiration).Name
	keyCol := c.desc.KeyColumn().Name

	// Engine-written stamps share one fixed-width layout, so plain text
	// comparison keeps millisecond precision (datetime() would truncate).
	cond := fmt.Sprintf("%s IS NOT NULL AND %s < @now", expCol, expCol)
	if c.desc.Archive {
		cond += fmt.Sprintf(" AND %s = 0", c.desc.Column(entity.PropIsArchived).Name)
	}
	now := sql.Named("now", nowText())

	err := c.withTx(ctx, "purge expired "+c.name, func(ctx context.Context, tx *sql.Tx) error {
		keys, err := distinctKeys(ctx, tx, c.desc.TableName, keyCol, cond, now)
		if err != nil {
			return wrapDBError("purge expired", c.name, "", err)
		}
		res.KeysAffected = keys
		if preview {
			var n int64
			err := tx.QueryRowContext(ctx,
				fmt.Sprintf("SELECT COUNT(*) FROM [%s] WHERE %s", c.desc.TableName, cond), now).Scan(&n)
			if err != nil {
				return wrapDBError("purge expired", c.name, "", err)
			}
			res.RowsRemoved = n
			return nil
		}
		del, err := tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM [%s] WHERE %s", c.desc.TableName, cond), now)
		if err != nil {
			return wrapDBError("purge expired", c.name, "", err)
		}
		res.RowsRemoved, _ = del.RowsAffected()
		res.MappingsRemoved, err = removeListMappings(ctx, tx, keys)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// PurgeSoftDeleteRetention removes (a) every version of keys whose latest
// row is a tombstone older than the cutoff, and (b) superseded versions of
// still-active keys written before the cutoff. The latest version of an
// active key always survives.
func (c *Table) PurgeSoftDeleteRetention(ctx context.Context, olderThan time.Time, preview bool) (*PurgeResult, error) {
	if !c.desc.SoftDelete {
		return nil, storage.NewError(storage.KindFatal, "purge retention", c.name, "",
			fmt.Errorf("table %s is not soft-delete", c.desc.TableName))
	}
	res := &PurgeResult{Preview: preview}
	t := c.desc.TableName
	keyCol := c.desc.KeyColumn().Name
	verCol := c.desc.Column(entity.PropVersion).Name
	delCol := c.desc.Column(entity.PropIsDeleted).Name
	lwCol := c.desc.Column(entity.PropLastWriteTime).Name
	cutoff := sql.Named("cutoff", olderThan.UTC().Format(rowmap.TimeFormat))

	// Keys whose newest row is a tombstone older than the cutoff.
	deadKeysCond := fmt.Sprintf(`%[2]s IN (
		SELECT %[2]s FROM [%[1]s] a
		WHERE %[3]s = (SELECT MAX(%[3]s) FROM [%[1]s] b WHERE b.%[2]s = a.%[2]s)
		  AND %[4]s = 1 AND %[5]s < @cutoff)`,
		t, keyCol, verCol, delCol, lwCol)

	// Superseded versions of live keys, old enough to drop.
	oldVersionsCond := fmt.Sprintf(`%[3]s < (SELECT MAX(%[3]s) FROM [%[1]s] b WHERE b.%[2]s = [%[1]s].%[2]s)
		AND %[4]s < @cutoff
		AND (SELECT c.%[5]s FROM [%[1]s] c WHERE c.%[2]s = [%[1]s].%[2]s ORDER BY c.%[3]s DESC LIMIT 1) = 0`,
		t, keyCol, verCol, lwCol, delCol)

	err := c.withTx(ctx, "purge retention "+c.name, func(ctx context.Context, tx *sql.Tx) error {
		keys, err := distinctKeys(ctx, tx, t, keyCol, deadKeysCond, cutoff)
		if err != nil {
			return wrapDBError("purge retention", c.name, "", err)
		}
		res.KeysAffected = keys

		if preview {
			for _, cond := range []string{deadKeysCond, oldVersionsCond} {
				var n int64
				if err := tx.QueryRowContext(ctx,
					fmt.Sprintf("SELECT COUNT(*) FROM [%s] WHERE %s", t, cond), cutoff).Scan(&n); err != nil {
					return wrapDBError("purge retention", c.name, "", err)
				}
				res.RowsRemoved += n
			}
			return nil
		}

		for _, cond := range []string{deadKeysCond, oldVersionsCond} {
			del, err := tx.ExecContext(ctx,
				fmt.Sprintf("DELETE FROM [%s] WHERE %s", t, cond), cutoff)
			if err != nil {
				return wrapDBError("purge retention", c.name, "", err)
			}
			n, _ := del.RowsAffected()
			res.RowsRemoved += n
		}
		res.MappingsRemoved, err = removeListMappings(ctx, tx, keys)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// PurgeWhere hard-deletes rows matching the predicate. Used by the
// hard-delete retention strategy.
func (c *Table) PurgeWhere(ctx context.Context, where expr.Predicate, preview bool) (*PurgeResult, error) {
	frag, err := c.translateWhere(where)
	if err != nil {
		return nil, err
	}
	res := &PurgeResult{Preview: preview}
	cond := frag.SQL
	if cond == "" {
		cond = "1 = 1"
	}
	keyCol := c.desc.KeyColumn().Name

	err = c.withTx(ctx, "purge "+c.name, func(ctx context.Context, tx *sql.Tx) error {
		keys, err := distinctKeys(ctx, tx, c.desc.TableName, keyCol, cond, bind(frag.Params)...)
		if err != nil {
			return wrapDBError("purge", c.name, "", err)
		}
		res.KeysAffected = keys
		if preview {
			var n int64
			if err := tx.QueryRowContext(ctx,
				fmt.Sprintf("SELECT COUNT(*) FROM [%s] WHERE %s", c.desc.TableName, cond),
				bind(frag.Params)...).Scan(&n); err != nil {
				return wrapDBError("purge", c.name, "", err)
			}
			res.RowsRemoved = n
			return nil
		}
		del, err := tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM [%s] WHERE %s", c.desc.TableName, cond), bind(frag.Params)...)
		if err != nil {
			return wrapDBError("purge", c.name, "", err)
		}
		res.RowsRemoved, _ = del.RowsAffected()
		if c.desc.SoftDelete || c.desc.SyncWithList {
			res.MappingsRemoved, err = removeListMappings(ctx, tx, keys)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func distinctKeys(ctx context.Context, tx *sql.Tx, table, keyCol, cond string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		fmt.Sprintf("SELECT DISTINCT %s FROM [%s] WHERE %s", keyCol, table, cond), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func removeListMappings(ctx context.Context, tx *sql.Tx, keys []string) (int64, error) {
	var n int64
	for _, chunk := range chunkStrings(keys, 500) {
		args := make([]any, len(chunk))
		marks := ""
		for i, k := range chunk {
			args[i] = k
			if i > 0 {
				marks += ", "
			}
			marks += "?"
		}
		res, err := tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM persistence_list WHERE EntryKey IN (%s)", marks), args...)
		if err != nil {
			return n, err
		}
		removed, _ := res.RowsAffected()
		n += removed
	}
	return n, nil
}
