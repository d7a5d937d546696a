package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/smartpcr/persistence-lib/internal/debug"
	"github.com/smartpcr/persistence-lib/internal/entity"
	"github.com/smartpcr/persistence-lib/internal/storage"
)

// ImportStrategy selects how imported rows meet existing data.
type ImportStrategy string

const (
	// ImportReplace clears the table first, then inserts everything.
	ImportReplace ImportStrategy = "replace"
	// ImportMerge keeps existing keys untouched and inserts only new ones.
	ImportMerge ImportStrategy = "merge"
	// ImportUpsert inserts new keys and resolves existing ones per the
	// conflict policy.
	ImportUpsert ImportStrategy = "upsert"
)

// ConflictResolution decides what happens to a key present on both sides
// under ImportUpsert.
type ConflictResolution string

const (
	ConflictUseSource   ConflictResolution = "use-source"
	ConflictUseTarget   ConflictResolution = "use-target"
	ConflictMergeFields ConflictResolution = "merge-fields"
	ConflictManualLog   ConflictResolution = "manual-log"
)

// ImportCounts summarizes one raw import.
type ImportCounts struct {
	RowsRead     int64
	RowsInserted int64
	KeysSkipped  int64
	Conflicts    int64
}

// ImportRawRows applies exported rows in one transaction. Rows must arrive
// grouped per key with ascending versions (the export chain invariant);
// validation happens upstream.
func (c *Table) ImportRawRows(ctx context.Context, rows []map[string]any,
	strategy ImportStrategy, conflict ConflictResolution) (*ImportCounts, error) {

	counts := &ImportCounts{RowsRead: int64(len(rows))}
	keyProp := c.desc.KeyColumn().Property

	// Group chains per key, preserving first-seen order.
	chains := make(map[string][]map[string]any)
	var order []string
	for _, row := range rows {
		k := rawString(row[keyProp])
		if _, seen := chains[k]; !seen {
			order = append(order, k)
		}
		chains[k] = append(chains[k], row)
	}

	var maxVersion int64
	if c.desc.SoftDelete {
		for _, row := range rows {
			if v := rawInt64(row[entity.PropVersion]); v > maxVersion {
				maxVersion = v
			}
		}
	}

	err := c.withTx(ctx, "import "+c.name, func(ctx context.Context, tx *sql.Tx) error {
		if strategy == ImportReplace {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM [%s]", c.desc.TableName)); err != nil {
				return wrapDBError("import", c.name, "", err)
			}
		}

		var present map[string]bool
		if strategy != ImportReplace {
			var err error
			if present, err = c.keysPresentInTx(ctx, tx, order); err != nil {
				return err
			}
		}

		for _, key := range order {
			chain := chains[key]
			switch {
			case strategy == ImportReplace || !present[key]:
				if err := c.insertRawInTx(ctx, tx, chain); err != nil {
					return err
				}
				counts.RowsInserted += int64(len(chain))
			case strategy == ImportMerge:
				counts.KeysSkipped++
			default: // upsert on an existing key
				counts.Conflicts++
				switch conflict {
				case ConflictUseTarget:
					counts.KeysSkipped++
				case ConflictManualLog:
					debug.Logf("import %s: conflict on key %s left for manual resolution", c.name, key)
					counts.KeysSkipped++
				case ConflictMergeFields:
					if err := c.mergeFieldsInTx(ctx, tx, key, chain[len(chain)-1]); err != nil {
						return err
					}
					counts.RowsInserted++
				default: // use-source
					if err := c.replaceKeyInTx(ctx, tx, key, chain); err != nil {
						return err
					}
					counts.RowsInserted += int64(len(chain))
				}
			}
		}
		if maxVersion > 0 {
			if err := bumpVersionSequence(ctx, tx, maxVersion); err != nil {
				return wrapDBError("import", c.name, "", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// bumpVersionSequence raises the global sequence's high-water mark so
// versions allocated after an import stay above every imported version.
// AUTOINCREMENT tracks the mark in sqlite_sequence.
func bumpVersionSequence(ctx context.Context, tx *sql.Tx, to int64) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE sqlite_sequence SET seq = ? WHERE name = 'persistence_version' AND seq < ?`, to, to)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// No sequence row yet (nothing ever allocated) or already ahead.
		_, err = tx.ExecContext(ctx,
			`INSERT INTO sqlite_sequence (name, seq) SELECT 'persistence_version', ?
			 WHERE NOT EXISTS (SELECT 1 FROM sqlite_sequence WHERE name = 'persistence_version')`, to)
	}
	return err
}

func (c *Table) keysPresentInTx(ctx context.Context, tx *sql.Tx, keys []string) (map[string]bool, error) {
	present := make(map[string]bool, len(keys))
	keyCol := c.desc.KeyColumn().Name
	for _, chunk := range chunkStrings(keys, 500) {
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(chunk)), ", ")
		args := make([]any, len(chunk))
		for i, k := range chunk {
			args[i] = k
		}
		rows, err := tx.QueryContext(ctx, fmt.Sprintf(
			"SELECT DISTINCT %s FROM [%s] WHERE %s IN (%s)",
			keyCol, c.desc.TableName, keyCol, marks), args...)
		if err != nil {
			return nil, wrapDBError("import", c.name, "", err)
		}
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				rows.Close()
				return nil, err
			}
			present[k] = true
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return present, nil
}

// replaceKeyInTx swaps every stored version of one key for the source chain.
func (c *Table) replaceKeyInTx(ctx context.Context, tx *sql.Tx, key string, chain []map[string]any) error {
	keyCol := c.desc.KeyColumn().Name
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		"DELETE FROM [%s] WHERE %s = ?", c.desc.TableName, keyCol), key); err != nil {
		return wrapDBError("import", c.name, key, err)
	}
	return c.insertRawInTx(ctx, tx, chain)
}

// mergeFieldsInTx overlays the source's latest row onto the target's latest
// (non-NULL source fields win) and applies the result as a new state: a new
// appended version under soft delete, an in-place rewrite otherwise.
func (c *Table) mergeFieldsInTx(ctx context.Context, tx *sql.Tx, key string, srcLatest map[string]any) error {
	target, err := c.fetchLatestRaw(ctx, tx, key)
	if err != nil {
		return wrapDBError("import", c.name, key, err)
	}
	if target == nil {
		return c.insertRawInTx(ctx, tx, []map[string]any{srcLatest})
	}

	merged := make(map[string]any, len(target))
	for k, v := range target {
		merged[k] = v
	}
	for k, v := range srcLatest {
		if trackingProps[k] {
			continue
		}
		if v != nil {
			merged[k] = v
		}
	}
	merged[entity.PropLastWriteTime] = nowText()

	if c.desc.SoftDelete {
		version, err := allocVersion(ctx, tx)
		if err != nil {
			return wrapDBError("import", c.name, key, err)
		}
		if _, err := tx.ExecContext(ctx, c.gen.InsertSQL(), c.insertArgs(merged, version, false)...); err != nil {
			return wrapDBError("import", c.name, key, err)
		}
		return nil
	}

	expected := rawInt64(target[entity.PropVersion])
	res, err := tx.ExecContext(ctx, c.gen.UpdateSQL(), c.updateArgs(merged, expected)...)
	if err != nil {
		return wrapDBError("import", c.name, key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.NewError(storage.KindWriteFailed, "import", c.name, key, nil)
	}
	return nil
}
