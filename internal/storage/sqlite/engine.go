// Package sqlite is the embedded-SQLite backend of the persistence engine.
// An Engine owns the database handle, the single-writer lock, the retry
// policy, and the shared system tables (global version sequence, list
// mappings, audit trail). Typed stores share one engine.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gofrs/flock"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/smartpcr/persistence-lib/internal/config"
	"github.com/smartpcr/persistence-lib/internal/debug"
	"github.com/smartpcr/persistence-lib/internal/retry"
)

// Engine is the shared backend state. Open one per database file.
type Engine struct {
	db     *sql.DB
	opts   config.Options
	policy *retry.Policy
	lock   *flock.Flock
}

// Open validates the options, takes the single-writer lock when configured,
// and opens the database with the teacher-tested pragma set.
func Open(ctx context.Context, opts config.Options) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if opts.DebugLog != "" {
		debug.Enable(opts.DebugLog)
	}

	e := &Engine{opts: opts, policy: retry.New(opts.Retry)}

	if opts.LockFile != "" {
		e.lock = flock.New(opts.LockFile)
		locked, err := e.lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock file %s: %w", opts.LockFile, err)
		}
		if !locked {
			return nil, fmt.Errorf("database %s is held by another engine (lock file %s)", opts.DBFile, opts.LockFile)
		}
	}

	db, err := sql.Open("sqlite3", connString(opts))
	if err != nil {
		e.releaseLock()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		e.releaseLock()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	e.db = db

	if err := e.createSystemTables(ctx); err != nil {
		db.Close()
		e.releaseLock()
		return nil, err
	}
	debug.Logf("engine: opened %s (journal=%s busy=%dms)", opts.DBFile, opts.JournalMode, opts.BusyTimeoutMS)
	return e, nil
}

// connString builds the ncruces/go-sqlite3 connection string. _txlock=immediate
// acquires the write lock at BEGIN, which serializes concurrent writers
// cleanly instead of deadlocking on lock upgrade.
func connString(opts config.Options) string {
	s := fmt.Sprintf("file:%s?_txlock=immediate&_time_format=sqlite&_pragma=busy_timeout(%d)&_pragma=foreign_keys(ON)",
		opts.DBFile, opts.BusyTimeoutMS)
	if opts.JournalMode != "" {
		s += fmt.Sprintf("&_pragma=journal_mode(%s)", opts.JournalMode)
	}
	if opts.CacheSizePages != 0 {
		s += fmt.Sprintf("&_pragma=cache_size(%d)", opts.CacheSizePages)
	}
	return s
}

func (e *Engine) releaseLock() {
	if e.lock != nil {
		_ = e.lock.Unlock()
	}
}

// Close releases the database and the lock file.
func (e *Engine) Close() error {
	var err error
	if e.db != nil {
		err = e.db.Close()
	}
	e.releaseLock()
	return err
}

// DB exposes the underlying handle for maintenance tooling.
func (e *Engine) DB() *sql.DB { return e.db }

// Options returns the engine configuration.
func (e *Engine) Options() config.Options { return e.opts }

// Policy returns the retry policy wrapping units of work.
func (e *Engine) Policy() *retry.Policy { return e.policy }

// opCtx applies the per-command deadline.
func (e *Engine) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.opts.CommandDeadline())
}

// allocVersion advances the global version sequence inside the caller's
// transaction. The sequence is the only serialization point between
// soft-delete writers; contention surfaces as a retryable BUSY.
func allocVersion(ctx context.Context, tx *sql.Tx) (int64, error) {
	if _, err := tx.ExecContext(ctx, `INSERT INTO persistence_version DEFAULT VALUES`); err != nil {
		return 0, fmt.Errorf("failed to advance version sequence: %w", err)
	}
	var v int64
	if err := tx.QueryRowContext(ctx, `SELECT last_insert_rowid()`).Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read allocated version: %w", err)
	}
	return v, nil
}

// VersionHead reads the current top of the global version sequence.
func (e *Engine) VersionHead(ctx context.Context) (int64, error) {
	var v sql.NullInt64
	err := e.db.QueryRowContext(ctx, `SELECT MAX(Id) FROM persistence_version`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("failed to read version head: %w", err)
	}
	return v.Int64, nil
}

// ResetVersionSequence clears the allocation log. Maintenance only; never
// call it while soft-delete tables still hold rows.
func (e *Engine) ResetVersionSequence(ctx context.Context) error {
	_, err := e.db.ExecContext(ctx, `DELETE FROM persistence_version`)
	if err != nil {
		return fmt.Errorf("failed to reset version sequence: %w", err)
	}
	return nil
}

// TableNames lists user tables, for stats tooling.
func (e *Engine) TableNames(ctx context.Context) ([]string, error) {
	rows, err := e.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// CountRows counts rows in one table, for stats tooling.
func (e *Engine) CountRows(ctx context.Context, table string) (int64, error) {
	var n int64
	err := e.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM [%s]`, table)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

// nowText is the storage form of the current instant.
func nowText() string {
	return time.Now().UTC().Format("2006-01-02 15:04:05.000")
}
