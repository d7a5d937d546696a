package sqlite

import (
	"context"
	"fmt"
)

// systemSchema holds the engine-owned tables every database carries: the
// global version sequence, the list-mapping table, and the unified audit
// trail. Entity tables are created per descriptor by Store.Initialize.
const systemSchema = `
-- Global version sequence. One row is inserted per soft-delete write; the
-- rowid is the allocated version. Allocation always happens inside the
-- transaction that consumes the value.
CREATE TABLE IF NOT EXISTS persistence_version (
    Id INTEGER PRIMARY KEY AUTOINCREMENT
);

-- List mappings. A list is a value-level view: deleting a list never touches
-- the entities it referenced.
CREATE TABLE IF NOT EXISTS persistence_list (
    ListKey TEXT NOT NULL,
    EntryKey TEXT NOT NULL,
    Version INTEGER NOT NULL,
    CreatedTime TEXT NOT NULL,
    LastWriteTime TEXT NOT NULL,
    PRIMARY KEY (ListKey, EntryKey)
);

CREATE INDEX IF NOT EXISTS IX_persistence_list_ListKey ON persistence_list(ListKey);

-- Unified audit trail, one row per mutation on audit-enabled tables.
-- Append-only; rows are never updated.
CREATE TABLE IF NOT EXISTS persistence_audit (
    Id INTEGER PRIMARY KEY AUTOINCREMENT,
    EntityType TEXT NOT NULL,
    EntityId TEXT NOT NULL,
    Operation TEXT NOT NULL,
    NewVersion INTEGER NOT NULL,
    OldVersion INTEGER,
    Size INTEGER NOT NULL DEFAULT 0,
    CallerFile TEXT DEFAULT '',
    CallerMember TEXT DEFAULT '',
    CallerLine INTEGER DEFAULT 0,
    CreatedTime TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS IX_persistence_audit_Entity ON persistence_audit(EntityType, EntityId);
CREATE INDEX IF NOT EXISTS IX_persistence_audit_CreatedTime ON persistence_audit(CreatedTime);
`

func (e *Engine) createSystemTables(ctx context.Context) error {
	if _, err := e.db.ExecContext(ctx, systemSchema); err != nil {
		return fmt.Errorf("failed to create system tables: %w", err)
	}
	return nil
}
