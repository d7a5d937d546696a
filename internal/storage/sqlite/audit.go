package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/smartpcr/persistence-lib/internal/rowmap"
	"github.com/smartpcr/persistence-lib/internal/storage"
)

// writeAudit appends one audit row inside the mutation's transaction when
// the descriptor enables the trail. Audit rows commit or roll back with the
// write they describe.
func (c *Table) writeAudit(ctx context.Context, tx *sql.Tx, op storage.AuditOp,
	keyStr string, newVersion int64, oldVersion *int64, payload any, caller storage.CallerInfo) error {
	if !c.desc.AuditTrail {
		return nil
	}
	var old any
	if oldVersion != nil {
		old = *oldVersion
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO persistence_audit (
			EntityType, EntityId, Operation, NewVersion, OldVersion,
			Size, CallerFile, CallerMember, CallerLine, CreatedTime
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.name, keyStr, string(op), newVersion, old,
		payloadSize(payload), caller.File, caller.Member, caller.Line, nowText(),
	)
	if err != nil {
		return wrapDBError("audit", c.name, keyStr, err)
	}
	return nil
}

// AuditRecords reads the audit trail, newest first. Empty entityType or key
// widens the filter; limit <= 0 means no cap.
func (e *Engine) AuditRecords(ctx context.Context, entityType, key string, limit int) ([]storage.AuditRecord, error) {
	query := `
		SELECT Id, EntityType, EntityId, Operation, NewVersion, OldVersion,
		       Size, CallerFile, CallerMember, CallerLine, CreatedTime
		FROM persistence_audit WHERE 1 = 1`
	var args []any
	if entityType != "" {
		query += ` AND EntityType = ?`
		args = append(args, entityType)
	}
	if key != "" {
		query += ` AND EntityId = ?`
		args = append(args, key)
	}
	query += ` ORDER BY Id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("audit records", entityType, key, err)
	}
	defer rows.Close()

	var out []storage.AuditRecord
	for rows.Next() {
		var r storage.AuditRecord
		var old sql.NullInt64
		var created string
		if err := rows.Scan(&r.ID, &r.EntityType, &r.EntityID, &r.Operation,
			&r.NewVersion, &old, &r.Size, &r.CallerFile, &r.CallerName,
			&r.CallerLine, &created); err != nil {
			return nil, err
		}
		if old.Valid {
			v := old.Int64
			r.OldVersion = &v
		}
		r.CreatedAt, _ = time.ParseInLocation(rowmap.TimeFormat, created, time.UTC)
		out = append(out, r)
	}
	return out, rows.Err()
}
