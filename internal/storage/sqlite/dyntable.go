package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/smartpcr/persistence-lib/internal/entity"
)

// Table reflects an existing table's descriptor from PRAGMA metadata and
// returns an untyped table handle. This is how the maintenance CLI reaches
// databases whose entity types it does not link: raw rows, export, import,
// and purge all work through the reflected descriptor.
func (e *Engine) Table(ctx context.Context, name string) (*Table, error) {
	rows, err := e.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info([%s])", name))
	if err != nil {
		return nil, fmt.Errorf("failed to inspect table %s: %w", name, err)
	}
	defer rows.Close()

	b := entity.NewBuilder(name)
	var (
		cols    int
		hasVer  bool
		hasDel  bool
		hasExp  bool
		hasArch bool
		verInPK bool
	)
	for rows.Next() {
		var (
			cid     int
			colName string
			declTyp string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &colName, &declTyp, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("failed to read table_info for %s: %w", name, err)
		}
		cols++
		col := entity.Column{
			Property: colName,
			Name:     colName,
			Type:     declTypeToSQLType(declTyp, colName),
			NotNull:  notNull != 0,
			PKOrder:  pk,
		}
		if dflt.Valid {
			col.Default = dflt.String
		}
		switch colName {
		case entity.PropVersion:
			hasVer = true
			if pk > 0 {
				verInPK = true
			}
		case entity.PropIsDeleted:
			hasDel = true
		case entity.PropAbsoluteExpiration:
			hasExp = true
		case entity.PropIsArchived:
			hasArch = true
		}
		b.Column(col)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if cols == 0 {
		return nil, fmt.Errorf("table %s does not exist", name)
	}

	if hasVer && hasDel && verInPK {
		b.SoftDelete()
	}
	if hasExp {
		// The original span is not recoverable from the schema; any positive
		// value enables the expiry filters, which only compare stored stamps.
		b.Expiry(time.Second)
		if hasArch {
			b.Archive()
		}
	}
	b.SyncWithList()

	desc, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to reflect descriptor for %s: %w", name, err)
	}
	t := newTable(e, desc)
	return &t, nil
}

func declTypeToSQLType(decl, colName string) entity.SQLType {
	if colName == entity.PropCreatedTime || colName == entity.PropLastWriteTime ||
		colName == entity.PropAbsoluteExpiration {
		return entity.TypeDateTime
	}
	switch strings.ToUpper(decl) {
	case "INTEGER", "INT", "BIGINT", "SMALLINT", "TINYINT":
		return entity.TypeInteger
	case "REAL", "FLOAT", "DOUBLE":
		return entity.TypeReal
	case "BLOB":
		return entity.TypeBlob
	default:
		return entity.TypeText
	}
}
