// Package bulk implements export, import, and purge over a typed store. The
// on-disk package format is a manifest plus newline-delimited JSON data
// files (optionally gzipped), each row carrying every tracking field so a
// round trip preserves full version chains.
package bulk

import (
	"context"
	"fmt"
	"time"

	"github.com/smartpcr/persistence-lib/internal/entity"
	"github.com/smartpcr/persistence-lib/internal/expr"
	"github.com/smartpcr/persistence-lib/internal/storage/sqlite"
)

// SchemaVersion stamps every export package; imports refuse a mismatch
// before touching any rows.
const SchemaVersion = "1.0"

// Store is the slice of the typed store the bulk subsystem needs. Every
// *sqlite.Store satisfies it.
type Store interface {
	Descriptor() *entity.Descriptor
	RawRows(ctx context.Context, filter sqlite.RawRowFilter) ([]map[string]any, error)
	ImportRawRows(ctx context.Context, rows []map[string]any,
		strategy sqlite.ImportStrategy, conflict sqlite.ConflictResolution) (*sqlite.ImportCounts, error)
	PurgeExpired(ctx context.Context, preview bool) (*sqlite.PurgeResult, error)
	PurgeSoftDeleteRetention(ctx context.Context, olderThan time.Time, preview bool) (*sqlite.PurgeResult, error)
	PurgeWhere(ctx context.Context, where expr.Predicate, preview bool) (*sqlite.PurgeResult, error)
}

// Progress reports stage transitions and row counts to the caller.
type Progress func(stage string, count int)

func report(p Progress, stage string, n int) {
	if p != nil {
		p(stage, n)
	}
}

// manifestFile is one entry of manifest.json.
type manifestFile struct {
	Name       string `json:"name"`
	Checksum   string `json:"checksum"`
	RowCount   int    `json:"row_count"`
	Compressed bool   `json:"compressed"`
}

type manifest struct {
	Files         []manifestFile `json:"files"`
	SchemaVersion string         `json:"schema_version"`
	ExportedAt    time.Time      `json:"exported_at"`
	Mode          string         `json:"mode"`
	Flags         map[string]any `json:"flags,omitempty"`
}

type metadata struct {
	EntityType    string `json:"entity_type"`
	SoftDelete    bool   `json:"soft_delete_enabled"`
	Expiry        bool   `json:"expiry_enabled"`
	Audit         bool   `json:"audit_enabled"`
	SchemaVersion string `json:"schema_version"`
}

func metadataFor(d *entity.Descriptor) metadata {
	return metadata{
		EntityType:    d.TableName,
		SoftDelete:    d.SoftDelete,
		Expiry:        d.ExpiryEnabled(),
		Audit:         d.AuditTrail,
		SchemaVersion: SchemaVersion,
	}
}

func validateMetadata(m metadata, d *entity.Descriptor) error {
	if m.SchemaVersion != SchemaVersion {
		return fmt.Errorf("package schema version %s, engine speaks %s", m.SchemaVersion, SchemaVersion)
	}
	if m.EntityType != d.TableName {
		return fmt.Errorf("package holds %s, store is %s", m.EntityType, d.TableName)
	}
	return nil
}
