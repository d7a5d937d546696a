package bulk

import (
	"context"
	"fmt"
	"time"

	"github.com/smartpcr/persistence-lib/internal/debug"
	"github.com/smartpcr/persistence-lib/internal/expr"
)

// PurgeStrategy selects which purge pass runs.
type PurgeStrategy string

const (
	// PurgeExpired removes rows past their AbsoluteExpiration, skipping
	// archived rows. Requires expiry on the descriptor.
	PurgeExpired PurgeStrategy = "expired"
	// PurgeSoftRetention drops fully-deleted keys and superseded old
	// versions beyond the retention window.
	PurgeSoftRetention PurgeStrategy = "soft-retention"
	// PurgeHard deletes directly by filter.
	PurgeHard PurgeStrategy = "hard"
)

// PurgeOptions steer one purge run.
type PurgeOptions struct {
	Strategy  PurgeStrategy
	OlderThan time.Time      // retention boundary for soft-retention
	Where     expr.Predicate // filter for the hard strategy
	Preview   bool           // count and sample, change nothing
	// BackupFirst exports the table (full mode) before purging; an export
	// failure aborts the purge.
	BackupFirst bool
	BackupDir   string
	Progress    Progress
}

// PurgeSummary reports what a purge removed, or would remove in preview.
type PurgeSummary struct {
	Strategy        PurgeStrategy
	RowsRemoved     int64
	MappingsRemoved int64
	KeysSample      []string
	Preview         bool
	BackupDir       string
	Duration        time.Duration
}

const keysSampleCap = 20

// Purge runs one purge pass. Every strategy is transactional and cleans the
// list mappings of rows it removes.
func Purge(ctx context.Context, store Store, opts PurgeOptions) (*PurgeSummary, error) {
	start := time.Now()
	sum := &PurgeSummary{Strategy: opts.Strategy, Preview: opts.Preview}

	if opts.BackupFirst && !opts.Preview {
		if opts.BackupDir == "" {
			return nil, fmt.Errorf("backup-first purge needs a backup directory")
		}
		report(opts.Progress, "backup", 0)
		if _, err := Export(ctx, store, ExportOptions{Mode: ExportFull, Dir: opts.BackupDir}); err != nil {
			return nil, fmt.Errorf("backup export failed, purge aborted: %w", err)
		}
		sum.BackupDir = opts.BackupDir
	}

	report(opts.Progress, "purge", 0)
	var (
		rows     int64
		mappings int64
		keys     []string
	)
	switch opts.Strategy {
	case PurgeExpired:
		res, err := store.PurgeExpired(ctx, opts.Preview)
		if err != nil {
			return nil, err
		}
		rows, mappings, keys = res.RowsRemoved, res.MappingsRemoved, res.KeysAffected
	case PurgeSoftRetention:
		if opts.OlderThan.IsZero() {
			return nil, fmt.Errorf("soft-retention purge needs an OlderThan boundary")
		}
		res, err := store.PurgeSoftDeleteRetention(ctx, opts.OlderThan, opts.Preview)
		if err != nil {
			return nil, err
		}
		rows, mappings, keys = res.RowsRemoved, res.MappingsRemoved, res.KeysAffected
	case PurgeHard:
		res, err := store.PurgeWhere(ctx, opts.Where, opts.Preview)
		if err != nil {
			return nil, err
		}
		rows, mappings, keys = res.RowsRemoved, res.MappingsRemoved, res.KeysAffected
	default:
		return nil, fmt.Errorf("unknown purge strategy %q", opts.Strategy)
	}

	sum.RowsRemoved = rows
	sum.MappingsRemoved = mappings
	if len(keys) > keysSampleCap {
		keys = keys[:keysSampleCap]
	}
	sum.KeysSample = keys
	sum.Duration = time.Since(start)
	debug.Logf("purge %s: %d rows, %d mappings (preview=%v)",
		opts.Strategy, sum.RowsRemoved, sum.MappingsRemoved, opts.Preview)
	return sum, nil
}
