package bulk

import (
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/smartpcr/persistence-lib/internal/debug"
	"github.com/smartpcr/persistence-lib/internal/storage/sqlite"
)

// ExportMode selects what an export covers.
type ExportMode string

const (
	// ExportFull takes everything; soft-delete stores include the whole
	// version history unless LatestOnly restricts it.
	ExportFull ExportMode = "full"
	// ExportIncremental takes rows written after Since.
	ExportIncremental ExportMode = "incremental"
	// ExportArchive takes rows created before Cutoff, history included.
	ExportArchive ExportMode = "archive"
)

// ExportOptions steer one export run.
type ExportOptions struct {
	Mode       ExportMode
	Dir        string
	BatchSize  int // rows per data file; default 1000
	Compress   bool
	Since      time.Time // incremental watermark
	Cutoff     time.Time // archive retention boundary
	LatestOnly bool      // restrict a full export to live latest rows
	Progress   Progress
}

// ExportSummary reports what landed on disk.
type ExportSummary struct {
	PackageID string
	Dir       string
	Mode      ExportMode
	Files     int
	Rows      int
	StartedAt time.Time
	Duration  time.Duration
}

// Export writes a package directory: metadata.json, data-NNNN.ndjson[.gz],
// and manifest.json with per-file checksums.
func Export(ctx context.Context, store Store, opts ExportOptions) (*ExportSummary, error) {
	start := time.Now()
	if opts.Dir == "" {
		return nil, fmt.Errorf("export needs a destination directory")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}

	desc := store.Descriptor()
	filter := sqlite.RawRowFilter{}
	switch opts.Mode {
	case ExportFull, "":
		opts.Mode = ExportFull
		filter.AllVersions = desc.SoftDelete && !opts.LatestOnly
	case ExportIncremental:
		if opts.Since.IsZero() {
			return nil, fmt.Errorf("incremental export needs a Since watermark")
		}
		since := opts.Since
		filter.ModifiedAfter = &since
		filter.AllVersions = desc.SoftDelete
	case ExportArchive:
		if opts.Cutoff.IsZero() {
			return nil, fmt.Errorf("archive export needs a Cutoff")
		}
		cutoff := opts.Cutoff
		filter.CreatedBefore = &cutoff
		filter.AllVersions = desc.SoftDelete
	default:
		return nil, fmt.Errorf("unknown export mode %q", opts.Mode)
	}

	report(opts.Progress, "read", 0)
	rows, err := store.RawRows(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	report(opts.Progress, "read", len(rows))

	if err := os.MkdirAll(opts.Dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}

	meta := metadataFor(desc)
	if err := writeJSON(filepath.Join(opts.Dir, "metadata.json"), meta); err != nil {
		return nil, err
	}

	man := manifest{
		SchemaVersion: SchemaVersion,
		ExportedAt:    start.UTC(),
		Mode:          string(opts.Mode),
		Flags: map[string]any{
			"soft_delete":  desc.SoftDelete,
			"all_versions": filter.AllVersions,
		},
	}

	for i := 0; i*opts.BatchSize < len(rows) || (i == 0 && len(rows) == 0); i++ {
		lo := i * opts.BatchSize
		hi := lo + opts.BatchSize
		if hi > len(rows) {
			hi = len(rows)
		}
		name := fmt.Sprintf("data-%04d.ndjson", i)
		if opts.Compress {
			name += ".gz"
		}
		sum, err := writeDataFile(filepath.Join(opts.Dir, name), rows[lo:hi], opts.Compress)
		if err != nil {
			return nil, err
		}
		man.Files = append(man.Files, manifestFile{
			Name:       name,
			Checksum:   sum,
			RowCount:   hi - lo,
			Compressed: opts.Compress,
		})
		report(opts.Progress, "write", hi)
		if len(rows) == 0 {
			break
		}
	}

	if err := writeJSON(filepath.Join(opts.Dir, "manifest.json"), man); err != nil {
		return nil, err
	}

	sum := &ExportSummary{
		PackageID: uuid.NewString(),
		Dir:       opts.Dir,
		Mode:      opts.Mode,
		Files:     len(man.Files),
		Rows:      len(rows),
		StartedAt: start,
		Duration:  time.Since(start),
	}
	debug.Logf("export %s: %d rows in %d files (%s)", desc.TableName, sum.Rows, sum.Files, sum.Duration)
	return sum, nil
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, append(b, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeDataFile writes one NDJSON batch and returns its sha256 checksum.
func writeDataFile(path string, rows []map[string]any, compress bool) (string, error) {
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	hash := sha256.New()
	out := io.MultiWriter(f, hash)

	if compress {
		gz := gzip.NewWriter(out)
		if err := writeNDJSON(gz, rows); err != nil {
			return "", err
		}
		if err := gz.Close(); err != nil {
			return "", fmt.Errorf("failed to finish %s: %w", filepath.Base(path), err)
		}
	} else if err := writeNDJSON(out, rows); err != nil {
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close %s: %w", filepath.Base(path), err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

func writeNDJSON(w io.Writer, rows []map[string]any) error {
	enc := json.NewEncoder(w)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("failed to encode row: %w", err)
		}
	}
	return nil
}
