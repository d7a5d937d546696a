package bulk

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/smartpcr/persistence-lib/internal/debug"
	"github.com/smartpcr/persistence-lib/internal/entity"
	"github.com/smartpcr/persistence-lib/internal/storage"
	"github.com/smartpcr/persistence-lib/internal/storage/sqlite"
)

// ImportOptions steer one import run.
type ImportOptions struct {
	Dir      string
	Strategy sqlite.ImportStrategy
	Conflict sqlite.ConflictResolution
	Progress Progress
}

// ImportSummary reports what an import applied.
type ImportSummary struct {
	RowsRead     int64
	RowsInserted int64
	KeysSkipped  int64
	Conflicts    int64
	Files        int
	Duration     time.Duration
}

// Import applies a package directory to the store. Schema-version mismatch
// fails before any rows are touched; all row changes land in one
// transaction.
func Import(ctx context.Context, store Store, opts ImportOptions) (*ImportSummary, error) {
	start := time.Now()
	if opts.Dir == "" {
		return nil, fmt.Errorf("import needs a source directory")
	}
	if opts.Strategy == "" {
		opts.Strategy = sqlite.ImportUpsert
	}
	if opts.Conflict == "" {
		opts.Conflict = sqlite.ConflictUseSource
	}
	desc := store.Descriptor()

	var meta metadata
	if err := readJSON(filepath.Join(opts.Dir, "metadata.json"), &meta); err != nil {
		return nil, err
	}
	if err := validateMetadata(meta, desc); err != nil {
		return nil, storage.NewError(storage.KindSchemaMismatch, "import", desc.TableName, "", err)
	}

	var man manifest
	if err := readJSON(filepath.Join(opts.Dir, "manifest.json"), &man); err != nil {
		return nil, err
	}
	if man.SchemaVersion != SchemaVersion {
		return nil, storage.NewError(storage.KindSchemaMismatch, "import", desc.TableName, "",
			fmt.Errorf("manifest schema version %s", man.SchemaVersion))
	}

	var rows []map[string]any
	for _, mf := range man.Files {
		fileRows, err := readDataFile(filepath.Join(opts.Dir, mf.Name), mf)
		if err != nil {
			return nil, err
		}
		rows = append(rows, fileRows...)
		report(opts.Progress, "read", len(rows))
	}

	decodeBlobColumns(desc, rows)
	if desc.SoftDelete {
		if err := validateChains(desc, rows); err != nil {
			return nil, storage.NewError(storage.KindSchemaMismatch, "import", desc.TableName, "", err)
		}
	}

	counts, err := store.ImportRawRows(ctx, rows, opts.Strategy, opts.Conflict)
	if err != nil {
		return nil, err
	}
	report(opts.Progress, "apply", int(counts.RowsInserted))

	sum := &ImportSummary{
		RowsRead:     counts.RowsRead,
		RowsInserted: counts.RowsInserted,
		KeysSkipped:  counts.KeysSkipped,
		Conflicts:    counts.Conflicts,
		Files:        len(man.Files),
		Duration:     time.Since(start),
	}
	debug.Logf("import %s: %d read, %d inserted, %d skipped, %d conflicts",
		desc.TableName, sum.RowsRead, sum.RowsInserted, sum.KeysSkipped, sum.Conflicts)
	return sum, nil
}

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// readDataFile verifies the checksum, then decodes the NDJSON rows.
func readDataFile(path string, mf manifestFile) ([]map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", mf.Name, err)
	}
	sum := sha256.Sum256(raw)
	if got := hex.EncodeToString(sum[:]); got != mf.Checksum {
		return nil, fmt.Errorf("checksum mismatch on %s: manifest %s, file %s", mf.Name, mf.Checksum, got)
	}

	var r io.Reader = bytes.NewReader(raw)
	if mf.Compressed {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip %s: %w", mf.Name, err)
		}
		defer gz.Close()
		r = gz
	}

	var rows []map[string]any
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var row map[string]any
		if err := json.Unmarshal(line, &row); err != nil {
			return nil, fmt.Errorf("bad row in %s: %w", mf.Name, err)
		}
		rows = append(rows, normalizeJSONRow(row))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", mf.Name, err)
	}
	if len(rows) != mf.RowCount {
		return nil, fmt.Errorf("%s holds %d rows, manifest says %d", mf.Name, len(rows), mf.RowCount)
	}
	return rows, nil
}

// normalizeJSONRow undoes JSON's number widening: whole float64 values come
// back as int64 so versions and flags compare cleanly.
func normalizeJSONRow(row map[string]any) map[string]any {
	for k, v := range row {
		if f, ok := v.(float64); ok && f == float64(int64(f)) {
			row[k] = int64(f)
		}
	}
	return row
}

// decodeBlobColumns undoes JSON's base64 encoding of binary columns.
func decodeBlobColumns(desc *entity.Descriptor, rows []map[string]any) {
	var blobProps []string
	for _, c := range desc.Columns() {
		if c.Type == entity.TypeBlob || c.Type == entity.TypeVarBinary {
			blobProps = append(blobProps, c.Property)
		}
	}
	if len(blobProps) == 0 {
		return
	}
	for _, row := range rows {
		for _, p := range blobProps {
			if s, ok := row[p].(string); ok {
				if b, err := base64.StdEncoding.DecodeString(s); err == nil {
					row[p] = b
				}
			}
		}
	}
}

// validateChains enforces the export chain invariant per key: versions
// strictly ascending, write timestamps never regressing.
func validateChains(desc *entity.Descriptor, rows []map[string]any) error {
	keyProp := desc.KeyColumn().Property
	lastVersion := make(map[string]int64)
	lastWrite := make(map[string]string)
	for i, row := range rows {
		key, _ := row[keyProp].(string)
		if key == "" {
			key = fmt.Sprint(row[keyProp])
		}
		version, ok := asInt64(row[entity.PropVersion])
		if !ok {
			return fmt.Errorf("row %d (key %s) has no version", i, key)
		}
		if prev, seen := lastVersion[key]; seen && version <= prev {
			return fmt.Errorf("key %s: version %d after %d, chain must ascend", key, version, prev)
		}
		lastVersion[key] = version

		if lw, ok := row[entity.PropLastWriteTime].(string); ok {
			if prev, seen := lastWrite[key]; seen && lw < prev {
				return fmt.Errorf("key %s: LastWriteTime regresses across versions", key)
			}
			lastWrite[key] = lw
		}
	}
	return nil
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case float64:
		return int64(x), true
	}
	return 0, false
}

