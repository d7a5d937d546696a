package bulk

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/smartpcr/persistence-lib/internal/config"
	"github.com/smartpcr/persistence-lib/internal/entity"
	"github.com/smartpcr/persistence-lib/internal/expr"
	"github.com/smartpcr/persistence-lib/internal/storage"
	"github.com/smartpcr/persistence-lib/internal/storage/sqlite"
)

type record struct {
	entity.SoftTracked
	Id   string `persist:"pk,size=64"`
	Name string
	Qty  int64
}

var here = storage.CallerInfo{File: "bulk_test.go", Member: "test", Line: 1}

// Both typed stores and reflected tables feed the bulk subsystem.
var (
	_ Store = (*sqlite.Store[record, string])(nil)
	_ Store = (*sqlite.Table)(nil)
)

func newStore(t *testing.T, opts ...entity.Option) *sqlite.Store[record, string] {
	t.Helper()
	ctx := context.Background()
	eng, err := sqlite.Open(ctx, config.DefaultOptions(filepath.Join(t.TempDir(), "bulk.db")))
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })

	all := append([]entity.Option{entity.WithTable("Records"), entity.WithSoftDelete()}, opts...)
	desc, err := entity.FromStruct(record{}, all...)
	if err != nil {
		t.Fatalf("descriptor: %v", err)
	}
	st, err := sqlite.NewStore[record, string](eng, desc)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := st.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return st
}

// seed writes a small history: r1 with three versions (incl. an update),
// r2 live, r3 deleted.
func seed(t *testing.T, st *sqlite.Store[record, string]) {
	t.Helper()
	ctx := context.Background()
	for _, r := range []*record{
		{Id: "r1", Name: "one", Qty: 1},
		{Id: "r2", Name: "two", Qty: 2},
		{Id: "r3", Name: "three", Qty: 3},
	} {
		if _, err := st.Create(ctx, r, here); err != nil {
			t.Fatalf("create %s: %v", r.Id, err)
		}
	}
	r1, _ := st.Get(ctx, "r1", here)
	r1.Qty = 10
	if _, err := st.Update(ctx, r1, here); err != nil {
		t.Fatalf("update r1: %v", err)
	}
	if _, err := st.Delete(ctx, "r3", here); err != nil {
		t.Fatalf("delete r3: %v", err)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newStore(t)
	seed(t, src)
	dir := filepath.Join(t.TempDir(), "pkg")

	sum, err := Export(ctx, src, ExportOptions{Mode: ExportFull, Dir: dir, BatchSize: 2, Compress: true})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	// 5 rows (r1 x2, r2, r3 x2) across batches of 2.
	if sum.Rows != 5 || sum.Files != 3 {
		t.Errorf("export = %d rows in %d files, want 5 in 3", sum.Rows, sum.Files)
	}

	dst := newStore(t)
	isum, err := Import(ctx, dst, ImportOptions{Dir: dir, Strategy: sqlite.ImportReplace})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if isum.RowsInserted != 5 {
		t.Errorf("imported rows = %d, want 5", isum.RowsInserted)
	}

	// Full version chains survive the round trip.
	for _, id := range []string{"r1", "r2", "r3"} {
		want, _ := src.GetByKey(ctx, id, true, true, true)
		got, err := dst.GetByKey(ctx, id, true, true, true)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if len(got) != len(want) {
			t.Fatalf("%s chain length = %d, want %d", id, len(got), len(want))
		}
		for i := range want {
			if got[i].Version != want[i].Version || got[i].Name != want[i].Name ||
				got[i].Qty != want[i].Qty || got[i].IsDeleted != want[i].IsDeleted {
				t.Errorf("%s[%d] = %+v, want %+v", id, i, got[i], want[i])
			}
		}
	}

	// Behavior matches too: the deleted key stays invisible.
	if got, _ := dst.Get(ctx, "r3", here); got != nil {
		t.Error("r3 visible after import, tombstone lost")
	}

	// The version sequence advanced past the imported chains, so new
	// writes keep versions monotonic.
	var maxImported int64
	for _, id := range []string{"r1", "r2", "r3"} {
		chain, _ := dst.GetByKey(ctx, id, true, true, true)
		for _, row := range chain {
			if row.Version > maxImported {
				maxImported = row.Version
			}
		}
	}
	fresh, err := dst.Create(ctx, &record{Id: "r4"}, here)
	if err != nil {
		t.Fatalf("create after import: %v", err)
	}
	if fresh.Version <= maxImported {
		t.Errorf("post-import version %d not above imported max %d", fresh.Version, maxImported)
	}
}

func TestImportSchemaMismatch(t *testing.T) {
	ctx := context.Background()
	src := newStore(t)
	seed(t, src)
	dir := filepath.Join(t.TempDir(), "pkg")
	if _, err := Export(ctx, src, ExportOptions{Dir: dir}); err != nil {
		t.Fatalf("export: %v", err)
	}

	// Tamper with the package's schema version.
	metaPath := filepath.Join(dir, "metadata.json")
	b, _ := os.ReadFile(metaPath)
	tampered := strings.Replace(string(b), `"schema_version": "`+SchemaVersion+`"`, `"schema_version": "99"`, 1)
	if err := os.WriteFile(metaPath, []byte(tampered), 0644); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	dst := newStore(t)
	_, err := Import(ctx, dst, ImportOptions{Dir: dir})
	if !storage.IsKind(err, storage.KindSchemaMismatch) {
		t.Fatalf("import err = %v, want schema-incompatible", err)
	}
	// Nothing was touched.
	if rows, _ := dst.RawRows(ctx, sqlite.RawRowFilter{AllVersions: true}); len(rows) != 0 {
		t.Errorf("mismatched import wrote %d rows", len(rows))
	}
}

func TestImportChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	src := newStore(t)
	seed(t, src)
	dir := filepath.Join(t.TempDir(), "pkg")
	if _, err := Export(ctx, src, ExportOptions{Dir: dir}); err != nil {
		t.Fatalf("export: %v", err)
	}
	// Corrupt the data file.
	data := filepath.Join(dir, "data-0000.ndjson")
	f, err := os.OpenFile(data, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open data: %v", err)
	}
	f.WriteString("{}\n")
	f.Close()

	dst := newStore(t)
	if _, err := Import(ctx, dst, ImportOptions{Dir: dir}); err == nil {
		t.Fatal("corrupted package imported cleanly")
	}
}

func TestImportMergePreservesExisting(t *testing.T) {
	ctx := context.Background()
	src := newStore(t)
	seed(t, src)
	dir := filepath.Join(t.TempDir(), "pkg")
	if _, err := Export(ctx, src, ExportOptions{Dir: dir}); err != nil {
		t.Fatalf("export: %v", err)
	}

	dst := newStore(t)
	if _, err := dst.Create(ctx, &record{Id: "r1", Name: "local"}, here); err != nil {
		t.Fatalf("create: %v", err)
	}
	sum, err := Import(ctx, dst, ImportOptions{Dir: dir, Strategy: sqlite.ImportMerge})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if sum.KeysSkipped != 1 {
		t.Errorf("skipped keys = %d, want 1 (r1)", sum.KeysSkipped)
	}
	got, _ := dst.Get(ctx, "r1", here)
	if got == nil || got.Name != "local" {
		t.Errorf("merge overwrote existing r1: %+v", got)
	}
	if got, _ := dst.Get(ctx, "r2", here); got == nil {
		t.Error("merge did not add new key r2")
	}
}

func TestImportUpsertUseSource(t *testing.T) {
	ctx := context.Background()
	src := newStore(t)
	seed(t, src)
	dir := filepath.Join(t.TempDir(), "pkg")
	if _, err := Export(ctx, src, ExportOptions{Dir: dir}); err != nil {
		t.Fatalf("export: %v", err)
	}

	dst := newStore(t)
	if _, err := dst.Create(ctx, &record{Id: "r1", Name: "local"}, here); err != nil {
		t.Fatalf("create: %v", err)
	}
	sum, err := Import(ctx, dst, ImportOptions{Dir: dir, Strategy: sqlite.ImportUpsert, Conflict: sqlite.ConflictUseSource})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if sum.Conflicts != 1 {
		t.Errorf("conflicts = %d, want 1", sum.Conflicts)
	}
	got, _ := dst.Get(ctx, "r1", here)
	if got == nil || got.Name != "one" {
		t.Errorf("upsert kept target: %+v", got)
	}
	chain, _ := dst.GetByKey(ctx, "r1", true, true, true)
	if len(chain) != 2 {
		t.Errorf("r1 chain = %d rows, want the source's 2", len(chain))
	}
}

func TestValidateChains(t *testing.T) {
	desc, err := entity.FromStruct(record{}, entity.WithTable("Records"), entity.WithSoftDelete())
	if err != nil {
		t.Fatalf("descriptor: %v", err)
	}
	good := []map[string]any{
		{"Id": "a", "Version": int64(1), "LastWriteTime": "2025-01-01 00:00:00.000"},
		{"Id": "a", "Version": int64(3), "LastWriteTime": "2025-01-02 00:00:00.000"},
		{"Id": "b", "Version": int64(2), "LastWriteTime": "2025-01-01 00:00:00.000"},
	}
	if err := validateChains(desc, good); err != nil {
		t.Errorf("good chains rejected: %v", err)
	}

	descending := []map[string]any{
		{"Id": "a", "Version": int64(3)},
		{"Id": "a", "Version": int64(1)},
	}
	if err := validateChains(desc, descending); err == nil {
		t.Error("descending versions accepted")
	}

	regressing := []map[string]any{
		{"Id": "a", "Version": int64(1), "LastWriteTime": "2025-01-02 00:00:00.000"},
		{"Id": "a", "Version": int64(2), "LastWriteTime": "2025-01-01 00:00:00.000"},
	}
	if err := validateChains(desc, regressing); err == nil {
		t.Error("regressing timestamps accepted")
	}
}

func TestPurgeExpiredWithBackup(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, entity.WithExpiry(50*time.Millisecond))
	if _, err := st.Create(ctx, &record{Id: "p1"}, here); err != nil {
		t.Fatalf("create: %v", err)
	}
	time.Sleep(120 * time.Millisecond)

	// Preview counts without deleting.
	prev, err := Purge(ctx, st, PurgeOptions{Strategy: PurgeExpired, Preview: true})
	if err != nil {
		t.Fatalf("preview purge: %v", err)
	}
	if prev.RowsRemoved != 1 {
		t.Errorf("preview rows = %d, want 1", prev.RowsRemoved)
	}
	if rows, _ := st.RawRows(ctx, sqlite.RawRowFilter{AllVersions: true}); len(rows) != 1 {
		t.Error("preview mutated the table")
	}

	backup := filepath.Join(t.TempDir(), "backup")
	sum, err := Purge(ctx, st, PurgeOptions{Strategy: PurgeExpired, BackupFirst: true, BackupDir: backup})
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if sum.RowsRemoved != 1 || sum.BackupDir != backup {
		t.Errorf("purge summary = %+v", sum)
	}
	if _, err := os.Stat(filepath.Join(backup, "manifest.json")); err != nil {
		t.Error("backup package missing")
	}
	if rows, _ := st.RawRows(ctx, sqlite.RawRowFilter{AllVersions: true}); len(rows) != 0 {
		t.Error("expired row survived purge")
	}
}

func TestPurgeSoftRetention(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	seed(t, st)

	// Everything written so far is older than a future cutoff.
	sum, err := Purge(ctx, st, PurgeOptions{
		Strategy:  PurgeSoftRetention,
		OlderThan: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	// r3's whole chain (2 rows) plus r1's superseded version.
	if sum.RowsRemoved != 3 {
		t.Errorf("rows removed = %d, want 3", sum.RowsRemoved)
	}
	if got, _ := st.Get(ctx, "r1", here); got == nil || got.Qty != 10 {
		t.Error("latest live version of r1 must survive retention purge")
	}
	if rows, _ := st.GetByKey(ctx, "r3", true, true, true); len(rows) != 0 {
		t.Error("fully-deleted key r3 not removed")
	}
}

func TestHardPurgeByFilter(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	seed(t, st)

	sum, err := Purge(ctx, st, PurgeOptions{Strategy: PurgeHard, Where: expr.Eq("Name", "two")})
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if sum.RowsRemoved != 1 {
		t.Errorf("rows removed = %d, want 1", sum.RowsRemoved)
	}
	if got, _ := st.Get(ctx, "r2", here); got != nil {
		t.Error("purged row still visible")
	}
}
