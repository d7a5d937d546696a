package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/smartpcr/persistence-lib/internal/config"
	"github.com/smartpcr/persistence-lib/internal/entity"
	"github.com/smartpcr/persistence-lib/internal/expr"
	"github.com/smartpcr/persistence-lib/internal/storage"
)

type hardItem struct {
	entity.Tracked
	Id   string `persist:"pk,size=64"`
	Name string `persist:"notnull"`
	Qty  int64
}

type softItem struct {
	entity.SoftTracked
	Id   string `persist:"pk,size=64"`
	Name string
	Qty  int64
}

func setupEngine(t *testing.T) *Engine {
	t.Helper()
	ctx := context.Background()
	opts := config.DefaultOptions(filepath.Join(t.TempDir(), "test.db"))
	eng, err := Open(ctx, opts)
	if err != nil {
		t.Fatalf("failed to open engine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng
}

func hardStore(t *testing.T, eng *Engine, opts ...entity.Option) *Store[hardItem, string] {
	t.Helper()
	desc, err := entity.FromStruct(hardItem{}, append([]entity.Option{entity.WithTable("HardItems")}, opts...)...)
	if err != nil {
		t.Fatalf("descriptor: %v", err)
	}
	st, err := NewStore[hardItem, string](eng, desc)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := st.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return st
}

func softStore(t *testing.T, eng *Engine, opts ...entity.Option) *Store[softItem, string] {
	t.Helper()
	all := append([]entity.Option{entity.WithTable("SoftItems"), entity.WithSoftDelete()}, opts...)
	desc, err := entity.FromStruct(softItem{}, all...)
	if err != nil {
		t.Fatalf("descriptor: %v", err)
	}
	st, err := NewStore[softItem, string](eng, desc)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := st.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return st
}

var here = storage.CallerInfo{File: "store_test.go", Member: "test", Line: 1}

// The typed store is the repository contract's implementation.
var _ storage.Repository[softItem, string] = (*Store[softItem, string])(nil)

func TestHardDeleteRoundtrip(t *testing.T) {
	eng := setupEngine(t)
	st := hardStore(t, eng)
	ctx := context.Background()

	if _, err := st.Create(ctx, &hardItem{Id: "a", Name: "x"}, here); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := st.Get(ctx, "a", here)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Name != "x" || got.Version != 1 {
		t.Fatalf("get = %+v, want Name=x Version=1", got)
	}

	got.Name = "y"
	if _, err := st.Update(ctx, got, here); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err = st.Get(ctx, "a", here)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "y" || got.Version != 2 {
		t.Fatalf("after update got %+v, want Name=y Version=2", got)
	}

	deleted, err := st.Delete(ctx, "a", here)
	if err != nil || !deleted {
		t.Fatalf("delete = %v, %v", deleted, err)
	}
	got, err = st.Get(ctx, "a", here)
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if got != nil {
		t.Fatalf("get after delete = %+v, want nothing", got)
	}
}

func TestSoftDeleteHistory(t *testing.T) {
	eng := setupEngine(t)
	st := softStore(t, eng)
	ctx := context.Background()

	if _, err := st.Create(ctx, &softItem{Id: "b", Name: "v1"}, here); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := st.Get(ctx, "b", here)
	if err != nil || got == nil {
		t.Fatalf("get: %v %v", got, err)
	}
	if got.Version != 1 {
		t.Fatalf("first version = %d, want 1", got.Version)
	}

	got.Name = "v2"
	if _, err := st.Update(ctx, got, here); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := st.Delete(ctx, "b", here); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if got, _ := st.Get(ctx, "b", here); got != nil {
		t.Fatalf("get after soft delete = %+v, want nothing", got)
	}

	history, err := st.GetByKey(ctx, "b", true, true, true)
	if err != nil {
		t.Fatalf("get by key: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history rows = %d, want 3", len(history))
	}
	// Newest first, strictly decreasing and contiguous.
	for i, want := range []int64{3, 2, 1} {
		if history[i].Version != want {
			t.Errorf("history[%d].Version = %d, want %d", i, history[i].Version, want)
		}
	}
	if !history[0].IsDeleted {
		t.Error("newest row should be the tombstone")
	}
	if history[0].Name != "v2" {
		t.Errorf("tombstone preserves payload: Name = %q, want v2", history[0].Name)
	}

	// The latest live row is visible when deleted rows are included.
	latest, err := st.GetByKey(ctx, "b", false, true, true)
	if err != nil {
		t.Fatalf("get by key latest: %v", err)
	}
	if len(latest) != 1 || !latest[0].IsDeleted {
		t.Fatalf("latest with deleted = %+v, want single tombstone", latest)
	}
}

func TestCreateConflictAndRevive(t *testing.T) {
	eng := setupEngine(t)
	st := softStore(t, eng)
	ctx := context.Background()

	if _, err := st.Create(ctx, &softItem{Id: "c", Name: "one"}, here); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := st.Create(ctx, &softItem{Id: "c", Name: "dup"}, here)
	if !storage.IsKind(err, storage.KindAlreadyExists) {
		t.Fatalf("duplicate create err = %v, want entity-already-exists", err)
	}

	if _, err := st.Delete(ctx, "c", here); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// A tombstoned key revives at a fresh version.
	revived, err := st.Create(ctx, &softItem{Id: "c", Name: "two"}, here)
	if err != nil {
		t.Fatalf("revive create: %v", err)
	}
	if revived.Version <= 2 {
		t.Errorf("revived version = %d, want a fresh global version", revived.Version)
	}
	got, _ := st.Get(ctx, "c", here)
	if got == nil || got.Name != "two" {
		t.Fatalf("revived get = %+v", got)
	}
}

func TestOptimisticConcurrency(t *testing.T) {
	eng := setupEngine(t)
	st := softStore(t, eng)
	ctx := context.Background()

	if _, err := st.Create(ctx, &softItem{Id: "d", Name: "base"}, here); err != nil {
		t.Fatalf("create: %v", err)
	}
	first, _ := st.Get(ctx, "d", here)
	second, _ := st.Get(ctx, "d", here)

	first.Name = "winner"
	if _, err := st.Update(ctx, first, here); err != nil {
		t.Fatalf("first update: %v", err)
	}

	second.Name = "loser"
	_, err := st.Update(ctx, second, here)
	if !storage.IsKind(err, storage.KindConcurrency) {
		t.Fatalf("stale update err = %v, want concurrency-conflict", err)
	}
	// The losing write changed nothing.
	got, _ := st.Get(ctx, "d", here)
	if got.Name != "winner" {
		t.Errorf("after conflict Name = %q, want winner", got.Name)
	}
}

func TestUpdateErrors(t *testing.T) {
	eng := setupEngine(t)
	st := softStore(t, eng)
	ctx := context.Background()

	_, err := st.Update(ctx, &softItem{Id: "missing"}, here)
	if !storage.IsKind(err, storage.KindNotFound) {
		t.Fatalf("update missing err = %v, want entity-not-found", err)
	}

	if _, err := st.Create(ctx, &softItem{Id: "e"}, here); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := st.Delete(ctx, "e", here); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ := st.GetByKey(ctx, "e", false, true, true)
	got[0].Name = "zombie"
	_, err = st.Update(ctx, got[0], here)
	if !storage.IsKind(err, storage.KindDeleted) {
		t.Fatalf("update deleted err = %v, want entity-deleted", err)
	}
}

func TestIdempotentDelete(t *testing.T) {
	eng := setupEngine(t)
	st := softStore(t, eng)
	ctx := context.Background()

	if _, err := st.Create(ctx, &softItem{Id: "f"}, here); err != nil {
		t.Fatalf("create: %v", err)
	}
	deleted, err := st.Delete(ctx, "f", here)
	if err != nil || !deleted {
		t.Fatalf("first delete = %v, %v", deleted, err)
	}
	deleted, err = st.Delete(ctx, "f", here)
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if deleted {
		t.Error("second delete should be a no-op")
	}
	history, _ := st.GetByKey(ctx, "f", true, true, true)
	if len(history) != 2 {
		t.Errorf("rows after double delete = %d, want create + one tombstone", len(history))
	}

	// Hard-delete mode: deleting a missing key succeeds quietly.
	hs := hardStore(t, eng)
	deleted, err = hs.Delete(ctx, "nope", here)
	if err != nil || deleted {
		t.Errorf("hard delete of missing key = %v, %v; want false, nil", deleted, err)
	}
}

func TestExpiry(t *testing.T) {
	eng := setupEngine(t)
	st := softStore(t, eng, entity.WithExpiry(50*time.Millisecond))
	ctx := context.Background()

	if _, err := st.Create(ctx, &softItem{Id: "g"}, here); err != nil {
		t.Fatalf("create: %v", err)
	}
	if got, _ := st.Get(ctx, "g", here); got == nil {
		t.Fatal("fresh row should be visible")
	}

	time.Sleep(120 * time.Millisecond)

	if got, _ := st.Get(ctx, "g", here); got != nil {
		t.Fatalf("expired row visible: %+v", got)
	}
	all, _ := st.GetAll(ctx, nil)
	if len(all) != 0 {
		t.Errorf("expired row surfaced by GetAll: %d rows", len(all))
	}
	withExpired, err := st.GetByKey(ctx, "g", false, false, true)
	if err != nil || len(withExpired) != 1 {
		t.Fatalf("include_expired rows = %d (%v), want 1", len(withExpired), err)
	}

	res, err := st.PurgeExpired(ctx, false)
	if err != nil {
		t.Fatalf("purge expired: %v", err)
	}
	if res.RowsRemoved == 0 {
		t.Error("purge removed nothing")
	}
	after, _ := st.GetByKey(ctx, "g", true, true, true)
	if len(after) != 0 {
		t.Errorf("rows after purge = %d, want 0", len(after))
	}
}

func TestQueryCountExists(t *testing.T) {
	eng := setupEngine(t)
	st := softStore(t, eng)
	ctx := context.Background()

	for _, it := range []*softItem{
		{Id: "q1", Name: "alpha", Qty: 1},
		{Id: "q2", Name: "beta", Qty: 5},
		{Id: "q3", Name: "alphabet", Qty: 9},
	} {
		if _, err := st.Create(ctx, it, here); err != nil {
			t.Fatalf("create %s: %v", it.Id, err)
		}
	}

	got, err := st.Query(ctx, expr.Contains("Name", "alpha"), nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("contains query rows = %d, want 2", len(got))
	}

	n, err := st.Count(ctx, expr.Gt("Qty", 2))
	if err != nil || n != 2 {
		t.Errorf("count = %d (%v), want 2", n, err)
	}

	ok, err := st.Exists(ctx, expr.Eq("Name", "beta"))
	if err != nil || !ok {
		t.Errorf("exists = %v (%v), want true", ok, err)
	}
	ok, _ = st.Exists(ctx, expr.Eq("Name", "gamma"))
	if ok {
		t.Error("exists on missing name = true")
	}

	// Updates must not duplicate rows in collapsed queries.
	one, _ := st.Get(ctx, "q1", here)
	one.Qty = 100
	if _, err := st.Update(ctx, one, here); err != nil {
		t.Fatalf("update: %v", err)
	}
	all, _ := st.GetAll(ctx, nil)
	if len(all) != 3 {
		t.Errorf("GetAll after update = %d rows, want 3 (latest only)", len(all))
	}
}

func TestQueryPaged(t *testing.T) {
	eng := setupEngine(t)
	st := hardStore(t, eng)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		item := &hardItem{Id: string(rune('a' + i)), Name: "n", Qty: int64(i)}
		if _, err := st.Create(ctx, item, here); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	page, err := st.QueryPaged(ctx, nil, 3, 2)
	if err != nil {
		t.Fatalf("query paged: %v", err)
	}
	if page.Total != 7 || page.PageCount != 3 || len(page.Items) != 3 {
		t.Errorf("page = total %d pages %d items %d, want 7/3/3", page.Total, page.PageCount, len(page.Items))
	}
}

func TestBatchAtomicity(t *testing.T) {
	eng := setupEngine(t)
	st := softStore(t, eng)
	ctx := context.Background()

	if _, err := st.Create(ctx, &softItem{Id: "dup"}, here); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := st.CreateBatch(ctx, []*softItem{
		{Id: "b1"}, {Id: "dup"}, {Id: "b2"},
	}, here)
	if !storage.IsKind(err, storage.KindAlreadyExists) {
		t.Fatalf("batch err = %v, want entity-already-exists", err)
	}
	// The whole batch rolled back: b1 never landed.
	if got, _ := st.Get(ctx, "b1", here); got != nil {
		t.Error("partial batch leaked row b1")
	}
}

func TestUpdateBatchAggregatesConflicts(t *testing.T) {
	eng := setupEngine(t)
	st := softStore(t, eng)
	ctx := context.Background()

	for _, id := range []string{"u1", "u2"} {
		if _, err := st.Create(ctx, &softItem{Id: id}, here); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	stale1, _ := st.Get(ctx, "u1", here)
	stale2, _ := st.Get(ctx, "u2", here)
	// Advance both behind the stale copies' backs.
	for _, id := range []string{"u1", "u2"} {
		cur, _ := st.Get(ctx, id, here)
		cur.Qty++
		if _, err := st.Update(ctx, cur, here); err != nil {
			t.Fatalf("advance: %v", err)
		}
	}

	_, err := st.UpdateBatch(ctx, []*softItem{stale1, stale2}, nil, here)
	if !storage.IsKind(err, storage.KindConcurrency) {
		t.Fatalf("batch err = %v, want concurrency-conflict", err)
	}
	var se *storage.Error
	if !errors.As(err, &se) {
		t.Fatal("batch error is not a storage.Error")
	}
	if se.Key != "u1,u2" {
		t.Errorf("aggregate names = %q, want both offending keys", se.Key)
	}
}

func TestAuditTrail(t *testing.T) {
	eng := setupEngine(t)
	st := softStore(t, eng, entity.WithAuditTrail())
	ctx := context.Background()

	caller := storage.CallerInfo{File: "widget_service.go", Member: "Save", Line: 42}
	if _, err := st.Create(ctx, &softItem{Id: "a1", Name: "x"}, caller); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, _ := st.Get(ctx, "a1", here)
	got.Name = "y"
	if _, err := st.Update(ctx, got, caller); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := st.Delete(ctx, "a1", caller); err != nil {
		t.Fatalf("delete: %v", err)
	}

	recs, err := eng.AuditRecords(ctx, "SoftItems", "a1", 0)
	if err != nil {
		t.Fatalf("audit records: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("audit rows = %d, want 3", len(recs))
	}
	// Newest first.
	wantOps := []storage.AuditOp{storage.AuditDelete, storage.AuditUpdate, storage.AuditCreate}
	for i, op := range wantOps {
		if recs[i].Operation != op {
			t.Errorf("recs[%d].Operation = %s, want %s", i, recs[i].Operation, op)
		}
	}
	if recs[1].OldVersion == nil || *recs[1].OldVersion != 1 {
		t.Error("update audit should carry the old version")
	}
	if recs[2].Size == 0 {
		t.Error("create audit should carry a payload size")
	}
	if recs[0].CallerFile != "widget_service.go" || recs[0].CallerLine != 42 {
		t.Errorf("caller info lost: %+v", recs[0])
	}
}

func TestVersionSequenceSharedAcrossTables(t *testing.T) {
	eng := setupEngine(t)
	st := softStore(t, eng)
	ctx := context.Background()

	other, err := entity.FromStruct(softItem{}, entity.WithTable("OtherItems"), entity.WithSoftDelete())
	if err != nil {
		t.Fatalf("descriptor: %v", err)
	}
	st2, err := NewStore[softItem, string](eng, other)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := st2.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	a, _ := st.Create(ctx, &softItem{Id: "s1"}, here)
	b, _ := st2.Create(ctx, &softItem{Id: "s1"}, here)
	if a == nil || b == nil {
		t.Fatal("creates failed")
	}
	if b.Version <= a.Version {
		t.Errorf("global sequence not shared: %d then %d", a.Version, b.Version)
	}
	head, err := eng.VersionHead(ctx)
	if err != nil || head != b.Version {
		t.Errorf("version head = %d (%v), want %d", head, err, b.Version)
	}
}
