package sqlite

import (
	"context"
	"testing"

	"github.com/smartpcr/persistence-lib/internal/entity"
	"github.com/smartpcr/persistence-lib/internal/storage"
)

func listStore(t *testing.T, eng *Engine) *Store[softItem, string] {
	t.Helper()
	return softStore(t, eng, entity.WithSyncList())
}

func TestCreateAndGetList(t *testing.T) {
	eng := setupEngine(t)
	st := listStore(t, eng)
	ctx := context.Background()

	ents := []*softItem{
		{Id: "e1", Name: "one"},
		{Id: "e2", Name: "two"},
		{Id: "e3", Name: "three"},
	}
	if err := st.CreateList(ctx, "L", ents); err != nil {
		t.Fatalf("create list: %v", err)
	}

	// All members share one batch version in soft-delete mode.
	if ents[0].Version != ents[1].Version || ents[1].Version != ents[2].Version {
		t.Errorf("batch versions differ: %d %d %d", ents[0].Version, ents[1].Version, ents[2].Version)
	}

	got, err := st.GetList(ctx, "L")
	if err != nil {
		t.Fatalf("get list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("list size = %d, want 3", len(got))
	}
	for i, want := range []string{"one", "two", "three"} {
		if got[i].Name != want {
			t.Errorf("list[%d].Name = %q, want %q (mapping order)", i, got[i].Name, want)
		}
	}

	if err := st.CreateList(ctx, "L", ents); !storage.IsKind(err, storage.KindListExists) {
		t.Fatalf("duplicate list err = %v, want list-already-exists", err)
	}
}

func TestUpdateListReplacesMembership(t *testing.T) {
	eng := setupEngine(t)
	st := listStore(t, eng)
	ctx := context.Background()

	if err := st.CreateList(ctx, "L", []*softItem{
		{Id: "e1", Name: "one"},
		{Id: "e2", Name: "two"},
		{Id: "e3", Name: "three"},
	}); err != nil {
		t.Fatalf("create list: %v", err)
	}
	before, _ := st.Get(ctx, "e2", here)

	// e1 changes, e2 stays, e3 drops, e4 joins.
	if err := st.UpdateList(ctx, "L", []*softItem{
		{Id: "e1", Name: "one-changed"},
		{Id: "e2", Name: "two"},
		{Id: "e4", Name: "four"},
	}); err != nil {
		t.Fatalf("update list: %v", err)
	}

	got, err := st.GetList(ctx, "L")
	if err != nil {
		t.Fatalf("get list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("list size = %d, want 3", len(got))
	}
	names := map[string]string{}
	for _, e := range got {
		names[e.Id] = e.Name
	}
	if names["e1"] != "one-changed" || names["e2"] != "two" || names["e4"] != "four" {
		t.Errorf("membership wrong: %v", names)
	}
	if _, present := names["e3"]; present {
		t.Error("dropped member still in list")
	}

	// Unchanged members keep their version; changed ones advance.
	after, _ := st.Get(ctx, "e2", here)
	if after.Version != before.Version {
		t.Errorf("unchanged member advanced: %d -> %d", before.Version, after.Version)
	}
	e1, _ := st.Get(ctx, "e1", here)
	if e1.Version <= before.Version {
		t.Errorf("changed member did not advance: %d", e1.Version)
	}

	// The dropped member's entity survives.
	e3, _ := st.Get(ctx, "e3", here)
	if e3 == nil {
		t.Error("dropped member entity was touched")
	}
}

func TestDeleteListLeavesEntities(t *testing.T) {
	eng := setupEngine(t)
	st := listStore(t, eng)
	ctx := context.Background()

	if err := st.CreateList(ctx, "L", []*softItem{
		{Id: "e1"}, {Id: "e2"},
	}); err != nil {
		t.Fatalf("create list: %v", err)
	}
	n, err := st.DeleteList(ctx, "L")
	if err != nil {
		t.Fatalf("delete list: %v", err)
	}
	if n != 2 {
		t.Errorf("mappings removed = %d, want 2", n)
	}
	for _, id := range []string{"e1", "e2"} {
		if got, _ := st.Get(ctx, id, here); got == nil {
			t.Errorf("entity %s lost with its list", id)
		}
	}
	if got, _ := st.GetList(ctx, "L"); len(got) != 0 {
		t.Errorf("deleted list still has %d members", len(got))
	}
}

func TestGetListDetectsStaleMapping(t *testing.T) {
	eng := setupEngine(t)
	st := listStore(t, eng)
	ctx := context.Background()

	if err := st.CreateList(ctx, "L", []*softItem{{Id: "e1", Name: "one"}}); err != nil {
		t.Fatalf("create list: %v", err)
	}
	// An out-of-band entity update leaves the mapping behind; GetList heals it.
	cur, _ := st.Get(ctx, "e1", here)
	cur.Name = "newer"
	if _, err := st.Update(ctx, cur, here); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := st.GetList(ctx, "L")
	if err != nil {
		t.Fatalf("get list after entity update: %v", err)
	}
	if got[0].Name != "newer" {
		t.Errorf("list did not follow entity update: %q", got[0].Name)
	}

	// A deleted member fails the read.
	if _, err := st.Delete(ctx, "e1", here); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := st.GetList(ctx, "L"); !storage.IsKind(err, storage.KindNotFound) {
		t.Errorf("list with deleted member err = %v, want entity-not-found", err)
	}
}

func TestListRequiresSyncFlag(t *testing.T) {
	eng := setupEngine(t)
	st := softStore(t, eng) // no WithSyncList
	ctx := context.Background()
	if err := st.CreateList(ctx, "L", nil); err == nil {
		t.Fatal("list op on non-list table must fail")
	}
}
