package sqlite

import (
	"context"
	"testing"

	"github.com/smartpcr/persistence-lib/internal/storage"
)

func TestScopeCommit(t *testing.T) {
	eng := setupEngine(t)
	st := softStore(t, eng)
	ctx := context.Background()

	sc, err := eng.BeginScope(ctx)
	if err != nil {
		t.Fatalf("begin scope: %v", err)
	}
	scoped := st.InScope(sc)
	if _, err := scoped.Create(ctx, &softItem{Id: "t1"}, here); err != nil {
		t.Fatalf("scoped create: %v", err)
	}
	if _, err := scoped.Create(ctx, &softItem{Id: "t2"}, here); err != nil {
		t.Fatalf("scoped create: %v", err)
	}

	// Uncommitted work is invisible outside the scope but visible inside.
	if got, _ := scoped.Get(ctx, "t1", here); got == nil {
		t.Error("scope cannot read its own write")
	}

	if err := sc.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !sc.Committed() {
		t.Error("Committed() = false after commit")
	}
	got, _ := st.Get(ctx, "t1", here)
	if got == nil {
		t.Error("committed row not visible")
	}
}

func TestScopeRollbackOnClose(t *testing.T) {
	eng := setupEngine(t)
	st := softStore(t, eng)
	ctx := context.Background()

	sc, err := eng.BeginScope(ctx)
	if err != nil {
		t.Fatalf("begin scope: %v", err)
	}
	scoped := st.InScope(sc)
	if _, err := scoped.Create(ctx, &softItem{Id: "r1"}, here); err != nil {
		t.Fatalf("scoped create: %v", err)
	}
	// Close without commit rolls back.
	if err := sc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got, _ := st.Get(ctx, "r1", here); got != nil {
		t.Error("rolled-back row is visible")
	}
}

func TestScopeAtomicity(t *testing.T) {
	eng := setupEngine(t)
	st := softStore(t, eng)
	ctx := context.Background()

	if _, err := st.Create(ctx, &softItem{Id: "pre"}, here); err != nil {
		t.Fatalf("create: %v", err)
	}

	sc, _ := eng.BeginScope(ctx)
	scoped := st.InScope(sc)
	if _, err := scoped.Create(ctx, &softItem{Id: "ok1"}, here); err != nil {
		t.Fatalf("scoped create: %v", err)
	}
	// This one fails; the caller reacts by rolling the scope back.
	if _, err := scoped.Create(ctx, &softItem{Id: "pre"}, here); !storage.IsKind(err, storage.KindAlreadyExists) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := sc.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	if got, _ := st.Get(ctx, "ok1", here); got != nil {
		t.Error("scope left partial state behind")
	}
}

func TestNestedScopeRejected(t *testing.T) {
	eng := setupEngine(t)
	ctx := context.Background()

	sc, err := eng.BeginScope(ctx)
	if err != nil {
		t.Fatalf("begin scope: %v", err)
	}
	defer sc.Close()
	_, err = sc.Begin(ctx)
	if !storage.IsKind(err, storage.KindNestedTx) {
		t.Fatalf("nested begin err = %v, want nested-transaction", err)
	}
}

func TestScopeHooks(t *testing.T) {
	eng := setupEngine(t)
	ctx := context.Background()

	var order []string
	sc, _ := eng.BeginScope(ctx)
	sc.OnBeforeCommit(func() { order = append(order, "before-commit") })
	sc.OnAfterCommit(func() { order = append(order, "after-commit") })
	if err := sc.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(order) != 2 || order[0] != "before-commit" || order[1] != "after-commit" {
		t.Errorf("commit hook order = %v", order)
	}

	order = nil
	sc2, _ := eng.BeginScope(ctx)
	sc2.OnBeforeRollback(func() { order = append(order, "before-rollback") })
	sc2.OnAfterRollback(func() { order = append(order, "after-rollback") })
	if err := sc2.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if len(order) != 2 || order[0] != "before-rollback" || order[1] != "after-rollback" {
		t.Errorf("rollback hook order = %v", order)
	}
}
