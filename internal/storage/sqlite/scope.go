package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/smartpcr/persistence-lib/internal/debug"
	"github.com/smartpcr/persistence-lib/internal/storage"
)

// Scope is a transaction context bound to one connection. Operations routed
// through the scope share its transaction and observe strict FIFO ordering.
// A scope that is closed without an explicit Commit rolls back.
type Scope struct {
	eng  *Engine
	conn *sql.Conn
	tx   *sql.Tx

	mu        sync.Mutex
	done      bool
	committed bool

	beforeCommit   []func()
	afterCommit    []func()
	beforeRollback []func()
	afterRollback  []func()
}

// BeginScope opens a transaction scope. Scopes do not nest; open a second
// scope for independent work.
func (e *Engine) BeginScope(ctx context.Context) (*Scope, error) {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return nil, wrapDBError("begin scope", "", "", err)
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		conn.Close()
		return nil, wrapDBError("begin scope", "", "", err)
	}
	return &Scope{eng: e, conn: conn, tx: tx}, nil
}

// Begin on an open scope is a nested transaction, which the engine does not
// model (no savepoints at this layer).
func (s *Scope) Begin(context.Context) (*Scope, error) {
	return nil, storage.NewError(storage.KindNestedTx, "begin scope", "", "",
		fmt.Errorf("scope already owns a transaction"))
}

// Tx exposes the scope's transaction to stores bound via InScope.
func (s *Scope) Tx() *sql.Tx { return s.tx }

// OnBeforeCommit registers a hook run synchronously before COMMIT.
func (s *Scope) OnBeforeCommit(fn func()) { s.beforeCommit = append(s.beforeCommit, fn) }

// OnAfterCommit registers a hook run after a successful COMMIT.
func (s *Scope) OnAfterCommit(fn func()) { s.afterCommit = append(s.afterCommit, fn) }

// OnBeforeRollback registers a hook run before ROLLBACK.
func (s *Scope) OnBeforeRollback(fn func()) { s.beforeRollback = append(s.beforeRollback, fn) }

// OnAfterRollback registers a hook run after ROLLBACK.
func (s *Scope) OnAfterRollback(fn func()) { s.afterRollback = append(s.afterRollback, fn) }

// Commit commits the scope's transaction and releases the connection.
func (s *Scope) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return fmt.Errorf("scope already closed")
	}
	for _, fn := range s.beforeCommit {
		fn()
	}
	err := s.tx.Commit()
	s.done = true
	s.conn.Close()
	if err != nil {
		return wrapDBError("commit", "", "", err)
	}
	s.committed = true
	for _, fn := range s.afterCommit {
		fn()
	}
	return nil
}

// Rollback aborts the scope. Safe to call after Commit; it becomes a no-op.
func (s *Scope) Rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollbackLocked()
}

func (s *Scope) rollbackLocked() error {
	if s.done {
		return nil
	}
	for _, fn := range s.beforeRollback {
		fn()
	}
	err := s.tx.Rollback()
	s.done = true
	s.conn.Close()
	if err != nil {
		return wrapDBError("rollback", "", "", err)
	}
	for _, fn := range s.afterRollback {
		fn()
	}
	return nil
}

// Close releases the scope. Uncommitted work rolls back — the safe default
// for early returns and panics.
func (s *Scope) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	debug.Logf("scope: closed without commit, rolling back")
	return s.rollbackLocked()
}

// Committed reports whether Commit succeeded.
func (s *Scope) Committed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}
