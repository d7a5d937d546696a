package storage

import (
	"context"
	"path/filepath"
	"runtime"
	"time"

	"github.com/smartpcr/persistence-lib/internal/expr"
)

// CallerInfo stamps audit records with the call site that requested a
// mutation. Capture it with Here() at the public API boundary.
type CallerInfo struct {
	File   string
	Member string
	Line   int
}

// Here captures the caller's source position, skipping the given number of
// extra frames above the direct caller.
func Here(skip int) CallerInfo {
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return CallerInfo{}
	}
	ci := CallerInfo{File: filepath.Base(file), Line: line}
	if fn := runtime.FuncForPC(pc); fn != nil {
		ci.Member = fn.Name()
	}
	return ci
}

// SelectOptions steer query generation. The zero value reads the latest,
// live, unexpired rows.
type SelectOptions struct {
	IncludeAllVersions bool
	IncludeDeleted     bool
	IncludeExpired     bool
	Where              expr.Predicate
	OrderBy            *expr.Ordering
	Limit              int
	Offset             int
}

// Page is the result shape of paged queries.
type Page[T any] struct {
	Items     []T
	Total     int64
	PageCount int
}

// AuditOp is the operation recorded on an audit row.
type AuditOp string

const (
	AuditCreate AuditOp = "CREATE"
	AuditRead   AuditOp = "READ"
	AuditUpdate AuditOp = "UPDATE"
	AuditDelete AuditOp = "DELETE"
)

// AuditRecord is one immutable audit row.
type AuditRecord struct {
	ID         int64
	EntityType string
	EntityID   string
	Operation  AuditOp
	NewVersion int64
	OldVersion *int64
	Size       int64
	CallerFile string
	CallerName string
	CallerLine int
	CreatedAt  time.Time
}

// Repository is the generic persistence contract. T is the entity struct,
// K its key type. All mutations accept a CallerInfo for the audit trail.
type Repository[T any, K comparable] interface {
	Initialize(ctx context.Context) error

	Create(ctx context.Context, entity *T, caller CallerInfo) (*T, error)
	CreateBatch(ctx context.Context, entities []*T, caller CallerInfo) ([]*T, error)

	Get(ctx context.Context, key K, caller CallerInfo) (*T, error)
	GetByKey(ctx context.Context, key K, includeAllVersions, includeDeleted, includeExpired bool) ([]*T, error)
	GetAll(ctx context.Context, where expr.Predicate) ([]*T, error)
	Query(ctx context.Context, where expr.Predicate, opts *SelectOptions) ([]*T, error)
	QueryPaged(ctx context.Context, where expr.Predicate, pageSize, pageNum int) (*Page[*T], error)
	Count(ctx context.Context, where expr.Predicate) (int64, error)
	Exists(ctx context.Context, where expr.Predicate) (bool, error)

	Update(ctx context.Context, entity *T, caller CallerInfo) (*T, error)
	UpdateBatch(ctx context.Context, entities []*T, mutate func(*T) error, caller CallerInfo) ([]*T, error)
	Delete(ctx context.Context, key K, caller CallerInfo) (bool, error)
	DeleteBatch(ctx context.Context, keys []K, caller CallerInfo) (int64, error)

	CreateList(ctx context.Context, listKey string, entities []*T) error
	GetList(ctx context.Context, listKey string) ([]*T, error)
	UpdateList(ctx context.Context, listKey string, entities []*T) error
	DeleteList(ctx context.Context, listKey string) (int64, error)
}

// ListEntry is one row of the shared list-mapping table.
type ListEntry struct {
	ListKey       string
	EntryKey      string
	Version       int64
	CreatedTime   time.Time
	LastWriteTime time.Time
}
