// Package persist is the public API of the persistence engine: an
// attribute-driven repository over embedded SQLite with soft-delete
// versioning, optimistic concurrency, expiry, list mappings, an audit
// trail, and bulk import/export/purge.
//
// Typical use:
//
//	type Widget struct {
//		persist.Tracked
//		Id   string `persist:"pk,size=64"`
//		Name string `persist:"notnull,index"`
//	}
//
//	eng, err := persist.Open(ctx, persist.DefaultOptions("widgets.db"))
//	desc, err := persist.Describe(Widget{}, persist.WithTable("Widgets"), persist.WithSoftDelete())
//	store, err := persist.NewStore[Widget, string](eng, desc)
//	err = store.Initialize(ctx)
//	_, err = store.Create(ctx, &Widget{Id: "w1", Name: "first"}, persist.Here())
package persist

import (
	"context"

	"github.com/smartpcr/persistence-lib/internal/bulk"
	"github.com/smartpcr/persistence-lib/internal/config"
	"github.com/smartpcr/persistence-lib/internal/entity"
	"github.com/smartpcr/persistence-lib/internal/expr"
	"github.com/smartpcr/persistence-lib/internal/retry"
	"github.com/smartpcr/persistence-lib/internal/storage"
	"github.com/smartpcr/persistence-lib/internal/storage/sqlite"
)

// Engine owns one database: connection, lock file, retry policy, and the
// shared system tables.
type Engine = sqlite.Engine

// Store is the typed repository over one entity table.
type Store[T any, K comparable] = sqlite.Store[T, K]

// Scope is a transaction context; operations routed through it commit or
// roll back together.
type Scope = sqlite.Scope

// Options configures the engine. See DefaultOptions and LoadConfig.
type Options = config.Options

// Descriptor is the immutable table metadata built from struct tags or the
// programmatic builder.
type Descriptor = entity.Descriptor

// DescriptorBuilder assembles descriptors programmatically.
type DescriptorBuilder = entity.Builder

// DescriptorOption adjusts table-level settings during Describe.
type DescriptorOption = entity.Option

// Tracked carries the engine-managed tracking fields; embed it in entity
// structs. SoftTracked adds the soft-delete marker, ExpiringTracked the
// expiration stamp.
type (
	Tracked         = entity.Tracked
	SoftTracked     = entity.SoftTracked
	ExpiringTracked = entity.ExpiringTracked
)

// Table is an untyped table handle reflected from an existing database.
type Table = sqlite.Table

// Ordering records OrderBy/ThenBy chains for Query options.
type Ordering = expr.Ordering

// RetryConfig tunes the transient-fault retry policy.
type RetryConfig = retry.Config

// Error is the kinded error every operation returns on failure; Kind is its
// classification.
type (
	Error = storage.Error
	Kind  = storage.Kind
)

// AuditRecord is one immutable audit row.
type AuditRecord = storage.AuditRecord

// Page is the result shape of QueryPaged.
type Page[T any] = storage.Page[T]

// CallerInfo stamps audit records with the requesting call site.
type CallerInfo = storage.CallerInfo

// SelectOptions steer Query row visibility, ordering, and paging.
type SelectOptions = storage.SelectOptions

// Open opens (or creates) a database and its system tables.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	return sqlite.Open(ctx, opts)
}

// NewStore binds an entity type to a descriptor on the engine.
func NewStore[T any, K comparable](eng *Engine, desc *Descriptor) (*Store[T, K], error) {
	return sqlite.NewStore[T, K](eng, desc)
}

// DefaultOptions returns engine options with documented defaults.
func DefaultOptions(dbFile string) Options { return config.DefaultOptions(dbFile) }

// LoadConfig reads options from a JSON or YAML document.
func LoadConfig(path string) (Options, error) { return config.Load(path) }

// RetryPreset resolves a named retry profile: "default", "no-retry",
// "network-storage", "high-contention".
func RetryPreset(name string) retry.Config { return retry.Preset(name) }

// Describe builds a descriptor from a sample struct's tags.
func Describe(sample any, opts ...entity.Option) (*Descriptor, error) {
	return entity.FromStruct(sample, opts...)
}

// NewDescriptor starts a programmatic descriptor builder.
func NewDescriptor(table string) *entity.Builder { return entity.NewBuilder(table) }

// Descriptor options, re-exported for Describe call sites.
var (
	WithTable      = entity.WithTable
	WithSchema     = entity.WithSchema
	WithSoftDelete = entity.WithSoftDelete
	WithSyncList   = entity.WithSyncList
	WithAuditTrail = entity.WithAuditTrail
	WithExpiry     = entity.WithExpiry
	WithArchive    = entity.WithArchive
	WithDependsOn  = entity.WithDependsOn
)

// Here captures the caller's source position for the audit trail.
func Here() CallerInfo { return storage.Here(1) }

// Predicate builders for Query, Count, Exists, and purge filters.
var (
	Eq                = expr.Eq
	Ne                = expr.Ne
	Lt                = expr.Lt
	Le                = expr.Le
	Gt                = expr.Gt
	Ge                = expr.Ge
	And               = expr.And
	Or                = expr.Or
	In                = expr.In
	Contains          = expr.Contains
	StartsWith        = expr.StartsWith
	EndsWith          = expr.EndsWith
	IsNull            = expr.IsNull
	IsNotNull         = expr.IsNotNull
	OrderBy           = expr.OrderBy
	OrderByDescending = expr.OrderByDescending
)

// Predicate is a boolean expression over entity properties.
type Predicate = expr.Predicate

// Error kinds callers branch on via IsKind.
const (
	KindNotFound      = storage.KindNotFound
	KindAlreadyExists = storage.KindAlreadyExists
	KindDeleted       = storage.KindDeleted
	KindConcurrency   = storage.KindConcurrency
	KindConstraint    = storage.KindConstraint
	KindListExists    = storage.KindListExists
	KindTransient     = storage.KindTransient
	KindCanceled      = storage.KindCanceled
	KindWriteFailed   = storage.KindWriteFailed
)

// IsKind reports whether err carries the given kind.
var IsKind = storage.IsKind

// IsNotFound is sugar for the most common check.
var IsNotFound = storage.IsNotFound

// Bulk operations. Stores and reflected tables both satisfy bulk.Store.
var (
	Export = bulk.Export
	Import = bulk.Import
	Purge  = bulk.Purge
)

// Bulk option and summary types.
type (
	ExportOptions = bulk.ExportOptions
	ImportOptions = bulk.ImportOptions
	PurgeOptions  = bulk.PurgeOptions
	ExportSummary = bulk.ExportSummary
	ImportSummary = bulk.ImportSummary
	PurgeSummary  = bulk.PurgeSummary
)

// Export modes, purge strategies, and import policies.
const (
	ExportFull        = bulk.ExportFull
	ExportIncremental = bulk.ExportIncremental
	ExportArchive     = bulk.ExportArchive

	PurgeExpired       = bulk.PurgeExpired
	PurgeSoftRetention = bulk.PurgeSoftRetention
	PurgeHard          = bulk.PurgeHard

	ImportReplace = sqlite.ImportReplace
	ImportMerge   = sqlite.ImportMerge
	ImportUpsert  = sqlite.ImportUpsert

	ConflictUseSource   = sqlite.ConflictUseSource
	ConflictUseTarget   = sqlite.ConflictUseTarget
	ConflictMergeFields = sqlite.ConflictMergeFields
	ConflictManualLog   = sqlite.ConflictManualLog
)
