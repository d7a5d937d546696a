package entity

import "time"

// Tracked carries the engine-managed tracking fields. Embed it in entity
// structs that want the engine's stamps readable after a round trip; the
// mapper tolerates structs that omit any of them.
type Tracked struct {
	Version       int64
	CreatedTime   time.Time
	LastWriteTime time.Time
}

// SoftTracked extends Tracked with the soft-delete marker.
type SoftTracked struct {
	Tracked
	IsDeleted bool
}

// ExpiringTracked extends Tracked with an expiration stamp. A nil expiration
// means the engine defaults it to CreatedTime plus the table's expiry span.
type ExpiringTracked struct {
	Tracked
	AbsoluteExpiration *time.Time
}
