package model

import "time"

// OpKind identifies the kind of local write recorded in the offline queue.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Mutation is one recorded local write. The payload is the full JSON
// snapshot of the entity as of the write, so collapsing the queue to
// the newest row per entity yields the latest field values.
type Mutation struct {
	ID         int64
	EntityType string
	LocalID    string
	Op         OpKind
	Payload    []byte
	RecordedAt time.Time
}
