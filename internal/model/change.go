package model

import "time"

// Action is the kind of change applied to an entity.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// ChangeLogEntry is one row of the append-only entity change log: the
// identity of what changed and at which commit. It never carries field
// values; exporters re-read the entity.
type ChangeLogEntry struct {
	AccountID string    `json:"account_id" db:"account_id"`
	ObjType   string    `json:"obj_type" db:"obj_type"`
	CommitID  int64     `json:"commit_id" db:"commit_id"`
	EntityID  string    `json:"entity_id" db:"entity_id"`
	Action    Action    `json:"action" db:"action"`
	Revision  int64     `json:"revision" db:"revision"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ExportRecord is the export ledger entry of a collection: the version of
// an entity the partner is known to hold.
type ExportRecord struct {
	CollectionID string    `json:"collection_id" db:"collection_id"`
	UniqueID     string    `json:"unique_id" db:"unique_id"`
	CommitID     int64     `json:"commit_id" db:"commit_id"`
	Action       Action    `json:"action" db:"action"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// Held reports whether the partner still holds the entity.
func (r ExportRecord) Held() bool {
	return r.Action != ActionDelete
}

// ImportRecord maps a partner-side id to the local entity it was imported
// into, with the revisions last seen on both sides.
type ImportRecord struct {
	CollectionID   string    `json:"collection_id" db:"collection_id"`
	ObjType        string    `json:"obj_type" db:"obj_type"`
	LocalID        string    `json:"local_id" db:"local_id"`
	LocalRevision  int64     `json:"local_revision" db:"local_revision"`
	LocalCommitID  int64     `json:"local_commit_id" db:"local_commit_id"`
	RemoteID       string    `json:"remote_id" db:"remote_id"`
	RemoteRevision int64     `json:"remote_revision" db:"remote_revision"`
	Deleted        bool      `json:"deleted" db:"deleted"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// Change describes one exported change for a collection.
type Change struct {
	ID       string  `json:"id"`
	Action   Action  `json:"action"`
	CommitID int64   `json:"commit_id"`
	Snapshot *Entity `json:"snapshot,omitempty"`

	// Payload is the partner-side rendering of Snapshot.
	Payload Payload `json:"payload,omitempty"`
}

// RemoteItem is one entry of a partner's full listing: its id and the
// partner-side revision of that item.
type RemoteItem struct {
	RemoteID string `json:"remote_id"`
	Revision int64  `json:"revision"`
}
