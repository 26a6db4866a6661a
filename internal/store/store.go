package store

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/nhle/entitysync/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrStaleGeneration is returned when an export acknowledgement was
// computed before the collection was last reset.
var ErrStaleGeneration = errors.New("collection was reset since export")

// CommitKey identifies one commit sequence: an object type within an account.
type CommitKey struct {
	AccountID string
	ObjType   string
}

// SaveResult reports the identity and ordering tokens assigned by a save.
type SaveResult struct {
	LocalID  string
	Revision int64
	CommitID int64
}

// CommitSequencer issues strictly increasing commit ids per key.
type CommitSequencer interface {
	// NextCommit atomically increments and returns the head for key.
	NextCommit(ctx context.Context, key CommitKey) (int64, error)

	// Head returns the latest issued commit id for key (0 if none).
	Head(ctx context.Context, key CommitKey) (int64, error)
}

// EntityStore is the account-wide entity persistence the sync engine
// reads from and writes imports into.
type EntityStore interface {
	// SaveEntity creates or updates e, bumping its revision and assigning
	// a commit id in the same transaction. e is updated in place.
	SaveEntity(ctx context.Context, e *model.Entity) (SaveResult, error)

	// SoftDelete marks the entity deleted under a new commit id.
	SoftDelete(ctx context.Context, accountID, objType, id string) (SaveResult, error)

	// GetEntity returns the entity (including tombstones) or nil when it
	// does not exist.
	GetEntity(ctx context.Context, accountID, objType, id string) (*model.Entity, error)

	// ListEntitiesMatching yields every live entity of objType inside scope,
	// ordered by id.
	ListEntitiesMatching(
		ctx context.Context,
		accountID, objType string,
		scope model.Scope,
	) iter.Seq2[model.Entity, error]

	// ChangesSince returns change log entries with after < commit <= upTo,
	// ordered by commit id.
	ChangesSince(
		ctx context.Context,
		key CommitKey,
		after, upTo int64,
	) ([]model.ChangeLogEntry, error)
}

// ExportAck confirms delivery of (part of) an exported batch.
type ExportAck struct {
	CollectionID string

	// Generation is the collection generation the batch was computed
	// under. The acknowledgement is rejected once a reset moved past it.
	Generation int64

	// Boundary is the commit the batch was computed against.
	Boundary int64

	// Delivered lists what the partner now holds.
	Delivered []model.ExportRecord

	// Complete advances the cursor to Boundary and marks the collection
	// initialized. Without it only the ledger is updated.
	Complete bool

	At time.Time
}

// SyncStore persists partners, collections, the export ledger and
// import records.
type SyncStore interface {
	// === Partners ===

	UpsertPartner(ctx context.Context, p model.Partner) (model.Partner, error)
	GetPartner(ctx context.Context, id string) (*model.Partner, error)
	ListPartners(ctx context.Context, accountID string) ([]model.Partner, error)
	DeletePartner(ctx context.Context, id string) error
	TouchPartner(ctx context.Context, id string, at time.Time) error

	// === Collections ===

	GetOrCreateCollection(ctx context.Context, c model.Collection) (model.Collection, error)
	GetCollection(ctx context.Context, id string) (*model.Collection, error)
	ListCollections(ctx context.Context, partnerID string) ([]model.Collection, error)
	ResetCollection(ctx context.Context, id string) error

	// === Export ledger ===

	AcknowledgeExport(ctx context.Context, ack ExportAck) error
	RecordExport(ctx context.Context, rec model.ExportRecord) error
	GetExportRecord(ctx context.Context, collectionID, uniqueID string) (*model.ExportRecord, error)
	ListLedger(ctx context.Context, collectionID string) (map[string]model.ExportRecord, error)

	// === Import records ===

	GetImportRecord(ctx context.Context, collectionID, remoteID string) (*model.ImportRecord, error)
	ListImportRecords(ctx context.Context, collectionID string) ([]model.ImportRecord, error)
	UpsertImportRecord(ctx context.Context, rec model.ImportRecord) error
}

// Store bundles everything the sync engine needs from persistence.
type Store interface {
	CommitSequencer
	EntityStore
	SyncStore
}
