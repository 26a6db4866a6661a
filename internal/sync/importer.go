package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nhle/entitysync/internal/adapter"
	"github.com/nhle/entitysync/internal/model"
	"github.com/nhle/entitysync/internal/store"
)

// Target is a collection bound to the account, owner and adapter its
// imports are written with.
type Target struct {
	AccountID  string
	OwnerID    string
	Collection model.Collection
	Adapter    adapter.Adapter
}

// RemoteChange is one partner-originated change.
type RemoteChange struct {
	RemoteID string
	Action   model.Action

	// Revision is the partner-side revision, 0 when the partner has none.
	Revision int64

	// Payload carries partner-side values for create and update. Missing
	// keys leave local fields untouched.
	Payload model.Payload
}

// Reconciler applies partner changes to the entity store and maintains
// the remote to local id mapping of each collection.
type Reconciler struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewReconciler creates a Reconciler writing to s.
func NewReconciler(s store.Store, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: s, logger: logger, now: time.Now}
}

// ApplyChange writes one partner change and returns the local id it was
// applied to. Deletes return "" and succeed when nothing is mapped.
// Concurrent edits resolve by arrival order: the last write wins.
func (r *Reconciler) ApplyChange(ctx context.Context, t Target, ch RemoteChange) (string, error) {
	if ch.RemoteID == "" {
		return "", fmt.Errorf("remote change has no id")
	}
	switch ch.Action {
	case model.ActionCreate, model.ActionUpdate, "":
		return r.applyUpsert(ctx, t, ch)
	case model.ActionDelete:
		return "", r.applyDelete(ctx, t, ch.RemoteID)
	default:
		return "", fmt.Errorf("unknown action %q for %s", ch.Action, ch.RemoteID)
	}
}

func (r *Reconciler) applyUpsert(ctx context.Context, t Target, ch RemoteChange) (string, error) {
	col := t.Collection
	objType := t.Adapter.ObjType()

	localID, err := r.localID(ctx, col.ID, ch.RemoteID)
	if err != nil {
		return "", err
	}

	var ent *model.Entity
	if localID != "" {
		ent, err = r.store.GetEntity(ctx, t.AccountID, objType, localID)
		if err != nil {
			return "", transient("fetching entity", localID, err)
		}
	}

	isNew := ent == nil
	if isNew {
		ent = &model.Entity{
			ID:        localID,
			AccountID: t.AccountID,
			ObjType:   objType,
			OwnerID:   t.OwnerID,
			CreatorID: t.OwnerID,
		}
	} else if !ent.Deleted && !col.Scope.Matches(ent) {
		return "", &ConflictingParentError{CollectionID: col.ID, RemoteID: ch.RemoteID, LocalID: ent.ID}
	}
	// An update for a locally deleted entity brings it back.
	ent.Deleted = false

	if err := t.Adapter.MapInboundPayload(ch.Payload, ent); err != nil {
		return "", fmt.Errorf("mapping %s: %w", ch.RemoteID, err)
	}
	col.Scope.Apply(ent)

	res, err := r.store.SaveEntity(ctx, ent)
	if err != nil {
		return "", transient("saving entity", ch.RemoteID, err)
	}

	action := model.ActionUpdate
	if isNew {
		action = model.ActionCreate
	}
	if err := r.record(ctx, t, ch.RemoteID, ch.Revision, res, action, false); err != nil {
		return "", err
	}

	r.logger.Debug("imported change",
		"collection", col.ID,
		"remote_id", ch.RemoteID,
		"local_id", res.LocalID,
		"commit", res.CommitID,
	)
	return res.LocalID, nil
}

func (r *Reconciler) applyDelete(ctx context.Context, t Target, remoteID string) error {
	col := t.Collection
	objType := t.Adapter.ObjType()

	localID, err := r.localID(ctx, col.ID, remoteID)
	if err != nil {
		return err
	}
	if localID == "" {
		return nil
	}

	ent, err := r.store.GetEntity(ctx, t.AccountID, objType, localID)
	if err != nil {
		return transient("fetching entity", localID, err)
	}
	if ent != nil && !ent.Deleted && !col.Scope.Matches(ent) {
		return &ConflictingParentError{CollectionID: col.ID, RemoteID: remoteID, LocalID: localID}
	}

	res, err := r.store.SoftDelete(ctx, t.AccountID, objType, localID)
	if errors.Is(err, store.ErrNotFound) {
		res = store.SaveResult{LocalID: localID}
	} else if err != nil {
		return transient("deleting entity", localID, err)
	}

	rec, err := r.store.GetImportRecord(ctx, col.ID, remoteID)
	if err != nil {
		return transient("reading import record", remoteID, err)
	}
	var revision int64
	if rec != nil {
		revision = rec.RemoteRevision
	}
	return r.record(ctx, t, remoteID, revision, res, model.ActionDelete, true)
}

// localID finds the local entity a remote id refers to: an earlier import,
// or an entity this collection exported under its own id.
func (r *Reconciler) localID(ctx context.Context, collectionID, remoteID string) (string, error) {
	rec, err := r.store.GetImportRecord(ctx, collectionID, remoteID)
	if err != nil {
		return "", transient("reading import record", remoteID, err)
	}
	if rec != nil {
		return rec.LocalID, nil
	}

	exported, err := r.store.GetExportRecord(ctx, collectionID, remoteID)
	if err != nil {
		return "", transient("reading ledger", remoteID, err)
	}
	if exported != nil && exported.Held() {
		return remoteID, nil
	}
	return "", nil
}

// record stores the id mapping and notes in the ledger that the partner
// already holds the resulting version, so it is never echoed back.
func (r *Reconciler) record(
	ctx context.Context,
	t Target,
	remoteID string,
	remoteRevision int64,
	res store.SaveResult,
	action model.Action,
	deleted bool,
) error {
	now := r.now().UTC()
	err := r.store.UpsertImportRecord(ctx, model.ImportRecord{
		CollectionID:   t.Collection.ID,
		ObjType:        t.Adapter.ObjType(),
		LocalID:        res.LocalID,
		LocalRevision:  res.Revision,
		LocalCommitID:  res.CommitID,
		RemoteID:       remoteID,
		RemoteRevision: remoteRevision,
		Deleted:        deleted,
		UpdatedAt:      now,
	})
	if err != nil {
		return transient("recording import", remoteID, err)
	}

	if res.CommitID == 0 {
		return nil
	}
	err = r.store.RecordExport(ctx, model.ExportRecord{
		CollectionID: t.Collection.ID,
		UniqueID:     res.LocalID,
		CommitID:     res.CommitID,
		Action:       action,
		UpdatedAt:    now,
	})
	if err != nil {
		return transient("recording ledger", remoteID, err)
	}
	return nil
}

// Move reassigns the entity behind remoteID from src to dst, e.g. a
// message dragged to another mailbox. Both ledgers are updated so neither
// collection echoes the move back. It returns the id the partner should
// use in dst.
func (r *Reconciler) Move(ctx context.Context, src, dst Target, remoteID string) (string, error) {
	if src.Adapter.ObjType() != dst.Adapter.ObjType() {
		return "", fmt.Errorf(
			"cannot move %s from %s to %s",
			remoteID, src.Adapter.ObjType(), dst.Adapter.ObjType(),
		)
	}

	localID, err := r.localID(ctx, src.Collection.ID, remoteID)
	if err != nil {
		return "", err
	}
	if localID == "" {
		return "", fmt.Errorf("moving %s: %w", remoteID, store.ErrNotFound)
	}

	ent, err := r.store.GetEntity(ctx, src.AccountID, src.Adapter.ObjType(), localID)
	if err != nil {
		return "", transient("fetching entity", localID, err)
	}
	if ent == nil || ent.Deleted {
		return "", fmt.Errorf("moving %s: %w", remoteID, store.ErrNotFound)
	}
	if !src.Collection.Scope.Matches(ent) {
		return "", &ConflictingParentError{CollectionID: src.Collection.ID, RemoteID: remoteID, LocalID: localID}
	}

	dst.Collection.Scope.Apply(ent)
	res, err := r.store.SaveEntity(ctx, ent)
	if err != nil {
		return "", transient("saving entity", localID, err)
	}

	var revision int64
	if rec, err := r.store.GetImportRecord(ctx, src.Collection.ID, remoteID); err == nil && rec != nil {
		revision = rec.RemoteRevision
	}
	if err := r.record(ctx, src, remoteID, revision, res, model.ActionDelete, true); err != nil {
		return "", err
	}
	if err := r.record(ctx, dst, localID, revision, res, model.ActionCreate, false); err != nil {
		return "", err
	}
	return localID, nil
}

// DiffRemote compares a partner's full listing with the import records of
// col. Unseen items and items whose revision changed come back as updates
// (creates when never imported); mapped items missing from the listing
// come back as deletes.
func (r *Reconciler) DiffRemote(
	ctx context.Context,
	col model.Collection,
	listing []model.RemoteItem,
) ([]RemoteChange, error) {
	recs, err := r.store.ListImportRecords(ctx, col.ID)
	if err != nil {
		return nil, transient("listing import records", col.ID, err)
	}

	known := make(map[string]model.ImportRecord, len(recs))
	for _, rec := range recs {
		known[rec.RemoteID] = rec
	}

	var out []RemoteChange
	present := make(map[string]bool, len(listing))
	for _, item := range listing {
		present[item.RemoteID] = true
		rec, ok := known[item.RemoteID]
		switch {
		case !ok || rec.Deleted:
			out = append(out, RemoteChange{RemoteID: item.RemoteID, Action: model.ActionCreate, Revision: item.Revision})
		case rec.RemoteRevision != item.Revision:
			out = append(out, RemoteChange{RemoteID: item.RemoteID, Action: model.ActionUpdate, Revision: item.Revision})
		}
	}

	for _, rec := range recs {
		if rec.Deleted || present[rec.RemoteID] {
			continue
		}
		out = append(out, RemoteChange{RemoteID: rec.RemoteID, Action: model.ActionDelete, Revision: rec.RemoteRevision})
	}
	return out, nil
}
