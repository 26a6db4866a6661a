package sync

import (
	"cmp"
	"context"
	"log/slog"
	"slices"

	"github.com/nhle/entitysync/internal/model"
	"github.com/nhle/entitysync/internal/store"
)

// Batch is an ordered set of changes computed for one collection.
type Batch struct {
	PartnerID    string
	CollectionID string

	// Generation is the collection generation the batch was computed
	// under. A reset makes the batch stale.
	Generation int64

	// Boundary is the commit the collection cursor moves to once the whole
	// batch is acknowledged. A truncated incremental batch stops at the
	// commit of its last change.
	Boundary int64

	// Baseline is set for the full enumeration of an uninitialized
	// collection.
	Baseline bool

	// Truncated is set when the batch was cut at the size limit and more
	// changes remain.
	Truncated bool

	Changes []model.Change
}

// Exporter computes per-collection change batches from the entity change
// log, the current entity state and the collection's export ledger.
type Exporter struct {
	store  store.Store
	logger *slog.Logger
}

// NewExporter creates an Exporter reading from s.
func NewExporter(s store.Store, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{store: s, logger: logger}
}

// Diff returns the changes of col up to boundary that the partner does
// not hold yet. Nothing is persisted; calling Diff again without writes
// or acknowledgements returns the same batch. A positive limit caps the
// number of changes.
func (x *Exporter) Diff(
	ctx context.Context,
	accountID string,
	col model.Collection,
	boundary int64,
	limit int,
) (Batch, error) {
	matcher, err := CompileFilter(col.Filter)
	if err != nil {
		return Batch{}, err
	}

	ledger, err := x.store.ListLedger(ctx, col.ID)
	if err != nil {
		return Batch{}, transient("reading ledger", col.ID, err)
	}

	d := &differ{
		store:     x.store,
		logger:    x.logger.With("collection", col.ID),
		accountID: accountID,
		col:       col,
		matcher:   matcher,
		ledger:    ledger,
	}

	var batch Batch
	if col.Initialized {
		batch, err = d.incremental(ctx, boundary, limit)
	} else {
		batch, err = d.baseline(ctx, boundary, limit)
	}
	if err != nil {
		return Batch{}, err
	}

	batch.PartnerID = col.PartnerID
	batch.CollectionID = col.ID
	batch.Generation = col.Generation
	x.logger.Debug("computed export batch",
		"collection", col.ID,
		"baseline", batch.Baseline,
		"changes", len(batch.Changes),
		"boundary", batch.Boundary,
		"truncated", batch.Truncated,
	)
	return batch, nil
}

type differ struct {
	store     store.Store
	logger    *slog.Logger
	accountID string
	col       model.Collection
	matcher   *Matcher
	ledger    map[string]model.ExportRecord
}

// windowEntry is the latest change of one entity inside the diff window.
type windowEntry struct {
	latest      model.ChangeLogEntry
	firstAction model.Action
}

func (d *differ) incremental(ctx context.Context, boundary int64, limit int) (Batch, error) {
	batch := Batch{Boundary: boundary}
	if boundary <= d.col.LastCommitID {
		batch.Boundary = d.col.LastCommitID
		return batch, nil
	}

	key := store.CommitKey{AccountID: d.accountID, ObjType: d.col.ObjType}
	entries, err := d.store.ChangesSince(ctx, key, d.col.LastCommitID, boundary)
	if err != nil {
		return Batch{}, transient("reading change log", d.col.ID, err)
	}

	window := make(map[string]*windowEntry, len(entries))
	for _, e := range entries {
		w, ok := window[e.EntityID]
		if !ok {
			window[e.EntityID] = &windowEntry{latest: e, firstAction: e.Action}
			continue
		}
		w.latest = e
	}

	ordered := make([]*windowEntry, 0, len(window))
	for _, w := range window {
		ordered = append(ordered, w)
	}
	slices.SortFunc(ordered, func(a, b *windowEntry) int {
		return cmp.Compare(a.latest.CommitID, b.latest.CommitID)
	})

	// A snapshot may be newer than its log entry, so truncation cuts at the
	// log commit of the last included change.
	var lastLogged int64
	for _, w := range ordered {
		if limit > 0 && len(batch.Changes) == limit {
			batch.Truncated = true
			batch.Boundary = lastLogged
			break
		}

		change, ok, err := d.resolve(ctx, w)
		if err != nil {
			return Batch{}, err
		}
		if ok {
			batch.Changes = append(batch.Changes, change)
			lastLogged = w.latest.CommitID
		}
	}
	return batch, nil
}

// resolve turns the latest logged change of an entity into the change the
// partner needs, if any.
func (d *differ) resolve(ctx context.Context, w *windowEntry) (model.Change, bool, error) {
	id := w.latest.EntityID
	held, known := d.ledger[id]
	if known && held.CommitID >= w.latest.CommitID {
		return model.Change{}, false, nil
	}

	if w.latest.Action == model.ActionDelete {
		return d.deletion(ctx, w, nil)
	}

	ent, err := d.store.GetEntity(ctx, d.accountID, d.col.ObjType, id)
	if err != nil {
		return model.Change{}, false, transient("fetching entity", id, err)
	}
	if ent == nil || ent.Deleted {
		d.logger.Debug("demoting change to delete",
			"entity", id,
			"error", &VanishedEntityError{ObjType: d.col.ObjType, ID: id},
		)
		return d.deletion(ctx, w, ent)
	}

	in, err := d.inScope(ent)
	if err != nil {
		return model.Change{}, false, err
	}
	if !in {
		if known && held.Held() {
			return model.Change{ID: id, Action: model.ActionDelete, CommitID: w.latest.CommitID}, true, nil
		}
		return model.Change{}, false, nil
	}

	action := model.ActionCreate
	if known && held.Held() {
		action = model.ActionUpdate
	}
	return model.Change{ID: id, Action: action, CommitID: ent.CommitID, Snapshot: ent}, true, nil
}

// deletion decides whether the partner must be told about a deleted
// entity. tomb is the tombstone when already loaded.
func (d *differ) deletion(ctx context.Context, w *windowEntry, tomb *model.Entity) (model.Change, bool, error) {
	id := w.latest.EntityID
	del := model.Change{ID: id, Action: model.ActionDelete, CommitID: w.latest.CommitID}

	if held, known := d.ledger[id]; known {
		return del, held.Held(), nil
	}

	// Created and deleted inside the window: the partner never saw it.
	if w.firstAction == model.ActionCreate {
		return model.Change{}, false, nil
	}

	if tomb == nil {
		var err error
		tomb, err = d.store.GetEntity(ctx, d.accountID, d.col.ObjType, id)
		if err != nil {
			return model.Change{}, false, transient("fetching tombstone", id, err)
		}
	}
	if tomb == nil {
		return del, true, nil
	}

	in, err := d.inScope(tomb)
	if err != nil {
		return model.Change{}, false, err
	}
	return del, in, nil
}

func (d *differ) baseline(ctx context.Context, boundary int64, limit int) (Batch, error) {
	batch := Batch{Boundary: boundary, Baseline: true}

	seen := make(map[string]bool)
	var changes []model.Change
	for ent, err := range d.store.ListEntitiesMatching(ctx, d.accountID, d.col.ObjType, d.col.Scope) {
		if err != nil {
			return Batch{}, transient("listing entities", d.col.ID, err)
		}
		in, err := d.matcher.Match(&ent)
		if err != nil {
			return Batch{}, err
		}
		if !in {
			continue
		}
		seen[ent.ID] = true

		action := model.ActionCreate
		if held, known := d.ledger[ent.ID]; known && held.Held() {
			if held.CommitID >= ent.CommitID {
				continue
			}
			action = model.ActionUpdate
		}
		snapshot := ent
		changes = append(changes, model.Change{
			ID:       ent.ID,
			Action:   action,
			CommitID: ent.CommitID,
			Snapshot: &snapshot,
		})
	}

	// Entities delivered by an earlier partial baseline that have since
	// left the collection.
	for id, held := range d.ledger {
		if seen[id] || !held.Held() {
			continue
		}
		changes = append(changes, model.Change{
			ID:       id,
			Action:   model.ActionDelete,
			CommitID: max(boundary, held.CommitID),
		})
	}

	slices.SortFunc(changes, func(a, b model.Change) int {
		if c := cmp.Compare(a.CommitID, b.CommitID); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	if limit > 0 && len(changes) > limit {
		changes = changes[:limit]
		batch.Truncated = true
	}
	batch.Changes = changes
	return batch, nil
}

func (d *differ) inScope(e *model.Entity) (bool, error) {
	if !d.col.Scope.Matches(e) {
		return false, nil
	}
	return d.matcher.Match(e)
}
