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

// Coordinator runs import and export cycles for partner collections and
// owns cursor advancement.
type Coordinator struct {
	store    store.Store
	registry *adapter.Registry
	exporter *Exporter
	importer *Reconciler
	logger   *slog.Logger
	maxBatch int
	now      func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithMaxBatch caps the number of changes per exported batch. Zero means
// unlimited.
func WithMaxBatch(n int) Option {
	return func(c *Coordinator) { c.maxBatch = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a Coordinator over s, resolving folders through reg.
func NewCoordinator(s store.Store, reg *adapter.Registry, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    s,
		registry: reg,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.exporter = NewExporter(s, c.logger)
	c.importer = NewReconciler(s, c.logger)
	c.importer.now = c.now
	return c
}

// Registry returns the folder registry.
func (c *Coordinator) Registry() *adapter.Registry { return c.registry }

// Reconciler returns the import reconciler.
func (c *Coordinator) Reconciler() *Reconciler { return c.importer }

// ConfigPartner registers a partner, or refreshes its owner when it
// already exists.
func (c *Coordinator) ConfigPartner(ctx context.Context, p model.Partner) (model.Partner, error) {
	out, err := c.store.UpsertPartner(ctx, p)
	if err != nil {
		return model.Partner{}, transient("configuring partner", p.ID, err)
	}
	return out, nil
}

// Partner returns a registered partner or a PartnerMissingError.
func (c *Coordinator) Partner(ctx context.Context, partnerID string) (model.Partner, error) {
	p, err := c.store.GetPartner(ctx, partnerID)
	if err != nil {
		return model.Partner{}, transient("loading partner", partnerID, err)
	}
	if p == nil {
		return model.Partner{}, &PartnerMissingError{PartnerID: partnerID}
	}
	return *p, nil
}

// Target resolves folderID for a partner and returns its collection,
// creating the collection on first use.
func (c *Coordinator) Target(ctx context.Context, partnerID, folderID string) (Target, error) {
	p, err := c.Partner(ctx, partnerID)
	if err != nil {
		return Target{}, err
	}

	b, err := c.registry.Resolve(folderID, p.OwnerID)
	if err != nil {
		return Target{}, err
	}

	col, err := c.store.GetOrCreateCollection(ctx, b.Collection(p.ID))
	if err != nil {
		return Target{}, transient("opening collection", folderID, err)
	}

	return Target{
		AccountID:  p.AccountID,
		OwnerID:    p.OwnerID,
		Collection: col,
		Adapter:    b.Adapter,
	}, nil
}

// Cycle is one import and export pass over a collection. Its boundary is
// the commit head read when the cycle began; changes committed later,
// including this cycle's own imports, wait for the next cycle.
type Cycle struct {
	c        *Coordinator
	target   Target
	boundary int64
	logger   *slog.Logger
}

// Begin starts a cycle for the partner's folder.
func (c *Coordinator) Begin(ctx context.Context, partnerID, folderID string) (*Cycle, error) {
	t, err := c.Target(ctx, partnerID, folderID)
	if err != nil {
		return nil, err
	}

	head, err := c.store.Head(ctx, store.CommitKey{AccountID: t.AccountID, ObjType: t.Collection.ObjType})
	if err != nil {
		return nil, transient("reading commit head", t.Collection.ObjType, err)
	}

	return &Cycle{
		c:        c,
		target:   t,
		boundary: head,
		logger:   c.logger.With("partner", partnerID, "collection", t.Collection.ID),
	}, nil
}

// Collection returns the collection as loaded when the cycle began.
func (cy *Cycle) Collection() model.Collection { return cy.target.Collection }

// Target returns the cycle's bound target.
func (cy *Cycle) Target() Target { return cy.target }

// Boundary returns the commit the cycle exports up to.
func (cy *Cycle) Boundary() int64 { return cy.boundary }

// Import applies one partner change.
func (cy *Cycle) Import(ctx context.Context, ch RemoteChange) (string, error) {
	return cy.c.importer.ApplyChange(ctx, cy.target, ch)
}

// ItemError is a failed import of one remote id.
type ItemError struct {
	RemoteID string
	Err      error
}

// ImportReport summarizes a batch of imports.
type ImportReport struct {
	// Applied maps remote ids to the local ids they were written to.
	// Deletes map to "".
	Applied map[string]string
	Failed  []ItemError
}

// ImportAll applies changes in order. Failed items are logged and
// reported without stopping the rest of the batch.
func (cy *Cycle) ImportAll(ctx context.Context, changes []RemoteChange) ImportReport {
	report := ImportReport{Applied: make(map[string]string, len(changes))}
	for _, ch := range changes {
		localID, err := cy.Import(ctx, ch)
		if err != nil {
			cy.logger.Warn("import failed, will retry next cycle",
				"remote_id", ch.RemoteID,
				"action", ch.Action,
				"error", err,
			)
			report.Failed = append(report.Failed, ItemError{RemoteID: ch.RemoteID, Err: err})
			continue
		}
		report.Applied[ch.RemoteID] = localID
	}
	return report
}

// Export computes the batch for the cycle's collection, rendering each
// snapshot through the folder's adapter.
func (cy *Cycle) Export(ctx context.Context) (Batch, error) {
	batch, err := cy.c.exporter.Diff(
		ctx, cy.target.AccountID, cy.target.Collection, cy.boundary, cy.c.maxBatch,
	)
	if err != nil {
		return Batch{}, err
	}
	for i := range batch.Changes {
		if snap := batch.Changes[i].Snapshot; snap != nil {
			batch.Changes[i].Payload = cy.target.Adapter.MapOutboundSnapshot(snap)
		}
	}
	return batch, nil
}

// Acknowledge confirms that the first delivered changes of b reached the
// partner. The ledger always records them; the cursor advances to
// b.Boundary only when the whole batch was delivered and, for a baseline,
// nothing was truncated.
func (c *Coordinator) Acknowledge(ctx context.Context, b Batch, delivered int) error {
	delivered = min(max(delivered, 0), len(b.Changes))

	recs := make([]model.ExportRecord, 0, delivered)
	for _, ch := range b.Changes[:delivered] {
		recs = append(recs, model.ExportRecord{
			UniqueID: ch.ID,
			CommitID: ch.CommitID,
			Action:   ch.Action,
		})
	}

	complete := delivered == len(b.Changes) && !(b.Baseline && b.Truncated)
	now := c.now()
	err := c.store.AcknowledgeExport(ctx, store.ExportAck{
		CollectionID: b.CollectionID,
		Generation:   b.Generation,
		Boundary:     b.Boundary,
		Delivered:    recs,
		Complete:     complete,
		At:           now,
	})
	if errors.Is(err, store.ErrStaleGeneration) {
		c.logger.Warn("dropped stale acknowledgement",
			"partner", b.PartnerID,
			"collection", b.CollectionID,
			"generation", b.Generation,
		)
		return fmt.Errorf("acknowledging %s: %w: %w", b.CollectionID, ErrStaleBatch, err)
	}
	if err != nil {
		return transient("acknowledging export", b.CollectionID, err)
	}

	if !complete {
		c.logger.Info("partial delivery recorded",
			"partner", b.PartnerID,
			"collection", b.CollectionID,
			"delivered", delivered,
			"total", len(b.Changes),
		)
		return nil
	}

	if err := c.store.TouchPartner(ctx, b.PartnerID, now); err != nil && !errors.Is(err, store.ErrNotFound) {
		return transient("touching partner", b.PartnerID, err)
	}
	c.logger.Info("advanced collection cursor",
		"partner", b.PartnerID,
		"collection", b.CollectionID,
		"boundary", b.Boundary,
		"baseline", b.Baseline,
	)
	return nil
}

// DeliverFunc hands a batch to the partner and reports how many changes,
// in order, were delivered.
type DeliverFunc func(ctx context.Context, b Batch) (int, error)

// RunResult is the outcome of Run.
type RunResult struct {
	Import    ImportReport
	Batch     Batch
	Delivered int
}

// Run performs a full cycle: import the partner's changes, export what the
// partner is missing, deliver, and acknowledge. A delivery error still
// records what was delivered before it.
func (c *Coordinator) Run(
	ctx context.Context,
	partnerID, folderID string,
	changes []RemoteChange,
	deliver DeliverFunc,
) (RunResult, error) {
	cy, err := c.Begin(ctx, partnerID, folderID)
	if err != nil {
		return RunResult{}, err
	}

	res := RunResult{Import: cy.ImportAll(ctx, changes)}

	res.Batch, err = cy.Export(ctx)
	if err != nil {
		return res, err
	}

	n, deliverErr := deliver(ctx, res.Batch)
	res.Delivered = n
	if n > 0 || deliverErr == nil {
		if err := c.Acknowledge(ctx, res.Batch, n); err != nil {
			return res, err
		}
	}
	if deliverErr != nil {
		return res, fmt.Errorf("delivering batch: %w", deliverErr)
	}
	return res, nil
}

// IsBehindHead reports whether changes were committed for the collection's
// object type after its cursor.
func (c *Coordinator) IsBehindHead(ctx context.Context, accountID string, col model.Collection) (bool, error) {
	head, err := c.store.Head(ctx, store.CommitKey{AccountID: accountID, ObjType: col.ObjType})
	if err != nil {
		return false, transient("reading commit head", col.ObjType, err)
	}
	return col.LastCommitID < head, nil
}

// ResetCollection forces the next export of a collection to be a baseline.
func (c *Coordinator) ResetCollection(ctx context.Context, collectionID string) error {
	if err := c.store.ResetCollection(ctx, collectionID); err != nil {
		return fmt.Errorf("resetting collection %s: %w", collectionID, err)
	}
	c.logger.Info("reset collection", "collection", collectionID)
	return nil
}

// Unlink removes a partner and everything it owns. Entities are kept.
func (c *Coordinator) Unlink(ctx context.Context, partnerID string) error {
	err := c.store.DeletePartner(ctx, partnerID)
	if errors.Is(err, store.ErrNotFound) {
		return &PartnerMissingError{PartnerID: partnerID}
	}
	if err != nil {
		return transient("unlinking partner", partnerID, err)
	}
	c.logger.Info("unlinked partner", "partner", partnerID)
	return nil
}

// Move relocates a partner item between two of its folders.
func (c *Coordinator) Move(ctx context.Context, partnerID, remoteID, fromFolder, toFolder string) (string, error) {
	src, err := c.Target(ctx, partnerID, fromFolder)
	if err != nil {
		return "", err
	}
	dst, err := c.Target(ctx, partnerID, toFolder)
	if err != nil {
		return "", err
	}
	return c.importer.Move(ctx, src, dst, remoteID)
}
