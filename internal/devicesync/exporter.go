package devicesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nhle/entitysync/internal/model"
	"github.com/nhle/entitysync/internal/sync"
)

// ChangeReceiver takes exported changes on the device side. A receiver
// error stops the export at that change; it is offered again next time.
type ChangeReceiver interface {
	ImportMessageChange(ctx context.Context, id string, payload model.Payload) error
	ImportMessageDeletion(ctx context.Context, id string) error
}

// Exporter hands a folder's pending changes to a device one at a time.
//
// A request runs Config, InitializeExporter, Synchronize until it reports
// no more changes, and GetState. The device presents that state with its
// next request; only then is the delivery acknowledged and the cursor
// moved, so a lost response is delivered again.
type Exporter struct {
	coord    *sync.Coordinator
	deviceID string
	folderID string
	logger   *slog.Logger

	receiver ChangeReceiver
	batch    sync.Batch
	step     int
	ready    bool
}

// Config acknowledges the delivery recorded in state. An empty state
// starts from the collection's stored cursor. A state issued before the
// collection was reset is rejected with ErrInvalidState and acknowledges
// nothing, so the device gets the new baseline.
func (x *Exporter) Config(ctx context.Context, state string) error {
	var st exportState
	if err := decodeState(state, &st); err != nil {
		return err
	}
	if st.CollectionID == "" {
		return nil
	}
	if st.PartnerID != x.deviceID {
		return fmt.Errorf("%w: issued to %s", ErrInvalidState, st.PartnerID)
	}

	t, err := x.coord.Target(ctx, x.deviceID, x.folderID)
	if err != nil {
		return err
	}
	if t.Collection.ID != st.CollectionID {
		return fmt.Errorf("%w: collection %s does not serve folder %s", ErrInvalidState, st.CollectionID, x.folderID)
	}
	if t.Collection.Generation != st.Generation {
		return fmt.Errorf("%w: collection %s was reset", ErrInvalidState, st.CollectionID)
	}

	err = x.coord.Acknowledge(ctx, st.batch(), st.Delivered)
	if errors.Is(err, sync.ErrStaleBatch) {
		return fmt.Errorf("%w: %w", ErrInvalidState, err)
	}
	return err
}

// InitializeExporter computes the pending changes and returns how many
// there are. receiver gets them through Synchronize.
func (x *Exporter) InitializeExporter(ctx context.Context, receiver ChangeReceiver) (int, error) {
	cy, err := x.coord.Begin(ctx, x.deviceID, x.folderID)
	if err != nil {
		return 0, err
	}
	b, err := cy.Export(ctx)
	if err != nil {
		return 0, err
	}

	x.receiver = receiver
	x.batch = b
	x.step = 0
	x.ready = true

	x.logger.Info("initialized exporter",
		"changes", len(b.Changes),
		"baseline", b.Baseline,
		"truncated", b.Truncated,
	)
	return len(b.Changes), nil
}

// GetChangeCount returns the number of changes found by
// InitializeExporter.
func (x *Exporter) GetChangeCount() int {
	return len(x.batch.Changes)
}

// Synchronize delivers the next change. It returns false once every
// change was delivered.
func (x *Exporter) Synchronize(ctx context.Context) (Progress, bool, error) {
	if !x.ready {
		return Progress{}, false, fmt.Errorf("exporter for %s is not initialized", x.folderID)
	}
	if x.step >= len(x.batch.Changes) {
		return Progress{}, false, nil
	}

	ch := x.batch.Changes[x.step]
	var err error
	switch ch.Action {
	case model.ActionCreate, model.ActionUpdate:
		err = x.receiver.ImportMessageChange(ctx, ch.ID, ch.Payload)
	case model.ActionDelete:
		err = x.receiver.ImportMessageDeletion(ctx, ch.ID)
	default:
		err = fmt.Errorf("unsupported action %q", ch.Action)
	}
	if err != nil {
		return Progress{}, false, fmt.Errorf("delivering %s %s: %w", ch.Action, ch.ID, err)
	}

	x.step++
	return Progress{Steps: len(x.batch.Changes), Progress: x.step}, true, nil
}

// GetState returns the token describing what was delivered so far.
func (x *Exporter) GetState() (string, error) {
	if !x.ready {
		return "", fmt.Errorf("exporter for %s is not initialized", x.folderID)
	}
	return encodeState(newExportState(x.batch, x.step))
}
