package devicesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nhle/entitysync/internal/adapter"
	"github.com/nhle/entitysync/internal/model"
	"github.com/nhle/entitysync/internal/sync"
)

// ErrNotSupported is returned for an operation the folder's object type
// does not have, e.g. a read flag on a contact.
var ErrNotSupported = errors.New("not supported for this folder")

// Importer applies a device's changes to one folder.
type Importer struct {
	coord    *sync.Coordinator
	deviceID string
	folderID string
	logger   *slog.Logger

	cycle *sync.Cycle
}

// Config opens the folder's collection. A non-empty state must come from
// the same collection; a reset or re-created collection invalidates it.
func (im *Importer) Config(ctx context.Context, state string) error {
	var st importState
	if err := decodeState(state, &st); err != nil {
		return err
	}

	cy, err := im.coord.Begin(ctx, im.deviceID, im.folderID)
	if err != nil {
		return err
	}
	col := cy.Collection()
	if st.CollectionID != "" && st.CollectionID != col.ID {
		return fmt.Errorf("%w: collection %s does not serve folder %s", ErrInvalidState, st.CollectionID, im.folderID)
	}
	if st.CollectionID != "" && st.Generation != col.Generation {
		return fmt.Errorf("%w: collection %s was reset", ErrInvalidState, col.ID)
	}

	im.cycle = cy
	return nil
}

func (im *Importer) configured() error {
	if im.cycle == nil {
		return fmt.Errorf("importer for %s is not configured", im.folderID)
	}
	return nil
}

// ImportMessageChange writes a device-side create or update and returns
// the local id the device should use from now on.
func (im *Importer) ImportMessageChange(ctx context.Context, remoteID string, payload model.Payload) (string, error) {
	if err := im.configured(); err != nil {
		return "", err
	}
	localID, err := im.cycle.Import(ctx, sync.RemoteChange{
		RemoteID: remoteID,
		Action:   model.ActionUpdate,
		Payload:  payload,
	})
	if err != nil {
		im.logger.Warn("import failed, will retry next cycle", "remote_id", remoteID, "error", err)
		return "", err
	}
	return localID, nil
}

// ImportMessageDeletion deletes the entity behind remoteID. Unknown ids
// succeed.
func (im *Importer) ImportMessageDeletion(ctx context.Context, remoteID string) error {
	if err := im.configured(); err != nil {
		return err
	}
	_, err := im.cycle.Import(ctx, sync.RemoteChange{RemoteID: remoteID, Action: model.ActionDelete})
	if err != nil {
		im.logger.Warn("delete failed, will retry next cycle", "remote_id", remoteID, "error", err)
	}
	return err
}

// ImportMessageReadFlag marks a message read or unread.
func (im *Importer) ImportMessageReadFlag(ctx context.Context, remoteID string, read bool) error {
	if err := im.configured(); err != nil {
		return err
	}
	rf, ok := im.cycle.Target().Adapter.(adapter.ReadFlagger)
	if !ok {
		return fmt.Errorf("read flag on %s: %w", im.folderID, ErrNotSupported)
	}
	_, err := im.cycle.Import(ctx, sync.RemoteChange{
		RemoteID: remoteID,
		Action:   model.ActionUpdate,
		Payload:  rf.ReadFlagPayload(read),
	})
	return err
}

// ImportMessageMove moves a message to another of the device's folders
// and returns its id there.
func (im *Importer) ImportMessageMove(ctx context.Context, remoteID, toFolderID string) (string, error) {
	if err := im.configured(); err != nil {
		return "", err
	}
	newID, err := im.coord.Move(ctx, im.deviceID, remoteID, im.folderID, toFolderID)
	if err != nil {
		return "", err
	}
	im.logger.Debug("moved message", "remote_id", remoteID, "to", toFolderID, "id", newID)
	return newID, nil
}

// GetState returns the token the device presents with its next import.
func (im *Importer) GetState() (string, error) {
	if err := im.configured(); err != nil {
		return "", err
	}
	col := im.cycle.Collection()
	return encodeState(importState{CollectionID: col.ID, Generation: col.Generation})
}
