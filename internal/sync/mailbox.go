package sync

import (
	"context"
	"fmt"

	"github.com/nhle/entitysync/internal/model"
	"github.com/nhle/entitysync/internal/source"
)

// SyncListing pulls a remote replica's full listing into the partner's
// folder: new and changed items are fetched and imported, items that
// disappeared are deleted. Nothing is exported back.
func (c *Coordinator) SyncListing(
	ctx context.Context,
	partnerID, folderID string,
	src source.Lister,
) (ImportReport, error) {
	cy, err := c.Begin(ctx, partnerID, folderID)
	if err != nil {
		return ImportReport{}, err
	}

	items, err := src.List(ctx)
	if err != nil {
		return ImportReport{}, fmt.Errorf("listing %s: %w", src.Type(), err)
	}

	changes, err := c.importer.DiffRemote(ctx, cy.Collection(), items)
	if err != nil {
		return ImportReport{}, err
	}
	if len(changes) == 0 {
		return ImportReport{Applied: map[string]string{}}, nil
	}

	var ids []string
	for _, ch := range changes {
		if ch.Action != model.ActionDelete {
			ids = append(ids, ch.RemoteID)
		}
	}

	var payloads map[string]model.Payload
	if len(ids) > 0 {
		payloads, err = src.Fetch(ctx, ids)
		if err != nil {
			return ImportReport{}, fmt.Errorf("fetching %s items: %w", src.Type(), err)
		}
	}

	ready := changes[:0]
	for _, ch := range changes {
		if ch.Action != model.ActionDelete {
			p, ok := payloads[ch.RemoteID]
			if !ok {
				// Gone between list and fetch; the next listing deletes it.
				continue
			}
			ch.Payload = p
		}
		ready = append(ready, ch)
	}

	report := cy.ImportAll(ctx, ready)
	cy.logger.Info("synced remote listing",
		"source", src.Type(),
		"listed", len(items),
		"applied", len(report.Applied),
		"failed", len(report.Failed),
	)
	return report, nil
}
