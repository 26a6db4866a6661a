package devicesync

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/nhle/entitysync/internal/adapter"
)

// FolderReceiver takes folder hierarchy changes on the device side.
type FolderReceiver interface {
	ImportFolderChange(ctx context.Context, f adapter.Folder) error
	ImportFolderDeletion(ctx context.Context, folderID string) error
}

type folderChange struct {
	folder  adapter.Folder
	deleted bool
}

// HierarchyExporter delivers the difference between the current folder
// list and the one the device last received.
type HierarchyExporter struct {
	registry *adapter.Registry
	logger   *slog.Logger

	delivered map[string]adapter.Folder
	receiver  FolderReceiver
	changes   []folderChange
	step      int
}

// Config loads the hierarchy the device holds. An empty state means it
// holds nothing.
func (h *HierarchyExporter) Config(state string) error {
	var st hierarchyState
	if err := decodeState(state, &st); err != nil {
		return err
	}
	h.delivered = make(map[string]adapter.Folder, len(st.Folders))
	for _, f := range st.Folders {
		h.delivered[f.ID] = f
	}
	return nil
}

// InitializeExporter diffs the current hierarchy against the delivered
// one and returns the number of changes.
func (h *HierarchyExporter) InitializeExporter(receiver FolderReceiver) int {
	if h.delivered == nil {
		h.delivered = make(map[string]adapter.Folder)
	}
	h.receiver = receiver
	h.step = 0
	h.changes = h.changes[:0]

	current := h.registry.Folders()
	seen := make(map[string]bool, len(current))
	for _, f := range current {
		seen[f.ID] = true
		if prev, ok := h.delivered[f.ID]; ok && prev == f {
			continue
		}
		h.changes = append(h.changes, folderChange{folder: f})
	}

	var gone []string
	for id := range h.delivered {
		if !seen[id] {
			gone = append(gone, id)
		}
	}
	slices.Sort(gone)
	for _, id := range gone {
		h.changes = append(h.changes, folderChange{folder: adapter.Folder{ID: id}, deleted: true})
	}

	h.logger.Info("initialized hierarchy exporter", "changes", len(h.changes))
	return len(h.changes)
}

// GetChangeCount returns the number of changes found by
// InitializeExporter.
func (h *HierarchyExporter) GetChangeCount() int {
	return len(h.changes)
}

// Synchronize delivers the next folder change. It returns false once
// every change was delivered.
func (h *HierarchyExporter) Synchronize(ctx context.Context) (Progress, bool, error) {
	if h.receiver == nil {
		return Progress{}, false, fmt.Errorf("hierarchy exporter is not initialized")
	}
	if h.step >= len(h.changes) {
		return Progress{}, false, nil
	}

	ch := h.changes[h.step]
	if ch.deleted {
		if err := h.receiver.ImportFolderDeletion(ctx, ch.folder.ID); err != nil {
			return Progress{}, false, fmt.Errorf("deleting folder %s: %w", ch.folder.ID, err)
		}
		delete(h.delivered, ch.folder.ID)
	} else {
		if err := h.receiver.ImportFolderChange(ctx, ch.folder); err != nil {
			return Progress{}, false, fmt.Errorf("sending folder %s: %w", ch.folder.ID, err)
		}
		h.delivered[ch.folder.ID] = ch.folder
	}

	h.step++
	return Progress{Steps: len(h.changes), Progress: h.step}, true, nil
}

// GetState returns the token describing the hierarchy the device holds.
func (h *HierarchyExporter) GetState() (string, error) {
	st := hierarchyState{Folders: make([]adapter.Folder, 0, len(h.delivered))}
	for _, f := range h.delivered {
		st.Folders = append(st.Folders, f)
	}
	slices.SortFunc(st.Folders, func(a, b adapter.Folder) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return encodeState(st)
}
