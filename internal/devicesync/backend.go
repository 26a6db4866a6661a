// Package devicesync is the front end a device transport talks to. It
// exposes partner configuration, per-folder stepwise exporters and
// importers with opaque state tokens, the folder hierarchy and a changes
// sink, all on top of the sync coordinator.
package devicesync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nhle/entitysync/internal/model"
	"github.com/nhle/entitysync/internal/sync"
)

const defaultSinkInterval = 5 * time.Second

// Backend serves the devices of one account.
type Backend struct {
	coord        *sync.Coordinator
	accountID    string
	logger       *slog.Logger
	sinkInterval time.Duration
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// WithSinkInterval sets how long a changes sink sleeps between polls.
func WithSinkInterval(d time.Duration) Option {
	return func(b *Backend) { b.sinkInterval = d }
}

// NewBackend creates a Backend for accountID.
func NewBackend(coord *sync.Coordinator, accountID string, opts ...Option) *Backend {
	b := &Backend{
		coord:        coord,
		accountID:    accountID,
		logger:       slog.Default(),
		sinkInterval: defaultSinkInterval,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Config registers the device as a partner owned by ownerID. Calling it
// again for a known device is harmless.
func (b *Backend) Config(ctx context.Context, deviceID, ownerID string) (model.Partner, error) {
	if deviceID == "" {
		return model.Partner{}, fmt.Errorf("device id is required")
	}
	p, err := b.coord.ConfigPartner(ctx, model.Partner{
		ID:        deviceID,
		AccountID: b.accountID,
		OwnerID:   ownerID,
	})
	if err != nil {
		return model.Partner{}, err
	}
	b.logger.Debug("configured device", "device", deviceID, "owner", ownerID)
	return p, nil
}

// Exporter returns a stepwise exporter for one device folder.
func (b *Backend) Exporter(deviceID, folderID string) *Exporter {
	return &Exporter{
		coord:    b.coord,
		deviceID: deviceID,
		folderID: folderID,
		logger:   b.logger.With("device", deviceID, "folder", folderID),
	}
}

// Importer returns an importer for one device folder.
func (b *Backend) Importer(deviceID, folderID string) *Importer {
	return &Importer{
		coord:    b.coord,
		deviceID: deviceID,
		folderID: folderID,
		logger:   b.logger.With("device", deviceID, "folder", folderID),
	}
}

// HierarchyExporter returns the folder list exporter.
func (b *Backend) HierarchyExporter() *HierarchyExporter {
	return &HierarchyExporter{
		registry: b.coord.Registry(),
		logger:   b.logger,
	}
}

// Sink returns a changes sink for a device.
func (b *Backend) Sink(deviceID string) *Sink {
	return &Sink{
		coord:    b.coord,
		deviceID: deviceID,
		interval: b.sinkInterval,
		logger:   b.logger.With("device", deviceID),
	}
}
