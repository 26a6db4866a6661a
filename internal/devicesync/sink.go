package devicesync

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/nhle/entitysync/internal/sync"
)

// Sink blocks a device's long-poll until one of its watched folders has
// changes.
type Sink struct {
	coord    *sync.Coordinator
	deviceID string
	interval time.Duration
	logger   *slog.Logger

	folders []string
}

// Watch adds folders to the sink.
func (s *Sink) Watch(folderIDs ...string) {
	for _, id := range folderIDs {
		if !slices.Contains(s.folders, id) {
			s.folders = append(s.folders, id)
		}
	}
}

// Wait polls the watched folders until at least one is behind the commit
// head and returns those. It returns nothing once timeout elapses or ctx
// is done.
func (s *Sink) Wait(ctx context.Context, timeout time.Duration) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	interval := s.interval
	if interval <= 0 {
		interval = defaultSinkInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		changed, err := s.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil
			}
			return nil, err
		}
		if len(changed) > 0 {
			s.logger.Debug("sink found changes", "folders", changed)
			return changed, nil
		}

		select {
		case <-ctx.Done():
			return nil, nil
		case <-ticker.C:
		}
	}
}

func (s *Sink) poll(ctx context.Context) ([]string, error) {
	var changed []string
	for _, folderID := range s.folders {
		t, err := s.coord.Target(ctx, s.deviceID, folderID)
		if err != nil {
			return nil, err
		}
		behind, err := s.coord.IsBehindHead(ctx, t.AccountID, t.Collection)
		if err != nil {
			return nil, err
		}
		if behind {
			changed = append(changed, folderID)
		}
	}
	return changed, nil
}
