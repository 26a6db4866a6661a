package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/entitysync/internal/model"
)

// GetImportRecord returns the mapping for a remote id, or nil when the
// partner never sent it.
func (s *SQLStore) GetImportRecord(
	ctx context.Context,
	collectionID, remoteID string,
) (*model.ImportRecord, error) {
	var rec model.ImportRecord
	err := s.db.GetContext(ctx, &rec, s.db.Rebind(`
		SELECT * FROM import_records WHERE collection_id = ? AND remote_id = ?`),
		collectionID, remoteID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting import record %s: %w", remoteID, err)
	}
	return &rec, nil
}

// ListImportRecords returns every mapping of a collection ordered by
// remote id, including those marked deleted.
func (s *SQLStore) ListImportRecords(ctx context.Context, collectionID string) ([]model.ImportRecord, error) {
	var recs []model.ImportRecord
	err := s.db.SelectContext(ctx, &recs, s.db.Rebind(`
		SELECT * FROM import_records WHERE collection_id = ? ORDER BY remote_id`),
		collectionID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing import records: %w", err)
	}
	return recs, nil
}

// UpsertImportRecord inserts or replaces the mapping for
// (collection, remote id).
func (s *SQLStore) UpsertImportRecord(ctx context.Context, rec model.ImportRecord) error {
	if rec.CollectionID == "" || rec.RemoteID == "" {
		return fmt.Errorf("import record requires collection and remote id")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO import_records (
			collection_id, obj_type, local_id, local_revision, local_commit_id,
			remote_id, remote_revision, deleted, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (collection_id, remote_id) DO UPDATE SET
			obj_type = excluded.obj_type,
			local_id = excluded.local_id,
			local_revision = excluded.local_revision,
			local_commit_id = excluded.local_commit_id,
			remote_revision = excluded.remote_revision,
			deleted = excluded.deleted,
			updated_at = excluded.updated_at`),
		rec.CollectionID, rec.ObjType, rec.LocalID, rec.LocalRevision, rec.LocalCommitID,
		rec.RemoteID, rec.RemoteRevision, rec.Deleted, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting import record %s: %w", rec.RemoteID, err)
	}
	return nil
}
