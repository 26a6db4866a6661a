package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nhle/entitysync/internal/model"
)

// upsertLedgerSQL keeps the newest version per unique id; a replayed
// acknowledgement of an older version never rolls an entry back.
const upsertLedgerSQL = `
	INSERT INTO export_ledger (collection_id, unique_id, commit_id, action, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (collection_id, unique_id) DO UPDATE SET
		commit_id = excluded.commit_id,
		action = excluded.action,
		updated_at = excluded.updated_at
	WHERE excluded.commit_id >= export_ledger.commit_id`

// AcknowledgeExport records delivered changes in the ledger and, for a
// complete batch, advances the collection cursor to the boundary. The
// cursor never moves backwards. An acknowledgement from an earlier
// generation than the collection's is rejected with ErrStaleGeneration
// and changes nothing.
func (s *SQLStore) AcknowledgeExport(ctx context.Context, ack ExportAck) error {
	at := ack.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		// The collection row is written first so a concurrent reset either
		// waits for this transaction or makes the generation check fail.
		var (
			res sql.Result
			err error
		)
		if ack.Complete {
			res, err = tx.ExecContext(ctx, tx.Rebind(`
				UPDATE collections SET
					last_commit_id = CASE WHEN ? > last_commit_id THEN ? ELSE last_commit_id END,
					initialized = ?,
					revision = revision + 1,
					last_sync = ?
				WHERE id = ? AND generation = ?`),
				ack.Boundary, ack.Boundary, true, at, ack.CollectionID, ack.Generation,
			)
		} else {
			res, err = tx.ExecContext(ctx, tx.Rebind(`
				UPDATE collections SET generation = generation
				WHERE id = ? AND generation = ?`),
				ack.CollectionID, ack.Generation,
			)
		}
		if err != nil {
			return fmt.Errorf("advancing collection %s: %w", ack.CollectionID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("advancing collection %s: %w", ack.CollectionID, err)
		}
		if n == 0 {
			return collectionMismatch(ctx, tx, ack)
		}

		for _, rec := range ack.Delivered {
			rec.CollectionID = ack.CollectionID
			rec.UpdatedAt = at
			if err := upsertLedgerTx(ctx, tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// collectionMismatch explains why an acknowledgement matched no row.
func collectionMismatch(ctx context.Context, tx *sqlx.Tx, ack ExportAck) error {
	var generation int64
	err := tx.GetContext(ctx, &generation,
		tx.Rebind("SELECT generation FROM collections WHERE id = ?"), ack.CollectionID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("collection %s: %w", ack.CollectionID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("reading collection %s: %w", ack.CollectionID, err)
	}
	return fmt.Errorf("collection %s at generation %d, acknowledged %d: %w",
		ack.CollectionID, generation, ack.Generation, ErrStaleGeneration)
}

// RecordExport notes a single version the partner holds without touching
// the cursor. Imports use it: the partner already has what it sent.
func (s *SQLStore) RecordExport(ctx context.Context, rec model.ExportRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		return upsertLedgerTx(ctx, tx, rec)
	})
}

// GetExportRecord returns the ledger entry for one unique id, or nil when
// it was never delivered.
func (s *SQLStore) GetExportRecord(
	ctx context.Context,
	collectionID, uniqueID string,
) (*model.ExportRecord, error) {
	var rec model.ExportRecord
	err := s.db.GetContext(ctx, &rec, s.db.Rebind(`
		SELECT * FROM export_ledger WHERE collection_id = ? AND unique_id = ?`),
		collectionID, uniqueID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting ledger entry %s: %w", uniqueID, err)
	}
	return &rec, nil
}

// ListLedger returns the export ledger of a collection keyed by unique id.
func (s *SQLStore) ListLedger(ctx context.Context, collectionID string) (map[string]model.ExportRecord, error) {
	var recs []model.ExportRecord
	err := s.db.SelectContext(ctx, &recs, s.db.Rebind(
		"SELECT * FROM export_ledger WHERE collection_id = ?"), collectionID,
	)
	if err != nil {
		return nil, fmt.Errorf("reading ledger of %s: %w", collectionID, err)
	}

	out := make(map[string]model.ExportRecord, len(recs))
	for _, r := range recs {
		out[r.UniqueID] = r
	}
	return out, nil
}

func upsertLedgerTx(ctx context.Context, tx *sqlx.Tx, rec model.ExportRecord) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(upsertLedgerSQL),
		rec.CollectionID, rec.UniqueID, rec.CommitID, string(rec.Action), rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("recording ledger entry %s: %w", rec.UniqueID, err)
	}
	return nil
}
