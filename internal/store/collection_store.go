package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nhle/entitysync/internal/model"
)

// collectionRow is the storage shape of model.Collection. The scope is
// flattened into two columns so it can take part in the unique key.
type collectionRow struct {
	model.Collection
	ScopeField string `db:"scope_field"`
	ScopeValue string `db:"scope_value"`
	FilterJSON string `db:"filter"`
}

func (r collectionRow) toModel() (model.Collection, error) {
	c := r.Collection
	if r.ScopeField != "" {
		c.Scope = model.FieldEquals(r.ScopeField, r.ScopeValue)
	} else {
		c.Scope = model.NoScope()
	}
	if r.FilterJSON != "" {
		if err := json.Unmarshal([]byte(r.FilterJSON), &c.Filter); err != nil {
			return model.Collection{}, fmt.Errorf("unmarshaling filter of collection %s: %w", c.ID, err)
		}
	}
	return c, nil
}

// GetOrCreateCollection returns the collection for (partner, object type,
// scope), creating it uninitialized on first use. The stored filter is
// replaced by c.Filter.
func (s *SQLStore) GetOrCreateCollection(ctx context.Context, c model.Collection) (model.Collection, error) {
	if c.PartnerID == "" || c.ObjType == "" {
		return model.Collection{}, fmt.Errorf("collection requires partner and object type")
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	var field, value string
	if c.Scope.Kind == model.ScopeFieldEquals {
		field, value = c.Scope.Field, c.Scope.Value
	}

	filter := c.Filter
	if filter == nil {
		filter = []model.Condition{}
	}
	filterJSON, err := json.Marshal(filter)
	if err != nil {
		return model.Collection{}, fmt.Errorf("marshaling collection filter: %w", err)
	}

	var row collectionRow
	err = s.db.GetContext(ctx, &row, s.db.Rebind(`
		INSERT INTO collections (
			id, partner_id, obj_type, scope_field, scope_value, filter,
			last_commit_id, revision, initialized, created_at
		) VALUES (?, ?, ?, ?, ?, ?, 0, 1, ?, ?)
		ON CONFLICT (partner_id, obj_type, scope_field, scope_value)
		DO UPDATE SET filter = excluded.filter
		RETURNING *`),
		c.ID, c.PartnerID, c.ObjType, field, value, string(filterJSON),
		false, c.CreatedAt,
	)
	if err != nil {
		return model.Collection{}, fmt.Errorf("creating collection for %s/%s: %w", c.PartnerID, c.ObjType, err)
	}
	return row.toModel()
}

// GetCollection returns the collection, or nil when it does not exist.
func (s *SQLStore) GetCollection(ctx context.Context, id string) (*model.Collection, error) {
	var row collectionRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind("SELECT * FROM collections WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting collection %s: %w", id, err)
	}

	c, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCollections returns the collections owned by a partner.
func (s *SQLStore) ListCollections(ctx context.Context, partnerID string) ([]model.Collection, error) {
	var rows []collectionRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT * FROM collections WHERE partner_id = ?
		ORDER BY obj_type, scope_field, scope_value`), partnerID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}

	out := make([]model.Collection, 0, len(rows))
	for _, row := range rows {
		c, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// ResetCollection returns a collection to the uninitialized state: the
// cursor, export ledger and import records are cleared so the next export
// is a full baseline.
func (s *SQLStore) ResetCollection(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE collections SET
				last_commit_id = 0, initialized = ?, last_sync = NULL,
				revision = revision + 1, generation = generation + 1
			WHERE id = ?`),
			false, id,
		)
		if err != nil {
			return fmt.Errorf("resetting collection %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("resetting collection %s: %w", id, err)
		}
		if n == 0 {
			return fmt.Errorf("collection %s: %w", id, ErrNotFound)
		}

		for _, stmt := range []string{
			"DELETE FROM export_ledger WHERE collection_id = ?",
			"DELETE FROM import_records WHERE collection_id = ?",
		} {
			if _, err := tx.ExecContext(ctx, tx.Rebind(stmt), id); err != nil {
				return fmt.Errorf("resetting collection %s: %w", id, err)
			}
		}
		return nil
	})
}
