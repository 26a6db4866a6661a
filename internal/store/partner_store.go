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

// UpsertPartner registers a partner or refreshes its account and owner.
// The creation time of an existing partner is preserved.
func (s *SQLStore) UpsertPartner(ctx context.Context, p model.Partner) (model.Partner, error) {
	if p.ID == "" || p.AccountID == "" {
		return model.Partner{}, fmt.Errorf("partner requires id and account")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	var out model.Partner
	err := s.db.GetContext(ctx, &out, s.db.Rebind(`
		INSERT INTO partners (id, account_id, owner_id, last_sync, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			account_id = excluded.account_id,
			owner_id = excluded.owner_id
		RETURNING *`),
		p.ID, p.AccountID, p.OwnerID, p.LastSync, p.CreatedAt,
	)
	if err != nil {
		return model.Partner{}, fmt.Errorf("upserting partner %s: %w", p.ID, err)
	}
	return out, nil
}

// GetPartner returns the partner, or nil when it is not registered.
func (s *SQLStore) GetPartner(ctx context.Context, id string) (*model.Partner, error) {
	var p model.Partner
	err := s.db.GetContext(ctx, &p, s.db.Rebind("SELECT * FROM partners WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting partner %s: %w", id, err)
	}
	return &p, nil
}

// ListPartners returns every partner of an account ordered by id.
func (s *SQLStore) ListPartners(ctx context.Context, accountID string) ([]model.Partner, error) {
	var partners []model.Partner
	err := s.db.SelectContext(ctx, &partners, s.db.Rebind(
		"SELECT * FROM partners WHERE account_id = ? ORDER BY id"), accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing partners: %w", err)
	}
	return partners, nil
}

// DeletePartner removes a partner with all of its collections, ledgers
// and import records. Entities are untouched.
func (s *SQLStore) DeletePartner(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		sub := "SELECT id FROM collections WHERE partner_id = ?"
		stmts := []string{
			"DELETE FROM export_ledger WHERE collection_id IN (" + sub + ")",
			"DELETE FROM import_records WHERE collection_id IN (" + sub + ")",
			"DELETE FROM collections WHERE partner_id = ?",
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, tx.Rebind(stmt), id); err != nil {
				return fmt.Errorf("deleting partner %s: %w", id, err)
			}
		}

		res, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM partners WHERE id = ?"), id)
		if err != nil {
			return fmt.Errorf("deleting partner %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("deleting partner %s: %w", id, err)
		}
		if n == 0 {
			return fmt.Errorf("partner %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// TouchPartner stamps the partner's last successful sync time.
func (s *SQLStore) TouchPartner(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		"UPDATE partners SET last_sync = ? WHERE id = ?"), at.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("touching partner %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touching partner %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("partner %s: %w", id, ErrNotFound)
	}
	return nil
}
