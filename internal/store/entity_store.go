package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nhle/entitysync/internal/model"
)

// listPageSize bounds each page read by ListEntitiesMatching. Pages are
// fully read before yielding so callers may query the store mid-iteration.
const listPageSize = 500

// entityRow is the storage shape of model.Entity.
type entityRow struct {
	model.Entity
	FieldsJSON string `db:"fields"`
}

func (r entityRow) toModel() (model.Entity, error) {
	e := r.Entity
	e.Fields = model.Fields{}
	if r.FieldsJSON != "" {
		if err := json.Unmarshal([]byte(r.FieldsJSON), &e.Fields); err != nil {
			return model.Entity{}, fmt.Errorf("unmarshaling fields of %s: %w", e.ID, err)
		}
	}
	return e, nil
}

// SaveEntity creates or updates e. A new id is generated when e.ID is
// empty. The revision bump, commit id and change log row are written in
// one transaction; if any step fails nothing is persisted and e is left
// untouched.
func (s *SQLStore) SaveEntity(ctx context.Context, e *model.Entity) (SaveResult, error) {
	if e.AccountID == "" || e.ObjType == "" {
		return SaveResult{}, fmt.Errorf("entity requires account and object type")
	}

	next := e.Clone()
	now := time.Now().UTC()

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var current struct {
			Revision  int64     `db:"revision"`
			CreatedAt time.Time `db:"created_at"`
		}
		exists := false
		if next.ID == "" {
			next.ID = uuid.New().String()
		} else {
			err := tx.GetContext(ctx, &current, tx.Rebind(`
				SELECT revision, created_at FROM entities
				WHERE account_id = ? AND obj_type = ? AND id = ?`),
				next.AccountID, next.ObjType, next.ID,
			)
			switch {
			case errors.Is(err, sql.ErrNoRows):
			case err != nil:
				return fmt.Errorf("loading entity %s: %w", next.ID, err)
			default:
				exists = true
			}
		}

		commitID, err := nextCommitTx(ctx, tx, CommitKey{AccountID: next.AccountID, ObjType: next.ObjType})
		if err != nil {
			return err
		}

		fieldsJSON, err := json.Marshal(next.Fields)
		if err != nil {
			return fmt.Errorf("marshaling fields of %s: %w", next.ID, err)
		}

		next.CommitID = commitID
		next.UpdatedAt = now

		action := model.ActionUpdate
		if exists {
			next.Revision = current.Revision + 1
			next.CreatedAt = current.CreatedAt
			_, err = tx.ExecContext(ctx, tx.Rebind(`
				UPDATE entities SET
					revision = ?, owner_id = ?, creator_id = ?, deleted = ?,
					commit_id = ?, fields = ?, updated_at = ?
				WHERE account_id = ? AND obj_type = ? AND id = ?`),
				next.Revision, next.OwnerID, next.CreatorID, next.Deleted,
				next.CommitID, string(fieldsJSON), next.UpdatedAt,
				next.AccountID, next.ObjType, next.ID,
			)
		} else {
			action = model.ActionCreate
			next.Revision = 1
			next.CreatedAt = now
			_, err = tx.ExecContext(ctx, tx.Rebind(`
				INSERT INTO entities (
					id, account_id, obj_type, revision, owner_id, creator_id,
					deleted, commit_id, fields, created_at, updated_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				next.ID, next.AccountID, next.ObjType, next.Revision,
				next.OwnerID, next.CreatorID, next.Deleted, next.CommitID,
				string(fieldsJSON), next.CreatedAt, next.UpdatedAt,
			)
		}
		if err != nil {
			return fmt.Errorf("saving entity %s: %w", next.ID, err)
		}
		if next.Deleted {
			action = model.ActionDelete
		}

		return appendChangeTx(ctx, tx, model.ChangeLogEntry{
			AccountID: next.AccountID,
			ObjType:   next.ObjType,
			CommitID:  next.CommitID,
			EntityID:  next.ID,
			Action:    action,
			Revision:  next.Revision,
			CreatedAt: now,
		})
	})
	if err != nil {
		return SaveResult{}, err
	}

	*e = next
	return SaveResult{LocalID: next.ID, Revision: next.Revision, CommitID: next.CommitID}, nil
}

// SoftDelete marks an entity deleted under a new commit id. Deleting an
// already deleted entity is a no-op that reports its current tokens.
func (s *SQLStore) SoftDelete(
	ctx context.Context,
	accountID, objType, id string,
) (SaveResult, error) {
	var res SaveResult
	now := time.Now().UTC()

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var row entityRow
		err := tx.GetContext(ctx, &row, tx.Rebind(`
			SELECT * FROM entities
			WHERE account_id = ? AND obj_type = ? AND id = ?`),
			accountID, objType, id,
		)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("entity %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("loading entity %s: %w", id, err)
		}
		if row.Deleted {
			res = SaveResult{LocalID: row.ID, Revision: row.Revision, CommitID: row.CommitID}
			return nil
		}

		commitID, err := nextCommitTx(ctx, tx, CommitKey{AccountID: accountID, ObjType: objType})
		if err != nil {
			return err
		}
		revision := row.Revision + 1

		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE entities SET deleted = ?, revision = ?, commit_id = ?, updated_at = ?
			WHERE account_id = ? AND obj_type = ? AND id = ?`),
			true, revision, commitID, now,
			accountID, objType, id,
		)
		if err != nil {
			return fmt.Errorf("deleting entity %s: %w", id, err)
		}

		res = SaveResult{LocalID: id, Revision: revision, CommitID: commitID}
		return appendChangeTx(ctx, tx, model.ChangeLogEntry{
			AccountID: accountID,
			ObjType:   objType,
			CommitID:  commitID,
			EntityID:  id,
			Action:    model.ActionDelete,
			Revision:  revision,
			CreatedAt: now,
		})
	})
	if err != nil {
		return SaveResult{}, err
	}
	return res, nil
}

// GetEntity returns the entity, including soft-deleted tombstones, or nil
// when no such entity exists.
func (s *SQLStore) GetEntity(
	ctx context.Context,
	accountID, objType, id string,
) (*model.Entity, error) {
	var row entityRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT * FROM entities
		WHERE account_id = ? AND obj_type = ? AND id = ?`),
		accountID, objType, id,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting entity %s: %w", id, err)
	}

	e, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListEntitiesMatching yields live entities of objType inside scope,
// ordered by id.
func (s *SQLStore) ListEntitiesMatching(
	ctx context.Context,
	accountID, objType string,
	scope model.Scope,
) iter.Seq2[model.Entity, error] {
	return func(yield func(model.Entity, error) bool) {
		after := ""
		for {
			var rows []entityRow
			err := s.db.SelectContext(ctx, &rows, s.db.Rebind(fmt.Sprintf(`
				SELECT * FROM entities
				WHERE account_id = ? AND obj_type = ? AND deleted = ? AND id > ?
				ORDER BY id
				LIMIT %d`, listPageSize)),
				accountID, objType, false, after,
			)
			if err != nil {
				yield(model.Entity{}, fmt.Errorf("listing %s entities: %w", objType, err))
				return
			}

			for _, row := range rows {
				e, err := row.toModel()
				if err != nil {
					if !yield(model.Entity{}, err) {
						return
					}
					continue
				}
				if !scope.Matches(&e) {
					continue
				}
				if !yield(e, nil) {
					return
				}
			}

			if len(rows) < listPageSize {
				return
			}
			after = rows[len(rows)-1].ID
		}
	}
}

// ChangesSince returns change log entries with after < commit_id <= upTo.
func (s *SQLStore) ChangesSince(
	ctx context.Context,
	key CommitKey,
	after, upTo int64,
) ([]model.ChangeLogEntry, error) {
	var entries []model.ChangeLogEntry
	err := s.db.SelectContext(ctx, &entries, s.db.Rebind(`
		SELECT * FROM entity_changes
		WHERE account_id = ? AND obj_type = ? AND commit_id > ? AND commit_id <= ?
		ORDER BY commit_id`),
		key.AccountID, key.ObjType, after, upTo,
	)
	if err != nil {
		return nil, fmt.Errorf("reading changes for %s/%s: %w", key.AccountID, key.ObjType, err)
	}
	return entries, nil
}

// appendChangeTx writes one change log row inside tx.
func appendChangeTx(ctx context.Context, tx *sqlx.Tx, c model.ChangeLogEntry) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO entity_changes (
			account_id, obj_type, commit_id, entity_id, action, revision, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		c.AccountID, c.ObjType, c.CommitID, c.EntityID, string(c.Action), c.Revision, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("logging change %d for %s: %w", c.CommitID, c.EntityID, err)
	}
	return nil
}
