package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// NextCommit atomically increments and returns the commit head for key.
func (s *SQLStore) NextCommit(ctx context.Context, key CommitKey) (int64, error) {
	var head int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		head, err = nextCommitTx(ctx, tx, key)
		return err
	})
	if err != nil {
		return 0, err
	}
	return head, nil
}

// Head returns the latest issued commit id for key, or 0 if none.
func (s *SQLStore) Head(ctx context.Context, key CommitKey) (int64, error) {
	var head int64
	err := s.db.GetContext(ctx, &head, s.db.Rebind(
		"SELECT head FROM commit_heads WHERE account_id = ? AND obj_type = ?"),
		key.AccountID, key.ObjType,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading commit head %s/%s: %w", key.AccountID, key.ObjType, err)
	}
	return head, nil
}

// nextCommitTx increments the commit head within tx. The upsert holds the
// head row's write lock until tx ends, so concurrent writers serialize.
func nextCommitTx(ctx context.Context, tx *sqlx.Tx, key CommitKey) (int64, error) {
	if key.AccountID == "" || key.ObjType == "" {
		return 0, fmt.Errorf("commit key requires account and object type")
	}

	var head int64
	err := tx.QueryRowxContext(ctx, tx.Rebind(`
		INSERT INTO commit_heads (account_id, obj_type, head)
		VALUES (?, ?, 1)
		ON CONFLICT (account_id, obj_type)
		DO UPDATE SET head = commit_heads.head + 1
		RETURNING head`),
		key.AccountID, key.ObjType,
	).Scan(&head)
	if err != nil {
		return 0, fmt.Errorf("advancing commit head %s/%s: %w", key.AccountID, key.ObjType, err)
	}
	return head, nil
}
