package testutil

import (
	"context"
	"testing"

	"github.com/nhle/entitysync/internal/model"
	"github.com/nhle/entitysync/internal/store"
)

// TestAccount is the account id used by fixtures.
const TestAccount = "acct-1"

// NewTestStore creates an in-memory SQLStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// SaveTask persists a task owned by owner with the given title and
// returns it as stored.
func SaveTask(t *testing.T, s store.EntityStore, id, owner, title string) model.Entity {
	t.Helper()

	e := model.Entity{
		ID:        id,
		AccountID: TestAccount,
		ObjType:   model.ObjTypeTask,
		OwnerID:   owner,
		CreatorID: owner,
		Fields:    model.Fields{"name": title},
	}
	if _, err := s.SaveEntity(context.Background(), &e); err != nil {
		t.Fatalf("saving task %s: %v", id, err)
	}
	return e
}
