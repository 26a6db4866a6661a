package store_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/entitysync/internal/model"
	"github.com/nhle/entitysync/internal/store"
	"github.com/nhle/entitysync/tests/testutil"
)

var taskKey = store.CommitKey{AccountID: testutil.TestAccount, ObjType: model.ObjTypeTask}

func TestNextCommitIsStrictlyIncreasing(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	head, err := s.Head(ctx, taskKey)
	require.NoError(t, err)
	assert.Equal(t, int64(0), head)

	var prev int64
	for i := 0; i < 50; i++ {
		e := model.Entity{AccountID: testutil.TestAccount, ObjType: model.ObjTypeTask}
		res, err := s.SaveEntity(ctx, &e)
		require.NoError(t, err)
		assert.Greater(t, res.CommitID, prev)
		prev = res.CommitID
	}

	head, err = s.Head(ctx, taskKey)
	require.NoError(t, err)
	assert.Equal(t, prev, head)
}

func TestNextCommitConcurrentWritersNeverRepeat(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	const writers, perWriter = 8, 25
	results := make(chan int64, writers*perWriter)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				id, err := s.NextCommit(ctx, taskKey)
				if !assert.NoError(t, err) {
					return
				}
				results <- id
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int64]bool)
	for id := range results {
		assert.False(t, seen[id], "commit %d issued twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, writers*perWriter)
}

func TestCommitSequencesAreIndependentPerType(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	a, err := s.NextCommit(ctx, taskKey)
	require.NoError(t, err)
	b, err := s.NextCommit(ctx, store.CommitKey{AccountID: testutil.TestAccount, ObjType: model.ObjTypeContact})
	require.NoError(t, err)

	assert.Equal(t, int64(1), a)
	assert.Equal(t, int64(1), b)
}

func TestSaveEntityCreateThenUpdate(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	e := testutil.SaveTask(t, s, "", "alice", "write report")
	require.NotEmpty(t, e.ID)
	assert.Equal(t, int64(1), e.Revision)
	assert.Equal(t, int64(1), e.CommitID)

	e.SetField("name", "write final report")
	res, err := s.SaveEntity(ctx, &e)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Revision)
	assert.Equal(t, int64(2), res.CommitID)

	got, err := s.GetEntity(ctx, testutil.TestAccount, model.ObjTypeTask, e.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "write final report", got.StringValue("name"))
	assert.Equal(t, "alice", got.OwnerID)
	assert.Equal(t, int64(2), got.Revision)

	changes, err := s.ChangesSince(ctx, taskKey, 0, 10)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, model.ActionCreate, changes[0].Action)
	assert.Equal(t, model.ActionUpdate, changes[1].Action)
	assert.Equal(t, e.ID, changes[1].EntityID)
}

func TestSaveEntityWithExplicitIDCreates(t *testing.T) {
	s := testutil.NewTestStore(t)

	e := testutil.SaveTask(t, s, "T1", "alice", "one")
	assert.Equal(t, "T1", e.ID)
	assert.Equal(t, int64(1), e.Revision)
}

func TestSaveEntityFailureLeavesNoTrace(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	e := model.Entity{ObjType: model.ObjTypeTask}
	_, err := s.SaveEntity(ctx, &e)
	require.Error(t, err)
	assert.Empty(t, e.ID)

	head, err := s.Head(ctx, taskKey)
	require.NoError(t, err)
	assert.Equal(t, int64(0), head)
}

func TestSoftDelete(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	e := testutil.SaveTask(t, s, "T1", "alice", "one")

	res, err := s.SoftDelete(ctx, testutil.TestAccount, model.ObjTypeTask, e.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Revision)
	assert.Equal(t, int64(2), res.CommitID)

	got, err := s.GetEntity(ctx, testutil.TestAccount, model.ObjTypeTask, e.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Deleted)
	assert.Equal(t, "one", got.StringValue("name"))

	again, err := s.SoftDelete(ctx, testutil.TestAccount, model.ObjTypeTask, e.ID)
	require.NoError(t, err)
	assert.Equal(t, res, again)

	_, err = s.SoftDelete(ctx, testutil.TestAccount, model.ObjTypeTask, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Commit ids are not reused after a delete.
	next := testutil.SaveTask(t, s, "", "alice", "two")
	assert.Equal(t, int64(3), next.CommitID)
}

func TestGetEntityMissing(t *testing.T) {
	s := testutil.NewTestStore(t)

	got, err := s.GetEntity(context.Background(), testutil.TestAccount, model.ObjTypeTask, "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestListEntitiesMatchingScopeAndPaging(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	const n = 510
	for i := 0; i < n; i++ {
		mailbox := "inbox"
		if i%2 == 1 {
			mailbox = "archive"
		}
		e := model.Entity{
			ID:        fmt.Sprintf("m%04d", i),
			AccountID: testutil.TestAccount,
			ObjType:   model.ObjTypeEmailMessage,
			Fields:    model.Fields{"mailbox_id": mailbox},
		}
		_, err := s.SaveEntity(ctx, &e)
		require.NoError(t, err)
	}
	_, err := s.SoftDelete(ctx, testutil.TestAccount, model.ObjTypeEmailMessage, "m0000")
	require.NoError(t, err)

	var all []string
	for e, err := range s.ListEntitiesMatching(ctx, testutil.TestAccount, model.ObjTypeEmailMessage, model.NoScope()) {
		require.NoError(t, err)
		all = append(all, e.ID)
	}
	assert.Len(t, all, n-1)
	assert.IsIncreasing(t, all)

	inbox := 0
	for e, err := range s.ListEntitiesMatching(ctx, testutil.TestAccount, model.ObjTypeEmailMessage,
		model.FieldEquals("mailbox_id", "inbox")) {
		require.NoError(t, err)
		assert.Equal(t, "inbox", e.StringValue("mailbox_id"))
		inbox++
	}
	assert.Equal(t, n/2-1, inbox)
}

func TestChangesSinceBounds(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		testutil.SaveTask(t, s, "", "alice", fmt.Sprintf("task %d", i))
	}

	changes, err := s.ChangesSince(ctx, taskKey, 2, 4)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, int64(3), changes[0].CommitID)
	assert.Equal(t, int64(4), changes[1].CommitID)
}

func TestUpsertPartnerIsIdempotent(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	p1, err := s.UpsertPartner(ctx, model.Partner{ID: "dev-1", AccountID: testutil.TestAccount, OwnerID: "alice"})
	require.NoError(t, err)
	p2, err := s.UpsertPartner(ctx, model.Partner{ID: "dev-1", AccountID: testutil.TestAccount, OwnerID: "alice"})
	require.NoError(t, err)
	assert.True(t, p1.CreatedAt.Equal(p2.CreatedAt))

	partners, err := s.ListPartners(ctx, testutil.TestAccount)
	require.NoError(t, err)
	assert.Len(t, partners, 1)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.TouchPartner(ctx, "dev-1", at))
	got, err := s.GetPartner(ctx, "dev-1")
	require.NoError(t, err)
	require.NotNil(t, got.LastSync)
	assert.True(t, at.Equal(*got.LastSync))

	missing, err := s.GetPartner(ctx, "dev-2")
	require.NoError(t, err)
	assert.Nil(t, missing)
	assert.ErrorIs(t, s.TouchPartner(ctx, "dev-2", at), store.ErrNotFound)
}

func TestGetOrCreateCollectionIsIdempotentPerScope(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertPartner(ctx, model.Partner{ID: "dev-1", AccountID: testutil.TestAccount})
	require.NoError(t, err)

	inbox := model.Collection{
		PartnerID: "dev-1",
		ObjType:   model.ObjTypeEmailMessage,
		Scope:     model.FieldEquals("mailbox_id", "inbox"),
		Filter:    []model.Condition{{Field: "owner_id", Operator: model.OpEqual, Value: "alice"}},
	}
	c1, err := s.GetOrCreateCollection(ctx, inbox)
	require.NoError(t, err)
	c2, err := s.GetOrCreateCollection(ctx, inbox)
	require.NoError(t, err)
	assert.Equal(t, c1.ID, c2.ID)
	assert.False(t, c1.Initialized)
	assert.Equal(t, inbox.Scope, c1.Scope)
	assert.Equal(t, inbox.Filter, c1.Filter)

	archive := inbox
	archive.Scope = model.FieldEquals("mailbox_id", "archive")
	c3, err := s.GetOrCreateCollection(ctx, archive)
	require.NoError(t, err)
	assert.NotEqual(t, c1.ID, c3.ID)

	cols, err := s.ListCollections(ctx, "dev-1")
	require.NoError(t, err)
	assert.Len(t, cols, 2)
}

func TestAcknowledgeExportAdvancesMonotonically(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	col := newCollection(t, s)

	require.NoError(t, s.AcknowledgeExport(ctx, store.ExportAck{
		CollectionID: col.ID,
		Boundary:     10,
		Delivered: []model.ExportRecord{
			{UniqueID: "T1", CommitID: 7, Action: model.ActionCreate},
		},
		Complete: true,
	}))

	got, err := s.GetCollection(ctx, col.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.LastCommitID)
	assert.True(t, got.Initialized)
	assert.Equal(t, col.Revision+1, got.Revision)
	assert.NotNil(t, got.LastSync)

	// A stale acknowledgement neither rewinds the cursor nor the ledger.
	require.NoError(t, s.AcknowledgeExport(ctx, store.ExportAck{
		CollectionID: col.ID,
		Boundary:     5,
		Delivered: []model.ExportRecord{
			{UniqueID: "T1", CommitID: 3, Action: model.ActionCreate},
		},
		Complete: true,
	}))
	got, err = s.GetCollection(ctx, col.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.LastCommitID)

	ledger, err := s.ListLedger(ctx, col.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), ledger["T1"].CommitID)
}

func TestAcknowledgeIncompleteOnlyTouchesLedger(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	col := newCollection(t, s)

	require.NoError(t, s.AcknowledgeExport(ctx, store.ExportAck{
		CollectionID: col.ID,
		Boundary:     10,
		Delivered:    []model.ExportRecord{{UniqueID: "T1", CommitID: 4, Action: model.ActionCreate}},
	}))

	got, err := s.GetCollection(ctx, col.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.LastCommitID)
	assert.False(t, got.Initialized)

	ledger, err := s.ListLedger(ctx, col.ID)
	require.NoError(t, err)
	assert.True(t, ledger["T1"].Held())
}

func TestResetCollectionClearsState(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	col := newCollection(t, s)

	require.NoError(t, s.AcknowledgeExport(ctx, store.ExportAck{
		CollectionID: col.ID,
		Boundary:     3,
		Delivered:    []model.ExportRecord{{UniqueID: "T1", CommitID: 3, Action: model.ActionCreate}},
		Complete:     true,
	}))
	require.NoError(t, s.UpsertImportRecord(ctx, model.ImportRecord{
		CollectionID: col.ID, ObjType: model.ObjTypeTask, LocalID: "T1", RemoteID: "r1",
	}))

	require.NoError(t, s.ResetCollection(ctx, col.ID))

	got, err := s.GetCollection(ctx, col.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.LastCommitID)
	assert.False(t, got.Initialized)
	assert.Nil(t, got.LastSync)

	ledger, err := s.ListLedger(ctx, col.ID)
	require.NoError(t, err)
	assert.Empty(t, ledger)
	recs, err := s.ListImportRecords(ctx, col.ID)
	require.NoError(t, err)
	assert.Empty(t, recs)

	assert.ErrorIs(t, s.ResetCollection(ctx, "missing"), store.ErrNotFound)
}

func TestAcknowledgeAfterResetIsStale(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	col := newCollection(t, s)
	assert.Equal(t, int64(0), col.Generation)

	require.NoError(t, s.ResetCollection(ctx, col.ID))

	for _, complete := range []bool{true, false} {
		err := s.AcknowledgeExport(ctx, store.ExportAck{
			CollectionID: col.ID,
			Generation:   col.Generation,
			Boundary:     3,
			Delivered:    []model.ExportRecord{{UniqueID: "T1", CommitID: 3, Action: model.ActionCreate}},
			Complete:     complete,
		})
		assert.ErrorIs(t, err, store.ErrStaleGeneration)
	}

	got, err := s.GetCollection(ctx, col.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Generation)
	assert.Equal(t, int64(0), got.LastCommitID)
	assert.False(t, got.Initialized)

	ledger, err := s.ListLedger(ctx, col.ID)
	require.NoError(t, err)
	assert.Empty(t, ledger)

	// The current generation is accepted.
	require.NoError(t, s.AcknowledgeExport(ctx, store.ExportAck{
		CollectionID: col.ID,
		Generation:   got.Generation,
		Boundary:     3,
		Complete:     true,
	}))

	err = s.AcknowledgeExport(ctx, store.ExportAck{CollectionID: "missing", Complete: true})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestImportRecordUpsert(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	col := newCollection(t, s)

	rec := model.ImportRecord{
		CollectionID: col.ID, ObjType: model.ObjTypeTask,
		LocalID: "T1", LocalRevision: 1, LocalCommitID: 1,
		RemoteID: "r1", RemoteRevision: 1,
	}
	require.NoError(t, s.UpsertImportRecord(ctx, rec))

	rec.LocalRevision, rec.LocalCommitID, rec.RemoteRevision = 2, 5, 2
	require.NoError(t, s.UpsertImportRecord(ctx, rec))

	got, err := s.GetImportRecord(ctx, col.ID, "r1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(5), got.LocalCommitID)
	assert.Equal(t, int64(2), got.RemoteRevision)

	missing, err := s.GetImportRecord(ctx, col.ID, "r2")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestDeletePartnerCascadesButKeepsEntities(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	col := newCollection(t, s)
	e := testutil.SaveTask(t, s, "T1", "alice", "one")

	require.NoError(t, s.UpsertImportRecord(ctx, model.ImportRecord{
		CollectionID: col.ID, ObjType: model.ObjTypeTask, LocalID: e.ID, RemoteID: "r1",
	}))
	require.NoError(t, s.RecordExport(ctx, model.ExportRecord{
		CollectionID: col.ID, UniqueID: e.ID, CommitID: 1, Action: model.ActionCreate,
	}))

	require.NoError(t, s.DeletePartner(ctx, col.PartnerID))

	cols, err := s.ListCollections(ctx, col.PartnerID)
	require.NoError(t, err)
	assert.Empty(t, cols)
	recs, err := s.ListImportRecords(ctx, col.ID)
	require.NoError(t, err)
	assert.Empty(t, recs)

	got, err := s.GetEntity(ctx, testutil.TestAccount, model.ObjTypeTask, e.ID)
	require.NoError(t, err)
	assert.NotNil(t, got)

	assert.ErrorIs(t, s.DeletePartner(ctx, col.PartnerID), store.ErrNotFound)
}

func newCollection(t *testing.T, s *store.SQLStore) model.Collection {
	t.Helper()
	ctx := context.Background()

	_, err := s.UpsertPartner(ctx, model.Partner{ID: "dev-1", AccountID: testutil.TestAccount, OwnerID: "alice"})
	require.NoError(t, err)
	col, err := s.GetOrCreateCollection(ctx, model.Collection{PartnerID: "dev-1", ObjType: model.ObjTypeTask})
	require.NoError(t, err)
	return col
}
