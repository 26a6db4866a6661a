package sync

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/entitysync/internal/adapter"
	"github.com/nhle/entitysync/internal/model"
	"github.com/nhle/entitysync/internal/store"
	"github.com/nhle/entitysync/tests/testutil"
)

const (
	testPartner = "dev-1"
	testOwner   = "alice"
)

type fixture struct {
	store *store.SQLStore
	coord *Coordinator
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	s := testutil.NewTestStore(t)
	c := NewCoordinator(s, adapter.DefaultRegistry(), opts...)
	_, err := c.ConfigPartner(context.Background(), model.Partner{
		ID:        testPartner,
		AccountID: testutil.TestAccount,
		OwnerID:   testOwner,
	})
	require.NoError(t, err)
	return &fixture{store: s, coord: c}
}

func (f *fixture) export(t *testing.T, folder string) (*Cycle, Batch) {
	t.Helper()

	cy, err := f.coord.Begin(context.Background(), testPartner, folder)
	require.NoError(t, err)
	b, err := cy.Export(context.Background())
	require.NoError(t, err)
	return cy, b
}

// syncAll exports and acknowledges everything pending for folder.
func (f *fixture) syncAll(t *testing.T, folder string) {
	t.Helper()

	for i := 0; i < 100; i++ {
		_, b := f.export(t, folder)
		require.NoError(t, f.coord.Acknowledge(context.Background(), b, len(b.Changes)))
		if !b.Truncated {
			return
		}
	}
	t.Fatal("export never completed")
}

func (f *fixture) collection(t *testing.T, folder string) model.Collection {
	t.Helper()

	tgt, err := f.coord.Target(context.Background(), testPartner, folder)
	require.NoError(t, err)
	return tgt.Collection
}

func (f *fixture) update(t *testing.T, id string, fields model.Fields) model.Entity {
	t.Helper()
	ctx := context.Background()

	e, err := f.store.GetEntity(ctx, testutil.TestAccount, model.ObjTypeTask, id)
	require.NoError(t, err)
	require.NotNil(t, e)
	for k, v := range fields {
		e.SetField(k, v)
	}
	_, err = f.store.SaveEntity(ctx, e)
	require.NoError(t, err)
	return *e
}

func (f *fixture) delete(t *testing.T, objType, id string) {
	t.Helper()

	_, err := f.store.SoftDelete(context.Background(), testutil.TestAccount, objType, id)
	require.NoError(t, err)
}

func saveEmail(t *testing.T, s store.EntityStore, id, mailbox string) model.Entity {
	t.Helper()

	e := model.Entity{
		ID:        id,
		AccountID: testutil.TestAccount,
		ObjType:   model.ObjTypeEmailMessage,
		OwnerID:   testOwner,
		Fields:    model.Fields{adapter.FieldMailboxID: mailbox, "subject": "hello " + id},
	}
	_, err := s.SaveEntity(context.Background(), &e)
	require.NoError(t, err)
	return e
}

type changeSummary struct {
	ID     string
	Action model.Action
}

func summarize(b Batch) []changeSummary {
	out := make([]changeSummary, 0, len(b.Changes))
	for _, ch := range b.Changes {
		out = append(out, changeSummary{ID: ch.ID, Action: ch.Action})
	}
	return out
}

type changeView struct {
	ID       string
	Action   model.Action
	CommitID int64
	Payload  model.Payload
}

type batchView struct {
	Boundary  int64
	Baseline  bool
	Truncated bool
	Changes   []changeView
}

// view drops snapshots so batches compare without timestamps.
func view(b Batch) batchView {
	v := batchView{Boundary: b.Boundary, Baseline: b.Baseline, Truncated: b.Truncated}
	for _, ch := range b.Changes {
		v.Changes = append(v.Changes, changeView{ID: ch.ID, Action: ch.Action, CommitID: ch.CommitID, Payload: ch.Payload})
	}
	return v
}

func TestBaselineEmitsEveryMatchingEntity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 37; i++ {
		testutil.SaveTask(t, f.store, fmt.Sprintf("T%02d", i), testOwner, "task")
	}
	for i := 0; i < 3; i++ {
		testutil.SaveTask(t, f.store, fmt.Sprintf("B%02d", i), "bob", "not mine")
	}

	_, b := f.export(t, adapter.TasksRoot)
	assert.True(t, b.Baseline)
	assert.False(t, b.Truncated)
	require.Len(t, b.Changes, 37)
	for _, ch := range b.Changes {
		assert.Equal(t, model.ActionCreate, ch.Action)
		assert.Equal(t, "task", ch.Payload["subject"])
	}

	col := f.collection(t, adapter.TasksRoot)
	assert.False(t, col.Initialized, "initialized before delivery was acknowledged")

	require.NoError(t, f.coord.Acknowledge(ctx, b, len(b.Changes)))

	col = f.collection(t, adapter.TasksRoot)
	assert.True(t, col.Initialized)
	assert.Equal(t, int64(40), col.LastCommitID)

	_, next := f.export(t, adapter.TasksRoot)
	assert.False(t, next.Baseline)
	assert.Empty(t, next.Changes)
}

func TestIncrementalScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 98; i++ {
		testutil.SaveTask(t, f.store, fmt.Sprintf("F%03d", i), testOwner, "filler")
	}
	testutil.SaveTask(t, f.store, "T9", testOwner, "nine")
	testutil.SaveTask(t, f.store, "T17", testOwner, "seventeen")
	f.syncAll(t, adapter.TasksRoot)
	require.Equal(t, int64(100), f.collection(t, adapter.TasksRoot).LastCommitID)

	updated := f.update(t, "T17", model.Fields{"name": "seventeen, revised"})
	require.Equal(t, int64(101), updated.CommitID)
	f.delete(t, model.ObjTypeTask, "T9")

	_, b := f.export(t, adapter.TasksRoot)
	assert.Equal(t, []changeSummary{
		{ID: "T17", Action: model.ActionUpdate},
		{ID: "T9", Action: model.ActionDelete},
	}, summarize(b))
	assert.Equal(t, int64(102), b.Boundary)
	assert.Equal(t, "seventeen, revised", b.Changes[0].Payload["subject"])

	require.NoError(t, f.coord.Acknowledge(ctx, b, len(b.Changes)))
	assert.Equal(t, int64(102), f.collection(t, adapter.TasksRoot).LastCommitID)
}

func TestDiffIsIdempotent(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 5; i++ {
		testutil.SaveTask(t, f.store, fmt.Sprintf("T%d", i), testOwner, "task")
	}
	_, first := f.export(t, adapter.TasksRoot)
	_, second := f.export(t, adapter.TasksRoot)
	assert.Equal(t, view(first), view(second))

	f.syncAll(t, adapter.TasksRoot)
	f.update(t, "T1", model.Fields{"name": "changed"})
	f.delete(t, model.ObjTypeTask, "T2")

	_, first = f.export(t, adapter.TasksRoot)
	_, second = f.export(t, adapter.TasksRoot)
	assert.Equal(t, view(first), view(second))
	assert.Len(t, first.Changes, 2)
}

func TestDedupKeepsLatestState(t *testing.T) {
	f := newFixture(t)

	testutil.SaveTask(t, f.store, "E", testOwner, "v0")
	f.syncAll(t, adapter.TasksRoot)

	f.update(t, "E", model.Fields{"name": "v1"})
	f.update(t, "E", model.Fields{"name": "v2"})
	last := f.update(t, "E", model.Fields{"name": "v3"})

	_, b := f.export(t, adapter.TasksRoot)
	require.Len(t, b.Changes, 1)
	assert.Equal(t, model.ActionUpdate, b.Changes[0].Action)
	assert.Equal(t, last.CommitID, b.Changes[0].CommitID)
	assert.Equal(t, "v3", b.Changes[0].Payload["subject"])
}

func TestDeleteDominatesUpdate(t *testing.T) {
	f := newFixture(t)

	testutil.SaveTask(t, f.store, "E", testOwner, "v0")
	f.syncAll(t, adapter.TasksRoot)

	f.update(t, "E", model.Fields{"name": "v1"})
	f.delete(t, model.ObjTypeTask, "E")

	_, b := f.export(t, adapter.TasksRoot)
	assert.Equal(t, []changeSummary{{ID: "E", Action: model.ActionDelete}}, summarize(b))
	assert.Nil(t, b.Changes[0].Snapshot)
}

func TestCreatedAndDeletedInsideWindowIsSkipped(t *testing.T) {
	f := newFixture(t)

	testutil.SaveTask(t, f.store, "A", testOwner, "keep")
	f.syncAll(t, adapter.TasksRoot)

	testutil.SaveTask(t, f.store, "TMP", testOwner, "short lived")
	f.delete(t, model.ObjTypeTask, "TMP")

	_, b := f.export(t, adapter.TasksRoot)
	assert.Empty(t, b.Changes)
}

func TestCrashBeforeAcknowledgeRederivesBatch(t *testing.T) {
	f := newFixture(t)

	testutil.SaveTask(t, f.store, "A", testOwner, "a")
	testutil.SaveTask(t, f.store, "B", testOwner, "b")
	f.syncAll(t, adapter.TasksRoot)
	before := f.collection(t, adapter.TasksRoot)

	f.update(t, "A", model.Fields{"name": "a2"})
	f.delete(t, model.ObjTypeTask, "B")

	_, lost := f.export(t, adapter.TasksRoot)
	require.Len(t, lost.Changes, 2)

	// The process dies here: nothing was acknowledged.
	after := f.collection(t, adapter.TasksRoot)
	assert.Equal(t, before.LastCommitID, after.LastCommitID)

	_, again := f.export(t, adapter.TasksRoot)
	assert.Equal(t, view(lost), view(again))
}

func TestPartialDeliveryOnlyRecordsLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	testutil.SaveTask(t, f.store, "A", testOwner, "a")
	testutil.SaveTask(t, f.store, "B", testOwner, "b")
	f.syncAll(t, adapter.TasksRoot)
	before := f.collection(t, adapter.TasksRoot)

	f.update(t, "A", model.Fields{"name": "a2"})
	f.update(t, "B", model.Fields{"name": "b2"})

	_, b := f.export(t, adapter.TasksRoot)
	require.Len(t, b.Changes, 2)
	require.NoError(t, f.coord.Acknowledge(ctx, b, 1))
	assert.Equal(t, before.LastCommitID, f.collection(t, adapter.TasksRoot).LastCommitID)

	_, rest := f.export(t, adapter.TasksRoot)
	assert.Equal(t, []changeSummary{{ID: "B", Action: model.ActionUpdate}}, summarize(rest))
}

func TestMaxBatchTruncatesIncremental(t *testing.T) {
	f := newFixture(t, WithMaxBatch(2))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		testutil.SaveTask(t, f.store, fmt.Sprintf("T%d", i), testOwner, "task")
	}
	f.syncAll(t, adapter.TasksRoot)

	var commits []int64
	for i := 0; i < 5; i++ {
		e := f.update(t, fmt.Sprintf("T%d", i), model.Fields{"name": "changed"})
		commits = append(commits, e.CommitID)
	}

	_, b := f.export(t, adapter.TasksRoot)
	require.Len(t, b.Changes, 2)
	assert.True(t, b.Truncated)
	assert.Equal(t, commits[1], b.Boundary)
	require.NoError(t, f.coord.Acknowledge(ctx, b, len(b.Changes)))
	assert.Equal(t, commits[1], f.collection(t, adapter.TasksRoot).LastCommitID)

	_, b = f.export(t, adapter.TasksRoot)
	assert.Equal(t, []changeSummary{
		{ID: "T2", Action: model.ActionUpdate},
		{ID: "T3", Action: model.ActionUpdate},
	}, summarize(b))
	require.NoError(t, f.coord.Acknowledge(ctx, b, len(b.Changes)))

	_, b = f.export(t, adapter.TasksRoot)
	assert.Equal(t, []changeSummary{{ID: "T4", Action: model.ActionUpdate}}, summarize(b))
	assert.False(t, b.Truncated)
	require.NoError(t, f.coord.Acknowledge(ctx, b, len(b.Changes)))
	assert.Equal(t, commits[4], f.collection(t, adapter.TasksRoot).LastCommitID)
}

func TestTruncatedBaselineInitializesOnlyWhenComplete(t *testing.T) {
	f := newFixture(t, WithMaxBatch(2))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		testutil.SaveTask(t, f.store, fmt.Sprintf("T%d", i), testOwner, "task")
	}

	seen := map[string]bool{}
	for round := 0; round < 3; round++ {
		_, b := f.export(t, adapter.TasksRoot)
		require.True(t, b.Baseline)
		for _, ch := range b.Changes {
			assert.False(t, seen[ch.ID], "%s sent twice", ch.ID)
			seen[ch.ID] = true
		}
		require.NoError(t, f.coord.Acknowledge(ctx, b, len(b.Changes)))

		col := f.collection(t, adapter.TasksRoot)
		assert.Equal(t, !b.Truncated, col.Initialized)
	}
	assert.Len(t, seen, 5)
	assert.True(t, f.collection(t, adapter.TasksRoot).Initialized)
}

func TestEntityLeavingScopeIsDeleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	saveEmail(t, f.store, "M1", "mbx-inbox")
	saveEmail(t, f.store, "M2", "mbx-inbox")
	f.syncAll(t, "mbx-inbox")
	f.syncAll(t, "mbx-archive")

	m1, err := f.store.GetEntity(ctx, testutil.TestAccount, model.ObjTypeEmailMessage, "M1")
	require.NoError(t, err)
	m1.SetField(adapter.FieldMailboxID, "mbx-archive")
	_, err = f.store.SaveEntity(ctx, m1)
	require.NoError(t, err)

	_, inbox := f.export(t, "mbx-inbox")
	assert.Equal(t, []changeSummary{{ID: "M1", Action: model.ActionDelete}}, summarize(inbox))

	_, archive := f.export(t, "mbx-archive")
	assert.Equal(t, []changeSummary{{ID: "M1", Action: model.ActionCreate}}, summarize(archive))
}

func TestOwnerFilterExcludesOtherOwners(t *testing.T) {
	f := newFixture(t)

	testutil.SaveTask(t, f.store, "A", testOwner, "mine")
	f.syncAll(t, adapter.TasksRoot)

	testutil.SaveTask(t, f.store, "B", "bob", "not mine")
	e, err := f.store.GetEntity(context.Background(), testutil.TestAccount, model.ObjTypeTask, "A")
	require.NoError(t, err)
	e.OwnerID = "bob"
	_, err = f.store.SaveEntity(context.Background(), e)
	require.NoError(t, err)

	_, b := f.export(t, adapter.TasksRoot)
	assert.Equal(t, []changeSummary{{ID: "A", Action: model.ActionDelete}}, summarize(b))
}

// vanishingStore loses entities after they were logged.
type vanishingStore struct {
	store.Store
	gone map[string]bool
}

func (s *vanishingStore) GetEntity(ctx context.Context, accountID, objType, id string) (*model.Entity, error) {
	if s.gone[id] {
		return nil, nil
	}
	return s.Store.GetEntity(ctx, accountID, objType, id)
}

func TestVanishedEntityIsDemotedToDelete(t *testing.T) {
	base := testutil.NewTestStore(t)
	s := &vanishingStore{Store: base, gone: map[string]bool{}}
	c := NewCoordinator(s, adapter.DefaultRegistry())
	ctx := context.Background()

	_, err := c.ConfigPartner(ctx, model.Partner{ID: testPartner, AccountID: testutil.TestAccount, OwnerID: testOwner})
	require.NoError(t, err)

	testutil.SaveTask(t, base, "A", testOwner, "a")
	testutil.SaveTask(t, base, "B", testOwner, "b")
	f := &fixture{store: base, coord: c}
	f.syncAll(t, adapter.TasksRoot)

	f.update(t, "A", model.Fields{"name": "a2"})
	f.update(t, "B", model.Fields{"name": "b2"})
	s.gone["A"] = true

	_, b := f.export(t, adapter.TasksRoot)
	assert.Equal(t, []changeSummary{
		{ID: "A", Action: model.ActionDelete},
		{ID: "B", Action: model.ActionUpdate},
	}, summarize(b))
}

func TestBeginUnknownPartner(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.Begin(context.Background(), "ghost", adapter.TasksRoot)
	require.Error(t, err)
	assert.True(t, IsPartnerMissing(err))
}

func TestUnlinkRemovesPartner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	testutil.SaveTask(t, f.store, "A", testOwner, "a")
	f.syncAll(t, adapter.TasksRoot)

	require.NoError(t, f.coord.Unlink(ctx, testPartner))

	_, err := f.coord.Begin(ctx, testPartner, adapter.TasksRoot)
	assert.True(t, IsPartnerMissing(err))
	assert.True(t, IsPartnerMissing(f.coord.Unlink(ctx, testPartner)))

	e, err := f.store.GetEntity(ctx, testutil.TestAccount, model.ObjTypeTask, "A")
	require.NoError(t, err)
	assert.NotNil(t, e)
}

func TestResetForcesBaseline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	testutil.SaveTask(t, f.store, "A", testOwner, "a")
	testutil.SaveTask(t, f.store, "B", testOwner, "b")
	f.syncAll(t, adapter.TasksRoot)

	col := f.collection(t, adapter.TasksRoot)
	require.NoError(t, f.coord.ResetCollection(ctx, col.ID))

	_, b := f.export(t, adapter.TasksRoot)
	assert.True(t, b.Baseline)
	assert.Equal(t, []changeSummary{
		{ID: "A", Action: model.ActionCreate},
		{ID: "B", Action: model.ActionCreate},
	}, summarize(b))
}

func TestAcknowledgeBatchFromBeforeResetIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	testutil.SaveTask(t, f.store, "A", testOwner, "a")
	testutil.SaveTask(t, f.store, "B", testOwner, "b")
	_, stale := f.export(t, adapter.TasksRoot)

	col := f.collection(t, adapter.TasksRoot)
	require.NoError(t, f.coord.ResetCollection(ctx, col.ID))

	err := f.coord.Acknowledge(ctx, stale, len(stale.Changes))
	assert.ErrorIs(t, err, ErrStaleBatch)
	assert.False(t, IsTransient(err))

	got := f.collection(t, adapter.TasksRoot)
	assert.False(t, got.Initialized)
	assert.Equal(t, int64(0), got.LastCommitID)

	_, b := f.export(t, adapter.TasksRoot)
	assert.True(t, b.Baseline)
	assert.Equal(t, got.Generation, b.Generation)
	assert.Len(t, b.Changes, 2)
}

func TestIsBehindHead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	testutil.SaveTask(t, f.store, "A", testOwner, "a")
	behind, err := f.coord.IsBehindHead(ctx, testutil.TestAccount, f.collection(t, adapter.TasksRoot))
	require.NoError(t, err)
	assert.True(t, behind)

	f.syncAll(t, adapter.TasksRoot)
	behind, err = f.coord.IsBehindHead(ctx, testutil.TestAccount, f.collection(t, adapter.TasksRoot))
	require.NoError(t, err)
	assert.False(t, behind)
}

func TestRunDeliversAndAdvances(t *testing.T) {
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	f := newFixture(t, WithClock(func() time.Time { return at }))
	ctx := context.Background()

	testutil.SaveTask(t, f.store, "A", testOwner, "a")

	var got []model.Change
	res, err := f.coord.Run(ctx, testPartner, adapter.TasksRoot,
		[]RemoteChange{{RemoteID: "phone-1", Action: model.ActionCreate, Payload: model.Payload{"subject": "from phone"}}},
		func(_ context.Context, b Batch) (int, error) {
			got = append(got, b.Changes...)
			return len(b.Changes), nil
		},
	)
	require.NoError(t, err)
	assert.Len(t, res.Import.Applied, 1)
	assert.Empty(t, res.Import.Failed)

	// The phone's own task is not sent back to it.
	require.Len(t, got, 1)
	assert.Equal(t, "A", got[0].ID)

	col := f.collection(t, adapter.TasksRoot)
	assert.True(t, col.Initialized)

	p, err := f.store.GetPartner(ctx, testPartner)
	require.NoError(t, err)
	require.NotNil(t, p.LastSync)
	assert.True(t, at.Equal(*p.LastSync))

	_, next := f.export(t, adapter.TasksRoot)
	assert.Empty(t, next.Changes)
}

func TestRunRecordsDeliveryBeforeFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	testutil.SaveTask(t, f.store, "A", testOwner, "a")
	testutil.SaveTask(t, f.store, "B", testOwner, "b")

	_, err := f.coord.Run(ctx, testPartner, adapter.TasksRoot, nil,
		func(context.Context, Batch) (int, error) { return 1, fmt.Errorf("connection reset") },
	)
	require.Error(t, err)
	assert.False(t, f.collection(t, adapter.TasksRoot).Initialized)

	_, b := f.export(t, adapter.TasksRoot)
	assert.Equal(t, []changeSummary{{ID: "B", Action: model.ActionCreate}}, summarize(b))
}
