package sync

import (
	"context"
	"errors"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/entitysync/internal/adapter"
	"github.com/nhle/entitysync/internal/model"
	"github.com/nhle/entitysync/internal/source"
	"github.com/nhle/entitysync/tests/testutil"
)

// fakeLister is an in-memory mailbox replica.
type fakeLister struct {
	mu      gosync.Mutex
	items   map[string]fakeMessage
	listErr error
	fetched [][]string
}

type fakeMessage struct {
	revision int64
	payload  model.Payload
}

func newFakeLister() *fakeLister {
	return &fakeLister{items: make(map[string]fakeMessage)}
}

func (l *fakeLister) put(id string, revision int64, payload model.Payload) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items[id] = fakeMessage{revision: revision, payload: payload}
}

func (l *fakeLister) remove(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.items, id)
}

func (l *fakeLister) Type() source.SourceType { return source.SourceTypeEmail }

func (l *fakeLister) List(context.Context) ([]model.RemoteItem, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listErr != nil {
		return nil, l.listErr
	}
	out := make([]model.RemoteItem, 0, len(l.items))
	for id, m := range l.items {
		out = append(out, model.RemoteItem{RemoteID: id, Revision: m.revision})
	}
	return out, nil
}

func (l *fakeLister) Fetch(_ context.Context, ids []string) (map[string]model.Payload, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fetched = append(l.fetched, ids)
	out := make(map[string]model.Payload, len(ids))
	for _, id := range ids {
		if m, ok := l.items[id]; ok {
			out[id] = m.payload
		}
	}
	return out, nil
}

func TestSyncListing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	src := newFakeLister()
	src.put("7:1", 10, model.Payload{"subject": "hello", "read": false})
	src.put("7:2", 10, model.Payload{"subject": "invoice", "flagged": true})

	report, err := f.coord.SyncListing(ctx, testPartner, "mbx-inbox", src)
	require.NoError(t, err)
	require.Empty(t, report.Failed)
	require.Len(t, report.Applied, 2)

	secondID := report.Applied["7:2"]
	first, err := f.store.GetEntity(ctx, testutil.TestAccount, model.ObjTypeEmailMessage, report.Applied["7:1"])
	require.NoError(t, err)
	assert.Equal(t, "hello", first.StringValue("subject"))
	assert.Equal(t, "mbx-inbox", first.StringValue(adapter.FieldMailboxID))

	// Nothing changed remotely: nothing fetched.
	src.fetched = nil
	report, err = f.coord.SyncListing(ctx, testPartner, "mbx-inbox", src)
	require.NoError(t, err)
	assert.Empty(t, report.Applied)
	assert.Empty(t, src.fetched)

	// Read on another client, second message expunged.
	src.put("7:1", 11, model.Payload{"read": true})
	src.remove("7:2")
	report, err = f.coord.SyncListing(ctx, testPartner, "mbx-inbox", src)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"7:1"}}, src.fetched)
	assert.Len(t, report.Applied, 2)

	first, err = f.store.GetEntity(ctx, testutil.TestAccount, model.ObjTypeEmailMessage, first.ID)
	require.NoError(t, err)
	assert.Equal(t, true, first.Fields["flag_seen"])
	assert.Equal(t, "hello", first.StringValue("subject"))

	assert.Equal(t, "", report.Applied["7:2"])
	second, err := f.store.GetEntity(ctx, testutil.TestAccount, model.ObjTypeEmailMessage, secondID)
	require.NoError(t, err)
	assert.True(t, second.Deleted)
}

func TestSyncListingSkipsItemsGoneBeforeFetch(t *testing.T) {
	f := newFixture(t)

	src := &vanishingLister{fakeLister: newFakeLister()}
	src.put("7:1", 1, model.Payload{"subject": "a"})
	src.put("7:2", 1, model.Payload{"subject": "b"})

	report, err := f.coord.SyncListing(context.Background(), testPartner, "mbx-inbox", src)
	require.NoError(t, err)
	assert.Len(t, report.Applied, 1)
	assert.Contains(t, report.Applied, "7:1")
}

// vanishingLister loses 7:2 between List and Fetch.
type vanishingLister struct {
	*fakeLister
}

func (l *vanishingLister) Fetch(ctx context.Context, ids []string) (map[string]model.Payload, error) {
	l.remove("7:2")
	return l.fakeLister.Fetch(ctx, ids)
}

func TestSyncListingListFailure(t *testing.T) {
	f := newFixture(t)

	src := newFakeLister()
	src.listErr = &source.AuthError{SourceType: source.SourceTypeEmail, Message: "bad password"}

	_, err := f.coord.SyncListing(context.Background(), testPartner, "mbx-inbox", src)
	require.Error(t, err)
	assert.True(t, source.IsAuthError(err))
}

func waitResult(t *testing.T, p *Poller) SyncResult {
	t.Helper()

	select {
	case res := <-p.Results():
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for sync result")
		return SyncResult{}
	}
}

func TestPollerImportsMailbox(t *testing.T) {
	s := testutil.NewTestStore(t)
	c := NewCoordinator(s, adapter.DefaultRegistry())
	p := NewPoller(c, nil)

	src := newFakeLister()
	src.put("1:1", 1, model.Payload{"subject": "welcome"})

	cfg := model.MailboxConfig{
		ID:              "work",
		AccountID:       testutil.TestAccount,
		OwnerID:         testOwner,
		Mailbox:         "INBOX",
		PollIntervalSec: 3600,
	}
	p.RegisterMailbox(src, cfg)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	res := waitResult(t, p)
	require.NoError(t, res.Error)
	assert.Equal(t, "work", res.MailboxID)
	assert.Len(t, res.Report.Applied, 1)

	partner, err := s.GetPartner(context.Background(), PartnerIDForMailbox("work"))
	require.NoError(t, err)
	require.NotNil(t, partner)
	assert.Equal(t, testOwner, partner.OwnerID)

	src.put("1:2", 1, model.Payload{"subject": "second"})
	p.Refresh("work")
	res = waitResult(t, p)
	require.NoError(t, res.Error)
	assert.Len(t, res.Report.Applied, 1)
	assert.Contains(t, res.Report.Applied, "1:2")

	statuses := p.GetStatuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, SyncIdle, statuses[0].State)
	assert.False(t, statuses[0].LastSync.IsZero())
}

func TestPollerReportsAuthFailure(t *testing.T) {
	s := testutil.NewTestStore(t)
	c := NewCoordinator(s, adapter.DefaultRegistry())
	p := NewPoller(c, nil)

	src := newFakeLister()
	src.listErr = &source.AuthError{SourceType: source.SourceTypeEmail, Message: "expired"}
	p.RegisterMailbox(src, model.MailboxConfig{ID: "work", AccountID: testutil.TestAccount, PollIntervalSec: 3600})
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	res := waitResult(t, p)
	assert.True(t, res.AuthFailed)
	var authErr *source.AuthError
	assert.True(t, errors.As(res.Error, &authErr))

	statuses := p.GetStatuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, SyncError, statuses[0].State)
	assert.Equal(t, "error", statuses[0].State.String())
}

func TestPollerStopIsIdempotent(t *testing.T) {
	p := NewPoller(NewCoordinator(testutil.NewTestStore(t), adapter.DefaultRegistry()), nil)
	require.NoError(t, p.Start(context.Background()))
	p.Stop()
	p.Stop()
	p.Refresh("unknown")
}

func TestPollerRestartsAfterStop(t *testing.T) {
	s := testutil.NewTestStore(t)
	c := NewCoordinator(s, adapter.DefaultRegistry())
	p := NewPoller(c, nil)

	src := newFakeLister()
	src.put("1:1", 1, model.Payload{"subject": "first"})
	p.RegisterMailbox(src, model.MailboxConfig{ID: "work", AccountID: testutil.TestAccount, PollIntervalSec: 3600})

	require.NoError(t, p.Start(context.Background()))
	res := waitResult(t, p)
	require.NoError(t, res.Error)
	p.Stop()

	src.put("1:2", 1, model.Payload{"subject": "second"})
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	// The restarted goroutine syncs immediately and keeps serving triggers.
	res = waitResult(t, p)
	require.NoError(t, res.Error)
	assert.Contains(t, res.Report.Applied, "1:2")

	src.put("1:3", 1, model.Payload{"subject": "third"})
	p.Refresh("work")
	res = waitResult(t, p)
	require.NoError(t, res.Error)
	assert.Contains(t, res.Report.Applied, "1:3")
}
