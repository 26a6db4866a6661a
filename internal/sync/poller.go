package sync

import (
	"context"
	"log/slog"
	"sort"
	gosync "sync"
	"time"

	"github.com/nhle/entitysync/internal/adapter"
	"github.com/nhle/entitysync/internal/model"
	"github.com/nhle/entitysync/internal/source"
)

// SyncState represents the current state of a mailbox sync operation.
type SyncState int

const (
	SyncIdle SyncState = iota
	SyncRunning
	SyncError
)

func (s SyncState) String() string {
	switch s {
	case SyncRunning:
		return "running"
	case SyncError:
		return "error"
	default:
		return "idle"
	}
}

// SyncStatus holds the sync state for a single mailbox.
type SyncStatus struct {
	MailboxID string
	State     SyncState
	LastSync  time.Time
	Error     error
}

// SyncResult is published after every mailbox sync.
type SyncResult struct {
	MailboxID string
	Report    ImportReport
	Error     error

	// AuthFailed is set when the server rejected the credentials.
	AuthFailed bool
}

// fetchTimeout is the maximum time allowed for a single sync of a mailbox.
const fetchTimeout = 30 * time.Second

const defaultPollInterval = 120 * time.Second

// mailboxEntry holds a registered mailbox replica and its configuration.
type mailboxEntry struct {
	src source.Lister
	cfg model.MailboxConfig
}

// PartnerIDForMailbox returns the partner id a mailbox replica syncs as.
func PartnerIDForMailbox(mailboxID string) string {
	return "mailbox:" + mailboxID
}

// Poller periodically pulls registered mailbox replicas into the entity
// store through the coordinator.
type Poller struct {
	coord     *Coordinator
	logger    *slog.Logger
	mailboxes []mailboxEntry
	statuses  map[string]*SyncStatus
	resultCh  chan SyncResult
	triggers  map[string]chan struct{}
	stopCh    chan struct{}
	wg        gosync.WaitGroup
	mu        gosync.Mutex
	running   bool
}

// NewPoller creates a Poller importing through coord.
func NewPoller(coord *Coordinator, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		coord:    coord,
		logger:   logger,
		statuses: make(map[string]*SyncStatus),
		resultCh: make(chan SyncResult, 16),
		triggers: make(map[string]chan struct{}),
		stopCh:   make(chan struct{}),
	}
}

// RegisterMailbox adds a mailbox replica. Its folder is added to the
// coordinator's registry so the mailbox gets its own collection.
func (p *Poller) RegisterMailbox(src source.Lister, cfg model.MailboxConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.coord.Registry().AddMailbox(adapter.Folder{ID: cfg.ID, Name: cfg.Mailbox})
	p.mailboxes = append(p.mailboxes, mailboxEntry{src: src, cfg: cfg})
	p.statuses[cfg.ID] = &SyncStatus{MailboxID: cfg.ID, State: SyncIdle}
	p.triggers[cfg.ID] = make(chan struct{}, 1)
}

// Start registers each mailbox as a partner and starts one polling
// goroutine per mailbox. A stopped Poller can be started again.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.stopCh = make(chan struct{})
	stop := p.stopCh
	entries := make([]mailboxEntry, len(p.mailboxes))
	copy(entries, p.mailboxes)
	triggers := make(map[string]chan struct{}, len(p.triggers))
	for id, ch := range p.triggers {
		triggers[id] = ch
	}
	p.mu.Unlock()

	for _, entry := range entries {
		_, err := p.coord.ConfigPartner(ctx, model.Partner{
			ID:        PartnerIDForMailbox(entry.cfg.ID),
			AccountID: entry.cfg.AccountID,
			OwnerID:   entry.cfg.OwnerID,
		})
		if err != nil {
			p.Stop()
			return err
		}
	}

	for _, entry := range entries {
		p.wg.Add(1)
		go p.pollMailbox(entry, triggers[entry.cfg.ID], stop)
	}
	return nil
}

// Stop halts all polling goroutines and waits for them to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	close(p.stopCh)
	p.running = false
	p.mu.Unlock()

	p.wg.Wait()
}

// Results delivers the outcome of every sync. Results are dropped when
// nobody reads them.
func (p *Poller) Results() <-chan SyncResult {
	return p.resultCh
}

// RefreshAll triggers an immediate sync of every mailbox.
func (p *Poller) RefreshAll() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.mailboxes))
	for _, entry := range p.mailboxes {
		ids = append(ids, entry.cfg.ID)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.Refresh(id)
	}
}

// Refresh triggers an immediate sync of one mailbox.
func (p *Poller) Refresh(mailboxID string) {
	p.mu.Lock()
	trigger, ok := p.triggers[mailboxID]
	p.mu.Unlock()
	if !ok {
		return
	}

	select {
	case trigger <- struct{}{}:
	default:
		// A sync is already pending
	}
}

// GetStatuses returns the current sync status of all mailboxes ordered
// by id.
func (p *Poller) GetStatuses() []SyncStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	statuses := make([]SyncStatus, 0, len(p.statuses))
	for _, s := range p.statuses {
		statuses = append(statuses, *s)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].MailboxID < statuses[j].MailboxID })
	return statuses
}

// pollMailbox runs the polling loop for a single mailbox.
func (p *Poller) pollMailbox(entry mailboxEntry, trigger, stop <-chan struct{}) {
	defer p.wg.Done()

	interval := time.Duration(entry.cfg.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = defaultPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Do an initial sync immediately
	p.syncMailbox(entry)

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.syncMailbox(entry)
		case <-trigger:
			p.syncMailbox(entry)
		}
	}
}

// syncMailbox performs a single sync and publishes its result.
func (p *Poller) syncMailbox(entry mailboxEntry) {
	id := entry.cfg.ID
	p.setStatus(id, SyncRunning, nil)

	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	report, err := p.coord.SyncListing(ctx, PartnerIDForMailbox(id), id, entry.src)
	if err != nil {
		p.setStatus(id, SyncError, err)
		authFailed := source.IsAuthError(err)
		p.logger.Warn("mailbox sync failed",
			"mailbox", id,
			"auth", authFailed,
			"error", err,
		)
		p.sendResult(SyncResult{MailboxID: id, Error: err, AuthFailed: authFailed})
		return
	}

	p.setStatus(id, SyncIdle, nil)
	p.sendResult(SyncResult{MailboxID: id, Report: report})
}

// setStatus updates the sync status for a mailbox.
func (p *Poller) setStatus(id string, state SyncState, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	status, ok := p.statuses[id]
	if !ok {
		return
	}

	status.State = state
	status.Error = err
	if state == SyncIdle && err == nil {
		status.LastSync = time.Now()
	}
}

// sendResult sends a SyncResult on the result channel without blocking.
func (p *Poller) sendResult(res SyncResult) {
	select {
	case p.resultCh <- res:
	default:
		// Drop if channel is full to avoid blocking the poller
	}
}
