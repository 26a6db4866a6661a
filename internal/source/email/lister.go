package email

import (
	"context"
	"fmt"
	"hash/fnv"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/nhle/entitysync/internal/model"
	"github.com/nhle/entitysync/internal/source"
)

// mailboxReader is the part of IMAPClient the Lister needs.
type mailboxReader interface {
	Snapshot(ctx context.Context) (MailboxSnapshot, error)
	FetchEnvelopes(ctx context.Context, uids []uint32) (uint32, []Envelope, error)
}

// Lister exposes one IMAP mailbox as a remote replica. Remote ids are
// "uidvalidity:uid", so a mailbox whose UIDVALIDITY changes is seen as
// entirely new. A message's revision changes whenever its flags do.
type Lister struct {
	reader mailboxReader
}

var _ source.Lister = (*Lister)(nil)

// NewLister creates a Lister for the mailbox described by cfg.
func NewLister(cfg model.MailboxConfig, password string) *Lister {
	return &Lister{
		reader: NewIMAPClient(cfg.Host, cfg.Port, cfg.Username, password, cfg.TLS, cfg.Mailbox),
	}
}

// Type returns the source type identifier for Email.
func (l *Lister) Type() source.SourceType {
	return source.SourceTypeEmail
}

// List returns every message of the mailbox.
func (l *Lister) List(ctx context.Context) ([]model.RemoteItem, error) {
	snap, err := l.reader.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	uids := make([]uint32, 0, len(snap.Flags))
	for uid := range snap.Flags {
		uids = append(uids, uid)
	}
	slices.Sort(uids)

	items := make([]model.RemoteItem, 0, len(uids))
	for _, uid := range uids {
		items = append(items, model.RemoteItem{
			RemoteID: remoteID(snap.UIDValidity, uid),
			Revision: flagRevision(snap.Flags[uid]),
		})
	}
	return items, nil
}

// Fetch returns payloads for the given remote ids. Ids from an older
// UIDVALIDITY and messages expunged since listing are omitted.
func (l *Lister) Fetch(ctx context.Context, remoteIDs []string) (map[string]model.Payload, error) {
	type key struct{ validity, uid uint32 }
	wanted := make(map[key]bool, len(remoteIDs))
	var uids []uint32
	for _, id := range remoteIDs {
		validity, uid, err := parseRemoteID(id)
		if err != nil {
			return nil, err
		}
		wanted[key{validity, uid}] = true
		uids = append(uids, uid)
	}

	validity, envelopes, err := l.reader.FetchEnvelopes(ctx, uids)
	if err != nil {
		return nil, err
	}

	out := make(map[string]model.Payload, len(envelopes))
	for _, env := range envelopes {
		if !wanted[key{validity, env.UID}] {
			continue
		}
		out[remoteID(validity, env.UID)] = envelopePayload(env)
	}
	return out, nil
}

// envelopePayload renders an envelope with the keys the email adapter
// maps.
func envelopePayload(env Envelope) model.Payload {
	p := model.Payload{
		"subject":    env.Subject,
		"from":       env.From,
		"to":         strings.Join(env.To, ", "),
		"cc":         strings.Join(env.Cc, ", "),
		"message_id": env.MessageID,
		"read":       slices.Contains(env.Flags, string(imap.FlagSeen)),
		"flagged":    slices.Contains(env.Flags, string(imap.FlagFlagged)),
	}
	if !env.Date.IsZero() {
		p["date"] = env.Date.UTC().Format(time.RFC3339)
	}
	if env.Body != "" {
		p["body"] = env.Body
	}
	return p
}

func remoteID(uidValidity, uid uint32) string {
	return fmt.Sprintf("%d:%d", uidValidity, uid)
}

func parseRemoteID(id string) (uint32, uint32, error) {
	validity, uid, ok := strings.Cut(id, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid message id %q", id)
	}
	v, err := strconv.ParseUint(validity, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid message id %q: %w", id, err)
	}
	u, err := strconv.ParseUint(uid, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid message id %q: %w", id, err)
	}
	return uint32(v), uint32(u), nil
}

// flagRevision hashes a flag set independently of its order.
func flagRevision(flags []string) int64 {
	sorted := make([]string, 0, len(flags))
	for _, f := range flags {
		sorted = append(sorted, strings.ToLower(f))
	}
	slices.Sort(sorted)

	h := fnv.New32a()
	for _, f := range sorted {
		_, _ = h.Write([]byte(f))
		_, _ = h.Write([]byte{0})
	}
	return int64(h.Sum32())
}
