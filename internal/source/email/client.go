package email

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/entitysync/internal/source"
)

// IMAPClient wraps go-imap v2 for reading one mailbox of an IMAP server.
// Every call opens its own connection.
type IMAPClient struct {
	host     string
	port     string
	username string
	password string
	tls      bool
	mailbox  string
}

// NewIMAPClient creates a new IMAP client configuration.
func NewIMAPClient(
	host, port, username, password string, tls bool, mailbox string,
) *IMAPClient {
	if mailbox == "" {
		mailbox = "INBOX"
	}
	return &IMAPClient{
		host:     host,
		port:     port,
		username: username,
		password: password,
		tls:      tls,
		mailbox:  mailbox,
	}
}

// Connect establishes a connection to the IMAP server, authenticates,
// and returns the connected client. The caller is responsible for
// calling Logout/Close on the returned client.
func (c *IMAPClient) Connect(
	_ context.Context,
) (*imapclient.Client, error) {
	addr := c.host + ":" + c.port

	var client *imapclient.Client
	var err error

	if c.tls {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if err := client.Login(c.username, c.password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, &source.AuthError{
			SourceType: source.SourceTypeEmail,
			Message: fmt.Sprintf(
				"authentication failed for %s: %v",
				c.username, err,
			),
		}
	}

	return client, nil
}

// open connects and selects the configured mailbox.
func (c *IMAPClient) open(
	ctx context.Context,
) (*imapclient.Client, uint32, error) {
	client, err := c.Connect(ctx)
	if err != nil {
		return nil, 0, err
	}

	data, err := client.Select(c.mailbox, nil).Wait()
	if err != nil {
		_ = client.Logout().Wait()
		return nil, 0, fmt.Errorf("selecting %s: %w", c.mailbox, err)
	}

	return client, data.UIDValidity, nil
}

// Snapshot lists the UID and flags of every message in the mailbox.
func (c *IMAPClient) Snapshot(ctx context.Context) (MailboxSnapshot, error) {
	client, uidValidity, err := c.open(ctx)
	if err != nil {
		return MailboxSnapshot{}, err
	}
	defer func() { _ = client.Logout().Wait() }()

	snap := MailboxSnapshot{
		UIDValidity: uidValidity,
		Flags:       make(map[uint32][]string),
	}

	searchData, err := client.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return MailboxSnapshot{}, fmt.Errorf("searching %s: %w", c.mailbox, err)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return snap, nil
	}

	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		Flags: true,
		UID:   true,
	})
	defer fetchCmd.Close()

	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			continue
		}

		flags := make([]string, 0, len(buf.Flags))
		for _, f := range buf.Flags {
			flags = append(flags, string(f))
		}
		snap.Flags[uint32(buf.UID)] = flags
	}

	if err := fetchCmd.Close(); err != nil {
		return MailboxSnapshot{}, fmt.Errorf("fetching flags: %w", err)
	}

	return snap, nil
}

// FetchEnvelopes returns the envelopes and plain-text bodies of the given
// UIDs, together with the mailbox's current UIDVALIDITY. UIDs that no
// longer exist are omitted.
func (c *IMAPClient) FetchEnvelopes(
	ctx context.Context, uids []uint32,
) (uint32, []Envelope, error) {
	client, uidValidity, err := c.open(ctx)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	if len(uids) == 0 {
		return uidValidity, nil, nil
	}

	set := make([]imap.UID, 0, len(uids))
	for _, uid := range uids {
		set = append(set, imap.UID(uid))
	}

	bodySection := &imap.FetchItemBodySection{
		Peek: true,
	}

	fetchCmd := client.Fetch(imap.UIDSetNum(set...), &imap.FetchOptions{
		Envelope:    true,
		Flags:       true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	var envelopes []Envelope
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			continue
		}

		env := envelopeFromBuffer(buf)
		if raw := buf.FindBodySection(bodySection); raw != nil {
			env.Body = textBody(raw)
		}
		envelopes = append(envelopes, env)
	}

	if err := fetchCmd.Close(); err != nil {
		return 0, nil, fmt.Errorf("fetching envelopes: %w", err)
	}

	return uidValidity, envelopes, nil
}

// envelopeFromBuffer extracts an Envelope from a FetchMessageBuffer.
func envelopeFromBuffer(buf *imapclient.FetchMessageBuffer) Envelope {
	env := Envelope{
		UID: uint32(buf.UID),
	}

	if buf.Envelope != nil {
		env.MessageID = buf.Envelope.MessageID
		env.Subject = buf.Envelope.Subject
		env.Date = buf.Envelope.Date

		if len(buf.Envelope.From) > 0 {
			from := buf.Envelope.From[0]
			if from.Name != "" {
				env.From = from.Name
			} else {
				env.From = from.Addr()
			}
		}

		for _, to := range buf.Envelope.To {
			env.To = append(env.To, to.Addr())
		}
		for _, cc := range buf.Envelope.Cc {
			env.Cc = append(env.Cc, cc.Addr())
		}
	}

	for _, flag := range buf.Flags {
		env.Flags = append(env.Flags, string(flag))
	}

	return env
}
