package email

import "time"

// Envelope holds the envelope data of one IMAP message.
type Envelope struct {
	UID       uint32
	MessageID string
	Subject   string
	From      string
	To        []string
	Cc        []string
	Date      time.Time
	Flags     []string // \Seen, \Flagged, \Answered, \Deleted

	// Body is the plain-text rendering, empty unless requested.
	Body string
}

// MailboxSnapshot is the UID and flag listing of a selected mailbox.
type MailboxSnapshot struct {
	UIDValidity uint32
	Flags       map[uint32][]string
}
