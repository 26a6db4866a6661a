// Package credential keeps mailbox passwords in the OS keyring.
package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "entitysync"

// ErrNotFound is returned when no password is stored for a mailbox.
var ErrNotFound = errors.New("credential not found")

// Store reads and writes mailbox passwords.
type Store struct {
	ring keyring.Keyring
}

// Open opens the system keyring, falling back to an encrypted file.
func Open() (*Store, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/entitysync/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("entitysync-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return NewStore(ring), nil
}

// NewStore wraps an already opened keyring.
func NewStore(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

// MailboxKey returns the keyring key holding a mailbox password.
func MailboxKey(mailboxID string) string {
	return "mailbox:" + mailboxID + ":password"
}

// MailboxPassword returns the stored password of a mailbox.
func (s *Store) MailboxPassword(mailboxID string) (string, error) {
	key := MailboxKey(mailboxID)
	item, err := s.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("password for mailbox %s: %w", mailboxID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

// SetMailboxPassword stores the password of a mailbox.
func (s *Store) SetMailboxPassword(mailboxID, password string) error {
	key := MailboxKey(mailboxID)
	err := s.ring.Set(keyring.Item{
		Key:         key,
		Data:        []byte(password),
		Label:       "entitysync mailbox " + mailboxID,
		Description: "IMAP password",
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}

// DeleteMailboxPassword removes a mailbox password. Removing a missing
// password is not an error.
func (s *Store) DeleteMailboxPassword(mailboxID string) error {
	key := MailboxKey(mailboxID)
	err := s.ring.Remove(key)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}
	return nil
}
