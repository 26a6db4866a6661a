package sync

import (
	"errors"
	"fmt"
)

// Sentinels matched by the typed errors below through errors.Is.
var (
	ErrTransientStore    = errors.New("transient store failure")
	ErrVanishedEntity    = errors.New("entity vanished")
	ErrConflictingParent = errors.New("entity outside collection scope")
	ErrPartnerMissing    = errors.New("partner missing")

	// ErrStaleBatch marks an acknowledgement of a batch computed before
	// the collection was reset. Nothing is recorded; the partner must
	// take the new baseline.
	ErrStaleBatch = errors.New("batch predates collection reset")
)

// TransientStoreError wraps a failed fetch or save. The item is retried
// on the next cycle and no cursor moves.
type TransientStoreError struct {
	Op  string
	ID  string
	Err error
}

func (e *TransientStoreError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

func (e *TransientStoreError) Is(target error) bool { return target == ErrTransientStore }

// VanishedEntityError reports a logged change whose entity can no longer
// be loaded. The exporter demotes such changes to deletes.
type VanishedEntityError struct {
	ObjType string
	ID      string
}

func (e *VanishedEntityError) Error() string {
	return fmt.Sprintf("%s %s vanished", e.ObjType, e.ID)
}

func (e *VanishedEntityError) Is(target error) bool { return target == ErrVanishedEntity }

// ConflictingParentError reports an import addressing an entity that no
// longer falls inside the collection's scope, e.g. a message moved to
// another mailbox.
type ConflictingParentError struct {
	CollectionID string
	RemoteID     string
	LocalID      string
}

func (e *ConflictingParentError) Error() string {
	return fmt.Sprintf(
		"remote %s (local %s) is outside collection %s",
		e.RemoteID, e.LocalID, e.CollectionID,
	)
}

func (e *ConflictingParentError) Is(target error) bool { return target == ErrConflictingParent }

// PartnerMissingError aborts a request for a partner that is not
// registered. The partner must be configured again before retrying.
type PartnerMissingError struct {
	PartnerID string
}

func (e *PartnerMissingError) Error() string {
	return fmt.Sprintf("partner %s is not registered", e.PartnerID)
}

func (e *PartnerMissingError) Is(target error) bool { return target == ErrPartnerMissing }

// IsTransient reports whether err (or any error in its chain) is a
// TransientStoreError.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientStore)
}

// IsConflictingParent reports whether err is a ConflictingParentError.
func IsConflictingParent(err error) bool {
	return errors.Is(err, ErrConflictingParent)
}

// IsPartnerMissing reports whether err is a PartnerMissingError.
func IsPartnerMissing(err error) bool {
	return errors.Is(err, ErrPartnerMissing)
}

func transient(op, id string, err error) error {
	return &TransientStoreError{Op: op, ID: id, Err: err}
}
