package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/nhle/entitysync/internal/model"
)

// AuthError indicates that authentication has failed or expired for a
// remote replica.
type AuthError struct {
	SourceType SourceType
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.SourceType, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// SourceType identifies the kind of remote replica.
type SourceType string

const (
	SourceTypeEmail SourceType = "email"
)

// Lister is a remote replica that can enumerate everything it holds.
// Its listing is diffed against import records to find what changed.
type Lister interface {
	// Type returns the source type identifier.
	Type() SourceType

	// List returns every item with its current remote revision.
	List(ctx context.Context) ([]model.RemoteItem, error)

	// Fetch returns payloads for the given remote ids. Ids that no longer
	// exist are omitted from the result.
	Fetch(ctx context.Context, remoteIDs []string) (map[string]model.Payload, error)
}
