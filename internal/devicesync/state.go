package devicesync

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nhle/entitysync/internal/adapter"
	"github.com/nhle/entitysync/internal/model"
	"github.com/nhle/entitysync/internal/sync"
)

// ErrInvalidState is returned for a state token that cannot be decoded,
// belongs to another collection or predates a reset of the collection.
// The device must resync the folder.
var ErrInvalidState = errors.New("invalid sync state")

// Progress reports how far a stepwise export has come.
type Progress struct {
	Steps    int `json:"steps"`
	Progress int `json:"progress"`
}

// sentChange is the part of an exported change kept in a state token.
type sentChange struct {
	ID       string       `json:"id"`
	Action   model.Action `json:"a"`
	CommitID int64        `json:"c"`
}

// exportState is what a device carries between requests for one folder:
// the last batch handed to it and how much of it was delivered.
type exportState struct {
	PartnerID    string       `json:"p"`
	CollectionID string       `json:"col"`
	Generation   int64        `json:"g,omitempty"`
	Boundary     int64        `json:"b"`
	Baseline     bool         `json:"bl,omitempty"`
	Truncated    bool         `json:"t,omitempty"`
	Changes      []sentChange `json:"ch,omitempty"`
	Delivered    int          `json:"n"`
}

func newExportState(b sync.Batch, delivered int) exportState {
	st := exportState{
		PartnerID:    b.PartnerID,
		CollectionID: b.CollectionID,
		Generation:   b.Generation,
		Boundary:     b.Boundary,
		Baseline:     b.Baseline,
		Truncated:    b.Truncated,
		Delivered:    delivered,
	}
	for _, ch := range b.Changes {
		st.Changes = append(st.Changes, sentChange{ID: ch.ID, Action: ch.Action, CommitID: ch.CommitID})
	}
	return st
}

// batch rebuilds the acknowledged batch without snapshots.
func (st exportState) batch() sync.Batch {
	b := sync.Batch{
		PartnerID:    st.PartnerID,
		CollectionID: st.CollectionID,
		Generation:   st.Generation,
		Boundary:     st.Boundary,
		Baseline:     st.Baseline,
		Truncated:    st.Truncated,
	}
	for _, ch := range st.Changes {
		b.Changes = append(b.Changes, model.Change{ID: ch.ID, Action: ch.Action, CommitID: ch.CommitID})
	}
	return b
}

// importState pins the collection, and its generation, an importer
// writes to.
type importState struct {
	CollectionID string `json:"col"`
	Generation   int64  `json:"g,omitempty"`
}

// hierarchyState is the folder list last delivered to a device.
type hierarchyState struct {
	Folders []adapter.Folder `json:"folders"`
}

func encodeState(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// decodeState fills v from token. An empty token leaves v untouched.
func decodeState(token string, v any) error {
	if token == "" {
		return nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return nil
}
