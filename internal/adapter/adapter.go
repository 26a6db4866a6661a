// Package adapter maps device folders onto object types and translates
// between entity fields and partner-side payloads.
package adapter

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nhle/entitysync/internal/model"
)

// ErrUnknownFolder is returned when a folder id resolves to no adapter.
var ErrUnknownFolder = errors.New("unknown folder")

// Adapter is the per-object-type bridge between the entity store and a
// partner's representation of the same objects.
type Adapter interface {
	// ObjType returns the object type this adapter serves.
	ObjType() string

	// RootFolder describes the fixed device folder for this type, or nil
	// when the type is spread over several folders (e.g. mailboxes).
	RootFolder() *Folder

	// ScopeForFolder returns the scope that narrows the collection for
	// folderID.
	ScopeForFolder(folderID string) model.Scope

	// MapInboundPayload copies partner-provided values onto e. Keys absent
	// from p leave the corresponding fields untouched.
	MapInboundPayload(p model.Payload, e *model.Entity) error

	// MapOutboundSnapshot renders e for the partner.
	MapOutboundSnapshot(e *model.Entity) model.Payload
}

// ReadFlagger is implemented by adapters whose objects carry a read flag.
type ReadFlagger interface {
	ReadFlagPayload(read bool) model.Payload
}

// FolderType classifies device folders.
type FolderType string

const (
	FolderTypeContacts FolderType = "contacts"
	FolderTypeCalendar FolderType = "calendar"
	FolderTypeTasks    FolderType = "tasks"
	FolderTypeNotes    FolderType = "notes"
	FolderTypeMail     FolderType = "mail"
)

// Folder is one entry of the device folder hierarchy.
type Folder struct {
	ID       string     `json:"id"`
	ParentID string     `json:"parent_id,omitempty"`
	Name     string     `json:"name"`
	Type     FolderType `json:"type"`
}

// Binding is the resolution of a folder for one owner: which adapter maps
// it and which collection scope and filter it syncs.
type Binding struct {
	FolderID string
	Adapter  Adapter
	Scope    model.Scope
	Filter   []model.Condition
}

// Collection returns the collection template for partnerID.
func (b Binding) Collection(partnerID string) model.Collection {
	return model.Collection{
		PartnerID: partnerID,
		ObjType:   b.Adapter.ObjType(),
		Scope:     b.Scope,
		Filter:    b.Filter,
	}
}

// Registry resolves folder ids to adapters. Folders that match no root
// folder fall through to the fallback adapter, which scopes by folder.
type Registry struct {
	mu        sync.RWMutex
	roots     map[string]Adapter
	fallback  Adapter
	mailboxes map[string]Folder
}

// NewRegistry creates a registry from adapters. An adapter without a root
// folder becomes the fallback; only one is allowed.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{
		roots:     make(map[string]Adapter),
		mailboxes: make(map[string]Folder),
	}
	for _, a := range adapters {
		root := a.RootFolder()
		if root == nil {
			if r.fallback != nil {
				return nil, fmt.Errorf(
					"adapters %s and %s both lack a root folder",
					r.fallback.ObjType(), a.ObjType(),
				)
			}
			r.fallback = a
			continue
		}
		if _, dup := r.roots[root.ID]; dup {
			return nil, fmt.Errorf("duplicate root folder %q", root.ID)
		}
		r.roots[root.ID] = a
	}
	return r, nil
}

// DefaultRegistry returns a registry with every built-in adapter.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(NewTask(), NewContact(), NewEvent(), NewNote(), NewEmail())
	if err != nil {
		panic(err)
	}
	return r
}

// AddMailbox registers a mail folder served by the fallback adapter.
func (r *Registry) AddMailbox(f Folder) {
	if f.Type == "" {
		f.Type = FolderTypeMail
	}
	r.mu.Lock()
	r.mailboxes[f.ID] = f
	r.mu.Unlock()
}

// Resolve binds folderID for ownerID. Every binding filters to entities
// owned by ownerID.
func (r *Registry) Resolve(folderID, ownerID string) (Binding, error) {
	r.mu.RLock()
	a, ok := r.roots[folderID]
	fallback := r.fallback
	r.mu.RUnlock()

	if !ok {
		if fallback == nil || folderID == "" {
			return Binding{}, fmt.Errorf("folder %q: %w", folderID, ErrUnknownFolder)
		}
		a = fallback
	}

	b := Binding{
		FolderID: folderID,
		Adapter:  a,
		Scope:    a.ScopeForFolder(folderID),
	}
	if ownerID != "" {
		b.Filter = []model.Condition{{
			Field:    model.FieldOwnerID,
			Operator: model.OpEqual,
			Value:    ownerID,
		}}
	}
	return b, nil
}

// Folders returns the root folders followed by registered mailboxes,
// each group ordered by id.
func (r *Registry) Folders() []Folder {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Folder, 0, len(r.roots)+len(r.mailboxes))
	for _, a := range r.roots {
		out = append(out, *a.RootFolder())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	mail := make([]Folder, 0, len(r.mailboxes))
	for _, f := range r.mailboxes {
		mail = append(mail, f)
	}
	sort.Slice(mail, func(i, j int) bool { return mail[i].ID < mail[j].ID })

	return append(out, mail...)
}
