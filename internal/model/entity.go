package model

import (
	"fmt"
	"strconv"
	"time"
)

// Object type identifiers handled by the sync engine.
const (
	ObjTypeContact       = "contact"
	ObjTypeCalendarEvent = "calendar_event"
	ObjTypeTask          = "task"
	ObjTypeNote          = "note"
	ObjTypeEmailMessage  = "email_message"
)

// Built-in field names resolvable on every entity in addition to Fields.
const (
	FieldID        = "id"
	FieldOwnerID   = "owner_id"
	FieldCreatorID = "creator_id"
)

// Fields holds the type-specific values of an entity, keyed by field name.
type Fields map[string]any

// Payload is the partner-side representation of an entity: a flat
// property bag produced and consumed by the per-type sync adapters.
type Payload map[string]any

// Entity is a business object in the account-wide store.
type Entity struct {
	// ID is the unique identifier, assigned on first save.
	ID string `json:"id" db:"id"`

	// AccountID scopes the entity and its commit sequence.
	AccountID string `json:"account_id" db:"account_id"`

	// ObjType is the object type identifier (use ObjType* constants).
	ObjType string `json:"obj_type" db:"obj_type"`

	// Revision increases by one on every persisted mutation.
	Revision int64 `json:"revision" db:"revision"`

	OwnerID   string `json:"owner_id" db:"owner_id"`
	CreatorID string `json:"creator_id" db:"creator_id"`

	// Deleted marks a soft-deleted entity. Tombstones keep their fields.
	Deleted bool `json:"deleted" db:"deleted"`

	// CommitID is the account+type scoped commit assigned at the last mutation.
	CommitID int64 `json:"commit_id" db:"commit_id"`

	Fields Fields `json:"fields" db:"-"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Value resolves a field by name, consulting the built-in columns first.
func (e *Entity) Value(name string) (any, bool) {
	switch name {
	case FieldID:
		return e.ID, true
	case FieldOwnerID:
		return e.OwnerID, true
	case FieldCreatorID:
		return e.CreatorID, true
	}
	v, ok := e.Fields[name]
	return v, ok
}

// StringValue returns the named field rendered as a string, or "" when unset.
func (e *Entity) StringValue(name string) string {
	v, ok := e.Value(name)
	if !ok || v == nil {
		return ""
	}
	return Stringify(v)
}

// SetField sets a type-specific field, allocating Fields if needed.
func (e *Entity) SetField(name string, value any) {
	if e.Fields == nil {
		e.Fields = make(Fields)
	}
	e.Fields[name] = value
}

// Clone returns a copy of the entity whose Fields map can be mutated
// without affecting the original.
func (e *Entity) Clone() Entity {
	out := *e
	if e.Fields != nil {
		out.Fields = make(Fields, len(e.Fields))
		for k, v := range e.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

// Stringify renders a field value for comparison against string
// condition values. JSON numbers decode as float64, so integral floats
// render without a fractional part.
func Stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
