package model

import "time"

// ScopeKind distinguishes the variants of a collection scope.
type ScopeKind int

const (
	// ScopeNone tracks every entity of the collection's object type.
	ScopeNone ScopeKind = iota

	// ScopeFieldEquals tracks entities whose Field equals Value
	// (e.g. one mailbox of email messages).
	ScopeFieldEquals
)

// Scope narrows a collection to a subset of one object type.
type Scope struct {
	Kind  ScopeKind `json:"kind"`
	Field string    `json:"field,omitempty"`
	Value string    `json:"value,omitempty"`
}

// NoScope returns a scope matching every entity.
func NoScope() Scope {
	return Scope{Kind: ScopeNone}
}

// FieldEquals returns a scope matching entities whose field equals value.
func FieldEquals(field, value string) Scope {
	return Scope{Kind: ScopeFieldEquals, Field: field, Value: value}
}

// Matches reports whether the entity falls inside the scope.
func (s Scope) Matches(e *Entity) bool {
	if s.Kind != ScopeFieldEquals {
		return true
	}
	return e.StringValue(s.Field) == s.Value
}

// Apply sets the scoped field on e so that a newly created entity lands
// inside the scope.
func (s Scope) Apply(e *Entity) {
	if s.Kind == ScopeFieldEquals {
		e.SetField(s.Field, s.Value)
	}
}

// Condition is one clause of a collection filter.
type Condition struct {
	// BLogic joins this clause to the previous one ("and" or "or").
	BLogic string `json:"blogic"`

	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

// Condition operators.
const (
	OpEqual       = "is_equal"
	OpNotEqual    = "is_not_equal"
	OpGreaterThan = "is_greater"
	OpLessThan    = "is_less"
	OpContains    = "contains"
)

// Collection is a filtered view of one object type tracked for one partner.
// Exactly one exists per (partner, object type, scope).
type Collection struct {
	ID        string `json:"id" db:"id"`
	PartnerID string `json:"partner_id" db:"partner_id"`
	ObjType   string `json:"obj_type" db:"obj_type"`
	Scope     Scope  `json:"scope" db:"-"`

	// Filter is applied on top of Scope when enumerating and diffing.
	Filter []Condition `json:"filter,omitempty" db:"-"`

	// LastCommitID is the boundary commit of the last acknowledged export.
	LastCommitID int64 `json:"last_commit_id" db:"last_commit_id"`

	// Revision increments every time the cursor moves.
	Revision int64 `json:"revision" db:"revision"`

	// Generation increments on every reset. Sync state issued under an
	// earlier generation is stale.
	Generation int64 `json:"generation" db:"generation"`

	// Initialized is false until a full baseline export is acknowledged.
	Initialized bool `json:"initialized" db:"initialized"`

	LastSync  *time.Time `json:"last_sync,omitempty" db:"last_sync"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// Partner is a peer replica (typically one device) synchronizing against
// the server.
type Partner struct {
	// ID is the partner's own identifier (e.g. the device id).
	ID        string     `json:"id" db:"id"`
	AccountID string     `json:"account_id" db:"account_id"`
	OwnerID   string     `json:"owner_id" db:"owner_id"`
	LastSync  *time.Time `json:"last_sync,omitempty" db:"last_sync"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}
