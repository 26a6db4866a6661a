package adapter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nhle/entitysync/internal/model"
)

type valueKind int

const (
	kindText valueKind = iota
	kindBool
	kindNumber
)

// fieldMapping pairs an entity field with its payload key.
type fieldMapping struct {
	local  string
	remote string
	kind   valueKind
}

type fieldMap []fieldMapping

// inbound copies every mapped payload key present in p onto e.
func (m fieldMap) inbound(p model.Payload, e *model.Entity) error {
	for _, f := range m {
		raw, ok := p[f.remote]
		if !ok {
			continue
		}
		v, err := coerce(raw, f.kind)
		if err != nil {
			return fmt.Errorf("mapping %s: %w", f.remote, err)
		}
		e.SetField(f.local, v)
	}
	return nil
}

// outbound renders every mapped field that is set on e.
func (m fieldMap) outbound(e *model.Entity) model.Payload {
	p := make(model.Payload, len(m))
	for _, f := range m {
		if v, ok := e.Value(f.local); ok && v != nil {
			p[f.remote] = v
		}
	}
	return p
}

func coerce(v any, kind valueKind) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch kind {
	case kindBool:
		return toBool(v)
	case kindNumber:
		return toNumber(v)
	default:
		return model.Stringify(v), nil
	}
}

// toBool accepts booleans and the 0/1 integers device protocols use.
func toBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case int:
		return t != 0, nil
	case int64:
		return t != 0, nil
	case float64:
		return t != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "yes":
			return true, nil
		case "0", "false", "no", "":
			return false, nil
		}
	}
	return false, fmt.Errorf("invalid boolean %v", v)
}

func toNumber(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number %q", t)
		}
		return f, nil
	}
	return 0, fmt.Errorf("invalid number %v", v)
}

// rootAdapter serves one object type held in a single fixed folder.
type rootAdapter struct {
	objType string
	root    Folder
	fields  fieldMap
}

func (a *rootAdapter) ObjType() string { return a.objType }

func (a *rootAdapter) RootFolder() *Folder {
	f := a.root
	return &f
}

func (a *rootAdapter) ScopeForFolder(string) model.Scope { return model.NoScope() }

func (a *rootAdapter) MapInboundPayload(p model.Payload, e *model.Entity) error {
	return a.fields.inbound(p, e)
}

func (a *rootAdapter) MapOutboundSnapshot(e *model.Entity) model.Payload {
	return a.fields.outbound(e)
}
