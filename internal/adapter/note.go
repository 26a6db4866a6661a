package adapter

import "github.com/nhle/entitysync/internal/model"

// Note body formats.
const (
	BodyTypePlain = "plain"
	BodyTypeHTML  = "html"
)

type noteAdapter struct {
	rootAdapter
}

// NewNote returns the adapter for notes. A body received without a type
// is stored as plain text.
func NewNote() Adapter {
	return &noteAdapter{rootAdapter{
		objType: model.ObjTypeNote,
		root:    Folder{ID: NotesRoot, Name: "Notes", Type: FolderTypeNotes},
		fields: fieldMap{
			{local: "name", remote: "subject"},
			{local: "body", remote: "body"},
			{local: "body_type", remote: "bodytype"},
			{local: "categories", remote: "categories"},
		},
	}}
}

func (a *noteAdapter) MapInboundPayload(p model.Payload, e *model.Entity) error {
	if err := a.fields.inbound(p, e); err != nil {
		return err
	}
	if _, ok := p["body"]; ok {
		if _, typed := p["bodytype"]; !typed {
			e.SetField("body_type", BodyTypePlain)
		}
	}
	if e.StringValue("body_type") != BodyTypeHTML && e.StringValue("body_type") != "" {
		e.SetField("body_type", BodyTypePlain)
	}
	return nil
}
