package adapter

import "github.com/nhle/entitysync/internal/model"

// FieldMailboxID scopes email messages to one mailbox folder.
const FieldMailboxID = "mailbox_id"

type emailAdapter struct {
	fields fieldMap
}

// NewEmail returns the adapter for email messages. It has no root folder:
// every folder not claimed by another adapter is treated as a mailbox.
func NewEmail() Adapter {
	return &emailAdapter{fields: fieldMap{
		{local: "subject", remote: "subject"},
		{local: "sent_from", remote: "from"},
		{local: "send_to", remote: "to"},
		{local: "cc", remote: "cc"},
		{local: "message_date", remote: "date"},
		{local: "message_id", remote: "message_id"},
		{local: "flag_seen", remote: "read", kind: kindBool},
		{local: "flag_flagged", remote: "flagged", kind: kindBool},
		{local: "body", remote: "body"},
	}}
}

func (a *emailAdapter) ObjType() string { return model.ObjTypeEmailMessage }

func (a *emailAdapter) RootFolder() *Folder { return nil }

func (a *emailAdapter) ScopeForFolder(folderID string) model.Scope {
	return model.FieldEquals(FieldMailboxID, folderID)
}

func (a *emailAdapter) MapInboundPayload(p model.Payload, e *model.Entity) error {
	return a.fields.inbound(p, e)
}

func (a *emailAdapter) MapOutboundSnapshot(e *model.Entity) model.Payload {
	return a.fields.outbound(e)
}

// ReadFlagPayload returns the partial payload that sets the seen flag.
func (a *emailAdapter) ReadFlagPayload(read bool) model.Payload {
	return model.Payload{"read": read}
}
