package adapter

import "github.com/nhle/entitysync/internal/model"

// NewContact returns the adapter for personal contacts.
func NewContact() Adapter {
	return &rootAdapter{
		objType: model.ObjTypeContact,
		root:    Folder{ID: ContactsRoot, Name: "Contacts", Type: FolderTypeContacts},
		fields: fieldMap{
			{local: "first_name", remote: "firstname"},
			{local: "last_name", remote: "lastname"},
			{local: "middle_name", remote: "middlename"},
			{local: "email", remote: "email1address"},
			{local: "email2", remote: "email2address"},
			{local: "phone_cell", remote: "mobilephonenumber"},
			{local: "phone_home", remote: "homephonenumber"},
			{local: "phone_work", remote: "businessphonenumber"},
			{local: "company", remote: "companyname"},
			{local: "job_title", remote: "jobtitle"},
			{local: "birthday", remote: "birthday"},
			{local: "notes", remote: "body"},
		},
	}
}
