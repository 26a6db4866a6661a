package adapter

import "github.com/nhle/entitysync/internal/model"

// Root folder ids of the fixed device folders.
const (
	TasksRoot    = "tasks_root"
	ContactsRoot = "contacts_root"
	CalendarRoot = "calendar_root"
	NotesRoot    = "notes_root"
)

// NewTask returns the adapter for tasks.
func NewTask() Adapter {
	return &rootAdapter{
		objType: model.ObjTypeTask,
		root:    Folder{ID: TasksRoot, Name: "Tasks", Type: FolderTypeTasks},
		fields: fieldMap{
			{local: "name", remote: "subject"},
			{local: "notes", remote: "body"},
			{local: "start_date", remote: "startdate"},
			{local: "deadline", remote: "duedate"},
			{local: "date_completed", remote: "datecompleted"},
			{local: "done", remote: "complete", kind: kindBool},
			{local: "priority", remote: "importance", kind: kindNumber},
		},
	}
}
