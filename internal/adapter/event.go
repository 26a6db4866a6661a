package adapter

import "github.com/nhle/entitysync/internal/model"

// NewEvent returns the adapter for calendar events.
func NewEvent() Adapter {
	return &rootAdapter{
		objType: model.ObjTypeCalendarEvent,
		root:    Folder{ID: CalendarRoot, Name: "Calendar", Type: FolderTypeCalendar},
		fields: fieldMap{
			{local: "name", remote: "subject"},
			{local: "location", remote: "location"},
			{local: "notes", remote: "body"},
			{local: "ts_start", remote: "starttime"},
			{local: "ts_end", remote: "endtime"},
			{local: "all_day", remote: "alldayevent", kind: kindBool},
		},
	}
}
