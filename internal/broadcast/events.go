// Package broadcast turns committed store mutations into events and publishes them.
package broadcast

import (
	"fmt"
	"time"

	"github.com/coachpo/catalogsync/internal/domain/schema"
)

// EventForCreate builds the event announcing a newly created record.
func EventForCreate(rec schema.Record, ts time.Time) schema.Event {
	return schema.Event{
		Kind:      schema.EventCreated,
		Record:    rec.Clone(),
		Message:   fmt.Sprintf("New book \"%s\" has been added", rec.Title),
		Timestamp: ts.UTC(),
	}
}

// EventForUpdate builds the event announcing a replaced record, carrying the prior version.
func EventForUpdate(next, prev schema.Record, ts time.Time) schema.Event {
	old := prev.Clone()
	return schema.Event{
		Kind:           schema.EventUpdated,
		Record:         next.Clone(),
		PreviousRecord: &old,
		Message:        fmt.Sprintf("Book \"%s\" has been updated", next.Title),
		Timestamp:      ts.UTC(),
	}
}

// EventForDelete builds the event announcing a removed record.
func EventForDelete(rec schema.Record, ts time.Time) schema.Event {
	return schema.Event{
		Kind:      schema.EventDeleted,
		Record:    rec.Clone(),
		Message:   fmt.Sprintf("Book \"%s\" has been deleted", rec.Title),
		Timestamp: ts.UTC(),
	}
}
