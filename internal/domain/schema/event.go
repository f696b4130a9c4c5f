// Package schema defines the record, event and wire message types shared by the
// authority and its viewers.
package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/coachpo/catalogsync/errs"
)

// EventKind classifies a committed mutation.
type EventKind string

const (
	// EventCreated marks a newly created record.
	EventCreated EventKind = "created"
	// EventUpdated marks a replaced record.
	EventUpdated EventKind = "updated"
	// EventDeleted marks a removed record.
	EventDeleted EventKind = "deleted"
)

// Validate ensures the kind is one of the known mutation kinds.
func (k EventKind) Validate() error {
	switch k {
	case EventCreated, EventUpdated, EventDeleted:
		return nil
	default:
		return errs.New("schema/event-kind", errs.CodeValidation,
			errs.WithMessage(fmt.Sprintf("unknown event kind %q", strings.TrimSpace(string(k)))))
	}
}

// Event describes one committed mutation. Events are ephemeral and carry no sequence number.
type Event struct {
	Kind           EventKind `json:"kind"`
	Record         Record    `json:"record"`
	PreviousRecord *Record   `json:"previousRecord,omitempty"`
	Message        string    `json:"message"`
	Timestamp      time.Time `json:"timestamp"`
}

// Clone returns a deep copy of the event.
func (e Event) Clone() Event {
	clone := e
	clone.Record = e.Record.Clone()
	if e.PreviousRecord != nil {
		prev := e.PreviousRecord.Clone()
		clone.PreviousRecord = &prev
	}
	return clone
}

// Validate checks structural requirements of an inbound event.
func (e Event) Validate() error {
	if err := e.Kind.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(e.Record.ID) == "" {
		return errs.New("schema/event", errs.CodeValidation, errs.WithMessage("event record id required"))
	}
	return nil
}
