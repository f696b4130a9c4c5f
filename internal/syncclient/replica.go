package syncclient

import (
	"sync"
	"time"

	"github.com/coachpo/catalogsync/internal/domain/schema"
)

// Marker is the presentation hint attached to a recently changed record.
type Marker int

const (
	// MarkerNone means the record has not changed recently.
	MarkerNone Marker = iota
	// MarkerUpdated means the record was updated within the recency window.
	MarkerUpdated
	// MarkerCreated means the record was created within the recency window.
	MarkerCreated
)

func (m Marker) String() string {
	switch m {
	case MarkerCreated:
		return "new"
	case MarkerUpdated:
		return "updated"
	default:
		return ""
	}
}

// markerEntry is one scheduled marker. Expiry callbacks compare pointers, so a callback
// from a replaced or cleared entry is a no-op.
type markerEntry struct {
	timer Timer
}

// Replica is the viewer-local ordered copy of the catalog.
type Replica struct {
	mu      sync.Mutex
	order   []string
	byID    map[string]schema.Record
	created map[string]*markerEntry
	updated map[string]*markerEntry
	window  time.Duration
	clock   Clock
}

// NewReplica returns an empty replica whose markers expire after window.
func NewReplica(window time.Duration, clock Clock) *Replica {
	if clock == nil {
		clock = systemClock{}
	}
	return &Replica{
		byID:    make(map[string]schema.Record),
		created: make(map[string]*markerEntry),
		updated: make(map[string]*markerEntry),
		window:  window,
		clock:   clock,
	}
}

// Replace swaps the replica contents for a snapshot. Markers survive only for ids the
// snapshot still contains.
func (r *Replica) Replace(records []schema.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.order = make([]string, 0, len(records))
	r.byID = make(map[string]schema.Record, len(records))
	for _, rec := range records {
		if _, dup := r.byID[rec.ID]; dup {
			continue
		}
		r.order = append(r.order, rec.ID)
		r.byID[rec.ID] = rec.Clone()
	}
	for id := range r.created {
		if _, ok := r.byID[id]; !ok {
			r.clearLocked(r.created, id)
		}
	}
	for id := range r.updated {
		if _, ok := r.byID[id]; !ok {
			r.clearLocked(r.updated, id)
		}
	}
}

// ApplyCreated inserts the record at the front. It reports false when the id is already present.
func (r *Replica) ApplyCreated(rec schema.Record) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[rec.ID]; exists {
		return false
	}
	r.order = append([]string{rec.ID}, r.order...)
	r.byID[rec.ID] = rec.Clone()
	r.markLocked(r.created, rec.ID)
	return true
}

// ApplyUpdated replaces the record in place. It reports false when the id is unknown.
func (r *Replica) ApplyUpdated(rec schema.Record) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[rec.ID]; !exists {
		return false
	}
	r.byID[rec.ID] = rec.Clone()
	r.markLocked(r.updated, rec.ID)
	return true
}

// ApplyDeleted removes the record and its markers. It reports false when the id is unknown.
func (r *Replica) ApplyDeleted(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[id]; !exists {
		return false
	}
	delete(r.byID, id)
	for i, candidate := range r.order {
		if candidate == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.clearLocked(r.created, id)
	r.clearLocked(r.updated, id)
	return true
}

// Records returns a copy of the replica in display order.
func (r *Replica) Records() []schema.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]schema.Record, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id].Clone())
	}
	return out
}

// Get returns one record.
func (r *Replica) Get(id string) (schema.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[id]
	return rec.Clone(), ok
}

// Len returns the number of records.
func (r *Replica) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Marker returns the recency marker for id. Created takes precedence over updated.
func (r *Replica) Marker(id string) Marker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.created[id]; ok {
		return MarkerCreated
	}
	if _, ok := r.updated[id]; ok {
		return MarkerUpdated
	}
	return MarkerNone
}

// Reset empties the replica and cancels every pending marker.
func (r *Replica) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.created {
		r.clearLocked(r.created, id)
	}
	for id := range r.updated {
		r.clearLocked(r.updated, id)
	}
	r.order = nil
	r.byID = make(map[string]schema.Record)
}

func (r *Replica) markLocked(set map[string]*markerEntry, id string) {
	r.clearLocked(set, id)
	entry := &markerEntry{}
	set[id] = entry
	entry.timer = r.clock.AfterFunc(r.window, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if set[id] == entry {
			delete(set, id)
		}
	})
}

func (r *Replica) clearLocked(set map[string]*markerEntry, id string) {
	entry, ok := set[id]
	if !ok {
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(set, id)
}
