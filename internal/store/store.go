// Package store provides the authoritative in-memory record collection.
package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/catalogsync/errs"
	"github.com/coachpo/catalogsync/internal/domain/schema"
)

// Store is an insertion-ordered, in-memory record collection. Every operation is atomic:
// a rejected call leaves the collection untouched.
type Store struct {
	mu     sync.RWMutex
	order  []string
	byID   map[string]schema.Record
	byISBN map[string]string

	now   func() time.Time
	newID func() string
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides record id generation.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// New constructs an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		mu:     sync.RWMutex{},
		order:  make([]string, 0, 16),
		byID:   make(map[string]schema.Record),
		byISBN: make(map[string]string),
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Seed loads the process-start record set through the same rules as Create.
func (s *Store) Seed(inputs []schema.RecordInput) error {
	for i, in := range inputs {
		if _, err := s.Create(in); err != nil {
			return fmt.Errorf("seed record %d: %w", i, err)
		}
	}
	return nil
}

// Create validates and appends a new record.
func (s *Store) Create(input schema.RecordInput) (schema.Record, error) {
	in := input.Normalize()
	if err := in.Validate(); err != nil {
		return schema.Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkISBNLocked("store/create", in.ISBN, ""); err != nil {
		return schema.Record{}, err
	}
	id := s.newID()
	if _, exists := s.byID[id]; exists {
		return schema.Record{}, errs.New("store/create", errs.CodeInternal,
			errs.WithMessage("generated id collides with an existing record"), errs.WithField("id", id))
	}

	now := s.now().UTC()
	rec := in.Apply(schema.Record{ID: id, CreatedAt: now, UpdatedAt: now})

	s.order = append(s.order, id)
	s.byID[id] = rec
	if rec.ISBN != "" {
		s.byISBN[rec.ISBN] = id
	}
	return rec.Clone(), nil
}

// Update replaces the mutable fields of an existing record and returns the new and prior versions.
func (s *Store) Update(id string, input schema.RecordInput) (schema.Record, schema.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.byID[id]
	if !ok {
		return schema.Record{}, schema.Record{}, notFound("store/update", id)
	}
	in := input.Normalize()
	if err := in.Validate(); err != nil {
		return schema.Record{}, schema.Record{}, err
	}
	if err := s.checkISBNLocked("store/update", in.ISBN, id); err != nil {
		return schema.Record{}, schema.Record{}, err
	}

	next := in.Apply(prev)
	next.UpdatedAt = s.now().UTC()
	if next.UpdatedAt.Before(next.CreatedAt) {
		next.UpdatedAt = next.CreatedAt
	}

	if prev.ISBN != "" {
		delete(s.byISBN, prev.ISBN)
	}
	if next.ISBN != "" {
		s.byISBN[next.ISBN] = id
	}
	s.byID[id] = next
	return next.Clone(), prev.Clone(), nil
}

// Delete removes a record and returns it.
func (s *Store) Delete(id string) (schema.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return schema.Record{}, notFound("store/delete", id)
	}
	for i, candidate := range s.order {
		if candidate == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	delete(s.byID, id)
	if rec.ISBN != "" {
		delete(s.byISBN, rec.ISBN)
	}
	return rec.Clone(), nil
}

// Get returns a copy of the record with the given id.
func (s *Store) Get(id string) (schema.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return schema.Record{}, notFound("store/get", id)
	}
	return rec.Clone(), nil
}

// List returns a defensive copy of the full collection in insertion order.
func (s *Store) List() []schema.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]schema.Record, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id].Clone())
	}
	return out
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

func (s *Store) checkISBNLocked(op, isbn, selfID string) error {
	if isbn == "" {
		return nil
	}
	owner, taken := s.byISBN[isbn]
	if !taken || owner == selfID {
		return nil
	}
	return errs.New(op, errs.CodeConflict,
		errs.WithMessage("Book with this ISBN already exists"),
		errs.WithField("isbn", isbn))
}

func notFound(op, id string) error {
	return errs.New(op, errs.CodeNotFound, errs.WithMessage("Book not found"), errs.WithField("id", id))
}
