package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/catalogsync/errs"
	"github.com/coachpo/catalogsync/internal/domain/schema"
)

type stepClock struct {
	now  time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.now = c.now.Add(c.step)
	return c.now
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	clock := &stepClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), step: time.Second}
	seq := 0
	s := New(WithClock(clock.Now), WithIDGenerator(func() string {
		seq++
		return fmt.Sprintf("rec-%d", seq)
	}))
	require.NoError(t, s.Seed([]schema.RecordInput{
		{Title: "The Great Gatsby", Author: "F. Scott Fitzgerald", ISBN: "978-0-7432-7356-5", PublishedYear: schema.Year(1925), Genre: "Fiction"},
		{Title: "To Kill a Mockingbird", Author: "Harper Lee", ISBN: "978-0-06-112008-4", PublishedYear: schema.Year(1960), Genre: "Fiction"},
	}))
	return s
}

func requireSameList(t *testing.T, want, got []schema.Record) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		require.True(t, want[i].Equal(got[i]), "record %d differs: %+v vs %+v", i, want[i], got[i])
	}
}

func TestCreateAppendsWithTimestamps(t *testing.T) {
	s := newTestStore(t)
	rec, err := s.Create(schema.RecordInput{Title: "Dune", Author: "Herbert"})
	require.NoError(t, err)
	require.Equal(t, "rec-3", rec.ID)
	require.Equal(t, rec.CreatedAt, rec.UpdatedAt)
	require.Empty(t, rec.ISBN)
	require.Nil(t, rec.PublishedYear)

	list := s.List()
	require.Len(t, list, 3)
	require.Equal(t, "Dune", list[2].Title)
}

func TestRejectedMutationsLeaveStoreUnchanged(t *testing.T) {
	s := newTestStore(t)
	before := s.List()

	_, err := s.Create(schema.RecordInput{Title: "", Author: "Nobody"})
	require.True(t, errs.Is(err, errs.CodeValidation))

	_, err = s.Create(schema.RecordInput{Title: "Copy", Author: "Someone", ISBN: "978-0-7432-7356-5"})
	require.True(t, errs.Is(err, errs.CodeConflict))

	_, _, err = s.Update(before[0].ID, schema.RecordInput{Title: "Gatsby", Author: "F", ISBN: before[1].ISBN})
	require.True(t, errs.Is(err, errs.CodeConflict))

	_, _, err = s.Update(before[0].ID, schema.RecordInput{Title: "Gatsby"})
	require.True(t, errs.Is(err, errs.CodeValidation))

	_, _, err = s.Update("missing", schema.RecordInput{Title: "x", Author: "y"})
	require.True(t, errs.Is(err, errs.CodeNotFound))

	_, err = s.Delete("missing")
	require.True(t, errs.Is(err, errs.CodeNotFound))

	requireSameList(t, before, s.List())
}

func TestUpdatePreservesIdentityAndCreatedAt(t *testing.T) {
	s := newTestStore(t)
	created, err := s.Create(schema.RecordInput{Title: "Dune", Author: "Herbert"})
	require.NoError(t, err)

	next, prev, err := s.Update(created.ID, schema.RecordInput{Title: "Dune", Author: "Herbert", Genre: "Science Fiction"})
	require.NoError(t, err)
	require.Equal(t, created.ID, next.ID)
	require.Equal(t, created.CreatedAt, next.CreatedAt)
	require.True(t, next.UpdatedAt.After(created.UpdatedAt))
	require.Equal(t, "Science Fiction", next.Genre)
	require.True(t, prev.Equal(created))

	list := s.List()
	require.Equal(t, created.ID, list[2].ID, "update must not reorder")
}

func TestUpdateMayKeepItsOwnISBN(t *testing.T) {
	s := newTestStore(t)
	first := s.List()[0]
	_, _, err := s.Update(first.ID, schema.RecordInput{Title: "Gatsby", Author: first.Author, ISBN: first.ISBN})
	require.NoError(t, err)
}

func TestISBNReleasedAfterUpdateAndDelete(t *testing.T) {
	s := newTestStore(t)
	list := s.List()

	_, _, err := s.Update(list[0].ID, schema.RecordInput{Title: "Gatsby", Author: "F", ISBN: "new-isbn"})
	require.NoError(t, err)
	_, err = s.Create(schema.RecordInput{Title: "Reuse", Author: "A", ISBN: list[0].ISBN})
	require.NoError(t, err, "old isbn must be free after update")

	_, err = s.Delete(list[1].ID)
	require.NoError(t, err)
	_, err = s.Create(schema.RecordInput{Title: "Reuse 2", Author: "B", ISBN: list[1].ISBN})
	require.NoError(t, err, "isbn must be free after delete")
}

func TestEmptyISBNNeverConflicts(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(schema.RecordInput{Title: "A", Author: "A"})
	require.NoError(t, err)
	_, err = s.Create(schema.RecordInput{Title: "B", Author: "B", ISBN: "   "})
	require.NoError(t, err)
}

func TestUniquenessHoldsAcrossMutationSequences(t *testing.T) {
	s := newTestStore(t)
	isbns := []string{"a", "b", "c", "a", "", "b"}
	for i, isbn := range isbns {
		_, _ = s.Create(schema.RecordInput{Title: fmt.Sprintf("t%d", i), Author: "x", ISBN: isbn})
	}
	list := s.List()
	for i, rec := range list {
		_, _, _ = s.Update(rec.ID, schema.RecordInput{Title: rec.Title, Author: rec.Author, ISBN: isbns[i%len(isbns)]})
	}
	seen := make(map[string]string)
	for _, rec := range s.List() {
		if rec.ISBN == "" {
			continue
		}
		owner, dup := seen[rec.ISBN]
		require.False(t, dup, "isbn %q shared by %s and %s", rec.ISBN, owner, rec.ID)
		seen[rec.ISBN] = rec.ID
	}
}

func TestDeleteRemovesAndReturnsRecord(t *testing.T) {
	s := newTestStore(t)
	first := s.List()[0]
	held := s.byID[first.ID].PublishedYear
	removed, err := s.Delete(first.ID)
	require.NoError(t, err)
	require.True(t, removed.Equal(first))
	require.NotSame(t, held, removed.PublishedYear)
	require.Equal(t, 1, s.Len())

	_, err = s.Get(first.ID)
	require.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestListReturnsDefensiveCopy(t *testing.T) {
	s := newTestStore(t)
	list := s.List()
	list[0].Title = "mutated"
	*list[0].PublishedYear = 1

	fresh := s.List()
	require.Equal(t, "The Great Gatsby", fresh[0].Title)
	require.Equal(t, 1925, *fresh[0].PublishedYear)

	got, err := s.Get(fresh[0].ID)
	require.NoError(t, err)
	got.Title = "also mutated"
	require.Equal(t, "The Great Gatsby", s.List()[0].Title)
}

func TestUpdatedAtNeverPrecedesCreatedAt(t *testing.T) {
	ticks := []time.Time{
		time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	i := 0
	s := New(WithClock(func() time.Time {
		ts := ticks[i]
		if i < len(ticks)-1 {
			i++
		}
		return ts
	}))
	rec, err := s.Create(schema.RecordInput{Title: "A", Author: "B"})
	require.NoError(t, err)
	next, _, err := s.Update(rec.ID, schema.RecordInput{Title: "A2", Author: "B"})
	require.NoError(t, err)
	require.False(t, next.UpdatedAt.Before(next.CreatedAt))
}

func TestSeedRejectsInvalidInput(t *testing.T) {
	s := New()
	err := s.Seed([]schema.RecordInput{{Title: "ok", Author: "ok"}, {Title: "missing author"}})
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeValidation))
}
