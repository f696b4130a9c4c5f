package schema

import (
	"strings"
	"time"

	"github.com/coachpo/catalogsync/errs"
)

const (
	minPublishedYear = 1
	maxPublishedYear = 9999
)

// Record is a single catalog entry.
type Record struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Author        string    `json:"author"`
	ISBN          string    `json:"isbn"`
	PublishedYear *int      `json:"publishedYear"`
	Genre         string    `json:"genre"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	clone := r
	if r.PublishedYear != nil {
		year := *r.PublishedYear
		clone.PublishedYear = &year
	}
	return clone
}

// Equal reports whether two records carry identical content and timestamps.
func (r Record) Equal(other Record) bool {
	if r.ID != other.ID || r.Title != other.Title || r.Author != other.Author ||
		r.ISBN != other.ISBN || r.Genre != other.Genre {
		return false
	}
	if !r.CreatedAt.Equal(other.CreatedAt) || !r.UpdatedAt.Equal(other.UpdatedAt) {
		return false
	}
	switch {
	case r.PublishedYear == nil && other.PublishedYear == nil:
		return true
	case r.PublishedYear == nil || other.PublishedYear == nil:
		return false
	default:
		return *r.PublishedYear == *other.PublishedYear
	}
}

// CloneRecords deep-copies a record slice. A nil input yields an empty, non-nil slice.
func CloneRecords(records []Record) []Record {
	out := make([]Record, len(records))
	for i, rec := range records {
		out[i] = rec.Clone()
	}
	return out
}

// RecordInput carries the caller-supplied mutable fields of a record.
type RecordInput struct {
	Title         string `json:"title"`
	Author        string `json:"author"`
	ISBN          string `json:"isbn,omitempty"`
	PublishedYear *int   `json:"publishedYear,omitempty"`
	Genre         string `json:"genre,omitempty"`
}

// Normalize trims string fields and treats a zero year as absent.
func (in RecordInput) Normalize() RecordInput {
	out := RecordInput{
		Title:         strings.TrimSpace(in.Title),
		Author:        strings.TrimSpace(in.Author),
		ISBN:          strings.TrimSpace(in.ISBN),
		PublishedYear: nil,
		Genre:         strings.TrimSpace(in.Genre),
	}
	if in.PublishedYear != nil && *in.PublishedYear != 0 {
		year := *in.PublishedYear
		out.PublishedYear = &year
	}
	return out
}

// Validate checks required fields and value ranges. Call on a normalized input.
func (in RecordInput) Validate() error {
	if in.Title == "" || in.Author == "" {
		return errs.New("schema/record", errs.CodeValidation,
			errs.WithMessage("Title and author are required"))
	}
	if in.PublishedYear != nil {
		year := *in.PublishedYear
		if year < minPublishedYear || year > maxPublishedYear {
			return errs.New("schema/record", errs.CodeValidation,
				errs.WithMessage("Published year is out of range"),
				errs.WithRemediation("use a year between 1 and 9999 or omit it"))
		}
	}
	return nil
}

// Apply copies the input's mutable fields onto a record, leaving identity and timestamps alone.
func (in RecordInput) Apply(rec Record) Record {
	out := rec.Clone()
	out.Title = in.Title
	out.Author = in.Author
	out.ISBN = in.ISBN
	out.Genre = in.Genre
	out.PublishedYear = nil
	if in.PublishedYear != nil {
		year := *in.PublishedYear
		out.PublishedYear = &year
	}
	return out
}

// Year is a convenience for building optional years.
func Year(y int) *int {
	return &y
}
