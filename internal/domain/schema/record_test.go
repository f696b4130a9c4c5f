package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/catalogsync/errs"
)

func TestRecordInputNormalizeTrimsAndDropsZeroYear(t *testing.T) {
	in := RecordInput{Title: "  Dune ", Author: " Herbert", ISBN: " 123 ", PublishedYear: Year(0), Genre: " SF "}
	out := in.Normalize()
	require.Equal(t, "Dune", out.Title)
	require.Equal(t, "Herbert", out.Author)
	require.Equal(t, "123", out.ISBN)
	require.Equal(t, "SF", out.Genre)
	require.Nil(t, out.PublishedYear)
}

func TestRecordInputValidate(t *testing.T) {
	cases := []struct {
		name  string
		input RecordInput
		ok    bool
	}{
		{name: "complete", input: RecordInput{Title: "Dune", Author: "Herbert", PublishedYear: Year(1965)}, ok: true},
		{name: "missing title", input: RecordInput{Author: "Herbert"}},
		{name: "missing author", input: RecordInput{Title: "Dune"}},
		{name: "whitespace only", input: RecordInput{Title: "  ", Author: "  "}},
		{name: "negative year", input: RecordInput{Title: "Dune", Author: "Herbert", PublishedYear: Year(-5)}},
		{name: "year too large", input: RecordInput{Title: "Dune", Author: "Herbert", PublishedYear: Year(10000)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.input.Normalize().Validate()
			if tc.ok {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.True(t, errs.Is(err, errs.CodeValidation))
		})
	}
}

func TestRecordCloneDetachesYear(t *testing.T) {
	rec := Record{ID: "a", PublishedYear: Year(1925)}
	clone := rec.Clone()
	*clone.PublishedYear = 2000
	require.Equal(t, 1925, *rec.PublishedYear)
	require.False(t, rec.Equal(clone))
}

func TestApplyKeepsIdentityAndTimestamps(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := Record{ID: "a", Title: "Old", Author: "X", ISBN: "1", Genre: "G", PublishedYear: Year(1900), CreatedAt: created, UpdatedAt: created}
	out := RecordInput{Title: "New", Author: "Y"}.Apply(rec)
	require.Equal(t, "a", out.ID)
	require.Equal(t, created, out.CreatedAt)
	require.Equal(t, "New", out.Title)
	require.Empty(t, out.ISBN)
	require.Empty(t, out.Genre)
	require.Nil(t, out.PublishedYear)
}

func TestDecodeMessageRejectsMalformedFrames(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"type":`))
	require.True(t, errs.Is(err, errs.CodeValidation))

	_, err = DecodeMessage([]byte(`{"type":"bogus"}`))
	require.True(t, errs.Is(err, errs.CodeValidation))

	_, err = DecodeMessage([]byte(`{"type":"event"}`))
	require.True(t, errs.Is(err, errs.CodeValidation))

	_, err = DecodeMessage([]byte(`{"type":"event","event":{"kind":"renamed","record":{"id":"a"}}}`))
	require.True(t, errs.Is(err, errs.CodeValidation))
}

func TestDecodeEmptySnapshotYieldsEmptyRecords(t *testing.T) {
	data, err := EncodeMessage(NewSnapshotMessage("s1", nil, time.Now()))
	require.NoError(t, err)
	msg, err := DecodeMessage(data)
	require.NoError(t, err)
	require.Equal(t, MessageSnapshot, msg.Type)
	require.NotNil(t, msg.Records)
	require.Empty(t, msg.Records)
	require.Equal(t, "s1", msg.SessionID)
}

func TestEventMessageCarriesPreviousRecord(t *testing.T) {
	prev := Record{ID: "a", Title: "Old", Author: "X"}
	evt := Event{Kind: EventUpdated, Record: Record{ID: "a", Title: "New", Author: "X"}, PreviousRecord: &prev, Message: "Book \"New\" has been updated", Timestamp: time.Now().UTC()}
	data, err := EncodeMessage(NewEventMessage(evt))
	require.NoError(t, err)
	msg, err := DecodeMessage(data)
	require.NoError(t, err)
	require.NotNil(t, msg.Event)
	require.Equal(t, EventUpdated, msg.Event.Kind)
	require.NotNil(t, msg.Event.PreviousRecord)
	require.Equal(t, "Old", msg.Event.PreviousRecord.Title)
}
