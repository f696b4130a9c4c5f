package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/catalogsync/errs"
	"github.com/coachpo/catalogsync/internal/broadcast"
	"github.com/coachpo/catalogsync/internal/domain/schema"
	"github.com/coachpo/catalogsync/internal/infra/bus/eventbus"
	httpserver "github.com/coachpo/catalogsync/internal/infra/server/http"
	"github.com/coachpo/catalogsync/internal/registry"
	"github.com/coachpo/catalogsync/internal/store"
	"github.com/coachpo/catalogsync/internal/syncclient"
)

func newAuthority(t *testing.T) *httptest.Server {
	t.Helper()
	n := 0
	st := store.New(store.WithIDGenerator(func() string { n++; return fmt.Sprintf("book-%d", n) }))
	require.NoError(t, st.Seed([]schema.RecordInput{
		{Title: "The Great Gatsby", Author: "F. Scott Fitzgerald", ISBN: "978-0-7432-7356-5", PublishedYear: schema.Year(1925), Genre: "Fiction"},
		{Title: "To Kill a Mockingbird", Author: "Harper Lee", ISBN: "978-0-06-112008-4", PublishedYear: schema.Year(1960), Genre: "Fiction"},
	}))
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{BufferSize: 32})
	bcast := broadcast.New(st, bus)
	reg := registry.New(bcast, registry.Config{})
	srv := httptest.NewServer(httpserver.NewHandler(bcast, reg, httpserver.Options{}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = reg.Close(ctx)
		srv.Close()
		bus.Close()
	})
	return srv
}

func TestNewRejectsInvalidBaseURL(t *testing.T) {
	for _, raw := range []string{"", "localhost:5000", "://nope"} {
		_, err := New(raw)
		require.True(t, errs.Is(err, errs.CodeValidation), raw)
	}
}

func TestWebsocketURL(t *testing.T) {
	c, err := New("http://localhost:5000/")
	require.NoError(t, err)
	require.Equal(t, "ws://localhost:5000/ws", c.WebsocketURL())

	c, err = New("https://catalog.example.com/base")
	require.NoError(t, err)
	require.Equal(t, "wss://catalog.example.com/base/ws", c.WebsocketURL())
}

func TestClientCRUD(t *testing.T) {
	srv := newAuthority(t)
	c, err := New(srv.URL)
	require.NoError(t, err)
	ctx := context.Background()

	books, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, books, 2)

	gatsby, err := c.Get(ctx, "book-1")
	require.NoError(t, err)
	require.Equal(t, "The Great Gatsby", gatsby.Title)

	dune, err := c.Create(ctx, schema.RecordInput{Title: "Dune", Author: "Frank Herbert", ISBN: "978-0441013593", PublishedYear: schema.Year(1965)})
	require.NoError(t, err)
	require.Equal(t, "book-3", dune.ID)

	updated, err := c.Update(ctx, dune.ID, schema.RecordInput{Title: "Dune (Revised)", Author: "Frank Herbert", ISBN: "978-0441013593"})
	require.NoError(t, err)
	require.Equal(t, "Dune (Revised)", updated.Title)
	require.Nil(t, updated.PublishedYear)

	deleted, err := c.Delete(ctx, dune.ID)
	require.NoError(t, err)
	require.Equal(t, "Dune (Revised)", deleted.Title)

	books, err = c.List(ctx)
	require.NoError(t, err)
	require.Len(t, books, 2)

	health, err := c.Health(ctx)
	require.NoError(t, err)
	require.Equal(t, "Server is running", health.Message)
	require.Zero(t, health.ConnectedClients)
}

func TestClientMapsErrorStatuses(t *testing.T) {
	srv := newAuthority(t)
	c, err := New(srv.URL)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = c.Get(ctx, "missing")
	require.True(t, errs.Is(err, errs.CodeNotFound))
	require.Equal(t, http.StatusNotFound, errs.HTTPStatus(err))

	_, err = c.Create(ctx, schema.RecordInput{Title: "No author"})
	require.True(t, errs.Is(err, errs.CodeValidation))
	require.Equal(t, "Title and author are required", errs.MessageOf(err))

	_, err = c.Create(ctx, schema.RecordInput{Title: "Copy", Author: "Someone", ISBN: "978-0-7432-7356-5"})
	require.True(t, errs.Is(err, errs.CodeConflict))

	_, err = c.Delete(ctx, "missing")
	require.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestReadRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"success":false,"message":"Something went wrong!"}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"data":[],"count":0}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)
	books, err := c.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, books)
	require.EqualValues(t, 3, calls.Load())
}

func TestReadGivesUpAfterTries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"success":false,"message":"Something went wrong!"}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, WithReadTries(2))
	require.NoError(t, err)
	_, err = c.List(context.Background())
	require.True(t, errs.Is(err, errs.CodeInternal))
	require.Equal(t, "Internal server error", errs.MessageOf(err))
	var e *errs.E
	require.True(t, errors.As(err, &e))
	require.Equal(t, http.StatusInternalServerError, e.HTTP)
	require.Equal(t, "Something went wrong!", e.Message)
	require.EqualValues(t, 2, calls.Load())
}

func TestWritesAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)
	_, err = c.Create(context.Background(), schema.RecordInput{Title: "A", Author: "B"})
	require.Error(t, err)
	require.EqualValues(t, 1, calls.Load())
}

func TestViewerFollowsMutations(t *testing.T) {
	srv := newAuthority(t)
	rest, err := New(srv.URL)
	require.NoError(t, err)

	viewer := syncclient.New(syncclient.NewWebsocketTransport(rest.WebsocketURL()))
	defer viewer.Close()
	require.NoError(t, viewer.Start(context.Background()))
	require.Eventually(t, func() bool {
		return viewer.Status().State == syncclient.StateConnected
	}, 2*time.Second, 5*time.Millisecond)
	require.Len(t, viewer.Records(), 2)

	ctx := context.Background()
	health, err := rest.Health(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, health.ConnectedClients)

	dune, err := rest.Create(ctx, schema.RecordInput{Title: "Dune", Author: "Frank Herbert"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		records := viewer.Records()
		return len(records) == 3 && records[0].ID == dune.ID
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, syncclient.MarkerCreated, viewer.Marker(dune.ID))

	_, err = rest.Delete(ctx, dune.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := viewer.Record(dune.ID)
		return !ok
	}, 2*time.Second, 5*time.Millisecond)

	note, ok := viewer.LastNotification()
	require.True(t, ok)
	require.Equal(t, `Book "Dune" has been deleted`, note.Message)
}
