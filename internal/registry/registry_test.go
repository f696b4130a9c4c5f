package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/catalogsync/errs"
	"github.com/coachpo/catalogsync/internal/broadcast"
	"github.com/coachpo/catalogsync/internal/domain/schema"
	"github.com/coachpo/catalogsync/internal/infra/bus/eventbus"
	"github.com/coachpo/catalogsync/internal/store"
)

var errConnClosed = errors.New("conn closed")

// pipeConn is an in-memory Conn: the test writes viewer frames to in and reads server frames from out.
type pipeConn struct {
	in   chan []byte
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{in: make(chan []byte, 8), out: make(chan []byte, 64), done: make(chan struct{})}
}

func (c *pipeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, errConnClosed
	case data := <-c.in:
		return data, nil
	}
}

func (c *pipeConn) Write(ctx context.Context, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errConnClosed
	case c.out <- data:
		return nil
	}
}

func (c *pipeConn) Ping(context.Context) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
		return nil
	}
}

func (c *pipeConn) Close(string) error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *pipeConn) frame(t *testing.T) schema.Message {
	t.Helper()
	select {
	case data := <-c.out:
		msg, err := schema.DecodeMessage(data)
		require.NoError(t, err)
		return msg
	case <-time.After(time.Second):
		require.FailNow(t, "timeout waiting for frame")
	}
	return schema.Message{}
}

func (c *pipeConn) send(t *testing.T, msg schema.Message) {
	t.Helper()
	data, err := schema.EncodeMessage(msg)
	require.NoError(t, err)
	c.in <- data
}

type fixture struct {
	reg   *Registry
	bcast *broadcast.Broadcaster
	bus   *eventbus.MemoryBus
}

func newFixture(t *testing.T, cfg Config, bufferSize int) *fixture {
	t.Helper()
	n := 0
	st := store.New(store.WithIDGenerator(func() string { n++; return fmt.Sprintf("rec-%d", n) }))
	require.NoError(t, st.Seed([]schema.RecordInput{
		{Title: "The Great Gatsby", Author: "F. Scott Fitzgerald"},
		{Title: "To Kill a Mockingbird", Author: "Harper Lee"},
	}))
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{BufferSize: bufferSize})
	t.Cleanup(bus.Close)
	bcast := broadcast.New(st, bus)
	return &fixture{reg: New(bcast, cfg), bcast: bcast, bus: bus}
}

func (f *fixture) serve(t *testing.T, conn Conn) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- f.reg.Serve(context.Background(), conn) }()
	return done
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			require.FailNow(t, "condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServeSendsHandshakeSnapshotThenEvents(t *testing.T) {
	f := newFixture(t, Config{}, 16)
	conn := newPipeConn()
	done := f.serve(t, conn)

	snap := conn.frame(t)
	require.Equal(t, schema.MessageSnapshot, snap.Type)
	require.Len(t, snap.Records, 2)
	require.Equal(t, 2, snap.Count)
	require.NotEmpty(t, snap.SessionID)
	require.Equal(t, 1, f.reg.Count())
	require.Equal(t, snap.SessionID, f.reg.Sessions()[0].ID)

	_, err := f.bcast.Create(context.Background(), schema.RecordInput{Title: "Dune", Author: "Herbert"})
	require.NoError(t, err)

	evt := conn.frame(t)
	require.Equal(t, schema.MessageEvent, evt.Type)
	require.Equal(t, schema.EventCreated, evt.Event.Kind)
	require.Equal(t, "Dune", evt.Event.Record.Title)

	require.NoError(t, conn.Close(""))
	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		require.FailNow(t, "serve did not return")
	}
	waitFor(t, func() bool { return f.reg.Count() == 0 })
	waitFor(t, func() bool { return f.bus.Subscribers() == 0 })
}

func TestServeBroadcastsToEverySession(t *testing.T) {
	f := newFixture(t, Config{}, 16)
	a, b := newPipeConn(), newPipeConn()
	f.serve(t, a)
	f.serve(t, b)
	a.frame(t)
	b.frame(t)
	waitFor(t, func() bool { return f.reg.Count() == 2 })

	rec, err := f.bcast.Create(context.Background(), schema.RecordInput{Title: "Dune", Author: "Herbert"})
	require.NoError(t, err)
	_, err = f.bcast.Delete(context.Background(), rec.ID)
	require.NoError(t, err)

	for _, conn := range []*pipeConn{a, b} {
		require.Equal(t, schema.EventCreated, conn.frame(t).Event.Kind)
		require.Equal(t, schema.EventDeleted, conn.frame(t).Event.Kind)
	}
	require.NoError(t, a.Close(""))
	require.NoError(t, b.Close(""))
}

func TestSnapshotRequestIsServedInOrder(t *testing.T) {
	f := newFixture(t, Config{SnapshotRate: 100, SnapshotBurst: 5}, 16)
	conn := newPipeConn()
	f.serve(t, conn)
	conn.frame(t)

	_, err := f.bcast.Create(context.Background(), schema.RecordInput{Title: "Dune", Author: "Herbert"})
	require.NoError(t, err)
	require.Equal(t, schema.MessageEvent, conn.frame(t).Type)

	conn.send(t, schema.NewSnapshotRequest(time.Now()))
	snap := conn.frame(t)
	require.Equal(t, schema.MessageSnapshot, snap.Type)
	require.Len(t, snap.Records, 3)
	require.NoError(t, conn.Close(""))
}

func TestSnapshotRequestsAreRateLimited(t *testing.T) {
	f := newFixture(t, Config{SnapshotRate: 5, SnapshotBurst: 1}, 16)
	conn := newPipeConn()
	f.serve(t, conn)
	conn.frame(t)

	conn.send(t, schema.NewSnapshotRequest(time.Now()))
	require.Equal(t, schema.MessageSnapshot, conn.frame(t).Type)

	// Over the limit: the first extra request is deferred, the second folds into it.
	start := time.Now()
	conn.send(t, schema.NewSnapshotRequest(time.Now()))
	conn.send(t, schema.NewSnapshotRequest(time.Now()))
	require.Equal(t, schema.MessageSnapshot, conn.frame(t).Type)
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	select {
	case <-conn.out:
		require.FailNow(t, "coalesced request produced a second frame")
	case <-time.After(150 * time.Millisecond):
	}
	require.NoError(t, conn.Close(""))
}

func TestMalformedFramesAreIgnored(t *testing.T) {
	f := newFixture(t, Config{}, 16)
	conn := newPipeConn()
	done := f.serve(t, conn)
	conn.frame(t)

	conn.in <- []byte("{not json")
	conn.send(t, schema.Message{Type: schema.MessageSnapshot})

	_, err := f.bcast.Create(context.Background(), schema.RecordInput{Title: "Dune", Author: "Herbert"})
	require.NoError(t, err)
	require.Equal(t, schema.MessageEvent, conn.frame(t).Type)

	select {
	case err := <-done:
		require.FailNowf(t, "session ended", "%v", err)
	default:
	}
	require.NoError(t, conn.Close(""))
}

func TestSlowSessionIsEvictedWithoutBlockingOthers(t *testing.T) {
	f := newFixture(t, Config{WriteTimeout: 100 * time.Millisecond}, 1)
	slow := newPipeConn()
	slow.out = make(chan []byte, 1)
	fast := newPipeConn()

	slowDone := f.serve(t, slow)
	slow.frame(t)
	f.serve(t, fast)
	fast.frame(t)
	waitFor(t, func() bool { return f.reg.Count() == 2 })

	// The slow session's writer blocks on its full outbound pipe while events pile up.
	slow.out <- []byte("filler")
	for i := 0; i < 5; i++ {
		_, err := f.bcast.Create(context.Background(), schema.RecordInput{Title: fmt.Sprintf("t%d", i), Author: "a"})
		require.NoError(t, err)
		require.Equal(t, schema.MessageEvent, fast.frame(t).Type)
	}

	select {
	case err := <-slowDone:
		require.True(t, errs.Is(err, errs.CodeUnavailable) || errs.Is(err, errs.CodeTransport), "got %v", err)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "slow session was not evicted")
	}
	waitFor(t, func() bool { return f.reg.Count() == 1 })
	require.NoError(t, fast.Close(""))
}

func TestCloseDisconnectsSessionsAndRejectsNewOnes(t *testing.T) {
	f := newFixture(t, Config{}, 16)
	conn := newPipeConn()
	done := f.serve(t, conn)
	conn.frame(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.reg.Close(ctx))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		require.FailNow(t, "serve did not return")
	}
	require.Equal(t, 0, f.reg.Count())

	err := f.reg.Serve(context.Background(), newPipeConn())
	require.True(t, errs.Is(err, errs.CodeUnavailable))
}
