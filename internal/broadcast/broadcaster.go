package broadcast

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/catalogsync/errs"
	"github.com/coachpo/catalogsync/internal/domain/schema"
	"github.com/coachpo/catalogsync/internal/infra/bus/eventbus"
	"github.com/coachpo/catalogsync/internal/infra/telemetry"
)

// Store is the record authority the broadcaster commits to.
type Store interface {
	Create(in schema.RecordInput) (schema.Record, error)
	Update(id string, in schema.RecordInput) (schema.Record, schema.Record, error)
	Delete(id string) (schema.Record, error)
	Get(id string) (schema.Record, error)
	List() []schema.Record
	Len() int
}

// Attachment is a live subscription paired with the snapshot taken at the same instant.
type Attachment struct {
	ID       eventbus.SubscriptionID
	Events   <-chan schema.Event
	Snapshot []schema.Record
}

// Option customises a Broadcaster.
type Option func(*Broadcaster)

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *Broadcaster) {
		if now != nil {
			b.now = now
		}
	}
}

// WithLogger sets the broadcaster logger.
func WithLogger(logger *log.Logger) Option {
	return func(b *Broadcaster) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// Broadcaster commits mutations and publishes exactly one event per successful commit.
// Commit and publish happen under one lock, so the order of published events equals the
// order of committed mutations.
type Broadcaster struct {
	mu     sync.Mutex
	store  Store
	bus    eventbus.Bus
	now    func() time.Time
	logger *log.Logger

	mutations metric.Int64Counter
}

// New wires a broadcaster over the given store and bus.
func New(store Store, bus eventbus.Bus, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		mu:     sync.Mutex{},
		store:  store,
		bus:    bus,
		now:    time.Now,
		logger: log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	meter := otel.Meter("broadcast")
	b.mutations, _ = meter.Int64Counter("broadcast.mutations",
		metric.WithDescription("Number of mutation attempts by outcome"),
		metric.WithUnit("{mutation}"))
	return b
}

// Create commits a new record and broadcasts its creation.
func (b *Broadcaster) Create(ctx context.Context, in schema.RecordInput) (schema.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, err := b.store.Create(in)
	if err != nil {
		b.record(ctx, "create", err)
		return schema.Record{}, err
	}
	b.record(ctx, "create", nil)
	b.publish(ctx, EventForCreate(rec, b.now()))
	b.logger.Printf("book added: %s by %s - broadcasting to %d sessions", rec.Title, rec.Author, b.bus.Subscribers())
	return rec, nil
}

// Update commits a replacement and broadcasts it with the prior version.
func (b *Broadcaster) Update(ctx context.Context, id string, in schema.RecordInput) (schema.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	next, prev, err := b.store.Update(id, in)
	if err != nil {
		b.record(ctx, "update", err)
		return schema.Record{}, err
	}
	b.record(ctx, "update", nil)
	b.publish(ctx, EventForUpdate(next, prev, b.now()))
	b.logger.Printf("book updated: %s by %s - broadcasting to %d sessions", next.Title, next.Author, b.bus.Subscribers())
	return next, nil
}

// Delete removes a record and broadcasts the removal.
func (b *Broadcaster) Delete(ctx context.Context, id string) (schema.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, err := b.store.Delete(id)
	if err != nil {
		b.record(ctx, "delete", err)
		return schema.Record{}, err
	}
	b.record(ctx, "delete", nil)
	b.publish(ctx, EventForDelete(rec, b.now()))
	b.logger.Printf("book deleted: %s - broadcasting to %d sessions", rec.Title, b.bus.Subscribers())
	return rec, nil
}

// List returns the current collection.
func (b *Broadcaster) List() []schema.Record {
	return b.store.List()
}

// Get returns one record.
func (b *Broadcaster) Get(id string) (schema.Record, error) {
	return b.store.Get(id)
}

// Attach subscribes to future events and captures the current snapshot atomically with
// respect to mutations: the first event on the channel is the first mutation after the snapshot.
func (b *Broadcaster) Attach(ctx context.Context) (Attachment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id, ch, err := b.bus.Subscribe(ctx)
	if err != nil {
		return Attachment{}, errs.New("broadcast/attach", errs.CodeUnavailable,
			errs.WithMessage("event bus unavailable"), errs.WithCause(err))
	}
	return Attachment{ID: id, Events: ch, Snapshot: b.store.List()}, nil
}

// Detach releases a subscription created by Attach.
func (b *Broadcaster) Detach(id eventbus.SubscriptionID) {
	b.bus.Unsubscribe(id)
}

// Resync realigns an attached consumer: pending events already reflected in the store are
// discarded and a fresh snapshot is returned. It reports false when the subscription was closed.
// Only the goroutine consuming events may call it.
func (b *Broadcaster) Resync(events <-chan schema.Event) ([]schema.Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return nil, false
			}
		default:
			return b.store.List(), true
		}
	}
}

func (b *Broadcaster) publish(ctx context.Context, evt schema.Event) {
	if err := b.bus.Publish(ctx, evt); err != nil {
		b.logger.Printf("publish %s event for %s: %v", evt.Kind, evt.Record.ID, err)
	}
}

func (b *Broadcaster) record(ctx context.Context, op string, err error) {
	if b.mutations == nil {
		return
	}
	result := "success"
	if err != nil {
		result = string(errs.CodeOf(err))
	}
	b.mutations.Add(ctx, 1, metric.WithAttributes(
		telemetry.OperationResultAttributes(telemetry.Environment(), "broadcast."+op, result)...))
}
