package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/catalogsync/errs"
	"github.com/coachpo/catalogsync/internal/domain/schema"
	"github.com/coachpo/catalogsync/internal/infra/telemetry"
)

// MemoryBus is an in-memory implementation of the event bus.
type MemoryBus struct {
	cfg MemoryConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[SubscriptionID]*subscriber
	shutdownOnce sync.Once
	nextID       uint64

	eventsPublishedCounter metric.Int64Counter
	subscriberGauge        metric.Int64UpDownCounter
	fanoutHistogram        metric.Int64Histogram
	publishDuration        metric.Float64Histogram
	evictionCounter        metric.Int64Counter
}

type subscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	kinds  map[schema.EventKind]struct{}

	mu     sync.Mutex
	ch     chan schema.Event
	closed bool
}

// NewMemoryBus constructs a memory-backed event bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	bus := new(MemoryBus)
	bus.cfg = cfg
	bus.ctx = ctx
	bus.cancel = cancel
	bus.subscribers = make(map[SubscriptionID]*subscriber)

	meter := otel.Meter("eventbus")
	bus.eventsPublishedCounter, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of events published to the bus"),
		metric.WithUnit("{event}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	bus.fanoutHistogram, _ = meter.Int64Histogram("eventbus.fanout.size",
		metric.WithDescription("Number of subscribers per fanout"),
		metric.WithUnit("{subscriber}"))
	bus.publishDuration, _ = meter.Float64Histogram("eventbus.publish.duration",
		metric.WithDescription("Latency of eventbus publish operations"),
		metric.WithUnit("ms"))
	bus.evictionCounter, _ = meter.Int64Counter("eventbus.subscribers.evicted",
		metric.WithDescription("Number of subscribers evicted due to backpressure"),
		metric.WithUnit("{subscriber}"))

	return bus
}

// Publish fans the event out to every matching subscriber.
func (b *MemoryBus) Publish(ctx context.Context, evt schema.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := evt.Kind.Validate(); err != nil {
		return errs.New("eventbus/publish", errs.CodeValidation, errs.WithMessage("event kind required"), errs.WithCause(err))
	}
	if b.ctx.Err() != nil {
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}

	start := time.Now()
	result := "success"
	defer func() {
		if b.publishDuration != nil {
			attrs := telemetry.OperationResultAttributes(telemetry.Environment(), "eventbus.publish", result)
			attrs = append(attrs, telemetry.AttrEventKind.String(string(evt.Kind)))
			b.publishDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000, metric.WithAttributes(attrs...))
		}
	}()

	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subscribers))
	ids := make([]SubscriptionID, 0, len(b.subscribers))
	for id, sub := range b.subscribers {
		if sub.wants(evt.Kind) {
			targets = append(targets, sub)
			ids = append(ids, id)
		}
	}
	b.mu.RUnlock()

	if b.fanoutHistogram != nil {
		b.fanoutHistogram.Record(ctx, int64(len(targets)), metric.WithAttributes(
			telemetry.EventAttributes(telemetry.Environment(), string(evt.Kind))...))
	}
	if len(targets) == 0 {
		result = "no_subscribers"
		return nil
	}

	evicted := b.dispatch(targets, ids, evt)
	for _, id := range evicted {
		b.evict(ctx, id, evt.Kind)
	}
	if len(evicted) > 0 {
		result = "evicted"
	}

	if b.eventsPublishedCounter != nil {
		b.eventsPublishedCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.EventAttributes(telemetry.Environment(), string(evt.Kind))...))
	}
	return nil
}

// Subscribe registers for events and returns a subscription ID and channel. With no kinds
// the subscription receives every event.
func (b *MemoryBus) Subscribe(ctx context.Context, kinds ...schema.EventKind) (SubscriptionID, <-chan schema.Event, error) {
	for _, kind := range kinds {
		if err := kind.Validate(); err != nil {
			return "", nil, err
		}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if b.ctx.Err() != nil {
		return "", nil, errs.New("eventbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	ctx, cancel := context.WithCancel(ctx)

	sub := new(subscriber)
	sub.ctx = ctx
	sub.cancel = cancel
	sub.ch = make(chan schema.Event, b.cfg.BufferSize)
	if len(kinds) > 0 {
		sub.kinds = make(map[schema.EventKind]struct{}, len(kinds))
		for _, kind := range kinds {
			sub.kinds[kind] = struct{}{}
		}
	}

	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))

	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(ctx, 1, metric.WithAttributes(attribute.String("environment", telemetry.Environment())))
	}

	go b.observe(id, sub)
	return id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes the channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	if sub := b.remove(id); sub != nil {
		sub.close()
	}
}

// Subscribers returns the number of live subscriptions.
func (b *MemoryBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		subs := b.subscribers
		b.subscribers = make(map[SubscriptionID]*subscriber)
		b.mu.Unlock()
		for _, sub := range subs {
			sub.close()
		}
	})
}

func (b *MemoryBus) observe(id SubscriptionID, sub *subscriber) {
	<-sub.ctx.Done()
	b.mu.Lock()
	if stored, ok := b.subscribers[id]; ok && stored == sub {
		delete(b.subscribers, id)
		if b.subscriberGauge != nil {
			b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(attribute.String("environment", telemetry.Environment())))
		}
	}
	b.mu.Unlock()
	sub.close()
}

func (b *MemoryBus) remove(id SubscriptionID) *subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subscribers[id]
	if !ok {
		return nil
	}
	delete(b.subscribers, id)
	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(attribute.String("environment", telemetry.Environment())))
	}
	return sub
}

// dispatch delivers the event to each target and returns the ids that overflowed.
func (b *MemoryBus) dispatch(targets []*subscriber, ids []SubscriptionID, evt schema.Event) []SubscriptionID {
	p := concpool.New().WithMaxGoroutines(b.cfg.FanoutWorkers)
	overflow := make([]bool, len(targets))

	for idx := range targets {
		i := idx
		p.Go(func() {
			overflow[i] = !targets[i].deliver(evt.Clone())
		})
	}
	p.Wait()

	var evicted []SubscriptionID
	for i, full := range overflow {
		if full {
			evicted = append(evicted, ids[i])
		}
	}
	return evicted
}

func (b *MemoryBus) evict(ctx context.Context, id SubscriptionID, kind schema.EventKind) {
	sub := b.remove(id)
	if sub == nil {
		return
	}
	sub.close()
	b.cfg.Logger.Printf("subscriber %s buffer full; evicted on %s event", id, kind)
	if b.evictionCounter != nil {
		b.evictionCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.ErrorAttributes(telemetry.Environment(), string(errs.CodeUnavailable), "buffer_full")...))
	}
	if b.cfg.OnEvict != nil {
		b.cfg.OnEvict(id)
	}
}

func (s *subscriber) wants(kind schema.EventKind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

// deliver enqueues without blocking. It reports false only when the buffer is full.
func (s *subscriber) deliver(evt schema.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- evt:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()
	close(s.ch)
}
