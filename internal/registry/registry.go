// Package registry tracks live viewer sessions and streams snapshots and events to them.
package registry

import (
	"context"
	"errors"
	"io"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/coachpo/catalogsync/errs"
	"github.com/coachpo/catalogsync/internal/broadcast"
	"github.com/coachpo/catalogsync/internal/domain/schema"
	"github.com/coachpo/catalogsync/internal/infra/bus/eventbus"
	"github.com/coachpo/catalogsync/internal/infra/telemetry"
)

// Source supplies aligned snapshots and event subscriptions.
type Source interface {
	Attach(ctx context.Context) (broadcast.Attachment, error)
	Detach(id eventbus.SubscriptionID)
	Resync(events <-chan schema.Event) ([]schema.Record, bool)
}

// Config tunes per-session behaviour.
type Config struct {
	WriteTimeout  time.Duration
	PingInterval  time.Duration
	SnapshotRate  float64
	SnapshotBurst int
}

// DefaultConfig returns the session defaults used by catalogd.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:  5 * time.Second,
		PingInterval:  20 * time.Second,
		SnapshotRate:  1,
		SnapshotBurst: 3,
	}
}

func (c Config) normalise() Config {
	def := DefaultConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.SnapshotRate <= 0 {
		c.SnapshotRate = def.SnapshotRate
	}
	if c.SnapshotBurst <= 0 {
		c.SnapshotBurst = def.SnapshotBurst
	}
	return c
}

// SessionInfo describes a live session.
type SessionInfo struct {
	ID          string    `json:"id"`
	ConnectedAt time.Time `json:"connectedAt"`
}

type session struct {
	id          string
	connectedAt time.Time
	cancel      context.CancelFunc
}

// Registry owns the set of live sessions.
type Registry struct {
	cfg    Config
	source Source
	logger *log.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session
	closed   bool
	active   sync.WaitGroup

	sessionGauge    metric.Int64UpDownCounter
	framesCounter   metric.Int64Counter
	snapshotRecords metric.Int64Histogram
	sessionDuration metric.Float64Histogram
}

// Option customises a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *log.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides the timestamp source for frames.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// New constructs a registry over the given source.
func New(source Source, cfg Config, opts ...Option) *Registry {
	r := &Registry{
		cfg:      cfg.normalise(),
		source:   source,
		logger:   log.New(io.Discard, "", 0),
		now:      time.Now,
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	meter := otel.Meter("registry")
	r.sessionGauge, _ = meter.Int64UpDownCounter("registry.sessions",
		metric.WithDescription("Number of live viewer sessions"),
		metric.WithUnit("{session}"))
	r.framesCounter, _ = meter.Int64Counter("registry.frames.sent",
		metric.WithDescription("Number of frames written to sessions"),
		metric.WithUnit("{frame}"))
	r.snapshotRecords, _ = meter.Int64Histogram("registry.snapshot.records",
		metric.WithDescription("Records per snapshot frame"),
		metric.WithUnit("{record}"))
	r.sessionDuration, _ = meter.Float64Histogram("registry.session.duration",
		metric.WithDescription("Lifetime of viewer sessions"),
		metric.WithUnit("s"))
	return r
}

// Serve runs one session until the connection fails, the subscription is evicted,
// ctx is cancelled or the registry closes. The connection is closed on return.
func (r *Registry) Serve(ctx context.Context, conn Conn) error {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess := &session{id: ulid.Make().String(), connectedAt: r.now(), cancel: cancel}
	if err := r.register(sess); err != nil {
		_ = conn.Close("shutting down")
		return err
	}
	defer r.unregister(sess)

	att, err := r.source.Attach(sessCtx)
	if err != nil {
		_ = conn.Close("unavailable")
		return err
	}
	defer r.source.Detach(att.ID)

	r.logger.Printf("session connected: %s (%d live)", sess.id, r.Count())
	if err := r.writeSnapshot(sessCtx, conn, sess.id, att.Snapshot); err != nil {
		_ = conn.Close("write failed")
		return err
	}

	requests := make(chan struct{}, 1)
	limiter := rate.NewLimiter(rate.Limit(r.cfg.SnapshotRate), r.cfg.SnapshotBurst)

	errCh := make(chan error, 3)
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		errCh <- r.readLoop(sessCtx, conn, sess.id, limiter, requests)
	}()
	go func() {
		defer wg.Done()
		errCh <- r.writeLoop(sessCtx, conn, sess.id, att.Events, requests)
	}()
	go func() {
		defer wg.Done()
		errCh <- r.pingLoop(sessCtx, conn)
	}()

	firstErr := <-errCh
	cancel()
	_ = conn.Close("")
	wg.Wait()

	if firstErr != nil && !errors.Is(firstErr, context.Canceled) {
		r.logger.Printf("session disconnected: %s: %v", sess.id, firstErr)
		return firstErr
	}
	r.logger.Printf("session disconnected: %s", sess.id)
	return nil
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sessions lists live sessions ordered by connection time.
func (r *Registry) Sessions() []SessionInfo {
	r.mu.RLock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, SessionInfo{ID: sess.id, ConnectedAt: sess.connectedAt})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close disconnects every session and rejects new ones. It waits for sessions to
// finish until ctx expires.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	for _, sess := range r.sessions {
		sess.cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) register(sess *session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errs.New("registry/serve", errs.CodeUnavailable, errs.WithMessage("registry closed"))
	}
	r.sessions[sess.id] = sess
	r.active.Add(1)
	if r.sessionGauge != nil {
		r.sessionGauge.Add(context.Background(), 1, metric.WithAttributes(
			telemetry.ConnectionAttributes(telemetry.Environment(), "connected")...))
	}
	return nil
}

func (r *Registry) unregister(sess *session) {
	r.mu.Lock()
	delete(r.sessions, sess.id)
	r.mu.Unlock()
	r.active.Done()

	ctx := context.Background()
	if r.sessionGauge != nil {
		r.sessionGauge.Add(ctx, -1, metric.WithAttributes(
			telemetry.ConnectionAttributes(telemetry.Environment(), "connected")...))
	}
	if r.sessionDuration != nil {
		r.sessionDuration.Record(ctx, r.now().Sub(sess.connectedAt).Seconds(), metric.WithAttributes(
			telemetry.ConnectionAttributes(telemetry.Environment(), "closed")...))
	}
}

func (r *Registry) readLoop(ctx context.Context, conn Conn, id string, limiter *rate.Limiter, requests chan<- struct{}) error {
	// At most one over-limit request waits for tokens; later ones fold into it.
	var deferred atomic.Bool
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		msg, err := schema.DecodeMessage(data)
		if err != nil {
			r.logger.Printf("session %s: drop malformed frame: %v", id, err)
			continue
		}
		if msg.Type != schema.MessageRequestSnapshot {
			r.logger.Printf("session %s: ignore %s frame", id, msg.Type)
			continue
		}
		res := limiter.Reserve()
		delay := res.Delay()
		if delay == 0 {
			queueSnapshot(requests)
			continue
		}
		if !deferred.CompareAndSwap(false, true) {
			res.Cancel()
			continue
		}
		r.logger.Printf("session %s: snapshot request rate limited; deferred %s", id, delay)
		timer = time.AfterFunc(delay, func() {
			deferred.Store(false)
			queueSnapshot(requests)
		})
	}
}

func queueSnapshot(requests chan<- struct{}) {
	select {
	case requests <- struct{}{}:
	default:
		// A snapshot is already pending for this session.
	}
}

func (r *Registry) writeLoop(ctx context.Context, conn Conn, id string, events <-chan schema.Event, requests <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return errs.New("registry/session", errs.CodeUnavailable,
					errs.WithMessage("subscription closed"), errs.WithField("session", id))
			}
			if err := r.write(ctx, conn, schema.NewEventMessage(evt)); err != nil {
				return err
			}
		case <-requests:
			records, ok := r.source.Resync(events)
			if !ok {
				return errs.New("registry/session", errs.CodeUnavailable,
					errs.WithMessage("subscription closed"), errs.WithField("session", id))
			}
			if err := r.writeSnapshot(ctx, conn, id, records); err != nil {
				return err
			}
		}
	}
}

func (r *Registry) pingLoop(ctx context.Context, conn Conn) error {
	ticker := time.NewTicker(r.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, r.cfg.WriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func (r *Registry) writeSnapshot(ctx context.Context, conn Conn, id string, records []schema.Record) error {
	if r.snapshotRecords != nil {
		r.snapshotRecords.Record(ctx, int64(len(records)), metric.WithAttributes(
			telemetry.MessageAttributes(telemetry.Environment(), string(schema.MessageSnapshot))...))
	}
	return r.write(ctx, conn, schema.NewSnapshotMessage(id, records, r.now().UTC()))
}

func (r *Registry) write(ctx context.Context, conn Conn, msg schema.Message) error {
	data, err := schema.EncodeMessage(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, r.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, data); err != nil {
		return errs.New("registry/write", errs.CodeTransport, errs.WithCause(err))
	}
	if r.framesCounter != nil {
		r.framesCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.MessageAttributes(telemetry.Environment(), string(msg.Type))...))
	}
	return nil
}
