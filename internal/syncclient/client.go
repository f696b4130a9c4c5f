// Package syncclient keeps a viewer-local replica of the catalog in sync with the authority
// over a real-time channel, reconnecting with a bounded number of attempts.
package syncclient

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/catalogsync/errs"
	"github.com/coachpo/catalogsync/internal/domain/schema"
)

const (
	defaultMaxAttempts      = 5
	defaultReconnectDelay   = time.Second
	defaultRecencyWindow    = 3 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
)

// Option customises a Client.
type Option func(*Client)

// WithMaxAttempts bounds automatic reconnection attempts per outage.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithReconnectDelay sets the fixed wait before each reconnection attempt.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.reconnectDelay = d
		}
	}
}

// WithRecencyWindow sets how long created/updated markers stay on a record.
func WithRecencyWindow(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.recencyWindow = d
		}
	}
}

// WithHandshakeTimeout bounds the wait for the initial snapshot after dialing.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.handshakeTimeout = d
		}
	}
}

// WithWriteTimeout bounds outbound frame writes.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the clock used for recency markers and outbound timestamps.
func WithClock(clock Clock) Option {
	return func(c *Client) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// Client owns a Replica and the connection state machine that feeds it. A single goroutine
// owns the connection, so at most one attempt is ever in flight.
type Client struct {
	transport        Transport
	maxAttempts      int
	reconnectDelay   time.Duration
	recencyWindow    time.Duration
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	logger           *log.Logger
	clock            Clock

	replica  *Replica
	handlers *handlerRegistry

	reconnectCh chan struct{}

	mu               sync.Mutex
	status           Status
	conn             Conn
	lastNotification *Notification
	started          bool
	closed           bool
	cancel           context.CancelFunc
	done             chan struct{}
}

// New constructs a client over transport. Call Start to begin connecting.
func New(transport Transport, opts ...Option) *Client {
	c := &Client{
		transport:        transport,
		maxAttempts:      defaultMaxAttempts,
		reconnectDelay:   defaultReconnectDelay,
		recencyWindow:    defaultRecencyWindow,
		handshakeTimeout: defaultHandshakeTimeout,
		writeTimeout:     defaultWriteTimeout,
		logger:           log.New(io.Discard, "", 0),
		clock:            systemClock{},
		reconnectCh:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.replica = NewReplica(c.recencyWindow, c.clock)
	c.handlers = newHandlerRegistry(c.logger)
	c.status = Status{State: StateDisconnected, MaxAttempts: c.maxAttempts}
	return c
}

// On registers a handler for topic.
func (c *Client) On(topic Topic, fn Handler) HandlerID {
	return c.handlers.add(topic, fn)
}

// Off removes a handler. It reports whether the handler was registered.
func (c *Client) Off(id HandlerID) bool {
	return c.handlers.remove(id)
}

// Start launches the connection goroutine. The client stops when ctx is cancelled or Close is called.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errs.New("syncclient/start", errs.CodeUnavailable, errs.WithMessage("client closed"))
	}
	if c.started {
		return errs.New("syncclient/start", errs.CodeValidation, errs.WithMessage("client already started"))
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx, c.done)
	return nil
}

// Reconnect restarts the connection cycle after automatic attempts were exhausted.
func (c *Client) Reconnect() error {
	c.mu.Lock()
	state := c.status.State
	c.mu.Unlock()
	if state != StateReconnectFailed {
		return errs.New("syncclient/reconnect", errs.CodeValidation,
			errs.WithMessage("reconnect is only available after automatic attempts are exhausted"),
			errs.WithField("state", state.String()))
	}
	select {
	case c.reconnectCh <- struct{}{}:
	default:
	}
	return nil
}

// RequestSnapshot asks the authority for a fresh snapshot on the open connection.
func (c *Client) RequestSnapshot(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	state := c.status.State
	c.mu.Unlock()
	if conn == nil || state != StateConnected {
		return errs.New("syncclient/request-snapshot", errs.CodeUnavailable, errs.WithMessage("not connected"))
	}
	data, err := schema.EncodeMessage(schema.NewSnapshotRequest(c.clock.Now().UTC()))
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, data)
}

// Close stops the client, closes the connection, cancels pending markers and removes every handler.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, done, conn := c.cancel, c.done, c.conn
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
	c.handlers.clear()
	c.replica.Reset()

	c.mu.Lock()
	c.status = Status{State: StateDisconnected, MaxAttempts: c.maxAttempts}
	c.mu.Unlock()
	return nil
}

// Status returns the current connection status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Records returns a copy of the replica in display order.
func (c *Client) Records() []schema.Record {
	return c.replica.Records()
}

// Record returns one replica record.
func (c *Client) Record(id string) (schema.Record, bool) {
	return c.replica.Get(id)
}

// Marker returns the recency marker of a replica record.
func (c *Client) Marker(id string) Marker {
	return c.replica.Marker(id)
}

// LastNotification returns the message of the most recent event.
func (c *Client) LastNotification() (Notification, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastNotification == nil {
		return Notification{}, false
	}
	n := *c.lastNotification
	n.Record = n.Record.Clone()
	return n, true
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() { c.setStatus(Status{State: StateDisconnected, Err: ctx.Err()}) }()

	c.setStatus(Status{State: StateConnecting})
	conn, err := c.connect(ctx)
	for {
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = c.serve(ctx, conn)
			if ctx.Err() != nil {
				return
			}
			c.logger.Printf("connection lost: %v", err)
		} else {
			c.logger.Printf("connect failed: %v", err)
		}
		c.setStatus(Status{State: StateDisconnected, Err: err})

		conn, err = c.reconnect(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		c.logger.Printf("giving up after %d attempts: %v", c.maxAttempts, err)
		c.setStatus(Status{State: StateReconnectFailed, Attempt: c.maxAttempts, Err: err})
		if !c.awaitReconnect(ctx) {
			return
		}
		c.setStatus(Status{State: StateConnecting})
		conn, err = c.connect(ctx)
	}
}

// reconnect makes up to maxAttempts attempts, waiting the fixed delay before each one.
func (c *Client) reconnect(ctx context.Context) (Conn, error) {
	delays := backoff.NewConstantBackOff(c.reconnectDelay)
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		c.setStatus(Status{State: StateReconnecting, Attempt: attempt, Err: lastErr})
		wait := delays.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		conn, err := c.connect(ctx)
		if err == nil {
			return conn, nil
		}
		c.logger.Printf("reconnect attempt %d/%d failed: %v", attempt, c.maxAttempts, err)
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errs.New("syncclient/reconnect", errs.CodeTransport, errs.WithMessage("reconnect attempts exhausted"))
	}
	return nil, lastErr
}

func (c *Client) awaitReconnect(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.reconnectCh:
		return true
	}
}

// connect dials and waits for the handshake snapshot, which replaces the replica wholesale.
func (c *Client) connect(ctx context.Context) (Conn, error) {
	conn, err := c.transport.Dial(ctx)
	if err != nil {
		return nil, asTransportError("syncclient/dial", err)
	}
	return c.connectWith(ctx, conn)
}

// connectWith runs the handshake on an already dialed connection and closes it on failure.
func (c *Client) connectWith(ctx context.Context, conn Conn) (Conn, error) {
	hsCtx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	data, err := conn.Read(hsCtx)
	cancel()
	if err != nil {
		_ = conn.Close()
		return nil, asTransportError("syncclient/handshake", err)
	}
	msg, err := schema.DecodeMessage(data)
	if err != nil || msg.Type != schema.MessageSnapshot {
		_ = conn.Close()
		return nil, errs.New("syncclient/handshake", errs.CodeTransport,
			errs.WithMessage("expected snapshot as first frame"), errs.WithCause(err))
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return nil, errs.New("syncclient/handshake", errs.CodeUnavailable, errs.WithMessage("client closed"))
	}
	c.conn = conn
	c.mu.Unlock()

	c.applySnapshot(msg)
	c.setStatus(Status{State: StateConnected, SessionID: msg.SessionID})
	return conn, nil
}

// serve applies frames until the connection fails.
func (c *Client) serve(ctx context.Context, conn Conn) error {
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return asTransportError("syncclient/read", err)
		}
		msg, err := schema.DecodeMessage(data)
		if err != nil {
			c.logger.Printf("drop malformed frame: %v", err)
			continue
		}
		switch msg.Type {
		case schema.MessageSnapshot:
			c.applySnapshot(msg)
		case schema.MessageEvent:
			c.applyEvent(*msg.Event)
		default:
			c.logger.Printf("ignore %s frame", msg.Type)
		}
	}
}

func (c *Client) applySnapshot(msg schema.Message) {
	c.replica.Replace(msg.Records)
	c.handlers.dispatch(Notice{Topic: TopicSnapshot, Records: c.replica.Records()})
}

func (c *Client) applyEvent(evt schema.Event) {
	var applied bool
	switch evt.Kind {
	case schema.EventCreated:
		applied = c.replica.ApplyCreated(evt.Record)
	case schema.EventUpdated:
		applied = c.replica.ApplyUpdated(evt.Record)
	case schema.EventDeleted:
		applied = c.replica.ApplyDeleted(evt.Record.ID)
	}

	note := Notification{Kind: evt.Kind, Message: evt.Message, Record: evt.Record.Clone(), Timestamp: evt.Timestamp}
	c.mu.Lock()
	c.lastNotification = &note
	c.mu.Unlock()

	c.handlers.dispatch(Notice{Topic: topicForKind(evt.Kind), Event: &evt, Applied: applied, Records: c.replica.Records()})
	c.handlers.dispatch(Notice{Topic: TopicNotification, Notification: &note})
}

func (c *Client) setStatus(s Status) {
	s.MaxAttempts = c.maxAttempts
	c.mu.Lock()
	if c.closed && s.State != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.status = s
	if s.State == StateReconnectFailed {
		// Drop a stale Reconnect request from a previous cycle.
		select {
		case <-c.reconnectCh:
		default:
		}
	}
	c.mu.Unlock()
	c.handlers.dispatch(Notice{Topic: TopicState, Status: s})
}

func asTransportError(op string, err error) error {
	if errs.CodeOf(err) == errs.CodeTransport || errors.Is(err, context.Canceled) {
		return err
	}
	return errs.New(op, errs.CodeTransport, errs.WithCause(err))
}
