// Package client is a Go client for the catalog REST interface.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"

	"github.com/coachpo/catalogsync/errs"
	"github.com/coachpo/catalogsync/internal/domain/schema"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultReadTries = 3
)

// Health is the liveness report of the authority.
type Health struct {
	Message          string    `json:"message"`
	Timestamp        time.Time `json:"timestamp"`
	ConnectedClients int       `json:"connectedClients"`
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithReadTries bounds attempts for idempotent reads that fail at the transport level or with a 5xx.
func WithReadTries(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.readTries = n
		}
	}
}

// Client calls the catalog REST endpoints.
type Client struct {
	base      *url.URL
	http      *http.Client
	readTries int
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Count   *int            `json:"count"`
	Message string          `json:"message"`
}

// New returns a client for the authority at baseURL, e.g. http://localhost:5000.
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, errs.New("client/new", errs.CodeValidation,
			errs.WithMessage(fmt.Sprintf("invalid base url %q", baseURL)), errs.WithCause(err))
	}
	c := &Client{
		base:      parsed,
		http:      &http.Client{Timeout: defaultTimeout},
		readTries: defaultReadTries,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// WebsocketURL returns the real-time endpoint matching the base URL.
func (c *Client) WebsocketURL() string {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}

// List returns every record.
func (c *Client) List(ctx context.Context) ([]schema.Record, error) {
	var records []schema.Record
	if err := c.read(ctx, "client/list", "/api/books", &records); err != nil {
		return nil, err
	}
	if records == nil {
		records = []schema.Record{}
	}
	return records, nil
}

// Get returns one record.
func (c *Client) Get(ctx context.Context, id string) (schema.Record, error) {
	var rec schema.Record
	err := c.read(ctx, "client/get", "/api/books/"+url.PathEscape(id), &rec)
	return rec, err
}

// Create adds a record.
func (c *Client) Create(ctx context.Context, in schema.RecordInput) (schema.Record, error) {
	var rec schema.Record
	err := c.write(ctx, "client/create", http.MethodPost, "/api/books", in, &rec)
	return rec, err
}

// Update replaces the mutable fields of a record.
func (c *Client) Update(ctx context.Context, id string, in schema.RecordInput) (schema.Record, error) {
	var rec schema.Record
	err := c.write(ctx, "client/update", http.MethodPut, "/api/books/"+url.PathEscape(id), in, &rec)
	return rec, err
}

// Delete removes a record and returns it.
func (c *Client) Delete(ctx context.Context, id string) (schema.Record, error) {
	var rec schema.Record
	err := c.write(ctx, "client/delete", http.MethodDelete, "/api/books/"+url.PathEscape(id), nil, &rec)
	return rec, err
}

// Health reports authority liveness and the live session count.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var health Health
	status, body, err := c.do(ctx, "client/health", http.MethodGet, "/api/health", nil)
	if err != nil {
		return health, err
	}
	if status >= http.StatusBadRequest {
		return health, statusError("client/health", status, body)
	}
	if err := json.Unmarshal(body, &health); err != nil {
		return health, errs.New("client/health", errs.CodeInternal, errs.WithMessage("decode health response"), errs.WithCause(err))
	}
	return health, nil
}

// read performs an idempotent GET, retrying transport failures and 5xx responses.
func (c *Client) read(ctx context.Context, op, path string, out any) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = 100 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= c.readTries; attempt++ {
		status, body, err := c.do(ctx, op, http.MethodGet, path, nil)
		switch {
		case err == nil && status < http.StatusBadRequest:
			return decodeData(op, body, out)
		case err == nil:
			lastErr = statusError(op, status, body)
			if status < http.StatusInternalServerError {
				return lastErr
			}
		default:
			lastErr = err
			if ctx.Err() != nil {
				return err
			}
		}
		if attempt == c.readTries {
			break
		}
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
	return lastErr
}

// write performs a single non-idempotent request.
func (c *Client) write(ctx context.Context, op, method, path string, payload any, out any) error {
	status, body, err := c.do(ctx, op, method, path, payload)
	if err != nil {
		return err
	}
	if status >= http.StatusBadRequest {
		return statusError(op, status, body)
	}
	return decodeData(op, body, out)
}

func (c *Client) do(ctx context.Context, op, method, path string, payload any) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, errs.New(op, errs.CodeValidation, errs.WithMessage("encode request"), errs.WithCause(err))
		}
		reader = bytes.NewReader(data)
	}
	endpoint := c.base.JoinPath(path).String()
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, errs.New(op, errs.CodeInternal, errs.WithMessage("create request"), errs.WithCause(err))
	}
	req.Header.Set("Accept", "application/json")
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, errs.New(op, errs.CodeTransport, errs.WithMessage(fmt.Sprintf("%s %s failed", method, path)), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, errs.New(op, errs.CodeTransport, errs.WithMessage("read response"), errs.WithCause(err))
	}
	return resp.StatusCode, body, nil
}

func decodeData(op string, body []byte, out any) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return errs.New(op, errs.CodeInternal, errs.WithMessage("decode response"), errs.WithCause(err))
	}
	if !env.Success {
		return errs.New(op, errs.CodeInternal, errs.WithMessage(defaultMessage(env.Message, "request failed")))
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return errs.New(op, errs.CodeInternal, errs.WithMessage("decode response data"), errs.WithCause(err))
	}
	return nil
}

// statusError maps an error response back onto the catalog error codes.
func statusError(op string, status int, body []byte) error {
	var env envelope
	_ = json.Unmarshal(body, &env)
	message := defaultMessage(env.Message, http.StatusText(status))
	return errs.New(op, codeForStatus(status), errs.WithHTTP(status), errs.WithMessage(message))
}

func codeForStatus(status int) errs.Code {
	switch {
	case status == http.StatusBadRequest, status == http.StatusRequestEntityTooLarge:
		return errs.CodeValidation
	case status == http.StatusNotFound:
		return errs.CodeNotFound
	case status == http.StatusConflict:
		return errs.CodeConflict
	case status == http.StatusServiceUnavailable:
		return errs.CodeUnavailable
	default:
		return errs.CodeInternal
	}
}

func defaultMessage(message, fallback string) string {
	if strings.TrimSpace(message) == "" {
		return fallback
	}
	return message
}
