package syncclient

import (
	"context"
	"net/http"

	"github.com/coder/websocket"

	"github.com/coachpo/catalogsync/errs"
)

const defaultReadLimit = 4 << 20

// Conn is an open real-time channel to the authority.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Transport opens real-time channels.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// WebsocketTransport dials the authority's websocket endpoint.
type WebsocketTransport struct {
	URL        string
	ReadLimit  int64
	HTTPClient *http.Client
	Header     http.Header
}

// NewWebsocketTransport returns a transport for a ws:// or wss:// URL.
func NewWebsocketTransport(url string) *WebsocketTransport {
	return &WebsocketTransport{URL: url, ReadLimit: defaultReadLimit}
}

// Dial opens a websocket connection.
func (t *WebsocketTransport) Dial(ctx context.Context) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, t.URL, &websocket.DialOptions{
		HTTPClient: t.HTTPClient,
		HTTPHeader: t.Header,
	})
	if err != nil {
		return nil, errs.New("syncclient/dial", errs.CodeTransport,
			errs.WithMessage("dial failed"), errs.WithField("url", t.URL), errs.WithCause(err))
	}
	limit := t.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)
	return &websocketConn{conn: conn}, nil
}

type websocketConn struct {
	conn *websocket.Conn
}

func (c *websocketConn) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return nil, errs.New("syncclient/read", errs.CodeTransport, errs.WithCause(err))
		}
		if typ == websocket.MessageText {
			return data, nil
		}
	}
}

func (c *websocketConn) Write(ctx context.Context, data []byte) error {
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return errs.New("syncclient/write", errs.CodeTransport, errs.WithCause(err))
	}
	return nil
}

func (c *websocketConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
