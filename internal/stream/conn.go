package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ManualCloseCode is the close code sent when the client tears a connection down on purpose.
const ManualCloseCode = websocket.StatusNormalClosure

const websocketGoingAway = websocket.StatusGoingAway

// Conn is one established full-duplex connection.
type Conn interface {
	// Read blocks until the next text frame arrives.
	Read(ctx context.Context) ([]byte, error)
	WriteJSON(ctx context.Context, v any) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer establishes connections. Implementations must honour ctx cancellation.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// HeaderFunc supplies per-dial headers, e.g. credentials read from the session at dial time.
type HeaderFunc func() http.Header

// WebSocketDialer dials real websocket endpoints.
type WebSocketDialer struct {
	HTTPClient *http.Client
	Header     HeaderFunc
	ReadLimit  int64
}

func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	opts := &websocket.DialOptions{HTTPClient: d.HTTPClient}
	if d.Header != nil {
		opts.HTTPHeader = d.Header()
	}
	ws, resp, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if d.ReadLimit > 0 {
		ws.SetReadLimit(d.ReadLimit)
	}
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ != websocket.MessageText {
			continue
		}
		return data, nil
	}
}

func (c *wsConn) WriteJSON(ctx context.Context, v any) error {
	return wsjson.Write(ctx, c.ws, v)
}

func (c *wsConn) Close(code websocket.StatusCode, reason string) error {
	err := c.ws.Close(code, reason)
	if err != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
