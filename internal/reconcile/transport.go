package reconcile

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"nhooyr.io/websocket"
)

// Transport dials the push channel. The manager owns reconnection; a
// transport only produces one connection per Dial.
type Transport interface {
	Dial(ctx context.Context) (TransportConn, error)
}

// TransportConn is one live push connection.
type TransportConn interface {
	// Read blocks for the next pushed frame.
	Read(ctx context.Context) ([]byte, error)
	// Ping sends an application-level heartbeat the server counts as
	// session activity.
	Ping(ctx context.Context) error
	Close() error
}

type WebsocketTransport struct {
	baseURL string
	token   string
}

func NewWebsocketTransport(baseURL, token string) *WebsocketTransport {
	return &WebsocketTransport{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
	}
}

func (t *WebsocketTransport) Dial(ctx context.Context) (TransportConn, error) {
	streamURL, err := t.streamURL()
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.Dial(ctx, streamURL, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

func (t *WebsocketTransport) streamURL() (string, error) {
	parsed, err := url.Parse(t.baseURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/v1/stream"
	q := parsed.Query()
	q.Set("access_token", t.token)
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsConn) Ping(ctx context.Context) error {
	return c.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`))
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "teardown")
}
