package channel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"nhooyr.io/websocket"

	"github.com/stagelink/stagesync/internal/session"
)

// Conn is one live push connection delivering raw frames.
type Conn interface {
	// ReadFrame blocks until the next frame arrives or the connection fails.
	ReadFrame(ctx context.Context) ([]byte, error)
	Close() error
}

// Transport opens push connections. The channel owns lifecycle and framing;
// the transport only dials.
type Transport interface {
	Dial(ctx context.Context, rawURL string, s session.Session) (Conn, error)
}

const maxFrameBytes = 1 << 20

// WebsocketTransport dials the push endpoint over a websocket, carrying the
// session token as a bearer header and the actor as a query parameter.
type WebsocketTransport struct {
	// HTTPClient overrides the dialer's HTTP client; nil uses the default.
	HTTPClient *http.Client
}

func (t *WebsocketTransport) Dial(ctx context.Context, rawURL string, s session.Session) (Conn, error) {
	endpoint, err := subscribeURL(rawURL, s.ActorID)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.Token)
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPClient: t.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", rawURL, err)
	}
	conn.SetReadLimit(maxFrameBytes)
	return &wsConn{conn: conn}, nil
}

func subscribeURL(rawURL, actorID string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing channel url %s: %w", rawURL, err)
	}
	query := parsed.Query()
	query.Set("actorId", actorID)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadFrame(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

var _ Transport = (*WebsocketTransport)(nil)
