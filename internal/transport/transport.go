// Package transport manages the single duplex websocket connection a
// session holds into a room.
package transport

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Hydoc/estimation-poker/internal/wire"
)

const writeTimeout = time.Second * 10

// Conn is an open connection to a room. Implementations must make Close
// safe to call more than once.
type Conn interface {
	// ReadMessage blocks until the next text frame arrives or the
	// connection dies.
	ReadMessage() ([]byte, error)

	// WriteMessage sends one text frame.
	WriteMessage(data []byte) error

	Close() error
}

// Dialer opens connections against a room endpoint.
type Dialer interface {
	// Dial blocks until the connection is open or the handshake failed.
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// Endpoint builds the websocket URL for joining a room, deriving the
// websocket scheme from the base URL's scheme.
func Endpoint(baseURL, roomID string, role wire.Role, name string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base url %q: %w", baseURL, err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q in base url %q", u.Scheme, baseURL)
	}

	u.Path = path.Join(u.Path, "api/estimation/room", roomID, string(role))
	u.RawQuery = url.Values{"name": []string{name}}.Encode()
	return u.String(), nil
}

// WSDialer dials rooms over a real websocket.
type WSDialer struct {
	dialer *websocket.Dialer
	log    *log.Logger
}

// NewWSDialer returns a new instance of WSDialer.
func NewWSDialer(l *log.Logger) *WSDialer {
	return &WSDialer{
		dialer: websocket.DefaultDialer,
		log:    l,
	}
}

// Dial opens a connection to the given endpoint. It returns only after
// the websocket handshake completed.
func (d *WSDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	ws, _, err := d.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", endpoint, err)
	}

	c := &wsConn{
		id:  uuid.New(),
		ws:  ws,
		log: d.log,
	}
	d.log.Printf("connection %s established to %s", c.id, endpoint)
	return c, nil
}

// wsConn wraps a gorilla websocket connection.
type wsConn struct {
	id  uuid.UUID
	ws  *websocket.Conn
	log *log.Logger

	closeOnce sync.Once
	closeErr  error
}

// ReadMessage reads the next text frame, skipping any other frame kind.
func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		return data, nil
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close notifies the peer and releases the connection. Subsequent calls
// return the first result.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		c.closeErr = c.ws.Close()
		c.log.Printf("connection %s closed", c.id)
	})
	return c.closeErr
}
