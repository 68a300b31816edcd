package signaling

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/babelcloud/screencast/internal/util"
)

// Channel is the bidirectional control channel the engine runs over.
// Send may be called from several goroutines; Receive is only called from the
// engine's reader goroutine.
type Channel interface {
	Send(Envelope) error
	// Receive blocks until the next message. io.EOF signals an orderly close.
	Receive() (Envelope, error)
	Close() error
}

const (
	writeWait      = 10 * time.Second
	handshakeWait  = 10 * time.Second
	maxMessageSize = 1 << 20
)

// WSChannel is a Channel over a gorilla websocket connection. Each envelope
// travels as one JSON text frame.
type WSChannel struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Dial opens a websocket control channel to url.
func Dial(ctx context.Context, url string, header http.Header) (*WSChannel, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeWait,
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dial %s: http status %d", url, resp.StatusCode)
		}
		return nil, errors.Wrapf(err, "dial %s", url)
	}
	return NewWSChannel(conn), nil
}

// NewWSChannel wraps an established websocket connection.
func NewWSChannel(conn *websocket.Conn) *WSChannel {
	conn.SetReadLimit(maxMessageSize)
	return &WSChannel{
		conn:   conn,
		logger: util.GetLogger(),
	}
}

// Send writes env as a JSON text frame.
func (c *WSChannel) Send(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(env)
}

// Receive reads the next envelope. Malformed frames are logged and skipped;
// a normal close from the peer is reported as io.EOF.
func (c *WSChannel) Receive() (Envelope, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return Envelope{}, io.EOF
			}
			return Envelope{}, err
		}
		if msgType != websocket.TextMessage {
			c.logger.Debug("Ignoring non-text control frame", "type", msgType, "size", len(data))
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Kind == "" {
			c.logger.Warn("Dropping malformed control message", "size", len(data), "error", err)
			continue
		}
		return env, nil
	}
}

// Close sends a close frame and releases the connection. Safe to call more
// than once.
func (c *WSChannel) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
