package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parlor-chat/parlor/internal/signaling"
)

// WSChannel is the client side of the signaling websocket. Sends are
// serialized with a mutex; Run is the single reader.
type WSChannel struct {
	log  *slog.Logger
	conn *websocket.Conn

	writeMu      sync.Mutex
	writeTimeout time.Duration
}

// Dial connects to the relay's join endpoint for the given room. The
// server URL may use http(s) or ws(s) scheme.
func Dial(ctx context.Context, serverURL, roomID string, log *slog.Logger) (*WSChannel, error) {
	if log == nil {
		log = slog.Default()
	}

	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("peer: invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("peer: unsupported server url scheme %q", u.Scheme)
	}
	u.Path = "/join/" + url.PathEscape(roomID)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("peer: dial %s: %w (http %d)", u, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("peer: dial %s: %w", u, err)
	}

	return &WSChannel{
		log:          log,
		conn:         conn,
		writeTimeout: 10 * time.Second,
	}, nil
}

func (c *WSChannel) Send(msg *signaling.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("peer: marshal %s: %w", msg.Kind, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Run reads frames and feeds them to the coordinator until the
// connection closes or ctx is cancelled. A server close with the
// rejection code surfaces as an error; a normal close returns nil.
func (c *WSChannel) Run(ctx context.Context, coordinator *Coordinator) error {
	go func() {
		<-ctx.Done()
		c.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			if websocket.IsCloseError(err, signaling.CloseRejected) {
				return fmt.Errorf("peer: join rejected by relay")
			}
			return fmt.Errorf("peer: read: %w", err)
		}

		msg, err := signaling.Parse(data)
		if err != nil {
			c.log.Warn("dropping malformed message from relay", "err", err)
			continue
		}

		if err := coordinator.HandleMessage(msg); err != nil {
			return err
		}
	}
}

func (c *WSChannel) Close() error {
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.conn.Close()
}
