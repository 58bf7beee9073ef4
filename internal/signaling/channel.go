package signaling

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/parlor-chat/parlor/internal/metrics"
	"github.com/parlor-chat/parlor/internal/ratelimit"
)

// Channel is the duplex signaling transport for one connected client.
//
// Send must never block: it reports backpressure (queue full or channel
// closed) as false and the caller decides whether to drop or count it.
// Close enqueues a close frame with the given status code; pending
// messages queued before Close are still flushed first.
type Channel interface {
	Send(msg *Message) bool
	Close(code int, reason string)
}

// ChannelConfig bundles the per-connection transport knobs.
type ChannelConfig struct {
	WriteTimeout         time.Duration
	IdleTimeout          time.Duration
	PingInterval         time.Duration
	MaxMessageBytes      int64
	SendQueueSize        int
	MaxMessagesPerSecond int
}

func (c ChannelConfig) withDefaults() ChannelConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = c.IdleTimeout * 9 / 10
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 256 * 1024
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 64
	}
	if c.MaxMessagesPerSecond <= 0 {
		c.MaxMessagesPerSecond = 50
	}
	return c
}

// wsChannel implements Channel over one gorilla websocket connection.
// A single writer goroutine (writePump) serializes all outbound frames;
// readPump is the single reader and feeds parsed messages to the router.
type wsChannel struct {
	id   string
	log  *slog.Logger
	cfg  ChannelConfig
	conn *websocket.Conn

	send chan *Message
	done chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

func newWSChannel(conn *websocket.Conn, cfg ChannelConfig, log *slog.Logger) *wsChannel {
	cfg = cfg.withDefaults()
	id := uuid.New().String()
	return &wsChannel{
		id:   id,
		log:  log.With("conn_id", id),
		cfg:  cfg,
		conn: conn,
		send: make(chan *Message, cfg.SendQueueSize),
		done: make(chan struct{}),
	}
}

func (c *wsChannel) Send(msg *Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *wsChannel) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

// readPump reads frames until the connection dies, parsing each one and
// handing it to the router. Malformed frames are dropped with a warning;
// only transport errors and rate-limit violations end the connection.
func (c *wsChannel) readPump(router *Router) {
	defer func() {
		router.Leave(c)
		c.Close(websocket.CloseNormalClosure, "")
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.cfg.MaxMessageBytes)
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
		return nil
	})

	limiter := ratelimit.NewTokenBucket(ratelimit.RealClock{},
		int64(c.cfg.MaxMessagesPerSecond), int64(c.cfg.MaxMessagesPerSecond))

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("read error", "err", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))

		if !limiter.Allow(1) {
			metrics.RateLimitedTotal.Inc()
			c.log.Warn("closing connection: message rate exceeded")
			c.Close(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		if msgType != websocket.TextMessage {
			c.log.Warn("dropping non-text frame", "type", msgType)
			continue
		}

		msg, err := Parse(data)
		if err != nil {
			metrics.MalformedMessagesTotal.Inc()
			c.log.Warn("dropping malformed message", "err", err)
			continue
		}

		router.Deliver(c, msg)
	}
}

// writePump is the connection's only writer. It drains the send queue,
// emits keepalive pings, and on Close flushes whatever is already queued
// before writing the close frame.
func (c *wsChannel) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if !c.write(msg) {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			for {
				select {
				case msg := <-c.send:
					if !c.write(msg) {
						return
					}
				default:
					c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
					c.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(c.closeCode, c.closeReason))
					return
				}
			}
		}
	}
}

func (c *wsChannel) write(msg *Message) bool {
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.conn.WriteJSON(msg); err != nil {
		c.log.Warn("write error", "err", err)
		return false
	}
	return true
}
