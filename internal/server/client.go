// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/realmchat/internal/chat"
	"github.com/Tyrowin/realmchat/internal/config"
	"github.com/Tyrowin/realmchat/internal/metrics"
)

const (
	sendBufferSize = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
)

// ClientSettings are the per-connection limits applied by NewClient.
type ClientSettings struct {
	MaxMessageSize int64
	RateLimit      config.RateLimitConfig
}

// Client represents a WebSocket client connection in the chat system.
// It manages the connection state, the outbound queue, the hub reference,
// and the authenticated identity the connection acts for.
type Client struct {
	conn           *websocket.Conn
	send           chan []byte
	done           chan struct{}
	closeOnce      sync.Once
	hub            *Hub
	addr           string
	identity       chat.Identity
	id             chat.ConnectionID
	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      config.RateLimitConfig
	log            zerolog.Logger
}

// NewClient creates a Client for an upgraded connection. The client's send
// channel is buffered to absorb short bursts.
func NewClient(conn *websocket.Conn, hub *Hub, identity chat.Identity, addr string, settings ClientSettings) *Client {
	if conn != nil && settings.MaxMessageSize > 0 {
		conn.SetReadLimit(settings.MaxMessageSize)
	}
	limiter := newRateLimiter(settings.RateLimit.Burst, settings.RateLimit.RefillInterval())

	return &Client{
		conn:           conn,
		send:           make(chan []byte, sendBufferSize),
		done:           make(chan struct{}),
		hub:            hub,
		addr:           addr,
		identity:       identity,
		maxMessageSize: settings.MaxMessageSize,
		rateLimiter:    limiter,
		rateLimit:      settings.RateLimit,
		log:            hub.log.With().Str("addr", addr).Str("user_id", identity.UserID).Logger(),
	}
}

// Send queues payload without blocking. A client whose queue is full is
// disconnected, since it can no longer keep up with its channels.
func (c *Client) Send(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- payload:
		return true
	default:
		c.log.Warn().Msg("send buffer full, disconnecting slow client")
		c.kick()
		return false
	}
}

// close stops the write pump, which sends a close frame.
func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// kick closes the transport so the read pump exits and unregisters.
func (c *Client) kick() {
	c.close()
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// sendError reports a rejected event to this connection only.
func (c *Client) sendError(err error) {
	code := chat.ErrorCode(err)
	metrics.EventErrors.WithLabelValues(code).Inc()
	c.log.Debug().Err(err).Str("code", code).Msg("event rejected")
	c.Send(chat.ErrorEvent(err))
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Error().Err(err).Msg("set initial read deadline")
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Error().Err(err).Msg("set read deadline in pong handler")
		}
		return nil
	})
}

// handleReadError logs the read error at a level matching its cause and
// reports whether the read loop should stop.
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, websocket.ErrReadLimit) {
		c.log.Warn().Int64("limit", c.maxMessageSize).Msg("frame exceeded maximum size")
		return true
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		c.log.Debug().Err(err).Msg("client disconnected")
		return true
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		c.log.Debug().Err(err).Msg("connection closed")
		return true
	}

	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig) {
		c.log.Warn().Err(err).Msg("unexpected websocket close")
		return true
	}

	c.log.Warn().Err(err).Msg("websocket read error")
	return true
}

// checkRateLimit reports whether the next frame may be processed.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.log.Debug().
			Int("burst", c.rateLimit.Burst).
			Dur("refill", c.rateLimit.RefillInterval()).
			Msg("rate limit exceeded, discarding frame")
		return false
	}
	return true
}

// processMessage decodes a raw frame and hands it to the hub. It returns
// false once the hub has stopped accepting events.
func (c *Client) processMessage(raw []byte) bool {
	var frame chat.Frame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Type == "" {
		c.sendError(chat.ErrBadRequest)
		return true
	}
	return c.hub.dispatch(inboundFrame{client: c, frame: frame})
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Debug().Err(err).Msg("close connection in read pump")
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if c.handleReadError(err) {
			return
		}

		if !c.checkRateLimit() {
			c.sendError(chat.ErrRateLimited)
			continue
		}

		if !c.processMessage(raw) {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message := <-c.send:
		return c.writeTextMessage(message)
	case <-c.done:
		c.flushQueued()
		return c.writeCloseMessage()
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection closes the WebSocket connection, ignoring errors caused by
// the peer having gone first.
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Debug().Err(err).Msg("close connection in write pump")
	}
}

// flushQueued writes what is already queued before the close frame.
func (c *Client) flushQueued() {
	for {
		select {
		case message := <-c.send:
			if !c.writeTextMessage(message) {
				return
			}
		default:
			return
		}
	}
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	err := c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil && !isExpectedCloseError(err) {
		c.log.Debug().Err(err).Msg("write close message")
	}
	return false
}

// writeTextMessage writes one event as one text frame.
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Debug().Err(err).Msg("set write deadline")
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Debug().Err(err).Msg("write message")
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Debug().Err(err).Msg("set write deadline for ping")
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.log.Debug().Err(err).Msg("write ping")
		return false
	}
	return true
}
