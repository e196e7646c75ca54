package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mahaj/panchakarma-chat/pkg/auth"
	"github.com/mahaj/panchakarma-chat/pkg/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8 * 1024

	// Outbound envelopes buffered per connection before it counts as slow.
	sendQueueSize = 256

	// Time allowed for a client to send join after connecting.
	joinWait = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub    *Hub
	issuer *auth.Issuer
	log    *zap.Logger
	conn   *websocket.Conn
	id     string

	mu     sync.Mutex
	send   chan []byte
	closed bool
	claims *auth.Claims
}

func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.claims == nil {
		return ""
	}
	return c.claims.UserID
}

func (c *Client) Sender() model.Sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.claims == nil {
		return model.Sender{}
	}
	return c.claims.Sender()
}

// enqueue queues raw for the write pump. It reports false, and closes the
// queue, when the queue is full.
func (c *Client) enqueue(raw []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- raw:
		return true
	default:
		c.closed = true
		close(c.send)
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) reply(event string, payload any) {
	raw, err := encode(event, payload)
	if err != nil {
		c.log.Error("encode reply", zap.String("event", event), zap.Error(err))
		return
	}
	c.enqueue(raw)
}

func (c *Client) replyError(code, message string) {
	c.reply(model.EventError, model.ErrorPayload{Code: code, Message: message})
}

// readPump pumps envelopes from the websocket connection to the hub.
func (c *Client) readPump(ctx context.Context) {
	// Closing the queue makes the write pump flush it and close the socket.
	defer c.hub.Unregister(c)
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(joinWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("read", zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}

		var env model.Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
			c.replyError("", "malformed envelope")
			continue
		}
		eventsReceived.WithLabelValues(env.Event).Inc()

		if !c.handle(ctx, env) {
			return
		}
	}
}

// handle processes one inbound envelope and reports whether the connection
// should stay open.
func (c *Client) handle(ctx context.Context, env model.Envelope) bool {
	if env.Event == model.EventJoin {
		return c.join(env)
	}
	if c.UserID() == "" {
		c.replyError(model.ErrCodeUnauthorized, "join required")
		return true
	}

	switch env.Event {
	case model.EventSendMessage:
		var p model.SendMessagePayload
		if err := env.Decode(&p); err != nil {
			c.replyError("", "malformed send_message")
			return true
		}
		if err := c.hub.HandleSend(ctx, c, p); err != nil {
			c.replyError("", err.Error())
		}

	case model.EventTypingStart, model.EventTypingStop:
		var p model.TypingTargetPayload
		if err := env.Decode(&p); err != nil {
			return true
		}
		if err := c.hub.HandleTyping(ctx, c, env.Event == model.EventTypingStart, p); err != nil {
			c.log.Debug("relay typing", zap.String("conn_id", c.id), zap.Error(err))
		}

	default:
		c.log.Debug("ignoring event", zap.String("event", env.Event))
	}
	return true
}

func (c *Client) join(env model.Envelope) bool {
	var p model.JoinPayload
	if err := env.Decode(&p); err != nil || p.Token == "" {
		c.replyError(model.ErrCodeUnauthorized, "token required")
		return false
	}
	claims, err := c.issuer.Validate(p.Token)
	if err != nil {
		c.log.Info("rejected join", zap.String("conn_id", c.id), zap.Error(err))
		c.replyError(model.ErrCodeUnauthorized, "invalid token")
		return false
	}

	c.mu.Lock()
	prev := c.claims
	if prev == nil {
		c.claims = claims
	}
	c.mu.Unlock()

	switch {
	case prev == nil:
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.hub.Register(c)
	case prev.UserID != claims.UserID:
		c.replyError(model.ErrCodeUnauthorized, "connection already joined as another user")
		return false
	}
	c.reply(model.EventAuthenticated, model.AuthenticatedPayload{UserID: claims.UserID})
	return true
}

// writePump pumps envelopes from the hub to the websocket connection, one
// envelope per text frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The queue was closed.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			eventsSent.Inc()
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// serveWs handles websocket requests from the peer. Authentication happens
// in-band through the join event.
func serveWs(ctx context.Context, hub *Hub, issuer *auth.Issuer, logger *zap.Logger, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("upgrade", zap.Error(err))
		return
	}

	client := &Client{
		hub:    hub,
		issuer: issuer,
		log:    logger,
		conn:   conn,
		id:     uuid.NewString(),
		send:   make(chan []byte, sendQueueSize),
	}

	go client.writePump()
	go client.readPump(ctx)
}
