package main

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mahaj/panchakarma-chat/pkg/model"
	"github.com/mahaj/panchakarma-chat/pkg/snowflake"
)

var (
	errEmptyContent    = errors.New("message content is required")
	errInvalidReceiver = errors.New("a valid receiverId is required")
)

// Publisher hands accepted messages to the message bus. Every gateway,
// including this one, gets them back through Deliver.
type Publisher interface {
	Publish(ctx context.Context, m model.Message) error
}

// TypingEvent crosses gateways through the typing relay.
type TypingEvent struct {
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	ReceiverID string `json:"receiverId"`
	Typing     bool   `json:"typing"`
}

type TypingRelay interface {
	Publish(ctx context.Context, ev TypingEvent) error
}

// Presence records which users have at least one live connection.
type Presence interface {
	Add(ctx context.Context, userID string) error
	Remove(ctx context.Context, userID string) error
}

type Hub struct {
	log      *zap.Logger
	ids      *snowflake.Node
	bus      Publisher
	typing   TypingRelay
	presence Presence
	now      func() time.Time

	mu    sync.RWMutex
	users map[string]map[*Client]struct{}
}

func NewHub(ids *snowflake.Node, bus Publisher, typing TypingRelay, presence Presence, logger *zap.Logger) *Hub {
	return &Hub{
		log:      logger,
		ids:      ids,
		bus:      bus,
		typing:   typing,
		presence: presence,
		now:      time.Now,
		users:    make(map[string]map[*Client]struct{}),
	}
}

// Register adds an authenticated client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	conns, ok := h.users[c.UserID()]
	if !ok {
		conns = make(map[*Client]struct{})
		h.users[c.UserID()] = conns
	}
	conns[c] = struct{}{}
	first := len(conns) == 1
	h.mu.Unlock()

	connectedClients.Inc()
	h.log.Info("client registered", zap.String("user_id", c.UserID()), zap.String("conn_id", c.id))

	if first {
		if err := h.presence.Add(context.Background(), c.UserID()); err != nil {
			h.log.Warn("set presence", zap.String("user_id", c.UserID()), zap.Error(err))
		}
	}
}

// Unregister removes c and closes its send queue. It is safe to call for
// clients that were never registered or were already dropped.
func (h *Hub) Unregister(c *Client) {
	c.close()
	if c.UserID() == "" {
		return
	}

	h.mu.Lock()
	removed, last := h.removeLocked(c)
	h.mu.Unlock()

	if removed {
		connectedClients.Dec()
		h.log.Info("client unregistered", zap.String("user_id", c.UserID()), zap.String("conn_id", c.id))
	}
	if last {
		h.clearPresence(c.UserID())
	}
}

// removeLocked must be called with mu held. last reports whether the user
// has no connections left.
func (h *Hub) removeLocked(c *Client) (removed, last bool) {
	conns, ok := h.users[c.UserID()]
	if !ok {
		return false, false
	}
	if _, ok := conns[c]; !ok {
		return false, false
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.users, c.UserID())
		return true, true
	}
	return true, false
}

func (h *Hub) clearPresence(userID string) {
	if err := h.presence.Remove(context.Background(), userID); err != nil {
		h.log.Warn("clear presence", zap.String("user_id", userID), zap.Error(err))
	}
}

// HandleSend validates a send_message from c and publishes the resulting
// message. The sender learns about success through message_sent.
func (h *Hub) HandleSend(ctx context.Context, c *Client, p model.SendMessagePayload) error {
	sender := c.Sender()
	content := strings.TrimSpace(p.Content)
	switch {
	case content == "":
		return errEmptyContent
	case p.ReceiverID == "" || p.ReceiverID == sender.ID:
		return errInvalidReceiver
	}

	convID := model.DirectConversationID(sender.ID, p.ReceiverID)
	if p.ConversationID != "" && p.ConversationID != convID {
		h.log.Debug("ignoring client conversation id",
			zap.String("client_conversation_id", p.ConversationID),
			zap.String("conversation_id", convID))
	}
	messageType := p.MessageType
	if messageType == "" {
		messageType = model.MessageTypeText
	}

	m := model.Message{
		ID:             h.ids.NextID(),
		Sender:         sender,
		ReceiverID:     p.ReceiverID,
		Content:        content,
		ConversationID: convID,
		MessageType:    messageType,
		CreatedAt:      h.now().UTC(),
	}
	if err := h.bus.Publish(ctx, m); err != nil {
		publishErrors.Inc()
		h.log.Error("publish message", zap.String("message_id", m.ID), zap.Error(err))
		return errors.New("message could not be delivered, try again")
	}
	h.log.Debug("message published", zap.String("message_id", m.ID), zap.String("conversation_id", convID))
	return nil
}

// HandleTyping relays a typing_start or typing_stop from c.
func (h *Hub) HandleTyping(ctx context.Context, c *Client, typing bool, p model.TypingTargetPayload) error {
	sender := c.Sender()
	if p.ReceiverID == "" || p.ReceiverID == sender.ID {
		return errInvalidReceiver
	}
	return h.typing.Publish(ctx, TypingEvent{
		SenderID:   sender.ID,
		SenderName: sender.DisplayName,
		ReceiverID: p.ReceiverID,
		Typing:     typing,
	})
}

// Deliver fans a message from the bus out to local connections:
// the receiver gets new_message, the sender's connections get message_sent.
func (h *Hub) Deliver(m model.Message) {
	toReceiver, err := encode(model.EventNewMessage, model.MessagePayload{Message: m})
	if err != nil {
		h.log.Error("encode message", zap.Error(err))
		return
	}
	toSender, err := encode(model.EventMessageSent, model.MessagePayload{Message: m})
	if err != nil {
		h.log.Error("encode message", zap.Error(err))
		return
	}

	h.sendTo(m.ReceiverID, toReceiver)
	h.sendTo(m.Sender.ID, toSender)
}

// DeliverTyping forwards a relayed typing change to the receiver.
func (h *Hub) DeliverTyping(ev TypingEvent) {
	var (
		raw []byte
		err error
	)
	if ev.Typing {
		raw, err = encode(model.EventUserTyping, model.TypingPayload{SenderID: ev.SenderID, SenderName: ev.SenderName})
	} else {
		raw, err = encode(model.EventUserStoppedTyping, model.TypingPayload{SenderID: ev.SenderID})
	}
	if err != nil {
		h.log.Error("encode typing event", zap.Error(err))
		return
	}
	h.sendTo(ev.ReceiverID, raw)
}

// sendTo queues raw on every connection of userID. Connections whose queue is
// full are dropped.
func (h *Hub) sendTo(userID string, raw []byte) {
	var slow []*Client

	h.mu.RLock()
	for c := range h.users[userID] {
		if !c.enqueue(raw) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}

	last := false
	h.mu.Lock()
	for _, c := range slow {
		removed, l := h.removeLocked(c)
		if removed {
			connectedClients.Dec()
			droppedClients.Inc()
			h.log.Warn("dropping slow client", zap.String("user_id", userID), zap.String("conn_id", c.id))
		}
		last = last || l
	}
	h.mu.Unlock()

	if last {
		h.clearPresence(userID)
	}
}

func encode(event string, payload any) ([]byte, error) {
	env, err := model.NewEnvelope(event, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}
