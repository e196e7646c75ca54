// Package dispatch turns raw gateway envelopes into typed events and keeps the
// typing indicator state.
package dispatch

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mahaj/panchakarma-chat/pkg/model"
)

// DefaultTypingTimeout clears a typing flag whose stop event was lost.
const DefaultTypingTimeout = 5 * time.Second

type Event interface {
	event()
}

// MessageReceived carries a message from new_message, or from message_sent
// when Confirmed is set.
type MessageReceived struct {
	Message   model.Message
	Confirmed bool
}

type TypingChanged struct {
	UserID   string
	UserName string
	Typing   bool
}

type ConnectionChanged struct {
	Connected     bool
	Authenticated bool
}

type ErrorRaised struct {
	Code    string
	Message string
}

func (MessageReceived) event()   {}
func (TypingChanged) event()     {}
func (ConnectionChanged) event() {}
func (ErrorRaised) event()       {}

type Option func(*Dispatcher)

func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

func WithTypingTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.typingTimeout = t }
}

type Dispatcher struct {
	log           *zap.Logger
	typingTimeout time.Duration

	mu     sync.Mutex
	subs   map[int]func(Event)
	nextID int
	typing map[string]*typingEntry
	// gen numbers typing timers across entries so a timer armed before
	// Reset never matches a later entry for the same user.
	gen int
}

type typingEntry struct {
	timer *time.Timer
	gen   int
}

func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		log:           zap.NewNop(),
		typingTimeout: DefaultTypingTimeout,
		subs:          make(map[int]func(Event)),
		typing:        make(map[string]*typingEntry),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Subscribe registers fn for every event published from now on.
func (d *Dispatcher) Subscribe(fn func(Event)) (unsubscribe func()) {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.subs[id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.subs, id)
		d.mu.Unlock()
	}
}

// Dispatch handles one envelope from the transport. Its signature matches
// transport.Handler.
func (d *Dispatcher) Dispatch(env model.Envelope) {
	switch env.Event {
	case model.EventNewMessage, model.EventMessageSent:
		var p model.MessagePayload
		if err := env.Decode(&p); err != nil {
			d.log.Warn("drop malformed message event", zap.String("event", env.Event), zap.Error(err))
			return
		}
		d.publish(MessageReceived{Message: p.Message, Confirmed: env.Event == model.EventMessageSent})

	case model.EventUserTyping:
		var p model.TypingPayload
		if err := env.Decode(&p); err != nil || p.SenderID == "" {
			d.log.Warn("drop malformed typing event", zap.Error(err))
			return
		}
		d.startTyping(p)

	case model.EventUserStoppedTyping:
		var p model.TypingPayload
		if err := env.Decode(&p); err != nil || p.SenderID == "" {
			d.log.Warn("drop malformed typing event", zap.Error(err))
			return
		}
		d.stopTyping(p.SenderID, -1)

	case model.EventConnected:
		d.publish(ConnectionChanged{Connected: true})

	case model.EventAuthenticated:
		d.publish(ConnectionChanged{Connected: true, Authenticated: true})

	case model.EventDisconnected:
		d.publish(ConnectionChanged{})

	case model.EventError:
		var p model.ErrorPayload
		if err := env.Decode(&p); err != nil || p.Message == "" {
			p = model.ErrorPayload{Message: "connection error"}
		}
		d.publish(ErrorRaised{Code: p.Code, Message: p.Message})

	default:
		d.log.Debug("ignoring event", zap.String("event", env.Event))
	}
}

// IsTyping returns a copy of the users currently typing.
func (d *Dispatcher) IsTyping() map[string]bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]bool, len(d.typing))
	for id := range d.typing {
		out[id] = true
	}
	return out
}

// Reset clears all typing state without publishing.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, e := range d.typing {
		e.timer.Stop()
		delete(d.typing, id)
	}
}

func (d *Dispatcher) startTyping(p model.TypingPayload) {
	d.mu.Lock()
	e, ok := d.typing[p.SenderID]
	if ok {
		e.timer.Stop()
	} else {
		e = &typingEntry{}
		d.typing[p.SenderID] = e
	}
	d.gen++
	e.gen = d.gen
	gen := e.gen
	e.timer = time.AfterFunc(d.typingTimeout, func() { d.stopTyping(p.SenderID, gen) })
	d.mu.Unlock()

	if !ok {
		d.publish(TypingChanged{UserID: p.SenderID, UserName: p.SenderName, Typing: true})
	}
}

// stopTyping clears the flag of userID. A non-negative gen comes from a
// timeout and is ignored if the flag has been re-armed since.
func (d *Dispatcher) stopTyping(userID string, gen int) {
	d.mu.Lock()
	e, ok := d.typing[userID]
	if !ok || (gen >= 0 && e.gen != gen) {
		d.mu.Unlock()
		return
	}
	e.timer.Stop()
	delete(d.typing, userID)
	d.mu.Unlock()

	if gen >= 0 {
		d.log.Debug("typing indicator expired", zap.String("user_id", userID))
	}
	d.publish(TypingChanged{UserID: userID})
}

func (d *Dispatcher) publish(ev Event) {
	d.mu.Lock()
	subs := make([]func(Event), 0, len(d.subs))
	for _, fn := range d.subs {
		subs = append(subs, fn)
	}
	d.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}
