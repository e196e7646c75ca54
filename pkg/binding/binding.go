// Package binding projects the conversation store and typing state into a
// read-only view for a UI and routes user actions back to them.
package binding

import (
	"context"
	"strings"
	"sync"

	"github.com/mahaj/panchakarma-chat/pkg/dispatch"
	"github.com/mahaj/panchakarma-chat/pkg/model"
	"github.com/mahaj/panchakarma-chat/pkg/store"
)

// Model is the part of the conversation store the binding reads and drives.
type Model interface {
	Snapshot() store.Snapshot
	OnChange(fn func()) (unsubscribe func())
	SelectConversation(ctx context.Context, conversationID string) error
	SendMessage(receiverID, content string) error
}

// TypingSource publishes typing indicator changes.
type TypingSource interface {
	IsTyping() map[string]bool
	Subscribe(fn func(dispatch.Event)) (unsubscribe func())
}

// View is everything a conversation screen renders.
type View struct {
	Conversations         []model.Conversation
	FilteredConversations []model.Conversation
	CurrentMessages       []model.Message
	SelectedConversation  *model.Conversation
	IsTyping              map[string]bool
	Loading               bool
	Error                 string
	SearchQuery           string
}

type Binding struct {
	model  Model
	typing TypingSource
	tx     store.Sender

	mu     sync.Mutex
	query  string
	closed bool

	changes chan struct{}
	unsubs  []func()
}

func New(m Model, typing TypingSource, tx store.Sender) *Binding {
	b := &Binding{
		model:   m,
		typing:  typing,
		tx:      tx,
		changes: make(chan struct{}, 1),
	}
	b.unsubs = append(b.unsubs,
		m.OnChange(b.signal),
		typing.Subscribe(func(ev dispatch.Event) {
			if _, ok := ev.(dispatch.TypingChanged); ok {
				b.signal()
			}
		}),
	)
	return b
}

// Changes delivers a value whenever the view may have changed. Bursts of
// changes are coalesced, so readers should call View after each receive.
func (b *Binding) Changes() <-chan struct{} {
	return b.changes
}

func (b *Binding) View() View {
	snap := b.model.Snapshot()

	b.mu.Lock()
	query := b.query
	b.mu.Unlock()

	return View{
		Conversations:         snap.Conversations,
		FilteredConversations: Filter(snap.Conversations, query),
		CurrentMessages:       snap.CurrentMessages,
		SelectedConversation:  snap.SelectedConversation,
		IsTyping:              b.typing.IsTyping(),
		Loading:               snap.Loading,
		Error:                 snap.Error,
		SearchQuery:           query,
	}
}

func (b *Binding) SetSearchQuery(q string) {
	b.mu.Lock()
	changed := b.query != q
	b.query = q
	b.mu.Unlock()
	if changed {
		b.signal()
	}
}

func (b *Binding) SelectConversation(ctx context.Context, conversationID string) error {
	return b.model.SelectConversation(ctx, conversationID)
}

func (b *Binding) SendMessage(receiverID, content string) error {
	return b.model.SendMessage(receiverID, content)
}

// StartTyping tells receiverID that the local user is typing.
func (b *Binding) StartTyping(receiverID string) error {
	return b.sendTyping(model.EventTypingStart, receiverID)
}

func (b *Binding) StopTyping(receiverID string) error {
	return b.sendTyping(model.EventTypingStop, receiverID)
}

func (b *Binding) sendTyping(event, receiverID string) error {
	if receiverID == "" {
		return nil
	}
	return b.tx.Send(event, model.TypingTargetPayload{ReceiverID: receiverID})
}

// Close stops change notifications. Changes is not closed.
func (b *Binding) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	unsubs := b.unsubs
	b.unsubs = nil
	b.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}
}

func (b *Binding) signal() {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}
	select {
	case b.changes <- struct{}{}:
	default:
	}
}

// Filter returns the conversations whose other participant's display name
// contains query, ignoring case. The input order is kept.
func Filter(conversations []model.Conversation, query string) []model.Conversation {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return conversations
	}
	out := make([]model.Conversation, 0, len(conversations))
	for _, c := range conversations {
		if strings.Contains(strings.ToLower(c.OtherUser.DisplayName), query) {
			out = append(out, c)
		}
	}
	return out
}
