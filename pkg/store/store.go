// Package store is the client side merge point for conversations and
// message logs. All mutations are serialized; readers take snapshots.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/mahaj/panchakarma-chat/pkg/model"
)

// Fetcher is the request/response side of the backend.
type Fetcher interface {
	ListConversations(ctx context.Context) ([]model.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]model.Message, error)
}

// ReadMarker is implemented by fetchers that can reset the server side unread
// counter.
type ReadMarker interface {
	MarkRead(ctx context.Context, conversationID string) error
}

// Sender emits outbound events on the live connection.
type Sender interface {
	Send(event string, payload any) error
}

var ErrNoSelection = errors.New("no conversation selected")

type ErrorKind int

const (
	NoError ErrorKind = iota
	ConnectionError
	RequestError
)

// Snapshot is a consistent copy of the store's read model.
type Snapshot struct {
	CurrentUserID        string
	Conversations        []model.Conversation
	CurrentMessages      []model.Message
	SelectedConversation *model.Conversation
	Loading              bool
	Error                string
	ErrorKind            ErrorKind
}

type Option func(*Store)

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.log = l }
}

type Store struct {
	api Fetcher
	tx  Sender
	log *zap.Logger

	mu            sync.Mutex
	currentUserID string
	conversations map[string]*model.Conversation
	logs          map[string][]model.Message
	loaded        map[string]bool
	seen          map[string]map[string]struct{}
	selectedID    string
	inflight      int
	epoch         int
	errMsg        string
	errKind       ErrorKind

	listenersMu sync.Mutex
	listeners   map[int]func()
	nextID      int
}

func New(api Fetcher, tx Sender, currentUserID string, opts ...Option) *Store {
	s := &Store{
		api:       api,
		tx:        tx,
		log:       zap.NewNop(),
		listeners: make(map[int]func()),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.reset(currentUserID)
	return s
}

// OnChange registers fn to run after every mutation.
func (s *Store) OnChange(fn func()) (unsubscribe func()) {
	s.listenersMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenersMu.Unlock()

	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

// Reset discards all state, for logout or when the session identity changes.
func (s *Store) Reset(currentUserID string) {
	s.mu.Lock()
	s.reset(currentUserID)
	s.mu.Unlock()
	s.notify()
}

func (s *Store) reset(currentUserID string) {
	s.epoch++
	s.currentUserID = currentUserID
	s.conversations = make(map[string]*model.Conversation)
	s.logs = make(map[string][]model.Message)
	s.loaded = make(map[string]bool)
	s.seen = make(map[string]map[string]struct{})
	s.selectedID = ""
	s.inflight = 0
	s.errMsg, s.errKind = "", NoError
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		CurrentUserID:   s.currentUserID,
		Conversations:   make([]model.Conversation, 0, len(s.conversations)),
		CurrentMessages: slices.Clone(s.logs[s.selectedID]),
		Loading:         s.inflight > 0,
		Error:           s.errMsg,
		ErrorKind:       s.errKind,
	}
	for _, c := range s.conversations {
		snap.Conversations = append(snap.Conversations, *c)
	}
	slices.SortFunc(snap.Conversations, model.CompareRecency)

	if c, ok := s.conversations[s.selectedID]; ok {
		selected := *c
		snap.SelectedConversation = &selected
	}
	if snap.CurrentMessages == nil {
		snap.CurrentMessages = []model.Message{}
	}
	return snap
}

// LoadConversations replaces the conversation list with the server's. On
// failure the current list is kept and the error is recorded.
func (s *Store) LoadConversations(ctx context.Context) error {
	s.mu.Lock()
	s.inflight++
	epoch := s.epoch
	s.mu.Unlock()
	s.notify()

	convs, err := s.api.ListConversations(ctx)

	s.mu.Lock()
	if s.epoch != epoch {
		// the store was reset while the request was in flight
		s.mu.Unlock()
		return err
	}
	s.inflight--
	if err != nil {
		s.setError(RequestError, fmt.Sprintf("load conversations: %v", err))
	} else {
		s.conversations = make(map[string]*model.Conversation, len(convs))
		for _, c := range convs {
			c.UnreadCount = max(c.UnreadCount, 0)
			if c.ConversationID == s.selectedID {
				c.UnreadCount = 0
			}
			s.conversations[c.ConversationID] = &c
		}
		s.clearError(RequestError)
	}
	s.mu.Unlock()
	s.notify()

	if err != nil {
		s.log.Warn("load conversations", zap.Error(err))
		return err
	}
	return nil
}

// SelectConversation opens a conversation: its unread count drops to zero
// right away and its log is fetched unless it has been loaded before. A fetch
// that completes after the selection moved on is discarded.
func (s *Store) SelectConversation(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	s.selectedID = conversationID
	if c, ok := s.conversations[conversationID]; ok {
		c.UnreadCount = 0
	}
	needFetch := conversationID != "" && !s.loaded[conversationID]
	if needFetch {
		s.inflight++
	}
	epoch := s.epoch
	s.mu.Unlock()
	s.notify()

	if conversationID == "" {
		return nil
	}

	var err error
	if needFetch {
		err = s.fetchLog(ctx, conversationID, epoch)
	}
	if err == nil {
		s.markRead(ctx, conversationID)
	}
	return err
}

func (s *Store) fetchLog(ctx context.Context, conversationID string, epoch int) error {
	msgs, err := s.api.ListMessages(ctx, conversationID)

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return nil
	}
	s.inflight--
	stale := s.selectedID != conversationID
	switch {
	case stale:
		s.log.Debug("discarding stale message log", zap.String("conversation_id", conversationID), zap.Error(err))
	case err != nil:
		s.setError(RequestError, fmt.Sprintf("load messages: %v", err))
	default:
		s.logs[conversationID] = merge(s.logs[conversationID], msgs...)
		s.loaded[conversationID] = true
		s.remember(conversationID, msgs...)
		s.clearError(RequestError)
	}
	s.mu.Unlock()
	s.notify()

	if err != nil && !stale {
		s.log.Warn("load messages", zap.String("conversation_id", conversationID), zap.Error(err))
		return err
	}
	return nil
}

func (s *Store) markRead(ctx context.Context, conversationID string) {
	rm, ok := s.api.(ReadMarker)
	if !ok {
		return
	}
	if err := rm.MarkRead(ctx, conversationID); err != nil {
		s.log.Debug("mark read", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

// SendMessage emits a send_message event. Blank content is ignored. The
// message is not added locally; it arrives back through message_sent.
func (s *Store) SendMessage(receiverID, content string) error {
	content = strings.TrimSpace(content)
	if content == "" || receiverID == "" {
		return nil
	}

	s.mu.Lock()
	conversationID := s.conversationWith(receiverID)
	s.mu.Unlock()

	err := s.tx.Send(model.EventSendMessage, model.SendMessagePayload{
		ReceiverID:     receiverID,
		Content:        content,
		MessageType:    model.MessageTypeText,
		ConversationID: conversationID,
	})
	if err != nil {
		s.log.Info("message not sent", zap.String("receiver_id", receiverID), zap.Error(err))
		return err
	}
	return nil
}

// conversationWith must be called with mu held.
func (s *Store) conversationWith(userID string) string {
	for id, c := range s.conversations {
		if c.OtherUser.ID == userID {
			return id
		}
	}
	return model.DirectConversationID(s.currentUserID, userID)
}

// ReportConnectionError records a transport failure. It stays until the
// connection is re-established.
func (s *Store) ReportConnectionError(msg string) {
	s.mu.Lock()
	s.setError(ConnectionError, msg)
	s.mu.Unlock()
	s.notify()
}

func (s *Store) ClearConnectionError() {
	s.mu.Lock()
	changed := s.clearError(ConnectionError)
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

func (s *Store) setError(kind ErrorKind, msg string) {
	s.errKind, s.errMsg = kind, msg
}

func (s *Store) clearError(kind ErrorKind) bool {
	if s.errKind != kind {
		return false
	}
	s.errKind, s.errMsg = NoError, ""
	return true
}

func (s *Store) notify() {
	s.listenersMu.Lock()
	fns := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// SelectedOtherUser returns the participant of the open conversation.
func (s *Store) SelectedOtherUser() (model.UserRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.conversations[s.selectedID]; ok {
		return c.OtherUser, nil
	}
	if a, b, ok := model.ParseDirectConversationID(s.selectedID); ok {
		if a == s.currentUserID {
			return model.UserRef{ID: b}, nil
		}
		return model.UserRef{ID: a}, nil
	}
	return model.UserRef{}, ErrNoSelection
}
