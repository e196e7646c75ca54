package db

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/mahaj/panchakarma-chat/pkg/model"
)

// Repository runs the chat queries against Scylla.
type Repository struct {
	session *Session
}

func NewRepository(s *Session) *Repository {
	return &Repository{session: s}
}

func (r *Repository) SaveMessage(ctx context.Context, m model.Message) error {
	id, err := strconv.ParseInt(m.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("message id %q: %w", m.ID, err)
	}

	query := `INSERT INTO messages (conversation_id, id, sender_id, sender_name, sender_role, receiver_id, content, message_type, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	err = r.session.Query(query,
		m.ConversationID, id, m.Sender.ID, m.Sender.DisplayName, string(m.Sender.Role),
		m.ReceiverID, m.Content, m.MessageType, m.CreatedAt,
	).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("insert message %s: %w", m.ID, err)
	}
	return nil
}

// TouchConversation records m as the last message of userID's conversation
// with other. The write timestamp is the message time, which makes the
// update monotonic under out of order delivery. An empty display name leaves
// the stored one untouched.
func (r *Repository) TouchConversation(ctx context.Context, userID string, other model.UserRef, m model.Message) error {
	query := `INSERT INTO user_conversations (user_id, conversation_id, other_user_id, last_content, last_created_at) VALUES (?, ?, ?, ?, ?) USING TIMESTAMP ?`
	args := []any{userID, m.ConversationID, other.ID, m.Content, m.CreatedAt, m.CreatedAt.UnixMicro()}
	if other.DisplayName != "" {
		query = `INSERT INTO user_conversations (user_id, conversation_id, other_user_id, other_user_name, last_content, last_created_at) VALUES (?, ?, ?, ?, ?, ?) USING TIMESTAMP ?`
		args = []any{userID, m.ConversationID, other.ID, other.DisplayName, m.Content, m.CreatedAt, m.CreatedAt.UnixMicro()}
	}

	if err := r.session.Query(query, args...).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("update conversation %s for %s: %w", m.ConversationID, userID, err)
	}
	return nil
}

func (r *Repository) IncrementUnread(ctx context.Context, userID, conversationID string) error {
	query := `UPDATE conversation_counters SET unread_count = unread_count + 1 WHERE user_id = ? AND conversation_id = ?`
	if err := r.session.Query(query, userID, conversationID).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("increment unread for %s: %w", userID, err)
	}
	return nil
}

// ResetUnread deletes the counter row; deletion is the only way to reset a
// Scylla counter.
func (r *Repository) ResetUnread(ctx context.Context, userID, conversationID string) error {
	query := `DELETE FROM conversation_counters WHERE user_id = ? AND conversation_id = ?`
	if err := r.session.Query(query, userID, conversationID).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("reset unread for %s: %w", userID, err)
	}
	return nil
}

func (r *Repository) ListConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	query := `SELECT conversation_id, other_user_id, other_user_name, last_content, last_created_at FROM user_conversations WHERE user_id = ?`
	iter := r.session.Query(query, userID).WithContext(ctx).Iter()

	conversations := []model.Conversation{}
	var c model.Conversation
	for iter.Scan(&c.ConversationID, &c.OtherUser.ID, &c.OtherUser.DisplayName, &c.LastMessage.Content, &c.LastMessage.CreatedAt) {
		var count int64
		err := r.session.Query(`SELECT unread_count FROM conversation_counters WHERE user_id = ? AND conversation_id = ?`, userID, c.ConversationID).
			WithContext(ctx).Scan(&count)
		if err == nil {
			c.UnreadCount = int(count)
		}
		if c.OtherUser.DisplayName == "" {
			c.OtherUser.DisplayName = c.OtherUser.ID
		}
		c.LastMessage.CreatedAt = c.LastMessage.CreatedAt.UTC()
		conversations = append(conversations, c)
		c = model.Conversation{}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("list conversations for %s: %w", userID, err)
	}

	slices.SortFunc(conversations, model.CompareRecency)
	return conversations, nil
}

// ListMessages returns the newest limit messages of a conversation, oldest
// first.
func (r *Repository) ListMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	query := `SELECT id, sender_id, sender_name, sender_role, receiver_id, content, message_type, created_at FROM messages WHERE conversation_id = ? LIMIT ?`
	iter := r.session.Query(query, conversationID, limit).WithContext(ctx).Iter()

	messages := []model.Message{}
	var (
		id        int64
		role      string
		createdAt time.Time
		m         model.Message
	)
	for iter.Scan(&id, &m.Sender.ID, &m.Sender.DisplayName, &role, &m.ReceiverID, &m.Content, &m.MessageType, &createdAt) {
		m.ID = strconv.FormatInt(id, 10)
		m.Sender.Role = model.Role(role)
		m.ConversationID = conversationID
		m.CreatedAt = createdAt.UTC()
		messages = append(messages, m)
		m = model.Message{}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("list messages of %s: %w", conversationID, err)
	}

	slices.SortFunc(messages, model.CompareMessages)
	return messages, nil
}
