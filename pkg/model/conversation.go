package model

import (
	"cmp"
	"time"
)

type LastMessage struct {
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Conversation is one entry of the conversation list. OtherUser never changes
// for the lifetime of the conversation.
type Conversation struct {
	ConversationID string      `json:"conversationId"`
	OtherUser      UserRef     `json:"otherUser"`
	LastMessage    LastMessage `json:"lastMessage"`
	UnreadCount    int         `json:"unreadCount"`
}

// CompareRecency puts the most recently updated conversation first. Ties are
// broken by conversation id so the order is stable.
func CompareRecency(a, b Conversation) int {
	if c := b.LastMessage.CreatedAt.Compare(a.LastMessage.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ConversationID, b.ConversationID)
}
