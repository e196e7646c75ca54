package store

import (
	"slices"

	"github.com/mahaj/panchakarma-chat/pkg/model"
)

// IngestMessage merges one delivered message. It is safe under out of order
// delivery and redelivery of the same id:
//   - lastMessage only moves forward in createdAt,
//   - unread grows once per message id, only for messages from the other
//     participant while the conversation is not open,
//   - logs stay sorted by createdAt with one entry per id.
func (s *Store) IngestMessage(msg model.Message) {
	s.mu.Lock()

	if msg.ConversationID == "" {
		msg.ConversationID = model.DirectConversationID(msg.Sender.ID, msg.ReceiverID)
	}
	id := msg.ConversationID

	c, ok := s.conversations[id]
	if !ok {
		c = &model.Conversation{ConversationID: id, OtherUser: s.otherParty(msg)}
		s.conversations[id] = c
	}

	if msg.CreatedAt.After(c.LastMessage.CreatedAt) {
		c.LastMessage = model.LastMessage{Content: msg.Content, CreatedAt: msg.CreatedAt}
	}

	isNew := s.remember(id, msg)
	if isNew && id != s.selectedID && msg.Sender.ID != s.currentUserID {
		c.UnreadCount++
	}

	// Logs that were fetched earlier are kept current so reselecting them
	// does not need another round trip.
	if id == s.selectedID || s.loaded[id] {
		s.logs[id] = merge(s.logs[id], msg)
	}

	s.mu.Unlock()
	s.notify()
}

// otherParty must be called with mu held.
func (s *Store) otherParty(msg model.Message) model.UserRef {
	if msg.Sender.ID != s.currentUserID {
		return msg.Sender.Ref()
	}
	return model.UserRef{ID: msg.ReceiverID, DisplayName: msg.ReceiverID}
}

// remember records message ids seen in a conversation and reports whether
// any of them was new. Must be called with mu held.
func (s *Store) remember(conversationID string, msgs ...model.Message) bool {
	ids, ok := s.seen[conversationID]
	if !ok {
		ids = make(map[string]struct{})
		s.seen[conversationID] = ids
	}
	added := false
	for _, m := range msgs {
		if _, dup := ids[m.ID]; !dup {
			ids[m.ID] = struct{}{}
			added = true
		}
	}
	return added
}

// merge returns log plus incoming, ordered by createdAt and without
// duplicate ids. The first copy of an id wins.
func merge(log []model.Message, incoming ...model.Message) []model.Message {
	out := make([]model.Message, 0, len(log)+len(incoming))
	ids := make(map[string]struct{}, cap(out))
	for _, m := range slices.Concat(log, incoming) {
		if _, dup := ids[m.ID]; dup {
			continue
		}
		ids[m.ID] = struct{}{}
		out = append(out, m)
	}
	slices.SortStableFunc(out, model.CompareMessages)
	return out
}
