package main

import (
	"net/http"

	"go.uber.org/zap"
)

// handleMarkRead resets the caller's unread counter for a conversation.
func (s *server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	claims, convID, ok := participantConversation(w, r)
	if !ok {
		return
	}

	if err := s.store.ResetUnread(r.Context(), claims.UserID, convID); err != nil {
		s.log.Error("reset unread", zap.String("user_id", claims.UserID), zap.String("conversation_id", convID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to reset unread count")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
