package main

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/mahaj/panchakarma-chat/pkg/auth"
	"github.com/mahaj/panchakarma-chat/pkg/model"
)

func (s *server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	convs, err := s.store.ListConversations(r.Context(), claims.UserID)
	if err != nil {
		s.log.Error("list conversations", zap.String("user_id", claims.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if convs == nil {
		convs = []model.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}
