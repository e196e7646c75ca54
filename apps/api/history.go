package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/mahaj/panchakarma-chat/pkg/auth"
	"github.com/mahaj/panchakarma-chat/pkg/model"
)

func (s *server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	_, convID, ok := participantConversation(w, r)
	if !ok {
		return
	}

	limit := s.historyLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, s.historyLimit)
	}

	msgs, err := s.store.ListMessages(r.Context(), convID, limit)
	if err != nil {
		s.log.Error("list messages", zap.String("conversation_id", convID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to retrieve history")
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

type LoginRequest struct {
	UserID      string     `json:"userId"`
	DisplayName string     `json:"displayName"`
	Role        model.Role `json:"role"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

// handleLogin issues a token for whoever asks. Development only.
func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" || strings.Contains(req.UserID, ":") {
		writeError(w, http.StatusBadRequest, "a userId without ':' is required")
		return
	}
	if req.Role == "" {
		req.Role = model.RolePatient
	}
	if !req.Role.Valid() {
		writeError(w, http.StatusBadRequest, "unknown role")
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = req.UserID
	}

	token, err := s.issuer.Generate(model.Sender{ID: req.UserID, DisplayName: req.DisplayName, Role: req.Role})
	if err != nil {
		s.log.Error("generate token", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}
	writeJSON(w, http.StatusOK, LoginResponse{Token: token})
}

// AuthMiddleware validates the bearer token and puts its claims on the
// request context.
func AuthMiddleware(issuer *auth.Issuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := auth.BearerToken(r.Header.Get("Authorization"))
			if token == "" {
				writeError(w, http.StatusUnauthorized, "authorization header required")
				return
			}
			claims, err := issuer.Validate(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
		})
	}
}
