package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/mahaj/panchakarma-chat/pkg/auth"
	"github.com/mahaj/panchakarma-chat/pkg/model"
)

// Store is the persistence the handlers read from.
type Store interface {
	ListConversations(ctx context.Context, userID string) ([]model.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
	ResetUnread(ctx context.Context, userID, conversationID string) error
}

type PresenceReader interface {
	Online(ctx context.Context) ([]string, error)
}

type server struct {
	store        Store
	presence     PresenceReader
	issuer       *auth.Issuer
	log          *zap.Logger
	historyLimit int
}

func newRouter(s *server, corsOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	r.Post("/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.issuer))

		r.Get("/presence", s.handlePresence)
		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", s.handleListConversations)
			r.Get("/{conversationID}/messages", s.handleListMessages)
			r.Post("/{conversationID}/read", s.handleMarkRead)
		})
	})

	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// participantConversation returns the conversation id from the path after
// checking that the caller takes part in it.
func participantConversation(w http.ResponseWriter, r *http.Request) (*auth.Claims, string, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return nil, "", false
	}
	convID := chi.URLParam(r, "conversationID")
	if _, _, ok := model.ParseDirectConversationID(convID); !ok {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return nil, "", false
	}
	if !model.IsParticipant(convID, claims.UserID) {
		writeError(w, http.StatusForbidden, "not a participant of this conversation")
		return nil, "", false
	}
	return claims, convID, true
}
