// Package session wires one authenticated chat session: a single gateway
// connection shared by the dispatcher and the conversation store, the REST
// client, and the view binding on top.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mahaj/panchakarma-chat/pkg/api"
	"github.com/mahaj/panchakarma-chat/pkg/auth"
	"github.com/mahaj/panchakarma-chat/pkg/binding"
	"github.com/mahaj/panchakarma-chat/pkg/dispatch"
	"github.com/mahaj/panchakarma-chat/pkg/store"
	"github.com/mahaj/panchakarma-chat/pkg/transport"
)

type Config struct {
	GatewayURL    string
	APIBaseURL    string
	TypingTimeout time.Duration
	HistoryLimit  int
}

type Session struct {
	log        *zap.Logger
	api        *api.Client
	adapter    *transport.Adapter
	dispatcher *dispatch.Dispatcher
	store      *store.Store
	binding    *binding.Binding

	mu     sync.Mutex
	userID string
}

func New(cfg Config, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TypingTimeout <= 0 {
		cfg.TypingTimeout = dispatch.DefaultTypingTimeout
	}

	s := &Session{log: logger}
	s.api = api.NewClient(cfg.APIBaseURL,
		api.WithLogger(logger.Named("api")),
		api.WithHistoryLimit(cfg.HistoryLimit),
	)
	s.dispatcher = dispatch.New(
		dispatch.WithLogger(logger.Named("dispatch")),
		dispatch.WithTypingTimeout(cfg.TypingTimeout),
	)
	s.adapter = transport.New(cfg.GatewayURL, s.dispatcher.Dispatch,
		transport.WithLogger(logger.Named("transport")),
	)
	s.store = store.New(s.api, s.adapter, "", store.WithLogger(logger.Named("store")))
	dispatch.Bind(s.dispatcher, s.store)
	s.binding = binding.New(s.store, s.dispatcher, s.adapter)
	return s
}

// Start authenticates the session with token. Starting again with a token
// for another user discards everything loaded for the previous one. An empty
// token logs out.
func (s *Session) Start(ctx context.Context, token string) error {
	if token == "" {
		s.Logout()
		return nil
	}
	claims, err := auth.Inspect(token)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	s.mu.Lock()
	changed := s.userID != claims.UserID
	s.userID = claims.UserID
	s.mu.Unlock()

	if changed {
		// drain the old connection so none of its frames land in the new state
		s.adapter.Disconnect()
		s.dispatcher.Reset()
		s.store.Reset(claims.UserID)
	}
	s.api.SetToken(token)
	s.adapter.Connect(token)

	s.log.Info("session started", zap.String("user_id", claims.UserID), zap.Bool("identity_changed", changed))
	return s.store.LoadConversations(ctx)
}

func (s *Session) Logout() {
	s.adapter.Disconnect()
	s.api.SetToken("")
	s.dispatcher.Reset()

	s.mu.Lock()
	s.userID = ""
	s.mu.Unlock()
	s.store.Reset("")
	s.log.Info("session ended")
}

// Close logs out and stops view notifications.
func (s *Session) Close() {
	s.Logout()
	s.binding.Close()
}

func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Session) Binding() *binding.Binding { return s.binding }

func (s *Session) Store() *store.Store { return s.store }

func (s *Session) API() *api.Client { return s.api }

func (s *Session) State() transport.State { return s.adapter.State() }
