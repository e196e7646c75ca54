package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/panchakarma-chat/pkg/auth"
	"github.com/mahaj/panchakarma-chat/pkg/model"
	"github.com/mahaj/panchakarma-chat/pkg/store"
	"github.com/mahaj/panchakarma-chat/pkg/transport"
)

var (
	john  = model.Sender{ID: "u-john", DisplayName: "John Patient", Role: model.RolePatient}
	priya = model.Sender{ID: "p-priya", DisplayName: "Dr. Priya Sharma", Role: model.RolePractitioner}
	dmID  = model.DirectConversationID(john.ID, priya.ID)
	t0    = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

	therapist = model.Sender{ID: "p-therapist", DisplayName: "Therapist Desk", Role: model.RolePractitioner}
)

// backend serves the REST endpoints and the websocket gateway from one
// test server.
type backend struct {
	srv    *httptest.Server
	issuer *auth.Issuer

	mu    sync.Mutex
	reads []string
	seq   int

	// stream pushes a new_message from therapist to every authenticated
	// connection until it closes.
	stream bool
}

func newBackend(t *testing.T) *backend {
	b := &backend{issuer: auth.NewIssuer("test-secret", time.Hour)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /conversations", b.authed(func(w http.ResponseWriter, r *http.Request, c *auth.Claims) {
		other := priya
		if c.UserID == priya.ID {
			other = john
		}
		json.NewEncoder(w).Encode([]model.Conversation{{
			ConversationID: dmID,
			OtherUser:      other.Ref(),
			LastMessage:    model.LastMessage{Content: "Namaste", CreatedAt: t0},
			UnreadCount:    2,
		}})
	}))
	mux.HandleFunc("GET /conversations/{id}/messages", b.authed(func(w http.ResponseWriter, r *http.Request, c *auth.Claims) {
		var msgs []model.Message
		if r.PathValue("id") == dmID {
			msgs = append(msgs, model.Message{
				ID: "1", Sender: priya, ReceiverID: john.ID, Content: "Namaste",
				ConversationID: dmID, MessageType: model.MessageTypeText, CreatedAt: t0,
			})
		}
		json.NewEncoder(w).Encode(msgs)
	}))
	mux.HandleFunc("POST /conversations/{id}/read", b.authed(func(w http.ResponseWriter, r *http.Request, c *auth.Claims) {
		b.mu.Lock()
		b.reads = append(b.reads, r.PathValue("id"))
		b.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	mux.HandleFunc("/ws", b.serveWS)

	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) authed(h func(http.ResponseWriter, *http.Request, *auth.Claims)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := b.issuer.Validate(auth.BearerToken(r.Header.Get("Authorization")))
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r, claims)
	}
}

func (b *backend) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var wmu sync.Mutex
	write := func(env model.Envelope) error {
		wmu.Lock()
		defer wmu.Unlock()
		return conn.WriteJSON(env)
	}

	var claims *auth.Claims
	for {
		var env model.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		switch env.Event {
		case model.EventJoin:
			var p model.JoinPayload
			if env.Decode(&p) != nil {
				return
			}
			if claims, err = b.issuer.Validate(p.Token); err != nil {
				reply, _ := model.NewEnvelope(model.EventError, model.ErrorPayload{Code: model.ErrCodeUnauthorized, Message: "invalid token"})
				write(reply)
				return
			}
			reply, _ := model.NewEnvelope(model.EventAuthenticated, model.AuthenticatedPayload{UserID: claims.UserID})
			write(reply)
			if b.stream {
				go b.pushMessages(claims.UserID, write)
			}

		case model.EventSendMessage:
			var p model.SendMessagePayload
			if claims == nil || env.Decode(&p) != nil {
				continue
			}
			b.mu.Lock()
			b.seq++
			id := b.seq
			b.mu.Unlock()
			reply, _ := model.NewEnvelope(model.EventMessageSent, model.MessagePayload{Message: model.Message{
				ID:             fmt.Sprintf("sent-%d", id),
				Sender:         claims.Sender(),
				ReceiverID:     p.ReceiverID,
				Content:        p.Content,
				ConversationID: p.ConversationID,
				MessageType:    p.MessageType,
				CreatedAt:      t0.Add(time.Duration(id) * time.Minute),
			}})
			write(reply)
		}
	}
}

func (b *backend) pushMessages(userID string, write func(model.Envelope) error) {
	convID := model.DirectConversationID(therapist.ID, userID)
	for i := 0; ; i++ {
		env, _ := model.NewEnvelope(model.EventNewMessage, model.MessagePayload{Message: model.Message{
			ID:             fmt.Sprintf("%s-%d", userID, i),
			Sender:         therapist,
			ReceiverID:     userID,
			Content:        "Your session is confirmed",
			ConversationID: convID,
			MessageType:    model.MessageTypeText,
			CreatedAt:      t0.Add(time.Duration(i) * time.Second),
		}})
		if write(env) != nil {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func (b *backend) token(t *testing.T, s model.Sender) string {
	t.Helper()
	tok, err := b.issuer.Generate(s)
	require.NoError(t, err)
	return tok
}

func (b *backend) readCalls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.reads...)
}

func newSession(t *testing.T, b *backend) *Session {
	t.Helper()
	s := New(Config{
		GatewayURL: "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/ws",
		APIBaseURL: b.srv.URL,
	}, nil)
	t.Cleanup(s.Close)
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	b := newBackend(t)
	s := newSession(t, b)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx, b.token(t, john)))
	assert.Equal(t, john.ID, s.UserID())
	require.Eventually(t, func() bool { return s.State() == transport.StateAuthenticated }, 2*time.Second, 10*time.Millisecond)

	view := s.Binding().View()
	require.Len(t, view.Conversations, 1)
	assert.Equal(t, 2, view.Conversations[0].UnreadCount)

	require.NoError(t, s.Binding().SelectConversation(ctx, dmID))
	view = s.Binding().View()
	assert.Equal(t, 0, view.SelectedConversation.UnreadCount)
	require.Len(t, view.CurrentMessages, 1)
	assert.Equal(t, []string{dmID}, b.readCalls())

	require.NoError(t, s.Binding().SendMessage(priya.ID, "When should I arrive?"))
	require.Eventually(t, func() bool {
		return len(s.Binding().View().CurrentMessages) == 2
	}, 2*time.Second, 10*time.Millisecond)

	view = s.Binding().View()
	last := view.CurrentMessages[1]
	assert.Equal(t, "When should I arrive?", last.Content)
	assert.Equal(t, john.ID, last.Sender.ID)
	assert.Equal(t, "When should I arrive?", view.Conversations[0].LastMessage.Content)
	assert.Equal(t, 0, view.Conversations[0].UnreadCount)
}

func TestSessionIdentityChangeResets(t *testing.T) {
	b := newBackend(t)
	s := newSession(t, b)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx, b.token(t, john)))
	require.NoError(t, s.Binding().SelectConversation(ctx, dmID))
	require.Len(t, s.Binding().View().CurrentMessages, 1)

	// same identity keeps state
	require.NoError(t, s.Start(ctx, b.token(t, john)))
	assert.NotNil(t, s.Binding().View().SelectedConversation)

	require.NoError(t, s.Start(ctx, b.token(t, priya)))
	view := s.Binding().View()
	assert.Nil(t, view.SelectedConversation)
	assert.Empty(t, view.CurrentMessages)
	require.Len(t, view.Conversations, 1)
	assert.Equal(t, john.ID, view.Conversations[0].OtherUser.ID)
	assert.Equal(t, priya.ID, s.Store().Snapshot().CurrentUserID)
}

func TestSessionIdentityChangeMidStream(t *testing.T) {
	b := newBackend(t)
	b.stream = true
	s := newSession(t, b)
	ctx := context.Background()

	johnConv := model.DirectConversationID(therapist.ID, john.ID)
	hasConversation := func(id string) bool {
		for _, c := range s.Store().Snapshot().Conversations {
			if c.ConversationID == id {
				return true
			}
		}
		return false
	}

	require.NoError(t, s.Start(ctx, b.token(t, john)))
	require.Eventually(t, func() bool { return hasConversation(johnConv) }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Start(ctx, b.token(t, priya)))
	require.Eventually(t, func() bool {
		return hasConversation(model.DirectConversationID(therapist.ID, priya.ID))
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.False(t, hasConversation(johnConv))
	assert.Equal(t, priya.ID, s.Store().Snapshot().CurrentUserID)
}

func TestSessionUnreachableGatewayReportsError(t *testing.T) {
	b := newBackend(t)
	s := New(Config{
		GatewayURL: "ws://127.0.0.1:1/ws",
		APIBaseURL: b.srv.URL,
	}, nil)
	t.Cleanup(s.Close)

	require.NoError(t, s.Start(context.Background(), b.token(t, john)))
	require.Eventually(t, func() bool {
		return s.Store().Snapshot().ErrorKind == store.ConnectionError
	}, 2*time.Second, 10*time.Millisecond)

	snap := s.Store().Snapshot()
	assert.NotEmpty(t, snap.Error)
	assert.Len(t, snap.Conversations, 1)
	assert.NotEqual(t, transport.StateError, s.State())
}

func TestSessionLogout(t *testing.T) {
	b := newBackend(t)
	s := newSession(t, b)

	require.NoError(t, s.Start(context.Background(), b.token(t, john)))
	require.Eventually(t, func() bool { return s.State() == transport.StateAuthenticated }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Start(context.Background(), ""))
	assert.Equal(t, transport.StateIdle, s.State())
	assert.Empty(t, s.UserID())
	assert.Empty(t, s.Binding().View().Conversations)

	_, err := s.API().ListConversations(context.Background())
	assert.Error(t, err)
}

func TestSessionRejectsMalformedToken(t *testing.T) {
	b := newBackend(t)
	s := newSession(t, b)

	err := s.Start(context.Background(), "not-a-jwt")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
	assert.Equal(t, transport.StateIdle, s.State())
}
