package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/panchakarma-chat/pkg/model"
)

// fakeGateway accepts "good" tokens, rejects everything else and records the
// envelopes it receives.
type fakeGateway struct {
	srv    *httptest.Server
	mu     sync.Mutex
	joins  []string
	events []model.Envelope
	conns  []*websocket.Conn

	// dropAfterJoin closes the first connection right after authenticating.
	dropAfterJoin bool
}

func newFakeGateway(t *testing.T) *fakeGateway {
	g := &fakeGateway{}
	upgrader := websocket.Upgrader{}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.mu.Lock()
		g.conns = append(g.conns, conn)
		first := len(g.conns) == 1
		g.mu.Unlock()
		defer conn.Close()

		for {
			var env model.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			g.mu.Lock()
			g.events = append(g.events, env)
			g.mu.Unlock()

			if env.Event != model.EventJoin {
				continue
			}
			var join model.JoinPayload
			if err := env.Decode(&join); err != nil {
				return
			}
			g.mu.Lock()
			g.joins = append(g.joins, join.Token)
			g.mu.Unlock()

			if join.Token != "good" && join.Token != "also-good" {
				reply, _ := model.NewEnvelope(model.EventError, model.ErrorPayload{Code: model.ErrCodeUnauthorized, Message: "invalid token"})
				conn.WriteJSON(reply)
				return
			}
			reply, _ := model.NewEnvelope(model.EventAuthenticated, model.AuthenticatedPayload{UserID: "u1"})
			conn.WriteJSON(reply)

			if g.dropAfterJoin && first {
				return
			}
		}
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

func (g *fakeGateway) joinCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.joins)
}

func (g *fakeGateway) received(event string) []model.Envelope {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []model.Envelope
	for _, e := range g.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) handle(env model.Envelope) {
	r.mu.Lock()
	r.events = append(r.events, env.Event)
	r.mu.Unlock()
}

func (r *recorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

func fastRetry() backoff.BackOff {
	return backoff.NewConstantBackOff(10 * time.Millisecond)
}

func newAdapter(g *fakeGateway, rec *recorder) *Adapter {
	return New(g.url(), rec.handle, WithBackoff(fastRetry))
}

func TestConnectAuthenticatesAndSends(t *testing.T) {
	g := newFakeGateway(t)
	rec := &recorder{}
	a := newAdapter(g, rec)
	defer a.Disconnect()

	a.Connect("good")
	require.Eventually(t, func() bool { return a.State() == StateAuthenticated }, time.Second, 5*time.Millisecond)
	assert.True(t, a.IsConnected())
	assert.Equal(t, 1, rec.count(model.EventConnected))
	assert.Equal(t, 1, rec.count(model.EventAuthenticated))

	require.NoError(t, a.Send(model.EventTypingStart, model.TypingTargetPayload{ReceiverID: "p1"}))
	require.Eventually(t, func() bool { return len(g.received(model.EventTypingStart)) == 1 }, time.Second, 5*time.Millisecond)

	var got model.TypingTargetPayload
	require.NoError(t, g.received(model.EventTypingStart)[0].Decode(&got))
	assert.Equal(t, "p1", got.ReceiverID)
}

func TestConnectSameTokenIsNoop(t *testing.T) {
	g := newFakeGateway(t)
	a := newAdapter(g, &recorder{})
	defer a.Disconnect()

	a.Connect("good")
	require.Eventually(t, func() bool { return a.State() == StateAuthenticated }, time.Second, 5*time.Millisecond)

	a.Connect("good")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, g.joinCount())
	assert.Equal(t, StateAuthenticated, a.State())
}

func TestConnectNewTokenReplacesConnection(t *testing.T) {
	g := newFakeGateway(t)
	rec := &recorder{}
	a := newAdapter(g, rec)
	defer a.Disconnect()

	a.Connect("good")
	require.Eventually(t, func() bool { return a.State() == StateAuthenticated }, time.Second, 5*time.Millisecond)

	a.Connect("also-good")
	require.Eventually(t, func() bool { return g.joinCount() == 2 && a.State() == StateAuthenticated }, time.Second, 5*time.Millisecond)

	g.mu.Lock()
	assert.Equal(t, []string{"good", "also-good"}, g.joins)
	g.mu.Unlock()
	assert.Equal(t, 1, rec.count(model.EventDisconnected))
}

func TestConnectWithoutToken(t *testing.T) {
	rec := &recorder{}
	a := New("ws://127.0.0.1:1/ws", rec.handle)

	assert.NotPanics(t, func() { a.Connect("") })
	assert.Equal(t, StateError, a.State())
	assert.Equal(t, 1, rec.count(model.EventError))
	assert.ErrorIs(t, a.Send(model.EventSendMessage, nil), ErrNotConnected)
}

func TestRejectedTokenStopsReconnecting(t *testing.T) {
	g := newFakeGateway(t)
	rec := &recorder{}
	a := newAdapter(g, rec)
	defer a.Disconnect()

	a.Connect("bad")
	require.Eventually(t, func() bool { return a.State() == StateError }, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, g.joinCount())
	assert.Equal(t, StateError, a.State())
	assert.Equal(t, 1, rec.count(model.EventError))
}

func TestReconnectRejoins(t *testing.T) {
	g := newFakeGateway(t)
	g.dropAfterJoin = true
	rec := &recorder{}
	a := newAdapter(g, rec)
	defer a.Disconnect()

	a.Connect("good")
	require.Eventually(t, func() bool { return g.joinCount() == 2 && a.State() == StateAuthenticated }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, rec.count(model.EventDisconnected), 1)
	assert.Equal(t, 2, rec.count(model.EventConnected))
	assert.Equal(t, 1, rec.count(model.EventError))
}

func TestDisconnect(t *testing.T) {
	g := newFakeGateway(t)
	rec := &recorder{}
	a := newAdapter(g, rec)

	assert.NotPanics(t, a.Disconnect)

	a.Connect("good")
	require.Eventually(t, func() bool { return a.State() == StateAuthenticated }, time.Second, 5*time.Millisecond)

	a.Disconnect()
	assert.Equal(t, StateIdle, a.State())
	assert.ErrorIs(t, a.Send(model.EventTypingStop, model.TypingTargetPayload{ReceiverID: "p1"}), ErrNotConnected)
	assert.Equal(t, 1, rec.count(model.EventDisconnected))

	a.Disconnect()
}

func TestUnreachableGatewayKeepsRetrying(t *testing.T) {
	a := New("ws://127.0.0.1:1/ws", (&recorder{}).handle, WithBackoff(fastRetry))
	a.Connect("good")
	defer a.Disconnect()

	require.Eventually(t, func() bool {
		s := a.State()
		return s == StateDisconnected || s == StateConnecting
	}, time.Second, 5*time.Millisecond)
	assert.False(t, a.IsConnected())
}

func TestUnreachableGatewayReportsConnectionFailure(t *testing.T) {
	var mu sync.Mutex
	var codes []string
	a := New("ws://127.0.0.1:1/ws", func(env model.Envelope) {
		if env.Event != model.EventError {
			return
		}
		var p model.ErrorPayload
		if env.Decode(&p) == nil {
			mu.Lock()
			codes = append(codes, p.Code)
			mu.Unlock()
		}
	}, WithBackoff(fastRetry))
	a.Connect("good")
	defer a.Disconnect()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(codes) >= 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, model.ErrCodeConnectionFailed, codes[0])
	mu.Unlock()
	assert.NotEqual(t, StateError, a.State())
}
