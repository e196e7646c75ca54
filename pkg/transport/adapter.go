// Package transport owns the client's single websocket connection to the
// gateway: dialing, the join handshake, keepalive and reconnection.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mahaj/panchakarma-chat/pkg/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed between two server pings before the connection is
	// considered dead. The gateway pings every 54s.
	pongWait = 60 * time.Second

	// Maximum message size accepted from the gateway.
	maxMessageSize = 64 * 1024
)

var ErrNotConnected = errors.New("transport: not connected")

// Handler receives every inbound envelope, including the connected,
// disconnected and error envelopes the adapter raises itself. Calls never
// overlap: they come from the connection goroutine, or from the goroutine
// calling Connect when it fails before starting one. It must not call
// Connect or Disconnect.
type Handler func(model.Envelope)

type Option func(*Adapter)

func WithLogger(l *zap.Logger) Option {
	return func(a *Adapter) { a.log = l }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(a *Adapter) { a.dialer = d }
}

// WithBackoff sets the reconnect policy. A policy returning backoff.Stop gives
// up and leaves the adapter in StateError.
func WithBackoff(fn func() backoff.BackOff) Option {
	return func(a *Adapter) { a.newBackoff = fn }
}

type Adapter struct {
	url        string
	handler    Handler
	log        *zap.Logger
	dialer     *websocket.Dialer
	newBackoff func() backoff.BackOff

	mu     sync.Mutex
	state  State
	token  string
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}

	writeMu sync.Mutex

	// lifecycle serializes Connect and Disconnect.
	lifecycle sync.Mutex
}

func New(url string, handler Handler, opts ...Option) *Adapter {
	a := &Adapter{
		url:     url,
		handler: handler,
		log:     zap.NewNop(),
		dialer:  websocket.DefaultDialer,
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// IsConnected reports whether outbound events are currently accepted.
func (a *Adapter) IsConnected() bool {
	return a.State().connected()
}

// Connect starts maintaining a connection authenticated with token. It is a
// no-op while a connection for the same token is being maintained; a
// different token replaces the current connection. Failures are reported
// through the handler and State, never returned.
func (a *Adapter) Connect(token string) {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	a.mu.Lock()
	if a.running() && a.token == token {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	a.stop()

	if token == "" {
		a.fail("", "missing credential token")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	a.mu.Lock()
	a.token = token
	a.cancel = cancel
	a.done = done
	a.mu.Unlock()

	go a.run(ctx, token, done)
}

// Disconnect closes the connection and stops reconnecting. Safe to call in
// any state.
func (a *Adapter) Disconnect() {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()
	a.stop()
}

func (a *Adapter) stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.token = ""
	a.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	a.setState(StateIdle)
}

// Send writes one event to the gateway. Events sent while not connected are
// dropped and ErrNotConnected is returned; nothing is queued.
func (a *Adapter) Send(event string, payload any) error {
	a.mu.Lock()
	conn, state := a.conn, a.state
	a.mu.Unlock()

	if conn == nil || !state.connected() {
		a.log.Debug("dropping outbound event", zap.String("event", event), zap.Stringer("state", state))
		return ErrNotConnected
	}
	return a.write(conn, event, payload)
}

// running must be called with mu held.
func (a *Adapter) running() bool {
	if a.done == nil {
		return false
	}
	select {
	case <-a.done:
		return false
	default:
		return true
	}
}

func (a *Adapter) run(ctx context.Context, token string, done chan struct{}) {
	defer close(done)

	bo := backoff.WithContext(a.newBackoff(), ctx)
	for {
		a.setState(StateConnecting)

		conn, _, err := a.dialer.DialContext(ctx, a.url, nil)
		if err == nil {
			bo.Reset()
			if rejected := a.serve(ctx, conn, token); rejected {
				return
			}
		} else if ctx.Err() == nil {
			a.log.Warn("dial gateway", zap.String("url", a.url), zap.Error(err))
			a.emit(model.EventError, model.ErrorPayload{
				Code:    model.ErrCodeConnectionFailed,
				Message: "gateway unreachable",
			})
		}

		if ctx.Err() != nil {
			a.setState(StateIdle)
			return
		}
		a.setState(StateDisconnected)

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			if ctx.Err() != nil {
				a.setState(StateIdle)
				return
			}
			a.fail("", "gave up reconnecting to gateway")
			return
		}
		a.log.Debug("reconnecting", zap.Duration("in", wait))

		select {
		case <-ctx.Done():
			a.setState(StateIdle)
			return
		case <-time.After(wait):
		}
	}
}

// serve runs one connection until it drops. It reports whether the gateway
// rejected the token, in which case the adapter must not reconnect.
func (a *Adapter) serve(ctx context.Context, conn *websocket.Conn, token string) (rejected bool) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	a.mu.Lock()
	a.conn = conn
	a.state = StateConnected
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.conn = nil
		a.mu.Unlock()
	}()

	a.log.Info("connected to gateway", zap.String("url", a.url))
	a.emit(model.EventConnected, nil)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	// Authentication is repeated on every new connection.
	if err := a.write(conn, model.EventJoin, model.JoinPayload{Token: token}); err != nil {
		a.log.Warn("send join", zap.Error(err))
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			a.emit(model.EventDisconnected, nil)
			if ctx.Err() == nil {
				a.log.Warn("gateway connection lost", zap.Error(err))
				a.emit(model.EventError, model.ErrorPayload{
					Code:    model.ErrCodeConnectionFailed,
					Message: "connection to gateway lost",
				})
			}
			return false
		}

		var env model.Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
			a.log.Warn("malformed envelope from gateway", zap.ByteString("raw", raw))
			continue
		}

		switch env.Event {
		case model.EventAuthenticated:
			a.setState(StateAuthenticated)
		case model.EventError:
			var p model.ErrorPayload
			if env.Decode(&p) == nil && p.Code == model.ErrCodeUnauthorized {
				a.log.Warn("gateway rejected credentials", zap.String("reason", p.Message))
				a.setState(StateError)
				a.handler(env)
				return true
			}
		}
		a.handler(env)
	}
}

func (a *Adapter) write(conn *websocket.Conn, event string, payload any) error {
	env, err := model.NewEnvelope(event, payload)
	if err != nil {
		return err
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(env)
}

func (a *Adapter) emit(event string, payload any) {
	env, err := model.NewEnvelope(event, payload)
	if err != nil {
		a.log.Error("build envelope", zap.Error(err))
		return
	}
	a.handler(env)
}

func (a *Adapter) fail(code, message string) {
	a.setState(StateError)
	a.emit(model.EventError, model.ErrorPayload{Code: code, Message: message})
}

func (a *Adapter) setState(s State) {
	a.mu.Lock()
	prev := a.state
	a.state = s
	a.mu.Unlock()

	if prev != s {
		a.log.Debug("transport state", zap.Stringer("from", prev), zap.Stringer("to", s))
	}
}
