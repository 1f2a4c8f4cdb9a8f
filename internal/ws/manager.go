// Package ws holds the websocket transports of the relay: the outbound
// Manager connection to the controlling service and the inbound RelayHub
// for local clients.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/HsiangNianian/tabrelay/internal/clock"
	"github.com/HsiangNianian/tabrelay/internal/protocol"
	"github.com/HsiangNianian/tabrelay/internal/store"
)

var (
	// ErrConnection wraps every transport failure reported by Connect.
	ErrConnection = errors.New("connection failed")

	// ErrProtocol marks an inbound frame that was dropped.
	ErrProtocol = errors.New("protocol error")

	errSuperseded = errors.New("connection superseded")
)

const (
	DefaultConnectTimeout    = 10 * time.Second
	DefaultKeepaliveInterval = 30 * time.Second
)

// State is the lifecycle position of the Manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for _, candidate := range []State{StateDisconnected, StateConnecting, StateConnected, StateReconnecting} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// Status is the snapshot handed to observers on every transition.
type Status struct {
	State     State  `json:"state"`
	Endpoint  string `json:"endpoint,omitempty"`
	Identity  string `json:"identity,omitempty"`
	Attempt   int    `json:"attempt"`
	LastError string `json:"lastError,omitempty"`
	LastPong  int64  `json:"lastPong,omitempty"`
}

// CommandHandler executes one inbound command.
type CommandHandler interface {
	Handle(ctx context.Context, cmd protocol.Command) protocol.Response
}

// SessionResetter tears down the browser attach session.
type SessionResetter interface {
	Reset(ctx context.Context)
}

type ManagerOption func(*Manager)

func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

func WithClock(clk clock.Clock) ManagerOption {
	return func(m *Manager) { m.clock = clk }
}

func WithStore(st store.Store) ManagerOption {
	return func(m *Manager) { m.store = st }
}

func WithConnectTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.connectTimeout = d }
}

func WithKeepaliveInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.keepaliveInterval = d }
}

func WithMaxBackoff(d time.Duration) ManagerOption {
	return func(m *Manager) { m.maxBackoff = d }
}

// Manager owns the single outbound connection to the controlling service:
// handshake, keepalive, command dispatch and reconnect with backoff.
type Manager struct {
	handler CommandHandler
	session SessionResetter
	store   store.Store
	clock   clock.Clock
	logger  *slog.Logger
	dialer  websocket.Dialer

	connectTimeout    time.Duration
	keepaliveInterval time.Duration
	maxBackoff        time.Duration

	mu       sync.Mutex
	state    State
	endpoint string
	identity string
	conn     *clientConn
	// generation changes whenever conn is replaced or dropped; read loops
	// and keepalives of older generations become no-ops.
	generation uint64
	// intent changes on every Connect and Disconnect; an in-flight dial
	// started under an older intent is discarded.
	intent         uint64
	attempt        int
	reconnectTimer *clock.Timer
	keepalive      *clock.Ticker
	keepaliveStop  chan struct{}
	lastPong       time.Time
	lastErr        string

	obsMu     sync.Mutex
	observers map[int]func(Status)
	nextObs   int
}

func NewManager(handler CommandHandler, session SessionResetter, opts ...ManagerOption) *Manager {
	m := &Manager{
		handler:           handler,
		session:           session,
		clock:             clock.Real(),
		connectTimeout:    DefaultConnectTimeout,
		keepaliveInterval: DefaultKeepaliveInterval,
		maxBackoff:        DefaultMaxBackoff,
		observers:         make(map[int]func(Status)),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.dialer = websocket.Dialer{HandshakeTimeout: m.connectTimeout}
	return m
}

// Observe registers fn for status notifications. The returned func
// removes it.
func (m *Manager) Observe(fn func(Status)) func() {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	return func() {
		m.obsMu.Lock()
		defer m.obsMu.Unlock()
		delete(m.observers, id)
	}
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() Status {
	st := Status{
		State:     m.state,
		Endpoint:  m.endpoint,
		Identity:  m.identity,
		Attempt:   m.attempt,
		LastError: m.lastErr,
	}
	if !m.lastPong.IsZero() {
		st.LastPong = m.lastPong.UnixMilli()
	}
	return st
}

func (m *Manager) notify(st Status) {
	m.obsMu.Lock()
	fns := make([]func(Status), 0, len(m.observers))
	for _, fn := range m.observers {
		fns = append(fns, fn)
	}
	m.obsMu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

// Connect dials endpoint, registers identity and returns once the
// transport is open. Endpoint and identity are persisted for later
// reconnects. An existing connection is closed first.
func (m *Manager) Connect(ctx context.Context, endpoint, identity string) error {
	if endpoint == "" || identity == "" {
		return fmt.Errorf("%w: endpoint and identity are required", ErrConnection)
	}

	m.mu.Lock()
	m.intent++
	intent := m.intent
	m.stopReconnectLocked()
	old := m.dropConnLocked()
	m.endpoint = endpoint
	m.identity = identity
	m.attempt = 0
	m.state = StateConnecting
	st := m.statusLocked()
	m.mu.Unlock()

	if old != nil {
		_ = old.closeWith(websocket.CloseNormalClosure, "reconnecting")
		if m.session != nil {
			m.session.Reset(ctx)
		}
	}
	m.notify(st)
	m.persist(ctx, endpoint, identity)

	if err := m.open(ctx, intent); err != nil {
		m.mu.Lock()
		if m.intent == intent {
			m.state = StateDisconnected
			m.lastErr = err.Error()
		}
		st := m.statusLocked()
		m.mu.Unlock()
		m.notify(st)
		return err
	}
	return nil
}

// AutoConnect connects with the persisted endpoint and identity, falling
// back to the given values. A failed first attempt schedules reconnects
// instead of returning an error.
func (m *Manager) AutoConnect(ctx context.Context, endpoint, identity string) {
	if m.store != nil {
		if v, err := m.store.GetSetting(ctx, store.KeyEndpoint); err == nil && v != "" {
			endpoint = v
		}
		if v, err := m.store.GetSetting(ctx, store.KeyIdentity); err == nil && v != "" {
			identity = v
		}
	}
	if endpoint == "" || identity == "" {
		m.logger.Info("relay: no saved credentials, waiting for connect")
		return
	}
	if err := m.Connect(ctx, endpoint, identity); err != nil {
		m.logger.Warn("relay: initial connect failed", "endpoint", endpoint, "error", err)
		m.mu.Lock()
		if m.state == StateDisconnected && m.identity != "" {
			m.state = StateReconnecting
			m.scheduleReconnectLocked()
		}
		st := m.statusLocked()
		m.mu.Unlock()
		m.notify(st)
	}
}

// Disconnect closes the connection with a normal closure, cancels the
// reconnect and keepalive timers, tears down the attach session and
// forgets the identity. Safe to call in any state.
func (m *Manager) Disconnect(ctx context.Context) {
	m.teardown(ctx, websocket.CloseNormalClosure, "client disconnect", true)
}

// Shutdown is Disconnect for process exit: the stored identity is kept so
// the next start reconnects.
func (m *Manager) Shutdown(ctx context.Context) {
	m.teardown(ctx, websocket.CloseGoingAway, "agent shutting down", false)
}

func (m *Manager) teardown(ctx context.Context, code int, reason string, forget bool) {
	m.mu.Lock()
	m.intent++
	m.stopReconnectLocked()
	cc := m.dropConnLocked()
	changed := m.state != StateDisconnected
	m.state = StateDisconnected
	m.attempt = 0
	hadIdentity := m.identity != ""
	if forget {
		m.identity = ""
	}
	st := m.statusLocked()
	m.mu.Unlock()

	if cc != nil {
		if err := cc.closeWith(code, reason); err != nil {
			m.logger.Debug("relay: close failed", "error", err)
		}
	}
	if m.session != nil {
		m.session.Reset(ctx)
	}
	if forget && hadIdentity && m.store != nil {
		if err := m.store.DeleteSetting(ctx, store.KeyIdentity); err != nil {
			m.logger.Warn("relay: forget identity failed", "error", err)
		}
	}
	if changed {
		m.logger.Info("relay: disconnected", "reason", reason)
		m.notify(st)
	}
}

// Push sends an unsolicited frame on the open connection.
func (m *Manager) Push(v any) error {
	m.mu.Lock()
	cc := m.conn
	m.mu.Unlock()
	if cc == nil {
		return fmt.Errorf("%w: not connected", ErrConnection)
	}
	return cc.WriteJSON(v)
}

func (m *Manager) open(ctx context.Context, intent uint64) error {
	m.mu.Lock()
	endpoint, identity := m.endpoint, m.identity
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	m.logger.Info("relay: dial", "endpoint", endpoint)
	raw, _, err := m.dialer.DialContext(dialCtx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrConnection, endpoint, err)
	}
	if err := raw.WriteJSON(protocol.NewRegister(identity)); err != nil {
		_ = raw.Close()
		return fmt.Errorf("%w: register: %v", ErrConnection, err)
	}
	m.logger.Info("relay: send register", "endpoint", endpoint, "identity", identity)
	cc := newClientConn(raw)

	m.mu.Lock()
	if m.intent != intent {
		m.mu.Unlock()
		_ = cc.closeWith(websocket.CloseNormalClosure, "superseded")
		return fmt.Errorf("%w: %v", ErrConnection, errSuperseded)
	}
	m.generation++
	gen := m.generation
	m.conn = cc
	m.attempt = 0
	m.lastErr = ""
	m.startKeepaliveLocked(gen, cc)
	m.mu.Unlock()

	go m.readLoop(gen, cc)
	return nil
}

func (m *Manager) readLoop(gen uint64, cc *clientConn) {
	for {
		_, data, err := cc.conn.ReadMessage()
		if err != nil {
			m.handleClose(gen, err)
			return
		}
		m.handleFrame(gen, cc, data)
	}
}

func (m *Manager) handleFrame(gen uint64, cc *clientConn, data []byte) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		m.logger.Warn("relay: drop frame", "error", fmt.Errorf("%w: %v", ErrProtocol, err))
		return
	}

	switch env.Type {
	case protocol.TypeRegistered:
		m.mu.Lock()
		if m.generation != gen {
			m.mu.Unlock()
			return
		}
		m.state = StateConnected
		st := m.statusLocked()
		m.mu.Unlock()
		m.logger.Info("relay: registered", "identity", st.Identity)
		m.notify(st)
	case protocol.TypePong:
		m.mu.Lock()
		m.lastPong = m.clock.Now()
		m.mu.Unlock()
	case protocol.TypePing:
		_ = cc.WriteJSON(protocol.KeepaliveFrame{Type: protocol.TypePong})
	case protocol.TypeCommand:
		cmd, err := protocol.DecodeCommand(data)
		if err != nil {
			m.logger.Warn("relay: drop command", "msg_id", env.ID, "error", fmt.Errorf("%w: %v", ErrProtocol, err))
			return
		}
		m.logger.Debug("relay: recv command", "msg_id", env.ID, "kind", env.Kind)
		go m.dispatch(cc, cmd)
	default:
		m.logger.Debug("relay: ignore frame", "type", env.Type, "msg_id", env.ID)
	}
}

func (m *Manager) dispatch(cc *clientConn, cmd protocol.Command) {
	resp := m.handler.Handle(cc.ctx, cmd)
	if err := cc.WriteJSON(resp); err != nil {
		m.logger.Warn("relay: send response failed", "msg_id", resp.ID, "error", err)
		return
	}
	m.logger.Debug("relay: send response", "msg_id", resp.ID, "success", resp.Success)
}

func (m *Manager) handleClose(gen uint64, err error) {
	code := websocket.CloseAbnormalClosure
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		code = ce.Code
	}

	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return
	}
	cc := m.dropConnLocked()
	m.lastErr = err.Error()
	if code != websocket.CloseNormalClosure && m.identity != "" {
		m.state = StateReconnecting
		m.scheduleReconnectLocked()
	} else {
		m.state = StateDisconnected
	}
	st := m.statusLocked()
	m.mu.Unlock()

	m.logger.Info("relay: connection closed", "code", code, "state", st.State, "error", err)
	if cc != nil {
		_ = cc.closeWith(websocket.CloseNormalClosure, "")
	}
	if m.session != nil {
		m.session.Reset(context.Background())
	}
	m.notify(st)
}

// scheduleReconnectLocked arms the single reconnect timer, replacing any
// armed one.
func (m *Manager) scheduleReconnectLocked() {
	m.stopReconnectLocked()
	delay := Backoff(m.attempt, m.maxBackoff)
	m.attempt++
	intent := m.intent
	m.reconnectTimer = m.clock.AfterFunc(delay, func() { m.reconnect(intent) })
	m.logger.Info("relay: reconnect scheduled", "delay", delay, "attempt", m.attempt)
}

func (m *Manager) stopReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) reconnect(intent uint64) {
	m.mu.Lock()
	if m.intent != intent || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	m.state = StateConnecting
	st := m.statusLocked()
	m.mu.Unlock()
	m.notify(st)

	err := m.open(context.Background(), intent)
	if err == nil {
		return
	}

	m.mu.Lock()
	if m.intent != intent {
		m.mu.Unlock()
		return
	}
	m.lastErr = err.Error()
	m.state = StateReconnecting
	m.scheduleReconnectLocked()
	st = m.statusLocked()
	m.mu.Unlock()
	m.logger.Warn("relay: reconnect failed", "error", err)
	m.notify(st)
}

// dropConnLocked detaches the current connection from the Manager and
// stops its keepalive. The caller closes the returned conn.
func (m *Manager) dropConnLocked() *clientConn {
	m.stopKeepaliveLocked()
	cc := m.conn
	m.conn = nil
	m.generation++
	return cc
}

func (m *Manager) startKeepaliveLocked(gen uint64, cc *clientConn) {
	m.stopKeepaliveLocked()
	ticker := m.clock.NewTicker(m.keepaliveInterval)
	stop := make(chan struct{})
	m.keepalive = ticker
	m.keepaliveStop = stop

	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.mu.Lock()
				open := m.generation == gen && m.conn == cc
				m.mu.Unlock()
				if !open {
					continue
				}
				if err := cc.WriteJSON(protocol.NewPing()); err != nil {
					m.logger.Debug("relay: ping failed", "error", err)
				}
			}
		}
	}()
}

func (m *Manager) stopKeepaliveLocked() {
	if m.keepalive != nil {
		m.keepalive.Stop()
		m.keepalive = nil
	}
	if m.keepaliveStop != nil {
		close(m.keepaliveStop)
		m.keepaliveStop = nil
	}
}

func (m *Manager) persist(ctx context.Context, endpoint, identity string) {
	if m.store == nil {
		return
	}
	if err := m.store.SetSetting(ctx, store.KeyEndpoint, endpoint); err != nil {
		m.logger.Warn("relay: persist endpoint failed", "error", err)
	}
	if err := m.store.SetSetting(ctx, store.KeyIdentity, identity); err != nil {
		m.logger.Warn("relay: persist identity failed", "error", err)
	}
}
