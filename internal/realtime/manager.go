// Package realtime maintains one authenticated websocket connection per
// session and fans inbound messages out to topic subscribers. Unexpected
// closes trigger capped exponential-backoff reconnection with a fresh auth
// token per attempt; explicit Disconnect never does.
package realtime

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/regassist/regbridge/internal/session"
)

const (
	defaultMaxReconnectAttempts = 5
	defaultBaseDelay            = time.Second
	defaultMaxDelay             = 30 * time.Second
	writeTimeout                = 10 * time.Second
)

// Config carries the manager dependencies.
type Config struct {
	// URL of the stream endpoint; http(s) schemes are converted to ws(s).
	URL    string
	Tokens session.TokenSource
	Dialer *websocket.Dialer
	// MaxReconnectAttempts bounds the reconnect loop after an unexpected
	// close. Defaults to 5.
	MaxReconnectAttempts int
	BaseDelay            time.Duration
	MaxDelay             time.Duration
}

type subscription struct {
	id uint64
	fn Handler
}

// Manager is the websocket channel manager.
type Manager struct {
	url         string
	tokens      session.TokenSource
	dialer      *websocket.Dialer
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration

	mu         sync.Mutex
	writeMu    sync.Mutex
	state      State
	conn       *websocket.Conn
	generation int
	closing    bool
	attempts   int
	bo         *backoff.ExponentialBackOff
	timer      *time.Timer
	subs       map[string][]subscription
	nextSubID  uint64
	stateSubs  []func(State)
}

// NewManager builds a Manager in the disconnected state.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("realtime: stream URL is required")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("realtime: token source is required")
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	return &Manager{
		url:         cfg.URL,
		tokens:      cfg.Tokens,
		dialer:      dialer,
		maxAttempts: cfg.MaxReconnectAttempts,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		state:       StateDisconnected,
		subs:        make(map[string][]subscription),
	}, nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnStateChange registers a listener for state transitions and returns an
// idempotent unregister func.
func (m *Manager) OnStateChange(fn func(State)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := len(m.stateSubs)
	m.stateSubs = append(m.stateSubs, fn)
	removed := false
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if removed || idx >= len(m.stateSubs) {
			return
		}
		m.stateSubs[idx] = nil
		removed = true
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	listeners := m.setStateLocked(s)
	m.mu.Unlock()
	m.notifyState(s, listeners)
}

// setStateLocked transitions the state while m.mu is held and returns the
// listeners to notify once the lock is released. The transition must be
// visible before any backoff timer armed under the same lock can fire.
func (m *Manager) setStateLocked(s State) []func(State) {
	if m.state == s {
		return nil
	}
	m.state = s
	listeners := make([]func(State), 0, len(m.stateSubs))
	for _, fn := range m.stateSubs {
		if fn != nil {
			listeners = append(listeners, fn)
		}
	}
	return listeners
}

func (m *Manager) notifyState(s State, listeners []func(State)) {
	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("realtime: state listener panic: %v", r)
				}
			}()
			fn(s)
		}()
	}
}

// Connect dials the stream endpoint. Calling Connect while connected is a
// no-op. A failed initial connect is returned to the caller and does not
// start the reconnect loop.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.closing = false
	m.mu.Unlock()
	m.setState(StateConnecting)

	conn, err := m.dial(ctx)
	if err != nil {
		m.setState(StateDisconnected)
		return err
	}
	m.adopt(conn)
	return nil
}

// adopt installs a freshly dialed connection and starts its read loop.
func (m *Manager) adopt(conn *websocket.Conn) {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.conn = conn
	m.generation++
	gen := m.generation
	m.attempts = 0
	m.bo = nil
	m.mu.Unlock()
	m.setState(StateConnected)
	go m.readLoop(conn, gen)
}

// dial re-reads the auth token on every attempt; tokens may have rotated
// between reconnects.
func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := m.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("realtime: no session token: %w", err)
	}
	u, err := url.Parse(m.url)
	if err != nil {
		return nil, fmt.Errorf("realtime: parse stream URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, resp, err := m.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("realtime: dial %s: %w", u.Host, err)
	}
	return conn, nil
}

func (m *Manager) readLoop(conn *websocket.Conn, gen int) {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			m.handleReadError(gen, err)
			return
		}
		m.dispatch(env)
	}
}

// handleReadError enters the reconnect path unless the close was explicit
// or the connection has already been superseded.
func (m *Manager) handleReadError(gen int, err error) {
	m.mu.Lock()
	if m.closing || gen != m.generation {
		m.mu.Unlock()
		return
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.bo = m.newBackOff()
	m.attempts = 0
	delay := m.bo.NextBackOff()
	// The state must flip before the timer is armed: tryReconnect bails out
	// unless it finds the manager reconnecting.
	listeners := m.setStateLocked(StateReconnecting)
	m.timer = time.AfterFunc(delay, m.tryReconnect)
	m.mu.Unlock()

	if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Printf("realtime: connection lost: %v (reconnecting in %s)", err, delay)
	}
	m.notifyState(StateReconnecting, listeners)
}

func (m *Manager) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.baseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = m.maxDelay
	b.Reset()
	return b
}

func (m *Manager) tryReconnect() {
	m.mu.Lock()
	if m.closing || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.attempts++
	m.timer = nil
	m.mu.Unlock()
	m.setState(StateConnecting)

	conn, err := m.dial(context.Background())
	if err == nil {
		m.adopt(conn)
		return
	}

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return
	}
	if m.attempts >= m.maxAttempts {
		m.mu.Unlock()
		log.Printf("realtime: giving up after %d reconnect attempts: %v", m.attempts, err)
		m.setState(StateDisconnected)
		return
	}
	delay := m.bo.NextBackOff()
	listeners := m.setStateLocked(StateReconnecting)
	m.timer = time.AfterFunc(delay, m.tryReconnect)
	m.mu.Unlock()
	log.Printf("realtime: reconnect attempt %d failed: %v (next in %s)", m.attempts, err, delay)
	m.notifyState(StateReconnecting, listeners)
}

// Disconnect closes the connection without entering the reconnect path and
// synchronously clears any pending backoff timer. Subscriptions are
// retained for a later Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.closing = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	conn := m.conn
	m.conn = nil
	m.generation++
	m.mu.Unlock()

	if conn != nil {
		m.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		m.writeMu.Unlock()
		_ = conn.Close()
	}
	m.setState(StateDisconnected)
}

// Subscribe registers a handler for a topic and returns an idempotent
// unsubscribe func. Handlers on the same topic run in registration order.
func (m *Manager) Subscribe(topic string, fn Handler) func() {
	m.mu.Lock()
	m.nextSubID++
	id := m.nextSubID
	m.subs[topic] = append(m.subs[topic], subscription{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			handlers := m.subs[topic]
			for i, sub := range handlers {
				if sub.id == id {
					m.subs[topic] = append(append([]subscription{}, handlers[:i]...), handlers[i+1:]...)
					break
				}
			}
			if len(m.subs[topic]) == 0 {
				delete(m.subs, topic)
			}
		})
	}
}

// dispatch delivers env to every subscriber of its topic, in registration
// order, over a snapshot of the handler list so handlers may unsubscribe
// themselves mid-dispatch. A panicking handler is logged and skipped;
// later handlers still run.
func (m *Manager) dispatch(env Envelope) {
	m.mu.Lock()
	handlers := append([]subscription{}, m.subs[env.Type]...)
	m.mu.Unlock()

	for _, sub := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("realtime: handler panic on topic %q: %v", env.Type, r)
				}
			}()
			sub.fn(env)
		}()
	}
}

// Send writes an envelope over the open socket, fire-and-forget. When not
// connected the message is dropped with a log line: control and status
// traffic is freshness-sensitive and must not be queued.
func (m *Manager) Send(env Envelope) {
	m.mu.Lock()
	conn := m.conn
	state := m.state
	m.mu.Unlock()

	if state != StateConnected || conn == nil {
		log.Printf("realtime: dropping %q message, channel %s", env.Type, state)
		return
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(env); err != nil {
		log.Printf("realtime: write %q failed: %v", env.Type, err)
	}
}
