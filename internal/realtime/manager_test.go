package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/regassist/regbridge/internal/devserver"
	"github.com/regassist/regbridge/internal/session"
)

func newTestManager(t *testing.T, url string, tokens session.TokenSource) *Manager {
	t.Helper()
	if tokens == nil {
		tokens = session.NewStaticTokenSource("test-token")
	}
	m, err := NewManager(Config{
		URL:                  url,
		Tokens:               tokens,
		MaxReconnectAttempts: 3,
		BaseDelay:            10 * time.Millisecond,
		MaxDelay:             50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestDispatchRegistrationOrderAndPanicIsolation(t *testing.T) {
	m := newTestManager(t, "http://example.invalid/v1/stream", nil)

	var order []string
	m.Subscribe("status", func(Envelope) { order = append(order, "first") })
	m.Subscribe("status", func(Envelope) { panic("boom") })
	m.Subscribe("status", func(Envelope) { order = append(order, "third") })
	m.Subscribe("other", func(Envelope) { order = append(order, "wrong-topic") })

	m.dispatch(Envelope{Type: "status"})

	want := []string{"first", "third"}
	if len(order) != len(want) {
		t.Fatalf("order = %v; want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v; want %v", order, want)
		}
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	m := newTestManager(t, "http://example.invalid/v1/stream", nil)

	calls := 0
	unsubscribe := m.Subscribe("status", func(Envelope) { calls++ })
	survivor := 0
	m.Subscribe("status", func(Envelope) { survivor++ })

	m.dispatch(Envelope{Type: "status"})
	unsubscribe()
	unsubscribe()
	m.dispatch(Envelope{Type: "status"})

	if calls != 1 {
		t.Fatalf("unsubscribed handler calls = %d; want 1", calls)
	}
	if survivor != 2 {
		t.Fatalf("surviving handler calls = %d; want 2", survivor)
	}
}

func TestHandlerMayUnsubscribeItselfMidDispatch(t *testing.T) {
	m := newTestManager(t, "http://example.invalid/v1/stream", nil)

	var unsubscribe func()
	calls := 0
	unsubscribe = m.Subscribe("status", func(Envelope) {
		calls++
		unsubscribe()
	})
	after := 0
	m.Subscribe("status", func(Envelope) { after++ })

	m.dispatch(Envelope{Type: "status"})
	m.dispatch(Envelope{Type: "status"})

	if calls != 1 || after != 2 {
		t.Fatalf("calls = %d, after = %d; want 1, 2", calls, after)
	}
}

func TestSendWhileDisconnectedDrops(t *testing.T) {
	m := newTestManager(t, "http://example.invalid/v1/stream", nil)
	// Must not panic or queue; the message is simply dropped.
	m.Send(Envelope{Type: "user_message", Data: json.RawMessage(`{"content":"hi"}`)})
	if m.State() != StateDisconnected {
		t.Fatalf("state = %s; want disconnected", m.State())
	}
}

func TestConnectFailureDoesNotStartReconnect(t *testing.T) {
	m := newTestManager(t, "http://127.0.0.1:1/v1/stream", nil)

	var states []State
	var mu sync.Mutex
	m.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	if err := m.Connect(context.Background()); err == nil {
		t.Fatalf("Connect: want error")
	}
	if m.State() != StateDisconnected {
		t.Fatalf("state = %s; want disconnected", m.State())
	}
	// No reconnect attempts fire later.
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	for _, s := range states {
		if s == StateReconnecting {
			t.Fatalf("states = %v; initial connect failure must not reconnect", states)
		}
	}
}

func startDevServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(devserver.NewServer(devserver.Config{
		AuthTokens: []string{"test-token"},
		Responder:  &devserver.CannedResponder{Chunks: []string{"part one ", "part two"}},
		Faults:     devserver.NewFaultScript(),
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStreamAgentResponse(t *testing.T) {
	srv := startDevServer(t)
	m := newTestManager(t, srv.URL+"/v1/stream", nil)
	defer m.Disconnect()

	var mu sync.Mutex
	var topics []string
	var chunks []string
	record := func(topic string) Handler {
		return func(env Envelope) {
			mu.Lock()
			topics = append(topics, topic)
			mu.Unlock()
		}
	}
	m.Subscribe(TopicTypingStart, record(TopicTypingStart))
	m.Subscribe(TopicResponseStream, func(env Envelope) {
		var payload struct {
			Chunk string `json:"chunk"`
		}
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			t.Errorf("chunk payload: %v", err)
		}
		mu.Lock()
		topics = append(topics, TopicResponseStream)
		chunks = append(chunks, payload.Chunk)
		mu.Unlock()
	})
	m.Subscribe(TopicTypingStop, record(TopicTypingStop))
	done := make(chan struct{})
	m.Subscribe(TopicComplete, func(Envelope) { close(done) })

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if m.State() != StateConnected {
		t.Fatalf("state = %s; want connected", m.State())
	}

	question, _ := json.Marshal(map[string]string{"project_id": "p1", "content": "hello"})
	m.Send(Envelope{Type: "user_message", Data: question})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for complete")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{TopicTypingStart, TopicResponseStream, TopicResponseStream, TopicTypingStop}
	if len(topics) != len(want) {
		t.Fatalf("topics = %v; want %v", topics, want)
	}
	for i := range want {
		if topics[i] != want[i] {
			t.Fatalf("topics = %v; want %v", topics, want)
		}
	}
	if len(chunks) != 2 || chunks[0] != "part one " || chunks[1] != "part two" {
		t.Fatalf("chunks = %q", chunks)
	}
}

// rotatingTokens returns a different token per call so reconnects can be
// distinguished from the initial dial.
type rotatingTokens struct {
	mu     sync.Mutex
	tokens []string
}

func (r *rotatingTokens) Token(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.tokens) == 1 {
		return r.tokens[0], nil
	}
	tok := r.tokens[0]
	r.tokens = r.tokens[1:]
	return tok, nil
}

func TestReconnectRereadsToken(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	var mu sync.Mutex
	var seenTokens []string
	conns := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		seenTokens = append(seenTokens, r.URL.Query().Get("token"))
		conns++
		first := conns == 1
		mu.Unlock()
		if first {
			// Drop the first connection abruptly to trigger reconnection.
			conn.Close()
			return
		}
		_ = conn.WriteJSON(Envelope{Type: "status", Timestamp: time.Now()})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	tokens := &rotatingTokens{tokens: []string{"token-1", "token-2"}}
	m := newTestManager(t, srv.URL, tokens)
	defer m.Disconnect()

	reconnected := make(chan struct{}, 1)
	var sawReconnecting bool
	m.OnStateChange(func(s State) {
		if s == StateReconnecting {
			sawReconnecting = true
		}
		if s == StateConnected && sawReconnecting {
			select {
			case reconnected <- struct{}{}:
			default:
			}
		}
	})
	statusSeen := make(chan struct{}, 1)
	m.Subscribe("status", func(Envelope) {
		select {
		case statusSeen <- struct{}{}:
		default:
		}
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for reconnect")
	}
	select {
	case <-statusSeen:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for post-reconnect dispatch")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seenTokens) < 2 {
		t.Fatalf("seen tokens = %v; want at least 2 connections", seenTokens)
	}
	if seenTokens[0] != "token-1" || seenTokens[len(seenTokens)-1] != "token-2" {
		t.Fatalf("seen tokens = %v; reconnect must re-read the token", seenTokens)
	}
}

func TestReconnectWithImmediateBackoffTimer(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	var mu sync.Mutex
	conns := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		conns++
		first := conns == 1
		mu.Unlock()
		if first {
			conn.Close()
			return
		}
		_ = conn.WriteJSON(Envelope{Type: "status", Timestamp: time.Now()})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	// A delay this small makes the timer fire as soon as it is armed; the
	// reconnect attempt must still find the manager in the reconnecting
	// state rather than silently giving up.
	m, err := NewManager(Config{
		URL:                  srv.URL,
		Tokens:               session.NewStaticTokenSource("test-token"),
		MaxReconnectAttempts: 3,
		BaseDelay:            time.Nanosecond,
		MaxDelay:             time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Disconnect()

	statusSeen := make(chan struct{}, 1)
	m.Subscribe("status", func(Envelope) {
		select {
		case statusSeen <- struct{}{}:
		default:
		}
	})
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	select {
	case <-statusSeen:
	case <-time.After(5 * time.Second):
		t.Fatalf("no dispatch after reconnect; state = %s", m.State())
	}
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))

	m := newTestManager(t, srv.URL, nil)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	// Kill the server so every reconnect attempt fails.
	srv.Close()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == StateDisconnected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state = %s; want disconnected after exhausting reconnect attempts", m.State())
}

func TestDisconnectStopsReconnect(t *testing.T) {
	srv := startDevServer(t)
	m := newTestManager(t, srv.URL+"/v1/stream", nil)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	m.Disconnect()
	if m.State() != StateDisconnected {
		t.Fatalf("state = %s; want disconnected", m.State())
	}

	// No reconnect fires after an explicit disconnect.
	time.Sleep(100 * time.Millisecond)
	if m.State() != StateDisconnected {
		t.Fatalf("state = %s; explicit disconnect must not reconnect", m.State())
	}

	// Subscriptions survive for the next Connect.
	got := make(chan struct{}, 1)
	m.Subscribe("status", func(Envelope) {
		select {
		case got <- struct{}{}:
		default:
		}
	})
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	defer m.Disconnect()
	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatalf("no status envelope after reconnecting")
	}
}
