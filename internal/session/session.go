// Package session holds the explicitly constructed application context:
// the auth token source and the connectivity signal. It replaces the
// process-wide singletons the original frontend kept — a Session is built
// at app start, injected into every component, and torn down at sign-out.
package session

import (
	"context"
	"errors"
	"log"
	"sync"
)

// ErrNoSession is returned when a token is requested but no session is
// active (never signed in, or already closed).
var ErrNoSession = errors.New("session: no active session")

// TokenSource supplies the current bearer token. Implementations may
// rotate tokens; callers must re-read on every request or reconnect.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource returns a fixed token.
type StaticTokenSource struct {
	token string
}

func NewStaticTokenSource(token string) *StaticTokenSource {
	return &StaticTokenSource{token: token}
}

func (s *StaticTokenSource) Token(ctx context.Context) (string, error) {
	if s.token == "" {
		return "", ErrNoSession
	}
	return s.token, nil
}

// ConnectivityListener is notified when the online/offline state flips.
type ConnectivityListener func(online bool)

// Session is the dependency-injected app context.
type Session struct {
	mu        sync.Mutex
	tokens    TokenSource
	online    bool
	closed    bool
	listeners []ConnectivityListener
}

// New builds a Session around the given token source. The session starts
// in the online state.
func New(tokens TokenSource) *Session {
	return &Session{
		tokens: tokens,
		online: true,
	}
}

// Token returns the current bearer token, or ErrNoSession after Close.
func (s *Session) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	closed := s.closed
	tokens := s.tokens
	s.mu.Unlock()
	if closed || tokens == nil {
		return "", ErrNoSession
	}
	return tokens.Token(ctx)
}

// Online reports the current connectivity state.
func (s *Session) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// SetOnline flips the connectivity state and notifies listeners. Setting
// the same state twice is a no-op.
func (s *Session) SetOnline(online bool) {
	s.mu.Lock()
	if s.closed || s.online == online {
		s.mu.Unlock()
		return
	}
	s.online = online
	listeners := make([]ConnectivityListener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		if fn != nil {
			listeners = append(listeners, fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		notify(fn, online)
	}
}

func notify(fn ConnectivityListener, online bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("session: connectivity listener panic: %v", r)
		}
	}()
	fn(online)
}

// OnConnectivity registers a listener for online/offline transitions and
// returns an idempotent unregister func.
func (s *Session) OnConnectivity(fn ConnectivityListener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.listeners)
	s.listeners = append(s.listeners, fn)
	removed := false
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if removed || idx >= len(s.listeners) || s.listeners[idx] == nil {
			removed = true
			return
		}
		s.listeners[idx] = nil
		removed = true
	}
}

// Close tears the session down. Token fails with ErrNoSession afterwards
// and no further connectivity notifications are delivered.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.listeners = nil
}
