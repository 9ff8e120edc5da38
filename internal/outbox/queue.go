package outbox

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/regassist/regbridge/internal/apiclient"
	"github.com/regassist/regbridge/internal/session"
)

// Replayer performs one queued action against the backend. Replay calls go
// through the API client's own retry policy; the queue treats the returned
// error as final for that flush pass.
type Replayer interface {
	Replay(ctx context.Context, action PendingAction) error
}

// ReplayFunc adapts a function to the Replayer interface.
type ReplayFunc func(ctx context.Context, action PendingAction) error

func (f ReplayFunc) Replay(ctx context.Context, action PendingAction) error {
	return f(ctx, action)
}

const defaultMaxRetries = 5

// Config carries the queue dependencies.
type Config struct {
	Store    Store
	Replayer Replayer
	// MaxRetries bounds replay attempts per action before it is moved to
	// the failed list. Defaults to 5.
	MaxRetries int
	Clock      func() time.Time
}

// Queue is the durable offline mutation queue. Replay conflict policy is
// last-write-wins: actions are replayed verbatim in enqueue order, so the
// final replayed write for a resource is the newest client intent.
type Queue struct {
	store      Store
	replayer   Replayer
	maxRetries int
	clock      func() time.Time

	mu        sync.Mutex
	pending   []PendingAction
	failed    []PendingAction
	flushing  bool
	listeners []Listener
}

// New builds a Queue and rehydrates persisted state from the store.
func New(cfg Config) (*Queue, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("outbox: store is required")
	}
	if cfg.Replayer == nil {
		return nil, fmt.Errorf("outbox: replayer is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	pending, failed, err := cfg.Store.Load()
	if err != nil {
		return nil, fmt.Errorf("outbox: load persisted queue: %w", err)
	}
	return &Queue{
		store:      cfg.Store,
		replayer:   cfg.Replayer,
		maxRetries: cfg.MaxRetries,
		clock:      cfg.Clock,
		pending:    pending,
		failed:     failed,
	}, nil
}

// Enqueue appends an action and persists the queue. A missing ID or
// CreatedAt is filled in. Returns the action id.
func (q *Queue) Enqueue(action PendingAction) (string, error) {
	q.mu.Lock()
	now := q.clock()
	if action.ID == "" {
		action.ID = NewID(now)
	}
	if action.CreatedAt.IsZero() {
		action.CreatedAt = now
	}
	q.pending = append(q.pending, action)
	if err := q.persistLocked(); err != nil {
		// Roll back the append: callers treat a failed enqueue as a final
		// failure, so the action must not replay on a later flush.
		q.pending = q.pending[:len(q.pending)-1]
		q.mu.Unlock()
		return "", err
	}
	q.mu.Unlock()
	q.emit(Event{Type: EventQueued, Action: action})
	return action.ID, nil
}

// Pending returns a copy of the queued actions in replay order.
func (q *Queue) Pending() []PendingAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]PendingAction{}, q.pending...)
}

// Failed returns a copy of the dead-lettered actions.
func (q *Queue) Failed() []PendingAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]PendingAction{}, q.failed...)
}

// Len reports the number of pending actions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// OnEvent registers a listener for queue events and returns an idempotent
// unregister func.
func (q *Queue) OnEvent(fn Listener) func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := len(q.listeners)
	q.listeners = append(q.listeners, fn)
	removed := false
	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if removed || idx >= len(q.listeners) {
			return
		}
		q.listeners[idx] = nil
		removed = true
	}
}

func (q *Queue) emit(ev Event) {
	q.mu.Lock()
	listeners := make([]Listener, 0, len(q.listeners))
	for _, fn := range q.listeners {
		if fn != nil {
			listeners = append(listeners, fn)
		}
	}
	q.mu.Unlock()
	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("outbox: event listener panic: %v", r)
				}
			}()
			fn(ev)
		}()
	}
}

// Flush replays queued actions in FIFO order, one at a time. It is
// idempotent and re-entrant-safe: a flush already in progress makes a
// second call return immediately.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	if q.flushing {
		q.mu.Unlock()
		return nil
	}
	q.flushing = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.flushing = false
		q.mu.Unlock()
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return nil
		}
		action := q.pending[0]
		q.mu.Unlock()

		q.emit(Event{Type: EventSending, Action: action})
		err := q.replayer.Replay(ctx, action)
		if err == nil {
			q.mu.Lock()
			q.dropHeadLocked(action.ID)
			perr := q.persistLocked()
			q.mu.Unlock()
			q.emit(Event{Type: EventReplayed, Action: action})
			if perr != nil {
				return perr
			}
			continue
		}

		action.Retries++
		action.LastError = err.Error()

		// Validation-class failures can never succeed on replay; they go
		// straight to the failed list.
		exhausted := action.Retries > q.maxRetries
		if ae, ok := apiclient.AsError(err); ok && !ae.Retryable && ae.Kind != apiclient.KindNetwork && ae.Kind != apiclient.KindTimeout {
			exhausted = true
		}

		q.mu.Lock()
		q.dropHeadLocked(action.ID)
		if exhausted {
			q.failed = append(q.failed, action)
		} else {
			q.pending = append([]PendingAction{action}, q.pending...)
		}
		perr := q.persistLocked()
		q.mu.Unlock()

		if exhausted {
			q.emit(Event{Type: EventFailed, Action: action, Err: action.LastError})
			if perr != nil {
				return perr
			}
			continue
		}
		// Still failing on a retryable error: leave the action at the head
		// and stop this pass so per-resource FIFO order holds.
		if perr != nil {
			return perr
		}
		return err
	}
}

// AutoFlush starts a flush whenever the session reports connectivity
// restored. Returns the listener's unregister func.
func (q *Queue) AutoFlush(ctx context.Context, sess *session.Session) func() {
	return sess.OnConnectivity(func(online bool) {
		if !online {
			return
		}
		go func() {
			if err := q.Flush(ctx); err != nil {
				log.Printf("outbox: flush after reconnect: %v", err)
			}
		}()
	})
}

// dropHeadLocked removes the head action if it still matches id. The head
// cannot change during a flush pass, but the guard keeps the operation
// safe against misuse.
func (q *Queue) dropHeadLocked(id string) {
	if len(q.pending) > 0 && q.pending[0].ID == id {
		q.pending = q.pending[1:]
	}
}

func (q *Queue) persistLocked() error {
	return q.store.Save(q.pending, q.failed)
}

// Close persists final state and closes the store.
func (q *Queue) Close() error {
	q.mu.Lock()
	err := q.persistLocked()
	q.mu.Unlock()
	if cerr := q.store.Close(); err == nil {
		err = cerr
	}
	return err
}
