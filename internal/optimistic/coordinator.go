// Package optimistic gives immediate local feedback for create, update and
// delete operations while reconciling with server truth: the tentative
// patch is applied before the server call, replaced by the confirmed
// document on success, and reverted on final failure. Mutations on the
// same resource are serialized; mutations on independent resources run
// concurrently.
package optimistic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"

	"github.com/regassist/regbridge/internal/apiclient"
	"github.com/regassist/regbridge/internal/outbox"
)

// ErrCancelled is returned by Mutate when the mutation was cancelled while
// its server call was in flight. The eventual server response is ignored.
var ErrCancelled = errors.New("optimistic: mutation cancelled")

// Operation describes one mutation: its class, the target resource, and
// the transport shape needed to replay it from the offline queue.
type Operation struct {
	Kind       outbox.ActionKind
	Resource   string
	ResourceID string
	Method     string
	Path       string
	// MutationID is optional; callers that want to Cancel a mutation while
	// it is in flight supply their own id up front. Generated when empty.
	MutationID string
}

func (op Operation) key() string {
	return op.Resource + "/" + op.ResourceID
}

// ServerCall performs the actual backend mutation and returns the
// server-confirmed document.
type ServerCall func(ctx context.Context) (json.RawMessage, error)

// Result reports the outcome of a mutation.
type Result struct {
	MutationID string
	// Doc is the server-confirmed document, or the tentative document when
	// the mutation was queued for offline replay.
	Doc json.RawMessage
	// Queued is true when a connectivity failure handed the mutation to
	// the offline queue; the tentative state is kept visible until replay.
	Queued bool
}

type mutation struct {
	id        string
	key       string
	prev      json.RawMessage
	existed   bool
	cancelled bool
}

// Coordinator owns the visible state and serializes same-resource
// mutations.
type Coordinator struct {
	state *DocStore
	queue *outbox.Queue // nil disables offline queuing

	mu        sync.Mutex
	inflight  map[string]chan struct{}
	mutations map[string]*mutation
}

// New builds a Coordinator over the given state. queue may be nil, in
// which case connectivity failures are surfaced like any other error.
func New(state *DocStore, queue *outbox.Queue) *Coordinator {
	return &Coordinator{
		state:     state,
		queue:     queue,
		inflight:  make(map[string]chan struct{}),
		mutations: make(map[string]*mutation),
	}
}

// State exposes the visible state for read-only observation.
func (c *Coordinator) State() *DocStore {
	return c.state
}

// Mutate applies patch (an RFC 7386 merge patch; ignored for deletes) to
// the visible state synchronously, then runs call. On success the
// tentative document is replaced with server truth. On a connectivity
// failure the mutation is handed to the offline queue and the tentative
// state is kept ("saved locally, syncs later"). Any other failure reverts
// the visible state and returns the normalized error.
func (c *Coordinator) Mutate(ctx context.Context, op Operation, patch []byte, call ServerCall) (*Result, error) {
	if op.Resource == "" {
		return nil, fmt.Errorf("optimistic: operation resource is required")
	}
	key := op.key()

	release, err := c.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer release()

	prev, existed := c.state.Get(key)

	var tentative json.RawMessage
	switch op.Kind {
	case outbox.ActionDelete:
		c.state.delete(key)
	default:
		base := prev
		if base == nil {
			base = json.RawMessage("{}")
		}
		tentative, err = jsonpatch.MergePatch(base, patch)
		if err != nil {
			return nil, fmt.Errorf("optimistic: apply patch: %w", err)
		}
		c.state.set(key, tentative)
	}

	mutationID := op.MutationID
	if mutationID == "" {
		mutationID = uuid.NewString()
	}
	m := &mutation{
		id:      mutationID,
		key:     key,
		prev:    prev,
		existed: existed,
	}
	c.mu.Lock()
	c.mutations[m.id] = m
	c.mu.Unlock()

	confirmed, callErr := call(ctx)

	c.mu.Lock()
	cancelled := m.cancelled
	delete(c.mutations, m.id)
	c.mu.Unlock()

	if cancelled {
		// Cancel already reverted the visible state; the response is stale.
		return nil, ErrCancelled
	}

	if callErr == nil {
		if op.Kind != outbox.ActionDelete {
			if len(confirmed) > 0 {
				c.state.set(key, confirmed)
			} else {
				confirmed = tentative
			}
		}
		return &Result{MutationID: m.id, Doc: confirmed}, nil
	}

	if c.queue != nil && apiclient.IsConnectivity(callErr) {
		if _, qerr := c.queue.Enqueue(outbox.PendingAction{
			Kind:       op.Kind,
			Resource:   op.Resource,
			ResourceID: op.ResourceID,
			Method:     op.Method,
			Path:       op.Path,
			Payload:    patch,
		}); qerr == nil {
			return &Result{MutationID: m.id, Doc: tentative, Queued: true}, nil
		}
		// Queue persistence failed: fall through to a normal revert so the
		// mutation is not silently lost in memory only.
	}

	c.revert(m)
	return nil, callErr
}

// Cancel reverts the tentative state of an in-flight mutation and marks
// its eventual server response as stale. Cancelling an unknown or already
// resolved mutation is a no-op.
// The revert happens under c.mu: once Cancel returns, no later mutation on
// the key can be clobbered by it.
func (c *Coordinator) Cancel(mutationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.mutations[mutationID]
	if m == nil || m.cancelled {
		return
	}
	m.cancelled = true
	c.revert(m)
}

func (c *Coordinator) revert(m *mutation) {
	if m.existed {
		c.state.set(m.key, m.prev)
	} else {
		c.state.delete(m.key)
	}
}

// acquire blocks until no other mutation is in flight for key. Waiters
// re-check under the lock, so at most one mutation per resource proceeds.
func (c *Coordinator) acquire(ctx context.Context, key string) (func(), error) {
	c.mu.Lock()
	for {
		ch, busy := c.inflight[key]
		if !busy {
			break
		}
		c.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		c.mu.Lock()
	}
	done := make(chan struct{})
	c.inflight[key] = done
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.inflight, key)
		c.mu.Unlock()
		close(done)
	}, nil
}
