package optimistic

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/regassist/regbridge/internal/apiclient"
	"github.com/regassist/regbridge/internal/outbox"
)

func updateOp(id string) Operation {
	return Operation{
		Kind:       outbox.ActionUpdate,
		Resource:   "projects",
		ResourceID: id,
		Method:     "PUT",
		Path:       "/v1/projects/" + id,
	}
}

func docEquals(t *testing.T, s *DocStore, key, want string) {
	t.Helper()
	got, ok := s.Get(key)
	if !ok {
		t.Fatalf("doc %q missing; want %s", key, want)
	}
	var g, w any
	if err := json.Unmarshal(got, &g); err != nil {
		t.Fatalf("unmarshal %s: %v", got, err)
	}
	if err := json.Unmarshal([]byte(want), &w); err != nil {
		t.Fatalf("unmarshal want: %v", err)
	}
	gb, _ := json.Marshal(g)
	wb, _ := json.Marshal(w)
	if string(gb) != string(wb) {
		t.Fatalf("doc %q = %s; want %s", key, gb, wb)
	}
}

func TestMutateAppliesPatchBeforeServerCall(t *testing.T) {
	state := NewDocStore()
	c := New(state, nil)
	key := "projects/p1"

	var seenDuringCall json.RawMessage
	result, err := c.Mutate(context.Background(), updateOp("p1"), []byte(`{"status":"in_review"}`),
		func(ctx context.Context) (json.RawMessage, error) {
			seenDuringCall, _ = state.Get(key)
			return json.RawMessage(`{"status":"in_review","updated_at":"2026-02-10T09:30:00Z"}`), nil
		})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	// The tentative patch was visible while the call was in flight.
	var tentative map[string]any
	if err := json.Unmarshal(seenDuringCall, &tentative); err != nil || tentative["status"] != "in_review" {
		t.Fatalf("state during call = %s", seenDuringCall)
	}
	// Server truth replaced it afterwards.
	docEquals(t, state, key, `{"status":"in_review","updated_at":"2026-02-10T09:30:00Z"}`)
	if result.MutationID == "" || result.Queued {
		t.Fatalf("result = %+v", result)
	}
}

func TestMutateRevertsOnServerError(t *testing.T) {
	state := NewDocStore()
	c := New(state, nil)
	key := "projects/p1"

	// Seed a confirmed doc, then fail an update against it.
	_, err := c.Mutate(context.Background(), updateOp("p1"), []byte(`{"status":"draft"}`),
		func(ctx context.Context) (json.RawMessage, error) {
			return json.RawMessage(`{"status":"draft"}`), nil
		})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	serverErr := &apiclient.Error{Kind: apiclient.KindServer, Status: 500, Message: "boom", Retryable: true}
	_, err = c.Mutate(context.Background(), updateOp("p1"), []byte(`{"status":"submitted"}`),
		func(ctx context.Context) (json.RawMessage, error) {
			return nil, serverErr
		})
	if !errors.Is(err, serverErr) {
		t.Fatalf("err = %v; want the server error", err)
	}
	docEquals(t, state, key, `{"status":"draft"}`)
}

func TestCreateRevertRemovesDoc(t *testing.T) {
	state := NewDocStore()
	c := New(state, nil)

	_, err := c.Mutate(context.Background(), Operation{
		Kind:       outbox.ActionCreate,
		Resource:   "projects",
		ResourceID: "new",
		Method:     "POST",
		Path:       "/v1/projects",
	}, []byte(`{"name":"OxiTrack"}`), func(ctx context.Context) (json.RawMessage, error) {
		return nil, &apiclient.Error{Kind: apiclient.KindValidation, Status: 422, Message: "invalid"}
	})
	if err == nil {
		t.Fatalf("Mutate: want error")
	}
	if _, ok := state.Get("projects/new"); ok {
		t.Fatalf("create was not reverted; doc still present")
	}
}

func TestDeleteRevertRestoresDoc(t *testing.T) {
	state := NewDocStore()
	c := New(state, nil)
	key := "projects/p1"

	_, err := c.Mutate(context.Background(), updateOp("p1"), []byte(`{"status":"draft"}`),
		func(ctx context.Context) (json.RawMessage, error) { return nil, nil })
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	var seenDuringCall bool
	op := updateOp("p1")
	op.Kind = outbox.ActionDelete
	op.Method = "DELETE"
	_, err = c.Mutate(context.Background(), op, nil,
		func(ctx context.Context) (json.RawMessage, error) {
			_, seenDuringCall = state.Get(key)
			return nil, &apiclient.Error{Kind: apiclient.KindServer, Status: 500, Message: "boom", Retryable: true}
		})
	if err == nil {
		t.Fatalf("Mutate: want error")
	}
	if seenDuringCall {
		t.Fatalf("doc still visible during delete call")
	}
	if _, ok := state.Get(key); !ok {
		t.Fatalf("delete was not reverted; doc missing")
	}
}

func TestConnectivityFailureQueuesAndKeepsTentative(t *testing.T) {
	queue, err := outbox.New(outbox.Config{
		Store: outbox.NewMemoryStore(),
		Replayer: outbox.ReplayFunc(func(ctx context.Context, a outbox.PendingAction) error {
			return nil
		}),
	})
	if err != nil {
		t.Fatalf("outbox.New: %v", err)
	}
	state := NewDocStore()
	c := New(state, queue)

	patch := []byte(`{"status":"in_review"}`)
	result, err := c.Mutate(context.Background(), updateOp("p1"), patch,
		func(ctx context.Context) (json.RawMessage, error) {
			return nil, &apiclient.Error{Kind: apiclient.KindNetwork, Message: "connection refused", Retryable: true}
		})
	if err != nil {
		t.Fatalf("Mutate: %v; connectivity failures queue instead of failing", err)
	}
	if !result.Queued {
		t.Fatalf("result = %+v; want Queued", result)
	}
	// Tentative state stays visible until replay.
	docEquals(t, state, "projects/p1", `{"status":"in_review"}`)

	pending := queue.Pending()
	if len(pending) != 1 {
		t.Fatalf("pending = %+v; want 1 action", pending)
	}
	a := pending[0]
	if a.Kind != outbox.ActionUpdate || a.Path != "/v1/projects/p1" || string(a.Payload) != string(patch) {
		t.Fatalf("queued action = %+v", a)
	}
}

func TestSameResourceMutationsSerialized(t *testing.T) {
	state := NewDocStore()
	c := New(state, nil)

	firstInCall := make(chan struct{})
	releaseFirst := make(chan struct{})
	var order []string
	var mu sync.Mutex
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.Mutate(context.Background(), updateOp("p1"), []byte(`{"n":1}`),
			func(ctx context.Context) (json.RawMessage, error) {
				record("first-start")
				close(firstInCall)
				<-releaseFirst
				record("first-end")
				return nil, nil
			})
	}()
	go func() {
		defer wg.Done()
		<-firstInCall
		c.Mutate(context.Background(), updateOp("p1"), []byte(`{"n":2}`),
			func(ctx context.Context) (json.RawMessage, error) {
				record("second-start")
				return nil, nil
			})
	}()

	// Give the second mutation time to block on the per-resource lock.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	blocked := len(order) == 1
	mu.Unlock()
	if !blocked {
		t.Fatalf("order = %v; second mutation ran before first finished", order)
	}
	close(releaseFirst)
	wg.Wait()

	want := []string{"first-start", "first-end", "second-start"}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(want) {
		t.Fatalf("order = %v; want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v; want %v", order, want)
		}
	}
}

func TestIndependentResourcesRunConcurrently(t *testing.T) {
	state := NewDocStore()
	c := New(state, nil)

	p1InCall := make(chan struct{})
	releaseP1 := make(chan struct{})
	go func() {
		c.Mutate(context.Background(), updateOp("p1"), []byte(`{"n":1}`),
			func(ctx context.Context) (json.RawMessage, error) {
				close(p1InCall)
				<-releaseP1
				return nil, nil
			})
	}()
	<-p1InCall
	defer close(releaseP1)

	done := make(chan struct{})
	go func() {
		c.Mutate(context.Background(), updateOp("p2"), []byte(`{"n":2}`),
			func(ctx context.Context) (json.RawMessage, error) { return nil, nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("mutation on p2 blocked behind in-flight mutation on p1")
	}
}

func TestCancelIgnoresStaleResponse(t *testing.T) {
	state := NewDocStore()
	c := New(state, nil)
	key := "projects/p1"

	// Seed confirmed state.
	_, err := c.Mutate(context.Background(), updateOp("p1"), []byte(`{"status":"draft"}`),
		func(ctx context.Context) (json.RawMessage, error) { return nil, nil })
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	op := updateOp("p1")
	op.MutationID = "mut-1"
	inCall := make(chan struct{})
	release := make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := c.Mutate(context.Background(), op, []byte(`{"status":"submitted"}`),
			func(ctx context.Context) (json.RawMessage, error) {
				close(inCall)
				<-release
				// The server did apply the change; the client must still
				// discard this response after the cancel.
				return json.RawMessage(`{"status":"submitted"}`), nil
			})
		done <- err
	}()

	<-inCall
	c.Cancel("mut-1")
	c.Cancel("mut-1") // cancelling twice is a no-op
	docEquals(t, state, key, `{"status":"draft"}`)

	close(release)
	if err := <-done; !errors.Is(err, ErrCancelled) {
		t.Fatalf("Mutate after cancel: err = %v; want ErrCancelled", err)
	}
	docEquals(t, state, key, `{"status":"draft"}`)
}

func TestCancelRevertDoesNotClobberNextMutation(t *testing.T) {
	state := NewDocStore()
	c := New(state, nil)
	key := "projects/p1"

	_, err := c.Mutate(context.Background(), updateOp("p1"), []byte(`{"status":"draft"}`),
		func(ctx context.Context) (json.RawMessage, error) { return nil, nil })
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	op := updateOp("p1")
	op.MutationID = "mut-1"
	inCall := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := c.Mutate(context.Background(), op, []byte(`{"status":"in_review"}`),
			func(ctx context.Context) (json.RawMessage, error) {
				close(inCall)
				<-release
				return json.RawMessage(`{"status":"in_review"}`), nil
			})
		done <- err
	}()
	<-inCall

	// Once Cancel returns, its revert is complete; nothing of the cancelled
	// mutation may touch the document afterwards.
	c.Cancel("mut-1")
	close(release)
	if err := <-done; !errors.Is(err, ErrCancelled) {
		t.Fatalf("cancelled Mutate: err = %v; want ErrCancelled", err)
	}

	_, err = c.Mutate(context.Background(), updateOp("p1"), []byte(`{"status":"submitted"}`),
		func(ctx context.Context) (json.RawMessage, error) {
			return json.RawMessage(`{"status":"submitted"}`), nil
		})
	if err != nil {
		t.Fatalf("follow-up Mutate: %v", err)
	}
	docEquals(t, state, key, `{"status":"submitted"}`)
}

func TestCancelUnknownMutationIsNoOp(t *testing.T) {
	c := New(NewDocStore(), nil)
	c.Cancel("never-existed")
}

func TestMutateRequiresResource(t *testing.T) {
	c := New(NewDocStore(), nil)
	_, err := c.Mutate(context.Background(), Operation{}, nil,
		func(ctx context.Context) (json.RawMessage, error) { return nil, nil })
	if err == nil {
		t.Fatalf("Mutate with empty resource: want error")
	}
}
