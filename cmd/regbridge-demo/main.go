// regbridge-demo runs the whole client stack against an in-process
// devserver: project CRUD through the retrying API client, an optimistic
// update with scripted server failures, an offline enqueue-and-flush
// cycle, and a streamed agent answer over the websocket channel.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/regassist/regbridge/internal/apiclient"
	"github.com/regassist/regbridge/internal/devserver"
	"github.com/regassist/regbridge/internal/optimistic"
	"github.com/regassist/regbridge/internal/outbox"
	"github.com/regassist/regbridge/internal/realtime"
	"github.com/regassist/regbridge/internal/session"
)

const demoToken = "demo-token"

func main() {
	queueFlag := flag.String("queue", "", "path to the offline queue file (default: temp dir)")
	flag.Parse()

	queuePath := *queueFlag
	if queuePath == "" {
		dir, err := os.MkdirTemp("", "regbridge-demo")
		if err != nil {
			log.Fatalf("temp dir: %v", err)
		}
		defer os.RemoveAll(dir)
		queuePath = filepath.Join(dir, "outbox.json")
	}

	// In-process backend with a scripted transient failure on update.
	faults := devserver.NewFaultScript()
	handler := devserver.NewServer(devserver.Config{
		AuthTokens: []string{demoToken},
		Responder:  &devserver.CannedResponder{},
		Faults:     faults,
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go func() { _ = srv.Serve(ln) }()
	defer srv.Close()
	baseURL := "http://" + ln.Addr().String()
	log.Printf("devserver listening on %s", baseURL)

	sess := session.New(session.NewStaticTokenSource(demoToken))
	defer sess.Close()

	client, err := apiclient.New(apiclient.Config{
		BaseURL: baseURL,
		Tokens:  sess,
		Retry:   apiclient.RetryPolicy{MaxRetries: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second},
	})
	if err != nil {
		log.Fatalf("api client: %v", err)
	}

	ctx := context.Background()

	// Create a project through the plain client path.
	var project devserver.Project
	err = client.DoJSON(ctx, http.MethodPost, "/v1/projects", devserver.CreateProjectInput{
		Name:        "Pulse Oximeter 510(k)",
		DeviceName:  "OxiTrack 2",
		DeviceClass: "II",
		Notes:       "## Predicates\n\n- OxiTrack 1 (K210001)\n",
	}, &project)
	if err != nil {
		log.Fatalf("create project: %v", err)
	}
	log.Printf("created project %s (%s)", project.ID, project.Name)

	// Offline queue over a durable file store; replay goes back through the
	// same API client.
	queue, err := outbox.New(outbox.Config{
		Store: outbox.NewFileStore(queuePath),
		Replayer: outbox.ReplayFunc(func(ctx context.Context, action outbox.PendingAction) error {
			_, err := client.Do(ctx, action.Method, action.Path, action.Payload)
			return err
		}),
	})
	if err != nil {
		log.Fatalf("outbox: %v", err)
	}
	defer queue.Close()
	replayed := make(chan struct{}, 8)
	queue.OnEvent(func(ev outbox.Event) {
		log.Printf("outbox: %s %s %s", ev.Type, ev.Action.Kind, ev.Action.Path)
		if ev.Type == outbox.EventReplayed {
			replayed <- struct{}{}
		}
	})
	unregister := queue.AutoFlush(ctx, sess)
	defer unregister()

	coord := optimistic.New(optimistic.NewDocStore(), queue)

	// Optimistic update that survives two scripted 503s via the retry loop.
	path := "/v1/projects/" + project.ID
	faults.Push("PUT "+path, http.StatusServiceUnavailable, http.StatusServiceUnavailable)
	patch := []byte(`{"status":"in_review"}`)
	result, err := coord.Mutate(ctx, optimistic.Operation{
		Kind:       outbox.ActionUpdate,
		Resource:   "projects",
		ResourceID: project.ID,
		Method:     http.MethodPut,
		Path:       path,
	}, patch, func(ctx context.Context) (json.RawMessage, error) {
		return client.Do(ctx, http.MethodPut, path, patch)
	})
	if err != nil {
		log.Fatalf("optimistic update: %v", err)
	}
	log.Printf("update confirmed (mutation %s, queued=%v): %s", result.MutationID, result.Queued, result.Doc)

	// Simulate going offline: point a second client at a dead port so the
	// mutation lands in the queue, then flush through the live client.
	deadClient, err := apiclient.New(apiclient.Config{
		BaseURL:    "http://127.0.0.1:1",
		Tokens:     sess,
		HTTPClient: &http.Client{Timeout: time.Second},
		Retry:      apiclient.RetryPolicy{MaxRetries: 1, BaseDelay: 50 * time.Millisecond},
	})
	if err != nil {
		log.Fatalf("api client: %v", err)
	}
	sess.SetOnline(false)
	offlinePatch := []byte(`{"notes":"## Predicates\n\nReviewed during offline session.\n"}`)
	result, err = coord.Mutate(ctx, optimistic.Operation{
		Kind:       outbox.ActionUpdate,
		Resource:   "projects",
		ResourceID: project.ID,
		Method:     http.MethodPut,
		Path:       path,
	}, offlinePatch, func(ctx context.Context) (json.RawMessage, error) {
		return deadClient.Do(ctx, http.MethodPut, path, offlinePatch)
	})
	if err != nil {
		log.Fatalf("offline mutate: %v", err)
	}
	log.Printf("offline mutation queued=%v, pending=%d", result.Queued, queue.Len())

	// Back online: the connectivity listener flushes the queue on its own.
	sess.SetOnline(true)
	select {
	case <-replayed:
	case <-time.After(10 * time.Second):
		log.Fatalf("timed out waiting for queue replay")
	}
	log.Printf("queue flushed, pending=%d failed=%d", queue.Len(), len(queue.Failed()))

	// Stream an agent answer over the websocket channel.
	manager, err := realtime.NewManager(realtime.Config{
		URL:    baseURL + "/v1/stream",
		Tokens: sess,
	})
	if err != nil {
		log.Fatalf("realtime: %v", err)
	}
	defer manager.Disconnect()

	done := make(chan struct{})
	manager.Subscribe(realtime.TopicResponseStream, func(env realtime.Envelope) {
		var chunk struct {
			Chunk string `json:"chunk"`
		}
		_ = json.Unmarshal(env.Data, &chunk)
		fmt.Print(chunk.Chunk)
	})
	manager.Subscribe(realtime.TopicComplete, func(env realtime.Envelope) {
		fmt.Println()
		close(done)
	})

	if err := manager.Connect(ctx); err != nil {
		log.Fatalf("connect stream: %v", err)
	}
	question, _ := json.Marshal(map[string]string{
		"project_id": project.ID,
		"content":    "What predicate evidence does a class II pulse oximeter need?",
	})
	manager.Send(realtime.Envelope{Type: "user_message", Data: question})

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Fatalf("timed out waiting for agent response")
	}

	log.Printf("demo complete")
}
