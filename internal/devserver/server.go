// Package devserver emulates the assistant backend's REST and WebSocket
// surface so the client integration layer can be exercised end to end
// without the production service. It also supports scripted fault
// injection for retry and offline testing.
package devserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
)

// FaultScript injects scripted failures per route. Each call to a route
// consumes the next status in its script; an exhausted script passes the
// request through.
type FaultScript struct {
	mu     sync.Mutex
	queues map[string][]int
}

func NewFaultScript() *FaultScript {
	return &FaultScript{queues: make(map[string][]int)}
}

// Push appends statuses to the script for a route key ("METHOD /path").
func (f *FaultScript) Push(route string, statuses ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[route] = append(f.queues[route], statuses...)
}

// next pops the next scripted status for the route; 0 means no fault.
func (f *FaultScript) next(route string) int {
	if f == nil {
		return 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.queues[route]
	if len(q) == 0 {
		return 0
	}
	status := q[0]
	f.queues[route] = q[1:]
	return status
}

// Config carries the devserver dependencies.
type Config struct {
	Store *ProjectStore
	// AuthTokens are the accepted bearer tokens. Empty means every
	// non-empty token is accepted.
	AuthTokens []string
	Responder  Responder
	Faults     *FaultScript
}

type Server struct {
	store     *ProjectStore
	tokens    map[string]struct{}
	responder Responder
	faults    *FaultScript
	ws        *streamHandler
}

// NewServer builds the devserver handler.
func NewServer(cfg Config) http.Handler {
	store := cfg.Store
	if store == nil {
		store = NewProjectStore(nil)
	}
	responder := cfg.Responder
	if responder == nil {
		responder = NewResponderFromEnv()
	}
	tokens := map[string]struct{}{}
	for _, t := range cfg.AuthTokens {
		if t = strings.TrimSpace(t); t != "" {
			tokens[t] = struct{}{}
		}
	}

	s := &Server{
		store:     store,
		tokens:    tokens,
		responder: responder,
		faults:    cfg.Faults,
	}
	s.ws = newStreamHandler(s)

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", s.handleHealth)
	mux.HandleFunc("/v1/projects", s.handleProjects)
	mux.HandleFunc("/v1/projects/", s.handleProject)
	mux.HandleFunc("/v1/stream", s.ws.handle)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	var de *Error
	if !errors.As(err, &de) {
		de = newError(CodeInternal, err.Error())
	}
	payload := map[string]any{
		"code":    de.Code,
		"message": de.Message,
	}
	if len(de.Fields) > 0 {
		payload["fields"] = de.Fields
	}
	writeJSON(w, de.Status, map[string]any{"error": payload})
}

// authorize checks the bearer token. The websocket path authenticates via
// query parameter instead.
func (s *Server) authorize(r *http.Request) error {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return newError(CodeUnauthorized, "missing bearer token")
	}
	return s.checkToken(strings.TrimSpace(token))
}

func (s *Server) checkToken(token string) error {
	if token == "" {
		return newError(CodeUnauthorized, "missing token")
	}
	if len(s.tokens) == 0 {
		return nil
	}
	if _, ok := s.tokens[token]; !ok {
		return newError(CodeUnauthorized, "invalid token")
	}
	return nil
}

// injectFault applies the scripted failure for this route, if any.
// Returns true when the request was consumed by a fault response.
func (s *Server) injectFault(w http.ResponseWriter, r *http.Request) bool {
	status := s.faults.next(r.Method + " " + r.URL.Path)
	if status == 0 || status == http.StatusOK {
		return false
	}
	writeJSON(w, status, map[string]any{"error": map[string]any{
		"code":    CodeUnavailable,
		"message": "scripted fault",
	}})
	return true
}

func decodeBody(r *http.Request, dst any) error {
	blob, err := io.ReadAll(r.Body)
	if err != nil {
		return newError(CodeValidation, "read body: "+err.Error())
	}
	if len(blob) == 0 {
		blob = []byte("{}")
	}
	if err := json.Unmarshal(blob, dst); err != nil {
		return newError(CodeValidation, "invalid json: "+err.Error())
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r); err != nil {
		writeError(w, err)
		return
	}
	if s.injectFault(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"projects": s.store.List()})
	case http.MethodPost:
		var input CreateProjectInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, err)
			return
		}
		p, err := s.store.Create(input)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, p)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleProject(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r); err != nil {
		writeError(w, err)
		return
	}
	if s.injectFault(w, r) {
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/projects/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, newError(CodeNotFound, "project id is required"))
		return
	}
	if sub == "report" {
		s.handleReport(w, r, id)
		return
	}
	if sub != "" {
		writeError(w, newError(CodeNotFound, "unknown resource"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		p, err := s.store.Get(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	case http.MethodPut:
		var input UpdateProjectInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, err)
			return
		}
		p, err := s.store.Update(id, input)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	case http.MethodDelete:
		if err := s.store.Delete(id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
