package devserver

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamOutgoingBuffer = 64
	streamWriteTimeout   = 10 * time.Second
)

// streamEnvelope is the realtime wire format: {type, data, timestamp}.
type streamEnvelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func envelope(msgType string, data any) streamEnvelope {
	env := streamEnvelope{Type: msgType, Timestamp: time.Now().UTC()}
	if data != nil {
		blob, err := json.Marshal(data)
		if err == nil {
			env.Data = blob
		}
	}
	return env
}

type streamHandler struct {
	srv      *Server
	upgrader websocket.Upgrader
}

func newStreamHandler(srv *Server) *streamHandler {
	return &streamHandler{
		srv: srv,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  4096,
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}
}

// handle authenticates via the token query parameter, upgrades, and runs
// the stream session.
func (h *streamHandler) handle(w http.ResponseWriter, r *http.Request) {
	if err := h.srv.checkToken(r.URL.Query().Get("token")); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("devserver: stream upgrade failed: %v", err)
		return
	}

	s := &streamSession{
		conn:     conn,
		srv:      h.srv,
		outgoing: make(chan streamEnvelope, streamOutgoingBuffer),
		done:     make(chan struct{}),
	}
	s.run(r.Context())
}

type streamSession struct {
	conn      *websocket.Conn
	srv       *Server
	outgoing  chan streamEnvelope
	done      chan struct{}
	closeOnce sync.Once
}

func (s *streamSession) run(ctx context.Context) {
	go s.writeLoop(ctx)
	s.enqueue(envelope(topicStatus, map[string]string{"state": "ready"}))
	s.readLoop()
	s.shutdown()
}

func (s *streamSession) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// userMessage is the client-sent envelope payload that triggers an agent
// response stream.
type userMessage struct {
	ProjectID string `json:"project_id"`
	Content   string `json:"content"`
}

const (
	topicStatus         = "status"
	topicTypingStart    = "agent_typing_start"
	topicResponseStream = "agent_response_stream"
	topicTypingStop     = "agent_typing_stop"
	topicComplete       = "complete"
	topicError          = "error"
)

func (s *streamSession) readLoop() {
	for {
		var env streamEnvelope
		if err := s.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				log.Printf("devserver: stream read error: %v", err)
			}
			return
		}

		switch env.Type {
		case "user_message":
			var msg userMessage
			if err := json.Unmarshal(env.Data, &msg); err != nil || msg.Content == "" {
				s.enqueue(envelope(topicError, map[string]string{"message": "invalid user_message payload"}))
				continue
			}
			go s.streamResponse(msg)
		default:
			s.enqueue(envelope(topicError, map[string]string{"message": "unsupported message type: " + env.Type}))
		}
	}
}

// streamResponse plays out the agent answer shape the real backend uses:
// typing start, N response chunks, typing stop, complete.
func (s *streamSession) streamResponse(msg userMessage) {
	s.enqueue(envelope(topicTypingStart, map[string]string{"project_id": msg.ProjectID}))

	chunks, err := s.srv.responder.Respond(context.Background(), msg.Content)
	if err != nil {
		s.enqueue(envelope(topicTypingStop, map[string]string{"project_id": msg.ProjectID}))
		s.enqueue(envelope(topicError, map[string]string{"message": err.Error()}))
		return
	}
	for i, chunk := range chunks {
		s.enqueue(envelope(topicResponseStream, map[string]any{
			"project_id": msg.ProjectID,
			"chunk":      chunk,
			"index":      i,
		}))
	}
	s.enqueue(envelope(topicTypingStop, map[string]string{"project_id": msg.ProjectID}))
	s.enqueue(envelope(topicComplete, map[string]string{"project_id": msg.ProjectID}))
}

func (s *streamSession) enqueue(env streamEnvelope) {
	select {
	case s.outgoing <- env:
	case <-s.done:
	default:
		log.Printf("devserver: outgoing buffer full, dropping %q", env.Type)
	}
}

func (s *streamSession) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-s.done:
			return
		case env := <-s.outgoing:
			_ = s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := s.conn.WriteJSON(env); err != nil {
				s.shutdown()
				return
			}
		}
	}
}
