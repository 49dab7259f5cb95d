// Package websocket streams live incident activity to connected UI clients.
package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one streamed update.
type Event struct {
	Type       string      `json:"type"` // "decision", "frame"
	IncidentID string      `json:"incident_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       interface{} `json:"data"`
}

// Streamer fans events out to every connected websocket client.
type Streamer struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan Event
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	log        *slog.Logger
}

// NewStreamer builds a streamer. Run must be started before clients connect.
func NewStreamer(log *slog.Logger) *Streamer {
	return &Streamer{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

// Run pumps the hub until the context is cancelled.
func (s *Streamer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			for client := range s.clients {
				client.Close()
				delete(s.clients, client)
			}
			s.mu.Unlock()
			return

		case client := <-s.register:
			s.mu.Lock()
			s.clients[client] = true
			n := len(s.clients)
			s.mu.Unlock()
			s.log.Debug("websocket client connected", "total", n)

		case client := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				client.Close()
			}
			n := len(s.clients)
			s.mu.Unlock()
			s.log.Debug("websocket client disconnected", "total", n)

		case event := <-s.broadcast:
			s.mu.Lock()
			for client := range s.clients {
				if err := client.WriteJSON(event); err != nil {
					s.log.Warn("websocket write failed", "error", err)
					client.Close()
					delete(s.clients, client)
				}
			}
			s.mu.Unlock()
		}
	}
}

// HandleWebSocket upgrades the request and keeps the connection registered
// until the client goes away.
func (s *Streamer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.register <- conn

	go func() {
		defer func() { s.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Broadcast queues an event for every client. A full queue drops the event
// rather than blocking the caller: the stream is advisory, the decision log
// in the checkpoint store is the durable record.
func (s *Streamer) Broadcast(event Event) {
	event.Timestamp = time.Now()
	select {
	case s.broadcast <- event:
	default:
		s.log.Warn("websocket broadcast queue full, event dropped",
			"type", event.Type, "incident", event.IncidentID)
	}
}

// StreamDecision publishes one orchestration decision.
func (s *Streamer) StreamDecision(incidentID string, decision interface{}) {
	s.Broadcast(Event{Type: "decision", IncidentID: incidentID, Data: decision})
}

// Stats reports hub load for the ops stats endpoint.
func (s *Streamer) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"connected_clients": len(s.clients),
		"broadcast_queue":   len(s.broadcast),
	}
}
