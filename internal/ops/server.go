// Package ops exposes the operational surface: health, metrics, incident
// state for the responder UI, and the live decision stream.
package ops

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sentinelops/cybersentinel/internal/bus"
	"github.com/sentinelops/cybersentinel/internal/database"
	"github.com/sentinelops/cybersentinel/internal/orchestrator"
	"github.com/sentinelops/cybersentinel/internal/websocket"
)

// Deps are the collaborators the ops surface reads from. Archive and
// Registry are optional.
type Deps struct {
	Addr        string
	Bus         bus.Bus
	Checkpoints orchestrator.CheckpointStore
	Streamer    *websocket.Streamer
	Archive     *database.Archive
	Registry    *prometheus.Registry
	Log         *slog.Logger
}

// Server is the ops HTTP server.
type Server struct {
	deps Deps
	http *http.Server
}

// NewServer builds the server and its router.
func NewServer(deps Deps) *Server {
	s := &Server{deps: deps}
	s.http = &http.Server{
		Addr:              deps.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router assembles the route table. Exposed separately for tests.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/stats", s.handleStats).Methods("GET")
	r.HandleFunc("/api/incidents/{id}", s.handleIncident).Methods("GET")
	r.HandleFunc("/api/incidents/{id}/frames", s.handleIncidentFrames).Methods("GET")

	if s.deps.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Registry, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}
	if s.deps.Streamer != nil {
		r.HandleFunc("/ws/decisions", s.deps.Streamer.HandleWebSocket)
	}
	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.deps.Log.Info("ops server listening", "addr", s.deps.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ============================================================================
// HANDLERS
// ============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{}
	if s.deps.Bus != nil {
		stats["bus"] = s.deps.Bus.Metrics().Snapshot()
	}
	if s.deps.Streamer != nil {
		stats["stream"] = s.deps.Streamer.Stats()
	}
	if s.deps.Archive != nil {
		counts, err := s.deps.Archive.VariantCounts(r.Context())
		if err != nil {
			s.deps.Log.Warn("archive stats unavailable", "error", err)
		} else {
			stats["archive"] = counts
		}
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleIncident(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st, err := s.deps.Checkpoints.Load(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if st == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "incident not found"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleIncidentFrames(w http.ResponseWriter, r *http.Request) {
	if s.deps.Archive == nil {
		writeJSON(w, http.StatusServiceUnavailable,
			map[string]string{"error": "frame archive not configured"})
		return
	}
	id := mux.Vars(r)["id"]
	frames, err := s.deps.Archive.IncidentFrames(r.Context(), id, 500)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"incident_id": id,
		"frames":      frames,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
