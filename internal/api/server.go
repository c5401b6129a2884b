// Package api implements the read-only status API: the latest
// snapshot with staleness, recent history, a manual refresh trigger,
// and a WebSocket stream of operational events. Nothing here writes
// toward the vendor portal beyond joining a refresh cycle.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/softwatch/internal/buildinfo"
	"github.com/nugget/softwatch/internal/events"
	"github.com/nugget/softwatch/internal/poll"
	"github.com/nugget/softwatch/internal/portal"
)

// Coordinator is the surface the server needs from the poll
// coordinator.
type Coordinator interface {
	Latest() (*portal.Snapshot, poll.Status)
	Refresh(ctx context.Context) (*portal.Snapshot, error)
}

// History is the surface the server needs from the history store.
type History interface {
	Recent(limit int) ([]portal.Snapshot, error)
}

// writeJSON encodes v as JSON to w, logging any errors at debug
// level. Errors here typically mean the client disconnected
// mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP status API server.
type Server struct {
	address     string
	port        int
	coordinator Coordinator
	history     History
	bus         *events.Bus
	logger      *slog.Logger
	server      *http.Server
	upgrader    websocket.Upgrader
}

// NewServer creates a status API server. history may be nil when no
// history store is configured.
func NewServer(address string, port int, coordinator Coordinator, history History, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:     address,
		port:        port,
		coordinator: coordinator,
		history:     history,
		bus:         bus,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Handler builds the route table. Exposed separately from Start so
// tests can drive it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/snapshot", s.handleSnapshot)
	mux.HandleFunc("POST /v1/refresh", s.handleRefresh)
	mux.HandleFunc("GET /v1/history", s.handleHistory)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting status API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_, st := s.coordinator.Latest()

	status := "starting"
	switch {
	case st.HasSnapshot && !st.Stale:
		status = "healthy"
	case st.HasSnapshot && st.Stale:
		status = "degraded"
	case st.ConsecutiveFailures > 0:
		status = "failing"
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":               status,
		"uptime":               buildinfo.Uptime().Truncate(time.Second).String(),
		"stale":                st.Stale,
		"consecutive_failures": st.ConsecutiveFailures,
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// snapshotResponse pairs the snapshot with the coordinator status so
// consumers always see freshness alongside the data.
type snapshotResponse struct {
	Snapshot *portal.Snapshot `json:"snapshot,omitempty"`
	Status   poll.Status      `json:"status"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, st := s.coordinator.Latest()

	w.Header().Set("Content-Type", "application/json")
	if snap == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, snapshotResponse{Snapshot: snap, Status: st}, s.logger)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	snap, err := s.coordinator.Refresh(r.Context())
	if err != nil {
		_, st := s.coordinator.Latest()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		writeJSON(w, map[string]any{
			"error":  err.Error(),
			"status": st,
		}, s.logger)
		return
	}

	_, st := s.coordinator.Latest()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, snapshotResponse{Snapshot: snap, Status: st}, s.logger)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "history store not configured", http.StatusNotFound)
		return
	}

	limit := 24
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	rows, err := s.history.Recent(limit)
	if err != nil {
		s.logger.Error("history query failed", "error", err)
		http.Error(w, "history query failed", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []portal.Snapshot{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"snapshots": rows, "count": len(rows)}, s.logger)
}

// handleEvents upgrades to a WebSocket and streams bus events as JSON
// until the client goes away. Slow clients miss events rather than
// backpressuring the bus.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(ch)

	s.logger.Debug("event stream client connected", "remote", r.RemoteAddr)

	// Reader goroutine: we never expect client frames, but reading is
	// required to notice close frames and connection drops.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}
