// Package adminapi exposes the gateway's ambient operator surface: a
// liveness/readiness health check and a debug view of the worker pool,
// grounded on the teacher's internal/api/container.go HealthHandler and
// internal/terminal/websocket.go connection-streaming pattern. None of this
// is part of the conversational core; it exists purely so an operator can
// see whether the gateway and its worker pool are healthy.
package adminapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mmikhailov/agentrelay/internal/binding"
	"github.com/mmikhailov/agentrelay/internal/pool"
)

// PoolSnapshotter is the subset of *pool.Pool the admin surface depends on.
type PoolSnapshotter interface {
	Snapshot() []pool.SlotSnapshot
	Len() int
}

// InFlightCounter is the subset of *router.InFlightTracker the admin
// surface depends on.
type InFlightCounter interface {
	Len() int
}

// QueueCounter is the subset of *router.PendingQueue the admin surface
// depends on.
type QueueCounter interface {
	Len() int
}

// Server wires the health check and debug endpoints onto a chi.Router, the
// same registration shape as the teacher's HealthHandler.RegisterHealth and
// ContainerHandler.RegisterRoutes.
type Server struct {
	bindings binding.Store
	pool     PoolSnapshotter
	inflight InFlightCounter
	queue    QueueCounter
	logger   *slog.Logger

	streamInterval time.Duration
}

// New returns a Server ready to have its routes registered.
func New(bindings binding.Store, p PoolSnapshotter, inflight InFlightCounter, queue QueueCounter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		bindings:       bindings,
		pool:           p,
		inflight:       inflight,
		queue:          queue,
		logger:         logger,
		streamInterval: time.Second,
	}
}

// Routes returns a chi.Router with RequestID/Recoverer/Heartbeat ambient
// middleware, matching the domain-stack table's admin-surface wiring, plus
// the health and debug endpoints.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	r.Get("/health", s.Health)
	r.Get("/debug/pool", s.DebugPool)
	r.Get("/debug/pool/stream", s.DebugPoolStream)
	return r
}

// poolStatus is the JSON shape returned by /debug/pool and streamed by
// /debug/pool/stream.
type poolStatus struct {
	Slots       []pool.SlotSnapshot `json:"slots"`
	SlotCount   int                 `json:"slot_count"`
	InFlight    int                 `json:"in_flight"`
	QueueDepth  int                 `json:"queue_depth"`
	GeneratedAt time.Time           `json:"generated_at"`
}

func (s *Server) snapshot() poolStatus {
	return poolStatus{
		Slots:       s.pool.Snapshot(),
		SlotCount:   s.pool.Len(),
		InFlight:    s.inflight.Len(),
		QueueDepth:  s.queue.Len(),
		GeneratedAt: time.Now(),
	}
}

// Health reports liveness plus binding-store connectivity, matching the
// teacher's HealthHandler.Health: "healthy" with 200 when every dependency
// answers, "degraded" with 503 otherwise.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := "healthy"
	code := http.StatusOK

	if err := s.bindings.Ping(ctx); err != nil {
		s.logger.Error("health check: binding store unreachable", "error", err)
		checks["binding_store"] = "unreachable"
		status = "degraded"
		code = http.StatusServiceUnavailable
	} else {
		checks["binding_store"] = "ok"
	}

	writeJSON(w, code, map[string]interface{}{"status": status, "checks": checks})
}

// DebugPool returns a single point-in-time snapshot of pool/queue state.
func (s *Server) DebugPool(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

// DebugPoolStream upgrades to a websocket and pushes a fresh pool snapshot
// on a fixed interval until the client disconnects, grounded on the
// teacher's WebSocketHandler.ServeHTTP accept/defer-close shape and
// wsWriter's plain binary/text write pattern (here JSON text frames instead
// of PTY bytes).
func (s *Server) DebugPoolStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		s.logger.Error("debug pool stream: accept failed", "error", err)
		return
	}
	defer func() {
		if cerr := conn.Close(websocket.StatusNormalClosure, "stream ended"); cerr != nil {
			s.logger.Debug("debug pool stream: close error", "error", cerr)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()

	for {
		data, err := json.Marshal(s.snapshot())
		if err != nil {
			s.logger.Warn("debug pool stream: marshal failed", "error", err)
			return
		}
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			if ctx.Err() == nil {
				s.logger.Debug("debug pool stream: write error", "error", err)
			}
			return
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"failed to encode response"}`, http.StatusInternalServerError)
	}
}
