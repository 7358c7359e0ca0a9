// Package api exposes the hose database over HTTP and WebSocket: a thin
// read/stream wrapper, not core logic — grounded on
// original_source/server/src/api.rs's route layout, re-expressed with
// go-chi/chi/v5 routing and a blanket 500-on-error policy instead of axum's
// IntoResponse.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/hosetrack/hosetrack/hose"
	"github.com/hosetrack/hosetrack/internal/logging"
)

// maxHitsPerRequest caps GET /hits regardless of the requested range.
const maxHitsPerRequest = 100_000

// streamThrottle is the minimum interval between consecutive
// /stream_events frames, matching the "roughly ten updates/sec" contract.
const streamThrottle = 100 * time.Millisecond

// Server holds the dependencies the HTTP handlers need.
type Server struct {
	db     *hose.DB
	logger logging.Logger
	up     websocket.Upgrader
}

// NewServer builds a Server. A nil logger is replaced by a WARN-level
// stderr logger.
func NewServer(db *hose.DB, logger logging.Logger) *Server {
	return &Server{
		db:     db,
		logger: logging.OrDefault(logger),
		up:     websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
}

// Router builds the chi router serving every endpoint.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.logRequests)
	r.Get("/events", s.handleEvents)
	r.Get("/stream_events", s.handleStreamEvents)
	r.Get("/hits", s.handleHits)
	r.Get("/since", s.handleSince)
	return r
}

// logRequests mirrors the teacher's request logging middleware: one line
// per request, error level for 5xx responses, info otherwise.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if ww.Status() >= 500 {
			s.logger.Errorf(logging.NSDB+"%s %s (%d)", r.Method, r.URL.Path, ww.Status())
		} else {
			s.logger.Infof(logging.NSDB+"%s %s (%d)", r.Method, r.URL.Path, ww.Status())
		}
	})
}
