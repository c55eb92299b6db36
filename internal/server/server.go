// Package server exposes the audit ledger over HTTP.
//
// Routes:
//
//	POST /api/audit                     Log an event (rate limited)
//	GET  /api/audit                     Query stored entries
//	GET  /api/audit/recent              Working set, newest first
//	GET  /api/audit/verify              Verify the full chain
//	GET  /api/audit/export              Export as CSV or JSON
//	GET  /api/audit/compliance          Compliance artifact
//	POST /api/audit/reset               Clear the ledger (loopback only)
//	GET  /api/interlocks                Engaged safety switches
//	POST /api/interlocks/{id}/engage    Engage a safety switch
//	POST /api/interlocks/{id}/release   Release a safety switch
//	GET  /api/status                    Ledger status
//	GET  /health                        Liveness
//	GET  /ws                            Live snapshot feed (WebSocket)
//
// POST routes accept only application/json and reject browser requests
// from another origin.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gridops/gridledger/internal/audit"
	"github.com/gridops/gridledger/internal/interlock"
)

// ComplianceDefaults are used when a compliance request doesn't name a
// standard or entry count.
type ComplianceDefaults struct {
	Standard      string
	RecentEntries int
}

// Options holds the dependencies injected into the server.
type Options struct {
	Ledger     *audit.Ledger
	Interlocks *interlock.Set
	Compliance ComplianceDefaults
	RateLimit  RateLimitConfig
}

// Server serves the REST API and the live feed.
type Server struct {
	ledger      *audit.Ledger
	interlocks  *interlock.Set
	compliance  ComplianceDefaults
	limiter     *rateLimiter
	ws          *wsHub
	unsubscribe func()
	router      chi.Router
}

// New creates a Server and subscribes its live feed to the ledger. Call
// Close when done.
func New(opts Options) *Server {
	s := &Server{
		ledger:     opts.Ledger,
		interlocks: opts.Interlocks,
		compliance: opts.Compliance,
		limiter:    newRateLimiter(opts.RateLimit),
		ws:         newWSHub(),
	}
	go s.ws.run()

	s.unsubscribe = s.ledger.Subscribe(s.broadcastSnapshot)
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(requestLog)
	r.Use(recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)

		r.Route("/audit", func(r chi.Router) {
			r.With(sameOriginJSON, s.limiter.middleware).Post("/", s.handleLog)
			r.Get("/", s.handleQuery)
			r.Get("/recent", s.handleRecent)
			r.Get("/verify", s.handleVerify)
			r.Get("/export", s.handleExport)
			r.Get("/compliance", s.handleCompliance)
			r.With(loopbackOnly, sameOriginJSON).Post("/reset", s.handleReset)
		})

		r.Route("/interlocks", func(r chi.Router) {
			r.Get("/", s.handleInterlocks)
			r.With(sameOriginJSON).Post("/{id}/engage", s.handleEngage)
			r.With(sameOriginJSON).Post("/{id}/release", s.handleRelease)
		})
	})
	return r
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

// Close unsubscribes from the ledger and disconnects live feed clients.
func (s *Server) Close() {
	s.unsubscribe()
	s.ws.stop()
	s.limiter.stop()
}

func (s *Server) broadcastSnapshot(snapshot []audit.Entry) {
	data, err := json.Marshal(feedMessage{Type: "snapshot", Entries: snapshot})
	if err != nil {
		slog.Error("failed to marshal snapshot", "error", err)
		return
	}
	s.ws.publish(data)
}

// feedMessage is the frame sent to live feed clients.
type feedMessage struct {
	Type    string        `json:"type"`
	Entries []audit.Entry `json:"entries"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps ledger errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, audit.ErrInvalidDraft):
		return http.StatusBadRequest
	case errors.Is(err, audit.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// loopbackOnly rejects requests that don't come from 127.0.0.0/8 or ::1.
func loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isLoopback(r.RemoteAddr) {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
