package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gridops/gridledger/internal/audit"
)

const (
	defaultRecentLimit = 50
	maxBodyBytes       = 1 << 20
)

// handleLog appends a draft to the ledger.
// POST /api/audit {"operator": "...", "eventKind": "...", ...}
func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	var d audit.Draft
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	e, err := s.ledger.Log(r.Context(), d)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			slog.Error("audit log failed", "kind", d.Kind, "error", err)
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// handleQuery returns stored entries, oldest first.
// GET /api/audit?kind=&operator=&resource=breaker-*&since=1h&until=&limit=
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromQuery(r, time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := s.ledger.Query(r.Context(), f)
	if err != nil {
		slog.Error("audit query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func filterFromQuery(r *http.Request, now time.Time) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		Kind:     audit.EventKind(q.Get("kind")),
		Operator: q.Get("operator"),
		Resource: q.Get("resource"),
	}
	if f.Kind != "" && !f.Kind.Valid() {
		return f, fmt.Errorf("unknown event kind %q", f.Kind)
	}

	var err error
	if f.Since, err = audit.ParseTimeBound(q.Get("since"), now); err != nil {
		return f, err
	}
	if f.Until, err = audit.ParseTimeBound(q.Get("until"), now); err != nil {
		return f, err
	}
	if f.Limit, err = parseLimit(q.Get("limit"), 0); err != nil {
		return f, err
	}
	return f, nil
}

func parseLimit(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("limit must be a non-negative integer")
	}
	return n, nil
}

// handleRecent returns the in-memory working set, newest first.
// GET /api/audit/recent?limit=50
func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	n, err := parseLimit(r.URL.Query().Get("limit"), defaultRecentLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.ledger.Recent(n))
}

// handleVerify recomputes every hash and link in the stored chain.
// GET /api/audit/verify
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	res, err := s.ledger.Verify(r.Context())
	if err != nil {
		slog.Error("audit verify failed", "error", err)
		writeError(w, http.StatusInternalServerError, "audit verify failed")
		return
	}
	if !res.Valid {
		slog.Warn("audit chain broken", "broken_at", res.BrokenAtID, "reason", res.Reason)
	}
	writeJSON(w, http.StatusOK, res)
}

// handleExport streams the full chain as a download.
// GET /api/audit/export?format=csv|json
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}

	var (
		write       func() error
		contentType string
	)
	switch format {
	case "csv":
		contentType = "text/csv; charset=utf-8"
		write = func() error { return s.ledger.ExportCSV(r.Context(), w) }
	case "json":
		contentType = "application/json"
		write = func() error { return s.ledger.ExportJSON(r.Context(), w) }
	default:
		writeError(w, http.StatusBadRequest, "format must be csv or json")
		return
	}

	name := fmt.Sprintf("gridledger-audit-%s.%s", time.Now().UTC().Format("2006-01-02"), format)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if err := write(); err != nil {
		// Headers may already be flushed; the log is the only reliable signal.
		slog.Error("audit export failed", "format", format, "error", err)
	}
}

// handleCompliance returns a compliance artifact.
// GET /api/audit/compliance?standard=&recent=
func (s *Server) handleCompliance(w http.ResponseWriter, r *http.Request) {
	standard := r.URL.Query().Get("standard")
	if standard == "" {
		standard = s.compliance.Standard
	}
	recent, err := parseLimit(r.URL.Query().Get("recent"), s.compliance.RecentEntries)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	art, err := s.ledger.ComplianceArtifact(r.Context(), standard, recent)
	if err != nil {
		slog.Error("compliance artifact failed", "error", err)
		writeError(w, http.StatusInternalServerError, "compliance artifact failed")
		return
	}
	writeJSON(w, http.StatusOK, art)
}

// handleReset clears the ledger and records who did it as the first entry
// of the new chain.
// POST /api/audit/reset {"operator": "...", "reason": "..."}
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Operator string `json:"operator"`
		Reason   string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if req.Operator == "" {
		req.Operator = audit.OperatorSystem
	}

	e, err := s.ledger.Reset(r.Context(), audit.Draft{
		Operator: req.Operator,
		Kind:     audit.KindConfigChange,
		Resource: "audit-ledger",
		Details:  req.Reason,
		Metadata: audit.Metadata{"action": "reset"},
	})
	if err != nil {
		slog.Error("audit reset failed", "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "reset", "entry": e})
}

// handleStatus reports ledger and interlock state.
// GET /api/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "running",
		"ledger":     s.ledger.Status(),
		"interlocks": len(s.interlocks.List()),
	})
}

// handleInterlocks lists engaged safety switches.
// GET /api/interlocks
func (s *Server) handleInterlocks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.interlocks.List())
}

type interlockRequest struct {
	Operator string `json:"operator"`
	Reason   string `json:"reason"`
}

func decodeInterlockRequest(w http.ResponseWriter, r *http.Request) (interlockRequest, bool) {
	var req interlockRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return req, false
	}
	if req.Operator == "" {
		writeError(w, http.StatusBadRequest, "operator is required")
		return req, false
	}
	return req, true
}

// handleEngage engages a safety switch.
// POST /api/interlocks/{id}/engage {"operator": "...", "reason": "..."}
func (s *Server) handleEngage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, ok := decodeInterlockRequest(w, r)
	if !ok {
		return
	}
	if err := s.interlocks.Engage(r.Context(), id, req.Reason, req.Operator); err != nil {
		slog.Error("interlock engage failed", "id", id, "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "engaged": true})
}

// handleRelease releases a safety switch.
// POST /api/interlocks/{id}/release {"operator": "..."}
func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, ok := decodeInterlockRequest(w, r)
	if !ok {
		return
	}
	if err := s.interlocks.Release(r.Context(), id, req.Operator); err != nil {
		slog.Error("interlock release failed", "id", id, "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "engaged": false})
}
