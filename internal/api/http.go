// Package api serves the read-only query surface and the manual scan
// trigger over HTTP.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Ekremunalytu/BasicFIM/internal/model"
	"github.com/Ekremunalytu/BasicFIM/internal/monitor"
	"github.com/Ekremunalytu/BasicFIM/internal/store"
)

// Server exposes the engine and store over HTTP. All endpoints answer from
// current state; none block on scan completion.
type Server struct {
	engine   *monitor.Engine
	store    *store.Store
	logger   *zap.Logger
	gatherer prometheus.Gatherer
	router   *mux.Router
}

// New builds the HTTP handler. gatherer may be nil to omit /metrics.
func New(engine *monitor.Engine, st *store.Store, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{engine: engine, store: st, logger: logger, gatherer: gatherer}
	s.router = s.routes()
	return s
}

// Handler returns the configured router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	v1.HandleFunc("/scan", s.handleScan).Methods(http.MethodPost)
	v1.HandleFunc("/scan/{id}", s.handleScanJob).Methods(http.MethodGet)
	v1.HandleFunc("/statistics", s.handleStatistics).Methods(http.MethodGet)
	v1.HandleFunc("/files", s.handleFiles).Methods(http.MethodGet)
	v1.HandleFunc("/files/{path:.*}", s.handleFile).Methods(http.MethodGet)

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if err := s.store.Ping(); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
		s.logger.Warn("health check: database unreachable", zap.Error(err))
	}
	writeJSON(w, code, map[string]string{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = t
	}
	events, err := s.store.Events(limit, since)
	if err != nil {
		s.logger.Error("event query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "event query failed")
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

type scanRequest struct {
	Paths       []string `json:"paths"`
	ForceRescan bool     `json:"force_rescan"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	id, err := s.engine.ScanPaths(req.Paths, req.ForceRescan)
	if err != nil {
		s.logger.Error("manual scan rejected", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "scan could not be started")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": id,
		"status": "started",
	})
}

func (s *Server) handleScanJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, ok := s.engine.Job(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown scan job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	files, events, err := s.store.Counts()
	if err != nil {
		s.logger.Error("statistics query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "statistics query failed")
		return
	}
	last24h, err := s.store.EventCountsSince(time.Now().Add(-24 * time.Hour))
	if err != nil {
		s.logger.Error("statistics query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "statistics query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"monitored_files": files,
		"total_events":    events,
		"events_24h":      last24h,
		"jobs":            s.engine.Jobs(),
	})
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.FileStatuses()
	if err != nil {
		s.logger.Error("file listing failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "file listing failed")
		return
	}
	if entries == nil {
		entries = []model.BaselineEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"files": entries,
		"count": len(entries),
	})
}

// handleFile reports one path's baseline plus its recent event history.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	path := "/" + strings.TrimPrefix(mux.Vars(r)["path"], "/")
	entry, ok, err := s.store.Baseline(path)
	if err != nil {
		s.logger.Error("baseline lookup failed", zap.String("path", path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "baseline lookup failed")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "path is not baselined")
		return
	}
	history, err := s.store.EventsForPath(path, queryInt(r, "limit", 50))
	if err != nil {
		s.logger.Error("event history failed", zap.String("path", path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "event history failed")
		return
	}
	if history == nil {
		history = []model.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"baseline": entry,
		"events":   history,
	})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
