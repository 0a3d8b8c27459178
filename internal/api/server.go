// Package api exposes the HTTP interface for the scrape service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leadscout/leadscout/internal/config"
	"github.com/leadscout/leadscout/internal/metrics"
	"github.com/leadscout/leadscout/internal/runner"
	"github.com/leadscout/leadscout/internal/scrape"
)

// Server wires HTTP handlers to the coordinator and stores.
type Server struct {
	router      chi.Router
	coordinator *runner.Coordinator
	jobs        scrape.JobStore
	results     scrape.BusinessStore
	exporter    scrape.Exporter
	cfg         config.Config
	logger      *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	coordinator *runner.Coordinator,
	jobs scrape.JobStore,
	results scrape.BusinessStore,
	exporter scrape.Exporter,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		coordinator: coordinator,
		jobs:        jobs,
		results:     results,
		exporter:    exporter,
		cfg:         cfg,
		logger:      logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metricsMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1/scrape", func(r chi.Router) {
		r.Post("/start", s.startScrape)
		r.Post("/pause", s.pauseScrape)
		r.Post("/resume", s.resumeScrape)
		r.Post("/stop", s.stopScrape)
		r.Post("/save", s.saveScrape)
		r.Route("/{session_id}", func(r chi.Router) {
			r.Get("/status", s.getStatus)
			r.Get("/results", s.getResults)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type startRequest struct {
	Towns      []string       `json:"towns"`
	Industries *[]string      `json:"industries"`
	UserID     string         `json:"userId"`
	Config     *configPayload `json:"config"`
}

type configPayload struct {
	SimultaneousTowns      *int  `json:"simultaneousTowns"`
	SimultaneousIndustries *int  `json:"simultaneousIndustries"`
	SimultaneousLookups    *int  `json:"simultaneousLookups"`
	EnableProviderLookup   *bool `json:"enableProviderLookup"`
}

type sessionRequest struct {
	SessionID string `json:"sessionId"`
	Name      string `json:"name"`
}

func (s *Server) startScrape(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Towns) == 0 {
		writeError(w, http.StatusBadRequest, "towns required non-empty")
		return
	}
	if req.Industries == nil {
		writeError(w, http.StatusBadRequest, "industries array required (may be empty)")
		return
	}
	cfg := s.toScrapeConfig(req.Config)
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.coordinator.Submit(r.Context(), runner.SubmitRequest{
		UserID:     req.UserID,
		Towns:      req.Towns,
		Industries: *req.Industries,
		Config:     cfg,
	})
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, scrape.ErrQueueFull):
			status = http.StatusTooManyRequests
		case errors.Is(err, scrape.ErrAlreadyQueued):
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}

	if res.Started {
		writeJSON(w, http.StatusCreated, map[string]any{
			"sessionId": res.SessionID,
			"status":    "started",
		})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"sessionId":            res.SessionID,
		"status":               "queued",
		"queuePosition":        res.Placement.Position,
		"estimatedWaitMinutes": int(res.Placement.EstimatedWait.Minutes()),
	})
}

func (s *Server) pauseScrape(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSession(w, r)
	if !ok {
		return
	}
	h, ok := s.coordinator.Registry().Get(req.SessionID)
	if !ok || h.Completed() {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	h.Orc.Pause()
	s.persistStatus(r.Context(), req.SessionID, scrape.StatusPaused)
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) resumeScrape(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSession(w, r)
	if !ok {
		return
	}
	h, ok := s.coordinator.Registry().Get(req.SessionID)
	if !ok || h.Completed() {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	h.Orc.Resume()
	s.persistStatus(r.Context(), req.SessionID, scrape.StatusRunning)
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

func (s *Server) stopScrape(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSession(w, r)
	if !ok {
		return
	}
	h, ok := s.coordinator.Registry().Get(req.SessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	h.Orc.Stop()
	collected := len(h.Orc.Results())
	s.coordinator.Registry().Delete(req.SessionID)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":              "stopped",
		"businessesCollected": collected,
	})
}

// saveScrape finalizes a session. A job that already completed was persisted
// by the completion handler, so only the rename applies; otherwise the
// current results are written through batch persistence synchronously.
func (s *Server) saveScrape(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSession(w, r)
	if !ok {
		return
	}
	job, err := s.jobs.GetJob(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	if job.Status == scrape.StatusCompleted {
		if req.Name != "" {
			if err := s.jobs.RenameJob(r.Context(), req.SessionID, req.Name); err != nil {
				writeError(w, http.StatusInternalServerError, "rename failed")
				return
			}
		}
		count := 0
		if job.Summary != nil {
			count = job.Summary.Businesses
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":         true,
			"sessionId":       req.SessionID,
			"businessesCount": count,
		})
		return
	}

	h, ok := s.coordinator.Registry().Get(req.SessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	businesses := h.Orc.Results()
	if err := s.results.SaveResults(r.Context(), req.SessionID, businesses, h.Orc.Summary(), h.Orc.Status()); err != nil {
		writeError(w, http.StatusInternalServerError, "save failed")
		return
	}
	if req.Name != "" {
		if err := s.jobs.RenameJob(r.Context(), req.SessionID, req.Name); err != nil {
			s.logger.Warn("rename after save failed",
				zap.String("session_id", req.SessionID), zap.Error(err))
		}
	}
	s.exportSnapshot(r.Context(), req.SessionID, businesses)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"sessionId":       req.SessionID,
		"businessesCount": len(businesses),
	})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	job, err := s.jobs.GetJob(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	// Live handles beat the persisted row, which lags between checkpoints.
	if h, ok := s.coordinator.Registry().Get(sessionID); ok && !h.Completed() {
		job.Status = h.Orc.Status()
		job.Progress = h.Orc.Progress()
		job.State = h.Orc.State()
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) getResults(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	if _, err := s.jobs.GetJob(r.Context(), sessionID); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	var businesses []scrape.Business
	if h, ok := s.coordinator.Registry().Get(sessionID); ok && !h.Completed() {
		businesses = h.Orc.Results()
	} else {
		var err error
		businesses, err = s.results.ListBusinesses(r.Context(), sessionID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to fetch results")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId":  sessionID,
		"count":      len(businesses),
		"businesses": businesses,
	})
}

func (s *Server) decodeSession(w http.ResponseWriter, r *http.Request) (sessionRequest, bool) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId required")
		return sessionRequest{}, false
	}
	return req, true
}

func (s *Server) toScrapeConfig(p *configPayload) scrape.Config {
	cfg := s.cfg.ScrapeDefaults()
	if p == nil {
		return cfg
	}
	if p.SimultaneousTowns != nil {
		cfg.SimultaneousTowns = *p.SimultaneousTowns
	}
	if p.SimultaneousIndustries != nil {
		cfg.SimultaneousIndustries = *p.SimultaneousIndustries
	}
	if p.SimultaneousLookups != nil {
		cfg.SimultaneousLookups = *p.SimultaneousLookups
	}
	if p.EnableProviderLookup != nil {
		cfg.EnableProviderLookup = *p.EnableProviderLookup
	}
	return cfg
}

func (s *Server) persistStatus(ctx context.Context, sessionID string, status scrape.Status) {
	if err := s.jobs.UpdateJobStatus(ctx, sessionID, status, ""); err != nil {
		s.logger.Warn("persist status failed",
			zap.String("session_id", sessionID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

func (s *Server) exportSnapshot(ctx context.Context, sessionID string, businesses []scrape.Business) {
	if s.exporter == nil {
		return
	}
	data, err := json.Marshal(businesses)
	if err != nil {
		s.logger.Warn("marshal snapshot failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	path := fmt.Sprintf("%s/%s.json", s.cfg.Export.Prefix, sessionID)
	uri, err := s.exporter.PutObject(ctx, path, "application/json", data)
	if err != nil {
		s.logger.Warn("export snapshot failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	s.logger.Info("snapshot exported", zap.String("session_id", sessionID), zap.String("uri", uri))
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		metrics.ObserveHTTPRequest(r.Method, route, ww.status, time.Since(start))
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
