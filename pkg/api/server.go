// Package api serves the local HTTP control API of onsd
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/markus-lassfolk/ons/pkg"
	"github.com/markus-lassfolk/ons/pkg/audit"
	"github.com/markus-lassfolk/ons/pkg/decision"
	"github.com/markus-lassfolk/ons/pkg/logx"
	"github.com/markus-lassfolk/ons/pkg/service"
)

// CallerHeader carries the calling package name
const CallerHeader = "X-ONS-Caller"

// Backend is the service surface exposed over HTTP
type Backend interface {
	UpdateAvailableNetworks(caller pkg.Caller, nets []pkg.AvailableNetworkInfo, cb decision.UpdateCallback) string
	SetEnable(caller pkg.Caller, enable bool) error
	IsEnabled(caller pkg.Caller) (bool, error)
	SetPreferredDataSubscriptionID(caller pkg.Caller, subID int, needValidation bool, cb decision.SetDataCallback) error
	PreferredDataSubscriptionID(caller pkg.Caller) (int, error)
	Snapshot() decision.Snapshot
}

// EventSource returns recent events
type EventSource interface {
	GetEvents(since time.Time, limit int, filter ...pkg.EventType) []*pkg.Event
}

// HistorySource returns finished selections, newest first
type HistorySource interface {
	Recent(limit int) ([]*audit.SelectionRecord, error)
}

// Config holds API server settings
type Config struct {
	Host            string
	Port            int
	AuthKey         string
	ResponseTimeout time.Duration
}

// Server is the HTTP control API
type Server struct {
	config     Config
	backend    Backend
	events     EventSource
	history    HistorySource
	logger     *logx.Logger
	router     chi.Router
	httpServer *http.Server
	startTime  time.Time

	diagMu      sync.RWMutex
	diagnostics map[string]func() interface{}
}

// NewServer builds the router. events, history and metrics may be nil.
func NewServer(cfg Config, backend Backend, events EventSource, history HistorySource, metrics http.Handler, logger *logx.Logger) *Server {
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 5 * time.Second
	}
	s := &Server{
		config:      cfg,
		backend:     backend,
		events:      events,
		history:     history,
		logger:      logger,
		startTime:   time.Now(),
		diagnostics: make(map[string]func() interface{}),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)

	r.Get("/api/v1/health", s.handleHealth)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/api/v1/status", s.handleStatus)
		r.Get("/api/v1/events", s.handleEvents)
		r.Get("/api/v1/history", s.handleHistory)
		r.Get("/api/v1/diagnostics", s.handleDiagnostics)

		r.Group(func(r chi.Router) {
			r.Use(requireCaller)
			r.Get("/api/v1/enabled", s.handleGetEnabled)
			r.Put("/api/v1/enabled", s.handlePutEnabled)
			r.Post("/api/v1/networks", s.handleUpdateNetworks)
			r.Get("/api/v1/preferred-data", s.handleGetPreferredData)
			r.Put("/api/v1/preferred-data", s.handlePutPreferredData)
		})
	})

	s.router = r
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// AddDiagnostics registers a named provider for GET /api/v1/diagnostics
func (s *Server) AddDiagnostics(name string, fn func() interface{}) {
	s.diagMu.Lock()
	defer s.diagMu.Unlock()
	s.diagnostics[name] = fn
}

// Start listens and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.logger.Info("API server listening", "address", ln.Addr().String())
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server failed", "error", err)
		}
	}()
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// authMiddleware checks the optional API key
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.AuthKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("auth")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.config.AuthKey)) != 1 {
			s.logger.Warn("Invalid authentication attempt", "remote_addr", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type callerKey struct{}

func requireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.Header.Get(CallerHeader)
		if name == "" {
			writeError(w, http.StatusBadRequest, CallerHeader+" header is required")
			return
		}
		ctx := context.WithValue(r.Context(), callerKey{}, pkg.Caller{Package: name})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerFrom(r *http.Request) pkg.Caller {
	c, _ := r.Context().Value(callerKey{}).(pkg.Caller)
	return c
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("API request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Snapshot())
}

type enabledBody struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleGetEnabled(w http.ResponseWriter, r *http.Request) {
	enabled, err := s.backend.IsEnabled(callerFrom(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, enabledBody{Enabled: enabled})
}

func (s *Server) handlePutEnabled(w http.ResponseWriter, r *http.Request) {
	var body enabledBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := s.backend.SetEnable(callerFrom(r), body.Enabled); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// NetworksRequest is the body of POST /api/v1/networks
type NetworksRequest struct {
	Networks []pkg.AvailableNetworkInfo `json:"networks"`
}

// UpdateResponse reports the outcome of a network list update
type UpdateResponse struct {
	RequestID string `json:"request_id,omitempty"`
	Result    string `json:"result"`
	Code      int    `json:"code"`
}

func (s *Server) handleUpdateNetworks(w http.ResponseWriter, r *http.Request) {
	var body NetworksRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	done := make(chan pkg.UpdateResult, 1)
	id := s.backend.UpdateAvailableNetworks(callerFrom(r), body.Networks, func(res pkg.UpdateResult) {
		done <- res
	})

	select {
	case res := <-done:
		writeJSON(w, http.StatusOK, UpdateResponse{RequestID: id, Result: res.String(), Code: int(res)})
	case <-time.After(s.config.ResponseTimeout):
		writeJSON(w, http.StatusAccepted, UpdateResponse{RequestID: id, Result: "pending", Code: -1})
	case <-r.Context().Done():
	}
}

// PreferredDataRequest is the body of PUT /api/v1/preferred-data
type PreferredDataRequest struct {
	SubID          int  `json:"sub_id"`
	NeedValidation bool `json:"need_validation"`
}

func (s *Server) handleGetPreferredData(w http.ResponseWriter, r *http.Request) {
	subID, err := s.backend.PreferredDataSubscriptionID(callerFrom(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"sub_id": subID})
}

func (s *Server) handlePutPreferredData(w http.ResponseWriter, r *http.Request) {
	var body PreferredDataRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	done := make(chan pkg.SetDataResult, 1)
	err := s.backend.SetPreferredDataSubscriptionID(callerFrom(r), body.SubID, body.NeedValidation, func(res pkg.SetDataResult) {
		done <- res
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	select {
	case res := <-done:
		writeJSON(w, http.StatusOK, map[string]interface{}{"result": res.String(), "code": int(res)})
	case <-time.After(s.config.ResponseTimeout):
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"result": "pending", "code": -1})
	case <-r.Context().Done():
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event buffer not available")
		return
	}
	q := r.URL.Query()

	limit, err := queryInt(q.Get("limit"), 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	var since time.Time
	if v := q.Get("since"); v != "" {
		if since, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid since, want RFC3339")
			return
		}
	}
	var filter []pkg.EventType
	for _, t := range q["type"] {
		filter = append(filter, pkg.EventType(t))
	}

	events := s.events.GetEvents(since, limit, filter...)
	if events == nil {
		events = []*pkg.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events, "count": len(events)})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "history not available")
		return
	}
	limit, err := queryInt(r.URL.Query().Get("limit"), 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	recs, err := s.history.Recent(limit)
	if err != nil {
		s.logger.Error("Failed to read history", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	if recs == nil {
		recs = []*audit.SelectionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"selections": recs, "count": len(recs)})
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	s.diagMu.RLock()
	out := make(map[string]interface{}, len(s.diagnostics))
	for name, fn := range s.diagnostics {
		out[name] = fn()
	}
	s.diagMu.RUnlock()
	writeJSON(w, http.StatusOK, out)
}

func queryInt(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func writeServiceError(w http.ResponseWriter, err error) {
	if errors.Is(err, service.ErrPermissionDenied) {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
