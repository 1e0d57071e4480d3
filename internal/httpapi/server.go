package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clinicore/opsync/internal/synclog"
)

type ServerConfig struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Metrics         prometheus.Gatherer
	Logger          *slog.Logger
}

// Server is the request/response transport over the sync engine. The two
// sync operations carry their facility in the body (the wire contract);
// watch and admin routes scope it in the path.
type Server struct {
	engine      *synclog.Engine
	notifier    *synclog.Notifier
	cfg         ServerConfig
	rateLimiter *rateLimiter
	schemas     *requestSchemas
	router      chi.Router
	logger      *slog.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(engine *synclog.Engine, notifier *synclog.Notifier) *Server {
	return NewServerWithConfig(engine, notifier, ServerConfig{})
}

func NewServerWithConfig(engine *synclog.Engine, notifier *synclog.Notifier, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		engine:      engine,
		notifier:    notifier,
		cfg:         cfg,
		rateLimiter: limiter,
		schemas:     mustCompileRequestSchemas(),
		logger:      cfg.Logger,
	}

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/v1/sync/push", s.handlePush)
	r.Post("/v1/sync/pull", s.handlePull)
	r.Get("/v1/facilities/{facilityID}/sync/watch", s.handleWatch)
	r.Post("/v1/admin/facilities", s.handleAdminCreateFacility)
	r.Get("/v1/admin/facilities", s.handleAdminListFacilities)
	r.Get("/v1/admin/facilities/{facilityID}", s.handleAdminFacility)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Metrics, promhttp.HandlerOpts{}))
	}
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Correlation-Id", correlationID(r))
	s.router.ServeHTTP(w, r)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	if !s.validateBody(w, body, s.schemas.push) {
		return
	}
	var req synclog.PushRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	if !s.allow(w, req.FacilityID, req.DeviceID) {
		return
	}
	resp, err := s.engine.Push(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	if !s.validateBody(w, body, s.schemas.pull) {
		return
	}
	var req synclog.PullRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	resp, err := s.engine.Pull(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAdminCreateFacility(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	var req struct {
		FacilityID string `json:"facilityId"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	if err := s.engine.RegisterFacility(req.FacilityID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	status, err := s.engine.FacilityStatus(req.FacilityID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, status)
}

func (s *Server) handleAdminListFacilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"facilities": s.engine.Facilities()})
}

func (s *Server) handleAdminFacility(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.FacilityStatus(chi.URLParam(r, "facilityID"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) allow(w http.ResponseWriter, facilityID, deviceID string) bool {
	if s.rateLimiter == nil {
		return true
	}
	key := facilityID + "|" + deviceID
	if !s.rateLimiter.allow(key, time.Now().UTC()) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
		return false
	}
	return true
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return nil, false
	}
	return body, true
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, synclog.ErrFacilityNotFound):
		writeError(w, http.StatusNotFound, "facility_not_found", err.Error())
	case errors.Is(err, synclog.ErrCursorFacilityMismatch):
		writeError(w, http.StatusBadRequest, "invalid_cursor", "cursor references a different facility")
	case errors.Is(err, synclog.ErrInvalidCursor):
		writeError(w, http.StatusBadRequest, "invalid_cursor", err.Error())
	case errors.Is(err, synclog.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, synclog.ErrStorage):
		writeError(w, http.StatusInternalServerError, "storage_error", "the operation log could not be updated; retry the request")
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func correlationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return uuid.NewString()
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError emits the wire error shape. The shape is exactly
// {code, message}; anything else belongs in headers.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, synclog.ErrorBody{Code: code, Message: message})
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{count: 1, resetAt: now.Add(l.window)}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}
