// Package gateway exposes the session bridge over HTTP: a WebSocket stream
// per session, a WebSocket feed of registry changes, and a small REST
// surface for listing and managing sessions.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/sessiond/internal/bus"
	"github.com/basket/sessiond/internal/otel"
	"github.com/basket/sessiond/internal/session"
	"github.com/basket/sessiond/internal/store"
)

type Config struct {
	Registry *session.Registry
	Bus      *bus.Bus
	Logger   *slog.Logger

	// AuthToken gates every endpoint except /healthz. Empty disables auth.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of active config, exposed in /healthz so
	// clients can detect a live reload.
	ConfigFingerprint string

	// Metrics and Tracer are optional; nil disables instrumentation.
	Metrics *otel.Metrics
	Tracer  trace.Tracer
}

type Server struct {
	cfg    Config
	logger *slog.Logger

	fpMu        sync.RWMutex
	fingerprint string

	closeOnce sync.Once
	done      chan struct{}
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:         cfg,
		logger:      logger,
		fingerprint: cfg.ConfigFingerprint,
		done:        make(chan struct{}),
	}
}

// Close signals every open WebSocket to shut down. Idempotent.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// SetFingerprint swaps the advertised config hash after a live reload.
func (s *Server) SetFingerprint(fp string) {
	s.fpMu.Lock()
	s.fingerprint = fp
	s.fpMu.Unlock()
}

func (s *Server) currentFingerprint() string {
	s.fpMu.RLock()
	defer s.fpMu.RUnlock()
	return s.fingerprint
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/sessions/", s.handleSessionWS)
	mux.HandleFunc("/ws/events", s.handleEventsWS)
	mux.HandleFunc("/api/sessions", s.handleAPISessions)
	mux.HandleFunc("/api/sessions/", s.handleAPISessionByID)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return corsMiddleware(s.cfg.AllowOrigins)(s.instrument(mux))
}

// instrument wraps the mux with a server span and request duration metric.
func (s *Server) instrument(next http.Handler) http.Handler {
	if s.cfg.Metrics == nil && s.cfg.Tracer == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if s.cfg.Tracer != nil {
			var span trace.Span
			ctx, span = otel.StartServerSpan(ctx, s.cfg.Tracer, r.URL.Path)
			defer span.End()
		}
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(attribute.String("path", r.URL.Path), attribute.String("method", r.Method)))
		}
	})
}

func (s *Server) countFrames(ctx context.Context, n int64) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.FramesDelivered.Add(ctx, n)
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.cfg.AuthToken
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"healthy":     true,
		"config_hash": s.currentFingerprint(),
		"time_unix":   time.Now().Unix(),
	})
}

// handleAPISessions serves GET (list) and POST (create) on /api/sessions.
func (s *Server) handleAPISessions(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.listSessions(w, r)
	case http.MethodPost:
		s.createSession(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := session.ListFilter{
		Project: q.Get("project"),
	}
	if v := q.Get("include_archived"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "include_archived must be a boolean", http.StatusBadRequest)
			return
		}
		filter.IncludeArchived = b
	}
	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, next, err := s.cfg.Registry.List(filter, q.Get("cursor"), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions":    entries,
		"next_cursor": next,
	})
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var p struct {
		SessionID  string `json:"session_id"`
		Project    string `json:"project"`
		WorkingDir string `json:"working_dir"`
		ResumeID   string `json:"resume_id"`
		Mode       string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if p.Project == "" {
		http.Error(w, "project is required", http.StatusBadRequest)
		return
	}
	mode := session.Mode(p.Mode)
	switch mode {
	case "", session.ModeStructured, session.ModeRaw:
	default:
		http.Error(w, "mode must be structured or raw", http.StatusBadRequest)
		return
	}

	sess, err := s.cfg.Registry.GetOrCreate(r.Context(), p.SessionID, p.Project, p.WorkingDir, p.ResumeID, mode)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.logger.Info("gateway: session created", "session_id", sess.ID, "project", sess.Project, "mode", string(sess.Mode))
	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id": sess.ID,
		"project":    sess.Project,
		"mode":       string(sess.Mode),
		"state":      string(sess.CurrentState()),
	})
}

// handleAPISessionByID serves /api/sessions/{id} and its subresources
// {id}/title, {id}/archive, {id}/read.
func (s *Server) handleAPISessionByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		http.Error(w, "session id required", http.StatusBadRequest)
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		sess, err := s.cfg.Registry.Get(id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"session_id": sess.ID,
			"project":    sess.Project,
			"mode":       string(sess.Mode),
			"state":      string(sess.CurrentState()),
		})
	case action == "" && r.Method == http.MethodDelete:
		if err := s.cfg.Registry.Evict(id); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, session.ErrSessionNotFound) {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			return
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.SessionsEvicted.Add(r.Context(), 1)
		}
		writeJSON(w, http.StatusOK, map[string]any{"evicted": true})
	case action == "title" && r.Method == http.MethodPost:
		var p struct {
			Title string `json:"title"`
		}
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.Title == "" {
			http.Error(w, "title is required", http.StatusBadRequest)
			return
		}
		if err := s.cfg.Registry.SetTitle(r.Context(), id, p.Title); err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"title": p.Title})
	case action == "archive" && r.Method == http.MethodPost:
		var p struct {
			Archived bool `json:"archived"`
		}
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if err := s.cfg.Registry.SetArchived(r.Context(), id, p.Archived); err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"archived": p.Archived})
	case action == "read" && r.Method == http.MethodPost:
		if err := s.cfg.Registry.MarkRead(r.Context(), id); err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"read": true})
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, session.ErrSessionNotFound) || errors.Is(err, store.ErrNotFound) {
		status = http.StatusNotFound
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
