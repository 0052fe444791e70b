// Package daemon exposes the session manager over a small REST surface:
// session CRUD, turn submission, long-polled event reads, and graceful
// shutdown. Authentication is a single shared token carried in the
// X-Agent-Token header.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp-terra/repoagent/internal/observability"
	"github.com/warp-terra/repoagent/internal/session"
)

// Query-parameter clamps for event reads.
const (
	maxAfter     = 1_000_000_000_000
	maxWaitMs    = 30_000
	defaultLimit = 200
	maxLimit     = 1000
)

// shutdownGrace bounds how long in-flight requests may finish during
// graceful shutdown.
const shutdownGrace = 5 * time.Second

// Options configures the daemon server.
type Options struct {
	Host    string
	Port    int
	Token   string
	Manager *session.Manager
	Logger  *slog.Logger
}

// Server is the HTTP front of the agent daemon.
type Server struct {
	manager *session.Manager
	token   string
	logger  *slog.Logger

	httpServer *http.Server
	listener   net.Listener

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// NewServer builds a server; call Run to serve.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		manager:    opts.Manager,
		token:      opts.Token,
		logger:     logger,
		shutdownCh: make(chan struct{}),
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Addr returns the bound listen address once Run has started serving.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}

// Run serves until the context is cancelled or /shutdown is called, then
// drains in-flight requests and stops every session.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		s.manager.StopAll()
		return fmt.Errorf("启动服务失败：%w", err)
	}
	s.listener = listener
	s.logger.Info("agent daemon started", "addr", listener.Addr().String(), "auth", s.token != "")

	serveErr := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case <-s.shutdownCh:
	case err, ok := <-serveErr:
		if ok && err != nil {
			s.manager.StopAll()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
	}
	s.manager.StopAll()
	s.logger.Info("agent daemon stopped")
	return nil
}

// signalShutdown asks Run to begin graceful teardown. Idempotent.
func (s *Server) signalShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /sessions/{id}/turns", s.handleSubmitTurn)
	mux.HandleFunc("POST /sessions/{id}/clear", s.handleClearSession)
	mux.HandleFunc("POST /sessions/{id}/cancel", s.handleCancelSession)
	mux.HandleFunc("GET /sessions/{id}/events", s.handleGetEvents)
	mux.HandleFunc("POST /shutdown", s.handleShutdown)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("/", s.handleNotFound)

	return s.withRecovery(s.withAccessLog(s.withAuth(mux)))
}

// withAuth enforces the shared token on every route when configured.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && r.Header.Get("X-Agent-Token") != s.token {
			s.writeError(w, http.StatusUnauthorized, "认证失败：X-Agent-Token 无效。")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withAccessLog logs one line per request and feeds the request counter.
func (s *Server) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		observability.HTTPRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(recorder.status)).Inc()
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// withRecovery turns handler panics into JSON 500 responses.
func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic", "path", r.URL.Path, "panic", rec)
				s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("panic: %v", rec))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.written {
		r.status = status
		r.written = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.written = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": s.manager.List()})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	body := readJSONBody(r)

	sessionID := ""
	if raw, ok := body["session_id"]; ok && raw != nil {
		str, isString := raw.(string)
		if !isString {
			s.writeError(w, http.StatusBadRequest, "session_id 必须是字符串。")
			return
		}
		sessionID = str
	}

	sess, err := s.manager.Create(sessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionExists) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	observability.SessionsCreatedTotal.Inc()
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"session_id": sess.ID(),
		"session":    sess.Status(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"session": sess.Status()})
}

func (s *Server) handleSubmitTurn(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}

	body := readJSONBody(r)
	input, isString := body["input"].(string)
	if !isString {
		s.writeError(w, http.StatusBadRequest, "input 字段必须是字符串。")
		return
	}

	turnID, err := sess.SubmitTurn(input)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	observability.TurnsSubmittedTotal.Inc()
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"session_id": sess.ID(),
		"turn_id":    turnID,
	})
}

func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}

	cleared, message := sess.Clear()
	status := http.StatusOK
	if !cleared {
		status = http.StatusConflict
	}
	s.writeJSON(w, status, map[string]any{"ok": cleared, "message": message})
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, sess.Cancel())
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	after := clampInt64(query.Get("after"), 0, 0, maxAfter)
	waitMs := clampInt64(query.Get("wait_ms"), 0, 0, maxWaitMs)
	limit := clampInt64(query.Get("limit"), defaultLimit, 1, maxLimit)

	page := sess.GetEvents(r.Context(), after, time.Duration(waitMs)*time.Millisecond, int(limit))
	s.writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{})
	// Flush the response before teardown begins so the caller sees it.
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	s.signalShutdown()
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, http.StatusNotFound, fmt.Sprintf("未找到路径：%s", r.URL.Path))
}

// lookupSession resolves the {id} path parameter, writing a 404 on miss.
func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	return sess, true
}

// readJSONBody parses the request body leniently: malformed or non-object
// JSON is treated as an empty object.
func readJSONBody(r *http.Request) map[string]any {
	if r.Body == nil {
		return map[string]any{}
	}
	defer r.Body.Close()

	var parsed map[string]any
	if err := json.NewDecoder(r.Body).Decode(&parsed); err != nil || parsed == nil {
		return map[string]any{}
	}
	return parsed
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("response marshal failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("response write failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{"error": message, "status": status})
}

// clampInt64 parses a query value into [minValue, maxValue], falling back
// to def when absent or unparseable.
func clampInt64(raw string, def, minValue, maxValue int64) int64 {
	if raw == "" {
		return def
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	if value < minValue {
		return minValue
	}
	if value > maxValue {
		return maxValue
	}
	return value
}
