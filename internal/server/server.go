// Package server provides the read-only HTTP status endpoint of meshsip.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/HerbHall/meshsip/internal/calllog"
	"github.com/HerbHall/meshsip/internal/callsession"
	"github.com/HerbHall/meshsip/internal/crawler"
	"github.com/HerbHall/meshsip/internal/directory"
	"github.com/HerbHall/meshsip/internal/reachability"
	"github.com/HerbHall/meshsip/internal/topology"
	"github.com/HerbHall/meshsip/internal/version"
)

const shutdownTimeout = 5 * time.Second

// ReadinessChecker verifies that the daemon is ready to serve traffic.
// Returns nil if ready, an error describing why not otherwise.
type ReadinessChecker func(ctx context.Context) error

// TopologySource produces the current topology document.
type TopologySource interface {
	Snapshot(now time.Time) topology.Document
}

// ReachabilitySource exposes the latest reachability results.
type ReachabilitySource interface {
	Results() []reachability.Result
}

// CallSource lists live call sessions.
type CallSource interface {
	List() []callsession.Session
	Capacity() int
}

// UserSource lists known phones.
type UserSource interface {
	ActiveUsers() []directory.User
	Len() int
	DynamicCount() int
}

// CrawlHistory lists recorded crawl cycles.
type CrawlHistory interface {
	RecentRuns(ctx context.Context, limit int) ([]crawler.Run, error)
}

// CallHistory lists finished and ongoing calls from the call log.
type CallHistory interface {
	RecentCalls(ctx context.Context, limit int) ([]calllog.Call, error)
}

// EventStream serves the live event websocket. Close drops its clients so
// shutdown does not wait on hijacked connections.
type EventStream interface {
	http.Handler
	Close()
}

// Sources wires the components the status endpoints read from. Any field may
// be nil; the matching endpoint then answers 503.
type Sources struct {
	Topology     TopologySource
	Reachability ReachabilitySource
	Calls        CallSource
	Users        UserSource
	Crawls       CrawlHistory
	CallHistory  CallHistory
	Events       EventStream
	Ready        ReadinessChecker
}

// Server is the meshsip status HTTP server.
type Server struct {
	httpServer *http.Server
	src        Sources
	logger     *zap.Logger
	mux        *http.ServeMux
	nowFunc    func() time.Time
}

// New creates a Server with middleware and routes.
func New(cfg Config, src Sources, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()

	s := &Server{
		src:     src,
		logger:  logger,
		mux:     mux,
		nowFunc: time.Now,
	}
	s.registerRoutes()

	skip := []string{"/healthz", "/readyz", "/metrics"}
	handler := Chain(mux,
		RecoveryMiddleware(logger),
		RequestIDMiddleware,
		LoggingMiddleware(logger, skip),
		HeadersMiddleware,
		RateLimitMiddleware(cfg.RateLimitRPS, cfg.RateLimitBurst, skip),
	)

	s.httpServer = &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("GET /api/version", s.handleVersion)
	s.mux.HandleFunc("GET /api/topology", s.handleTopology)
	s.mux.HandleFunc("GET /api/reachability", s.handleReachability)
	s.mux.HandleFunc("GET /api/calls", s.handleCalls)
	s.mux.HandleFunc("GET /api/calls/history", s.handleCallHistory)
	s.mux.HandleFunc("GET /api/users", s.handleUsers)
	s.mux.HandleFunc("GET /api/crawls", s.handleCrawls)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", zap.String("addr", ln.Addr().String()))
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	s.logger.Info("shutting down status server")
	if s.src.Events != nil {
		s.src.Events.Close()
	}
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status server shutdown: %w", err)
	}
	<-errCh
	return nil
}

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ctx, ln)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealthz is a liveness probe -- returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "alive"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.src.Ready != nil {
		if err := s.src.Ready(r.Context()); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, map[string]string{"status": "ready"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, version.Map())
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	if s.src.Topology == nil {
		Unavailable(w, "topology crawler is disabled", r.URL.Path)
		return
	}
	writeJSON(w, s.src.Topology.Snapshot(s.nowFunc()))
}

func (s *Server) handleReachability(w http.ResponseWriter, r *http.Request) {
	if s.src.Reachability == nil {
		Unavailable(w, "reachability tester is disabled", r.URL.Path)
		return
	}
	results := s.src.Reachability.Results()
	if r.URL.Query().Get("reachable") == "false" {
		filtered := results[:0]
		for _, res := range results {
			if !res.Reachable {
				filtered = append(filtered, res)
			}
		}
		results = filtered
	}
	writeJSON(w, map[string]any{
		"count":   len(results),
		"results": results,
	})
}

// CallView is the JSON form of a live call.
type CallView struct {
	CallID     string `json:"call_id"`
	State      string `json:"state"`
	Caller     string `json:"caller"`
	Callee     string `json:"callee"`
	AgeSeconds int64  `json:"age_seconds"`
}

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	if s.src.Calls == nil {
		Unavailable(w, "sip engine is not running", r.URL.Path)
		return
	}
	now := s.nowFunc()
	sessions := s.src.Calls.List()
	views := make([]CallView, 0, len(sessions))
	for i := range sessions {
		sess := &sessions[i]
		views = append(views, CallView{
			CallID:     sess.CallID,
			State:      sess.State.String(),
			Caller:     sess.OriginalCallerAddr.String(),
			Callee:     sess.CalleeAddr.String(),
			AgeSeconds: int64(sess.Age(now) / time.Second),
		})
	}
	writeJSON(w, map[string]any{
		"active":   len(views),
		"capacity": s.src.Calls.Capacity(),
		"calls":    views,
	})
}

// UserView is the JSON form of an active user.
type UserView struct {
	UserID        string     `json:"user_id"`
	DisplayName   string     `json:"display_name"`
	FromDirectory bool       `json:"from_directory"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	if s.src.Users == nil {
		Unavailable(w, "user directory is not loaded", r.URL.Path)
		return
	}
	users := s.src.Users.ActiveUsers()
	views := make([]UserView, 0, len(users))
	for _, u := range users {
		v := UserView{UserID: u.UserID, DisplayName: u.DisplayName, FromDirectory: u.FromDirectory}
		if !u.ExpiresAt.IsZero() {
			exp := u.ExpiresAt.UTC()
			v.ExpiresAt = &exp
		}
		views = append(views, v)
	}
	writeJSON(w, map[string]any{
		"slots_used": s.src.Users.Len(),
		"dynamic":    s.src.Users.DynamicCount(),
		"users":      views,
	})
}

func (s *Server) handleCrawls(w http.ResponseWriter, r *http.Request) {
	if s.src.Crawls == nil {
		Unavailable(w, "crawl history is not available", r.URL.Path)
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	runs, err := s.src.Crawls.RecentRuns(r.Context(), limit)
	if err != nil {
		s.logger.Warn("failed to list crawl runs", zap.Error(err))
		InternalError(w, "failed to list crawl runs", r.URL.Path)
		return
	}
	if runs == nil {
		runs = []crawler.Run{}
	}
	writeJSON(w, runs)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.src.Events == nil {
		Unavailable(w, "event stream is disabled", r.URL.Path)
		return
	}
	s.src.Events.ServeHTTP(w, r)
}

func (s *Server) handleCallHistory(w http.ResponseWriter, r *http.Request) {
	if s.src.CallHistory == nil {
		Unavailable(w, "call log requires a database", r.URL.Path)
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	calls, err := s.src.CallHistory.RecentCalls(r.Context(), limit)
	if err != nil {
		s.logger.Warn("failed to list calls", zap.Error(err))
		InternalError(w, "failed to list calls", r.URL.Path)
		return
	}
	if calls == nil {
		calls = []calllog.Call{}
	}
	writeJSON(w, calls)
}

// parseLimit reads ?limit (1..500, default 20). It writes a 400 and
// returns false when the value is invalid.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 20, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > 500 {
		BadRequest(w, "limit must be an integer between 1 and 500", r.URL.Path)
		return 0, false
	}
	return n, true
}
