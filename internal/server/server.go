// Package server exposes the relay over HTTP: the live websocket endpoint,
// health and metrics endpoints, and a small JSON API for fault-code matching
// and session introspection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inspexhq/inspex/internal/config"
	"github.com/inspexhq/inspex/internal/faultcode"
	"github.com/inspexhq/inspex/internal/health"
	"github.com/inspexhq/inspex/internal/observe"
	"github.com/inspexhq/inspex/internal/relay"
	"github.com/inspexhq/inspex/internal/store"
	"github.com/inspexhq/inspex/internal/tools"
	"github.com/inspexhq/inspex/pkg/upstream"
)

// shutdownTimeout bounds the graceful HTTP shutdown when Run's context is
// cancelled.
const shutdownTimeout = 10 * time.Second

// Server owns the HTTP surface of the relay. Construct with New, serve with
// Run. Session defaults and tool wiring can be swapped at runtime via Reload;
// running sessions keep the config they negotiated.
type Server struct {
	mu  sync.Mutex
	cfg *config.Config

	connector upstream.Connector
	registry  *tools.Registry
	store     store.Store
	catalog   *faultcode.Catalog
	metrics   *observe.Metrics
	log       *slog.Logger
	checkers  []health.Checker

	sessions *SessionManager
	httpSrv  *http.Server
	stopOnce sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithStore sets the session log store.
func WithStore(st store.Store) Option {
	return func(s *Server) { s.store = st }
}

// WithRegistry sets the tool registry advertised to new sessions.
func WithRegistry(r *tools.Registry) Option {
	return func(s *Server) { s.registry = r }
}

// WithCatalog sets the fault-code catalog behind /api/fault-codes/match.
func WithCatalog(c *faultcode.Catalog) Option {
	return func(s *Server) { s.catalog = c }
}

// WithMetrics sets the metrics instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the server logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithChecker adds a readiness check evaluated by /readyz.
func WithChecker(c health.Checker) Option {
	return func(s *Server) { s.checkers = append(s.checkers, c) }
}

// New creates a Server. The connector is used for every accepted session.
func New(cfg *config.Config, connector upstream.Connector, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		connector: connector,
		registry:  tools.NewRegistry(),
		store:     store.NopStore{},
		log:       slog.Default(),
		sessions:  NewSessionManager(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.catalog == nil {
		s.catalog = faultcode.Default()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Sessions returns the active session tracker.
func (s *Server) Sessions() *SessionManager { return s.sessions }

// Reload swaps in a new configuration. Only hot-reloadable fields take
// effect: session defaults for future sessions and the tool wiring. Listen
// address, TLS, upstream and store changes are left to the caller to act on.
func (s *Server) Reload(cfg *config.Config, registry *tools.Registry, catalog *faultcode.Catalog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if registry != nil {
		s.registry = registry
	}
	if catalog != nil {
		s.catalog = catalog
	}
}

// Handler builds the full route table wrapped in the telemetry middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	h := health.New(s.liveInfo, s.checkers...)
	h.Register(mux)

	mux.HandleFunc("GET /ws/live", s.handleLive)
	mux.HandleFunc("POST /api/fault-codes/match", s.handleFaultCodeMatch)
	mux.HandleFunc("GET /api/fault-codes/match", s.handleFaultCodeMatch)
	mux.HandleFunc("GET /api/fault-codes", s.handleFaultCodeList)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.Handle("GET /metrics", promhttp.Handler())

	return observe.Middleware(s.metrics)(mux)
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.httpSrv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpSrv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()

	s.log.Info("server listening", "addr", cfg.Server.ListenAddr, "tls", cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops accepting new connections and waits up to shutdownTimeout
// for in-flight requests. Safe to call multiple times.
func (s *Server) Shutdown() error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		srv := s.httpSrv
		s.mu.Unlock()
		if srv == nil {
			return
		}
		// Websocket connections are hijacked, so Shutdown will not wait for
		// them; unblock their Run loops explicitly.
		s.sessions.CloseAll()
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = srv.Shutdown(ctx)
	})
	return err
}

// handleLive upgrades the request to a websocket and runs a relay session on
// it until either side disconnects.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "err", err)
		return
	}

	s.mu.Lock()
	defaults := s.sessionDefaults()
	registry := s.registry
	negotiation := s.cfg.Session.NegotiationTimeout
	maxResult := s.cfg.Session.MaxResultBytes
	s.mu.Unlock()

	id := uuid.NewString()
	toolCtx := tools.NewContext(id,
		r.URL.Query().Get("equipment_id"),
		intQuery(r, "task_id"),
		intQuery(r, "inspection_id"),
	)

	sess := relay.New(conn, s.connector,
		relay.WithID(id),
		relay.WithDefaults(defaults),
		relay.WithExecutor(registry),
		relay.WithToolContext(toolCtx),
		relay.WithStore(s.store),
		relay.WithMetrics(s.metrics),
		relay.WithLogger(s.log),
		relay.WithNegotiationTimeout(negotiation),
		relay.WithMaxResultBytes(maxResult),
	)

	s.sessions.Add(sess)
	defer s.sessions.Remove(id)

	if err := sess.Run(r.Context()); err != nil {
		s.log.Error("session ended with error", "session_id", id, "err", err)
	}
}

// handleFaultCodeMatch resolves a spoken or typed fault-code query against
// the catalog. It accepts `GET ?q=` and `POST {"query": "..."}`.
func (s *Server) handleFaultCodeMatch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if r.Method == http.MethodPost {
		var req struct {
			Query string `json:"query"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must be {\"query\": \"...\"}"})
			return
		}
		query = req.Query
	}
	if query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing query"})
		return
	}

	s.mu.Lock()
	catalog := s.catalog
	s.mu.Unlock()

	match, ok := catalog.Resolve(query)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no fault code matches " + strconv.Quote(query)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"code":       match.Code.ID,
		"title":      match.Code.Title,
		"severity":   match.Code.Severity,
		"components": match.Code.Components,
		"confidence": match.Confidence,
	})
}

// handleFaultCodeList returns the full catalog.
func (s *Server) handleFaultCodeList(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	catalog := s.catalog
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"fault_codes": catalog.Codes()})
}

// handleSessions returns a snapshot of the sessions currently running.
func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	infos := s.sessions.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(infos),
		"sessions": infos,
	})
}

// sessionDefaults builds the upstream session defaults from the current
// config and tool registry. Caller holds s.mu.
func (s *Server) sessionDefaults() upstream.SessionConfig {
	return upstream.SessionConfig{
		Model:              s.cfg.Session.Model,
		Voice:              s.cfg.Session.Voice,
		SystemPrompt:       s.cfg.Session.SystemPrompt,
		ResponseModalities: s.cfg.Session.ResponseModalities,
		Tools:              s.registry.Declarations(),
	}
}

// liveInfo reports the live endpoint's health for /ws/live/health.
func (s *Server) liveInfo() health.LiveInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return health.LiveInfo{
		Ready: s.cfg.Upstream.ResolveAPIKey() != "",
		Model: s.cfg.Session.Model,
		Voice: s.cfg.Session.Voice,
	}
}

func intQuery(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encode failed"}`, http.StatusInternalServerError)
	}
}
