// Package httpapi is the sync daemon's HTTP front end: the /sync
// WebSocket upgrade endpoint plus the admin health/metrics surface
// (spec.md §1 scopes business logic out of HTTP; this package only
// owns the transport and the C9 session handshake).
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vibestack/syncd/internal/engine"
	"github.com/vibestack/syncd/internal/protocol"
	"github.com/vibestack/syncd/internal/ratelimit"
	"github.com/vibestack/syncd/internal/wssession"
)

// Server is the HTTP/WebSocket front end for one Engine.
type Server struct {
	config      Config
	http        *http.Server
	engine      *engine.Engine
	metrics     *Metrics
	rateLimiter *ratelimit.Limiter
	upgrader    websocket.Upgrader
	log         *slog.Logger
}

// NewServer creates a new Server bound to eng.
func NewServer(cfg Config, eng *engine.Engine, log *slog.Logger) *Server {
	s := &Server{
		config:      cfg,
		engine:      eng,
		metrics:     NewMetrics(),
		rateLimiter: ratelimit.New(),
		log:         log,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// checkOrigin implements the same ALLOWED_ORIGINS allow-list as the
// admin CORS middleware, applied here to the WebSocket handshake since
// gorilla/websocket checks Origin itself before upgrading.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.config.CORSAllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.config.CORSAllowedOrigins {
		if o == origin || o == "*" {
			return true
		}
	}
	return false
}

// Start begins listening for HTTP/WebSocket connections (non-blocking).
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("http server", "err", err)
		}
	}()
	return nil
}

// Shutdown gracefully stops accepting new connections. Upgraded
// WebSocket sessions are not closed by it: each runs on its own request
// context and keeps running until the client disconnects or the
// session closes itself.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /metricz", s.handleMetrics)
	mux.HandleFunc("GET /sync", s.handleSync)

	return chain(mux, recoveryMiddleware, requestIDMiddleware, loggerMiddleware,
		metricsMiddleware(s.metrics), loggingMiddleware, maxBytesMiddleware(10<<20),
		connectRateLimitMiddleware(s.rateLimiter, 60), s.corsMiddleware)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Pool.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "detail": "db unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap := s.metrics.Snapshot()
	snap.SessionsActive = int64(s.engine.Broadcast.SubscriberCount())
	writeJSON(w, http.StatusOK, snap)
}

// handleSync upgrades the connection and hands it to a new C9 session.
// clientId is required and must be a valid UUID (spec.md §6); a
// reconnect for the same clientId supersedes the prior session via
// engine.Sessions.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" || uuid.Validate(clientID) != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "clientId must be a valid uuid")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logFor(r.Context()).Warn("websocket upgrade failed", "err", err)
		return
	}

	if _, err := s.engine.Registry.Upsert(r.Context(), clientID, "", ""); err != nil {
		logFor(r.Context()).Error("registry upsert failed", "err", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(protocol.CloseProtocolError, "registry unavailable"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	sessCfg := wssession.Config{
		HeartbeatInterval:     s.config.HeartbeatInterval,
		AckTimeout:            s.config.AckTimeout,
		WriteTimeout:          5 * time.Second,
		OutboundQueueDepth:    s.config.OutboundQueueDepth,
		CatchupChunkSize:      s.config.CatchupChunkSize,
		SubmitRateLimitPerMin: s.config.SubmitRateLimitPerMin,
	}
	sess := wssession.New(clientID, conn, sessCfg, wssession.Deps{
		Registry:      s.engine.Registry,
		Broadcaster:   s.engine.Broadcast,
		Catchup:       s.engine.Catchup,
		Submit:        s.engine.Submit,
		SubmitLimiter: s.rateLimiter,
	}, s.log)

	s.metrics.RecordSessionOpened()
	s.engine.Sessions.Register(sess)
	defer s.metrics.RecordSessionClosed()
	defer s.engine.Sessions.Unregister(sess)

	if err := sess.Run(r.Context()); err != nil {
		logFor(r.Context()).Info("session ended", "client_id", clientID, "err", err)
	}
}
