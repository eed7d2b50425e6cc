package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cuemby/pulse/pkg/auth"
	"github.com/cuemby/pulse/pkg/events"
	"github.com/cuemby/pulse/pkg/log"
	"github.com/cuemby/pulse/pkg/metrics"
	"github.com/cuemby/pulse/pkg/push"
	"github.com/cuemby/pulse/pkg/registry"
	"github.com/cuemby/pulse/pkg/router"
	"github.com/cuemby/pulse/pkg/snapshot"
	"github.com/cuemby/pulse/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Entitlements decides whether a user may follow a business
type Entitlements interface {
	OwnsBusiness(ctx context.Context, userID, businessID string) (bool, error)
}

// SnapshotStatus exposes the snapshot scheduler state
type SnapshotStatus interface {
	Status() snapshot.Status
}

// Config holds HTTP server settings
type Config struct {
	Addr               string
	ReadHeaderTimeout  time.Duration
	ShutdownTimeout    time.Duration
	AllowedOrigins     []string
	EventsRateLimit    int
	EventsRateWindow   time.Duration
	WriteTimeout       time.Duration
	MaxMessageSize     int64
	EntitlementTimeout time.Duration
}

// DefaultConfig returns the default server settings
func DefaultConfig() Config {
	return Config{
		Addr:               ":8080",
		ReadHeaderTimeout:  10 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		EventsRateLimit:    120,
		EventsRateWindow:   time.Minute,
		WriteTimeout:       10 * time.Second,
		MaxMessageSize:     4096,
		EntitlementTimeout: 5 * time.Second,
	}
}

// Deps are the components the server fronts. Push, Entitlements, Recorder
// and Snapshot are optional.
type Deps struct {
	Registry     *registry.Registry
	Router       *router.Router
	Auth         *auth.Resolver
	Health       *metrics.HealthChecker
	Push         *push.Scheduler
	Entitlements Entitlements
	Recorder     *events.Recorder
	Snapshot     SnapshotStatus
}

// Server is the pulse HTTP and WebSocket front end
type Server struct {
	cfg          Config
	registry     *registry.Registry
	router       *router.Router
	auth         *auth.Resolver
	health       *metrics.HealthChecker
	push         *push.Scheduler
	entitlements Entitlements
	recorder     *events.Recorder
	snapshot     SnapshotStatus

	upgrader websocket.Upgrader
	handler  http.Handler
	logger   zerolog.Logger
}

// NewServer creates the server and installs its release hook on the registry
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Registry == nil || deps.Router == nil || deps.Auth == nil || deps.Health == nil {
		return nil, errors.New("api: registry, router, auth and health are required")
	}

	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = def.ReadHeaderTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.EventsRateLimit <= 0 {
		cfg.EventsRateLimit = def.EventsRateLimit
	}
	if cfg.EventsRateWindow <= 0 {
		cfg.EventsRateWindow = def.EventsRateWindow
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.EntitlementTimeout <= 0 {
		cfg.EntitlementTimeout = def.EntitlementTimeout
	}

	s := &Server{
		cfg:          cfg,
		registry:     deps.Registry,
		router:       deps.Router,
		auth:         deps.Auth,
		health:       deps.Health,
		push:         deps.Push,
		entitlements: deps.Entitlements,
		recorder:     deps.Recorder,
		snapshot:     deps.Snapshot,
		logger:       log.WithComponent("api"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	s.registry.OnRelease(s.onRelease)
	if s.push != nil {
		s.registry.OnUserGone(s.push.Remove)
	}
	s.handler = s.routes()
	return s, nil
}

// onRelease drops the memberships of a released connection. The refresh
// subscription is dropped by push.Remove once the user's last connection
// is gone.
func (s *Server) onRelease(conn *types.Connection) {
	s.router.LeaveAll(conn)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.HandleFunc("/health", s.healthHandler)
	r.HandleFunc("/health/snapshot", s.snapshotHandler)
	r.HandleFunc("/ready", s.readyHandler)
	r.HandleFunc("/live", s.liveHandler)
	r.Handle("/metrics", metrics.Handler())

	r.Get("/ws", s.handleWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.auth.Middleware)
		r.Use(httprate.Limit(
			s.cfg.EventsRateLimit,
			s.cfg.EventsRateWindow,
			httprate.WithKeyFuncs(userKey),
		))

		r.Post("/events", s.recordEvent)
		r.Get("/events", s.queryEvents)
	})

	return r
}

// userKey rate limits per authenticated user
func userKey(r *http.Request) (string, error) {
	if userID, ok := auth.UserIDFromContext(r.Context()); ok {
		return userID, nil
	}
	return httprate.KeyByIP(r)
}

// Handler returns the HTTP handler for embedding in other servers
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("HTTP server listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info().Msg("Shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
