package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/gosuda/airstream/internal/agent"
	"github.com/gosuda/airstream/internal/api/ws"
	"github.com/gosuda/airstream/internal/config"
	"github.com/gosuda/airstream/internal/domain"
	"github.com/gosuda/airstream/internal/event"
	"github.com/gosuda/airstream/internal/proxy"
	"github.com/gosuda/airstream/internal/server/middleware"
	"github.com/gosuda/airstream/internal/validate"
)

// Server is the HTTP server that wires all application routes and middleware.
type Server struct {
	router       chi.Router
	httpServer   *http.Server
	orchestrator *agent.Orchestrator
	wsHub        *ws.Hub
	relay        *proxy.Handler
	cfg          *config.Config
}

// Deps are the collaborators the routes are built on. Messages may be nil
// when no durable store is configured; Gate and Upstream fall back to
// defaults.
type Deps struct {
	Orchestrator *agent.Orchestrator
	Registry     *agent.Registry
	Messages     domain.MessageRepository
	PubSub       ws.Subscriber
	Gate         validate.Gate
	Upstream     *http.Client
	// Checks are run by /healthz, keyed by dependency name.
	Checks map[string]HealthCheck
}

// New creates a Server with all routes wired. ctx bounds background
// housekeeping such as rate-limiter cleanup.
func New(ctx context.Context, cfg *config.Config, deps Deps) *Server {
	if deps.Registry == nil {
		deps.Registry = agent.DefaultRegistry()
	}

	router := chi.NewRouter()

	// Global middleware stack.
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(middleware.RequestLogger)
	router.Use(chimw.Recoverer)
	router.Use(cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", event.FormatHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler)

	s := &Server{
		router:       router,
		orchestrator: deps.Orchestrator,
		wsHub:        ws.NewHub(deps.PubSub, originPatterns(cfg.Server.CORSOrigins)),
		relay: proxy.New(proxy.Config{
			UpstreamURL:     cfg.Upstream.URL,
			Client:          deps.Upstream,
			AppName:         cfg.Upstream.AppName,
			TurnTimeout:     cfg.Stream.TurnTimeout,
			KeepAlive:       cfg.Stream.KeepAlive,
			CanonicalEvents: cfg.Features.CanonicalEvents,
		}, deps.Gate),
		cfg: cfg,
		httpServer: &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}

	authn := middleware.Auth(cfg.Auth.JWTSecret)

	// Streaming relay in front of the agent runtime.
	router.Group(func(r chi.Router) {
		r.Use(authn)
		r.Use(middleware.RateLimit(ctx, cfg.RateLimit.RPS, cfg.RateLimit.Burst))
		registerRelayRoutes(r, s.relay)
	})

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(authn)
		r.Use(middleware.RateLimit(ctx, cfg.RateLimit.RPS, cfg.RateLimit.Burst))

		apiConfig := huma.DefaultConfig("Airstream API", "1.0.0")
		apiConfig.Servers = []*huma.Server{
			{URL: "/api/v1"},
		}
		api := humachi.New(r, apiConfig)
		registerAPIRoutes(api, deps.Orchestrator, deps.Messages, v1Flags(cfg, deps.Registry))
	})

	// WebSocket routes.
	router.Route("/ws", func(r chi.Router) {
		r.Use(middleware.RateLimitByIP(ctx, cfg.RateLimit.RPS, cfg.RateLimit.Burst))
		r.Use(authn)
		registerWSRoutes(r, s.wsHub)
	})

	// Health check (unauthenticated).
	router.Get("/healthz", healthz(deps.Checks))

	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.Start: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

// originPatterns converts CORS origins to websocket host patterns.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		if _, host, ok := strings.Cut(o, "://"); ok {
			o = host
		}
		out = append(out, o)
	}
	return out
}
