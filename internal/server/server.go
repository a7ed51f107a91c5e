package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/murmurwall/murmur/internal/config"
	"github.com/murmurwall/murmur/internal/engine"
	"github.com/murmurwall/murmur/internal/store"
)

// Server is the murmur HTTP API server: submissions in, clusters out.
type Server struct {
	db       *store.DB
	engine   *engine.Service
	embedder engine.Embedder
	cfg      *config.Config
	limiter  *rateLimiter
	hub      *Hub
	router   chi.Router
	version  string
	started  time.Time
}

// New creates a Server over the given store, engine, and embedder. The
// embedder may be nil, in which case submissions are stored without
// vectors. Wire the returned server's Hub into the engine's change events
// before Initialize.
func New(db *store.DB, eng *engine.Service, embedder engine.Embedder, cfg *config.Config, version string) *Server {
	s := &Server{
		db:       db,
		engine:   eng,
		embedder: embedder,
		cfg:      cfg,
		limiter:  newRateLimiter(cfg.Submission.RateLimit, cfg.Submission.RateWindowValue()),
		hub:      newHub(),
		version:  version,
		started:  time.Now(),
	}
	s.routes()
	return s
}

// Hub returns the websocket fanout, for wiring engine change events.
func (s *Server) Hub() *Hub { return s.hub }

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the rate limiter sweep and disconnects stream clients.
func (s *Server) Close() {
	s.limiter.Stop()
	s.hub.close()
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)

		r.Post("/messages", s.handleSubmit)
		r.Get("/messages", s.handleListMessages)
		r.Delete("/messages/{messageID}", s.handleDeleteMessage)
		r.Post("/messages/{messageID}/approve", s.handleApproveMessage)

		r.Get("/cluster", s.handleCluster)
		r.Get("/stream", s.handleStream)
	})

	r.Handle("/metrics", promhttp.Handler())

	s.router = r
}
