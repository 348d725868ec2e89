package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/guidebazaar/studlyff-sub000/config"
	"github.com/guidebazaar/studlyff-sub000/db"
	"github.com/guidebazaar/studlyff-sub000/service"
)

type Server struct {
	graph   *service.Graph
	channel *service.Channel
	store   db.Store
	config  *ServerConfig
	router  chi.Router
}

type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64

	AllowedOrigins []string

	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// ConfigFrom builds the HTTP settings from the loaded configuration.
func ConfigFrom(cfg *config.Config) *ServerConfig {
	return &ServerConfig{
		Addr:              cfg.Server.Addr(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		MaxBodyBytes:      cfg.Server.MaxBodyBytes,
		AllowedOrigins:    cfg.CORS.AllowedOrigins,
		RateLimitEnabled:  cfg.RateLimit.Enabled,
		RateLimitRequests: cfg.RateLimit.Requests,
		RateLimitWindow:   cfg.RateLimit.Window,
	}
}

func New(graph *service.Graph, channel *service.Channel, store db.Store, config *ServerConfig) *Server {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 16 << 10
	}

	s := &Server{
		graph:   graph,
		channel: channel,
		store:   store,
		config:  config,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.config.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", requestIDHeader},
		ExposedHeaders: []string{requestIDHeader},
		MaxAge:         300,
	}))

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", s.handleLive)
		r.Get("/ready", s.handleReady)
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		if s.config.RateLimitEnabled {
			r.Use(httprate.Limit(
				s.config.RateLimitRequests,
				s.config.RateLimitWindow,
				httprate.WithKeyFuncs(httprate.KeyByRealIP),
				httprate.WithLimitHandler(handleRateLimited),
			))
		}
		r.Use(instrument)

		r.Route("/connections", func(r chi.Router) {
			r.Post("/request", s.handleRequest)
			r.Post("/accept", s.handleAccept)
			r.Post("/reject", s.handleReject)
			r.Get("/requests/{uid}", s.handleListIncoming)
			r.Get("/{uid}", s.handleListConnections)
		})

		r.Route("/messages", func(r chi.Router) {
			r.Post("/send", s.handleSend)
			r.Get("/{uid1}/{uid2}", s.handleHistory)
			r.Delete("/{uid1}/{uid2}", s.handleClear)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "no such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	return r
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// HTTPServer returns a net/http server bound to the configured address.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.router,
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
	}
}
