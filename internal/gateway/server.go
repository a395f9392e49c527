package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"rentchat/internal/config"
	"rentchat/internal/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Config configures the HTTP server.
type Config struct {
	Service        *Service
	AdminToken     string
	AllowedOrigins []string
	Metrics        config.MetricsConfig
	Consent        config.ConsentConfig
	Logger         *slog.Logger
}

// Server exposes the chat service over REST and WebSocket.
type Server struct {
	svc        *Service
	hub        *Hub
	adminToken string
	consent    config.ConsentConfig
	logger     *slog.Logger
	router     chi.Router
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		svc:        cfg.Service,
		hub:        NewHub(cfg.Service, cfg.AllowedOrigins, cfg.Logger),
		adminToken: cfg.AdminToken,
		consent:    cfg.Consent,
		logger:     cfg.Logger.With("component", "gateway"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/health"))
	r.Use(cors(cfg.AllowedOrigins))
	if cfg.Consent.Analytics {
		r.Use(s.recordRequests)
	}

	if cfg.Metrics.Enabled {
		endpoint := cfg.Metrics.Endpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.Get(endpoint, metrics.Collector.Handler())
	}

	r.Route("/api/chat/sessions", func(r chi.Router) {
		r.Use(requireUser)
		r.Post("/", s.handleStart)
		r.Get("/active", s.handleActive)
		r.Get("/{id}", s.handleGet)
		r.Get("/{id}/messages", s.handleMessages)
		r.Post("/{id}/messages", s.handleSend)
		r.Post("/{id}/escalate", s.handleEscalate)
		r.Post("/{id}/close", s.handleClose)
	})

	r.Route("/api/admin/sessions", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Get("/", s.handleList)
		r.Post("/{id}/join", s.handleJoin)
		r.Post("/{id}/messages", s.handleAdminReply)
		r.Post("/{id}/typing", s.handleAdminTyping)
		r.Post("/{id}/close", s.handleAdminClose)
	})

	r.Get("/ws", s.hub.ServeHTTP)

	s.router = r
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.hub.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("gateway shutting down")
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// requestLogger logs each request through slog.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// recordRequests feeds request metrics. Only installed with analytics consent.
func (s *Server) recordRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.ObserveRequest(route, status, time.Since(start).Seconds())
	})
}

// cors returns middleware that handles CORS headers for the widget's origin.
func cors(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			for _, o := range allowedOrigins {
				if o == "*" || o == origin {
					allowed = true
					break
				}
			}

			if allowed && origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+userHeader+", "+adminHeader)
				w.Header().Add("Vary", "Origin")
			}

			if r.Method == http.MethodOptions && origin != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
