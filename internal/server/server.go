package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dukerupert/expensebackup/internal/handler"
	"github.com/dukerupert/expensebackup/internal/middleware"
	ws "github.com/dukerupert/expensebackup/internal/websocket"
)

type Config struct {
	APIToken               string
	MaxConcurrentPerTenant int
	CreateRateLimit        int
	CreateRateWindow       time.Duration
	AllowedOrigins         []string
}

type Server struct {
	cfg         Config
	hub         *ws.Hub
	backupH     *handler.BackupHandler
	rateLimiter *middleware.RateLimiter
	gatherer    prometheus.Gatherer
	logger      *slog.Logger
}

func New(cfg Config, backups handler.BackupStore, runner handler.Runner, hub *ws.Hub, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if cfg.CreateRateLimit <= 0 {
		cfg.CreateRateLimit = 10
	}
	if cfg.CreateRateWindow <= 0 {
		cfg.CreateRateWindow = time.Minute
	}
	limiter := middleware.NewRateLimiter(cfg.CreateRateLimit, cfg.CreateRateWindow)

	return &Server{
		cfg:         cfg,
		hub:         hub,
		backupH:     handler.NewBackupHandler(backups, runner, limiter, cfg.MaxConcurrentPerTenant, logger.With("component", "backup_handler")),
		rateLimiter: limiter,
		gatherer:    gatherer,
		logger:      logger,
	}
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.RequestLogger(s.logger.With("component", "http")))
	r.Use(chimw.Recoverer)

	r.Get("/health", s.healthHandler)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireToken(s.cfg.APIToken))

		r.Get("/ws", ws.HandleWebSocket(s.hub, s.logger.With("component", "websocket"), s.cfg.AllowedOrigins))

		r.Route("/api", func(r chi.Router) {
			r.Get("/tenants/{tenantID}/backups", s.backupH.ListByTenant)
			r.Post("/backups", s.backupH.Create)
			r.Get("/backups/{id}", s.backupH.Get)
			r.Put("/backups/{id}/task_reference", s.backupH.SetTaskReference)
			r.With(middleware.RateLimit(s.rateLimiter, func(r *http.Request) string {
				return "ip:" + middleware.RealIP(r)
			})).Post("/backups/{id}/run", s.backupH.Run)
		})
	})

	return r
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": "ok", "websocket_clients": s.hub.ClientCount()})
}
