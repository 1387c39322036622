package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/dukerupert/expensebackup/internal/archive"
	"github.com/dukerupert/expensebackup/internal/config"
	"github.com/dukerupert/expensebackup/internal/database"
	"github.com/dukerupert/expensebackup/internal/dispatch"
	"github.com/dukerupert/expensebackup/internal/email"
	"github.com/dukerupert/expensebackup/internal/logging"
	"github.com/dukerupert/expensebackup/internal/metrics"
	"github.com/dukerupert/expensebackup/internal/model"
	"github.com/dukerupert/expensebackup/internal/objectstore"
	"github.com/dukerupert/expensebackup/internal/pipeline"
	"github.com/dukerupert/expensebackup/internal/secret"
	"github.com/dukerupert/expensebackup/internal/server"
	"github.com/dukerupert/expensebackup/internal/store"
	"github.com/dukerupert/expensebackup/internal/upstream"
	ws "github.com/dukerupert/expensebackup/internal/websocket"
)

const usage = `usage: expensebackup <command>

commands:
  run <backup-id>   run one backup request; exit status 0 on success, 1 on failure
  serve             serve the HTTP API and run pending backups in the background
  migrate           apply database migrations and exit
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(2)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	switch os.Args[1] {
	case "run":
		if len(os.Args) != 3 {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		os.Exit(runOnce(cfg, logger, os.Args[2]))
	case "serve":
		if err := serve(cfg, logger); err != nil {
			logger.Error("serve", "error", err)
			os.Exit(1)
		}
	case "migrate":
		db, err := database.Open(cfg.DBPath)
		if err != nil {
			logger.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
		db.Close()
		logger.Info("database migrated", "path", cfg.DBPath)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

// runOnce is the job-runner entry point.
func runOnce(cfg *config.Config, logger *slog.Logger, id string) int {
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		return 2
	}
	db, err := database.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		return 1
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, _, err := buildPipeline(cfg, db, nil, nil, logger)
	if err != nil {
		logger.Error("failed to build pipeline", "error", err)
		return 1
	}
	if !p.Run(ctx, id) {
		return 1
	}
	return 0
}

func serve(cfg *config.Config, logger *slog.Logger) error {
	if err := cfg.ValidateServer(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	collector := metrics.NewCollector()
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collector,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	hub := ws.NewHub(logger.With("component", "websocket"))
	p, backups, err := buildPipeline(cfg, db, collector, func(id, tenantID string, state model.BackupState) {
		hub.Broadcast(ws.NewStateMessage(id, tenantID, state))
	}, logger)
	if err != nil {
		return err
	}

	dispatcher := dispatch.New(backups, p, dispatch.Config{
		Workers:      cfg.Server.Workers,
		PollInterval: cfg.Server.PollInterval,
	}, logger)

	srv := server.New(server.Config{
		APIToken:               cfg.Server.APIToken,
		MaxConcurrentPerTenant: cfg.Server.MaxConcurrentPerTenant,
		CreateRateLimit:        cfg.Server.CreateRateLimit,
		CreateRateWindow:       cfg.Server.CreateRateWindow,
		AllowedOrigins:         cfg.Server.AllowedOrigins,
	}, backups, dispatcher, hub, reg, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go srv.RateLimiter().RunCleanup(ctx, 10*time.Minute)
	dispatcher.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("expensebackup listening", "port", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		dispatcher.Stop()
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	dispatcher.Stop()
	return nil
}

// buildPipeline wires the pipeline collaborators from configuration.
func buildPipeline(cfg *config.Config, db *sql.DB, collector *metrics.Collector, onState pipeline.StateCallback, logger *slog.Logger) (*pipeline.Pipeline, *store.BackupStore, error) {
	sealer, err := secret.NewSealer(cfg.SecretKey)
	if err != nil {
		return nil, nil, fmt.Errorf("credential sealer: %w", err)
	}
	backups := store.NewBackupStore(db, sealer)

	objects, err := objectstore.New(cfg.Storage.Config)
	if err != nil {
		return nil, nil, fmt.Errorf("object store: %w", err)
	}

	sender, err := email.NewSender(cfg.Email)
	if err != nil {
		return nil, nil, fmt.Errorf("email sender: %w", err)
	}

	if err := os.MkdirAll(cfg.Archive.WorkDir, 0o750); err != nil {
		return nil, nil, fmt.Errorf("create work dir: %w", err)
	}

	clients := upstream.NewFactory(cfg.Upstream)
	p := pipeline.New(pipeline.Deps{
		Store: backups,
		Upstream: func(credential string) pipeline.Upstream {
			return clients(credential)
		},
		Archiver: archive.NewBuilder(logger.With("component", "archive")),
		Objects:  objects,
		Notifier: email.NewNotifier(sender, cfg.Email.ProductName, cfg.Email.Timeout),
		Metrics:  collector,
		Logger:   logger,
		OnState:  onState,
	}, pipeline.Options{
		WorkDir:            cfg.Archive.WorkDir,
		URLExpiry:          cfg.Storage.URLExpiry,
		CleanupOnFailure:   cfg.Pipeline.CleanupOnFailure,
		NotifyFailureFatal: cfg.Pipeline.NotifyFailureFatal,
	})
	return p, backups, nil
}
