/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the affiliate engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, YAML file, AFFILIATE_* env), apply flags
  2. Build the logger
  3. Open the SQLite store
  4. Load the commission tier catalog, if configured
  5. Build metrics, notifier and engine
  6. Start the cron scheduler and the HTTP server

COMMAND-LINE FLAGS:
  -config       YAML config file (default: affiliate.yaml, optional)
  -dev          Dev mode: accept the built-in JWT secret
  -port         HTTP server port
  -db           SQLite database path; ":memory:" for an in-memory database
  -tiers        Tier catalog JSON loaded at startup
  -scenario     Demo scenario to load at startup
  -issue-token  KIND:ID, print a bearer token and exit (e.g. ADMIN:ops-1)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler, letting running jobs finish
  4. Close database connection

EXAMPLES:
  # Run with file database and a tier catalog
  ./server -db=./data/affiliate.db -tiers=./factory/testdata/tiers.json

  # Throwaway demo
  ./server -dev -db=":memory:" -scenario=balcony-standard

  # Operator token
  AFFILIATE_JWT_SECRET=... ./server -issue-token=ADMIN:ops-1

SEE ALSO:
  - config/config.go: configuration layers
  - api/server.go: Router configuration
  - api/scheduler.go: background sweeps
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/warp/affiliate-engine/affiliate"
	"github.com/warp/affiliate-engine/api"
	"github.com/warp/affiliate-engine/config"
	"github.com/warp/affiliate-engine/factory"
	"github.com/warp/affiliate-engine/logger"
	"github.com/warp/affiliate-engine/metrics"
	"github.com/warp/affiliate-engine/notify"
	"github.com/warp/affiliate-engine/store/sqlite"
)

func main() {
	// Flags
	configPath := flag.String("config", "affiliate.yaml", "YAML config file")
	dev := flag.Bool("dev", false, "Dev mode: accept the built-in JWT secret")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	tiersPath := flag.String("tiers", "", "Tier catalog JSON (overrides config)")
	scenario := flag.String("scenario", "", "Demo scenario to load at startup")
	issueToken := flag.String("issue-token", "", "Print a token for KIND:ID and exit")
	flag.Parse()

	if *dev {
		os.Setenv("AFFILIATE_DEV", "true")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *tiersPath != "" {
		cfg.TiersPath = *tiersPath
	}

	if *issueToken != "" {
		if err := printToken(*issueToken, cfg.JWTSecret); err != nil {
			fmt.Fprintf(os.Stderr, "issue-token: %v\n", err)
			os.Exit(1)
		}
		return
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)
	if cfg.JWTSecret == config.DevJWTSecret {
		log.Warn("dev mode: tokens are signed with the built-in secret, do not expose this server")
	}

	if err := run(cfg, *scenario, log); err != nil {
		log.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, scenario string, log *slog.Logger) error {
	ctx := context.Background()

	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	if cfg.TiersPath != "" {
		n, err := factory.LoadFile(ctx, cfg.TiersPath, store)
		if err != nil {
			return fmt.Errorf("load tiers: %w", err)
		}
		log.Info("tier catalog loaded", "path", cfg.TiersPath, "tiers", n)
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	notifier := notify.Multi{
		notify.LogNotifier{Logger: log.With("component", "notify")},
		notify.NewEmailNotifier(notify.EmailConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.EmailFrom,
			FromName:  cfg.EmailFromName,
			HQEmail:   cfg.EmailHQ,
		}, log.With("component", "email")),
	}

	engine := affiliate.NewEngine(store, affiliate.Options{
		Logger:              log,
		Metrics:             m,
		Notifier:            notifier,
		PhoneRegion:         cfg.PhoneRegion,
		RecoveryDelay:       cfg.RecoveryDelay,
		RenewalWindow:       cfg.RenewalWindow,
		OutboxBatchSize:     cfg.OutboxBatchSize,
		MaxDeliveryAttempts: cfg.MaxDeliveryAttempts,
	})

	scheduler := api.NewScheduler(engine, api.Schedule{
		RecoverDue:     cfg.RecoveryCron,
		RenewalWindows: cfg.RenewalCron,
		Outbox:         cfg.OutboxCron,
	}, log, m)
	if err := scheduler.Start(); err != nil {
		return err
	}
	defer scheduler.Stop()

	handler := api.NewHandler(engine, log)
	handler.Jobs = scheduler
	if scenario != "" {
		if _, err := handler.RunScenario(ctx, scenario); err != nil {
			return err
		}
	}

	router := api.NewRouter(handler, api.RouterOptions{
		JWTSecret:   cfg.JWTSecret,
		CORSOrigins: cfg.CORSOrigins,
		Metrics:     m.Middleware,
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", server.Addr, "db", cfg.DBPath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return err
	case <-quit:
	}

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}

// printToken writes a 30-day bearer token for "KIND:ID".
func printToken(spec, secret string) error {
	kind, id, ok := strings.Cut(spec, ":")
	if !ok || id == "" {
		return fmt.Errorf("want KIND:ID, got %q", spec)
	}
	actor := affiliate.Actor{ID: id, Kind: affiliate.ActorKind(strings.ToUpper(kind))}
	if actor.Kind != affiliate.ActorAdmin && actor.Kind != affiliate.ActorPartner {
		return fmt.Errorf("kind must be ADMIN or PARTNER, got %q", kind)
	}
	token, err := api.GenerateToken(actor, secret, 30*24*time.Hour)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
