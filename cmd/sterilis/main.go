package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/sterilis/internal/auth"
	"github.com/ashita-ai/sterilis/internal/compliance"
	"github.com/ashita-ai/sterilis/internal/config"
	"github.com/ashita-ai/sterilis/internal/ratelimit"
	"github.com/ashita-ai/sterilis/internal/server"
	"github.com/ashita-ai/sterilis/internal/service/batches"
	"github.com/ashita-ai/sterilis/internal/service/transition"
	"github.com/ashita-ai/sterilis/internal/storage"
	"github.com/ashita-ai/sterilis/internal/storage/sqlitestore"
	"github.com/ashita-ai/sterilis/internal/telemetry"
	"github.com/ashita-ai/sterilis/internal/timer"
	"github.com/ashita-ai/sterilis/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

// store is everything the services need from either storage driver.
type store interface {
	server.Store
	transition.Store
	batches.Store
	compliance.SettingsStore
	compliance.IncidentStore
	Close(ctx context.Context)
}

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("sterilis starting", "version", version, "port", cfg.Port, "storage", cfg.StorageDriver)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
		FacilityID:  facilityTag(cfg.AdminFacilityID),
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	var (
		db        store
		listener  server.Listener
		publisher server.Publisher
	)
	switch cfg.StorageDriver {
	case config.DriverSQLite:
		s, err := sqlitestore.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		db = s
	default:
		pg, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		if err := pg.RunMigrations(ctx, migrations.FS); err != nil {
			pg.Close(context.Background())
			return fmt.Errorf("migrations: %w", err)
		}
		if pg.HasNotify() {
			listener = pg
			publisher = pg
		} else {
			logger.Info("SSE broker: local only (no notify connection)")
		}
		db = pg
	}
	defer db.Close(context.Background())

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	broker := server.NewBroker(listener, logger)
	notifier := server.NewBrokerNotifier(broker, publisher, logger)

	policies := compliance.NewPolicies(db, logger)
	incidents := compliance.NewIncidents(db, notifier, logger)
	tracker := batches.New(db, policies, incidents, notifier, logger, nil)
	orch, err := transition.New(transition.Deps{
		Store:      db,
		Policies:   policies,
		Compliance: incidents,
		Requester:  server.ConfirmationNotifier{Notifier: notifier},
		Resolver:   server.ClaimsResolver{},
		Notifier:   notifier,
		Durations:  cfg.Durations,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("transition: %w", err)
	}

	limiter := ratelimit.NewMemoryLimiter(cfg.TokenRateLimitRPS, cfg.TokenRateLimitBurst)
	defer func() { _ = limiter.Close() }()

	srv := server.New(server.ServerConfig{
		Store:               db,
		JWTMgr:              jwtMgr,
		Orchestrator:        orch,
		Batches:             tracker,
		Policies:            policies,
		Incidents:           incidents,
		Logger:              logger,
		Limiter:             limiter,
		Broker:              broker,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	if err := srv.Handlers().SeedAdmin(ctx, cfg.AdminFacilityID, cfg.AdminAPIKey); err != nil {
		logger.Warn("admin seed failed", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return timer.NewLoop(orch, cfg.TickInterval, logger).Run(gctx)
	})
	g.Go(func() error {
		return broker.Start(gctx)
	})
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("sterilis shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown error", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("sterilis stopped")
	return nil
}

func facilityTag(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}
