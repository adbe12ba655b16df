package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agenr/agenr/pkg/adapters"
	"github.com/agenr/agenr/pkg/adapters/generation"
	"github.com/agenr/agenr/pkg/api"
	"github.com/agenr/agenr/pkg/archive"
	"github.com/agenr/agenr/pkg/audit"
	"github.com/agenr/agenr/pkg/config"
	"github.com/agenr/agenr/pkg/database"
	"github.com/agenr/agenr/pkg/gateway"
	"github.com/agenr/agenr/pkg/idempotency"
	"github.com/agenr/agenr/pkg/identity"
	"github.com/agenr/agenr/pkg/kms"
	"github.com/agenr/agenr/pkg/oauth"
	"github.com/agenr/agenr/pkg/observability"
	"github.com/agenr/agenr/pkg/policy"
	"github.com/agenr/agenr/pkg/transactions"
	"github.com/agenr/agenr/pkg/vault"
)

func runServer(stderr io.Writer) int {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	log := slog.Default().With("component", "main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if profile := os.Getenv("AGENR_PROFILE"); profile != "" {
		if err := config.LoadProfile(profile, cfg); err != nil {
			_, _ = fmt.Fprintf(stderr, "load profile: %v\n", err)
			return 1
		}
	}

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "open database: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	if err := database.Migrate(ctx, db); err != nil {
		_, _ = fmt.Fprintf(stderr, "migrate: %v\n", err)
		return 1
	}

	manager, err := kms.NewLocalKMS(cfg.KeystorePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "open keystore: %v\n", err)
		return 1
	}

	auditLog := audit.NewLogger(db)
	credVault := vault.New(db, manager, auditLog)

	keys := identity.NewKeyStore(db)
	if cfg.APIKey != "" {
		if err := keys.Bootstrap(ctx, cfg.APIKey); err != nil {
			_, _ = fmt.Fprintf(stderr, "bootstrap api key: %v\n", err)
			return 1
		}
	}

	archiveStore, err := archive.NewFromConfig(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "archive store: %v\n", err)
		return 1
	}

	adapterStore := adapters.NewStore(db, adapters.Dirs{
		Public:  cfg.AdaptersDir,
		Runtime: cfg.RuntimeAdaptersDir,
	}, archiveStore)
	registry := adapters.NewRegistry(adapterStore, adapters.Env{})

	if err := adapters.Seed(ctx, adapterStore, cfg.BundledAdaptersDir); err != nil {
		log.Warn("seed bundled adapters", "error", err)
	}
	if err := registry.Restore(ctx); err != nil {
		log.Warn("restore adapter files", "error", err)
	}
	if err := registry.Sync(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "load adapters: %v\n", err)
		return 1
	}
	log.Info("adapters loaded", "platforms", len(registry.Platforms()))

	jobs := generation.NewStore(db)
	if n, err := jobs.RecoverStale(ctx); err != nil {
		log.Warn("recover stale jobs", "error", err)
	} else if n > 0 {
		log.Info("recovered stale generation jobs", "count", n)
	}
	worker := generation.NewWorker(jobs, adapterStore, registry,
		generation.ScaffoldGenerator{}, cfg.JobPollInterval)
	go worker.Run(ctx)

	confirmations := policy.NewConfirmationStore(db)
	executePolicy, err := policy.FromConfig(cfg, confirmations)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "execute policy: %v\n", err)
		return 1
	}
	log.Info("execute policy active", "policy", executePolicy.Name())

	var idem idempotency.Store
	if cfg.IdempotencyDBURL != "" {
		pg, err := idempotency.OpenPostgres(ctx, cfg.IdempotencyDBURL, 24*time.Hour)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "idempotency database: %v\n", err)
			return 1
		}
		idem = pg
	} else {
		idem = idempotency.NewSQLiteStore(db, 24*time.Hour)
	}

	var limiter api.Limiter
	if cfg.RedisAddr != "" {
		limiter = api.NewRedisLimiter(cfg.RedisAddr, cfg.RateLimitRPS, cfg.RateLimitBurst)
	} else {
		limiter = api.NewKeyLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	obs, err := observability.New(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "observability: %v\n", err)
		return 1
	}

	server := gateway.NewServer(gateway.Deps{
		Config:   cfg,
		DB:       db,
		Keys:     keys,
		Sessions: identity.NewSessionStore(db),
		Users:    identity.NewUserStore(db),
		Vault:    credVault,
		Refresh:  oauth.NewRefresher(credVault, auditLog),
		States:   oauth.NewStateStore(db),
		Audit:    auditLog,
		Verifier: audit.NewVerifier(db),
		Exporter: audit.NewExporter(db, archiveStore),
		Adapters: adapterStore,
		Registry: registry,
		Jobs:     jobs,
		Journal:  transactions.NewStore(db),
		Confirm:  confirmations,
		Policy:   executePolicy,
		Idem:     idem,
		Limiter:  limiter,
		Obs:      obs,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("gateway listening", "addr", httpServer.Addr, "base_url", cfg.BaseURL)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			_, _ = fmt.Fprintf(stderr, "server: %v\n", err)
			return 1
		}
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", "error", err)
		}
		if err := obs.Shutdown(shutdownCtx); err != nil {
			log.Warn("observability shutdown", "error", err)
		}
	}
	return 0
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
