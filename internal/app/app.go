// Package app wires lnvpsd's process-wide dependencies together and runs
// the selected mode.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/lnvpsd/internal/config"
	"github.com/wisbric/lnvpsd/internal/httpserver"
	"github.com/wisbric/lnvpsd/internal/platform"
	"github.com/wisbric/lnvpsd/internal/telemetry"
	"github.com/wisbric/lnvpsd/pkg/netalloc"
	"github.com/wisbric/lnvpsd/pkg/store"
	"github.com/wisbric/lnvpsd/pkg/worker"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the selected mode: worker, admin, or migrate.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting lnvpsd",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
	)

	if cfg.Mode == "migrate" {
		if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("migrations applied")
		return runIPv6Backfill(ctx, cfg, logger)
	}

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	switch cfg.Mode {
	case "admin":
		return runAdmin(ctx, cfg, logger, db, rdb, metricsReg)
	case "worker":
		return runWorker(ctx, cfg, logger, db, rdb, metricsReg)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// runAdmin serves the operational HTTP surface: healthz, readyz, status,
// metrics. See internal/httpserver's package doc for what it deliberately
// does NOT serve.
func runAdmin(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	srv := httpserver.NewServer(httpserver.ServerConfig{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}, logger, db, rdb, metricsReg)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down admin server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runWorker starts the background worker that owns provisioning, lifecycle
// sweeps, and payment settlement (spec.md §4.6).
func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	deps, err := worker.BuildDeps(ctx, cfg, logger, db, rdb)
	if err != nil {
		return fmt.Errorf("building worker dependencies: %w", err)
	}
	w := worker.New(deps)
	return w.Run(ctx)
}

// runIPv6Backfill is mode=migrate's data-migration-style pass
// (SPEC_FULL's "IPv6 data-migration-style backfill"): after golang-migrate
// applies schema changes, assign an IPv6 address to every VM that lacks
// one in a region that now has an IPv6 range. A one-time sweep, not a
// scheduled worker job — it only ever has work to do right after an IPv6
// range is added to an existing region.
func runIPv6Backfill(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database for ipv6 backfill: %w", err)
	}
	defer db.Close()

	st := store.New(db)
	alloc := &netalloc.Allocator{
		Store:       st,
		Router:      worker.BuildRouter(cfg, logger),
		DNS:         worker.BuildDNS(cfg, logger),
		ForwardZone: cfg.DNSForwardZone,
	}

	regions, err := st.ListRegions(ctx)
	if err != nil {
		return fmt.Errorf("listing regions for ipv6 backfill: %w", err)
	}

	total := 0
	for _, region := range regions {
		assigned, err := alloc.BackfillIPv6(ctx, st, region.ID)
		if err != nil {
			logger.Error("ipv6 backfill failed for region", "region_id", region.ID, "error", err)
			continue
		}
		total += assigned
	}
	logger.Info("ipv6 backfill complete", "vms_assigned", total)
	return nil
}
