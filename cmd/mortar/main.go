package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/galenhealth/mortar/pkg/audit"
	"github.com/galenhealth/mortar/pkg/config"
	"github.com/galenhealth/mortar/pkg/directory"
	"github.com/galenhealth/mortar/pkg/gateway"
	"github.com/galenhealth/mortar/pkg/identity"
	"github.com/galenhealth/mortar/pkg/observability"
	"github.com/galenhealth/mortar/pkg/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mortar: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.Info("Starting mortar session gateway")

	metrics, registry := observability.DefaultMetrics()

	db, err := connectDirectory(cfg.Directory)
	if err != nil {
		return fmt.Errorf("failed to connect to directory database: %w", err)
	}
	defer db.Close()

	redisClient, err := connectRedis(cfg.Redis)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()

	// Session stack: directory client, tiered cache, per-principal
	// store manager over the OIDC provider.
	dirClient := directory.NewClient(db, logger, metrics)

	backup := session.NewRedisTier(redisClient)
	cache := session.NewTieredCache(
		session.NewMemoryTier(cfg.Session.CacheSize, cfg.Session.CacheTTL),
		backup, backup, cfg.Session.CacheTTL, logger, metrics)

	oidcConfig := &identity.OIDCConfig{
		IssuerURL:    cfg.Identity.IssuerURL,
		ClientID:     cfg.Identity.ClientID,
		ClientSecret: cfg.Identity.ClientSecret,
		Scopes:       cfg.Identity.Scopes,
	}
	factory := func(ctx context.Context) (identity.Provider, error) {
		return identity.NewOIDCProvider(ctx, oidcConfig)
	}

	manager := session.NewManager(factory, dirClient, cache, logger, metrics)
	manager.SetSafetyTimeout(cfg.Session.SafetyTimeout)

	var trail *audit.Trail
	if cfg.Audit.Enabled {
		trail, err = audit.NewTrail(db)
		if err != nil {
			return fmt.Errorf("failed to set up audit trail: %w", err)
		}
	}

	dashboards, err := config.LoadDashboardMapping(cfg.DashboardMappingPath, logger)
	if err != nil {
		return fmt.Errorf("failed to load dashboard mapping: %w", err)
	}

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	if err := dashboards.Watch(watchCtx); err != nil {
		logger.WithError(err).Warn("Dashboard mapping hot reload unavailable")
	}

	gw := gateway.NewServer(manager, dashboards, trail, logger, metrics)

	apiServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      gw.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthHandler(db, redisClient, registry, cfg),
	}

	sweeper := startSweeps(cfg, trail, logger)
	defer sweeper.Stop()

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, apiServer, healthServer)
	shutdown.OnShutdown(func(ctx context.Context) error {
		manager.DisposeAll()
		return nil
	})

	var group errgroup.Group
	group.Go(func() error {
		logger.Infof("API server listening on %s", apiServer.Addr)
		if err := apiServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		logger.Infof("Health server listening on %s", healthServer.Addr)
		if err := healthServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(shutdown.WaitForShutdown)

	return group.Wait()
}

// connectDirectory opens the pharmacy directory database with the
// configured pool limits and verifies the connection.
func connectDirectory(cfg config.DirectoryConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MinConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)
	db.SetConnMaxIdleTime(cfg.MaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// connectRedis opens the backup cache tier and verifies the connection.
func connectRedis(cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB >= 0 {
		opts.DB = cfg.DB
	}
	opts.MaxRetries = cfg.MaxRetries
	opts.PoolSize = cfg.PoolSize

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// healthHandler serves liveness/readiness probes and, when enabled,
// the metrics endpoint on the health port.
func healthHandler(db *sql.DB, redisClient *redis.Client, registry *prometheus.Registry, cfg *config.Config) http.Handler {
	mux := http.NewServeMux()
	checker := observability.NewHealthChecker(db, redisClient)
	observability.RegisterHealthRoutes(mux, checker)
	if cfg.Observability.MetricsEnabled {
		mux.Handle("/metrics", observability.Handler(registry))
	}
	return mux
}

// startSweeps schedules the recurring maintenance jobs. With the audit
// trail disabled nothing is registered, but the scheduler still runs
// so callers can Stop it unconditionally.
func startSweeps(cfg *config.Config, trail *audit.Trail, logger *observability.Logger) *cron.Cron {
	c := cron.New()

	if trail != nil {
		if _, err := c.AddFunc(cfg.Audit.SweepSchedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()

			deleted, err := trail.Cleanup(ctx, cfg.Audit.Retention)
			if err != nil {
				logger.WithError(err).Error("Audit retention sweep failed")
				return
			}
			logger.WithField("deleted", deleted).Info("Audit retention sweep complete")
		}); err != nil {
			logger.WithError(err).Error("Failed to schedule audit retention sweep")
		}
	}

	c.Start()
	return c
}
