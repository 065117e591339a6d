// Package main is the configurator service's process entry point: it
// wires configuration, logging, the primary store, the event bus, the
// optional replica/replication pipeline, and the HTTP API, then serves
// until told to shut down.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/meridianhq/configurator/internal/api"
	"github.com/meridianhq/configurator/internal/appconfig"
	"github.com/meridianhq/configurator/internal/authz"
	"github.com/meridianhq/configurator/internal/configsvc"
	"github.com/meridianhq/configurator/internal/distlock"
	"github.com/meridianhq/configurator/internal/eventbus"
	"github.com/meridianhq/configurator/internal/logging"
	"github.com/meridianhq/configurator/internal/metrics"
	"github.com/meridianhq/configurator/internal/migrations"
	"github.com/meridianhq/configurator/internal/proposal"
	"github.com/meridianhq/configurator/internal/replica"
	"github.com/meridianhq/configurator/internal/replication"
	"github.com/meridianhq/configurator/internal/schemavalidator"
	"github.com/meridianhq/configurator/internal/store/postgres"
)

const serviceVersion = "1.0.0"

func main() {
	var (
		showVersion = flag.Bool("version", false, "Show version information")
		showHelp    = flag.Bool("help", false, "Show help information")
		configPath  = flag.String("config", "", "Path to YAML configuration file")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("configurator version %s\n", serviceVersion)
		os.Exit(0)
	}
	if *showHelp {
		fmt.Printf("configurator - feature configuration service\n\n")
		fmt.Printf("Usage: %s [options]\n\n", os.Args[0])
		fmt.Printf("Options:\n")
		fmt.Printf("  -config     Path to YAML configuration file\n")
		fmt.Printf("  -version    Show version information\n")
		fmt.Printf("  -help       Show this help message\n")
		os.Exit(0)
	}

	cfg, err := appconfig.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})
	slog.SetDefault(logger)
	logger.Info("starting configurator", "version", serviceVersion, "environment", cfg.App.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.Database.DSN())
	if err != nil {
		logger.Error("failed to construct database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to postgres")

	migrator, err := migrations.New(migrations.Config{DSN: cfg.Database.DSN(), Dir: "migrations", Dialect: "postgres"}, logger)
	if err != nil {
		logger.Error("failed to construct migration manager", "error", err)
		os.Exit(1)
	}
	if err := migrator.Up(ctx); err != nil {
		logger.Error("failed to apply migrations", "error", err)
		os.Exit(1)
	}
	_ = migrator.Close()
	logger.Info("migrations applied")

	metricsRegistry := metrics.New(prometheus.DefaultRegisterer)

	events := eventbus.New(eventbus.DefaultConfig(cfg.Database.DSN()), pool, logger, func(err error) {
		logger.Warn("eventbus error", "error", err)
		metricsRegistry.EventbusReconnectsTotal.Inc()
	})
	if err := events.Start(ctx); err != nil {
		logger.Error("failed to start eventbus listener", "error", err)
		os.Exit(1)
	}
	defer events.Stop()

	store := postgres.New(pool, events)
	validator := schemavalidator.New()
	gate := authz.New()

	configs := configsvc.New(store, store, validator, gate, logger)
	proposals := proposal.New(store, store, store, configs, gate, nil, logger)

	var replicaStore *replica.Store
	if cfg.Replica.Enabled {
		replicaStore, err = replica.Open(ctx, cfg.Replica.DatabasePath, logger, 1024)
		if err != nil {
			logger.Error("failed to open replica store", "error", err)
			os.Exit(1)
		}
		defer replicaStore.Close()

		coordinator := replication.New(
			replication.Config{
				PullInterval:              cfg.Replica.PullInterval,
				DumpBatchSize:             cfg.Replica.DumpBatchSize,
				StepInterval:              cfg.Replica.StepInterval,
				StepEventsCount:           cfg.Replica.StepEventsCount,
				CleanupFrequency:          cfg.Replica.CleanupFrequency,
				LastUsedAtCutoff:          cfg.Replica.LastUsedAtCutoff,
				LastUsedAtReportFrequency: cfg.Replica.LastUsedAtReportFrequency,
			},
			store, events, store, replicaStore, logger,
		)

		if cfg.Lock.Enabled {
			redisClient := redis.NewClient(&redis.Options{
				Addr:         cfg.Redis.Addr,
				Password:     cfg.Redis.Password,
				DB:           cfg.Redis.DB,
				PoolSize:     cfg.Redis.PoolSize,
				DialTimeout:  cfg.Redis.DialTimeout,
				ReadTimeout:  cfg.Redis.ReadTimeout,
				WriteTimeout: cfg.Redis.WriteTimeout,
			})
			defer redisClient.Close()
			coordinator = coordinator.WithCleanupLock(distlock.New(redisClient, cfg.Lock.Key, cfg.Lock.TTL, logger))
		}

		if err := coordinator.Start(ctx); err != nil {
			logger.Error("failed to start replication coordinator", "error", err)
			os.Exit(1)
		}
		defer coordinator.Stop()
	}

	handler := api.NewHandler(configs, proposals, store, replicaStore, events, logger)

	routerCfg := api.DefaultRouterConfig(logger)
	routerCfg.Metrics = metricsRegistry
	routerCfg.EnableMetrics = cfg.Metrics.Enabled
	routerCfg.KeyResolver = store
	routerCfg.Handler = handler
	router := api.NewRouter(routerCfg)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("http server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("server exited cleanly")
}
