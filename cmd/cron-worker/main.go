package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/storefront-fulfillment/internal/app"
	"github.com/angelmondragon/storefront-fulfillment/internal/cron"
	"github.com/angelmondragon/storefront-fulfillment/pkg/config"
	"github.com/angelmondragon/storefront-fulfillment/pkg/db"
	"github.com/angelmondragon/storefront-fulfillment/pkg/instance"
	"github.com/angelmondragon/storefront-fulfillment/pkg/logger"
	"github.com/angelmondragon/storefront-fulfillment/pkg/metrics"
	"github.com/angelmondragon/storefront-fulfillment/pkg/migrate"
	"github.com/angelmondragon/storefront-fulfillment/pkg/redis"
)

const (
	lockScopeFormat = "cron-worker:%s"
	metricsAddr     = ":9091"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	reg := prometheus.NewRegistry()
	fulfillmentMetrics := metrics.NewFulfillmentMetrics(reg)
	services, err := app.Build(cfg, logg, dbClient, redisClient, fulfillmentMetrics)
	if err != nil {
		logg.Error(context.Background(), "failed to wire services", err)
		os.Exit(1)
	}

	registry, err := buildJobs(cfg, logg, dbClient, services, fulfillmentMetrics)
	if err != nil {
		logg.Error(context.Background(), "failed to register cron jobs", err)
		os.Exit(1)
	}

	lock, err := cron.NewRedisLock(redisClient, lockScope(cfg.App.Env), 0)
	if err != nil {
		logg.Error(context.Background(), "failed to create cron lock", err)
		os.Exit(1)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(reg),
		Interval: cfg.Cron.Interval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"instance": instance.GetID(),
		"interval": cfg.Cron.Interval.String(),
	})

	metricsServer := &http.Server{Addr: metricsAddr, Handler: metrics.Handler(reg)}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "metrics server stopped", err)
		}
	}()
	defer func() { _ = metricsServer.Close() }()

	logg.Info(ctx, "starting cron worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

func buildJobs(cfg *config.Config, logg *logger.Logger, dbClient *db.Client, s *app.Services, fm *metrics.FulfillmentMetrics) (*cron.Registry, error) {
	pending, err := cron.NewPendingPaymentJob(cron.PendingPaymentJobParams{
		Logger:          logg,
		Orders:          s.OrdersRepo,
		Registry:        s.Registry,
		Reconciler:      s.Reconciler,
		Applier:         s.Orders,
		TTL:             cfg.Cron.PendingPaymentTTL,
		BatchSize:       cfg.Cron.BatchSize,
		ProviderTimeout: cfg.Payments.ProviderTimeout,
	})
	if err != nil {
		return nil, err
	}
	shipments, err := cron.NewShipmentSyncJob(cron.ShipmentSyncJobParams{
		Logger:     logg,
		Shipments:  s.ShipmentsRepo,
		Dispatcher: s.Shipping,
		Metrics:    fm,
		BatchSize:  cfg.Cron.BatchSize,
	})
	if err != nil {
		return nil, err
	}
	retention, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:     logg,
		DB:         dbClient,
		Repository: s.OutboxRepo,
	})
	if err != nil {
		return nil, err
	}
	return cron.NewRegistry(pending, shipments, retention)
}

func lockScope(env string) string {
	if env == "" {
		env = "local"
	}
	return fmt.Sprintf(lockScopeFormat, env)
}
