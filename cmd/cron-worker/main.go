package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/checkout-core/internal/checkout"
	"github.com/angelmondragon/checkout-core/internal/cron"
	"github.com/angelmondragon/checkout-core/internal/holdsweep"
	"github.com/angelmondragon/checkout-core/pkg/bigquery"
	"github.com/angelmondragon/checkout-core/pkg/config"
	"github.com/angelmondragon/checkout-core/pkg/db"
	"github.com/angelmondragon/checkout-core/pkg/logger"
	"github.com/angelmondragon/checkout-core/pkg/metrics"
	"github.com/angelmondragon/checkout-core/pkg/migrate"
	"github.com/angelmondragon/checkout-core/pkg/outbox"
	"github.com/angelmondragon/checkout-core/pkg/redis"
)

const (
	outboxLockKeyFormat = "pf:cron-worker:lock:outbox-retention:%s"
	sweepLockKeyFormat  = "pf:cron-worker:lock:hold-sweep:%s"
	auditLockKeyFormat  = "pf:cron-worker:lock:audit-export:%s"
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

	cfg.Service.Kind = "cron-worker"

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

	pmsClient, err := checkout.NewPMSClient(cfg.PMS)
	if err != nil {
		logg.Error(context.Background(), "failed to create pms client", err)
		os.Exit(1)
	}

	repo := checkout.NewRepository(dbClient.DB(), dbClient)
	stateMachine := checkout.NewStateMachine(repo)
	outboxRepo := outbox.NewRepository(dbClient.DB())
	outboxService := outbox.NewService(outboxRepo, logg)

	outboxRetentionJob, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:     logg,
		DB:         dbClient,
		Repository: outboxRepo,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create outbox retention job", err)
		os.Exit(1)
	}

	sweepEngine := holdsweep.NewEngine(repo, stateMachine, pmsClient, outboxService, logg)

	metricsCollector := metrics.NewCronJobMetrics(prometheus.DefaultRegisterer)

	outboxLock, err := cron.NewRedisLock(redisClient, lockKey(outboxLockKeyFormat, cfg.App.Env), 0)
	if err != nil {
		logg.Error(context.Background(), "failed to create outbox retention lock", err)
		os.Exit(1)
	}
	outboxCron, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: cron.NewRegistry(outboxRetentionJob),
		Lock:     outboxLock,
		Metrics:  metricsCollector,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create outbox retention cron service", err)
		os.Exit(1)
	}

	sweepLock, err := cron.NewRedisLock(redisClient, lockKey(sweepLockKeyFormat, cfg.App.Env), cfg.Checkout.HoldSweepInterval()*5)
	if err != nil {
		logg.Error(context.Background(), "failed to create hold sweep lock", err)
		os.Exit(1)
	}
	sweepCron, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: cron.NewRegistry(sweepEngine),
		Lock:     sweepLock,
		Metrics:  metricsCollector,
		Interval: cfg.Checkout.HoldSweepInterval(),
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create hold sweep cron service", err)
		os.Exit(1)
	}

	bqClient, err := bigquery.NewClient(context.Background(), cfg.GCP, cfg.BigQuery, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create bigquery client", err)
		os.Exit(1)
	}
	if bqClient != nil {
		defer func() {
			if err := bqClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing bigquery client", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(ctx, "starting cron worker")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return outboxCron.Run(groupCtx) })
	group.Go(func() error { return sweepCron.Run(groupCtx) })

	if bqClient != nil {
		auditJob, err := cron.NewAuditExportJob(cron.AuditExportJobParams{
			Logger:   logg,
			DB:       dbClient,
			Repo:     repo,
			BigQuery: bqClient,
			Table:    cfg.BigQuery.Table,
		})
		if err != nil {
			logg.Error(ctx, "failed to create audit export job", err)
			os.Exit(1)
		}
		auditLock, err := cron.NewRedisLock(redisClient, lockKey(auditLockKeyFormat, cfg.App.Env), 0)
		if err != nil {
			logg.Error(ctx, "failed to create audit export lock", err)
			os.Exit(1)
		}
		auditCron, err := cron.NewService(cron.ServiceParams{
			Logger:   logg,
			Registry: cron.NewRegistry(auditJob),
			Lock:     auditLock,
			Metrics:  metricsCollector,
			Interval: cfg.Checkout.HoldSweepInterval(),
		})
		if err != nil {
			logg.Error(ctx, "failed to create audit export cron service", err)
			os.Exit(1)
		}
		group.Go(func() error { return auditCron.Run(groupCtx) })
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

func lockKey(format, env string) string {
	if env == "" {
		env = "local"
	}
	return fmt.Sprintf(format, env)
}
