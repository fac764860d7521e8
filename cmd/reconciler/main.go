package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/matricula-api/internal/repository"
	"github.com/noah-isme/matricula-api/internal/service"
	"github.com/noah-isme/matricula-api/pkg/cache"
	"github.com/noah-isme/matricula-api/pkg/config"
	"github.com/noah-isme/matricula-api/pkg/database"
	"github.com/noah-isme/matricula-api/pkg/lock"
	"github.com/noah-isme/matricula-api/pkg/logger"
)

func main() {
	once := flag.Bool("once", false, "run a single reconciliation pass and exit")
	interval := flag.Duration("interval", 0, "override RECONCILE_INTERVAL")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *interval > 0 {
		cfg.Reconciliation.Interval = *interval
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck
	logr = logr.Named("reconciler")

	if err := run(cfg, logr, *once); err != nil {
		logr.Fatal("reconciler stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logr *zap.Logger, once bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable, using a process-local lock", zap.Error(err))
		redisClient = nil
	}

	cacheRepo := repository.NewCacheRepository(redisClient, logr)
	defer cacheRepo.Close() //nolint:errcheck

	metrics := service.NewMetricsService()
	cacheSvc := service.NewCacheService(cacheRepo, metrics, cfg.Enrollment.AvailabilityCacheTTL, logr, cacheRepo.Enabled())
	capacity := service.NewCapacityService(repository.NewResourceRepository(db), cacheSvc, cfg.Enrollment.AvailabilityCacheTTL, logr)
	store := repository.NewEnrollmentRepository(db).WithLockTimeout(cfg.Database.LockTimeout)

	reconciler := service.NewReconciliationService(store, lock.New(redisClient), capacity, metrics, logr, service.ReconciliationConfig{
		RenumberOffset: cfg.Reconciliation.RenumberOffset,
		LockKey:        cfg.Reconciliation.LockKey,
		LockTTL:        cfg.Reconciliation.LockTTL,
		Interval:       cfg.Reconciliation.Interval,
		Workers:        1,
		MaxRetries:     cfg.Reconciliation.MaxRetries,
	})

	if once {
		summary, err := reconciler.RunPass(ctx)
		if err != nil {
			return err
		}
		logr.Info("single pass complete",
			zap.Bool("skipped", summary.Skipped),
			zap.Int("promoted", summary.Promoted),
			zap.Int("failed", summary.Failed),
			zap.Duration("duration", summary.FinishedAt.Sub(summary.StartedAt).Round(time.Millisecond)),
		)
		if summary.Failed > 0 {
			return fmt.Errorf("%d resources failed to reconcile", summary.Failed)
		}
		return nil
	}

	reconciler.Start(ctx)
	<-ctx.Done()
	reconciler.Stop()
	logr.Info("shutdown complete")
	return nil
}
