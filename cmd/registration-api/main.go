package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	_ "github.com/noah-isme/matricula-api/api/swagger"
	"github.com/noah-isme/matricula-api/internal/handler"
	"github.com/noah-isme/matricula-api/internal/repository"
	"github.com/noah-isme/matricula-api/internal/router"
	"github.com/noah-isme/matricula-api/internal/service"
	"github.com/noah-isme/matricula-api/pkg/cache"
	"github.com/noah-isme/matricula-api/pkg/config"
	"github.com/noah-isme/matricula-api/pkg/database"
	"github.com/noah-isme/matricula-api/pkg/lock"
	"github.com/noah-isme/matricula-api/pkg/logger"
)

// @title Matricula API
// @version 1.0.0
// @description Course registration: section and lab enrollment, waitlists and reconciliation
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if err := run(cfg, logr); err != nil {
		logr.Fatal("registration api stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logr *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := database.RunMigrations(db.DB, logr); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable, continuing without cache and with a local reconcile lock", zap.Error(err))
		redisClient = nil
	}

	metrics := service.NewMetricsService()
	validate := validator.New()

	cacheRepo := repository.NewCacheRepository(redisClient, logr)
	defer cacheRepo.Close() //nolint:errcheck
	cacheSvc := service.NewCacheService(cacheRepo, metrics, cfg.Enrollment.AvailabilityCacheTTL, logr, cacheRepo.Enabled())

	enrollmentRepo := repository.NewEnrollmentRepository(db).WithLockTimeout(cfg.Database.LockTimeout)
	resourceRepo := repository.NewResourceRepository(db)
	userRepo := repository.NewUserRepository(db)

	capacitySvc := service.NewCapacityService(resourceRepo, cacheSvc, cfg.Enrollment.AvailabilityCacheTTL, logr)

	// Scheduled passes only run here when ENABLE_RECONCILER is set; otherwise
	// cmd/reconciler owns them and this process only serves targeted jobs.
	reconcileCfg := service.ReconciliationConfig{
		RenumberOffset: cfg.Reconciliation.RenumberOffset,
		LockKey:        cfg.Reconciliation.LockKey,
		LockTTL:        cfg.Reconciliation.LockTTL,
		Workers:        cfg.Reconciliation.Workers,
		MaxRetries:     cfg.Reconciliation.MaxRetries,
	}
	if cfg.Reconciliation.Enabled {
		reconcileCfg.Interval = cfg.Reconciliation.Interval
	}
	reconciler := service.NewReconciliationService(enrollmentRepo, lock.New(redisClient), capacitySvc, metrics, logr.Named("reconciler"), reconcileCfg)

	opts := service.EnrollmentOptions{
		MaxAttempts:  cfg.Enrollment.MaxAttempts,
		RetryBackoff: cfg.Enrollment.RetryBackoff,
	}
	if cfg.Reconciliation.OnCancel {
		opts.OnCancel = reconciler
	}
	enrollmentSvc := service.NewEnrollmentService(enrollmentRepo, capacitySvc, metrics, validate, logr, opts)
	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret: cfg.JWT.Secret,
		AccessTokenExpiry: cfg.JWT.Expiration,
		Issuer:            cfg.JWT.Issuer,
	})

	if cfg.Reconciliation.Enabled || cfg.Reconciliation.OnCancel {
		reconciler.Start(ctx)
		defer reconciler.Stop()
	}

	checks := map[string]handler.Pinger{"database": db.PingContext}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	engine := router.New(router.Dependencies{
		Config:         cfg,
		Logger:         logr,
		Metrics:        metrics,
		Tokens:         authSvc,
		Auth:           handler.NewAuthHandler(authSvc),
		Enrollments:    handler.NewEnrollmentHandler(enrollmentSvc),
		Resources:      handler.NewResourceHandler(capacitySvc, enrollmentSvc),
		Reconciliation: handler.NewReconciliationHandler(reconciler),
		Observability:  handler.NewMetricsHandler(metrics, checks),
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logr.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
