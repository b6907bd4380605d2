// Package app wires the booking engine from configuration. The API server
// and the reconcile worker share it.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hackgods/booking-sync/internal/appointment"
	"github.com/hackgods/booking-sync/internal/audit"
	"github.com/hackgods/booking-sync/internal/availability"
	"github.com/hackgods/booking-sync/internal/booking"
	"github.com/hackgods/booking-sync/internal/config"
	"github.com/hackgods/booking-sync/internal/db"
	"github.com/hackgods/booking-sync/internal/ehr"
	"github.com/hackgods/booking-sync/internal/ehr/ehrtest"
	"github.com/hackgods/booking-sync/internal/identitysync"
	"github.com/hackgods/booking-sync/internal/metrics"
	"github.com/hackgods/booking-sync/internal/patient"
	"github.com/hackgods/booking-sync/internal/pipeline"
	redisclient "github.com/hackgods/booking-sync/internal/redis"
)

type App struct {
	Pool       *pgxpool.Pool
	Redis      *redis.Client
	Service    *booking.Service
	Reconciler *booking.Reconciler
	Audit      *audit.PgStore
	Metrics    *metrics.Metrics
}

// New connects to Postgres and Redis and builds the service graph.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if err := cfg.RequireEHR(); err != nil {
		return nil, err
	}

	pgCtx, cancelPg := context.WithTimeout(ctx, 10*time.Second)
	pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		return nil, fmt.Errorf("postgres connection: %w", err)
	}
	logger.Info("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("redis connection: %w", err)
	}
	logger.Info("connected to Redis")

	var client ehr.Client
	if cfg.EHRFake {
		logger.Warn("using the in-memory external system")
		client = ehrtest.NewFake()
	} else {
		client, err = ehr.NewHTTPClient(ehr.HTTPConfig{
			BaseURL: cfg.EHRBaseURL,
			APIKey:  cfg.EHRAPIKey,
			Timeout: cfg.EHRTimeout,
		}, logger.Named("ehr"))
		if err != nil {
			pool.Close()
			_ = rdb.Close()
			return nil, err
		}
	}

	m := metrics.New(nil)
	locker := redisclient.NewRedisLocker(rdb, cfg.LockTTL, cfg.LockWait)

	patients := patient.NewPgRepository(pool)
	appointments := appointment.NewPgRepository(pool)
	schedules := availability.NewPgRepository(pool)
	auditStore := audit.NewPgStore(pool)

	exec := pipeline.NewExecutor(pipeline.Policy{
		MaxAttempts:       cfg.RetryMaxAttempts,
		BaseDelay:         cfg.RetryBaseDelay,
		MaxDelay:          cfg.RetryMaxDelay,
		AttemptTimeout:    cfg.EHRTimeout,
		RateLimitCooldown: cfg.RateLimitCooldown,
	}, audit.NewRecorder(auditStore, logger.Named("audit")), m, logger.Named("pipeline"))

	svc := booking.NewService(booking.Deps{
		Appointments: appointments,
		Patients:     patients,
		Resolver:     patient.NewResolver(patients, locker, logger.Named("patient")),
		Checker:      availability.NewChecker(schedules, appointments),
		Providers:    schedules,
		Linker:       identitysync.New(client, exec, patients, locker, m, logger.Named("identitysync")),
		Enricher:     pipeline.New(client, exec),
		Client:       client,
		Executor:     exec,
		Locker:       locker,
		Metrics:      m,
		Logger:       logger.Named("booking"),
	}, cfg.SyncTimeout)

	reconciler := booking.NewReconciler(appointments, svc, booking.ReconcilerConfig{
		Grace:       cfg.ReconcileGrace,
		Batch:       cfg.ReconcileBatch,
		Concurrency: cfg.ReconcileConcurrency,
	}, m, logger.Named("reconcile"))

	return &App{
		Pool:       pool,
		Redis:      rdb,
		Service:    svc,
		Reconciler: reconciler,
		Audit:      auditStore,
		Metrics:    m,
	}, nil
}

func (a *App) Close() error {
	a.Pool.Close()
	return a.Redis.Close()
}
