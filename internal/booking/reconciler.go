package booking

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/booking-sync/internal/appointment"
	"github.com/hackgods/booking-sync/internal/metrics"
	redisclient "github.com/hackgods/booking-sync/internal/redis"
)

// Reconcile results as reported to metrics.
const (
	ReconcileSynced  = "synced"
	ReconcileFailed  = "failed"
	ReconcileBusy    = "busy"
	ReconcileExhaust = "exhausted"
)

type Lister interface {
	ListUnsynced(ctx context.Context, createdBefore time.Time, maxAttempts, limit int) ([]appointment.Appointment, error)
}

type Syncer interface {
	Sync(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
}

type ReconcilerConfig struct {
	Grace       time.Duration // minimum age before a booking is picked up
	Batch       int
	Concurrency int
	MaxAttempts int // appointments that failed this often are left alone
}

// Reconciler re-drives bookings whose post-commit sync did not finish.
type Reconciler struct {
	lister  Lister
	syncer  Syncer
	cfg     ReconcilerConfig
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewReconciler(lister Lister, syncer Syncer, cfg ReconcilerConfig, m *metrics.Metrics, logger *zap.Logger) *Reconciler {
	if cfg.Batch <= 0 {
		cfg.Batch = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		lister:  lister,
		syncer:  syncer,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

type Summary struct {
	Visited   int
	Synced    int
	Failed    int
	Busy      int
	Exhausted int
}

// RunOnce syncs one batch of stale appointments with bounded concurrency.
// Per-appointment failures are counted, not returned.
func (r *Reconciler) RunOnce(ctx context.Context) (Summary, error) {
	var sum Summary

	list, err := r.lister.ListUnsynced(ctx, r.now().Add(-r.cfg.Grace), r.cfg.MaxAttempts, r.cfg.Batch)
	if err != nil {
		return sum, err
	}
	sum.Visited = len(list)

	var mu sync.Mutex
	count := func(result string) {
		mu.Lock()
		defer mu.Unlock()
		switch result {
		case ReconcileSynced:
			sum.Synced++
		case ReconcileFailed:
			sum.Failed++
		case ReconcileBusy:
			sum.Busy++
		case ReconcileExhaust:
			sum.Exhausted++
		}
		r.metrics.ObserveReconcile(result)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)

	for i := range list {
		appt := list[i]
		// Attempts may have grown since the row was listed.
		if appt.SyncAttempts >= r.cfg.MaxAttempts {
			count(ReconcileExhaust)
			continue
		}
		g.Go(func() error {
			count(r.reconcileOne(gctx, appt.ID))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return sum, err
	}

	if sum.Visited > 0 {
		r.logger.Info("reconcile run complete",
			zap.Int("visited", sum.Visited),
			zap.Int("synced", sum.Synced),
			zap.Int("failed", sum.Failed),
			zap.Int("busy", sum.Busy),
			zap.Int("exhausted", sum.Exhausted),
		)
	}
	return sum, ctx.Err()
}

func (r *Reconciler) reconcileOne(ctx context.Context, id uuid.UUID) string {
	_, err := r.syncer.Sync(ctx, id)
	switch {
	case err == nil:
		return ReconcileSynced
	case errors.Is(err, redisclient.ErrLockNotAcquired):
		// The request path or another worker holds it.
		return ReconcileBusy
	default:
		r.logger.Warn("reconcile sync failed", zap.String("appointment_id", id.String()), zap.Error(err))
		return ReconcileFailed
	}
}

// Run calls RunOnce every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration, runTimeout time.Duration) {
	runOnce := func() {
		runCtx, cancel := context.WithTimeout(ctx, runTimeout)
		defer cancel()
		if _, err := r.RunOnce(runCtx); err != nil && ctx.Err() == nil {
			r.logger.Error("reconcile run error", zap.Error(err))
		}
	}

	runOnce()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce()
		}
	}
}
