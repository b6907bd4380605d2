package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/booking-sync/internal/audit"
	"github.com/hackgods/booking-sync/internal/ehr"
	"github.com/hackgods/booking-sync/internal/metrics"
)

// Policy bounds retries of one logical external call.
type Policy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	AttemptTimeout    time.Duration
	RateLimitCooldown time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		BaseDelay:         500 * time.Millisecond,
		MaxDelay:          8 * time.Second,
		AttemptTimeout:    10 * time.Second,
		RateLimitCooldown: 5 * time.Second,
	}
}

// Backoff is the wait after the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Call describes one logical external call for auditing.
type Call struct {
	Action           audit.Action
	PatientID        uuid.UUID
	AppointmentID    *uuid.UUID
	ExternalClientID *string
	Payload          any
}

// Annotator lets a call result refine its own audit entry, for example to
// mark a duplicate or attach the id the call produced.
type Annotator interface {
	Annotate(e *audit.Entry)
}

type Recorder interface {
	Record(ctx context.Context, e audit.Entry) error
}

type Executor struct {
	policy   Policy
	recorder Recorder
	metrics  *metrics.Metrics
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
}

func NewExecutor(policy Policy, recorder Recorder, m *metrics.Metrics, logger *zap.Logger) *Executor {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		policy:   policy,
		recorder: recorder,
		metrics:  m,
		logger:   logger,
		sleep:    sleepCtx,
		now:      time.Now,
	}
}

// Run executes fn as one logical call: each attempt gets its own timeout,
// transient failures back off exponentially up to MaxAttempts, a 429 earns
// a single cooldown and retry, and exactly one audit entry is written.
func Run[T any](ctx context.Context, e *Executor, call Call, fn func(ctx context.Context) (T, error)) (T, error) {
	start := e.now()

	var (
		res         T
		err         error
		attempts    int
		tries       int
		rateLimited bool
	)
	for {
		attempts++
		tries++

		attemptCtx, cancel := e.attemptContext(ctx)
		res, err = fn(attemptCtx)
		cancel()
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			err = errors.Join(err, ctx.Err())
			break
		}

		var wait time.Duration
		if rl, ok := ehr.RateLimit(err); ok {
			if rateLimited {
				break
			}
			rateLimited = true
			tries--
			wait = rl.RetryAfter
			if wait <= 0 {
				wait = e.policy.RateLimitCooldown
			}
		} else {
			if !retryable(err) || tries >= e.policy.MaxAttempts {
				break
			}
			wait = e.policy.Backoff(tries)
		}

		e.logger.Debug("external call retry",
			zap.String("action", string(call.Action)),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
		)
		if serr := e.sleep(ctx, wait); serr != nil {
			err = errors.Join(err, serr)
			break
		}
	}

	e.finish(ctx, call, res, err, attempts, e.now().Sub(start))
	return res, err
}

func (e *Executor) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.policy.AttemptTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.policy.AttemptTimeout)
}

func (e *Executor) finish(ctx context.Context, call Call, res any, err error, attempts int, d time.Duration) {
	entry := audit.Entry{
		Action:           call.Action,
		Status:           audit.StatusSuccess,
		PatientID:        call.PatientID,
		AppointmentID:    call.AppointmentID,
		ExternalClientID: call.ExternalClientID,
		Payload:          call.Payload,
		Attempts:         attempts,
		Duration:         d,
	}
	if err != nil {
		entry.Status = audit.StatusFailed
		entry.ErrorMessage = err.Error()
	} else {
		entry.Response = res
		if a, ok := res.(Annotator); ok {
			a.Annotate(&entry)
		}
	}

	e.metrics.ObserveExternalCall(string(call.Action), string(entry.Status), d)

	if e.recorder == nil {
		return
	}
	// The trail must survive a caller that has already gone away.
	if rerr := e.recorder.Record(context.WithoutCancel(ctx), entry); rerr != nil {
		e.logger.Error("external call not audited",
			zap.String("action", string(call.Action)),
			zap.String("patient_id", call.PatientID.String()),
			zap.Error(rerr),
		)
	}
}

// retryable reports transient failures, including an attempt that ran out
// its own timeout while the parent context is still live.
func retryable(err error) bool {
	return ehr.IsTransient(err) || errors.Is(err, context.DeadlineExceeded)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
