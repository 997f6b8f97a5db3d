package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smallbiznis/ticketpay/internal/clock"
	obsmetrics "github.com/smallbiznis/ticketpay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/ticketpay/internal/payment/domain"
	"github.com/smallbiznis/ticketpay/internal/payment/lock"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	jobExpireStale = "expire_stale_payments"
	leaseWait      = time.Second
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log        *zap.Logger
	PaymentSvc paymentdomain.Service
	Locker     lock.Locker
	Clock      clock.Clock
	Metrics    *obsmetrics.SchedulerMetrics `optional:"true"`
	Config     Config                       `optional:"true"`
}

// Scheduler runs periodic payment maintenance. Every replica runs the loop;
// a job lease makes sure only one of them sweeps at a time.
type Scheduler struct {
	log        *zap.Logger
	cfg        Config
	clock      clock.Clock
	paymentSvc paymentdomain.Service
	locker     lock.Locker
	metrics    *obsmetrics.SchedulerMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.PaymentSvc == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	locker := p.Locker
	if locker == nil {
		locker = lock.NopLocker{}
	}
	return &Scheduler{
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		clock:      p.Clock,
		paymentSvc: p.PaymentSvc,
		locker:     locker,
		metrics:    p.Metrics,
	}, nil
}

// runJob runs fn under a deadline. A deadline hit is logged and counted but
// not returned, so the next tick simply continues the work.
func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) (int, error),
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	log := s.log.With(zap.String("job", name))
	s.metrics.IncJobRun(name)

	processed, err := fn(ctx)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	s.metrics.AddProcessed(name, processed)
	if err == nil {
		if processed > 0 {
			log.Info("job finished", zap.Int("processed", processed))
		}
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Int("processed", processed),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	return s.runJob(parent, jobExpireStale, s.cfg.JobTimeout, s.ExpireStalePaymentsJob)
}

// ExpireStalePaymentsJob fails payments that stayed open past the configured
// pending expiry.
func (s *Scheduler) ExpireStalePaymentsJob(ctx context.Context) (int, error) {
	leaseCtx, cancel := context.WithTimeout(ctx, leaseWait)
	defer cancel()
	release, err := s.locker.Acquire(leaseCtx, "scheduler:"+jobExpireStale, s.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrLockTimeout) || (leaseCtx.Err() != nil && ctx.Err() == nil) {
			s.log.Debug("job lease held elsewhere", zap.String("job", jobExpireStale))
			return 0, nil
		}
		return 0, err
	}
	defer release()

	return s.paymentSvc.ExpireStale(ctx, 0)
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
