package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/playmaker/internal/authorization"
	"github.com/smallbiznis/playmaker/internal/clock"
	obsmetrics "github.com/smallbiznis/playmaker/internal/observability/metrics"
	reconciledomain "github.com/smallbiznis/playmaker/internal/reconcile/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobReconcileSweep = "reconcile_sweep"

	lockKeyPrefix     = "playmaker:scheduler:lock:"
	lockReleaseBudget = 5 * time.Second
)

var ErrInvalidConfig = errors.New("scheduler: invalid config")

// Sweeper reconciles a batch of provider-linked invoices.
type Sweeper interface {
	Sweep(ctx context.Context, actor reconciledomain.Actor, req reconciledomain.SweepRequest) (reconciledomain.SweepResult, error)
}

// Locker keeps a job to a single replica per tick.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

type Params struct {
	fx.In

	Log     *zap.Logger
	Clock   clock.Clock
	GenID   *snowflake.Node
	Sweeper Sweeper
	Locker  Locker `optional:"true"`
	Config  Config `optional:"true"`
}

type Scheduler struct {
	log     *zap.Logger
	cfg     Config
	clock   clock.Clock
	genID   *snowflake.Node
	sweeper Sweeper
	locker  Locker
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.GenID == nil || p.Sweeper == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:     p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:     p.Config.withDefaults(),
		clock:   p.Clock,
		genID:   p.GenID,
		sweeper: p.Sweeper,
		locker:  p.Locker,
	}, nil
}

func systemActor() reconciledomain.Actor {
	return reconciledomain.Actor{Role: authorization.RoleSystem}
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// a run cut short by its timeout resumes on the next tick
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every job once, each under its own lock.
func (s *Scheduler) RunOnce(parent context.Context) error {
	return s.withLock(parent, JobReconcileSweep, func(ctx context.Context) error {
		return s.runJob(ctx, JobReconcileSweep, s.cfg.BatchSize, s.cfg.JobTimeout, s.ReconcileSweepJob)
	})
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now()
	schedMetrics := obsmetrics.Scheduler()

	for {
		if runLag := s.clock.Now().Sub(nextRun); runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// withLock runs fn only when this replica holds the job lock. Without a
// locker every replica runs the job.
func (s *Scheduler) withLock(ctx context.Context, job string, fn func(context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}
	schedMetrics := obsmetrics.Scheduler()
	key := lockKeyPrefix + job

	token, acquired, err := s.locker.TryLock(ctx, key, s.cfg.LockTTL)
	if err != nil {
		schedMetrics.IncLockOutcome(job, obsmetrics.LockOutcomeError)
		return fmt.Errorf("%s: acquire lock: %w", job, err)
	}
	if !acquired {
		schedMetrics.IncLockOutcome(job, obsmetrics.LockOutcomeHeld)
		s.log.Debug("scheduler.job.skipped", zap.String("job", job), zap.String("reason", "lock_held"))
		return nil
	}
	schedMetrics.IncLockOutcome(job, obsmetrics.LockOutcomeAcquired)

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lockReleaseBudget)
		defer cancel()
		if err := s.locker.Release(releaseCtx, key, token); err != nil {
			s.log.Warn("scheduler lock release failed", zap.String("job", job), zap.Error(err))
		}
	}()
	return fn(ctx)
}

// ReconcileSweepJob verifies the newest provider-linked invoices as the
// system actor.
func (s *Scheduler) ReconcileSweepJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobReconcileSweep, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	result, err := s.sweeper.Sweep(ctx, systemActor(), reconciledomain.SweepRequest{Limit: s.cfg.BatchSize})
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.sweep.failed", JobReconcileSweep, err)
		return err
	}

	run.AddProcessed(result.Checked)
	run.AddUpdated(result.Updated)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.AddBatchProcessed(JobReconcileSweep, obsmetrics.SweepResourceChecked, result.Checked)
	schedMetrics.AddBatchProcessed(JobReconcileSweep, obsmetrics.SweepResourceUpdated, result.Updated)
	return nil
}
