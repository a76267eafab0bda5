package scheduler

import (
	"context"

	"github.com/smallbiznis/playmaker/internal/ratelimit"
	reconcileservice "github.com/smallbiznis/playmaker/internal/reconcile/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(provideSweeper),
	fx.Provide(provideLocker),
	fx.Provide(New),
	fx.Invoke(NewScheduler),
)

func provideSweeper(svc *reconcileservice.Service) Sweeper {
	return svc
}

func provideLocker(l *ratelimit.Locker) Locker {
	if l == nil {
		return nil
	}
	return l
}

func NewScheduler(lc fx.Lifecycle, cfg Config, sched *Scheduler, log *zap.Logger) {
	if !cfg.Enabled {
		log.Info("scheduler disabled")
		return
	}

	var cancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			go sched.RunForever(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			if cancel != nil {
				cancel()
			}
			return nil
		},
	})
}
