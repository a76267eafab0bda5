package payment

import (
	"github.com/smallbiznis/playmaker/internal/clock"
	"github.com/smallbiznis/playmaker/internal/config"
	obsmetrics "github.com/smallbiznis/playmaker/internal/observability/metrics"
	"github.com/smallbiznis/playmaker/internal/payment/adapters"
	"github.com/smallbiznis/playmaker/internal/payment/adapters/paylink"
	"github.com/smallbiznis/playmaker/internal/payment/adapters/simulate"
	"github.com/smallbiznis/playmaker/internal/payment/repository"
	paymentservice "github.com/smallbiznis/playmaker/internal/payment/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(newRegistry),
	fx.Provide(paymentservice.NewService),
)

type registryParams struct {
	fx.In

	Cfg     config.Config
	Log     *zap.Logger
	Clock   clock.Clock
	Metrics *obsmetrics.Metrics `optional:"true"`
}

func newRegistry(p registryParams) (*adapters.Registry, error) {
	return adapters.NewRegistry(
		paylink.NewFactory(paylink.ConfigFrom(p.Cfg.Paylink), p.Log, p.Clock, p.Metrics),
		simulate.NewFactory(),
	)
}
