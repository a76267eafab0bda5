package paylink

import (
	"github.com/smallbiznis/playmaker/internal/clock"
	obsmetrics "github.com/smallbiznis/playmaker/internal/observability/metrics"
	"github.com/smallbiznis/playmaker/internal/payment/domain"
	"go.uber.org/zap"
)

type Factory struct {
	cfg     Config
	log     *zap.Logger
	clock   clock.Clock
	metrics *obsmetrics.Metrics
}

func NewFactory(cfg Config, log *zap.Logger, clk clock.Clock, metrics *obsmetrics.Metrics) *Factory {
	return &Factory{cfg: cfg, log: log, clock: clk, metrics: metrics}
}

func (f *Factory) Provider() string { return ProviderName }

func (f *Factory) NewGateway() (domain.Gateway, error) {
	return NewClient(f.cfg, f.log, WithClock(f.clock), WithMetrics(f.metrics)), nil
}
