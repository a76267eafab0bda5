package email

import (
	"github.com/smallbiznis/playmaker/internal/config"
	reconcileservice "github.com/smallbiznis/playmaker/internal/reconcile/service"
	"go.uber.org/fx"
)

var Module = fx.Module("providers.email",
	fx.Provide(NewFromConfig),
	fx.Provide(fx.Annotate(NewPaymentNotifier, fx.As(new(reconcileservice.Notifier)))),
)

// NewFromConfig returns a no-op provider when no SMTP host is configured.
func NewFromConfig(cfg config.Config) Provider {
	if cfg.Email.SMTPHost == "" {
		return &NoOpProvider{}
	}
	return NewSMTP(Config{
		Host:     cfg.Email.SMTPHost,
		Port:     cfg.Email.SMTPPort,
		Username: cfg.Email.SMTPUsername,
		Password: cfg.Email.SMTPPassword,
		From:     cfg.Email.SMTPFrom,
	})
}
