package entitlement

import (
	"github.com/smallbiznis/playmaker/internal/entitlement/repository"
	"github.com/smallbiznis/playmaker/internal/entitlement/service"
	"go.uber.org/fx"
)

var Module = fx.Module("entitlement",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewGranter),
)
