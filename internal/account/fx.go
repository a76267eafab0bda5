package account

import (
	"github.com/smallbiznis/playmaker/internal/account/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("account",
	fx.Provide(repository.Provide),
)
