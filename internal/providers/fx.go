package providers

import (
	"github.com/smallbiznis/playmaker/internal/providers/email"
	"github.com/smallbiznis/playmaker/internal/providers/pdf"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	email.Module,
	pdf.Module,
)
