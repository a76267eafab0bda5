package pdf

import (
	"context"

	"go.uber.org/fx"
)

type Provider interface {
	GenerateReceipt(ctx context.Context, data ReceiptData) ([]byte, error)
}

type PDFProvider struct {
	issuer string
}

func New() Provider {
	return &PDFProvider{issuer: "Playmaker"}
}

var Module = fx.Module("providers.pdf",
	fx.Provide(New),
)
