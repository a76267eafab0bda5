// Package checkout sends a pending invoice to the payment provider and
// returns where the user should pay.
package checkout

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/playmaker/internal/account/domain"
	"github.com/smallbiznis/playmaker/internal/clock"
	"github.com/smallbiznis/playmaker/internal/config"
	invoicedomain "github.com/smallbiznis/playmaker/internal/invoice/domain"
	invoiceservice "github.com/smallbiznis/playmaker/internal/invoice/service"
	"github.com/smallbiznis/playmaker/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/playmaker/internal/payment/domain"
	"github.com/smallbiznis/playmaker/internal/providers/pdf"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Checkout struct {
	OrderNumber       string `json:"order_number"`
	PayURL            string `json:"pay_url"`
	ProviderInvoiceID string `json:"provider_invoice_id"`
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	Cfg      config.Config
	Invoices *invoiceservice.Service
	Accounts domain.Repository
	Gateways *adapters.Registry
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	invoices    *invoiceservice.Service
	accounts    domain.Repository
	gateways    *adapters.Registry
	callbackURL string
	cancelURL   string
}

func NewService(p Params) *Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("checkout.service"),
		clock:       p.Clock,
		invoices:    p.Invoices,
		accounts:    p.Accounts,
		gateways:    p.Gateways,
		callbackURL: p.Cfg.Paylink.CallbackURL,
		cancelURL:   p.Cfg.Paylink.CancelURL,
	}
}

var Module = fx.Module("checkout.service",
	fx.Provide(NewService),
)

// Initiate returns the payment link for the caller's pending invoice,
// creating the remote invoice on first use. Later calls reuse the stored link.
func (s *Service) Initiate(ctx context.Context, userID snowflake.ID, orderNumber string) (Checkout, error) {
	inv, err := s.invoices.FindForUser(ctx, userID, orderNumber)
	if err != nil {
		return Checkout{}, err
	}
	if inv.Status != invoicedomain.InvoiceStatusPending {
		return Checkout{}, invoicedomain.ErrInvoiceNotPending
	}
	if inv.HasProviderInvoice() {
		return toCheckout(inv), nil
	}
	if !s.clock.Now().Before(inv.ExpiresAt) {
		if _, err := s.invoices.ExpireIfOverdue(ctx, s.db, inv); err != nil {
			return Checkout{}, err
		}
		return Checkout{}, invoicedomain.ErrInvoiceExpired
	}

	user, err := s.accounts.GetUser(ctx, s.db, inv.UserID)
	if err != nil {
		return Checkout{}, err
	}
	if user == nil {
		return Checkout{}, domain.ErrUserNotFound
	}

	gateway, err := s.gateways.Gateway(inv.Provider)
	if err != nil {
		return Checkout{}, err
	}
	title := pdf.Describe(inv)
	remote, err := gateway.CreateRemoteInvoice(ctx, paymentdomain.RemoteInvoiceRequest{
		OrderNumber: inv.OrderNumber,
		Amount:      inv.Amount,
		Currency:    inv.Currency,
		Customer: paymentdomain.Customer{
			Name:   user.Name,
			Email:  user.Email,
			Mobile: user.Mobile,
		},
		CallbackURL: s.callbackURL,
		CancelURL:   s.cancelURL,
		LineItems: []paymentdomain.LineItem{{
			Title: title,
			Price: inv.Amount,
			Qty:   1,
		}},
		Note: inv.InvoiceNumber,
	})
	if err != nil {
		s.log.Warn("remote invoice not created",
			zap.String("order_number", inv.OrderNumber),
			zap.Error(err),
		)
		return Checkout{}, err
	}

	current, err := s.invoices.AttachProviderInvoice(ctx, inv, remote.ProviderInvoiceID, remote.PayURL)
	if err != nil {
		return Checkout{}, err
	}
	s.log.Info("checkout initiated",
		zap.String("order_number", current.OrderNumber),
		zap.String("provider_invoice_id", current.ProviderInvoiceID),
	)
	return toCheckout(current), nil
}

func toCheckout(inv *invoicedomain.Invoice) Checkout {
	return Checkout{
		OrderNumber:       inv.OrderNumber,
		PayURL:            inv.PaymentURL,
		ProviderInvoiceID: inv.ProviderInvoiceID,
	}
}
