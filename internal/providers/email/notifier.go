package email

import (
	"context"
	"time"

	accountdomain "github.com/smallbiznis/playmaker/internal/account/domain"
	invoicedomain "github.com/smallbiznis/playmaker/internal/invoice/domain"
	"github.com/smallbiznis/playmaker/internal/providers/pdf"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const templatePaymentConfirmed = "payment_confirmed"

// PaymentNotifier emails the invoice owner once an invoice becomes paid.
type PaymentNotifier struct {
	db       *gorm.DB
	log      *zap.Logger
	provider Provider
	accounts accountdomain.Repository
}

func NewPaymentNotifier(db *gorm.DB, log *zap.Logger, provider Provider, accounts accountdomain.Repository) *PaymentNotifier {
	return &PaymentNotifier{
		db:       db,
		log:      log.Named("email.notifier"),
		provider: provider,
		accounts: accounts,
	}
}

func (n *PaymentNotifier) PaymentConfirmed(ctx context.Context, inv *invoicedomain.Invoice) error {
	user, err := n.accounts.GetUser(ctx, n.db, inv.UserID)
	if err != nil {
		return err
	}
	if user == nil || user.Email == "" {
		n.log.Debug("no email on file", zap.String("order_number", inv.OrderNumber))
		return nil
	}

	paidAt := ""
	if inv.PaidAt != nil {
		paidAt = inv.PaidAt.UTC().Format(time.DateOnly)
	}
	return n.provider.SendTemplate(ctx, []string{user.Email}, templatePaymentConfirmed, map[string]any{
		"subject":        "Payment received for " + inv.InvoiceNumber,
		"name":           user.Name,
		"amount":         inv.Amount.StringFixed(2),
		"currency":       inv.Currency,
		"description":    pdf.Describe(inv),
		"invoice_number": inv.InvoiceNumber,
		"order_number":   inv.OrderNumber,
		"paid_at":        paidAt,
		"receipt_url":    inv.ReceiptURL,
	})
}
