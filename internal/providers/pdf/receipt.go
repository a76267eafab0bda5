package pdf

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
	accountdomain "github.com/smallbiznis/playmaker/internal/account/domain"
	invoicedomain "github.com/smallbiznis/playmaker/internal/invoice/domain"
)

var ErrNotPaid = errors.New("receipt requires a paid invoice")

type ReceiptData struct {
	InvoiceNumber string
	OrderNumber   string
	TransactionNo string
	DatePaid      string

	BillToName   string
	BillToEmail  string
	BillToMobile string

	Description string
	Amount      string
	Currency    string
}

// ReceiptFromInvoice builds receipt data for a paid invoice.
func ReceiptFromInvoice(inv *invoicedomain.Invoice, user *accountdomain.User) (ReceiptData, error) {
	if inv == nil || !inv.IsPaid() || inv.PaidAt == nil {
		return ReceiptData{}, ErrNotPaid
	}
	data := ReceiptData{
		InvoiceNumber: inv.InvoiceNumber,
		OrderNumber:   inv.OrderNumber,
		TransactionNo: inv.ProviderTransactionNo,
		DatePaid:      inv.PaidAt.UTC().Format(time.DateOnly),
		Description:   Describe(inv),
		Amount:        inv.Amount.StringFixed(2),
		Currency:      inv.Currency,
	}
	if user != nil {
		data.BillToName = user.Name
		data.BillToEmail = user.Email
		data.BillToMobile = user.Mobile
	}
	return data, nil
}

// Describe is the human line item title for an invoice.
func Describe(inv *invoicedomain.Invoice) string {
	switch inv.Product {
	case invoicedomain.ProductContactsAccess:
		return "Contacts access (1 year)"
	case invoicedomain.ProductListing:
		return fmt.Sprintf("Profile listing, %s (1 year)", inv.TargetType)
	case invoicedomain.ProductPromotion:
		return fmt.Sprintf("Profile promotion, %s (%d days)", inv.TargetType, inv.DurationDays)
	default:
		return string(inv.Product)
	}
}

func (p *PDFProvider) GenerateReceipt(ctx context.Context, receipt ReceiptData) ([]byte, error) {
	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(30,
		text.NewCol(8, "Receipt", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
		text.NewCol(4, p.issuer, props.Text{
			Size:  12,
			Style: fontstyle.Bold,
			Align: align.Right,
		}),
	)

	m.AddRow(20,
		col.New(6).Add(
			text.New("Invoice number: "+receipt.InvoiceNumber, props.Text{Top: 0}),
			text.New("Order number: "+receipt.OrderNumber, props.Text{Top: 4}),
			text.New("Transaction: "+receipt.TransactionNo, props.Text{Top: 8}),
			text.New("Date paid: "+receipt.DatePaid, props.Text{Top: 12}),
		),
		col.New(6).Add(
			text.New("Billed to", props.Text{Style: fontstyle.Bold}),
			text.New(receipt.BillToName, props.Text{Top: 5}),
			text.New(receipt.BillToEmail, props.Text{Top: 9}),
			text.New(receipt.BillToMobile, props.Text{Top: 13}),
		),
	)

	total := receipt.Amount + " " + receipt.Currency
	m.AddRow(15,
		text.NewCol(12, total+" paid on "+receipt.DatePaid, props.Text{
			Size:  14,
			Style: fontstyle.Bold,
			Top:   5,
		}),
	)

	m.AddRow(10,
		text.NewCol(8, "Description", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, "Qty", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(2, "Amount", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)
	m.AddRow(12,
		text.NewCol(8, receipt.Description, props.Text{Size: 9}),
		text.NewCol(2, "1", props.Text{Size: 9, Align: align.Right}),
		text.NewCol(2, total, props.Text{Size: 9, Align: align.Right}),
	)
	m.AddRow(10,
		col.New(8),
		text.NewCol(2, "Total", props.Text{Size: 9, Style: fontstyle.Bold}),
		text.NewCol(2, total, props.Text{Size: 9, Align: align.Right}),
	)

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}
	return doc.GetBytes(), nil
}
