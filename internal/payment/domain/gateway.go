package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the provider status normalized at the gateway boundary.
type PaymentStatus string

const (
	PaymentStatusPaid    PaymentStatus = "paid"
	PaymentStatusNotPaid PaymentStatus = "not_paid"
	PaymentStatusUnknown PaymentStatus = "unknown"
)

// NormalizeStatus maps a raw provider status string onto PaymentStatus.
// Only a case-insensitive "paid" counts as paid.
func NormalizeStatus(raw string) PaymentStatus {
	value := strings.TrimSpace(raw)
	switch {
	case value == "":
		return PaymentStatusUnknown
	case strings.EqualFold(value, "paid"):
		return PaymentStatusPaid
	default:
		return PaymentStatusNotPaid
	}
}

type Customer struct {
	Name   string
	Email  string
	Mobile string
}

type LineItem struct {
	Title       string
	Description string
	Price       decimal.Decimal
	Qty         int
}

type RemoteInvoiceRequest struct {
	OrderNumber string
	Amount      decimal.Decimal
	Currency    string
	Customer    Customer
	CallbackURL string
	CancelURL   string
	LineItems   []LineItem
	Note        string
}

type RemoteInvoice struct {
	PayURL            string
	ProviderInvoiceID string
}

// ProviderError is a payment error reported by the provider for an invoice.
type ProviderError struct {
	Code    string
	Title   string
	Message string
	Time    string
}

// StatusSnapshot is one authoritative read of a remote invoice.
type StatusSnapshot struct {
	Status         PaymentStatus
	ProviderStatus string
	TransactionNo  string
	OrderNumber    string
	ReceiptURL     string
	PaymentErrors  []ProviderError
	Raw            []byte
}

func (s StatusSnapshot) Paid() bool {
	return s.Status == PaymentStatusPaid
}

// Gateway is the outbound provider contract consumed by checkout and reconciliation.
type Gateway interface {
	Provider() string
	CreateRemoteInvoice(ctx context.Context, req RemoteInvoiceRequest) (RemoteInvoice, error)
	GetInvoiceStatus(ctx context.Context, providerInvoiceID string) (StatusSnapshot, error)
	GetOrderStatusByOrderNumber(ctx context.Context, orderNumber string) (StatusSnapshot, error)
}

// GatewayFactory builds a Gateway for the registry.
type GatewayFactory interface {
	Provider() string
	NewGateway() (Gateway, error)
}

// ErrGateway marks every failure to get a trustworthy answer from the
// provider. It never means "not paid".
var ErrGateway = errors.New("gateway_error")

// GatewayError wraps the underlying cause so errors.Is(err, ErrGateway) holds.
type GatewayError struct {
	Op     string
	Status int
	Err    error
}

func (e *GatewayError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("gateway %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() []error {
	return []error{ErrGateway, e.Err}
}

// Notification is an inbound provider callback, parsed but not yet trusted.
type Notification struct {
	TransactionNo  string
	OrderNumber    string
	ProviderStatus string
	ReceiptURL     string
	PaymentErrors  []ProviderError
}

// NotificationParser is implemented by gateways that receive webhooks.
type NotificationParser interface {
	ParseNotification(body []byte) (Notification, error)
}
