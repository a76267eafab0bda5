// Package domain contains persistence models for payable invoices.
package domain

import (
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Product is the kind of benefit an invoice pays for.
type Product string

const (
	ProductContactsAccess Product = "contacts_access"
	ProductListing        Product = "listing"
	ProductPromotion      Product = "promotion"
)

func (p Product) Valid() bool {
	switch p {
	case ProductContactsAccess, ProductListing, ProductPromotion:
		return true
	}
	return false
}

// RequiresProfile reports whether the product targets a player or coach profile.
func (p Product) RequiresProfile() bool {
	return p == ProductListing || p == ProductPromotion
}

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusPending   InvoiceStatus = "pending"
	InvoiceStatusPaid      InvoiceStatus = "paid"
	InvoiceStatusFailed    InvoiceStatus = "failed"
	InvoiceStatusCancelled InvoiceStatus = "cancelled"
)

const (
	ProviderPaylink  = "paylink"
	ProviderSimulate = "simulate"

	DefaultFeatureType = "featured"

	// MaxPaymentErrors bounds the error trail kept on an invoice.
	MaxPaymentErrors = 10
)

// Payment error sources.
const (
	ErrorSourceProvider = "provider"
	ErrorSourceGateway  = "gateway"
	ErrorSourceSystem   = "system"
)

// PaymentError is one entry of the provider-reported error trail.
type PaymentError struct {
	Code    string    `json:"code,omitempty"`
	Title   string    `json:"title,omitempty"`
	Message string    `json:"message"`
	Source  string    `json:"source"`
	At      time.Time `json:"at"`
}

// Invoice is an intent to pay for one product unit.
type Invoice struct {
	ID                    snowflake.ID    `json:"id" gorm:"primaryKey"`
	OrderNumber           string          `json:"order_number" gorm:"size:255;not null;uniqueIndex"`
	InvoiceNumber         string          `json:"invoice_number" gorm:"size:255;not null;uniqueIndex"`
	UserID                snowflake.ID    `json:"user_id" gorm:"not null;index"`
	Product               Product         `json:"product" gorm:"size:255;not null"`
	ProfileID             *snowflake.ID   `json:"profile_id,omitempty"`
	ProfileKey            snowflake.ID    `json:"-" gorm:"not null;default:0"`
	TargetType            string          `json:"target_type,omitempty" gorm:"size:255;not null;default:''"`
	Amount                decimal.Decimal `json:"amount" gorm:"type:numeric(12,2);not null"`
	Currency              string          `json:"currency" gorm:"size:255;not null"`
	DurationDays          int             `json:"duration_days,omitempty" gorm:"not null;default:0"`
	FeatureType           string          `json:"feature_type,omitempty" gorm:"size:255;not null;default:''"`
	Status                InvoiceStatus   `json:"status" gorm:"size:255;not null;default:'pending'"`
	Provider              string          `json:"provider" gorm:"size:255;not null"`
	ProviderInvoiceID     string          `json:"provider_invoice_id,omitempty" gorm:"size:255;not null;default:''"`
	ProviderTransactionNo string          `json:"provider_transaction_no,omitempty" gorm:"size:255;not null;default:''"`
	PaymentURL            string          `json:"payment_url,omitempty" gorm:"size:1024;not null;default:''"`
	PaidAt                *time.Time      `json:"paid_at,omitempty"`
	ReceiptURL            string          `json:"receipt_url,omitempty" gorm:"size:1024;not null;default:''"`
	LastProviderStatus    string          `json:"last_provider_status,omitempty" gorm:"size:255;not null;default:''"`
	LastCheckedAt         *time.Time      `json:"last_checked_at,omitempty"`
	PaymentErrors         datatypes.JSON  `json:"payment_errors" gorm:"not null"`
	ExpiresAt             time.Time       `json:"expires_at" gorm:"not null"`
	CreatedAt             time.Time       `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt             time.Time       `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// Errors decodes the stored error trail. A corrupt column yields an empty trail.
func (i *Invoice) Errors() []PaymentError {
	if i == nil || len(i.PaymentErrors) == 0 {
		return nil
	}
	var out []PaymentError
	if err := json.Unmarshal(i.PaymentErrors, &out); err != nil {
		return nil
	}
	return out
}

func (i *Invoice) IsPaid() bool {
	return i != nil && i.Status == InvoiceStatusPaid
}

// HasProviderInvoice reports whether payment was initiated at the gateway.
func (i *Invoice) HasProviderInvoice() bool {
	return i != nil && i.ProviderInvoiceID != ""
}

// PrependErrors puts fresh (given oldest first) ahead of the existing trail,
// newest first, trimmed to MaxPaymentErrors.
func PrependErrors(existing []PaymentError, fresh ...PaymentError) []PaymentError {
	out := make([]PaymentError, 0, len(existing)+len(fresh))
	for i := len(fresh) - 1; i >= 0; i-- {
		out = append(out, fresh[i])
	}
	out = append(out, existing...)
	if len(out) > MaxPaymentErrors {
		out = out[:MaxPaymentErrors]
	}
	return out
}

// EncodeErrors serializes a trail for the payment_errors column.
func EncodeErrors(trail []PaymentError) datatypes.JSON {
	if len(trail) == 0 {
		return datatypes.JSON("[]")
	}
	raw, err := json.Marshal(trail)
	if err != nil {
		return datatypes.JSON("[]")
	}
	return datatypes.JSON(raw)
}
