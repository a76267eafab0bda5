package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// DraftRequest asks for a payable invoice for one product unit.
type DraftRequest struct {
	UserID       snowflake.ID
	Product      Product
	ProfileID    *snowflake.ID
	DurationDays *int
	FeatureType  string
	Force        bool
}

// PaidProof carries the provider evidence stored when an invoice becomes paid.
type PaidProof struct {
	TransactionNo  string
	ReceiptURL     string
	ProviderStatus string
	PaidAt         time.Time
}

// CheckUpdate persists the outcome of a verification that did not pay the invoice.
type CheckUpdate struct {
	ProviderStatus string
	Errors         []PaymentError
	CheckedAt      time.Time
}

// ReconcileFilter selects sweep candidates. Zero values mean no restriction.
type ReconcileFilter struct {
	UserID       *snowflake.ID
	Statuses     []InvoiceStatus
	InvoiceIDs   []snowflake.ID
	OrderNumbers []string
	Limit        int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, inv *Invoice) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Invoice, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Invoice, error)
	FindByOrderNumber(ctx context.Context, db *gorm.DB, orderNumber string) (*Invoice, error)
	FindByProviderInvoiceID(ctx context.Context, db *gorm.DB, provider, providerInvoiceID string) (*Invoice, error)
	FindPending(ctx context.Context, db *gorm.DB, userID snowflake.ID, product Product, profileKey snowflake.ID) (*Invoice, error)
	ListForReconcile(ctx context.Context, db *gorm.DB, filter ReconcileFilter) ([]Invoice, error)

	AttachProvider(ctx context.Context, db *gorm.DB, id snowflake.ID, providerInvoiceID, payURL string, now time.Time) (bool, error)
	MarkPaid(ctx context.Context, db *gorm.DB, id snowflake.ID, proof PaidProof) (bool, error)
	FillPaidDetails(ctx context.Context, db *gorm.DB, id snowflake.ID, transactionNo, receiptURL string, now time.Time) error
	RevertToPending(ctx context.Context, db *gorm.DB, inv *Invoice, now time.Time) (bool, error)
	Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from InvoiceStatus, to InvoiceStatus, now time.Time) (bool, error)
	UpdateCheck(ctx context.Context, db *gorm.DB, id snowflake.ID, update CheckUpdate, trail []PaymentError) error
}

var (
	ErrInvalidProduct      = errors.New("invalid_product")
	ErrProfileNotFound     = errors.New("profile_not_found")
	ErrInvalidTargetType   = errors.New("invalid_target_type")
	ErrInvalidDuration     = errors.New("invalid_duration")
	ErrInvalidUser         = errors.New("invalid_user")
	ErrInvoiceNotFound     = errors.New("invoice_not_found")
	ErrInvoiceNotPending   = errors.New("invoice_not_pending")
	ErrInvoiceNotPaid      = errors.New("invoice_not_paid")
	ErrInvoiceAttached     = errors.New("invoice_provider_attached")
	ErrInvalidProviderLink = errors.New("invalid_provider_link")
	ErrInvoiceExpired      = errors.New("invoice_expired")
)
