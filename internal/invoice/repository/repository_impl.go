package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/playmaker/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/playmaker/internal/payment/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultReconcileLimit = 50

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, inv *domain.Invoice) error {
	return db.WithContext(ctx).Create(inv).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Invoice, error) {
	return r.first(ctx, db, "id = ?", id)
}

// FindByIDForUpdate reads the row under a row lock where the dialect has one.
// SQLite serializes writers, so it reads plainly.
func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Invoice, error) {
	if db.Dialector.Name() != "sqlite" {
		db = db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return r.first(ctx, db, "id = ?", id)
}

func (r *repo) FindByOrderNumber(ctx context.Context, db *gorm.DB, orderNumber string) (*domain.Invoice, error) {
	return r.first(ctx, db, "order_number = ?", orderNumber)
}

func (r *repo) FindByProviderInvoiceID(ctx context.Context, db *gorm.DB, provider, providerInvoiceID string) (*domain.Invoice, error) {
	return r.first(ctx, db, "provider = ? AND provider_invoice_id = ?", provider, providerInvoiceID)
}

func (r *repo) FindPending(ctx context.Context, db *gorm.DB, userID snowflake.ID, product domain.Product, profileKey snowflake.ID) (*domain.Invoice, error) {
	var inv domain.Invoice
	err := db.WithContext(ctx).
		Where("user_id = ? AND product = ? AND profile_key = ? AND status = ?", userID, product, profileKey, domain.InvoiceStatusPending).
		Order("created_at DESC").
		Order("id DESC").
		Limit(1).
		Find(&inv).Error
	if err != nil {
		return nil, err
	}
	if inv.ID == 0 {
		return nil, nil
	}
	return &inv, nil
}

func (r *repo) ListForReconcile(ctx context.Context, db *gorm.DB, filter domain.ReconcileFilter) ([]domain.Invoice, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultReconcileLimit
	}

	query := db.WithContext(ctx).Model(&domain.Invoice{}).Where("provider_invoice_id <> ''")
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}
	if filter.UserID != nil {
		query = query.Where("user_id = ?", *filter.UserID)
	}
	switch {
	case len(filter.InvoiceIDs) > 0 && len(filter.OrderNumbers) > 0:
		query = query.Where("(id IN ? OR order_number IN ?)", filter.InvoiceIDs, filter.OrderNumbers)
	case len(filter.InvoiceIDs) > 0:
		query = query.Where("id IN ?", filter.InvoiceIDs)
	case len(filter.OrderNumbers) > 0:
		query = query.Where("order_number IN ?", filter.OrderNumbers)
	}

	var items []domain.Invoice
	err := query.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) AttachProvider(ctx context.Context, db *gorm.DB, id snowflake.ID, providerInvoiceID, payURL string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.Invoice{}).
		Where("id = ? AND provider_invoice_id = ''", id).
		Updates(map[string]any{
			"provider_invoice_id": providerInvoiceID,
			"payment_url":         payURL,
			"updated_at":          now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkPaid(ctx context.Context, db *gorm.DB, id snowflake.ID, proof domain.PaidProof) (bool, error) {
	updates := map[string]any{
		"status":               domain.InvoiceStatusPaid,
		"paid_at":              proof.PaidAt,
		"last_provider_status": proof.ProviderStatus,
		"last_checked_at":      proof.PaidAt,
		"updated_at":           proof.PaidAt,
	}
	if proof.TransactionNo != "" {
		updates["provider_transaction_no"] = proof.TransactionNo
	}
	if proof.ReceiptURL != "" {
		updates["receipt_url"] = proof.ReceiptURL
	}

	res := db.WithContext(ctx).Model(&domain.Invoice{}).
		Where("id = ? AND status = ?", id, domain.InvoiceStatusPending).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FillPaidDetails(ctx context.Context, db *gorm.DB, id snowflake.ID, transactionNo, receiptURL string, now time.Time) error {
	if transactionNo != "" {
		if err := db.WithContext(ctx).Model(&domain.Invoice{}).
			Where("id = ? AND status = ? AND provider_transaction_no = ''", id, domain.InvoiceStatusPaid).
			Updates(map[string]any{"provider_transaction_no": transactionNo, "updated_at": now}).Error; err != nil {
			return err
		}
	}
	if receiptURL != "" {
		if err := db.WithContext(ctx).Model(&domain.Invoice{}).
			Where("id = ? AND status = ? AND receipt_url = ''", id, domain.InvoiceStatusPaid).
			Updates(map[string]any{"receipt_url": receiptURL, "updated_at": now}).Error; err != nil {
			return err
		}
	}
	return db.WithContext(ctx).Model(&domain.Invoice{}).
		Where("id = ?", id).
		Update("last_checked_at", now).Error
}

// RevertToPending is a single guarded statement: the row flips only while it
// is paid without a transaction number and no paid event exists for the order.
func (r *repo) RevertToPending(ctx context.Context, db *gorm.DB, inv *domain.Invoice, now time.Time) (bool, error) {
	if inv == nil {
		return false, errors.New("invoice is required")
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET status = ?, paid_at = NULL, last_checked_at = ?, updated_at = ?
		 WHERE id = ?
		   AND status = ?
		   AND provider_transaction_no = ''
		   AND NOT EXISTS (
		     SELECT 1 FROM payment_events pe
		     WHERE pe.order_number = ? AND pe.event_type = ?
		   )`,
		domain.InvoiceStatusPending,
		now,
		now,
		inv.ID,
		domain.InvoiceStatusPaid,
		inv.OrderNumber,
		paymentdomain.EventTypeInvoicePaid,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from domain.InvoiceStatus, to domain.InvoiceStatus, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.Invoice{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]any{"status": to, "updated_at": now})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) UpdateCheck(ctx context.Context, db *gorm.DB, id snowflake.ID, update domain.CheckUpdate, trail []domain.PaymentError) error {
	updates := map[string]any{
		"last_checked_at": update.CheckedAt,
		"updated_at":      update.CheckedAt,
	}
	if update.ProviderStatus != "" {
		updates["last_provider_status"] = update.ProviderStatus
	}
	if trail != nil {
		updates["payment_errors"] = domain.EncodeErrors(trail)
	}
	return db.WithContext(ctx).Model(&domain.Invoice{}).Where("id = ?", id).Updates(updates).Error
}

func (r *repo) first(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.Invoice, error) {
	var inv domain.Invoice
	err := db.WithContext(ctx).Where(query, args...).Limit(1).Find(&inv).Error
	if err != nil {
		return nil, err
	}
	if inv.ID == 0 {
		return nil, nil
	}
	return &inv, nil
}
