package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	accountdomain "github.com/smallbiznis/playmaker/internal/account/domain"
	"github.com/smallbiznis/playmaker/internal/clock"
	"github.com/smallbiznis/playmaker/internal/config"
	"github.com/smallbiznis/playmaker/internal/invoice/domain"
	"github.com/smallbiznis/playmaker/internal/pricing"
	"github.com/smallbiznis/playmaker/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Cfg      config.Config
	Repo     domain.Repository
	Accounts accountdomain.Repository
	Pricing  *pricing.Service
}

// Service is the invoice ledger. It owns the invoice state machine.
type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     domain.Repository
	accounts accountdomain.Repository
	pricing  *pricing.Service
	draftTTL time.Duration
	provider string
}

func NewService(p Params) *Service {
	ttl := p.Cfg.Invoice.DraftTTL
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("invoice.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		accounts: p.Accounts,
		pricing:  p.Pricing,
		draftTTL: ttl,
		provider: domain.ProviderPaylink,
	}
}

// CreateDraft returns the pending invoice for (user, product, profile),
// creating it when none exists. Force supersedes an existing pending draft.
func (s *Service) CreateDraft(ctx context.Context, req domain.DraftRequest) (*domain.Invoice, error) {
	if req.UserID == 0 {
		return nil, domain.ErrInvalidUser
	}
	req.Product = domain.Product(strings.ToLower(strings.TrimSpace(string(req.Product))))
	if !req.Product.Valid() {
		return nil, domain.ErrInvalidProduct
	}

	var (
		profileID  *snowflake.ID
		profileKey snowflake.ID
		targetType string
	)
	if req.Product.RequiresProfile() {
		if req.ProfileID == nil || *req.ProfileID == 0 {
			return nil, domain.ErrProfileNotFound
		}
		profile, err := s.accounts.GetProfile(ctx, s.db, *req.ProfileID)
		if err != nil {
			return nil, err
		}
		if profile == nil || profile.UserID != req.UserID {
			return nil, domain.ErrProfileNotFound
		}
		id := profile.ID
		profileID = &id
		profileKey = profile.ID
		targetType = profile.Type
	}

	var duration *int
	if req.Product == domain.ProductPromotion {
		duration = req.DurationDays
	}
	quote, err := s.pricing.Quote(req.Product, targetType, duration)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	var (
		out     *domain.Invoice
		created bool
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindPending(ctx, tx, req.UserID, req.Product, profileKey)
		if err != nil {
			return err
		}
		if existing != nil {
			if !req.Force {
				out = existing
				return nil
			}
			if err := s.supersede(ctx, tx, existing, now); err != nil {
				return err
			}
		}

		inv := &domain.Invoice{
			ID:            s.genID.Generate(),
			OrderNumber:   s.orderNumber(req.Product, req.UserID),
			InvoiceNumber: s.invoiceNumber(now),
			UserID:        req.UserID,
			Product:       req.Product,
			ProfileID:     profileID,
			ProfileKey:    profileKey,
			TargetType:    quote.TargetType,
			Amount:        quote.Amount,
			Currency:      quote.Currency,
			Status:        domain.InvoiceStatusPending,
			Provider:      s.provider,
			PaymentErrors: domain.EncodeErrors(nil),
			ExpiresAt:     now.Add(s.draftTTL),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if req.Product == domain.ProductPromotion {
			inv.DurationDays = quote.DurationDays
			inv.FeatureType = strings.TrimSpace(req.FeatureType)
			if inv.FeatureType == "" {
				inv.FeatureType = domain.DefaultFeatureType
			}
		}
		if err := s.repo.Insert(ctx, tx, inv); err != nil {
			return err
		}
		out = inv
		created = true
		return nil
	})
	if err != nil {
		if !req.Force && db.IsDuplicateKeyErr(err) {
			// A concurrent request created the pending draft first.
			existing, findErr := s.repo.FindPending(ctx, s.db, req.UserID, req.Product, profileKey)
			if findErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}

	if created {
		s.log.Info("invoice draft created",
			zap.String("order_number", out.OrderNumber),
			zap.String("product", string(out.Product)),
			zap.String("amount", out.Amount.String()),
		)
	}
	return out, nil
}

func (s *Service) supersede(ctx context.Context, tx *gorm.DB, existing *domain.Invoice, now time.Time) error {
	moved, err := s.repo.Transition(ctx, tx, existing.ID, domain.InvoiceStatusPending, domain.InvoiceStatusFailed, now)
	if err != nil {
		return err
	}
	if !moved {
		return nil
	}
	return s.RecordCheck(ctx, tx, existing, domain.CheckUpdate{
		CheckedAt: now,
		Errors: []domain.PaymentError{{
			Code:    "superseded",
			Message: "replaced by a newer draft",
			Source:  domain.ErrorSourceSystem,
			At:      now,
		}},
	})
}

// AttachProviderInvoice links the remote invoice. An invoice that is already
// linked keeps its original provider id and pay URL.
func (s *Service) AttachProviderInvoice(ctx context.Context, inv *domain.Invoice, providerInvoiceID, payURL string) (*domain.Invoice, error) {
	if inv == nil {
		return nil, domain.ErrInvoiceNotFound
	}
	providerInvoiceID = strings.TrimSpace(providerInvoiceID)
	if providerInvoiceID == "" {
		return nil, domain.ErrInvalidProviderLink
	}

	attached, err := s.repo.AttachProvider(ctx, s.db, inv.ID, providerInvoiceID, strings.TrimSpace(payURL), s.clock.Now())
	if err != nil {
		return nil, err
	}
	current, err := s.repo.FindByID(ctx, s.db, inv.ID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, domain.ErrInvoiceNotFound
	}
	if !attached {
		s.log.Debug("provider invoice already attached",
			zap.String("order_number", current.OrderNumber),
			zap.String("provider_invoice_id", current.ProviderInvoiceID),
		)
	}
	return current, nil
}

// MarkPaid transitions inv to paid using db, normally the caller's
// transaction. It returns true only for the call that performed the transition.
func (s *Service) MarkPaid(ctx context.Context, db *gorm.DB, inv *domain.Invoice, proof domain.PaidProof) (bool, error) {
	if inv == nil {
		return false, domain.ErrInvoiceNotFound
	}
	if proof.PaidAt.IsZero() {
		proof.PaidAt = s.clock.Now()
	}
	ok, err := s.repo.MarkPaid(ctx, db, inv.ID, proof)
	if err != nil || !ok {
		return ok, err
	}

	paidAt := proof.PaidAt
	inv.Status = domain.InvoiceStatusPaid
	inv.PaidAt = &paidAt
	inv.LastProviderStatus = proof.ProviderStatus
	inv.LastCheckedAt = &paidAt
	if proof.TransactionNo != "" {
		inv.ProviderTransactionNo = proof.TransactionNo
	}
	if proof.ReceiptURL != "" {
		inv.ReceiptURL = proof.ReceiptURL
	}
	return true, nil
}

// FillPaidDetails stores a transaction number or receipt URL that an earlier
// paid transition did not have.
func (s *Service) FillPaidDetails(ctx context.Context, inv *domain.Invoice, transactionNo, receiptURL string) error {
	if inv.ProviderTransactionNo != "" {
		transactionNo = ""
	}
	if inv.ReceiptURL != "" {
		receiptURL = ""
	}
	return s.repo.FillPaidDetails(ctx, s.db, inv.ID, transactionNo, receiptURL, s.clock.Now())
}

// RevertToPendingIfUnproven moves a paid invoice back to pending only when no
// paid event and no transaction number back it. The caller has already
// established that the provider reports it not paid.
func (s *Service) RevertToPendingIfUnproven(ctx context.Context, db *gorm.DB, inv *domain.Invoice) (bool, error) {
	if inv == nil {
		return false, domain.ErrInvoiceNotFound
	}
	reverted, err := s.repo.RevertToPending(ctx, db, inv, s.clock.Now())
	if err != nil || !reverted {
		return reverted, err
	}
	inv.Status = domain.InvoiceStatusPending
	inv.PaidAt = nil
	return true, nil
}

// RecordCheck stores the last provider status and merges new errors into the
// bounded trail, skipping entries already recorded.
func (s *Service) RecordCheck(ctx context.Context, db *gorm.DB, inv *domain.Invoice, update domain.CheckUpdate) error {
	if update.CheckedAt.IsZero() {
		update.CheckedAt = s.clock.Now()
	}
	// Merge against the stored trail so concurrent checks keep each other's entries.
	stored := inv.PaymentErrors
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindByIDForUpdate(ctx, tx, inv.ID)
		if err != nil {
			return err
		}
		if current == nil {
			return domain.ErrInvoiceNotFound
		}
		stored = current.PaymentErrors
		var trail []domain.PaymentError
		if fresh := newErrors(current.Errors(), update.Errors); len(fresh) > 0 {
			trail = domain.PrependErrors(current.Errors(), fresh...)
			stored = domain.EncodeErrors(trail)
		}
		return s.repo.UpdateCheck(ctx, tx, inv.ID, update, trail)
	})
	if err != nil {
		return err
	}
	inv.PaymentErrors = stored
	checked := update.CheckedAt
	inv.LastCheckedAt = &checked
	if update.ProviderStatus != "" {
		inv.LastProviderStatus = update.ProviderStatus
	}
	return nil
}

// ExpireIfOverdue fails a pending invoice whose draft window has passed.
func (s *Service) ExpireIfOverdue(ctx context.Context, db *gorm.DB, inv *domain.Invoice) (bool, error) {
	now := s.clock.Now()
	if inv.Status != domain.InvoiceStatusPending || now.Before(inv.ExpiresAt) {
		return false, nil
	}
	moved, err := s.repo.Transition(ctx, db, inv.ID, domain.InvoiceStatusPending, domain.InvoiceStatusFailed, now)
	if err != nil || !moved {
		return moved, err
	}
	inv.Status = domain.InvoiceStatusFailed
	return true, nil
}

// Cancel abandons a pending draft that was never sent to the provider.
func (s *Service) Cancel(ctx context.Context, userID snowflake.ID, orderNumber string) (*domain.Invoice, error) {
	inv, err := s.FindForUser(ctx, userID, orderNumber)
	if err != nil {
		return nil, err
	}
	if inv.Status != domain.InvoiceStatusPending {
		return nil, domain.ErrInvoiceNotPending
	}
	if inv.HasProviderInvoice() {
		return nil, domain.ErrInvoiceAttached
	}
	moved, err := s.repo.Transition(ctx, s.db, inv.ID, domain.InvoiceStatusPending, domain.InvoiceStatusCancelled, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, domain.ErrInvoiceNotPending
	}
	inv.Status = domain.InvoiceStatusCancelled
	return inv, nil
}

func (s *Service) FindByOrderNumber(ctx context.Context, orderNumber string) (*domain.Invoice, error) {
	orderNumber = strings.TrimSpace(orderNumber)
	if orderNumber == "" {
		return nil, domain.ErrInvoiceNotFound
	}
	inv, err := s.repo.FindByOrderNumber(ctx, s.db, orderNumber)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, domain.ErrInvoiceNotFound
	}
	return inv, nil
}

// FindForUser scopes the lookup to the owner; another user's invoice is not found.
func (s *Service) FindForUser(ctx context.Context, userID snowflake.ID, orderNumber string) (*domain.Invoice, error) {
	inv, err := s.FindByOrderNumber(ctx, orderNumber)
	if err != nil {
		return nil, err
	}
	if inv.UserID != userID {
		return nil, domain.ErrInvoiceNotFound
	}
	return inv, nil
}

func (s *Service) FindByProviderInvoiceID(ctx context.Context, provider, providerInvoiceID string) (*domain.Invoice, error) {
	providerInvoiceID = strings.TrimSpace(providerInvoiceID)
	if providerInvoiceID == "" {
		return nil, domain.ErrInvoiceNotFound
	}
	inv, err := s.repo.FindByProviderInvoiceID(ctx, s.db, provider, providerInvoiceID)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, domain.ErrInvoiceNotFound
	}
	return inv, nil
}

func (s *Service) Reload(ctx context.Context, id snowflake.ID) (*domain.Invoice, error) {
	inv, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, domain.ErrInvoiceNotFound
	}
	return inv, nil
}

func (s *Service) ListForReconcile(ctx context.Context, filter domain.ReconcileFilter) ([]domain.Invoice, error) {
	return s.repo.ListForReconcile(ctx, s.db, filter)
}

var orderPrefixes = map[domain.Product]string{
	domain.ProductContactsAccess: "CON",
	domain.ProductListing:        "LST",
	domain.ProductPromotion:      "PRM",
}

// orderNumber is product prefix, base36 user id and a ULID nonce.
func (s *Service) orderNumber(product domain.Product, userID snowflake.ID) string {
	return fmt.Sprintf("%s-%s-%s", orderPrefixes[product], strings.ToUpper(userID.Base36()), ulid.Make().String())
}

func (s *Service) invoiceNumber(now time.Time) string {
	return fmt.Sprintf("INV-%s-%s", now.Format("20060102"), strings.ToUpper(s.genID.Generate().Base36()))
}

func newErrors(existing, incoming []domain.PaymentError) []domain.PaymentError {
	if len(incoming) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(existing))
	for _, item := range existing {
		seen[errorKey(item)] = struct{}{}
	}
	out := make([]domain.PaymentError, 0, len(incoming))
	for _, item := range incoming {
		key := errorKey(item)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	return out
}

func errorKey(item domain.PaymentError) string {
	return strings.Join([]string{item.Source, item.Code, item.Title, item.Message, item.At.UTC().Format(time.RFC3339Nano)}, "|")
}
