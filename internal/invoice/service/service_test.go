package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/playmaker/internal/account/domain"
	accountrepo "github.com/smallbiznis/playmaker/internal/account/repository"
	"github.com/smallbiznis/playmaker/internal/clock"
	"github.com/smallbiznis/playmaker/internal/config"
	"github.com/smallbiznis/playmaker/internal/invoice/domain"
	"github.com/smallbiznis/playmaker/internal/invoice/repository"
	"github.com/smallbiznis/playmaker/internal/pricing"
	"github.com/smallbiznis/playmaker/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db    *gorm.DB
	node  *snowflake.Node
	clock *clock.FakeClock
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.OpenDB(t)
	node := testutil.Node(t)
	clk := clock.NewFakeClock(time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC))

	holder, err := config.NewStaticPricing(config.DefaultPricingConfig())
	require.NoError(t, err)

	svc := NewService(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Cfg:      config.Config{Invoice: config.InvoiceConfig{DraftTTL: 72 * time.Hour, Currency: "SAR"}},
		Repo:     repository.Provide(),
		Accounts: accountrepo.Provide(),
		Pricing:  pricing.NewService(holder),
	})
	return &fixture{db: db, node: node, clock: clk, svc: svc}
}

func (f *fixture) user(t *testing.T) snowflake.ID {
	t.Helper()
	u := accountdomain.User{ID: f.node.Generate(), Name: "Lina", Email: f.node.Generate().String() + "@example.com", Role: "user"}
	require.NoError(t, f.db.Create(&u).Error)
	return u.ID
}

func (f *fixture) profile(t *testing.T, userID snowflake.ID, kind string) snowflake.ID {
	t.Helper()
	p := accountdomain.Profile{ID: f.node.Generate(), UserID: userID, Type: kind, DisplayName: "Lina"}
	require.NoError(t, f.db.Create(&p).Error)
	return p.ID
}

func TestCreateDraftReusesPendingDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.user(t)

	first, err := f.svc.CreateDraft(ctx, domain.DraftRequest{UserID: userID, Product: "Contacts_Access "})
	require.NoError(t, err)
	assert.Equal(t, domain.ProductContactsAccess, first.Product)
	assert.Equal(t, domain.InvoiceStatusPending, first.Status)
	assert.True(t, strings.HasPrefix(first.OrderNumber, "CON-"))
	assert.True(t, strings.HasPrefix(first.InvoiceNumber, "INV-20260201-"))
	assert.Equal(t, f.clock.Now().Add(72*time.Hour), first.ExpiresAt)

	second, err := f.svc.CreateDraft(ctx, domain.DraftRequest{UserID: userID, Product: domain.ProductContactsAccess})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.OrderNumber, second.OrderNumber)
}

func TestCreateDraftForceSupersedes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.user(t)

	first, err := f.svc.CreateDraft(ctx, domain.DraftRequest{UserID: userID, Product: domain.ProductContactsAccess})
	require.NoError(t, err)

	second, err := f.svc.CreateDraft(ctx, domain.DraftRequest{UserID: userID, Product: domain.ProductContactsAccess, Force: true})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	old, err := f.svc.Reload(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusFailed, old.Status)
	trail := old.Errors()
	require.Len(t, trail, 1)
	assert.Equal(t, "superseded", trail[0].Code)
	assert.Equal(t, domain.ErrorSourceSystem, trail[0].Source)
}

func TestCreateDraftProfileProducts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.user(t)
	coach := f.profile(t, userID, config.TargetCoach)

	listing, err := f.svc.CreateDraft(ctx, domain.DraftRequest{UserID: userID, Product: domain.ProductListing, ProfileID: &coach})
	require.NoError(t, err)
	assert.Equal(t, config.TargetCoach, listing.TargetType)
	assert.Equal(t, "250", listing.Amount.String())
	require.NotNil(t, listing.ProfileID)
	assert.Equal(t, coach, *listing.ProfileID)

	days := 10
	promo, err := f.svc.CreateDraft(ctx, domain.DraftRequest{UserID: userID, Product: domain.ProductPromotion, ProfileID: &coach, DurationDays: &days})
	require.NoError(t, err)
	assert.Equal(t, "80", promo.Amount.String())
	assert.Equal(t, 10, promo.DurationDays)
	assert.Equal(t, domain.DefaultFeatureType, promo.FeatureType)
	assert.NotEqual(t, listing.ID, promo.ID)
}

func TestCreateDraftRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.user(t)
	stranger := f.user(t)
	foreign := f.profile(t, stranger, config.TargetPlayer)

	_, err := f.svc.CreateDraft(ctx, domain.DraftRequest{Product: domain.ProductContactsAccess})
	assert.ErrorIs(t, err, domain.ErrInvalidUser)

	_, err = f.svc.CreateDraft(ctx, domain.DraftRequest{UserID: userID, Product: "gold"})
	assert.ErrorIs(t, err, domain.ErrInvalidProduct)

	_, err = f.svc.CreateDraft(ctx, domain.DraftRequest{UserID: userID, Product: domain.ProductListing})
	assert.ErrorIs(t, err, domain.ErrProfileNotFound)

	_, err = f.svc.CreateDraft(ctx, domain.DraftRequest{UserID: userID, Product: domain.ProductListing, ProfileID: &foreign})
	assert.ErrorIs(t, err, domain.ErrProfileNotFound)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.user(t)
	other := f.user(t)

	inv, err := f.svc.CreateDraft(ctx, domain.DraftRequest{UserID: userID, Product: domain.ProductContactsAccess})
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, other, inv.OrderNumber)
	assert.ErrorIs(t, err, domain.ErrInvoiceNotFound)

	cancelled, err := f.svc.Cancel(ctx, userID, inv.OrderNumber)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusCancelled, cancelled.Status)

	_, err = f.svc.Cancel(ctx, userID, inv.OrderNumber)
	assert.ErrorIs(t, err, domain.ErrInvoiceNotPending)
}

func TestCancelRefusesAttachedInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.user(t)

	inv, err := f.svc.CreateDraft(ctx, domain.DraftRequest{UserID: userID, Product: domain.ProductContactsAccess})
	require.NoError(t, err)
	_, err = f.svc.AttachProviderInvoice(ctx, inv, "PL-1", "https://pay.example/PL-1")
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, userID, inv.OrderNumber)
	assert.ErrorIs(t, err, domain.ErrInvoiceAttached)
}

func TestAttachProviderInvoiceKeepsFirstLink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.user(t)

	inv, err := f.svc.CreateDraft(ctx, domain.DraftRequest{UserID: userID, Product: domain.ProductContactsAccess})
	require.NoError(t, err)

	_, err = f.svc.AttachProviderInvoice(ctx, inv, "  ", "")
	assert.ErrorIs(t, err, domain.ErrInvalidProviderLink)

	linked, err := f.svc.AttachProviderInvoice(ctx, inv, "PL-1", "https://pay.example/PL-1")
	require.NoError(t, err)
	assert.Equal(t, "PL-1", linked.ProviderInvoiceID)

	again, err := f.svc.AttachProviderInvoice(ctx, inv, "PL-2", "https://pay.example/PL-2")
	require.NoError(t, err)
	assert.Equal(t, "PL-1", again.ProviderInvoiceID)
	assert.Equal(t, "https://pay.example/PL-1", again.PaymentURL)

	found, err := f.svc.FindByProviderInvoiceID(ctx, domain.ProviderPaylink, "PL-1")
	require.NoError(t, err)
	assert.Equal(t, inv.ID, found.ID)
}

func TestMarkPaidOnlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.user(t)

	inv, err := f.svc.CreateDraft(ctx, domain.DraftRequest{UserID: userID, Product: domain.ProductContactsAccess})
	require.NoError(t, err)

	ok, err := f.svc.MarkPaid(ctx, f.db, inv, domain.PaidProof{TransactionNo: "TX-1", ProviderStatus: "Paid"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, inv.IsPaid())
	require.NotNil(t, inv.PaidAt)
	assert.Equal(t, f.clock.Now(), *inv.PaidAt)

	ok, err = f.svc.MarkPaid(ctx, f.db, inv, domain.PaidProof{TransactionNo: "TX-2"})
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := f.svc.Reload(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, "TX-1", stored.ProviderTransactionNo)
}

func TestFillPaidDetailsKeepsExistingValues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.user(t)

	inv, err := f.svc.CreateDraft(ctx, domain.DraftRequest{UserID: userID, Product: domain.ProductContactsAccess})
	require.NoError(t, err)
	_, err = f.svc.MarkPaid(ctx, f.db, inv, domain.PaidProof{ReceiptURL: "https://r.example/1"})
	require.NoError(t, err)

	require.NoError(t, f.svc.FillPaidDetails(ctx, inv, "TX-9", "https://r.example/other"))

	stored, err := f.svc.Reload(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, "TX-9", stored.ProviderTransactionNo)
	assert.Equal(t, "https://r.example/1", stored.ReceiptURL)
}

func TestRevertToPendingIfUnproven(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.user(t)

	bare, err := f.svc.CreateDraft(ctx, domain.DraftRequest{UserID: userID, Product: domain.ProductContactsAccess})
	require.NoError(t, err)
	_, err = f.svc.MarkPaid(ctx, f.db, bare, domain.PaidProof{ProviderStatus: "Paid"})
	require.NoError(t, err)

	reverted, err := f.svc.RevertToPendingIfUnproven(ctx, f.db, bare)
	require.NoError(t, err)
	assert.True(t, reverted)
	assert.Equal(t, domain.InvoiceStatusPending, bare.Status)
	assert.Nil(t, bare.PaidAt)

	proven, err := f.svc.CreateDraft(ctx, domain.DraftRequest{UserID: f.user(t), Product: domain.ProductContactsAccess})
	require.NoError(t, err)
	_, err = f.svc.MarkPaid(ctx, f.db, proven, domain.PaidProof{TransactionNo: "TX-1"})
	require.NoError(t, err)

	reverted, err = f.svc.RevertToPendingIfUnproven(ctx, f.db, proven)
	require.NoError(t, err)
	assert.False(t, reverted)
	assert.True(t, proven.IsPaid())
}

func TestRecordCheckMergesErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.user(t)

	inv, err := f.svc.CreateDraft(ctx, domain.DraftRequest{UserID: userID, Product: domain.ProductContactsAccess})
	require.NoError(t, err)

	declined := domain.PaymentError{Code: "declined", Message: "card declined", Source: domain.ErrorSourceProvider, At: f.clock.Now()}
	require.NoError(t, f.svc.RecordCheck(ctx, f.db, inv, domain.CheckUpdate{ProviderStatus: "Pending", Errors: []domain.PaymentError{declined}}))
	require.NoError(t, f.svc.RecordCheck(ctx, f.db, inv, domain.CheckUpdate{ProviderStatus: "Pending", Errors: []domain.PaymentError{declined}}))

	stored, err := f.svc.Reload(ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, stored.Errors(), 1)
	assert.Equal(t, "Pending", stored.LastProviderStatus)
	require.NotNil(t, stored.LastCheckedAt)
}

func TestRecordCheckKeepsConcurrentErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.user(t)

	inv, err := f.svc.CreateDraft(ctx, domain.DraftRequest{UserID: userID, Product: domain.ProductContactsAccess})
	require.NoError(t, err)

	// Two checkers loaded the same row before either wrote.
	webhookCopy, err := f.svc.Reload(ctx, inv.ID)
	require.NoError(t, err)
	sweepCopy, err := f.svc.Reload(ctx, inv.ID)
	require.NoError(t, err)

	declined := domain.PaymentError{Code: "declined", Message: "card declined", Source: domain.ErrorSourceProvider, At: f.clock.Now()}
	timeout := domain.PaymentError{Code: "verification_unavailable", Message: "gateway timeout", Source: domain.ErrorSourceSystem, At: f.clock.Now().Add(time.Second)}
	require.NoError(t, f.svc.RecordCheck(ctx, f.db, webhookCopy, domain.CheckUpdate{ProviderStatus: "Declined", Errors: []domain.PaymentError{declined}}))
	require.NoError(t, f.svc.RecordCheck(ctx, f.db, sweepCopy, domain.CheckUpdate{Errors: []domain.PaymentError{timeout}}))

	stored, err := f.svc.Reload(ctx, inv.ID)
	require.NoError(t, err)
	codes := make([]string, 0, 2)
	for _, item := range stored.Errors() {
		codes = append(codes, item.Code)
	}
	assert.ElementsMatch(t, []string{"declined", "verification_unavailable"}, codes)
	assert.Len(t, sweepCopy.Errors(), 2)
}

func TestExpireIfOverdue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.user(t)

	inv, err := f.svc.CreateDraft(ctx, domain.DraftRequest{UserID: userID, Product: domain.ProductContactsAccess})
	require.NoError(t, err)

	expired, err := f.svc.ExpireIfOverdue(ctx, f.db, inv)
	require.NoError(t, err)
	assert.False(t, expired)

	f.clock.Advance(73 * time.Hour)
	expired, err = f.svc.ExpireIfOverdue(ctx, f.db, inv)
	require.NoError(t, err)
	assert.True(t, expired)
	assert.Equal(t, domain.InvoiceStatusFailed, inv.Status)

	next, err := f.svc.CreateDraft(ctx, domain.DraftRequest{UserID: userID, Product: domain.ProductContactsAccess})
	require.NoError(t, err)
	assert.NotEqual(t, inv.ID, next.ID)
}

func TestMarkPaidRefusesClosedInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.user(t)

	inv, err := f.svc.CreateDraft(ctx, domain.DraftRequest{UserID: userID, Product: domain.ProductContactsAccess})
	require.NoError(t, err)
	f.clock.Advance(73 * time.Hour)
	expired, err := f.svc.ExpireIfOverdue(ctx, f.db, inv)
	require.NoError(t, err)
	require.True(t, expired)

	ok, err := f.svc.MarkPaid(ctx, f.db, inv, domain.PaidProof{TransactionNo: "TX-late"})
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := f.svc.Reload(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusFailed, stored.Status)
	assert.Nil(t, stored.PaidAt)
	assert.Empty(t, stored.ProviderTransactionNo)
}
