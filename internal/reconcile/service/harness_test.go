package service

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/playmaker/internal/account/domain"
	accountrepo "github.com/smallbiznis/playmaker/internal/account/repository"
	"github.com/smallbiznis/playmaker/internal/authorization"
	"github.com/smallbiznis/playmaker/internal/clock"
	"github.com/smallbiznis/playmaker/internal/config"
	entitlementrepo "github.com/smallbiznis/playmaker/internal/entitlement/repository"
	entitlementservice "github.com/smallbiznis/playmaker/internal/entitlement/service"
	invoicedomain "github.com/smallbiznis/playmaker/internal/invoice/domain"
	invoicerepo "github.com/smallbiznis/playmaker/internal/invoice/repository"
	invoiceservice "github.com/smallbiznis/playmaker/internal/invoice/service"
	"github.com/smallbiznis/playmaker/internal/payment/adapters"
	"github.com/smallbiznis/playmaker/internal/payment/adapters/paylink"
	"github.com/smallbiznis/playmaker/internal/payment/adapters/simulate"
	paymentdomain "github.com/smallbiznis/playmaker/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/playmaker/internal/payment/repository"
	paymentservice "github.com/smallbiznis/playmaker/internal/payment/service"
	"github.com/smallbiznis/playmaker/internal/pricing"
	"github.com/smallbiznis/playmaker/internal/reconcile/domain"
	"github.com/smallbiznis/playmaker/internal/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const webhookSecret = "s3cret"

// fakeGateway answers status lookups from an in-memory table keyed by
// provider invoice id.
type fakeGateway struct {
	mu        sync.Mutex
	snapshots map[string]paymentdomain.StatusSnapshot
	failures  map[string]error
	calls     int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		snapshots: map[string]paymentdomain.StatusSnapshot{},
		failures:  map[string]error{},
	}
}

func (g *fakeGateway) Provider() string { return paylink.ProviderName }

func (g *fakeGateway) NewGateway() (paymentdomain.Gateway, error) { return g, nil }

func (g *fakeGateway) set(providerInvoiceID, orderNumber, status string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.snapshots[providerInvoiceID] = paymentdomain.StatusSnapshot{
		Status:         paymentdomain.NormalizeStatus(status),
		ProviderStatus: status,
		TransactionNo:  providerInvoiceID,
		OrderNumber:    orderNumber,
	}
}

func (g *fakeGateway) setErrors(providerInvoiceID string, errs ...paymentdomain.ProviderError) {
	g.mu.Lock()
	defer g.mu.Unlock()
	snap := g.snapshots[providerInvoiceID]
	snap.PaymentErrors = errs
	g.snapshots[providerInvoiceID] = snap
}

func (g *fakeGateway) fail(providerInvoiceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[providerInvoiceID] = &paymentdomain.GatewayError{Op: "get_invoice", Status: http.StatusBadGateway, Err: fmt.Errorf("upstream down")}
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *fakeGateway) CreateRemoteInvoice(_ context.Context, req paymentdomain.RemoteInvoiceRequest) (paymentdomain.RemoteInvoice, error) {
	return paymentdomain.RemoteInvoice{PayURL: "https://pay.example/" + req.OrderNumber, ProviderInvoiceID: "TX-" + req.OrderNumber}, nil
}

func (g *fakeGateway) GetInvoiceStatus(_ context.Context, providerInvoiceID string) (paymentdomain.StatusSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if err, ok := g.failures[providerInvoiceID]; ok {
		return paymentdomain.StatusSnapshot{}, err
	}
	snap, ok := g.snapshots[providerInvoiceID]
	if !ok {
		return paymentdomain.StatusSnapshot{}, &paymentdomain.GatewayError{Op: "get_invoice", Status: http.StatusNotFound, Err: fmt.Errorf("no such invoice")}
	}
	return snap, nil
}

func (g *fakeGateway) GetOrderStatusByOrderNumber(ctx context.Context, orderNumber string) (paymentdomain.StatusSnapshot, error) {
	g.mu.Lock()
	var id string
	for key, snap := range g.snapshots {
		if snap.OrderNumber == orderNumber {
			id = key
			break
		}
	}
	g.mu.Unlock()
	return g.GetInvoiceStatus(ctx, id)
}

func (g *fakeGateway) ParseNotification(body []byte) (paymentdomain.Notification, error) {
	return paylink.ParseNotification(body)
}

// roleAuthz grants admin and system everything and users nothing beyond
// their own invoices.
type roleAuthz struct{}

func (roleAuthz) Authorize(_ context.Context, role, _ string, action string) error {
	switch role {
	case authorization.RoleAdmin:
		return nil
	case authorization.RoleSystem:
		if action == authorization.ActionInvoiceReconcileAll || action == authorization.ActionInvoiceRecheckAny {
			return nil
		}
	}
	return authorization.ErrForbidden
}

type harness struct {
	t        *testing.T
	db       *gorm.DB
	node     *snowflake.Node
	clock    *clock.FakeClock
	gateway  *fakeGateway
	invoices *invoiceservice.Service
	granter  *entitlementservice.Granter
	svc      *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.OpenDB(t)
	node := testutil.Node(t)
	clk := clock.NewFakeClock(time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	cfg := config.Config{
		Environment: config.EnvDevelopment,
		Paylink: config.PaylinkConfig{
			WebhookHeader: "Authorization",
			WebhookSecret: webhookSecret,
		},
		Invoice: config.InvoiceConfig{DraftTTL: 72 * time.Hour, Currency: "SAR"},
	}
	holder, err := config.NewStaticPricing(config.DefaultPricingConfig())
	require.NoError(t, err)
	prices := pricing.NewService(holder)
	accounts := accountrepo.Provide()

	invoices := invoiceservice.NewService(invoiceservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Cfg: cfg,
		Repo: invoicerepo.Provide(), Accounts: accounts, Pricing: prices,
	})
	payments := paymentservice.NewService(paymentservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Repo: paymentrepo.Provide(),
	})
	granter := entitlementservice.NewGranter(entitlementservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk,
		Repo: entitlementrepo.Provide(), Accounts: accounts, Pricing: prices,
	})

	gateway := newFakeGateway()
	registry, err := adapters.NewRegistry(gateway, simulate.NewFactory())
	require.NoError(t, err)

	svc := NewService(Params{
		DB: db, Log: log, Clock: clk, Cfg: cfg,
		Invoices: invoices, Payments: payments, Granter: granter,
		Gateways: registry, Authz: roleAuthz{},
	})
	return &harness{t: t, db: db, node: node, clock: clk, gateway: gateway, invoices: invoices, granter: granter, svc: svc}
}

func (h *harness) user() accountdomain.User {
	h.t.Helper()
	u := accountdomain.User{ID: h.node.Generate(), Name: "Sam", Email: "sam@example.com", Mobile: "0500000000", Role: authorization.RoleUser}
	require.NoError(h.t, h.db.Create(&u).Error)
	return u
}

// linkedDraft creates a contacts_access draft and links it to providerInvoiceID.
func (h *harness) linkedDraft(userID snowflake.ID, providerInvoiceID string) *invoicedomain.Invoice {
	h.t.Helper()
	ctx := context.Background()
	inv, err := h.invoices.CreateDraft(ctx, invoicedomain.DraftRequest{UserID: userID, Product: invoicedomain.ProductContactsAccess})
	require.NoError(h.t, err)
	inv, err = h.invoices.AttachProviderInvoice(ctx, inv, providerInvoiceID, "https://pay.example/"+providerInvoiceID)
	require.NoError(h.t, err)
	return inv
}

func (h *harness) reload(id snowflake.ID) *invoicedomain.Invoice {
	h.t.Helper()
	inv, err := h.invoices.Reload(context.Background(), id)
	require.NoError(h.t, err)
	return inv
}

func (h *harness) count(model any, query string, args ...any) int64 {
	h.t.Helper()
	var n int64
	require.NoError(h.t, h.db.Model(model).Where(query, args...).Count(&n).Error)
	return n
}

func webhookHeaders(secret string) http.Header {
	headers := http.Header{}
	headers.Set("Authorization", secret)
	return headers
}

func webhookBody(transactionNo, orderNumber, status string) []byte {
	return []byte(fmt.Sprintf(`{"transactionNo":%q,"merchantOrderNumber":%q,"orderStatus":%q}`, transactionNo, orderNumber, status))
}

func admin() domain.Actor {
	return domain.Actor{UserID: 1, Role: authorization.RoleAdmin}
}
