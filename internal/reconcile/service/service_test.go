package service

import (
	"context"
	"sync"
	"testing"
	"time"

	accountdomain "github.com/smallbiznis/playmaker/internal/account/domain"
	entitlementdomain "github.com/smallbiznis/playmaker/internal/entitlement/domain"
	invoicedomain "github.com/smallbiznis/playmaker/internal/invoice/domain"
	"github.com/smallbiznis/playmaker/internal/payment/adapters/simulate"
	paymentdomain "github.com/smallbiznis/playmaker/internal/payment/domain"
	"github.com/smallbiznis/playmaker/internal/reconcile/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContactsAccessEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := h.user()

	inv := h.linkedDraft(u.ID, "TXN123")
	assert.Equal(t, "190", inv.Amount.String())
	assert.Equal(t, "SAR", inv.Currency)
	h.gateway.set("TXN123", inv.OrderNumber, "Paid")

	res, err := h.svc.HandleWebhook(ctx, webhookHeaders(webhookSecret), webhookBody("TXN123", inv.OrderNumber, "Paid"))
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookResult{OK: true, Verified: true}, res)

	paid := h.reload(inv.ID)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, paid.Status)
	require.NotNil(t, paid.PaidAt)
	assert.Equal(t, "TXN123", paid.ProviderTransactionNo)

	var event paymentdomain.EventRecord
	require.NoError(t, h.db.Where("order_number = ?", inv.OrderNumber).First(&event).Error)
	assert.Equal(t, "paylink", event.Provider)
	assert.Equal(t, "TXN123", event.ProviderEventID)
	assert.Equal(t, paymentdomain.EventTypeInvoicePaid, event.EventType)

	grants, err := h.granter.ListForUser(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, entitlementdomain.TypeContactsAccess, grants[0].Type)
	assert.Nil(t, grants[0].ProfileID)
	assert.True(t, grants[0].Active)
	assert.WithinDuration(t, paid.PaidAt.AddDate(1, 0, 0), grants[0].ExpiresAt, time.Second)

	var user accountdomain.User
	require.NoError(t, h.db.First(&user, "id = ?", u.ID).Error)
	assert.True(t, user.IsActive)
}

func TestWebhookRedeliveryIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := h.user()
	inv := h.linkedDraft(u.ID, "TXN123")
	h.gateway.set("TXN123", inv.OrderNumber, "Paid")

	body := webhookBody("TXN123", inv.OrderNumber, "Paid")
	_, err := h.svc.HandleWebhook(ctx, webhookHeaders(webhookSecret), body)
	require.NoError(t, err)
	first, err := h.granter.ListForUser(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, first, 1)

	h.clock.Advance(time.Hour)
	for i := 0; i < 4; i++ {
		res, err := h.svc.HandleWebhook(ctx, webhookHeaders(webhookSecret), body)
		require.NoError(t, err)
		assert.True(t, res.OK)
	}

	assert.Equal(t, int64(1), h.count(&paymentdomain.EventRecord{}, "event_type = ?", paymentdomain.EventTypeInvoicePaid))
	after, err := h.granter.ListForUser(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, first[0].ExpiresAt, after[0].ExpiresAt)
	assert.Equal(t, first[0].GrantedAt, after[0].GrantedAt)
}

func TestConcurrentDeliveriesApplyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := h.user()
	inv := h.linkedDraft(u.ID, "TXN123")
	h.gateway.set("TXN123", inv.OrderNumber, "Paid")

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			switch i % 3 {
			case 0:
				_, err = h.svc.HandleWebhook(ctx, webhookHeaders(webhookSecret), webhookBody("TXN123", inv.OrderNumber, "Paid"))
			case 1:
				_, err = h.svc.Recheck(ctx, domain.Actor{UserID: u.ID, Role: "user"}, inv.OrderNumber)
			default:
				_, err = h.svc.Sweep(ctx, admin(), domain.SweepRequest{})
			}
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, invoicedomain.InvoiceStatusPaid, h.reload(inv.ID).Status)
	assert.Equal(t, int64(1), h.count(&paymentdomain.EventRecord{}, "event_type = ?", paymentdomain.EventTypeInvoicePaid))
	assert.Equal(t, int64(1), h.count(&entitlementdomain.Entitlement{}, "user_id = ?", u.ID))
}

func TestEntryPointsConverge(t *testing.T) {
	entries := map[string]func(h *harness, u accountdomain.User, inv *invoicedomain.Invoice) error{
		"webhook": func(h *harness, _ accountdomain.User, inv *invoicedomain.Invoice) error {
			_, err := h.svc.HandleWebhook(context.Background(), webhookHeaders(webhookSecret), webhookBody("TXN123", inv.OrderNumber, "Paid"))
			return err
		},
		"recheck": func(h *harness, u accountdomain.User, inv *invoicedomain.Invoice) error {
			_, err := h.svc.Recheck(context.Background(), domain.Actor{UserID: u.ID, Role: "user"}, inv.OrderNumber)
			return err
		},
		"sweep": func(h *harness, u accountdomain.User, _ *invoicedomain.Invoice) error {
			_, err := h.svc.Sweep(context.Background(), domain.Actor{UserID: u.ID, Role: "user"}, domain.SweepRequest{})
			return err
		},
	}

	for name, first := range entries {
		t.Run(name+" first", func(t *testing.T) {
			h := newHarness(t)
			u := h.user()
			inv := h.linkedDraft(u.ID, "TXN123")
			h.gateway.set("TXN123", inv.OrderNumber, "Paid")

			require.NoError(t, first(h, u, inv))
			for other, apply := range entries {
				if other != name {
					require.NoError(t, apply(h, u, inv))
				}
			}

			assert.Equal(t, invoicedomain.InvoiceStatusPaid, h.reload(inv.ID).Status)
			var events []paymentdomain.EventRecord
			require.NoError(t, h.db.Where("event_type = ?", paymentdomain.EventTypeInvoicePaid).Find(&events).Error)
			require.Len(t, events, 1)
			assert.Equal(t, "TXN123", events[0].ProviderEventID)

			grants, err := h.granter.ListForUser(context.Background(), u.ID)
			require.NoError(t, err)
			require.Len(t, grants, 1)
			assert.Equal(t, entitlementdomain.TypeContactsAccess, grants[0].Type)
		})
	}
}

func TestSweepIsolatesFailures(t *testing.T) {
	h := newHarness(t)
	const k = 5
	var third *invoicedomain.Invoice
	for i := 1; i <= k; i++ {
		u := h.user()
		txn := "TXN-" + string(rune('0'+i))
		inv := h.linkedDraft(u.ID, txn)
		h.gateway.set(txn, inv.OrderNumber, "Paid")
		if i == 3 {
			h.gateway.fail(txn)
			third = inv
		}
	}

	res, err := h.svc.Sweep(context.Background(), admin(), domain.SweepRequest{})
	require.NoError(t, err)
	assert.Equal(t, domain.SweepResult{Checked: k, Updated: k - 1}, res)

	failed := h.reload(third.ID)
	assert.Equal(t, invoicedomain.InvoiceStatusPending, failed.Status)
	trail := failed.Errors()
	require.Len(t, trail, 1)
	assert.Equal(t, invoicedomain.ErrorSourceGateway, trail[0].Source)
	assert.Equal(t, int64(k-1), h.count(&paymentdomain.EventRecord{}, "event_type = ?", paymentdomain.EventTypeInvoicePaid))
}

func TestSweepDefaultsToCallersPendingInvoices(t *testing.T) {
	h := newHarness(t)
	owner := h.user()
	other := h.user()
	mine := h.linkedDraft(owner.ID, "TXN-MINE")
	theirs := h.linkedDraft(other.ID, "TXN-THEIRS")
	h.gateway.set("TXN-MINE", mine.OrderNumber, "Paid")
	h.gateway.set("TXN-THEIRS", theirs.OrderNumber, "Paid")

	res, err := h.svc.Sweep(context.Background(), domain.Actor{UserID: owner.ID, Role: "user"}, domain.SweepRequest{})
	require.NoError(t, err)
	assert.Equal(t, domain.SweepResult{Checked: 1, Updated: 1}, res)
	assert.Equal(t, invoicedomain.InvoiceStatusPending, h.reload(theirs.ID).Status)
}

func TestPaidWithEventIsNeverReverted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := h.user()
	inv := h.linkedDraft(u.ID, "TXN123")
	h.gateway.set("TXN123", inv.OrderNumber, "Paid")
	_, err := h.svc.HandleWebhook(ctx, webhookHeaders(webhookSecret), webhookBody("TXN123", inv.OrderNumber, "Paid"))
	require.NoError(t, err)

	h.gateway.set("TXN123", inv.OrderNumber, "Pending")
	res, err := h.svc.Sweep(ctx, admin(), domain.SweepRequest{})
	require.NoError(t, err)
	assert.Equal(t, domain.SweepResult{Checked: 1, Updated: 0}, res)

	current := h.reload(inv.ID)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, current.Status)
	assert.Equal(t, "Pending", current.LastProviderStatus)
}

func TestUnprovenPaidIsReverted(t *testing.T) {
	h := newHarness(t)
	u := h.user()
	inv := h.linkedDraft(u.ID, "TXN123")
	now := h.clock.Now()
	require.NoError(t, h.db.Model(&invoicedomain.Invoice{}).Where("id = ?", inv.ID).
		Updates(map[string]any{"status": invoicedomain.InvoiceStatusPaid, "paid_at": now}).Error)
	h.gateway.set("TXN123", inv.OrderNumber, "Pending")

	res, err := h.svc.Sweep(context.Background(), admin(), domain.SweepRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	current := h.reload(inv.ID)
	assert.Equal(t, invoicedomain.InvoiceStatusPending, current.Status)
	assert.Nil(t, current.PaidAt)
}

func TestWebhookRejectsBadSecret(t *testing.T) {
	h := newHarness(t)
	u := h.user()
	inv := h.linkedDraft(u.ID, "TXN123")
	h.gateway.set("TXN123", inv.OrderNumber, "Paid")

	for _, secret := range []string{"", "wrong", webhookSecret + " ", "Bearer " + webhookSecret} {
		_, err := h.svc.HandleWebhook(context.Background(), webhookHeaders(secret), webhookBody("TXN123", inv.OrderNumber, "Paid"))
		assert.ErrorIs(t, err, domain.ErrUnauthorizedWebhook)
		assert.ErrorIs(t, h.svc.AuthorizeWebhook(context.Background(), webhookHeaders(secret)), domain.ErrUnauthorizedWebhook)
	}
	assert.NoError(t, h.svc.AuthorizeWebhook(context.Background(), webhookHeaders(webhookSecret)))
	assert.Equal(t, 0, h.gateway.callCount())
	assert.Equal(t, int64(0), h.count(&paymentdomain.EventRecord{}, "1 = 1"))
	assert.Equal(t, invoicedomain.InvoiceStatusPending, h.reload(inv.ID).Status)
}

func TestWebhookGatewayFailureIsUnverified(t *testing.T) {
	h := newHarness(t)
	u := h.user()
	inv := h.linkedDraft(u.ID, "TXN123")
	h.gateway.set("TXN123", inv.OrderNumber, "Paid")
	h.gateway.fail("TXN123")

	res, err := h.svc.HandleWebhook(context.Background(), webhookHeaders(webhookSecret), webhookBody("TXN123", inv.OrderNumber, "Paid"))
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookResult{OK: true, Verified: false}, res)

	current := h.reload(inv.ID)
	assert.Equal(t, invoicedomain.InvoiceStatusPending, current.Status)
	assert.Len(t, current.Errors(), 1)
}

func TestWebhookMalformedPayload(t *testing.T) {
	h := newHarness(t)
	res, err := h.svc.HandleWebhook(context.Background(), webhookHeaders(webhookSecret), []byte(`{"orderStatus":"Paid"}`))
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, 0, h.gateway.callCount())
}

func TestWebhookSnapshotForAnotherOrder(t *testing.T) {
	h := newHarness(t)
	u := h.user()
	inv := h.linkedDraft(u.ID, "TXN123")
	h.gateway.set("TXN123", "SOMEONE-ELSE", "Paid")

	res, err := h.svc.HandleWebhook(context.Background(), webhookHeaders(webhookSecret), webhookBody("TXN123", inv.OrderNumber, "Paid"))
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, invoicedomain.InvoiceStatusPending, h.reload(inv.ID).Status)
}

func TestRecheckIsScopedToOwner(t *testing.T) {
	h := newHarness(t)
	owner := h.user()
	stranger := h.user()
	inv := h.linkedDraft(owner.ID, "TXN123")
	h.gateway.set("TXN123", inv.OrderNumber, "Pending")

	_, err := h.svc.Recheck(context.Background(), domain.Actor{UserID: stranger.ID, Role: "user"}, inv.OrderNumber)
	assert.ErrorIs(t, err, invoicedomain.ErrInvoiceNotFound)

	res, err := h.svc.Recheck(context.Background(), admin(), inv.OrderNumber)
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.False(t, res.Paid)
	assert.Equal(t, string(invoicedomain.InvoiceStatusPending), res.Status)
}

func TestNotPaidRecordsErrorsAndExpires(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := h.user()
	actor := domain.Actor{UserID: u.ID, Role: "user"}
	inv := h.linkedDraft(u.ID, "TXN123")
	h.gateway.set("TXN123", inv.OrderNumber, "Declined")
	h.gateway.setErrors("TXN123", paymentdomain.ProviderError{Code: "51", Title: "Declined", Message: "insufficient funds", Time: "2026-02-01T09:00:00Z"})

	res, err := h.svc.Recheck(ctx, actor, inv.OrderNumber)
	require.NoError(t, err)
	assert.Equal(t, string(invoicedomain.InvoiceStatusPending), res.Status)

	// The same provider error reported twice is kept once.
	_, err = h.svc.Recheck(ctx, actor, inv.OrderNumber)
	require.NoError(t, err)
	trail := h.reload(inv.ID).Errors()
	require.Len(t, trail, 1)
	assert.Equal(t, "insufficient funds", trail[0].Message)

	h.clock.Advance(73 * time.Hour)
	res, err = h.svc.Recheck(ctx, actor, inv.OrderNumber)
	require.NoError(t, err)
	assert.Equal(t, string(invoicedomain.InvoiceStatusFailed), res.Status)

	// An expired invoice stays failed even if a payment lands later.
	h.gateway.set("TXN123", inv.OrderNumber, "Paid")
	res, err = h.svc.Recheck(ctx, actor, inv.OrderNumber)
	require.NoError(t, err)
	assert.False(t, res.Paid)
	assert.Equal(t, string(invoicedomain.InvoiceStatusFailed), res.Status)
}

func TestWebhookLeavesExpiredInvoiceFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := h.user()
	inv := h.linkedDraft(u.ID, "TXN123")
	h.gateway.set("TXN123", inv.OrderNumber, "Pending")

	h.clock.Advance(100 * time.Hour)
	res, err := h.svc.Recheck(ctx, domain.Actor{UserID: u.ID, Role: "user"}, inv.OrderNumber)
	require.NoError(t, err)
	require.Equal(t, string(invoicedomain.InvoiceStatusFailed), res.Status)

	h.gateway.set("TXN123", inv.OrderNumber, "Paid")
	out, err := h.svc.HandleWebhook(ctx, webhookHeaders(webhookSecret), webhookBody("TXN123", inv.OrderNumber, "Paid"))
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.False(t, out.Duplicate)

	stored := h.reload(inv.ID)
	assert.Equal(t, invoicedomain.InvoiceStatusFailed, stored.Status)
	assert.Nil(t, stored.PaidAt)
	require.NotEmpty(t, stored.Errors())
	assert.Equal(t, "paid_after_close", stored.Errors()[0].Code)
	assert.Zero(t, h.count(&paymentdomain.EventRecord{}, "order_number = ? AND event_type = ?", inv.OrderNumber, paymentdomain.EventTypeInvoicePaid))
	assert.Zero(t, h.count(&entitlementdomain.Entitlement{}, "user_id = ?", u.ID))
}

func TestSimulatePaidUsesSharedPath(t *testing.T) {
	h := newHarness(t)
	u := h.user()
	inv := h.linkedDraft(u.ID, "TXN123")

	res, err := h.svc.SimulatePaid(context.Background(), domain.Actor{UserID: u.ID, Role: "user"}, inv.OrderNumber)
	require.NoError(t, err)
	assert.True(t, res.Paid)

	var event paymentdomain.EventRecord
	require.NoError(t, h.db.Where("order_number = ?", inv.OrderNumber).First(&event).Error)
	assert.Equal(t, simulate.ProviderName, event.Provider)
	assert.Equal(t, int64(1), h.count(&entitlementdomain.Entitlement{}, "user_id = ?", u.ID))
}

func TestSimulatePaidDisabledInProduction(t *testing.T) {
	h := newHarness(t)
	h.svc.production = true
	_, err := h.svc.SimulatePaid(context.Background(), admin(), "CON-1")
	assert.ErrorIs(t, err, domain.ErrSimulateDisabled)
}

// stalledNotifier blocks until its context ends, like an unresponsive mail server.
type stalledNotifier struct {
	hadDeadline bool
}

func (n *stalledNotifier) PaymentConfirmed(ctx context.Context, _ *invoicedomain.Invoice) error {
	_, n.hadDeadline = ctx.Deadline()
	<-ctx.Done()
	return ctx.Err()
}

func TestStalledNotifierDoesNotHoldWebhook(t *testing.T) {
	h := newHarness(t)
	notifier := &stalledNotifier{}
	h.svc.notifier = notifier
	h.svc.notifyTimeout = 100 * time.Millisecond
	u := h.user()
	inv := h.linkedDraft(u.ID, "TXN123")
	h.gateway.set("TXN123", inv.OrderNumber, "Paid")

	done := make(chan domain.WebhookResult, 1)
	go func() {
		out, err := h.svc.HandleWebhook(context.Background(), webhookHeaders(webhookSecret), webhookBody("TXN123", inv.OrderNumber, "Paid"))
		assert.NoError(t, err)
		done <- out
	}()

	select {
	case out := <-done:
		assert.True(t, out.Verified)
	case <-time.After(3 * time.Second):
		t.Fatal("webhook still waiting on the notifier")
	}
	assert.True(t, notifier.hadDeadline)
	assert.True(t, h.reload(inv.ID).IsPaid())
}
