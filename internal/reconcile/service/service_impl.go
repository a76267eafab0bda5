package service

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/playmaker/internal/authorization"
	"github.com/smallbiznis/playmaker/internal/clock"
	"github.com/smallbiznis/playmaker/internal/config"
	entitlementservice "github.com/smallbiznis/playmaker/internal/entitlement/service"
	invoicedomain "github.com/smallbiznis/playmaker/internal/invoice/domain"
	invoiceservice "github.com/smallbiznis/playmaker/internal/invoice/service"
	obsmetrics "github.com/smallbiznis/playmaker/internal/observability/metrics"
	"github.com/smallbiznis/playmaker/internal/payment/adapters"
	"github.com/smallbiznis/playmaker/internal/payment/adapters/paylink"
	"github.com/smallbiznis/playmaker/internal/payment/adapters/simulate"
	paymentdomain "github.com/smallbiznis/playmaker/internal/payment/domain"
	paymentservice "github.com/smallbiznis/playmaker/internal/payment/service"
	"github.com/smallbiznis/playmaker/internal/reconcile/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultSweepLimit = 50
	maxSweepLimit     = 200
)

// Notifier is told about invoices that just became paid. Failures are logged
// and never undo the payment.
type Notifier interface {
	PaymentConfirmed(ctx context.Context, inv *invoicedomain.Invoice) error
}

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Cfg        config.Config
	Invoices   *invoiceservice.Service
	Payments   *paymentservice.Service
	Granter    *entitlementservice.Granter
	Gateways   *adapters.Registry
	Authz      authorization.Service
	Notifier   Notifier            `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Service is the reconciliation engine. Every entry point ends in
// verifyAndApply; the payment event insert is the single point that decides
// who applies paid effects.
type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	invoices   *invoiceservice.Service
	payments   *paymentservice.Service
	granter    *entitlementservice.Granter
	gateways   *adapters.Registry
	authz      authorization.Service
	notifier   Notifier
	obsMetrics *obsmetrics.Metrics

	notifyTimeout time.Duration
	webhookHeader string
	webhookSecret []byte
	production    bool
}

const defaultNotifyTimeout = 10 * time.Second

func NewService(p Params) *Service {
	header := strings.TrimSpace(p.Cfg.Paylink.WebhookHeader)
	if header == "" {
		header = "Authorization"
	}
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("reconcile.service"),
		clock:         p.Clock,
		invoices:      p.Invoices,
		payments:      p.Payments,
		granter:       p.Granter,
		gateways:      p.Gateways,
		authz:         p.Authz,
		notifier:      p.Notifier,
		obsMetrics:    p.ObsMetrics,
		notifyTimeout: defaultNotifyTimeout,
		webhookHeader: header,
		webhookSecret: []byte(p.Cfg.Paylink.WebhookSecret),
		production:    p.Cfg.IsProduction(),
	}
}

// HandleWebhook authenticates a Paylink callback and verifies the referenced
// invoice against the provider. The payload's own status is never trusted.
func (s *Service) HandleWebhook(ctx context.Context, headers http.Header, body []byte) (domain.WebhookResult, error) {
	if err := s.AuthorizeWebhook(ctx, headers); err != nil {
		return domain.WebhookResult{}, err
	}

	gateway, err := s.gateways.Gateway(paylink.ProviderName)
	if err != nil {
		return domain.WebhookResult{}, err
	}
	parser, ok := gateway.(paymentdomain.NotificationParser)
	if !ok {
		return domain.WebhookResult{}, paymentdomain.ErrInvalidConfig
	}
	notification, err := parser.ParseNotification(body)
	if err != nil {
		s.log.Warn("invalid webhook payload", zap.Error(err))
		return domain.WebhookResult{OK: false, Error: paymentdomain.ErrInvalidPayload.Error()}, nil
	}

	inv, err := s.invoiceForNotification(ctx, gateway.Provider(), notification)
	if err != nil {
		if errors.Is(err, invoicedomain.ErrInvoiceNotFound) {
			s.log.Warn("webhook for unknown invoice",
				zap.String("order_number", notification.OrderNumber),
				zap.String("transaction_no", notification.TransactionNo),
			)
			return domain.WebhookResult{OK: false, Error: err.Error()}, nil
		}
		return domain.WebhookResult{}, err
	}

	snapshot, err := s.fetchByTransaction(ctx, gateway, inv, notification.TransactionNo)
	if err != nil {
		s.recordGatewayFailure(ctx, inv, err)
		s.obsMetrics.RecordReconcile(ctx, domain.SourceWebhook, string(domain.OutcomeUnverified))
		return domain.WebhookResult{OK: true, Verified: false}, nil
	}

	outcome, err := s.verifyAndApply(ctx, domain.SourceWebhook, gateway, inv, snapshot)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrGateway) {
			return domain.WebhookResult{OK: true, Verified: false}, nil
		}
		if errors.Is(err, domain.ErrOrderMismatch) {
			return domain.WebhookResult{OK: false, Error: err.Error()}, nil
		}
		return domain.WebhookResult{}, err
	}
	return domain.WebhookResult{
		OK:        true,
		Verified:  true,
		Duplicate: outcome == domain.OutcomeDuplicate,
	}, nil
}

// AuthorizeWebhook checks the shared-secret header. Callers run it before
// reading the request body.
func (s *Service) AuthorizeWebhook(ctx context.Context, headers http.Header) error {
	if !s.webhookAuthorized(headers) {
		s.obsMetrics.RecordReconcile(ctx, domain.SourceWebhook, "unauthorized")
		return domain.ErrUnauthorizedWebhook
	}
	return nil
}

func (s *Service) webhookAuthorized(headers http.Header) bool {
	if len(s.webhookSecret) == 0 {
		return false
	}
	got := []byte(headers.Get(s.webhookHeader))
	return subtle.ConstantTimeCompare(got, s.webhookSecret) == 1
}

func (s *Service) invoiceForNotification(ctx context.Context, provider string, n paymentdomain.Notification) (*invoicedomain.Invoice, error) {
	if n.OrderNumber != "" {
		return s.invoices.FindByOrderNumber(ctx, n.OrderNumber)
	}
	return s.invoices.FindByProviderInvoiceID(ctx, provider, n.TransactionNo)
}

// fetchByTransaction prefers the provider id stored on the invoice over the
// one named in the payload.
func (s *Service) fetchByTransaction(ctx context.Context, gateway paymentdomain.Gateway, inv *invoicedomain.Invoice, transactionNo string) (paymentdomain.StatusSnapshot, error) {
	lookup := inv.ProviderInvoiceID
	if lookup == "" {
		lookup = transactionNo
	} else if transactionNo != "" && transactionNo != lookup {
		s.log.Warn("webhook transaction does not match invoice",
			zap.String("order_number", inv.OrderNumber),
			zap.String("transaction_no", transactionNo),
			zap.String("provider_invoice_id", lookup),
		)
	}
	if lookup == "" {
		return gateway.GetOrderStatusByOrderNumber(ctx, inv.OrderNumber)
	}
	return gateway.GetInvoiceStatus(ctx, lookup)
}

// Recheck verifies one invoice by order number on behalf of actor. Another
// user's invoice is reported as not found unless the role may recheck any.
func (s *Service) Recheck(ctx context.Context, actor domain.Actor, orderNumber string) (domain.RecheckResult, error) {
	inv, err := s.invoices.FindByOrderNumber(ctx, orderNumber)
	if err != nil {
		return domain.RecheckResult{}, err
	}
	if inv.UserID != actor.UserID {
		if err := s.authz.Authorize(ctx, actor.Role, authorization.ObjectInvoice, authorization.ActionInvoiceRecheckAny); err != nil {
			return domain.RecheckResult{}, invoicedomain.ErrInvoiceNotFound
		}
	}

	gateway, err := s.gatewayFor(inv)
	if err != nil {
		return domain.RecheckResult{}, err
	}

	result := domain.RecheckResult{ID: inv.ID, OrderNumber: inv.OrderNumber}
	snapshot, err := gateway.GetOrderStatusByOrderNumber(ctx, inv.OrderNumber)
	if err == nil {
		_, err = s.verifyAndApply(ctx, domain.SourceRecheck, gateway, inv, snapshot)
	} else {
		s.recordGatewayFailure(ctx, inv, err)
		s.obsMetrics.RecordReconcile(ctx, domain.SourceRecheck, string(domain.OutcomeUnverified))
	}
	switch {
	case err == nil:
		result.Verified = true
	case errors.Is(err, paymentdomain.ErrGateway):
		result.Error = "verification_unavailable"
	case errors.Is(err, domain.ErrOrderMismatch):
		result.Error = err.Error()
	default:
		return domain.RecheckResult{}, err
	}

	current, err := s.invoices.Reload(ctx, inv.ID)
	if err != nil {
		return domain.RecheckResult{}, err
	}
	result.Status = string(current.Status)
	result.Paid = current.IsPaid()
	return result, nil
}

// Sweep verifies a batch of provider-linked invoices. One invoice failing
// never stops the rest; its error goes onto its own trail.
func (s *Service) Sweep(ctx context.Context, actor domain.Actor, req domain.SweepRequest) (domain.SweepResult, error) {
	filter := invoicedomain.ReconcileFilter{
		InvoiceIDs:   req.InvoiceIDs,
		OrderNumbers: req.OrderNumbers,
		Limit:        req.Limit,
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultSweepLimit
	}
	if filter.Limit > maxSweepLimit {
		filter.Limit = maxSweepLimit
	}

	all := s.authz.Authorize(ctx, actor.Role, authorization.ObjectInvoice, authorization.ActionInvoiceReconcileAll) == nil
	explicit := len(req.InvoiceIDs) > 0 || len(req.OrderNumbers) > 0
	if !all {
		if actor.UserID == 0 {
			return domain.SweepResult{}, authorization.ErrForbidden
		}
		userID := actor.UserID
		filter.UserID = &userID
	}
	if all || explicit {
		filter.Statuses = []invoicedomain.InvoiceStatus{invoicedomain.InvoiceStatusPending, invoicedomain.InvoiceStatusPaid}
	} else {
		filter.Statuses = []invoicedomain.InvoiceStatus{invoicedomain.InvoiceStatusPending}
	}

	candidates, err := s.invoices.ListForReconcile(ctx, filter)
	if err != nil {
		return domain.SweepResult{}, err
	}

	var result domain.SweepResult
	for i := range candidates {
		if ctx.Err() != nil {
			break
		}
		inv := &candidates[i]
		result.Checked++

		outcome, err := s.sweepOne(ctx, inv)
		if err != nil {
			s.log.Warn("sweep item failed",
				zap.String("order_number", inv.OrderNumber),
				zap.Error(err),
			)
			continue
		}
		if outcome.Changed() {
			result.Updated++
		}
	}

	s.log.Info("sweep finished",
		zap.String("role", actor.Role),
		zap.Int("checked", result.Checked),
		zap.Int("updated", result.Updated),
	)
	return result, nil
}

func (s *Service) sweepOne(ctx context.Context, inv *invoicedomain.Invoice) (domain.Outcome, error) {
	gateway, err := s.gatewayFor(inv)
	if err != nil {
		return "", err
	}
	snapshot, err := gateway.GetInvoiceStatus(ctx, inv.ProviderInvoiceID)
	if err != nil {
		s.recordGatewayFailure(ctx, inv, err)
		s.obsMetrics.RecordReconcile(ctx, domain.SourceSweep, string(domain.OutcomeUnverified))
		return "", err
	}
	return s.verifyAndApply(ctx, domain.SourceSweep, gateway, inv, snapshot)
}

// SimulatePaid runs the paid path against the simulate gateway. It is refused
// in production.
func (s *Service) SimulatePaid(ctx context.Context, actor domain.Actor, orderNumber string) (domain.RecheckResult, error) {
	if s.production {
		return domain.RecheckResult{}, domain.ErrSimulateDisabled
	}
	inv, err := s.invoices.FindByOrderNumber(ctx, orderNumber)
	if err != nil {
		return domain.RecheckResult{}, err
	}
	if inv.UserID != actor.UserID {
		if err := s.authz.Authorize(ctx, actor.Role, authorization.ObjectInvoice, authorization.ActionInvoiceSimulatePaid); err != nil {
			return domain.RecheckResult{}, invoicedomain.ErrInvoiceNotFound
		}
	}

	gateway, err := s.gateways.Gateway(simulate.ProviderName)
	if err != nil {
		return domain.RecheckResult{}, err
	}
	snapshot, err := gateway.GetOrderStatusByOrderNumber(ctx, inv.OrderNumber)
	if err != nil {
		return domain.RecheckResult{}, err
	}
	if _, err := s.verifyAndApply(ctx, domain.SourceSimulate, gateway, inv, snapshot); err != nil {
		return domain.RecheckResult{}, err
	}

	current, err := s.invoices.Reload(ctx, inv.ID)
	if err != nil {
		return domain.RecheckResult{}, err
	}
	return domain.RecheckResult{
		ID:          current.ID,
		OrderNumber: current.OrderNumber,
		Status:      string(current.Status),
		Verified:    true,
		Paid:        current.IsPaid(),
	}, nil
}

func (s *Service) gatewayFor(inv *invoicedomain.Invoice) (paymentdomain.Gateway, error) {
	provider := inv.Provider
	if provider == "" {
		provider = paylink.ProviderName
	}
	return s.gateways.Gateway(provider)
}

// verifyAndApply applies one provider snapshot to inv.
func (s *Service) verifyAndApply(ctx context.Context, source string, gateway paymentdomain.Gateway, inv *invoicedomain.Invoice, snapshot paymentdomain.StatusSnapshot) (domain.Outcome, error) {
	if snapshot.OrderNumber != "" && snapshot.OrderNumber != inv.OrderNumber {
		s.log.Warn("provider snapshot belongs to another order",
			zap.String("source", source),
			zap.String("order_number", inv.OrderNumber),
			zap.String("provider_order_number", snapshot.OrderNumber),
		)
		s.obsMetrics.RecordReconcile(ctx, source, "mismatch")
		return "", domain.ErrOrderMismatch
	}

	var (
		outcome domain.Outcome
		err     error
	)
	switch snapshot.Status {
	case paymentdomain.PaymentStatusPaid:
		outcome, err = s.applyPaid(ctx, gateway, inv, snapshot)
	case paymentdomain.PaymentStatusNotPaid:
		outcome, err = s.applyNotPaid(ctx, gateway, inv, snapshot)
	default:
		err = &paymentdomain.GatewayError{Op: "status", Err: fmt.Errorf("unrecognized provider status %q", snapshot.ProviderStatus)}
		s.recordGatewayFailure(ctx, inv, err)
		outcome = domain.OutcomeUnverified
	}

	s.obsMetrics.RecordReconcile(ctx, source, string(outcome))
	if err != nil {
		return outcome, err
	}
	s.log.Info("invoice reconciled",
		zap.String("source", source),
		zap.String("order_number", inv.OrderNumber),
		zap.String("provider_status", snapshot.ProviderStatus),
		zap.String("outcome", string(outcome)),
	)
	return outcome, nil
}

func (s *Service) applyPaid(ctx context.Context, gateway paymentdomain.Gateway, inv *invoicedomain.Invoice, snapshot paymentdomain.StatusSnapshot) (domain.Outcome, error) {
	if inv.IsPaid() {
		if err := s.invoices.FillPaidDetails(ctx, inv, snapshot.TransactionNo, snapshot.ReceiptURL); err != nil {
			return "", err
		}
		return domain.OutcomeAlreadyPaid, nil
	}
	if inv.Status != invoicedomain.InvoiceStatusPending {
		return s.closedPaid(ctx, inv, snapshot)
	}

	input := paymentdomain.RecordEventInput{
		Provider:        gateway.Provider(),
		ProviderEventID: paidEventID(inv, snapshot),
		OrderNumber:     inv.OrderNumber,
		Type:            paymentdomain.EventTypeInvoicePaid,
		Payload:         eventPayload(snapshot),
	}

	var duplicate, marked bool
	err := s.runAtomic(ctx, func(tx *gorm.DB) error {
		inserted, err := s.payments.RecordEvent(ctx, tx, input)
		if err != nil {
			return err
		}
		if !inserted {
			duplicate = true
			return nil
		}
		marked, err = s.invoices.MarkPaid(ctx, tx, inv, invoicedomain.PaidProof{
			TransactionNo:  snapshot.TransactionNo,
			ReceiptURL:     snapshot.ReceiptURL,
			ProviderStatus: snapshot.ProviderStatus,
			PaidAt:         s.clock.Now(),
		})
		if err != nil {
			return err
		}
		if !marked {
			// The row left pending under us; drop the event with it.
			return errNotMarked
		}
		return s.granter.GrantForPaidInvoice(ctx, tx, inv)
	})
	if errors.Is(err, errNotMarked) {
		current, reloadErr := s.invoices.Reload(ctx, inv.ID)
		if reloadErr != nil {
			return "", reloadErr
		}
		*inv = *current
		if inv.IsPaid() {
			return domain.OutcomeAlreadyPaid, nil
		}
		return s.closedPaid(ctx, inv, snapshot)
	}
	if err != nil {
		return "", err
	}
	if duplicate {
		return domain.OutcomeDuplicate, nil
	}

	s.notifyPaid(ctx, inv)
	return domain.OutcomePaid, nil
}

var errNotMarked = errors.New("invoice left pending before mark paid")

// closedPaid keeps a failed or cancelled invoice terminal when the provider
// reports it paid. The report lands on the error trail for support follow-up.
func (s *Service) closedPaid(ctx context.Context, inv *invoicedomain.Invoice, snapshot paymentdomain.StatusSnapshot) (domain.Outcome, error) {
	now := s.clock.Now()
	s.log.Warn("paid report for closed invoice",
		zap.String("order_number", inv.OrderNumber),
		zap.String("status", string(inv.Status)),
		zap.String("transaction_no", snapshot.TransactionNo),
	)
	err := s.invoices.RecordCheck(ctx, s.db, inv, invoicedomain.CheckUpdate{
		ProviderStatus: snapshot.ProviderStatus,
		Errors: []invoicedomain.PaymentError{{
			Code:    "paid_after_close",
			Message: "provider reports paid for a " + string(inv.Status) + " invoice",
			Source:  invoicedomain.ErrorSourceSystem,
			At:      now,
		}},
		CheckedAt: now,
	})
	if err != nil {
		return "", err
	}
	return domain.OutcomeClosed, nil
}

func (s *Service) applyNotPaid(ctx context.Context, gateway paymentdomain.Gateway, inv *invoicedomain.Invoice, snapshot paymentdomain.StatusSnapshot) (domain.Outcome, error) {
	now := s.clock.Now()
	outcome := domain.OutcomeNotPaid

	if snapshot.TransactionNo != "" && snapshot.ProviderStatus != "" {
		_, err := s.payments.RecordEvent(ctx, s.db, paymentdomain.RecordEventInput{
			Provider:        gateway.Provider(),
			ProviderEventID: snapshot.TransactionNo + ":" + strings.ToLower(snapshot.ProviderStatus),
			OrderNumber:     inv.OrderNumber,
			Type:            paymentdomain.EventTypeInvoiceUpdate,
			Payload:         eventPayload(snapshot),
		})
		if err != nil {
			return "", err
		}
	}

	switch inv.Status {
	case invoicedomain.InvoiceStatusPaid:
		reverted, err := s.invoices.RevertToPendingIfUnproven(ctx, s.db, inv)
		if err != nil {
			return "", err
		}
		if reverted {
			outcome = domain.OutcomeReverted
			s.log.Warn("paid invoice reverted to pending",
				zap.String("order_number", inv.OrderNumber),
				zap.String("provider_status", snapshot.ProviderStatus),
			)
		} else {
			outcome = domain.OutcomeRevertBlocked
			s.log.Warn("stale revert blocked",
				zap.String("order_number", inv.OrderNumber),
				zap.String("provider_status", snapshot.ProviderStatus),
			)
		}
	case invoicedomain.InvoiceStatusPending:
		expired, err := s.invoices.ExpireIfOverdue(ctx, s.db, inv)
		if err != nil {
			return "", err
		}
		if expired {
			outcome = domain.OutcomeExpired
		}
	}

	err := s.invoices.RecordCheck(ctx, s.db, inv, invoicedomain.CheckUpdate{
		ProviderStatus: snapshot.ProviderStatus,
		Errors:         providerErrors(snapshot.PaymentErrors),
		CheckedAt:      now,
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

// recordGatewayFailure puts an inconclusive verification on the invoice's
// error trail without touching its status.
func (s *Service) recordGatewayFailure(ctx context.Context, inv *invoicedomain.Invoice, cause error) {
	now := s.clock.Now()
	err := s.invoices.RecordCheck(ctx, s.db, inv, invoicedomain.CheckUpdate{
		Errors: []invoicedomain.PaymentError{{
			Code:    "verification_unavailable",
			Message: cause.Error(),
			Source:  invoicedomain.ErrorSourceGateway,
			At:      now,
		}},
		CheckedAt: now,
	})
	if err != nil {
		s.log.Error("failed to record gateway failure",
			zap.String("order_number", inv.OrderNumber),
			zap.Error(err),
		)
	}
}

func (s *Service) notifyPaid(ctx context.Context, inv *invoicedomain.Invoice) {
	if s.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.notifyTimeout)
	defer cancel()
	if err := s.notifier.PaymentConfirmed(ctx, inv); err != nil {
		s.log.Warn("payment confirmation not sent",
			zap.String("order_number", inv.OrderNumber),
			zap.Error(err),
		)
	}
}

func (s *Service) runAtomic(ctx context.Context, work func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(work)
}

// paidEventID is the dedup key every entry point derives for the same payment.
func paidEventID(inv *invoicedomain.Invoice, snapshot paymentdomain.StatusSnapshot) string {
	if snapshot.TransactionNo != "" {
		return snapshot.TransactionNo
	}
	if inv.ProviderInvoiceID != "" {
		return inv.ProviderInvoiceID
	}
	return inv.OrderNumber
}

func eventPayload(snapshot paymentdomain.StatusSnapshot) []byte {
	if len(snapshot.Raw) > 0 && json.Valid(snapshot.Raw) {
		return snapshot.Raw
	}
	payload, _ := json.Marshal(map[string]any{
		"orderStatus":   snapshot.ProviderStatus,
		"transactionNo": snapshot.TransactionNo,
		"orderNumber":   snapshot.OrderNumber,
	})
	return payload
}

var providerTimeLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"}

func providerErrors(in []paymentdomain.ProviderError) []invoicedomain.PaymentError {
	if len(in) == 0 {
		return nil
	}
	out := make([]invoicedomain.PaymentError, 0, len(in))
	for _, item := range in {
		entry := invoicedomain.PaymentError{
			Code:    item.Code,
			Title:   item.Title,
			Message: item.Message,
			Source:  invoicedomain.ErrorSourceProvider,
		}
		for _, layout := range providerTimeLayouts {
			if at, err := time.Parse(layout, item.Time); err == nil {
				entry.At = at.UTC()
				break
			}
		}
		out = append(out, entry)
	}
	return out
}
