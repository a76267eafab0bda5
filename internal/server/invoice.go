package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/playmaker/internal/auth"
	"github.com/smallbiznis/playmaker/internal/authorization"
	invoicedomain "github.com/smallbiznis/playmaker/internal/invoice/domain"
	"github.com/smallbiznis/playmaker/internal/providers/pdf"
	reconciledomain "github.com/smallbiznis/playmaker/internal/reconcile/domain"
)

type createInvoiceRequest struct {
	Product      string `json:"product"`
	ProfileID    string `json:"profile_id"`
	DurationDays *int   `json:"duration_days"`
	FeatureType  string `json:"feature_type"`
	Force        bool   `json:"force"`
}

type reconcileRequest struct {
	InvoiceIDs   []string `json:"invoice_ids"`
	OrderNumbers []string `json:"order_numbers"`
	Limit        int      `json:"limit"`
}

// invoiceResponse replaces the raw error column with the decoded trail,
// which is only shown while the invoice can still be paid.
type invoiceResponse struct {
	*invoicedomain.Invoice
	PaymentErrors []invoicedomain.PaymentError `json:"payment_errors"`
}

func newInvoiceResponse(inv *invoicedomain.Invoice) invoiceResponse {
	resp := invoiceResponse{Invoice: inv, PaymentErrors: []invoicedomain.PaymentError{}}
	if inv.Status == invoicedomain.InvoiceStatusPending {
		if trail := inv.Errors(); len(trail) > 0 {
			resp.PaymentErrors = trail
		}
	}
	return resp
}

func (s *Server) CreateInvoice(c *gin.Context) {
	principal, ok := s.authorize(c, authorization.ActionInvoiceCreate)
	if !ok {
		return
	}

	var req createInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	draft := invoicedomain.DraftRequest{
		UserID:       principal.UserID,
		Product:      invoicedomain.Product(strings.TrimSpace(req.Product)),
		DurationDays: req.DurationDays,
		FeatureType:  strings.TrimSpace(req.FeatureType),
		Force:        req.Force,
	}
	if raw := strings.TrimSpace(req.ProfileID); raw != "" {
		profileID, err := snowflake.ParseString(raw)
		if err != nil {
			AbortWithError(c, newValidationError("profile_id", "invalid_profile_id", "invalid profile id"))
			return
		}
		draft.ProfileID = &profileID
	}

	inv, err := s.invoiceSvc.CreateDraft(c.Request.Context(), draft)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Set(contextOrderKey, inv.OrderNumber)

	c.JSON(http.StatusCreated, gin.H{"data": newInvoiceResponse(inv)})
}

func (s *Server) GetInvoice(c *gin.Context) {
	principal, ok := s.authorize(c, authorization.ActionInvoiceView)
	if !ok {
		return
	}
	orderNumber, ok := orderNumberParam(c)
	if !ok {
		AbortWithError(c, invalidRequestError())
		return
	}

	inv, err := s.visibleInvoice(c.Request.Context(), principal, orderNumber)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": newInvoiceResponse(inv)})
}

func (s *Server) PayInvoice(c *gin.Context) {
	principal, ok := s.authorize(c, authorization.ActionInvoicePay)
	if !ok {
		return
	}
	orderNumber, ok := orderNumberParam(c)
	if !ok {
		AbortWithError(c, invalidRequestError())
		return
	}

	checkout, err := s.checkoutSvc.Initiate(c.Request.Context(), principal.UserID, orderNumber)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": checkout})
}

func (s *Server) CancelInvoice(c *gin.Context) {
	principal, ok := s.authorize(c, authorization.ActionInvoiceCancel)
	if !ok {
		return
	}
	orderNumber, ok := orderNumberParam(c)
	if !ok {
		AbortWithError(c, invalidRequestError())
		return
	}

	inv, err := s.invoiceSvc.Cancel(c.Request.Context(), principal.UserID, orderNumber)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": newInvoiceResponse(inv)})
}

func (s *Server) RecheckInvoice(c *gin.Context) {
	principal, ok := s.authorize(c, authorization.ActionInvoiceRecheck)
	if !ok {
		return
	}
	orderNumber, ok := orderNumberParam(c)
	if !ok {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.reconciler.Recheck(c.Request.Context(), actorFrom(principal), orderNumber)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

// ReconcileInvoices sweeps the caller's invoices, or everyone's for admins.
// An empty body selects the default candidates.
func (s *Server) ReconcileInvoices(c *gin.Context) {
	principal, ok := s.authorize(c, authorization.ActionInvoiceReconcile)
	if !ok {
		return
	}

	var req reconcileRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	sweep := reconciledomain.SweepRequest{Limit: req.Limit}
	for _, raw := range req.InvoiceIDs {
		id, err := snowflake.ParseString(strings.TrimSpace(raw))
		if err != nil {
			AbortWithError(c, newValidationError("invoice_ids", "invalid_invoice_id", "invalid invoice id"))
			return
		}
		sweep.InvoiceIDs = append(sweep.InvoiceIDs, id)
	}
	for _, raw := range req.OrderNumbers {
		if orderNumber := strings.TrimSpace(raw); orderNumber != "" {
			sweep.OrderNumbers = append(sweep.OrderNumbers, orderNumber)
		}
	}

	result, err := s.reconciler.Sweep(c.Request.Context(), actorFrom(principal), sweep)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) InvoiceReceipt(c *gin.Context) {
	principal, ok := s.authorize(c, authorization.ActionInvoiceView)
	if !ok {
		return
	}
	orderNumber, ok := orderNumberParam(c)
	if !ok {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := c.Request.Context()
	inv, err := s.visibleInvoice(ctx, principal, orderNumber)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !inv.IsPaid() {
		AbortWithError(c, pdf.ErrNotPaid)
		return
	}
	user, err := s.accounts.GetUser(ctx, s.db, inv.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	data, err := pdf.ReceiptFromInvoice(inv, user)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	body, err := s.receipts.GenerateReceipt(ctx, data)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="receipt-%s.pdf"`, inv.InvoiceNumber))
	c.Data(http.StatusOK, "application/pdf", body)
}

func (s *Server) SimulatePaid(c *gin.Context) {
	principal, ok := principalFrom(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	orderNumber, ok := orderNumberParam(c)
	if !ok {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.reconciler.SimulatePaid(c.Request.Context(), actorFrom(principal), orderNumber)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

// authorize checks the caller's role against action on invoices.
func (s *Server) authorize(c *gin.Context, action string) (auth.Principal, bool) {
	principal, ok := principalFrom(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return auth.Principal{}, false
	}
	if err := s.authzSvc.Authorize(c.Request.Context(), principal.Role, authorization.ObjectInvoice, action); err != nil {
		AbortWithError(c, err)
		return auth.Principal{}, false
	}
	return principal, true
}

// visibleInvoice returns the caller's invoice. Admins may read any invoice;
// for everyone else a foreign invoice does not exist.
func (s *Server) visibleInvoice(ctx context.Context, principal auth.Principal, orderNumber string) (*invoicedomain.Invoice, error) {
	inv, err := s.invoiceSvc.FindByOrderNumber(ctx, orderNumber)
	if err != nil {
		return nil, err
	}
	if inv.UserID == principal.UserID {
		return inv, nil
	}
	if err := s.authzSvc.Authorize(ctx, principal.Role, authorization.ObjectInvoice, authorization.ActionInvoiceRecheckAny); err != nil {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	return inv, nil
}
