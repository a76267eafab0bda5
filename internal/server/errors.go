package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/smallbiznis/playmaker/internal/account/domain"
	"github.com/smallbiznis/playmaker/internal/auth"
	"github.com/smallbiznis/playmaker/internal/authorization"
	entitlementdomain "github.com/smallbiznis/playmaker/internal/entitlement/domain"
	invoicedomain "github.com/smallbiznis/playmaker/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/playmaker/internal/payment/domain"
	"github.com/smallbiznis/playmaker/internal/providers/pdf"
	reconciledomain "github.com/smallbiznis/playmaker/internal/reconcile/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if field, ok := validationField(err); ok {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   field,
					Code:    err.Error(),
					Message: "invalid value",
				},
			},
		}
	}

	switch {
	case isUnauthorizedError(err):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, authorization.ErrForbidden),
		errors.Is(err, authorization.ErrInvalidActor):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: conflictMessage(err),
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, paymentdomain.ErrGateway):
		return http.StatusBadGateway, errorPayload{
			Type:    "gateway_unavailable",
			Message: "payment provider unavailable",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, paymentdomain.ErrInvalidConfig):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog feeds the request logger the same type the client sees
// plus the underlying sentinel text.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	_, payload := mapError(err)
	code := payload.Type
	if payload.Type != "internal_error" {
		code = err.Error()
	}
	return payload.Type, code
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func validationField(err error) (string, bool) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "request", true
	case errors.Is(err, invoicedomain.ErrInvalidProduct),
		errors.Is(err, entitlementdomain.ErrUnsupportedProduct):
		return "product", true
	case errors.Is(err, invoicedomain.ErrInvalidTargetType),
		errors.Is(err, entitlementdomain.ErrMissingTargetType):
		return "target_type", true
	case errors.Is(err, invoicedomain.ErrInvalidDuration):
		return "duration_days", true
	case errors.Is(err, entitlementdomain.ErrMissingProfile):
		return "profile_id", true
	case errors.Is(err, invoicedomain.ErrInvalidUser):
		return "user", true
	default:
		return "", false
	}
}

func isUnauthorizedError(err error) bool {
	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, auth.ErrMissingToken),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrNotConfigured),
		errors.Is(err, reconciledomain.ErrUnauthorizedWebhook):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, invoicedomain.ErrInvoiceNotFound),
		errors.Is(err, invoicedomain.ErrProfileNotFound),
		errors.Is(err, accountdomain.ErrUserNotFound),
		errors.Is(err, accountdomain.ErrProfileNotFound),
		errors.Is(err, paymentdomain.ErrProviderNotFound),
		errors.Is(err, reconciledomain.ErrSimulateDisabled),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, ErrConflict),
		errors.Is(err, invoicedomain.ErrInvoiceNotPending),
		errors.Is(err, invoicedomain.ErrInvoiceNotPaid),
		errors.Is(err, invoicedomain.ErrInvoiceAttached),
		errors.Is(err, invoicedomain.ErrInvoiceExpired),
		errors.Is(err, invoicedomain.ErrInvalidProviderLink),
		errors.Is(err, entitlementdomain.ErrInvoiceNotPaid),
		errors.Is(err, reconciledomain.ErrOrderMismatch),
		errors.Is(err, pdf.ErrNotPaid):
		return true
	default:
		return false
	}
}

func conflictMessage(err error) string {
	switch {
	case errors.Is(err, invoicedomain.ErrInvoiceExpired):
		return "invoice expired"
	case errors.Is(err, invoicedomain.ErrInvoiceNotPending):
		return "invoice is not pending"
	case errors.Is(err, invoicedomain.ErrInvoiceAttached):
		return "payment already initiated"
	case errors.Is(err, invoicedomain.ErrInvoiceNotPaid),
		errors.Is(err, entitlementdomain.ErrInvoiceNotPaid),
		errors.Is(err, pdf.ErrNotPaid):
		return "invoice is not paid"
	default:
		return "conflict"
	}
}
