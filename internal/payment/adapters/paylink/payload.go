package paylink

import (
	"encoding/json"
	"strings"

	"github.com/smallbiznis/playmaker/internal/payment/domain"
)

type paymentErrorPayload struct {
	ErrorCode    json.RawMessage `json:"errorCode"`
	ErrorTitle   string          `json:"errorTitle"`
	ErrorMessage string          `json:"errorMessage"`
	ErrorTime    json.RawMessage `json:"errorTime"`
}

type receiptPayload struct {
	URL        string `json:"url"`
	ReceiptURL string `json:"receiptUrl"`
}

type orderRequestPayload struct {
	OrderNumber string `json:"orderNumber"`
}

type invoiceResponse struct {
	OrderStatus         string                `json:"orderStatus"`
	TransactionNo       string                `json:"transactionNo"`
	PaymentErrors       []paymentErrorPayload `json:"paymentErrors"`
	PaymentReceipt      *receiptPayload       `json:"paymentReceipt"`
	GatewayOrderRequest *orderRequestPayload  `json:"gatewayOrderRequest"`

	raw []byte
}

func (r invoiceResponse) snapshot() domain.StatusSnapshot {
	snap := domain.StatusSnapshot{
		Status:         domain.NormalizeStatus(r.OrderStatus),
		ProviderStatus: strings.TrimSpace(r.OrderStatus),
		TransactionNo:  strings.TrimSpace(r.TransactionNo),
		ReceiptURL:     r.PaymentReceipt.link(),
		PaymentErrors:  providerErrors(r.PaymentErrors),
		Raw:            r.raw,
	}
	if r.GatewayOrderRequest != nil {
		snap.OrderNumber = strings.TrimSpace(r.GatewayOrderRequest.OrderNumber)
	}
	return snap
}

func (r *receiptPayload) link() string {
	if r == nil {
		return ""
	}
	if v := strings.TrimSpace(r.ReceiptURL); v != "" {
		return v
	}
	return strings.TrimSpace(r.URL)
}

func providerErrors(in []paymentErrorPayload) []domain.ProviderError {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.ProviderError, 0, len(in))
	for _, item := range in {
		out = append(out, domain.ProviderError{
			Code:    scalar(item.ErrorCode),
			Title:   strings.TrimSpace(item.ErrorTitle),
			Message: strings.TrimSpace(item.ErrorMessage),
			Time:    scalar(item.ErrorTime),
		})
	}
	return out
}

// scalar renders a JSON string or number as text. Paylink is inconsistent
// about which one it sends for codes and timestamps.
func scalar(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(raw))
}

type notificationPayload struct {
	TransactionNo       string                `json:"transactionNo"`
	MerchantOrderNumber string                `json:"merchantOrderNumber"`
	OrderNumber         string                `json:"orderNumber"`
	OrderStatus         string                `json:"orderStatus"`
	PaymentErrors       []paymentErrorPayload `json:"paymentErrors"`
	PaymentReceipt      *receiptPayload       `json:"paymentReceipt"`
}

// ParseNotification decodes a webhook body. Nothing in it is trusted; it only
// names which invoice to verify.
func (c *Client) ParseNotification(body []byte) (domain.Notification, error) {
	return ParseNotification(body)
}

func ParseNotification(body []byte) (domain.Notification, error) {
	var payload notificationPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return domain.Notification{}, domain.ErrInvalidPayload
	}
	orderNumber := strings.TrimSpace(payload.MerchantOrderNumber)
	if orderNumber == "" {
		orderNumber = strings.TrimSpace(payload.OrderNumber)
	}
	n := domain.Notification{
		TransactionNo:  strings.TrimSpace(payload.TransactionNo),
		OrderNumber:    orderNumber,
		ProviderStatus: strings.TrimSpace(payload.OrderStatus),
		ReceiptURL:     payload.PaymentReceipt.link(),
		PaymentErrors:  providerErrors(payload.PaymentErrors),
	}
	if n.TransactionNo == "" && n.OrderNumber == "" {
		return domain.Notification{}, domain.ErrInvalidPayload
	}
	return n, nil
}
