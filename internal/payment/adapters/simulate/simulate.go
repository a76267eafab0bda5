// Package simulate is a gateway that reports every order as paid. It backs
// the admin "simulate paid" operation and local development.
package simulate

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/smallbiznis/playmaker/internal/payment/domain"
)

const ProviderName = "simulate"

const transactionPrefix = "SIM-"

type Gateway struct{}

func (Gateway) Provider() string { return ProviderName }

func (Gateway) CreateRemoteInvoice(_ context.Context, req domain.RemoteInvoiceRequest) (domain.RemoteInvoice, error) {
	return domain.RemoteInvoice{
		PayURL:            "/simulate/pay/" + req.OrderNumber,
		ProviderInvoiceID: transactionPrefix + req.OrderNumber,
	}, nil
}

func (Gateway) GetInvoiceStatus(_ context.Context, providerInvoiceID string) (domain.StatusSnapshot, error) {
	orderNumber := strings.TrimPrefix(providerInvoiceID, transactionPrefix)
	return paid(orderNumber), nil
}

func (Gateway) GetOrderStatusByOrderNumber(_ context.Context, orderNumber string) (domain.StatusSnapshot, error) {
	return paid(orderNumber), nil
}

func paid(orderNumber string) domain.StatusSnapshot {
	snap := domain.StatusSnapshot{
		Status:         domain.PaymentStatusPaid,
		ProviderStatus: "Paid",
		TransactionNo:  transactionPrefix + orderNumber,
		OrderNumber:    orderNumber,
	}
	snap.Raw, _ = json.Marshal(map[string]string{
		"orderStatus":   snap.ProviderStatus,
		"transactionNo": snap.TransactionNo,
		"orderNumber":   orderNumber,
	})
	return snap
}

type Factory struct{}

func NewFactory() Factory { return Factory{} }

func (Factory) Provider() string { return ProviderName }

func (Factory) NewGateway() (domain.Gateway, error) { return Gateway{}, nil }
