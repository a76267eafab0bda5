package service

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/playmaker/internal/clock"
	obsmetrics "github.com/smallbiznis/playmaker/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/playmaker/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       paymentdomain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Service is the append-only payment event log.
type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       paymentdomain.Repository
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		obsMetrics: p.ObsMetrics,
	}
}

// RecordEvent appends an event using db, normally the caller's transaction.
// inserted=false means the (provider, provider event id) pair was already
// recorded; that is the dedup signal, not an error.
func (s *Service) RecordEvent(ctx context.Context, db *gorm.DB, input paymentdomain.RecordEventInput) (bool, error) {
	if err := validateInput(&input); err != nil {
		return false, err
	}
	if db == nil {
		db = s.db
	}

	payload := input.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if !json.Valid(payload) {
		return false, paymentdomain.ErrInvalidPayload
	}

	record := paymentdomain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        input.Provider,
		ProviderEventID: input.ProviderEventID,
		OrderNumber:     input.OrderNumber,
		EventType:       input.Type,
		Payload:         datatypes.JSON(payload),
		CreatedAt:       s.clock.Now(),
	}

	inserted, err := s.repo.InsertEvent(ctx, db, &record)
	if err != nil {
		return false, err
	}
	s.obsMetrics.RecordPaymentEvent(ctx, input.Provider, input.Type, inserted)
	if !inserted {
		s.log.Info("duplicate payment event",
			zap.String("provider", input.Provider),
			zap.String("provider_event_id", input.ProviderEventID),
			zap.String("order_number", input.OrderNumber),
		)
	}
	return inserted, nil
}

// HasPaidEvent reports whether an invoice.paid event exists for the order.
func (s *Service) HasPaidEvent(ctx context.Context, db *gorm.DB, orderNumber string) (bool, error) {
	if db == nil {
		db = s.db
	}
	return s.repo.HasEventOfType(ctx, db, strings.TrimSpace(orderNumber), paymentdomain.EventTypeInvoicePaid)
}

func (s *Service) ListEvents(ctx context.Context, orderNumber string) ([]paymentdomain.EventRecord, error) {
	return s.repo.ListByOrderNumber(ctx, s.db, strings.TrimSpace(orderNumber))
}

func validateInput(input *paymentdomain.RecordEventInput) error {
	input.Provider = strings.ToLower(strings.TrimSpace(input.Provider))
	if input.Provider == "" {
		return paymentdomain.ErrInvalidProvider
	}
	input.ProviderEventID = strings.TrimSpace(input.ProviderEventID)
	if input.ProviderEventID == "" {
		return paymentdomain.ErrInvalidEvent
	}
	input.OrderNumber = strings.TrimSpace(input.OrderNumber)
	if input.OrderNumber == "" {
		return paymentdomain.ErrInvalidEvent
	}
	input.Type = strings.TrimSpace(input.Type)
	switch input.Type {
	case paymentdomain.EventTypeInvoicePaid, paymentdomain.EventTypeInvoiceUpdate:
	default:
		return paymentdomain.ErrInvalidEvent
	}
	return nil
}
