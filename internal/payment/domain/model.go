package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EventRecord is an immutable provider notification. (provider,
// provider_event_id) is unique and the insert conflict is the dedup signal.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"size:255;not null;uniqueIndex:ux_payment_events_provider_event"`
	ProviderEventID string         `json:"provider_event_id" gorm:"size:255;not null;uniqueIndex:ux_payment_events_provider_event"`
	OrderNumber     string         `json:"order_number" gorm:"size:255;not null;index"`
	EventType       string         `json:"event_type" gorm:"size:255;not null"`
	Payload         datatypes.JSON `json:"payload" gorm:"not null"`
	CreatedAt       time.Time      `json:"created_at" gorm:"not null"`
}

func (EventRecord) TableName() string { return "payment_events" }

const (
	EventTypeInvoicePaid   = "invoice.paid"
	EventTypeInvoiceUpdate = "invoice.update"
)

// RecordEventInput is what callers hand to the event log.
type RecordEventInput struct {
	Provider        string
	ProviderEventID string
	OrderNumber     string
	Type            string
	Payload         []byte
}

type Repository interface {
	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	FindEvent(ctx context.Context, db *gorm.DB, provider string, providerEventID string) (*EventRecord, error)
	HasEventOfType(ctx context.Context, db *gorm.DB, orderNumber string, eventType string) (bool, error)
	ListByOrderNumber(ctx context.Context, db *gorm.DB, orderNumber string) ([]EventRecord, error)
}

var (
	ErrInvalidEvent     = errors.New("invalid_event")
	ErrInvalidProvider  = errors.New("invalid_provider")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrProviderNotFound = errors.New("provider_not_found")
	ErrInvalidConfig    = errors.New("invalid_provider_config")
)
