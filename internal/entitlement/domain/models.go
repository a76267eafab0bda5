// Package domain contains entitlement records and the effect descriptor that produces them.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

const (
	TypeContactsAccess = "contacts_access"
	typeListedPrefix   = "listed_"
	typePromotedPrefix = "promoted_"
)

func ListedType(targetType string) string   { return typeListedPrefix + targetType }
func PromotedType(targetType string) string { return typePromotedPrefix + targetType }

// Entitlement is a time-bounded grant keyed by (user, type, profile-or-none).
// ProfileKey is 0 when the grant is not scoped to a profile.
type Entitlement struct {
	ID         snowflake.ID  `json:"id" gorm:"primaryKey"`
	UserID     snowflake.ID  `json:"user_id" gorm:"not null;uniqueIndex:ux_entitlement_key"`
	Type       string        `json:"type" gorm:"size:255;not null;uniqueIndex:ux_entitlement_key"`
	ProfileID  *snowflake.ID `json:"profile_id,omitempty"`
	ProfileKey snowflake.ID  `json:"-" gorm:"not null;default:0;uniqueIndex:ux_entitlement_key"`
	Active     bool          `json:"active" gorm:"not null"`
	GrantedAt  time.Time     `json:"granted_at" gorm:"not null"`
	ExpiresAt  time.Time     `json:"expires_at" gorm:"not null"`
	InvoiceID  snowflake.ID  `json:"invoice_id" gorm:"not null"`
	CreatedAt  time.Time     `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time     `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Entitlement) TableName() string { return "entitlements" }

// ActiveAt reports whether the grant is usable at t. Expiry is enforced by readers.
func (e Entitlement) ActiveAt(t time.Time) bool {
	return e.Active && t.Before(e.ExpiresAt)
}

// EffectKind tags the variant of an Effect.
type EffectKind string

const (
	EffectContactsAccess EffectKind = "contacts_access"
	EffectListing        EffectKind = "listing"
	EffectPromotion      EffectKind = "promotion"
)

// Effect is everything a paid invoice does to local state, computed once
// from the invoice and applied the same way by every entry point.
type Effect struct {
	Kind            EffectKind
	InvoiceID       snowflake.ID
	UserID          snowflake.ID
	ProfileID       *snowflake.ID
	EntitlementType string
	GrantedAt       time.Time
	ExpiresAt       time.Time

	// PromotionType is only set for EffectPromotion.
	PromotionType string
}

func (e Effect) ProfileKey() snowflake.ID {
	if e.ProfileID == nil {
		return 0
	}
	return *e.ProfileID
}

type Repository interface {
	Upsert(ctx context.Context, db *gorm.DB, item *Entitlement) error
	Find(ctx context.Context, db *gorm.DB, userID snowflake.ID, entitlementType string, profileKey snowflake.ID) (*Entitlement, error)
	ListByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID) ([]Entitlement, error)
}

var (
	ErrUnsupportedProduct = errors.New("unsupported_product")
	ErrMissingProfile     = errors.New("missing_profile")
	ErrMissingTargetType  = errors.New("missing_target_type")
	ErrInvoiceNotPaid     = errors.New("invoice_not_paid")
)
