// Package domain holds the user and profile records that paid products act on.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type User struct {
	ID        snowflake.ID `json:"id" gorm:"primaryKey"`
	Name      string       `json:"name" gorm:"size:255;not null;default:''"`
	Email     string       `json:"email" gorm:"size:255;not null;default:''"`
	Mobile    string       `json:"mobile" gorm:"size:255;not null;default:''"`
	Role      string       `json:"role" gorm:"size:255;not null;default:'user'"`
	IsActive  bool         `json:"is_active" gorm:"not null;default:false"`
	CreatedAt time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time    `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (User) TableName() string { return "users" }

const (
	ProfileTypePlayer = "player"
	ProfileTypeCoach  = "coach"

	PromotionStatusActive = "active"
)

type Profile struct {
	ID               snowflake.ID `json:"id" gorm:"primaryKey"`
	UserID           snowflake.ID `json:"user_id" gorm:"not null;index"`
	Type             string       `json:"type" gorm:"size:255;not null"`
	DisplayName      string       `json:"display_name" gorm:"size:255;not null;default:''"`
	IsListed         bool         `json:"is_listed" gorm:"not null;default:false"`
	IsActive         bool         `json:"is_active" gorm:"not null;default:false"`
	ListingExpiresAt *time.Time   `json:"listing_expires_at,omitempty"`
	PromotionStatus  string       `json:"promotion_status" gorm:"size:255;not null;default:''"`
	PromotionType    string       `json:"promotion_type" gorm:"size:255;not null;default:''"`
	PromotionStart   *time.Time   `json:"promotion_start,omitempty"`
	PromotionEnd     *time.Time   `json:"promotion_end,omitempty"`
	CreatedAt        time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time    `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Profile) TableName() string { return "profiles" }

// PromotionWindow is the promotion state written onto a profile.
type PromotionWindow struct {
	Type  string
	Start time.Time
	End   time.Time
}

// Repository is the user/profile store. Flag writes are conditioned on
// ownership and report false when the profile no longer belongs to ownerID.
type Repository interface {
	GetUser(ctx context.Context, db *gorm.DB, id snowflake.ID) (*User, error)
	GetProfile(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Profile, error)
	ActivateUser(ctx context.Context, db *gorm.DB, userID snowflake.ID, now time.Time) (bool, error)
	ApplyListing(ctx context.Context, db *gorm.DB, profileID, ownerID snowflake.ID, expiresAt time.Time, now time.Time) (bool, error)
	ApplyPromotion(ctx context.Context, db *gorm.DB, profileID, ownerID snowflake.ID, window PromotionWindow, now time.Time) (bool, error)
}

var (
	ErrUserNotFound    = errors.New("user_not_found")
	ErrProfileNotFound = errors.New("profile_not_found")
)
