package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/playmaker/internal/account/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) GetUser(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.User, error) {
	var user domain.User
	if err := db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&user).Error; err != nil {
		return nil, err
	}
	if user.ID == 0 {
		return nil, nil
	}
	return &user, nil
}

func (r *repo) GetProfile(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Profile, error) {
	var profile domain.Profile
	if err := db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&profile).Error; err != nil {
		return nil, err
	}
	if profile.ID == 0 {
		return nil, nil
	}
	return &profile, nil
}

func (r *repo) ActivateUser(ctx context.Context, db *gorm.DB, userID snowflake.ID, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.User{}).
		Where("id = ?", userID).
		Updates(map[string]any{"is_active": true, "updated_at": now})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ApplyListing(ctx context.Context, db *gorm.DB, profileID, ownerID snowflake.ID, expiresAt time.Time, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.Profile{}).
		Where("id = ? AND user_id = ?", profileID, ownerID).
		Updates(map[string]any{
			"is_listed":          true,
			"is_active":          true,
			"listing_expires_at": expiresAt,
			"updated_at":         now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ApplyPromotion(ctx context.Context, db *gorm.DB, profileID, ownerID snowflake.ID, window domain.PromotionWindow, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.Profile{}).
		Where("id = ? AND user_id = ?", profileID, ownerID).
		Updates(map[string]any{
			"promotion_status": domain.PromotionStatusActive,
			"promotion_type":   window.Type,
			"promotion_start":  window.Start,
			"promotion_end":    window.End,
			"updated_at":       now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
