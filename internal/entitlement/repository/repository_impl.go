package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/playmaker/internal/entitlement/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// Upsert refreshes an existing grant for the same key instead of adding a row.
func (r *repo) Upsert(ctx context.Context, db *gorm.DB, item *domain.Entitlement) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "type"}, {Name: "profile_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"active", "granted_at", "expires_at", "invoice_id", "updated_at"}),
		}).
		Create(item).Error
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, userID snowflake.ID, entitlementType string, profileKey snowflake.ID) (*domain.Entitlement, error) {
	var item domain.Entitlement
	err := db.WithContext(ctx).
		Where("user_id = ? AND type = ? AND profile_key = ?", userID, entitlementType, profileKey).
		Limit(1).
		Find(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID) ([]domain.Entitlement, error) {
	var items []domain.Entitlement
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("expires_at DESC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
