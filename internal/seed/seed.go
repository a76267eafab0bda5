// Package seed creates the accounts a fresh development database needs to
// exercise the payment flow end to end.
package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/playmaker/internal/account/domain"
	"github.com/smallbiznis/playmaker/internal/auth"
	"github.com/smallbiznis/playmaker/internal/authorization"
	"github.com/smallbiznis/playmaker/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultAdminEmail  = "admin@playmaker.local"
	defaultAdminName   = "Playmaker Admin"
	defaultPlayerEmail = "player@playmaker.local"
	defaultPlayerName  = "Demo Player"
)

// DevAccounts are the seeded rows.
type DevAccounts struct {
	Admin   accountdomain.User
	Player  accountdomain.User
	Profile accountdomain.Profile
}

var Module = fx.Module("seed",
	fx.Invoke(SeedDevAccounts),
)

// SeedDevAccounts seeds outside production and logs a bearer token for each
// seeded user when token signing is configured.
func SeedDevAccounts(cfg config.Config, db *gorm.DB, node *snowflake.Node, tokens *auth.TokenIssuer, log *zap.Logger) error {
	if cfg.IsProduction() {
		return nil
	}
	log = log.Named("seed")

	accounts, err := EnsureDevAccounts(context.Background(), db, node)
	if err != nil {
		return err
	}

	for _, user := range []accountdomain.User{accounts.Admin, accounts.Player} {
		token, expiresAt, err := tokens.Issue(auth.Principal{UserID: user.ID, Role: user.Role})
		if errors.Is(err, auth.ErrNotConfigured) {
			log.Info("dev accounts seeded; set AUTH_JWT_SECRET to print tokens")
			return nil
		}
		if err != nil {
			return err
		}
		log.Info("dev account",
			zap.String("email", user.Email),
			zap.String("role", user.Role),
			zap.String("user_id", user.ID.String()),
			zap.String("token", token),
			zap.Time("expires_at", expiresAt),
		)
	}
	log.Info("dev profile", zap.String("profile_id", accounts.Profile.ID.String()), zap.String("type", accounts.Profile.Type))
	return nil
}

// EnsureDevAccounts is idempotent: existing rows are looked up by email and reused.
func EnsureDevAccounts(ctx context.Context, db *gorm.DB, node *snowflake.Node) (DevAccounts, error) {
	if db == nil {
		return DevAccounts{}, errors.New("seed database handle is required")
	}
	if node == nil {
		return DevAccounts{}, errors.New("seed id generator is required")
	}

	var out DevAccounts
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		admin, err := ensureUserTx(ctx, tx, node, defaultAdminEmail, defaultAdminName, authorization.RoleAdmin)
		if err != nil {
			return err
		}
		player, err := ensureUserTx(ctx, tx, node, defaultPlayerEmail, defaultPlayerName, authorization.RoleUser)
		if err != nil {
			return err
		}
		profile, err := ensureProfileTx(ctx, tx, node, player)
		if err != nil {
			return err
		}
		out = DevAccounts{Admin: admin, Player: player, Profile: profile}
		return nil
	})
	return out, err
}

func ensureUserTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, email, name, role string) (accountdomain.User, error) {
	var user accountdomain.User
	err := tx.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return user, err
	}
	now := time.Now().UTC()
	user = accountdomain.User{
		ID:        node.Generate(),
		Name:      name,
		Email:     email,
		Mobile:    "0500000000",
		Role:      role,
		IsActive:  role == authorization.RoleAdmin,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.WithContext(ctx).Create(&user).Error; err != nil {
		return user, err
	}
	return user, nil
}

func ensureProfileTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, owner accountdomain.User) (accountdomain.Profile, error) {
	var profile accountdomain.Profile
	err := tx.WithContext(ctx).
		Where("user_id = ? AND type = ?", owner.ID, accountdomain.ProfileTypePlayer).
		First(&profile).Error
	if err == nil {
		return profile, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return profile, err
	}
	now := time.Now().UTC()
	profile = accountdomain.Profile{
		ID:          node.Generate(),
		UserID:      owner.ID,
		Type:        accountdomain.ProfileTypePlayer,
		DisplayName: owner.Name,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := tx.WithContext(ctx).Create(&profile).Error; err != nil {
		return profile, err
	}
	return profile, nil
}
