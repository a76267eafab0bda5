package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/playmaker/internal/account/domain"
	"github.com/smallbiznis/playmaker/internal/clock"
	"github.com/smallbiznis/playmaker/internal/entitlement/domain"
	invoicedomain "github.com/smallbiznis/playmaker/internal/invoice/domain"
	obsmetrics "github.com/smallbiznis/playmaker/internal/observability/metrics"
	"github.com/smallbiznis/playmaker/internal/pricing"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	Accounts   accountdomain.Repository
	Pricing    *pricing.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Granter turns paid invoices into entitlements.
type Granter struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	accounts   accountdomain.Repository
	pricing    *pricing.Service
	obsMetrics *obsmetrics.Metrics
}

func NewGranter(p Params) *Granter {
	return &Granter{
		db:         p.DB,
		log:        p.Log.Named("entitlement.granter"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		accounts:   p.Accounts,
		pricing:    p.Pricing,
		obsMetrics: p.ObsMetrics,
	}
}

// Describe computes the effect of a paid invoice. The grant window starts at
// the invoice's paid_at so describing the same invoice twice is identical.
func (g *Granter) Describe(inv *invoicedomain.Invoice) (domain.Effect, error) {
	if inv == nil {
		return domain.Effect{}, domain.ErrInvoiceNotPaid
	}
	base := g.clock.Now()
	if inv.PaidAt != nil {
		base = inv.PaidAt.UTC()
	}

	effect := domain.Effect{
		InvoiceID: inv.ID,
		UserID:    inv.UserID,
		GrantedAt: base,
	}

	switch inv.Product {
	case invoicedomain.ProductContactsAccess:
		effect.Kind = domain.EffectContactsAccess
		effect.EntitlementType = domain.TypeContactsAccess
		effect.ExpiresAt = base.AddDate(1, 0, 0)
		return effect, nil

	case invoicedomain.ProductListing:
		target, err := profileTarget(inv)
		if err != nil {
			return domain.Effect{}, err
		}
		effect.Kind = domain.EffectListing
		effect.ProfileID = inv.ProfileID
		effect.EntitlementType = domain.ListedType(target)
		effect.ExpiresAt = base.AddDate(1, 0, 0)
		return effect, nil

	case invoicedomain.ProductPromotion:
		target, err := profileTarget(inv)
		if err != nil {
			return domain.Effect{}, err
		}
		days := inv.DurationDays
		if days <= 0 {
			days = g.pricing.DefaultPromotionDays()
		}
		promotionType := strings.TrimSpace(inv.FeatureType)
		if promotionType == "" {
			promotionType = invoicedomain.DefaultFeatureType
		}
		effect.Kind = domain.EffectPromotion
		effect.ProfileID = inv.ProfileID
		effect.EntitlementType = domain.PromotedType(target)
		effect.ExpiresAt = base.AddDate(0, 0, days)
		effect.PromotionType = promotionType
		return effect, nil

	default:
		return domain.Effect{}, domain.ErrUnsupportedProduct
	}
}

// Apply writes the effect with db, which callers pass as their transaction.
func (g *Granter) Apply(ctx context.Context, db *gorm.DB, effect domain.Effect) error {
	now := g.clock.Now()
	item := &domain.Entitlement{
		ID:         g.genID.Generate(),
		UserID:     effect.UserID,
		Type:       effect.EntitlementType,
		ProfileID:  effect.ProfileID,
		ProfileKey: effect.ProfileKey(),
		Active:     true,
		GrantedAt:  effect.GrantedAt,
		ExpiresAt:  effect.ExpiresAt,
		InvoiceID:  effect.InvoiceID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := g.repo.Upsert(ctx, db, item); err != nil {
		return err
	}

	switch effect.Kind {
	case domain.EffectContactsAccess:
		if _, err := g.accounts.ActivateUser(ctx, db, effect.UserID, now); err != nil {
			return err
		}
	case domain.EffectListing:
		owned, err := g.accounts.ApplyListing(ctx, db, effect.ProfileKey(), effect.UserID, effect.ExpiresAt, now)
		if err != nil {
			return err
		}
		if !owned {
			g.warnOwnership(effect)
		}
	case domain.EffectPromotion:
		owned, err := g.accounts.ApplyPromotion(ctx, db, effect.ProfileKey(), effect.UserID, accountdomain.PromotionWindow{
			Type:  effect.PromotionType,
			Start: effect.GrantedAt,
			End:   effect.ExpiresAt,
		}, now)
		if err != nil {
			return err
		}
		if !owned {
			g.warnOwnership(effect)
		}
	default:
		return domain.ErrUnsupportedProduct
	}

	g.obsMetrics.RecordEntitlementGrant(ctx, effect.EntitlementType)
	g.log.Info("entitlement granted",
		zap.String("invoice_id", effect.InvoiceID.String()),
		zap.String("user_id", effect.UserID.String()),
		zap.String("type", effect.EntitlementType),
		zap.Time("expires_at", effect.ExpiresAt),
	)
	return nil
}

// GrantForPaidInvoice describes and applies in one step. The caller guarantees inv is paid.
func (g *Granter) GrantForPaidInvoice(ctx context.Context, db *gorm.DB, inv *invoicedomain.Invoice) error {
	effect, err := g.Describe(inv)
	if err != nil {
		return err
	}
	return g.Apply(ctx, db, effect)
}

func (g *Granter) ListForUser(ctx context.Context, userID snowflake.ID) ([]domain.Entitlement, error) {
	return g.repo.ListByUser(ctx, g.db, userID)
}

// ActiveForUser filters ListForUser down to grants still valid now.
func (g *Granter) ActiveForUser(ctx context.Context, userID snowflake.ID) ([]domain.Entitlement, error) {
	items, err := g.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := g.clock.Now()
	out := make([]domain.Entitlement, 0, len(items))
	for _, item := range items {
		if item.ActiveAt(now) {
			out = append(out, item)
		}
	}
	return out, nil
}

func (g *Granter) warnOwnership(effect domain.Effect) {
	g.log.Warn("profile no longer owned by invoice user, flags skipped",
		zap.String("invoice_id", effect.InvoiceID.String()),
		zap.String("user_id", effect.UserID.String()),
		zap.String("profile_id", effect.ProfileKey().String()),
	)
}

func profileTarget(inv *invoicedomain.Invoice) (string, error) {
	if inv.ProfileID == nil || *inv.ProfileID == 0 {
		return "", domain.ErrMissingProfile
	}
	target := strings.ToLower(strings.TrimSpace(inv.TargetType))
	if target == "" {
		return "", domain.ErrMissingTargetType
	}
	return target, nil
}

