// Package pricing turns a product request into an amount using the live price table.
package pricing

import (
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/playmaker/internal/config"
	invoicedomain "github.com/smallbiznis/playmaker/internal/invoice/domain"
	"go.uber.org/fx"
)

const (
	daysPerYear = 365
)

var Module = fx.Module("pricing",
	fx.Provide(NewService),
)

// Quote is a priced product request.
type Quote struct {
	Product      invoicedomain.Product `json:"product"`
	TargetType   string                `json:"target_type,omitempty"`
	Amount       decimal.Decimal       `json:"amount"`
	Currency     string                `json:"currency"`
	DurationDays int                   `json:"duration_days"`
	Annual       bool                  `json:"annual,omitempty"`
}

type Service struct {
	table *config.PricingHolder
}

func NewService(table *config.PricingHolder) *Service {
	return &Service{table: table}
}

// DefaultPromotionDays is the duration used whenever a promotion request omits one.
func (s *Service) DefaultPromotionDays() int {
	return s.table.Get().PromotionDefaultDays
}

// Quote prices one unit of product for the target type. durationDays only
// applies to promotions; nil means the table default.
func (s *Service) Quote(product invoicedomain.Product, targetType string, durationDays *int) (Quote, error) {
	table := s.table.Get()
	quote := Quote{
		Product:  product,
		Currency: strings.ToUpper(table.Currency),
	}

	switch product {
	case invoicedomain.ProductContactsAccess:
		quote.Amount = mustAmount(table.ContactsAccess)
		quote.DurationDays = daysPerYear
		return quote, nil
	case invoicedomain.ProductListing:
		target, err := normalizeTarget(targetType)
		if err != nil {
			return Quote{}, err
		}
		quote.TargetType = target
		quote.Amount = mustAmount(table.Listing[target])
		quote.DurationDays = daysPerYear
		return quote, nil
	case invoicedomain.ProductPromotion:
		target, err := normalizeTarget(targetType)
		if err != nil {
			return Quote{}, err
		}
		days := table.PromotionDefaultDays
		if durationDays != nil {
			days = *durationDays
		}
		if days <= 0 || days > table.PromotionMaxDays {
			return Quote{}, invoicedomain.ErrInvalidDuration
		}
		quote.TargetType = target

		annual := strings.TrimSpace(table.PromotionYear[target])
		if days >= daysPerYear && annual != "" {
			quote.Amount = mustAmount(annual)
			quote.DurationDays = daysPerYear
			quote.Annual = true
			return quote, nil
		}
		perDay := mustAmount(table.PromotionPerDay[target])
		quote.Amount = perDay.Mul(decimal.NewFromInt(int64(days)))
		quote.DurationDays = days
		return quote, nil
	default:
		return Quote{}, invoicedomain.ErrInvalidProduct
	}
}

func normalizeTarget(targetType string) (string, error) {
	target := strings.ToLower(strings.TrimSpace(targetType))
	switch target {
	case config.TargetPlayer, config.TargetCoach:
		return target, nil
	default:
		return "", invoicedomain.ErrInvalidTargetType
	}
}

// mustAmount parses a table amount. The table is validated on load, so a
// parse failure here yields zero rather than a panic.
func mustAmount(raw string) decimal.Decimal {
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero
	}
	return amount
}
