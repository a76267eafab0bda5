package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	TargetPlayer = "player"
	TargetCoach  = "coach"
)

// PricingConfig is the price table keyed by product and target type.
// Amounts are decimal strings in the configured currency.
type PricingConfig struct {
	Currency             string            `mapstructure:"currency"`
	ContactsAccess       string            `mapstructure:"contacts_access"`
	Listing              map[string]string `mapstructure:"listing"`
	PromotionPerDay      map[string]string `mapstructure:"promotion_per_day"`
	PromotionYear        map[string]string `mapstructure:"promotion_year"`
	PromotionDefaultDays int               `mapstructure:"promotion_default_days"`
	PromotionMaxDays     int               `mapstructure:"promotion_max_days"`
}

func DefaultPricingConfig() PricingConfig {
	return PricingConfig{
		Currency:       "SAR",
		ContactsAccess: "190",
		Listing: map[string]string{
			TargetPlayer: "150",
			TargetCoach:  "250",
		},
		PromotionPerDay: map[string]string{
			TargetPlayer: "5",
			TargetCoach:  "8",
		},
		PromotionYear: map[string]string{
			TargetPlayer: "1500",
			TargetCoach:  "2400",
		},
		PromotionDefaultDays: 30,
		PromotionMaxDays:     365,
	}
}

type PricingHolder struct {
	current atomic.Value // holds PricingConfig
}

// NewStaticPricing returns a holder that never reloads.
func NewStaticPricing(cfg PricingConfig) (*PricingHolder, error) {
	if err := validatePricingConfig(cfg); err != nil {
		return nil, err
	}
	holder := &PricingHolder{}
	holder.current.Store(cfg)
	return holder, nil
}

func NewPricingHolder(log *zap.Logger) (*PricingHolder, error) {
	log = log.Named("config.pricing")
	v := viper.New()

	v.SetConfigName("pricing")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/playmaker")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.SetEnvPrefix("PLAYMAKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPricingConfig()
	v.SetDefault("pricing.currency", defaults.Currency)
	v.SetDefault("pricing.contacts_access", defaults.ContactsAccess)
	for _, target := range []string{TargetPlayer, TargetCoach} {
		v.SetDefault("pricing.listing."+target, defaults.Listing[target])
		v.SetDefault("pricing.promotion_per_day."+target, defaults.PromotionPerDay[target])
		v.SetDefault("pricing.promotion_year."+target, defaults.PromotionYear[target])
	}
	v.SetDefault("pricing.promotion_default_days", defaults.PromotionDefaultDays)
	v.SetDefault("pricing.promotion_max_days", defaults.PromotionMaxDays)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		log.Info("pricing file not found, using defaults")
	}

	var cfg PricingConfig
	if err := v.UnmarshalKey("pricing", &cfg); err != nil {
		return nil, err
	}
	if err := validatePricingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &PricingHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PricingConfig
		if err := v.UnmarshalKey("pricing", &updated); err != nil {
			log.Warn("pricing reload failed", zap.Error(err))
			return
		}
		if err := validatePricingConfig(updated); err != nil {
			log.Warn("invalid pricing ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("pricing reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *PricingHolder) Get() PricingConfig {
	return h.current.Load().(PricingConfig)
}

func validatePricingConfig(cfg PricingConfig) error {
	if strings.TrimSpace(cfg.Currency) == "" {
		return errors.New("pricing.currency cannot be empty")
	}
	if err := validateAmount("pricing.contacts_access", cfg.ContactsAccess, true); err != nil {
		return err
	}
	for _, target := range []string{TargetPlayer, TargetCoach} {
		if err := validateAmount("pricing.listing."+target, cfg.Listing[target], true); err != nil {
			return err
		}
		if err := validateAmount("pricing.promotion_per_day."+target, cfg.PromotionPerDay[target], true); err != nil {
			return err
		}
		if err := validateAmount("pricing.promotion_year."+target, cfg.PromotionYear[target], false); err != nil {
			return err
		}
	}
	if cfg.PromotionDefaultDays <= 0 {
		return errors.New("pricing.promotion_default_days must be positive")
	}
	if cfg.PromotionMaxDays < cfg.PromotionDefaultDays {
		return errors.New("pricing.promotion_max_days must be >= promotion_default_days")
	}
	return nil
}

func validateAmount(key, raw string, required bool) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if required {
			return fmt.Errorf("%s is required", key)
		}
		return nil
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if amount.IsNegative() {
		return fmt.Errorf("%s cannot be negative", key)
	}
	return nil
}
