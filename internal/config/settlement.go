package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// SettlementConfig centralizes the fallback values used by commission
// calculation and ACH encoding.
type SettlementConfig struct {
	// DefaultPercent is a 0-1 fraction applied when a broker has no percent of its own.
	DefaultPercent     decimal.Decimal
	DefaultAccountType string
	// ReferenceTemplate accepts {YYYY} {MM} {DD} tokens.
	ReferenceTemplate string
}

type settlementFile struct {
	DefaultPercent     string `mapstructure:"defaultPercent"`
	DefaultAccountType string `mapstructure:"defaultAccountType"`
	ReferenceTemplate  string `mapstructure:"referenceTemplate"`
}

func DefaultSettlementConfig() SettlementConfig {
	return SettlementConfig{
		DefaultPercent:     decimal.RequireFromString("0.5"),
		DefaultAccountType: "04",
		ReferenceTemplate:  "PAGO COMISIONES {YYYY}{MM}{DD}",
	}
}

type SettlementConfigHolder struct {
	current atomic.Value // holds SettlementConfig
}

// NewStaticSettlementConfigHolder returns a holder that never reloads.
func NewStaticSettlementConfigHolder(cfg SettlementConfig) *SettlementConfigHolder {
	holder := &SettlementConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewSettlementConfigHolder() (*SettlementConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("settlement")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/brokerpay")
	v.AddConfigPath(".")

	v.SetEnvPrefix("BROKERPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultSettlementConfig()
	v.SetDefault("settlement.defaultPercent", defaults.DefaultPercent.String())
	v.SetDefault("settlement.defaultAccountType", defaults.DefaultAccountType)
	v.SetDefault("settlement.referenceTemplate", defaults.ReferenceTemplate)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg, err := decodeSettlementConfig(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticSettlementConfigHolder(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeSettlementConfig(v)
		if err != nil {
			log.Printf("[settlement-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[settlement-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *SettlementConfigHolder) Get() SettlementConfig {
	if h == nil {
		return DefaultSettlementConfig()
	}
	return h.current.Load().(SettlementConfig)
}

func decodeSettlementConfig(v *viper.Viper) (SettlementConfig, error) {
	var raw settlementFile
	if err := v.UnmarshalKey("settlement", &raw); err != nil {
		return SettlementConfig{}, err
	}

	percent, err := decimal.NewFromString(strings.TrimSpace(raw.DefaultPercent))
	if err != nil {
		return SettlementConfig{}, fmt.Errorf("settlement.defaultPercent: %w", err)
	}
	cfg := SettlementConfig{
		DefaultPercent:     percent,
		DefaultAccountType: strings.TrimSpace(raw.DefaultAccountType),
		ReferenceTemplate:  strings.TrimSpace(raw.ReferenceTemplate),
	}
	if err := ValidateSettlementConfig(cfg); err != nil {
		return SettlementConfig{}, err
	}
	return cfg, nil
}

func ValidateSettlementConfig(cfg SettlementConfig) error {
	if cfg.DefaultPercent.IsNegative() || cfg.DefaultPercent.GreaterThan(decimal.NewFromInt(1)) {
		return errors.New("settlement.defaultPercent must be within [0, 1]")
	}
	if cfg.DefaultAccountType != "03" && cfg.DefaultAccountType != "04" {
		return errors.New("settlement.defaultAccountType must be 03 or 04")
	}
	return nil
}
