package config

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestValidateSettlementConfig(t *testing.T) {
	assert.NoError(t, ValidateSettlementConfig(DefaultSettlementConfig()))

	cfg := DefaultSettlementConfig()
	cfg.DefaultPercent = decimal.RequireFromString("1.5")
	assert.Error(t, ValidateSettlementConfig(cfg))

	cfg = DefaultSettlementConfig()
	cfg.DefaultAccountType = "05"
	assert.Error(t, ValidateSettlementConfig(cfg))
}

func TestSettlementConfigHolder(t *testing.T) {
	var nilHolder *SettlementConfigHolder
	assert.Equal(t, "04", nilHolder.Get().DefaultAccountType)

	cfg := DefaultSettlementConfig()
	cfg.ReferenceTemplate = "AJUSTES"
	holder := NewStaticSettlementConfigHolder(cfg)
	assert.Equal(t, "AJUSTES", holder.Get().ReferenceTemplate)
	assert.True(t, holder.Get().DefaultPercent.Equal(decimal.RequireFromString("0.5")))
}
