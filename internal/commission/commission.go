// Package commission computes broker shares of raw commission amounts and
// aggregates them into report totals.
//
// All arithmetic stays in decimal.Decimal; rounding to cents happens only when
// an amount is rendered for the bank file.
package commission

import (
	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/brokerpay/internal/config"
)

// BrokerShare returns raw * percent. The sign of raw is preserved.
func BrokerShare(raw, percent decimal.Decimal) decimal.Decimal {
	return raw.Mul(percent)
}

// Calculator resolves the effective percent for a line item.
type Calculator struct {
	settings *config.SettlementConfigHolder
}

func NewCalculator(settings *config.SettlementConfigHolder) *Calculator {
	return &Calculator{settings: settings}
}

// EffectivePercent picks override, then the broker percent, then the configured default.
func (c *Calculator) EffectivePercent(brokerPercent, override decimal.NullDecimal) decimal.Decimal {
	if override.Valid {
		return override.Decimal
	}
	if brokerPercent.Valid {
		return brokerPercent.Decimal
	}
	return c.settings.Get().DefaultPercent
}

// ShareFor computes the broker commission of one line item.
func (c *Calculator) ShareFor(raw decimal.Decimal, brokerPercent, override decimal.NullDecimal) decimal.Decimal {
	return BrokerShare(raw, c.EffectivePercent(brokerPercent, override))
}

// RecomputeTotal sums already-computed broker commissions. Overrides are
// respected because raw amounts are never re-derived here.
func RecomputeTotal(commissions []decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, c := range commissions {
		total = total.Add(c)
	}
	return total
}

// ReportAmount is one report's contribution to a broker's settlement.
type ReportAmount struct {
	BrokerID snowflake.ID
	Total    decimal.Decimal
}

// NetPayable sums report totals per broker. Debit adjustments reduce the net.
func NetPayable(reports []ReportAmount) map[snowflake.ID]decimal.Decimal {
	out := make(map[snowflake.ID]decimal.Decimal, len(reports))
	for _, r := range reports {
		out[r.BrokerID] = out[r.BrokerID].Add(r.Total)
	}
	return out
}
