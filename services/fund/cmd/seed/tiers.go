package main

import (
	"github.com/PariazaInteligent/fundcore/services/fund/internal/riskconfig"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/tiers"
	"github.com/shopspring/decimal"
)

func defaultTiers() []tiers.Tier {
	return []tiers.Tier{
		{Code: "bronze", Name: "Bronze", Rank: 0},
		{
			Code: "silver",
			Name: "Silver",
			Rank: 1,
			Conditions: []tiers.Condition{
				tiers.MinNetDeposits(decimal.NewFromInt(5000)),
			},
		},
		{
			Code: "gold",
			Name: "Gold",
			Rank: 2,
			Conditions: []tiers.Condition{
				tiers.MinNetDeposits(decimal.NewFromInt(25000)),
				tiers.MinTenureDays(90),
			},
		},
		{
			Code: "platinum",
			Name: "Platinum",
			Rank: 3,
			Conditions: []tiers.Condition{
				tiers.MinUnits(decimal.NewFromInt(10000)),
				tiers.MinTenureDays(365),
			},
		},
	}
}

// defaultRisk is a clean system-risk state: reconciled, nothing missing,
// no red flags.
func defaultRisk() map[string]string {
	return map[string]string{
		riskconfig.KeyReconciliationStatus:   "ok",
		riskconfig.KeySettlementMissingCount: "0",
		riskconfig.KeyRedFlags:               "0",
	}
}
