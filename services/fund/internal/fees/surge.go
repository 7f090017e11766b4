package fees

import (
	"github.com/PariazaInteligent/fundcore/services/fund/internal/riskconfig"
	"github.com/shopspring/decimal"
)

var (
	DefaultFixedFeePct = decimal.RequireFromString("1.5")
	SurgeCapPct        = decimal.NewFromInt(25)
)

const (
	ReasonPendingGTE25     = "pending_withdrawals_gte_25"
	ReasonPendingGTE10     = "pending_withdrawals_gte_10"
	ReasonUtilizationGTE60 = "bank_utilization_gte_60_pct"
	ReasonUtilizationGTE40 = "bank_utilization_gte_40_pct"
	ReasonUtilizationGTE25 = "bank_utilization_gte_25_pct"
	ReasonOutflowGTE20     = "outflow_24h_gte_20_pct"
	ReasonOutflowGTE10     = "outflow_24h_gte_10_pct"
	ReasonSystemRisk       = "system_risk_flag"
	ReasonSurgeCapped      = "surge_capped_at_25_pct"
)

type tier struct {
	threshold decimal.Decimal
	pct       decimal.Decimal
	reason    string
}

// Tiers are ordered highest threshold first; only the first match applies.
var (
	pendingTiers = []tier{
		{decimal.NewFromInt(25), decimal.NewFromInt(7), ReasonPendingGTE25},
		{decimal.NewFromInt(10), decimal.NewFromInt(3), ReasonPendingGTE10},
	}
	utilizationTiers = []tier{
		{decimal.RequireFromString("0.60"), decimal.NewFromInt(15), ReasonUtilizationGTE60},
		{decimal.RequireFromString("0.40"), decimal.NewFromInt(10), ReasonUtilizationGTE40},
		{decimal.RequireFromString("0.25"), decimal.NewFromInt(5), ReasonUtilizationGTE25},
	}
	outflowTiers = []tier{
		{decimal.RequireFromString("0.20"), decimal.NewFromInt(10), ReasonOutflowGTE20},
		{decimal.RequireFromString("0.10"), decimal.NewFromInt(5), ReasonOutflowGTE10},
	}
	systemRiskPct = decimal.NewFromInt(5)
)

// Signals are the inputs to surge pricing. Utilization is pending withdrawal
// amount over bank balance; OutflowRatio24h is the last day's approved
// withdrawals over bank balance.
type Signals struct {
	PendingCount    int
	PendingAmount   decimal.Decimal
	BankBalance     decimal.Decimal
	Utilization     decimal.Decimal
	Outflow24h      decimal.Decimal
	OutflowRatio24h decimal.Decimal
	RiskFlag        bool
	Risk            riskconfig.Flags
}

// ComputeSurge returns the surge percentage (0-25) and the reasons that
// contributed, in evaluation order.
func ComputeSurge(s Signals) (decimal.Decimal, []string) {
	surge := decimal.Zero
	reasons := []string{}

	apply := func(value decimal.Decimal, tiers []tier) {
		for _, t := range tiers {
			if value.GreaterThanOrEqual(t.threshold) {
				surge = surge.Add(t.pct)
				reasons = append(reasons, t.reason)
				return
			}
		}
	}

	apply(decimal.NewFromInt(int64(s.PendingCount)), pendingTiers)
	apply(s.Utilization, utilizationTiers)
	apply(s.OutflowRatio24h, outflowTiers)
	if s.RiskFlag {
		surge = surge.Add(systemRiskPct)
		reasons = append(reasons, ReasonSystemRisk)
	}

	// Capped means the cap cut the sum down; a sum of exactly 25 is not capped.
	if surge.GreaterThan(SurgeCapPct) {
		surge = SurgeCapPct
		reasons = append(reasons, ReasonSurgeCapped)
	}
	return surge, reasons
}

type Quote struct {
	AmountRequested decimal.Decimal
	FixedFeePct     decimal.Decimal
	FixedFee        decimal.Decimal
	SurgePct        decimal.Decimal
	SurgeFee        decimal.Decimal
	TotalFee        decimal.Decimal
	NetPayout       decimal.Decimal
	// Capped is set when ReasonSurgeCapped is among Reasons.
	Capped  bool
	Signals Signals
	Reasons []string
}

// BuildQuote prices a withdrawal. Fees are rounded to cents; the net payout
// absorbs the rounding so fee + payout always equals the amount.
func BuildQuote(amount, fixedFeePct decimal.Decimal, s Signals) Quote {
	surgePct, reasons := ComputeSurge(s)
	hundred := decimal.NewFromInt(100)

	fixedFee := amount.Mul(fixedFeePct).Div(hundred).Round(2)
	surgeFee := amount.Mul(surgePct).Div(hundred).Round(2)
	total := fixedFee.Add(surgeFee)

	return Quote{
		AmountRequested: amount,
		FixedFeePct:     fixedFeePct,
		FixedFee:        fixedFee,
		SurgePct:        surgePct,
		SurgeFee:        surgeFee,
		TotalFee:        total,
		NetPayout:       amount.Sub(total),
		Capped:          len(reasons) > 0 && reasons[len(reasons)-1] == ReasonSurgeCapped,
		Signals:         s,
		Reasons:         reasons,
	}
}

// Ratio divides part by whole for signal computation. A non-positive whole
// yields 0 when part is zero and 1 otherwise, so an empty bank reads as fully
// utilised.
func Ratio(part, whole decimal.Decimal) decimal.Decimal {
	if !whole.IsPositive() {
		if part.IsZero() {
			return decimal.Zero
		}
		return decimal.NewFromInt(1)
	}
	return part.DivRound(whole, 8)
}
