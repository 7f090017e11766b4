package tiers

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindMinNetDeposits Kind = "min_net_deposits"
	KindMinUnits       Kind = "min_units"
	KindMinTenureDays  Kind = "min_tenure_days"
)

// Condition is one qualifying rule of a tier. Amount is used by the amount
// kinds and Days by min_tenure_days; the other field stays zero.
type Condition struct {
	Kind   Kind
	Amount decimal.Decimal
	Days   int
}

func MinNetDeposits(amount decimal.Decimal) Condition {
	return Condition{Kind: KindMinNetDeposits, Amount: amount}
}

func MinUnits(amount decimal.Decimal) Condition {
	return Condition{Kind: KindMinUnits, Amount: amount}
}

func MinTenureDays(days int) Condition {
	return Condition{Kind: KindMinTenureDays, Days: days}
}

type wireCondition struct {
	Type   Kind             `json:"type"`
	Amount *decimal.Decimal `json:"amount,omitempty"`
	Days   *int             `json:"days,omitempty"`
}

func (c Condition) MarshalJSON() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	w := wireCondition{Type: c.Kind}
	switch c.Kind {
	case KindMinTenureDays:
		days := c.Days
		w.Days = &days
	default:
		amount := c.Amount
		w.Amount = &amount
	}
	return json.Marshal(w)
}

func (c *Condition) UnmarshalJSON(data []byte) error {
	var w wireCondition
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode tier condition: %w", err)
	}

	parsed := Condition{Kind: w.Type}
	switch w.Type {
	case KindMinNetDeposits, KindMinUnits:
		if w.Amount == nil {
			return fmt.Errorf("tier condition %s: amount is required", w.Type)
		}
		if w.Days != nil {
			return fmt.Errorf("tier condition %s: days is not allowed", w.Type)
		}
		parsed.Amount = *w.Amount
	case KindMinTenureDays:
		if w.Days == nil {
			return fmt.Errorf("tier condition %s: days is required", w.Type)
		}
		if w.Amount != nil {
			return fmt.Errorf("tier condition %s: amount is not allowed", w.Type)
		}
		parsed.Days = *w.Days
	}
	if err := parsed.Validate(); err != nil {
		return err
	}
	*c = parsed
	return nil
}

func (c Condition) Validate() error {
	switch c.Kind {
	case KindMinNetDeposits, KindMinUnits:
		if c.Amount.IsNegative() {
			return fmt.Errorf("tier condition %s: amount must not be negative, got %s", c.Kind, c.Amount)
		}
	case KindMinTenureDays:
		if c.Days < 0 {
			return fmt.Errorf("tier condition %s: days must not be negative, got %d", c.Kind, c.Days)
		}
	default:
		return fmt.Errorf("unknown tier condition type %q", c.Kind)
	}
	return nil
}

// Profile is what conditions are evaluated against.
type Profile struct {
	NetDeposits decimal.Decimal
	Units       decimal.Decimal
	TenureDays  int
}

func (c Condition) Holds(p Profile) bool {
	switch c.Kind {
	case KindMinNetDeposits:
		return p.NetDeposits.GreaterThanOrEqual(c.Amount)
	case KindMinUnits:
		return p.Units.GreaterThanOrEqual(c.Amount)
	case KindMinTenureDays:
		return p.TenureDays >= c.Days
	}
	return false
}

// ParseConditions decodes a stored condition list. An empty blob is an empty
// list, which every investor satisfies.
func ParseConditions(raw []byte) ([]Condition, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var conditions []Condition
	if err := json.Unmarshal(raw, &conditions); err != nil {
		return nil, err
	}
	return conditions, nil
}
