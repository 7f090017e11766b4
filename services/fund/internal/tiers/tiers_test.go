package tiers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/PariazaInteligent/fundcore/services/fund/internal/apperr"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/audit"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/storage"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/storage/memory"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type recordingSink struct {
	records []audit.Record
}

func (s *recordingSink) Record(_ context.Context, rec audit.Record) {
	s.records = append(s.records, rec)
}

func TestParseConditions(t *testing.T) {
	conditions, err := ParseConditions([]byte(`[
		{"type":"min_net_deposits","amount":"1000.50"},
		{"type":"min_units","amount":25},
		{"type":"min_tenure_days","days":30}
	]`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(conditions) != 3 {
		t.Fatalf("expected 3 conditions, got %d", len(conditions))
	}
	if conditions[0].Kind != KindMinNetDeposits || !conditions[0].Amount.Equal(dec("1000.50")) {
		t.Fatalf("unexpected first condition: %+v", conditions[0])
	}
	if conditions[1].Kind != KindMinUnits || !conditions[1].Amount.Equal(dec("25")) {
		t.Fatalf("unexpected second condition: %+v", conditions[1])
	}
	if conditions[2].Kind != KindMinTenureDays || conditions[2].Days != 30 {
		t.Fatalf("unexpected third condition: %+v", conditions[2])
	}

	empty, err := ParseConditions(nil)
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty list, got %v %v", empty, err)
	}
}

func TestParseConditionsRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"unknown kind":    `[{"type":"vip_flag","amount":1}]`,
		"missing amount":  `[{"type":"min_units"}]`,
		"missing days":    `[{"type":"min_tenure_days"}]`,
		"negative amount": `[{"type":"min_net_deposits","amount":"-1"}]`,
		"negative days":   `[{"type":"min_tenure_days","days":-3}]`,
		"mixed payload":   `[{"type":"min_tenure_days","days":3,"amount":1}]`,
		"not a list":      `{"type":"min_units","amount":1}`,
	}
	for name, raw := range cases {
		if _, err := ParseConditions([]byte(raw)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestConditionJSONRoundTrip(t *testing.T) {
	raw, err := json.Marshal([]Condition{MinNetDeposits(dec("500")), MinTenureDays(7)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `[{"type":"min_net_deposits","amount":"500"},{"type":"min_tenure_days","days":7}]` {
		t.Fatalf("unexpected encoding: %s", raw)
	}
	if _, err := json.Marshal(Condition{Kind: "bogus"}); err == nil {
		t.Fatalf("expected unknown kind to fail encoding")
	}
}

type fixture struct {
	svc   *Service
	store *memory.Store
	sink  *recordingSink
	now   time.Time
}

func newFixture(t *testing.T, ttl time.Duration) *fixture {
	t.Helper()
	store := memory.New()
	sink := &recordingSink{}
	svc := NewService(store, ttl, sink, nil, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	f := &fixture{svc: svc, store: store, sink: sink, now: now}

	ctx := context.Background()
	for _, tier := range []Tier{
		{Code: "bronze", Name: "Bronze", Rank: 0},
		{Code: "silver", Name: "Silver", Rank: 1, Conditions: []Condition{MinNetDeposits(dec("1000"))}},
		{Code: "gold", Name: "Gold", Rank: 2, Conditions: []Condition{MinNetDeposits(dec("10000")), MinTenureDays(30)}},
	} {
		if err := svc.SaveTier(ctx, tier, uuid.Nil); err != nil {
			t.Fatalf("save %s: %v", tier.Code, err)
		}
	}
	return f
}

func (f *fixture) approvedDeposit(t *testing.T, userID uuid.UUID, amount string, age time.Duration) {
	t.Helper()
	processed := f.now.Add(-age)
	err := f.store.InTx(context.Background(), func(tx storage.Tx) error {
		return tx.InsertDeposit(context.Background(), &storage.Deposit{
			ID:          uuid.New(),
			UserID:      userID,
			Amount:      dec(amount),
			Status:      storage.DepositApproved,
			UnitsIssued: dec(amount).Div(dec("10")),
			NAVAtIssue:  dec("10"),
			ProcessedAt: &processed,
			CreatedAt:   processed,
		})
	})
	if err != nil {
		t.Fatalf("insert deposit: %v", err)
	}
}

func TestEvaluatePicksHighestQualifyingTier(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	newcomer := uuid.New()
	eval, err := f.svc.Evaluate(ctx, newcomer)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if eval.Tier == nil || eval.Tier.Code != "bronze" {
		t.Fatalf("expected bronze for newcomer, got %+v", eval.Tier)
	}

	recent := uuid.New()
	f.approvedDeposit(t, recent, "20000", 5*24*time.Hour)
	eval, err = f.svc.Evaluate(ctx, recent)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if eval.Tier.Code != "silver" || eval.Profile.TenureDays != 5 {
		t.Fatalf("expected silver with 5 days tenure, got %s %+v", eval.Tier.Code, eval.Profile)
	}

	veteran := uuid.New()
	f.approvedDeposit(t, veteran, "8000", 90*24*time.Hour)
	f.approvedDeposit(t, veteran, "2000", 24*time.Hour)
	eval, err = f.svc.Evaluate(ctx, veteran)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if eval.Tier.Code != "gold" || !eval.Profile.NetDeposits.Equal(dec("10000")) || !eval.Profile.Units.Equal(dec("1000")) {
		t.Fatalf("expected gold, got %s %+v", eval.Tier.Code, eval.Profile)
	}
}

func TestSaveTierInvalidatesCache(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	tiers, err := f.svc.ListTiers(ctx)
	if err != nil || len(tiers) != 3 {
		t.Fatalf("expected 3 tiers, got %d %v", len(tiers), err)
	}

	// A write that bypasses SaveTier is invisible until the TTL lapses.
	err = f.store.InTx(ctx, func(tx storage.Tx) error {
		return tx.UpsertTierDefinition(ctx, storage.TierDefinition{Code: "hidden", Name: "Hidden", Rank: 9, Conditions: []byte(`[]`)})
	})
	if err != nil {
		t.Fatalf("raw upsert: %v", err)
	}
	tiers, _ = f.svc.ListTiers(ctx)
	if len(tiers) != 3 {
		t.Fatalf("expected cached list, got %d tiers", len(tiers))
	}

	if err := f.svc.SaveTier(ctx, Tier{Code: "platinum", Name: "Platinum", Rank: 3, Conditions: []Condition{MinUnits(dec("5000"))}}, uuid.New()); err != nil {
		t.Fatalf("save: %v", err)
	}
	tiers, _ = f.svc.ListTiers(ctx)
	if len(tiers) != 5 || tiers[len(tiers)-1].Code != "hidden" || tiers[3].Code != "platinum" {
		t.Fatalf("expected refreshed list ordered by rank, got %+v", tiers)
	}

	last := f.sink.records[len(f.sink.records)-1]
	if last.Action != audit.ActionTierSaved || last.ResourceID != "platinum" {
		t.Fatalf("unexpected audit record: %+v", last)
	}
}

func TestSaveTierValidates(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	cases := []Tier{
		{Code: "", Name: "x", Rank: 1},
		{Code: "x", Name: "", Rank: 1},
		{Code: "x", Name: "x", Rank: -1},
		{Code: "x", Name: "x", Rank: 5, Conditions: []Condition{{Kind: "bogus"}}},
	}
	for i, tier := range cases {
		if err := f.svc.SaveTier(ctx, tier, uuid.Nil); !errors.Is(err, apperr.ErrInvalid) {
			t.Fatalf("case %d: expected invalid, got %v", i, err)
		}
	}

	if err := f.svc.SaveTier(ctx, Tier{Code: "dup", Name: "Dup", Rank: 1}, uuid.Nil); err == nil {
		t.Fatalf("expected rank collision to fail")
	}
}

func TestLoadFailsOnCorruptConditions(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	err := f.store.InTx(ctx, func(tx storage.Tx) error {
		return tx.UpsertTierDefinition(ctx, storage.TierDefinition{Code: "broken", Name: "Broken", Rank: 7, Conditions: []byte(`[{"type":"min_units"}]`)})
	})
	if err != nil {
		t.Fatalf("raw upsert: %v", err)
	}
	if _, err := f.svc.Evaluate(ctx, uuid.New()); err == nil {
		t.Fatalf("expected corrupt tier conditions to surface")
	}
}
