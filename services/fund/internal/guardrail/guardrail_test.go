package guardrail

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/PariazaInteligent/fundcore/services/fund/internal/apperr"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/ledger"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/storage"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/storage/memory"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type fakeMetrics struct {
	results map[string]int
}

func (m *fakeMetrics) ObserveGuardrailCheck(check, result string, _ time.Duration) {
	if m.results == nil {
		m.results = map[string]int{}
	}
	m.results[check+":"+result]++
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixture struct {
	guard   *Guard
	store   *memory.Store
	ids     map[string]uuid.UUID
	metrics *fakeMetrics
}

func newFixture(t *testing.T, bank string) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	engine := ledger.NewEngine(store, nil, nil)
	accounts, err := engine.SetupAccounts(ctx, ledger.StandardAccounts())
	if err != nil {
		t.Fatalf("setup accounts: %v", err)
	}
	ids := map[string]uuid.UUID{}
	for _, a := range accounts {
		ids[a.Code] = a.ID
	}
	if bank != "" {
		if _, err := engine.CreateEntry(ctx, ledger.EntryRequest{
			Description: "seed bank",
			Lines: []ledger.Line{
				ledger.Debit(ids[storage.AccountBank], dec(bank)),
				ledger.Credit(ids[storage.AccountInvestorEquity], dec(bank)),
			},
		}); err != nil {
			t.Fatalf("seed bank: %v", err)
		}
	}
	metrics := &fakeMetrics{}
	return &fixture{
		guard:   New(engine, Limits{}, nil, metrics),
		store:   store,
		ids:     ids,
		metrics: metrics,
	}
}

func (f *fixture) addTrade(t *testing.T, sport, market, stake string, status storage.TradeStatus) *storage.Trade {
	t.Helper()
	trade := &storage.Trade{
		ID:           uuid.New(),
		Sport:        sport,
		Event:        "event",
		Market:       market,
		Selection:    "home",
		Odds:         dec("2"),
		Stake:        dec(stake),
		PotentialWin: dec(stake),
		Status:       status,
		CreatedAt:    time.Now().UTC(),
	}
	err := f.store.InTx(context.Background(), func(tx storage.Tx) error {
		return tx.InsertTrade(context.Background(), trade)
	})
	if err != nil {
		t.Fatalf("insert trade: %v", err)
	}
	return trade
}

func TestDefaultLimits(t *testing.T) {
	f := newFixture(t, "")
	limits := f.guard.Limits()
	if !limits.MaxStakePct.Equal(dec("5")) || !limits.SportExposureCap.Equal(dec("50000")) || !limits.MarketExposureCap.Equal(dec("20000")) {
		t.Fatalf("unexpected defaults: %+v", limits)
	}
}

func TestValidateStakeBoundary(t *testing.T) {
	f := newFixture(t, "100000")
	ctx := context.Background()

	if err := f.guard.ValidateStake(ctx, f.store, dec("5000.00")); err != nil {
		t.Fatalf("expected 5%% stake accepted, got %v", err)
	}

	err := f.guard.ValidateStake(ctx, f.store, dec("6000"))
	var tooLarge *apperr.StakeTooLargeError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("expected stake too large, got %v", err)
	}
	if !tooLarge.MaxStake.Equal(dec("5000")) || !tooLarge.BankBalance.Equal(dec("100000")) {
		t.Fatalf("unexpected error detail: %+v", tooLarge)
	}
	if f.metrics.results["stake:reject"] != 1 || f.metrics.results["stake:pass"] != 1 {
		t.Fatalf("unexpected metrics: %v", f.metrics.results)
	}
}

func TestValidateStakeEmptyBank(t *testing.T) {
	f := newFixture(t, "")
	err := f.guard.ValidateStake(context.Background(), f.store, dec("1"))
	if !errors.Is(err, apperr.ErrLimit) {
		t.Fatalf("expected limit error with empty bank, got %v", err)
	}
}

func TestExposureCaps(t *testing.T) {
	f := newFixture(t, "2000000")
	ctx := context.Background()
	f.addTrade(t, "football", "1x2", "45000", storage.TradePending)
	f.addTrade(t, "football", "ou", "4000", storage.TradeSettledWin)

	if err := f.guard.ValidateSportExposure(ctx, f.store, "football", dec("5000")); err != nil {
		t.Fatalf("expected sport exposure at cap accepted, got %v", err)
	}
	err := f.guard.ValidateSportExposure(ctx, f.store, "football", dec("5000.01"))
	var exceeded *apperr.ExposureExceededError
	if !errors.As(err, &exceeded) || exceeded.Scope != apperr.ScopeSport {
		t.Fatalf("expected sport exposure error, got %v", err)
	}
	if !exceeded.Current.Equal(dec("45000")) {
		t.Fatalf("settled trades must not count toward exposure: %+v", exceeded)
	}

	f.addTrade(t, "tennis", "winner", "15000", storage.TradePending)
	err = f.guard.ValidateMarketExposure(ctx, f.store, "winner", dec("6000"))
	if !errors.As(err, &exceeded) || exceeded.Scope != apperr.ScopeMarket {
		t.Fatalf("expected market exposure error, got %v", err)
	}
}

func TestValidateTradeCreationOrder(t *testing.T) {
	f := newFixture(t, "100000")
	ctx := context.Background()

	if err := f.guard.ValidateTradeCreation(ctx, f.store, Proposal{Sport: "football", Market: "1x2", Stake: dec("1000")}); err != nil {
		t.Fatalf("expected valid proposal, got %v", err)
	}

	// Oversized stake on a capped market reports the stake check first.
	f.addTrade(t, "football", "1x2", "19500", storage.TradePending)
	err := f.guard.ValidateTradeCreation(ctx, f.store, Proposal{Sport: "football", Market: "1x2", Stake: dec("6000")})
	var tooLarge *apperr.StakeTooLargeError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("expected stake error first, got %v", err)
	}

	err = f.guard.ValidateTradeCreation(ctx, f.store, Proposal{Sport: "football", Market: "1x2", Stake: dec("1000")})
	var exceeded *apperr.ExposureExceededError
	if !errors.As(err, &exceeded) || exceeded.Scope != apperr.ScopeMarket {
		t.Fatalf("expected market exposure error, got %v", err)
	}

	if err := f.guard.ValidateTradeCreation(ctx, f.store, Proposal{Sport: "", Market: "1x2", Stake: dec("1")}); !errors.Is(err, apperr.ErrInvalid) {
		t.Fatalf("expected invalid proposal, got %v", err)
	}
}

func TestValidateReconciliationFailsFirst(t *testing.T) {
	f := newFixture(t, "100000")
	ctx := context.Background()
	badID := uuid.New()

	err := f.store.InTx(ctx, func(tx storage.Tx) error {
		return tx.InsertEntry(ctx, &storage.LedgerEntry{
			ID:          badID,
			Description: "corrupt",
			CreatedAt:   time.Now().UTC(),
			Lines: []storage.LedgerLine{
				{ID: uuid.New(), EntryID: badID, Position: 1, DebitAccountID: f.ids[storage.AccountBank], Amount: dec("10")},
				{ID: uuid.New(), EntryID: badID, Position: 2, CreditAccountID: f.ids[storage.AccountTradingPNL], Amount: dec("9")},
			},
		})
	})
	if err != nil {
		t.Fatalf("insert corrupt entry: %v", err)
	}

	err = f.guard.ValidateTradeCreation(ctx, f.store, Proposal{Sport: "football", Market: "1x2", Stake: dec("1")})
	var unbalanced *apperr.LedgerUnbalancedError
	if !errors.As(err, &unbalanced) || unbalanced.EntryID != badID {
		t.Fatalf("expected ledger unbalanced for %s, got %v", badID, err)
	}
	if f.metrics.results["stake:pass"] != 0 {
		t.Fatalf("stake check must not run after reconciliation fails")
	}

	if err := f.guard.ValidateWithdrawal(ctx, f.store, dec("1")); !errors.Is(err, apperr.ErrIntegrity) {
		t.Fatalf("expected withdrawal blocked by reconciliation, got %v", err)
	}
}

func TestValidateTradeAmendmentExcludesOldStake(t *testing.T) {
	f := newFixture(t, "1000000")
	ctx := context.Background()
	trade := f.addTrade(t, "football", "1x2", "19000", storage.TradePending)

	if err := f.guard.ValidateTradeAmendment(ctx, f.store, trade, Proposal{Sport: "football", Market: "1x2", Stake: dec("20000")}); err != nil {
		t.Fatalf("expected amendment within cap, got %v", err)
	}

	err := f.guard.ValidateTradeAmendment(ctx, f.store, trade, Proposal{Sport: "football", Market: "ou", Stake: dec("1500")})
	if err != nil {
		t.Fatalf("moving market should count only new market, got %v", err)
	}

	f.addTrade(t, "football", "1x2", "500", storage.TradePending)
	err = f.guard.ValidateTradeAmendment(ctx, f.store, trade, Proposal{Sport: "football", Market: "1x2", Stake: dec("20000")})
	if !errors.Is(err, apperr.ErrLimit) {
		t.Fatalf("expected other pending stake to count, got %v", err)
	}
}

func TestValidateWithdrawalLiquidity(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()

	if err := f.guard.ValidateWithdrawal(ctx, f.store, dec("1000")); err != nil {
		t.Fatalf("expected full liquidity accepted, got %v", err)
	}
	err := f.guard.ValidateWithdrawal(ctx, f.store, dec("1000.01"))
	var liquidity *apperr.InsufficientLiquidityError
	if !errors.As(err, &liquidity) || !liquidity.BankBalance.Equal(dec("1000")) {
		t.Fatalf("expected insufficient liquidity, got %v", err)
	}
}
