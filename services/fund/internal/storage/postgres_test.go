package storage_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/PariazaInteligent/fundcore/services/fund/internal/apperr"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/guardrail"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/riskconfig"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/service"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/settlement"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/storage"
	"github.com/PariazaInteligent/fundcore/services/testutil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

func setupFund(t *testing.T) (*service.Fund, *pgxpool.Pool) {
	t.Helper()
	return setupFundWith(t, service.Options{})
}

func setupFundWith(t *testing.T, opts service.Options) (*service.Fund, *pgxpool.Pool) {
	t.Helper()
	if os.Getenv("RUN_DB_INTEGRATION") == "" {
		t.Skip("set RUN_DB_INTEGRATION=1 to run")
	}
	if err := storage.Migrate(testutil.DSN()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	pool, err := testutil.SetupTestDB()
	if err != nil {
		t.Skipf("db connection failed: %v", err)
	}
	ctx := context.Background()
	if err := testutil.CleanupTestData(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("cleanup: %v", err)
	}
	t.Cleanup(func() {
		_ = testutil.CleanupTestData(context.Background(), pool)
		pool.Close()
	})

	fund := service.NewFund(storage.NewPostgresStore(pool, nil), riskconfig.Static{}, nil, nil, opts, nil, nil)
	if err := fund.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return fund, pool
}

func TestPostgresDepositTradeWithdrawal(t *testing.T) {
	fund, _ := setupFund(t)
	ctx := context.Background()
	investor := uuid.New()
	admin := uuid.New()

	deposit, err := fund.Units.RequestDeposit(ctx, investor, decimal.NewFromInt(500))
	if err != nil {
		t.Fatalf("request deposit: %v", err)
	}
	issued, err := fund.Units.IssueUnits(ctx, deposit.ID, admin)
	if err != nil {
		t.Fatalf("issue units: %v", err)
	}
	if issued.UnitsIssued.StringFixed(6) != "50.000000" {
		t.Fatalf("expected 50.000000 units, got %s", issued.UnitsIssued.StringFixed(6))
	}
	if _, err := fund.Units.IssueUnits(ctx, deposit.ID, admin); !errors.Is(err, apperr.ErrState) {
		t.Fatalf("expected already processed, got %v", err)
	}

	trade, err := fund.Settlement.CreateTrade(ctx, settlement.TradeRequest{
		Sport: "football", Event: "Derby", Market: "1x2", Selection: "Home",
		Odds: decimal.RequireFromString("3.0"), Stake: decimal.NewFromInt(25),
	})
	if err != nil {
		t.Fatalf("create trade: %v", err)
	}
	if _, err := fund.Settlement.SettleTrade(ctx, settlement.SettleRequest{TradeID: trade.ID, Result: storage.ResultLoss, ProviderEventID: "p-1"}); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if _, err := fund.Settlement.SettleTrade(ctx, settlement.SettleRequest{TradeID: trade.ID, Result: storage.ResultWin, ProviderEventID: "p-2"}); !errors.Is(err, apperr.ErrState) {
		t.Fatalf("expected already settled, got %v", err)
	}

	nav, err := fund.Units.CalculateNAV(ctx)
	if err != nil {
		t.Fatalf("nav: %v", err)
	}
	if !nav.NAV.Equal(decimal.RequireFromString("9.5")) {
		t.Fatalf("expected nav 9.5 after loss, got %s", nav.NAV)
	}

	withdrawal, err := fund.Units.RequestWithdrawal(ctx, investor, decimal.NewFromInt(95))
	if err != nil {
		t.Fatalf("request withdrawal: %v", err)
	}
	approval, err := fund.Units.ApproveWithdrawal(ctx, withdrawal.ID, admin)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if !approval.Burn.Units.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected 10 units burned, got %s", approval.Burn.Units)
	}

	report, err := fund.Ledger.VerifyIntegrity(ctx)
	if err != nil || !report.Balanced {
		t.Fatalf("ledger unbalanced: %+v %v", report, err)
	}
}

func TestPostgresConcurrentIssueAppliesOnce(t *testing.T) {
	fund, _ := setupFund(t)
	ctx := context.Background()

	deposit, err := fund.Units.RequestDeposit(ctx, uuid.New(), decimal.NewFromInt(1000))
	if err != nil {
		t.Fatalf("request deposit: %v", err)
	}

	var wg sync.WaitGroup
	results := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := fund.Units.IssueUnits(ctx, deposit.ID, uuid.New())
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, apperr.ErrState):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one issue, got %d", succeeded)
	}

	outstanding, err := fund.Store.UnitsIssued(ctx, uuid.Nil)
	if err != nil {
		t.Fatalf("units issued: %v", err)
	}
	if !outstanding.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected 100 units, got %s", outstanding)
	}
}

func TestPostgresTierRankIsUnique(t *testing.T) {
	fund, _ := setupFund(t)
	ctx := context.Background()
	now := time.Now().UTC()

	err := fund.Store.InTx(ctx, func(tx storage.Tx) error {
		return tx.UpsertTierDefinition(ctx, storage.TierDefinition{Code: "silver", Name: "Silver", Rank: 1, Conditions: []byte(`[]`), UpdatedAt: now})
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	err = fund.Store.InTx(ctx, func(tx storage.Tx) error {
		return tx.UpsertTierDefinition(ctx, storage.TierDefinition{Code: "gold", Name: "Gold", Rank: 1, Conditions: []byte(`[]`), UpdatedAt: now})
	})
	if !errors.Is(err, storage.ErrDuplicate) {
		t.Fatalf("expected duplicate rank, got %v", err)
	}

	defs, err := fund.Store.ListTierDefinitions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(defs) != 1 || defs[0].Code != "silver" {
		t.Fatalf("unexpected tiers: %+v", defs)
	}
}

func TestPostgresConcurrentTradesRespectSportCap(t *testing.T) {
	fund, _ := setupFundWith(t, service.Options{Limits: guardrail.Limits{
		MaxStakePct:       decimal.NewFromInt(10),
		SportExposureCap:  decimal.NewFromInt(100),
		MarketExposureCap: decimal.NewFromInt(1000),
	}})
	ctx := context.Background()

	deposit, err := fund.Units.RequestDeposit(ctx, uuid.New(), decimal.NewFromInt(1000))
	if err != nil {
		t.Fatalf("request deposit: %v", err)
	}
	if _, err := fund.Units.IssueUnits(ctx, deposit.ID, uuid.New()); err != nil {
		t.Fatalf("issue: %v", err)
	}

	var wg sync.WaitGroup
	results := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := fund.Settlement.CreateTrade(ctx, settlement.TradeRequest{
				Sport: "football", Event: "Derby", Market: uuid.NewString(), Selection: "Home",
				Odds: decimal.RequireFromString("2.0"), Stake: decimal.NewFromInt(60),
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	created := 0
	for err := range results {
		switch {
		case err == nil:
			created++
		case errors.Is(err, apperr.ErrLimit):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if created != 1 {
		t.Fatalf("expected one trade under the sport cap, got %d", created)
	}
	exposure, err := fund.Store.PendingStakeBySport(ctx, "football")
	if err != nil {
		t.Fatalf("exposure: %v", err)
	}
	if !exposure.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("expected exposure 60, got %s", exposure)
	}
}

func TestPostgresConcurrentApprovalsAndSettlementStayConsistent(t *testing.T) {
	fund, _ := setupFund(t)
	ctx := context.Background()
	admin := uuid.New()
	investors := []uuid.UUID{uuid.New(), uuid.New()}

	for _, investor := range investors {
		deposit, err := fund.Units.RequestDeposit(ctx, investor, decimal.NewFromInt(500))
		if err != nil {
			t.Fatalf("request deposit: %v", err)
		}
		if _, err := fund.Units.IssueUnits(ctx, deposit.ID, admin); err != nil {
			t.Fatalf("issue: %v", err)
		}
	}
	trade, err := fund.Settlement.CreateTrade(ctx, settlement.TradeRequest{
		Sport: "football", Event: "Derby", Market: "1x2", Selection: "Home",
		Odds: decimal.RequireFromString("2.0"), Stake: decimal.NewFromInt(50),
	})
	if err != nil {
		t.Fatalf("create trade: %v", err)
	}
	var withdrawals []uuid.UUID
	for _, investor := range investors {
		w, err := fund.Units.RequestWithdrawal(ctx, investor, decimal.NewFromInt(300))
		if err != nil {
			t.Fatalf("request withdrawal: %v", err)
		}
		withdrawals = append(withdrawals, w.ID)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for _, id := range withdrawals {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			_, err := fund.Units.ApproveWithdrawal(ctx, id, admin)
			errs <- err
		}(id)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := fund.Settlement.SettleTrade(ctx, settlement.SettleRequest{TradeID: trade.ID, Result: storage.ResultLoss, ProviderEventID: "p-race"})
		errs <- err
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent money move failed: %v", err)
		}
	}

	paid := decimal.Zero
	for _, id := range withdrawals {
		w, err := fund.Store.GetWithdrawal(ctx, id)
		if err != nil {
			t.Fatalf("get withdrawal: %v", err)
		}
		paid = paid.Add(w.NetPayout)
		if !w.UnitsBurned.Equal(w.Amount.DivRound(w.NAVAtBurn, 6)) {
			t.Fatalf("burn %s does not match amount %s at nav %s", w.UnitsBurned, w.Amount, w.NAVAtBurn)
		}
	}
	bank, err := fund.Ledger.BalanceByCode(ctx, fund.Store, storage.AccountBank, uuid.Nil)
	if err != nil {
		t.Fatalf("bank: %v", err)
	}
	want := decimal.NewFromInt(950).Sub(paid)
	if !bank.Balance.Equal(want) || bank.Balance.IsNegative() {
		t.Fatalf("expected bank %s, got %s", want, bank.Balance)
	}
	report, err := fund.Ledger.VerifyIntegrity(ctx)
	if err != nil || !report.Balanced {
		t.Fatalf("ledger unbalanced: %+v %v", report, err)
	}
}
