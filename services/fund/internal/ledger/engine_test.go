package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/PariazaInteligent/fundcore/services/fund/internal/apperr"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/storage"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/storage/memory"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type fakeMetrics struct {
	entries    map[string]int
	integrity  int
	unbalanced int
}

func (m *fakeMetrics) IncLedgerEntry(referenceType, status string) {
	if m.entries == nil {
		m.entries = map[string]int{}
	}
	m.entries[referenceType+":"+status]++
}

func (m *fakeMetrics) IncIntegrityCheck(balanced bool) {
	m.integrity++
	if !balanced {
		m.unbalanced++
	}
}

func setup(t *testing.T) (*Engine, *memory.Store, map[string]uuid.UUID) {
	t.Helper()
	store := memory.New()
	engine := NewEngine(store, nil, &fakeMetrics{})
	accounts, err := engine.SetupAccounts(context.Background(), StandardAccounts())
	if err != nil {
		t.Fatalf("setup accounts: %v", err)
	}
	ids := make(map[string]uuid.UUID, len(accounts))
	for _, acct := range accounts {
		ids[acct.Code] = acct.ID
	}
	return engine, store, ids
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCreateEntryBalanced(t *testing.T) {
	engine, _, ids := setup(t)
	ctx := context.Background()
	userID := uuid.New()

	entry, err := engine.CreateEntry(ctx, EntryRequest{
		Description:   "Deposit",
		ReferenceType: storage.ReferenceDeposit,
		ReferenceID:   uuid.New(),
		Lines: []Line{
			Debit(ids[storage.AccountBank], dec("500.00")),
			Credit(ids[storage.AccountInvestorEquity], dec("500.00")).ForUser(userID),
		},
	})
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}
	if len(entry.Lines) != 2 || entry.Lines[0].Position != 1 {
		t.Fatalf("unexpected lines: %+v", entry.Lines)
	}

	bank, err := engine.GetAccountBalance(ctx, ids[storage.AccountBank], uuid.Nil)
	if err != nil {
		t.Fatalf("bank balance: %v", err)
	}
	if !bank.Balance.Equal(dec("500")) || !bank.TotalDebits.Equal(dec("500")) {
		t.Fatalf("unexpected bank balance: %+v", bank)
	}

	equity, err := engine.GetAccountBalance(ctx, ids[storage.AccountInvestorEquity], userID)
	if err != nil {
		t.Fatalf("equity balance: %v", err)
	}
	if !equity.Balance.Equal(dec("500")) {
		t.Fatalf("expected credit-normal equity of 500, got %s", equity.Balance)
	}

	other, err := engine.GetAccountBalance(ctx, ids[storage.AccountInvestorEquity], uuid.New())
	if err != nil {
		t.Fatalf("other balance: %v", err)
	}
	if !other.Balance.IsZero() {
		t.Fatalf("expected zero for unrelated user, got %s", other.Balance)
	}
}

func TestCreateEntryRejectsUnbalanced(t *testing.T) {
	engine, store, ids := setup(t)
	ctx := context.Background()

	_, err := engine.CreateEntry(ctx, EntryRequest{
		Description: "broken",
		Lines: []Line{
			Debit(ids[storage.AccountBank], dec("100.00")),
			Credit(ids[storage.AccountTradingPNL], dec("99.99")),
		},
	})
	var unbalanced *apperr.UnbalancedEntryError
	if !errors.As(err, &unbalanced) {
		t.Fatalf("expected unbalanced entry error, got %v", err)
	}
	if !unbalanced.Debits.Equal(dec("100")) || !unbalanced.Credits.Equal(dec("99.99")) {
		t.Fatalf("unexpected totals: %+v", unbalanced)
	}
	if !errors.Is(err, apperr.ErrIntegrity) {
		t.Fatalf("expected integrity class")
	}

	totals, _ := store.ListEntryTotals(ctx)
	if len(totals) != 0 {
		t.Fatalf("expected nothing persisted, got %d entries", len(totals))
	}
}

func TestCreateEntryValidatesLines(t *testing.T) {
	engine, _, ids := setup(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		lines []Line
		class error
	}{
		{
			name: "both sides",
			lines: []Line{
				{DebitAccountID: ids[storage.AccountBank], CreditAccountID: ids[storage.AccountTradingPNL], Amount: dec("1")},
				Credit(ids[storage.AccountTradingPNL], dec("1")),
			},
			class: apperr.ErrInvalid,
		},
		{
			name: "zero amount",
			lines: []Line{
				Debit(ids[storage.AccountBank], decimal.Zero),
				Credit(ids[storage.AccountTradingPNL], decimal.Zero),
			},
			class: apperr.ErrInvalid,
		},
		{
			name: "unknown account",
			lines: []Line{
				Debit(uuid.New(), dec("1")),
				Credit(ids[storage.AccountTradingPNL], dec("1")),
			},
			class: apperr.ErrResource,
		},
		{
			name:  "single line",
			lines: []Line{Debit(ids[storage.AccountBank], dec("1"))},
			class: apperr.ErrInvalid,
		},
	}

	for _, tc := range cases {
		_, err := engine.CreateEntry(ctx, EntryRequest{Description: tc.name, Lines: tc.lines})
		if !errors.Is(err, tc.class) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.class, err)
		}
	}
}

func TestReversalRestoresBalances(t *testing.T) {
	engine, _, ids := setup(t)
	ctx := context.Background()
	userID := uuid.New()

	if _, err := engine.CreateEntry(ctx, EntryRequest{
		Description: "seed",
		Lines: []Line{
			Debit(ids[storage.AccountBank], dec("1000")),
			Credit(ids[storage.AccountInvestorEquity], dec("1000")).ForUser(userID),
		},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	before := map[string]decimal.Decimal{}
	for code, id := range ids {
		b, err := engine.GetAccountBalance(ctx, id, uuid.Nil)
		if err != nil {
			t.Fatalf("balance %s: %v", code, err)
		}
		before[code] = b.Balance
	}

	original, err := engine.CreateEntry(ctx, EntryRequest{
		Description: "Trade win",
		Lines: []Line{
			Debit(ids[storage.AccountBank], dec("250.50")),
			Credit(ids[storage.AccountTradingPNL], dec("200.50")),
			Credit(ids[storage.AccountFeeIncome], dec("50.00")),
		},
	})
	if err != nil {
		t.Fatalf("original: %v", err)
	}

	reversal, err := engine.CreateReversal(ctx, original.ID, "wrong result", uuid.New())
	if err != nil {
		t.Fatalf("reversal: %v", err)
	}
	if reversal.Description != "Reversal: Trade win - wrong result" {
		t.Fatalf("unexpected description: %q", reversal.Description)
	}
	if reversal.ReferenceType != storage.ReferenceReversal || reversal.ReferenceID != original.ID {
		t.Fatalf("unexpected reference: %s %s", reversal.ReferenceType, reversal.ReferenceID)
	}
	for i, line := range reversal.Lines {
		if line.DebitAccountID != original.Lines[i].CreditAccountID || line.CreditAccountID != original.Lines[i].DebitAccountID {
			t.Fatalf("line %d not swapped", i)
		}
	}

	for code, id := range ids {
		b, err := engine.GetAccountBalance(ctx, id, uuid.Nil)
		if err != nil {
			t.Fatalf("balance %s: %v", code, err)
		}
		if !b.Balance.Equal(before[code]) {
			t.Fatalf("%s: expected %s after reversal, got %s", code, before[code], b.Balance)
		}
	}

	report, err := engine.VerifyIntegrity(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.Balanced || report.TotalEntries != 3 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestReversalOnlyOnce(t *testing.T) {
	engine, _, ids := setup(t)
	ctx := context.Background()

	original, err := engine.CreateEntry(ctx, EntryRequest{
		Description: "once",
		Lines: []Line{
			Debit(ids[storage.AccountBank], dec("10")),
			Credit(ids[storage.AccountTradingPNL], dec("10")),
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := engine.CreateReversal(ctx, original.ID, "first", uuid.Nil); err != nil {
		t.Fatalf("first reversal: %v", err)
	}
	_, err = engine.CreateReversal(ctx, original.ID, "second", uuid.Nil)
	if !errors.Is(err, apperr.ErrState) {
		t.Fatalf("expected state error on second reversal, got %v", err)
	}
}

func TestReversalMissingEntry(t *testing.T) {
	engine, _, _ := setup(t)
	_, err := engine.CreateReversal(context.Background(), uuid.New(), "typo", uuid.Nil)
	var nf *apperr.NotFoundError
	if !errors.As(err, &nf) || nf.Resource != "ledger entry" {
		t.Fatalf("expected ledger entry not found, got %v", err)
	}
}

func TestVerifyIntegrityReportsUnbalancedEntry(t *testing.T) {
	engine, store, ids := setup(t)
	ctx := context.Background()
	badID := uuid.New()

	err := store.InTx(ctx, func(tx storage.Tx) error {
		return tx.InsertEntry(ctx, &storage.LedgerEntry{
			ID:          badID,
			Description: "imported",
			CreatedAt:   time.Now().UTC(),
			Lines: []storage.LedgerLine{
				{ID: uuid.New(), EntryID: badID, Position: 1, DebitAccountID: ids[storage.AccountBank], Amount: dec("5")},
				{ID: uuid.New(), EntryID: badID, Position: 2, CreditAccountID: ids[storage.AccountTradingPNL], Amount: dec("4")},
			},
		})
	})
	if err != nil {
		t.Fatalf("insert raw entry: %v", err)
	}

	report, err := engine.VerifyIntegrity(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Balanced {
		t.Fatalf("expected unbalanced report")
	}
	if len(report.Mismatches) != 1 || report.Mismatches[0].EntryID != badID {
		t.Fatalf("unexpected mismatches: %+v", report.Mismatches)
	}
	if len(report.Errors) != 1 {
		t.Fatalf("expected one error message, got %v", report.Errors)
	}
	metrics := engine.metrics.(*fakeMetrics)
	if metrics.unbalanced != 1 {
		t.Fatalf("expected unbalanced metric")
	}
}

func TestSetupAccountsIdempotent(t *testing.T) {
	engine, store, ids := setup(t)
	ctx := context.Background()

	again, err := engine.SetupAccounts(ctx, StandardAccounts())
	if err != nil {
		t.Fatalf("second setup: %v", err)
	}
	for _, acct := range again {
		if ids[acct.Code] != acct.ID {
			t.Fatalf("account %s recreated", acct.Code)
		}
	}

	_, err = engine.SetupAccounts(ctx, []AccountSpec{{Code: storage.AccountBank, Name: "Bank", Type: storage.AccountTypeLiability}})
	if !errors.Is(err, apperr.ErrInvalid) {
		t.Fatalf("expected type mismatch error, got %v", err)
	}

	if err := engine.RenameAccount(ctx, storage.AccountBank, "Main Bank EUR"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	acct, _ := store.GetAccountByCode(ctx, storage.AccountBank)
	if acct.Name != "Main Bank EUR" || acct.Type != storage.AccountTypeAsset {
		t.Fatalf("unexpected account after rename: %+v", acct)
	}
}

func TestCreateEntryRejectsAmountsFinerThanStored(t *testing.T) {
	engine, store, ids := setup(t)
	ctx := context.Background()

	_, err := engine.CreateEntry(ctx, EntryRequest{
		Description: "sub-micro split",
		Lines: []Line{
			Debit(ids[storage.AccountBank], dec("1.0000005")),
			Credit(ids[storage.AccountInvestorEquity], dec("0.50000025")),
			Credit(ids[storage.AccountInvestorEquity], dec("0.50000025")),
		},
	})
	if !errors.Is(err, apperr.ErrInvalid) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
	totals, err := store.ListEntryTotals(ctx)
	if err != nil {
		t.Fatalf("list totals: %v", err)
	}
	if len(totals) != 0 {
		t.Fatalf("rejected entry must not be stored, got %d", len(totals))
	}

	if _, err := engine.CreateEntry(ctx, EntryRequest{
		Description: "six places",
		Lines: []Line{
			Debit(ids[storage.AccountBank], dec("1.000002")),
			Credit(ids[storage.AccountInvestorEquity], dec("0.500001")),
			Credit(ids[storage.AccountInvestorEquity], dec("0.500001000")),
		},
	}); err != nil {
		t.Fatalf("six decimal places must be accepted: %v", err)
	}
}
