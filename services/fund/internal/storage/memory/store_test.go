package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/PariazaInteligent/fundcore/services/fund/internal/apperr"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func TestInTxRollsBackOnError(t *testing.T) {
	store := New()
	ctx := context.Background()
	depositID := uuid.New()

	boom := errors.New("boom")
	err := store.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.InsertDeposit(ctx, &storage.Deposit{
			ID:        depositID,
			UserID:    uuid.New(),
			Amount:    decimal.NewFromInt(100),
			Status:    storage.DepositPending,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}
		if _, err := tx.GetDeposit(ctx, depositID); err != nil {
			t.Fatalf("expected deposit visible inside tx: %v", err)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	if _, err := store.GetDeposit(ctx, depositID); !errors.Is(err, apperr.ErrResource) {
		t.Fatalf("expected deposit to be rolled back, got %v", err)
	}
}

func TestInTxCommitsAndAggregates(t *testing.T) {
	store := New()
	ctx := context.Background()
	userID := uuid.New()
	now := time.Now().UTC()

	err := store.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.InsertWithdrawal(ctx, &storage.Withdrawal{
			ID: uuid.New(), UserID: userID, Amount: decimal.NewFromInt(40),
			Status: storage.WithdrawalPending, CreatedAt: now,
		}); err != nil {
			return err
		}
		return tx.InsertWithdrawal(ctx, &storage.Withdrawal{
			ID: uuid.New(), UserID: userID, Amount: decimal.NewFromInt(60),
			Status: storage.WithdrawalPaid, UnitsBurned: decimal.NewFromInt(6),
			ProcessedAt: &now, CreatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	pending, err := store.PendingWithdrawals(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if pending.Count != 1 || !pending.Amount.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("unexpected pending stats: %+v", pending)
	}

	burned, err := store.UnitsBurned(ctx, userID)
	if err != nil {
		t.Fatalf("burned: %v", err)
	}
	if !burned.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("expected 6 units burned, got %s", burned)
	}

	since, err := store.WithdrawnSince(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("withdrawn since: %v", err)
	}
	if !since.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("expected 60 withdrawn, got %s", since)
	}
}

func TestInsertAccountRejectsDuplicateCode(t *testing.T) {
	store := New()
	ctx := context.Background()

	insert := func() error {
		return store.InTx(ctx, func(tx storage.Tx) error {
			return tx.InsertAccount(ctx, &storage.Account{
				ID: uuid.New(), Code: storage.AccountBank, Name: "Bank", Type: storage.AccountTypeAsset,
			})
		})
	}
	if err := insert(); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := insert(); !errors.Is(err, storage.ErrDuplicate) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestInsertEntryRequiresKnownAccounts(t *testing.T) {
	store := New()
	ctx := context.Background()

	err := store.InTx(ctx, func(tx storage.Tx) error {
		return tx.InsertEntry(ctx, &storage.LedgerEntry{
			ID:          uuid.New(),
			Description: "orphan",
			Lines: []storage.LedgerLine{
				{ID: uuid.New(), DebitAccountID: uuid.New(), Amount: decimal.NewFromInt(1)},
			},
		})
	})
	var nf *apperr.NotFoundError
	if !errors.As(err, &nf) || nf.Resource != "account" {
		t.Fatalf("expected account not found, got %v", err)
	}
}
