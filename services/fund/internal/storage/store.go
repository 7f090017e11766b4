package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrDuplicate is returned when an insert collides with a unique key.
var ErrDuplicate = errors.New("duplicate record")

// Reader is the read side shared by the pool and an open transaction. Lookups
// that find nothing return *apperr.NotFoundError.
type Reader interface {
	GetAccount(ctx context.Context, id uuid.UUID) (*Account, error)
	GetAccountByCode(ctx context.Context, code string) (*Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)

	GetEntry(ctx context.Context, id uuid.UUID) (*LedgerEntry, error)
	FindEntryByReference(ctx context.Context, referenceType string, referenceID uuid.UUID) (*LedgerEntry, error)
	ListEntryTotals(ctx context.Context) ([]EntryTotals, error)
	// SumAccountLines totals the lines posted to accountID; uuid.Nil for userID
	// means every line regardless of user.
	SumAccountLines(ctx context.Context, accountID, userID uuid.UUID) (LineTotals, error)

	GetDeposit(ctx context.Context, id uuid.UUID) (*Deposit, error)
	GetWithdrawal(ctx context.Context, id uuid.UUID) (*Withdrawal, error)
	GetTrade(ctx context.Context, id uuid.UUID) (*Trade, error)
	GetSettlementEvent(ctx context.Context, tradeID uuid.UUID) (*SettlementEvent, error)

	// UnitsIssued and UnitsBurned total approved movements; uuid.Nil means all users.
	UnitsIssued(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error)
	UnitsBurned(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error)
	InvestorActivity(ctx context.Context, userID uuid.UUID) (InvestorActivity, error)

	PendingWithdrawals(ctx context.Context) (PendingWithdrawals, error)
	WithdrawnSince(ctx context.Context, since time.Time) (decimal.Decimal, error)

	PendingStakeBySport(ctx context.Context, sport string) (decimal.Decimal, error)
	PendingStakeByMarket(ctx context.Context, market string) (decimal.Decimal, error)

	ListTierDefinitions(ctx context.Context) ([]TierDefinition, error)
}

// Tx is an open unit of work. Lock* methods hold their row until commit.
type Tx interface {
	Reader

	LockDeposit(ctx context.Context, id uuid.UUID) (*Deposit, error)
	LockWithdrawal(ctx context.Context, id uuid.UUID) (*Withdrawal, error)
	LockTrade(ctx context.Context, id uuid.UUID) (*Trade, error)
	// LockInvestor serialises unit movements for one user.
	LockInvestor(ctx context.Context, userID uuid.UUID) error
	// LockPool serialises writers that read the bank balance or NAV to gate a
	// write. Take it before any row lock.
	LockPool(ctx context.Context) error

	InsertAccount(ctx context.Context, account *Account) error
	RenameAccount(ctx context.Context, code, name string) error
	InsertEntry(ctx context.Context, entry *LedgerEntry) error

	InsertDeposit(ctx context.Context, deposit *Deposit) error
	UpdateDeposit(ctx context.Context, deposit *Deposit) error
	InsertWithdrawal(ctx context.Context, withdrawal *Withdrawal) error
	UpdateWithdrawal(ctx context.Context, withdrawal *Withdrawal) error
	InsertTrade(ctx context.Context, trade *Trade) error
	UpdateTrade(ctx context.Context, trade *Trade) error
	InsertSettlementEvent(ctx context.Context, event *SettlementEvent) error

	UpsertTierDefinition(ctx context.Context, tier TierDefinition) error
}

// Store runs fn inside a transaction that commits only when fn returns nil.
type Store interface {
	Reader
	InTx(ctx context.Context, fn func(tx Tx) error) error
}
