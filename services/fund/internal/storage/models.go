package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type AccountType string

const (
	AccountTypeAsset     AccountType = "ASSET"
	AccountTypeLiability AccountType = "LIABILITY"
	AccountTypeEquity    AccountType = "EQUITY"
	AccountTypeRevenue   AccountType = "REVENUE"
	AccountTypeExpense   AccountType = "EXPENSE"
)

func (t AccountType) Valid() bool {
	switch t {
	case AccountTypeAsset, AccountTypeLiability, AccountTypeEquity, AccountTypeRevenue, AccountTypeExpense:
		return true
	}
	return false
}

// DebitNormal reports whether debits increase the balance of this account type.
func (t AccountType) DebitNormal() bool {
	return t == AccountTypeAsset || t == AccountTypeExpense
}

// Decimal places the schema stores for each kind of value. Values with more
// places would be rounded on insert, so callers reject them up front.
const (
	MoneyScale int32 = 2
	LineScale  int32 = 6
	OddsScale  int32 = 4
)

// FitsScale reports whether d can be stored with places decimal places
// without rounding.
func FitsScale(d decimal.Decimal, places int32) bool {
	return d.Equal(d.Truncate(places))
}

const (
	AccountBank           = "BANK_EUR"
	AccountInvestorEquity = "INVESTOR_EQUITY"
	AccountTradingPNL     = "TRADING_PNL"
	AccountFeeIncome      = "FEE_INCOME"
)

const (
	ReferenceDeposit    = "deposit"
	ReferenceWithdrawal = "withdrawal"
	ReferenceTrade      = "trade"
	ReferenceReversal   = "reversal"
)

type Account struct {
	ID        uuid.UUID
	Code      string
	Name      string
	Type      AccountType
	System    bool
	CreatedAt time.Time
}

type LedgerEntry struct {
	ID            uuid.UUID
	Description   string
	ReferenceType string
	ReferenceID   uuid.UUID
	CreatedBy     uuid.UUID
	CreatedAt     time.Time
	Lines         []LedgerLine
}

// LedgerLine carries exactly one of DebitAccountID or CreditAccountID.
type LedgerLine struct {
	ID              uuid.UUID
	EntryID         uuid.UUID
	Position        int
	DebitAccountID  uuid.UUID
	CreditAccountID uuid.UUID
	Amount          decimal.Decimal
	UserID          uuid.UUID
	Description     string
}

func (l LedgerLine) IsDebit() bool {
	return l.DebitAccountID != uuid.Nil
}

func (l LedgerLine) AccountID() uuid.UUID {
	if l.IsDebit() {
		return l.DebitAccountID
	}
	return l.CreditAccountID
}

type LineTotals struct {
	Debits  decimal.Decimal
	Credits decimal.Decimal
}

type EntryTotals struct {
	EntryID   uuid.UUID
	Debits    decimal.Decimal
	Credits   decimal.Decimal
	LineCount int
}

type DepositStatus string

const (
	DepositPending  DepositStatus = "PENDING"
	DepositApproved DepositStatus = "APPROVED"
	DepositRejected DepositStatus = "REJECTED"
)

type Deposit struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	Amount        decimal.Decimal
	Status        DepositStatus
	UnitsIssued   decimal.Decimal
	NAVAtIssue    decimal.Decimal
	LedgerEntryID uuid.UUID
	ProcessedBy   uuid.UUID
	ProcessedAt   *time.Time
	CreatedAt     time.Time
}

type WithdrawalStatus string

const (
	WithdrawalPending  WithdrawalStatus = "PENDING"
	WithdrawalApproved WithdrawalStatus = "APPROVED"
	WithdrawalRejected WithdrawalStatus = "REJECTED"
	WithdrawalPaid     WithdrawalStatus = "PAID"
)

type Withdrawal struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	Amount        decimal.Decimal
	Status        WithdrawalStatus
	UnitsBurned   decimal.Decimal
	NAVAtBurn     decimal.Decimal
	FeeAmount     decimal.Decimal
	NetPayout     decimal.Decimal
	LedgerEntryID uuid.UUID
	ProcessedBy   uuid.UUID
	ProcessedAt   *time.Time
	PaidAt        *time.Time
	CreatedAt     time.Time
}

type TradeStatus string

const (
	TradePending     TradeStatus = "PENDING"
	TradeSettledWin  TradeStatus = "SETTLED_WIN"
	TradeSettledLoss TradeStatus = "SETTLED_LOSS"
	TradeSettledVoid TradeStatus = "SETTLED_VOID"
)

type SettlementResult string

const (
	ResultWin  SettlementResult = "WIN"
	ResultLoss SettlementResult = "LOSS"
	ResultVoid SettlementResult = "VOID"
)

func (r SettlementResult) Valid() bool {
	return r == ResultWin || r == ResultLoss || r == ResultVoid
}

func (r SettlementResult) TradeStatus() TradeStatus {
	switch r {
	case ResultWin:
		return TradeSettledWin
	case ResultLoss:
		return TradeSettledLoss
	default:
		return TradeSettledVoid
	}
}

type Trade struct {
	ID                uuid.UUID
	Sport             string
	Event             string
	Market            string
	Selection         string
	Odds              decimal.Decimal
	Stake             decimal.Decimal
	PotentialWin      decimal.Decimal
	Status            TradeStatus
	ResultAmount      decimal.Decimal
	SettlementEventID uuid.UUID
	LedgerEntryID     uuid.UUID
	CreatedBy         uuid.UUID
	SettledBy         uuid.UUID
	SettledAt         *time.Time
	CreatedAt         time.Time
}

type SettlementEvent struct {
	ID              uuid.UUID
	TradeID         uuid.UUID
	ProviderEventID string
	ProviderOdds    decimal.Decimal
	Result          SettlementResult
	SettledBy       uuid.UUID
	CreatedAt       time.Time
}

type PendingWithdrawals struct {
	Count  int
	Amount decimal.Decimal
}

// InvestorActivity aggregates a user's approved deposit and withdrawal history.
type InvestorActivity struct {
	Deposited        decimal.Decimal
	Withdrawn        decimal.Decimal
	UnitsIssued      decimal.Decimal
	UnitsBurned      decimal.Decimal
	FirstDepositedAt *time.Time
}

type TierDefinition struct {
	Code       string
	Name       string
	Rank       int
	Conditions []byte
	UpdatedAt  time.Time
}
