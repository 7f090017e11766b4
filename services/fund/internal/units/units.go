package units

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/PariazaInteligent/fundcore/libs/trace"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/apperr"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/audit"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/fees"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/ledger"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const Scale = 6

var InitialNAV = decimal.NewFromInt(10)

// burnTolerance absorbs the last-digit rounding of amount/NAV when an
// investor withdraws their whole position.
var burnTolerance = decimal.New(1, -Scale)

type Ledger interface {
	CreateEntryTx(ctx context.Context, tx storage.Tx, req ledger.EntryRequest) (*storage.LedgerEntry, error)
	BalanceByCode(ctx context.Context, r storage.Reader, code string, userID uuid.UUID) (ledger.Balance, error)
}

type WithdrawalGuard interface {
	ValidateWithdrawal(ctx context.Context, r storage.Reader, amount decimal.Decimal) error
}

type FeeCalculator interface {
	CalculateWithdrawalFees(ctx context.Context, r storage.Reader, amount decimal.Decimal) (*fees.Quote, error)
}

type Metrics interface {
	IncUnitsOperation(operation, status string)
	SetNAV(nav float64)
}

type Engine struct {
	store   storage.Store
	ledger  Ledger
	guard   WithdrawalGuard
	fees    FeeCalculator
	audit   audit.Sink
	logger  *slog.Logger
	metrics Metrics
	now     func() time.Time
}

func NewEngine(store storage.Store, ledger Ledger, guard WithdrawalGuard, fees FeeCalculator, sink audit.Sink, logger *slog.Logger, metrics Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Engine{
		store:   store,
		ledger:  ledger,
		guard:   guard,
		fees:    fees,
		audit:   sink,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type NAVSnapshot struct {
	NAV              decimal.Decimal
	BankBalance      decimal.Decimal
	UnitsOutstanding decimal.Decimal
}

func (e *Engine) CalculateNAV(ctx context.Context) (NAVSnapshot, error) {
	return e.NAVOf(ctx, e.store)
}

// NAVOf prices one unit as bank balance over units outstanding. A
// non-positive bank is an error even when no units exist yet.
func (e *Engine) NAVOf(ctx context.Context, r storage.Reader) (NAVSnapshot, error) {
	bank, outstanding, err := e.pool(ctx, r)
	if err != nil {
		return NAVSnapshot{}, err
	}
	if !bank.IsPositive() {
		return NAVSnapshot{}, &apperr.NoFundsError{BankBalance: bank}
	}

	snap := NAVSnapshot{NAV: InitialNAV, BankBalance: bank, UnitsOutstanding: outstanding}
	if outstanding.IsPositive() {
		snap.NAV = bank.DivRound(outstanding, Scale)
	}
	if e.metrics != nil {
		e.metrics.SetNAV(snap.NAV.InexactFloat64())
	}
	return snap, nil
}

func (e *Engine) pool(ctx context.Context, r storage.Reader) (decimal.Decimal, decimal.Decimal, error) {
	bank, err := e.ledger.BalanceByCode(ctx, r, storage.AccountBank, uuid.Nil)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("bank balance: %w", err)
	}
	issued, err := r.UnitsIssued(ctx, uuid.Nil)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("units issued: %w", err)
	}
	burned, err := r.UnitsBurned(ctx, uuid.Nil)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("units burned: %w", err)
	}
	return bank.Balance, issued.Sub(burned), nil
}

// issueNAV is the price for new units. With nothing outstanding there is no
// pool to value, so the fund opens at InitialNAV; otherwise NAVOf applies.
func (e *Engine) issueNAV(ctx context.Context, r storage.Reader) (NAVSnapshot, error) {
	bank, outstanding, err := e.pool(ctx, r)
	if err != nil {
		return NAVSnapshot{}, err
	}
	if outstanding.IsZero() {
		return NAVSnapshot{NAV: InitialNAV, BankBalance: bank, UnitsOutstanding: outstanding}, nil
	}
	return e.NAVOf(ctx, r)
}

func (e *Engine) RequestDeposit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (*storage.Deposit, error) {
	if userID == uuid.Nil {
		return nil, apperr.Invalid("user_id", "required")
	}
	if err := validateAmount(amount); err != nil {
		return nil, err
	}

	deposit := &storage.Deposit{
		ID:        uuid.New(),
		UserID:    userID,
		Amount:    amount,
		Status:    storage.DepositPending,
		CreatedAt: e.now(),
	}
	err := e.store.InTx(ctx, func(tx storage.Tx) error {
		return tx.InsertDeposit(ctx, deposit)
	})
	if err != nil {
		e.observe("request_deposit", err)
		return nil, err
	}
	e.observe("request_deposit", nil)
	e.record(ctx, userID, audit.ActionDepositRequested, audit.ResourceDeposit, deposit.ID, map[string]string{
		"amount": amount.String(),
	})
	return deposit, nil
}

// IssueUnits approves a pending deposit: it prices units at the current NAV,
// posts the deposit to the ledger and records the issuance in one
// transaction.
func (e *Engine) IssueUnits(ctx context.Context, depositID, adminID uuid.UUID) (deposit *storage.Deposit, err error) {
	ctx, span := trace.Start(ctx, "units.IssueUnits")
	defer func() { trace.End(span, err) }()

	err = e.store.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.LockPool(ctx); err != nil {
			return fmt.Errorf("lock pool: %w", err)
		}
		d, err := tx.LockDeposit(ctx, depositID)
		if err != nil {
			return err
		}
		if d.Status != storage.DepositPending {
			return &apperr.AlreadyProcessedError{Resource: "deposit", ID: d.ID, Status: string(d.Status)}
		}

		nav, err := e.issueNAV(ctx, tx)
		if err != nil {
			return err
		}
		units := d.Amount.DivRound(nav.NAV, Scale)
		if !units.IsPositive() {
			return apperr.Invalid("amount", fmt.Sprintf("deposit %s is too small to issue units at NAV %s", d.Amount, nav.NAV))
		}

		bank, err := tx.GetAccountByCode(ctx, storage.AccountBank)
		if err != nil {
			return err
		}
		equity, err := tx.GetAccountByCode(ctx, storage.AccountInvestorEquity)
		if err != nil {
			return err
		}
		entry, err := e.ledger.CreateEntryTx(ctx, tx, ledger.EntryRequest{
			Description:   fmt.Sprintf("Deposit %s approved", d.ID),
			ReferenceType: storage.ReferenceDeposit,
			ReferenceID:   d.ID,
			CreatedBy:     adminID,
			Lines: []ledger.Line{
				ledger.Debit(bank.ID, d.Amount),
				ledger.Credit(equity.ID, d.Amount).ForUser(d.UserID),
			},
		})
		if err != nil {
			return err
		}

		processedAt := e.now()
		d.Status = storage.DepositApproved
		d.UnitsIssued = units
		d.NAVAtIssue = nav.NAV
		d.LedgerEntryID = entry.ID
		d.ProcessedBy = adminID
		d.ProcessedAt = &processedAt
		if err := tx.UpdateDeposit(ctx, d); err != nil {
			return err
		}
		deposit = d
		return nil
	})
	if err != nil {
		e.observe("issue", err)
		return nil, err
	}

	e.observe("issue", nil)
	e.logger.Info("units issued",
		"deposit_id", deposit.ID,
		"user_id", deposit.UserID,
		"units", deposit.UnitsIssued.String(),
		"nav", deposit.NAVAtIssue.String(),
	)
	e.record(ctx, adminID, audit.ActionDepositApproved, audit.ResourceDeposit, deposit.ID, map[string]string{
		"user_id":         deposit.UserID.String(),
		"amount":          deposit.Amount.String(),
		"units_issued":    deposit.UnitsIssued.StringFixed(Scale),
		"nav":             deposit.NAVAtIssue.StringFixed(Scale),
		"ledger_entry_id": deposit.LedgerEntryID.String(),
	})
	return deposit, nil
}

func (e *Engine) RejectDeposit(ctx context.Context, depositID, adminID uuid.UUID, reason string) (*storage.Deposit, error) {
	var deposit *storage.Deposit
	err := e.store.InTx(ctx, func(tx storage.Tx) error {
		d, err := tx.LockDeposit(ctx, depositID)
		if err != nil {
			return err
		}
		if d.Status != storage.DepositPending {
			return &apperr.AlreadyProcessedError{Resource: "deposit", ID: d.ID, Status: string(d.Status)}
		}
		processedAt := e.now()
		d.Status = storage.DepositRejected
		d.ProcessedBy = adminID
		d.ProcessedAt = &processedAt
		if err := tx.UpdateDeposit(ctx, d); err != nil {
			return err
		}
		deposit = d
		return nil
	})
	if err != nil {
		e.observe("reject_deposit", err)
		return nil, err
	}
	e.observe("reject_deposit", nil)
	e.record(ctx, adminID, audit.ActionDepositRejected, audit.ResourceDeposit, deposit.ID, map[string]string{"reason": reason})
	return deposit, nil
}

type BurnQuote struct {
	Units     decimal.Decimal
	NAV       decimal.Decimal
	Available decimal.Decimal
}

// BurnUnits prices a withdrawal of amount in units and checks it against the
// user's holdings. It must run inside the transaction that records the burn;
// the investor lock is held until that transaction ends.
func (e *Engine) BurnUnits(ctx context.Context, tx storage.Tx, userID uuid.UUID, amount decimal.Decimal) (BurnQuote, error) {
	if !amount.IsPositive() {
		return BurnQuote{}, apperr.Invalid("amount", fmt.Sprintf("must be positive, got %s", amount))
	}
	if err := tx.LockInvestor(ctx, userID); err != nil {
		return BurnQuote{}, fmt.Errorf("lock investor: %w", err)
	}

	nav, err := e.NAVOf(ctx, tx)
	if err != nil {
		return BurnQuote{}, err
	}
	available, err := availableUnits(ctx, tx, userID)
	if err != nil {
		return BurnQuote{}, err
	}

	units := amount.DivRound(nav.NAV, Scale)
	if units.GreaterThan(available) {
		if units.Sub(available).GreaterThan(burnTolerance) || !available.IsPositive() {
			return BurnQuote{}, &apperr.InsufficientUnitsError{UserID: userID, Requested: units, Available: available}
		}
		units = available
	}
	return BurnQuote{Units: units, NAV: nav.NAV, Available: available}, nil
}

// validateAmount rejects deposit and withdrawal amounts the store would have
// to round.
func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return apperr.Invalid("amount", fmt.Sprintf("must be positive, got %s", amount))
	}
	if !storage.FitsScale(amount, storage.MoneyScale) {
		return apperr.Invalid("amount", fmt.Sprintf("%s has more than %d decimal places", amount, storage.MoneyScale))
	}
	return nil
}

func availableUnits(ctx context.Context, r storage.Reader, userID uuid.UUID) (decimal.Decimal, error) {
	issued, err := r.UnitsIssued(ctx, userID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("units issued: %w", err)
	}
	burned, err := r.UnitsBurned(ctx, userID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("units burned: %w", err)
	}
	return issued.Sub(burned), nil
}

// RequestWithdrawal records a pending withdrawal after checking the user
// currently holds enough units to cover it. Approval checks again.
func (e *Engine) RequestWithdrawal(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (*storage.Withdrawal, error) {
	if userID == uuid.Nil {
		return nil, apperr.Invalid("user_id", "required")
	}
	if err := validateAmount(amount); err != nil {
		return nil, err
	}

	withdrawal := &storage.Withdrawal{
		ID:        uuid.New(),
		UserID:    userID,
		Amount:    amount,
		Status:    storage.WithdrawalPending,
		CreatedAt: e.now(),
	}
	err := e.store.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.LockPool(ctx); err != nil {
			return fmt.Errorf("lock pool: %w", err)
		}
		if _, err := e.BurnUnits(ctx, tx, userID, amount); err != nil {
			return err
		}
		return tx.InsertWithdrawal(ctx, withdrawal)
	})
	if err != nil {
		e.observe("request_withdrawal", err)
		return nil, err
	}
	e.observe("request_withdrawal", nil)
	e.record(ctx, userID, audit.ActionWithdrawalRequested, audit.ResourceWithdrawal, withdrawal.ID, map[string]string{
		"amount": amount.String(),
	})
	return withdrawal, nil
}

type Approval struct {
	Withdrawal *storage.Withdrawal
	Quote      *fees.Quote
	Burn       BurnQuote
}

// ApproveWithdrawal prices the fee, burns units and posts the payout in one
// transaction. The investor's equity drops by the full amount; the bank pays
// out the net and the fee stays in the fund as fee income.
func (e *Engine) ApproveWithdrawal(ctx context.Context, withdrawalID, adminID uuid.UUID) (approval *Approval, err error) {
	ctx, span := trace.Start(ctx, "units.ApproveWithdrawal")
	defer func() { trace.End(span, err) }()

	err = e.store.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.LockPool(ctx); err != nil {
			return fmt.Errorf("lock pool: %w", err)
		}
		w, err := tx.LockWithdrawal(ctx, withdrawalID)
		if err != nil {
			return err
		}
		if w.Status != storage.WithdrawalPending {
			return &apperr.AlreadyProcessedError{Resource: "withdrawal", ID: w.ID, Status: string(w.Status)}
		}

		if err := e.guard.ValidateWithdrawal(ctx, tx, w.Amount); err != nil {
			return err
		}
		quote, err := e.fees.CalculateWithdrawalFees(ctx, tx, w.Amount)
		if err != nil {
			return err
		}
		burn, err := e.BurnUnits(ctx, tx, w.UserID, w.Amount)
		if err != nil {
			return err
		}

		accounts, err := accountIDs(ctx, tx, storage.AccountBank, storage.AccountInvestorEquity, storage.AccountFeeIncome)
		if err != nil {
			return err
		}
		lines := []ledger.Line{
			ledger.Debit(accounts[storage.AccountInvestorEquity], w.Amount).ForUser(w.UserID),
			ledger.Credit(accounts[storage.AccountBank], quote.NetPayout).WithDescription("net payout"),
		}
		if quote.TotalFee.IsPositive() {
			lines = append(lines, ledger.Credit(accounts[storage.AccountFeeIncome], quote.TotalFee).WithDescription("withdrawal fee"))
		}
		entry, err := e.ledger.CreateEntryTx(ctx, tx, ledger.EntryRequest{
			Description:   fmt.Sprintf("Withdrawal %s approved", w.ID),
			ReferenceType: storage.ReferenceWithdrawal,
			ReferenceID:   w.ID,
			CreatedBy:     adminID,
			Lines:         lines,
		})
		if err != nil {
			return err
		}

		processedAt := e.now()
		w.Status = storage.WithdrawalApproved
		w.UnitsBurned = burn.Units
		w.NAVAtBurn = burn.NAV
		w.FeeAmount = quote.TotalFee
		w.NetPayout = quote.NetPayout
		w.LedgerEntryID = entry.ID
		w.ProcessedBy = adminID
		w.ProcessedAt = &processedAt
		if err := tx.UpdateWithdrawal(ctx, w); err != nil {
			return err
		}
		approval = &Approval{Withdrawal: w, Quote: quote, Burn: burn}
		return nil
	})
	if err != nil {
		e.observe("approve_withdrawal", err)
		return nil, err
	}

	w := approval.Withdrawal
	e.observe("approve_withdrawal", nil)
	e.logger.Info("withdrawal approved",
		"withdrawal_id", w.ID,
		"user_id", w.UserID,
		"units_burned", w.UnitsBurned.String(),
		"fee", w.FeeAmount.String(),
		"surge_pct", approval.Quote.SurgePct.String(),
	)
	e.record(ctx, adminID, audit.ActionWithdrawalApproved, audit.ResourceWithdrawal, w.ID, map[string]string{
		"user_id":         w.UserID.String(),
		"amount":          w.Amount.String(),
		"units_burned":    w.UnitsBurned.StringFixed(Scale),
		"nav":             w.NAVAtBurn.StringFixed(Scale),
		"fee":             w.FeeAmount.StringFixed(2),
		"net_payout":      w.NetPayout.StringFixed(2),
		"surge_pct":       approval.Quote.SurgePct.String(),
		"ledger_entry_id": w.LedgerEntryID.String(),
	})
	return approval, nil
}

func (e *Engine) RejectWithdrawal(ctx context.Context, withdrawalID, adminID uuid.UUID, reason string) (*storage.Withdrawal, error) {
	var withdrawal *storage.Withdrawal
	err := e.store.InTx(ctx, func(tx storage.Tx) error {
		w, err := tx.LockWithdrawal(ctx, withdrawalID)
		if err != nil {
			return err
		}
		if w.Status != storage.WithdrawalPending {
			return &apperr.AlreadyProcessedError{Resource: "withdrawal", ID: w.ID, Status: string(w.Status)}
		}
		processedAt := e.now()
		w.Status = storage.WithdrawalRejected
		w.ProcessedBy = adminID
		w.ProcessedAt = &processedAt
		if err := tx.UpdateWithdrawal(ctx, w); err != nil {
			return err
		}
		withdrawal = w
		return nil
	})
	if err != nil {
		e.observe("reject_withdrawal", err)
		return nil, err
	}
	e.observe("reject_withdrawal", nil)
	e.record(ctx, adminID, audit.ActionWithdrawalRejected, audit.ResourceWithdrawal, withdrawal.ID, map[string]string{"reason": reason})
	return withdrawal, nil
}

func (e *Engine) MarkWithdrawalPaid(ctx context.Context, withdrawalID, adminID uuid.UUID) (*storage.Withdrawal, error) {
	var withdrawal *storage.Withdrawal
	err := e.store.InTx(ctx, func(tx storage.Tx) error {
		w, err := tx.LockWithdrawal(ctx, withdrawalID)
		if err != nil {
			return err
		}
		switch w.Status {
		case storage.WithdrawalApproved:
		case storage.WithdrawalPaid:
			return &apperr.AlreadyProcessedError{Resource: "withdrawal", ID: w.ID, Status: string(w.Status)}
		default:
			return &apperr.InvalidTransitionError{Resource: "withdrawal", ID: w.ID, From: string(w.Status), To: string(storage.WithdrawalPaid)}
		}
		paidAt := e.now()
		w.Status = storage.WithdrawalPaid
		w.PaidAt = &paidAt
		if err := tx.UpdateWithdrawal(ctx, w); err != nil {
			return err
		}
		withdrawal = w
		return nil
	})
	if err != nil {
		e.observe("mark_paid", err)
		return nil, err
	}
	e.observe("mark_paid", nil)
	e.record(ctx, adminID, audit.ActionWithdrawalPaid, audit.ResourceWithdrawal, withdrawal.ID, map[string]string{
		"net_payout": withdrawal.NetPayout.StringFixed(2),
	})
	return withdrawal, nil
}

type InvestorUnits struct {
	UserID   uuid.UUID
	Issued   decimal.Decimal
	Burned   decimal.Decimal
	Balance  decimal.Decimal
	NAV      decimal.Decimal
	ValueEUR decimal.Decimal
}

// GetInvestorUnits reads holdings and NAV under the pool lock so the three
// figures come from the same committed state.
func (e *Engine) GetInvestorUnits(ctx context.Context, userID uuid.UUID) (*InvestorUnits, error) {
	var (
		issued, burned decimal.Decimal
		nav            NAVSnapshot
	)
	err := e.store.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.LockPool(ctx); err != nil {
			return fmt.Errorf("lock pool: %w", err)
		}
		var err error
		if issued, err = tx.UnitsIssued(ctx, userID); err != nil {
			return fmt.Errorf("units issued: %w", err)
		}
		if burned, err = tx.UnitsBurned(ctx, userID); err != nil {
			return fmt.Errorf("units burned: %w", err)
		}
		nav, err = e.NAVOf(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	balance := issued.Sub(burned)
	return &InvestorUnits{
		UserID:   userID,
		Issued:   issued,
		Burned:   burned,
		Balance:  balance,
		NAV:      nav.NAV,
		ValueEUR: balance.Mul(nav.NAV).Round(2),
	}, nil
}

func accountIDs(ctx context.Context, r storage.Reader, codes ...string) (map[string]uuid.UUID, error) {
	ids := make(map[string]uuid.UUID, len(codes))
	for _, code := range codes {
		account, err := r.GetAccountByCode(ctx, code)
		if err != nil {
			return nil, err
		}
		ids[code] = account.ID
	}
	return ids, nil
}

func (e *Engine) observe(operation string, err error) {
	if e.metrics == nil {
		return
	}
	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, apperr.ErrState):
		status = "duplicate"
	case errors.Is(err, apperr.ErrLimit):
		status = "limit"
	case errors.Is(err, apperr.ErrInvalid):
		status = "invalid"
	default:
		status = "error"
	}
	e.metrics.IncUnitsOperation(operation, status)
}

func (e *Engine) record(ctx context.Context, actor uuid.UUID, action, resourceType string, resourceID uuid.UUID, metadata map[string]string) {
	e.audit.Record(ctx, audit.Record{
		Actor:        actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID.String(),
		Metadata:     metadata,
		OccurredAt:   e.now(),
	})
}
