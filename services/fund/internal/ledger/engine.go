package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/PariazaInteligent/fundcore/libs/trace"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/apperr"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Metrics interface {
	IncLedgerEntry(referenceType, status string)
	IncIntegrityCheck(balanced bool)
}

// Engine is the only writer of ledger entries and lines.
type Engine struct {
	store   storage.Store
	logger  *slog.Logger
	metrics Metrics
	now     func() time.Time
}

func NewEngine(store storage.Store, logger *slog.Logger, metrics Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:   store,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Line is one requested movement. Exactly one of DebitAccountID or
// CreditAccountID must be set.
type Line struct {
	DebitAccountID  uuid.UUID
	CreditAccountID uuid.UUID
	Amount          decimal.Decimal
	UserID          uuid.UUID
	Description     string
}

func Debit(accountID uuid.UUID, amount decimal.Decimal) Line {
	return Line{DebitAccountID: accountID, Amount: amount}
}

func Credit(accountID uuid.UUID, amount decimal.Decimal) Line {
	return Line{CreditAccountID: accountID, Amount: amount}
}

func (l Line) ForUser(userID uuid.UUID) Line {
	l.UserID = userID
	return l
}

func (l Line) WithDescription(description string) Line {
	l.Description = description
	return l
}

type EntryRequest struct {
	Description   string
	ReferenceType string
	ReferenceID   uuid.UUID
	CreatedBy     uuid.UUID
	Lines         []Line
}

func (e *Engine) CreateEntry(ctx context.Context, req EntryRequest) (entry *storage.LedgerEntry, err error) {
	ctx, span := trace.Start(ctx, "ledger.CreateEntry")
	defer func() { trace.End(span, err) }()

	err = e.store.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.LockPool(ctx); err != nil {
			return fmt.Errorf("lock pool: %w", err)
		}
		var txErr error
		entry, txErr = e.CreateEntryTx(ctx, tx, req)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// CreateEntryTx validates and writes an entry inside the caller's transaction.
func (e *Engine) CreateEntryTx(ctx context.Context, tx storage.Tx, req EntryRequest) (*storage.LedgerEntry, error) {
	entry, err := e.build(ctx, tx, req)
	if err != nil {
		e.observe(req.ReferenceType, "rejected")
		return nil, err
	}

	if err := tx.InsertEntry(ctx, entry); err != nil {
		e.observe(req.ReferenceType, "error")
		return nil, err
	}

	e.observe(req.ReferenceType, "created")
	e.logger.Debug("ledger entry created",
		"entry_id", entry.ID,
		"reference_type", entry.ReferenceType,
		"reference_id", entry.ReferenceID,
		"lines", len(entry.Lines),
	)
	return entry, nil
}

func (e *Engine) build(ctx context.Context, r storage.Reader, req EntryRequest) (*storage.LedgerEntry, error) {
	description := strings.TrimSpace(req.Description)
	if description == "" {
		return nil, apperr.Invalid("description", "required")
	}
	if len(req.Lines) < 2 {
		return nil, apperr.Invalid("lines", "an entry needs at least one debit and one credit line")
	}

	entry := &storage.LedgerEntry{
		ID:            uuid.New(),
		Description:   description,
		ReferenceType: req.ReferenceType,
		ReferenceID:   req.ReferenceID,
		CreatedBy:     req.CreatedBy,
		CreatedAt:     e.now(),
		Lines:         make([]storage.LedgerLine, 0, len(req.Lines)),
	}

	debits := decimal.Zero
	credits := decimal.Zero
	known := make(map[uuid.UUID]struct{}, len(req.Lines))

	for i, line := range req.Lines {
		field := fmt.Sprintf("lines[%d]", i)
		hasDebit := line.DebitAccountID != uuid.Nil
		hasCredit := line.CreditAccountID != uuid.Nil
		if hasDebit == hasCredit {
			return nil, apperr.Invalid(field, "exactly one of debit or credit account is required")
		}
		if !line.Amount.IsPositive() {
			return nil, apperr.Invalid(field, fmt.Sprintf("amount must be positive, got %s", line.Amount))
		}
		if !storage.FitsScale(line.Amount, storage.LineScale) {
			return nil, apperr.Invalid(field, fmt.Sprintf("amount %s has more than %d decimal places", line.Amount, storage.LineScale))
		}

		accountID := line.DebitAccountID
		if hasCredit {
			accountID = line.CreditAccountID
		}
		if _, ok := known[accountID]; !ok {
			if _, err := r.GetAccount(ctx, accountID); err != nil {
				return nil, err
			}
			known[accountID] = struct{}{}
		}

		if hasDebit {
			debits = debits.Add(line.Amount)
		} else {
			credits = credits.Add(line.Amount)
		}

		entry.Lines = append(entry.Lines, storage.LedgerLine{
			ID:              uuid.New(),
			EntryID:         entry.ID,
			Position:        i + 1,
			DebitAccountID:  line.DebitAccountID,
			CreditAccountID: line.CreditAccountID,
			Amount:          line.Amount,
			UserID:          line.UserID,
			Description:     line.Description,
		})
	}

	if !debits.Equal(credits) {
		return nil, &apperr.UnbalancedEntryError{Debits: debits, Credits: credits}
	}
	return entry, nil
}

// CreateReversal posts the mirror image of an existing entry. An entry can be
// reversed at most once.
func (e *Engine) CreateReversal(ctx context.Context, originalID uuid.UUID, reason string, createdBy uuid.UUID) (entry *storage.LedgerEntry, err error) {
	ctx, span := trace.Start(ctx, "ledger.CreateReversal")
	defer func() { trace.End(span, err) }()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Invalid("reason", "required")
	}

	err = e.store.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.LockPool(ctx); err != nil {
			return fmt.Errorf("lock pool: %w", err)
		}
		original, err := tx.GetEntry(ctx, originalID)
		if err != nil {
			return err
		}

		lines := make([]Line, 0, len(original.Lines))
		for _, line := range original.Lines {
			lines = append(lines, Line{
				DebitAccountID:  line.CreditAccountID,
				CreditAccountID: line.DebitAccountID,
				Amount:          line.Amount,
				UserID:          line.UserID,
				Description:     line.Description,
			})
		}

		entry, err = e.CreateEntryTx(ctx, tx, EntryRequest{
			Description:   fmt.Sprintf("Reversal: %s - %s", original.Description, reason),
			ReferenceType: storage.ReferenceReversal,
			ReferenceID:   original.ID,
			CreatedBy:     createdBy,
			Lines:         lines,
		})
		if errors.Is(err, storage.ErrDuplicate) {
			return &apperr.AlreadyProcessedError{Resource: "ledger entry", ID: originalID, Status: "REVERSED"}
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("ledger entry reversed", "original_entry_id", originalID, "reversal_entry_id", entry.ID, "reason", reason)
	return entry, nil
}

type Balance struct {
	AccountID    uuid.UUID
	Code         string
	Type         storage.AccountType
	UserID       uuid.UUID
	Balance      decimal.Decimal
	TotalDebits  decimal.Decimal
	TotalCredits decimal.Decimal
}

// GetAccountBalance applies the account's sign convention. uuid.Nil for
// userID sums every line.
func (e *Engine) GetAccountBalance(ctx context.Context, accountID, userID uuid.UUID) (Balance, error) {
	return e.BalanceOf(ctx, e.store, accountID, userID)
}

func (e *Engine) BalanceOf(ctx context.Context, r storage.Reader, accountID, userID uuid.UUID) (Balance, error) {
	account, err := r.GetAccount(ctx, accountID)
	if err != nil {
		return Balance{}, err
	}
	return balanceFor(ctx, r, account, userID)
}

func (e *Engine) BalanceByCode(ctx context.Context, r storage.Reader, code string, userID uuid.UUID) (Balance, error) {
	account, err := r.GetAccountByCode(ctx, code)
	if err != nil {
		return Balance{}, err
	}
	return balanceFor(ctx, r, account, userID)
}

func balanceFor(ctx context.Context, r storage.Reader, account *storage.Account, userID uuid.UUID) (Balance, error) {
	totals, err := r.SumAccountLines(ctx, account.ID, userID)
	if err != nil {
		return Balance{}, fmt.Errorf("sum lines for %s: %w", account.Code, err)
	}

	balance := totals.Credits.Sub(totals.Debits)
	if account.Type.DebitNormal() {
		balance = totals.Debits.Sub(totals.Credits)
	}
	return Balance{
		AccountID:    account.ID,
		Code:         account.Code,
		Type:         account.Type,
		UserID:       userID,
		Balance:      balance,
		TotalDebits:  totals.Debits,
		TotalCredits: totals.Credits,
	}, nil
}

type EntryMismatch struct {
	EntryID   uuid.UUID
	Debits    decimal.Decimal
	Credits   decimal.Decimal
	LineCount int
}

type IntegrityReport struct {
	TotalEntries int
	Balanced     bool
	Errors       []string
	Mismatches   []EntryMismatch
}

func (e *Engine) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	return e.VerifyIntegrityOf(ctx, e.store)
}

// VerifyIntegrityOf re-checks every entry through r, which may be an open
// transaction.
func (e *Engine) VerifyIntegrityOf(ctx context.Context, r storage.Reader) (report *IntegrityReport, err error) {
	ctx, span := trace.Start(ctx, "ledger.VerifyIntegrity")
	defer func() { trace.End(span, err) }()

	totals, err := r.ListEntryTotals(ctx)
	if err != nil {
		return nil, fmt.Errorf("list entry totals: %w", err)
	}

	report = &IntegrityReport{TotalEntries: len(totals), Balanced: true}
	for _, t := range totals {
		switch {
		case t.LineCount == 0:
			report.Errors = append(report.Errors, fmt.Sprintf("entry %s has no lines", t.EntryID))
		case !t.Debits.Equal(t.Credits):
			report.Errors = append(report.Errors, fmt.Sprintf("entry %s unbalanced: debits %s credits %s", t.EntryID, t.Debits, t.Credits))
		default:
			continue
		}
		report.Balanced = false
		report.Mismatches = append(report.Mismatches, EntryMismatch{
			EntryID:   t.EntryID,
			Debits:    t.Debits,
			Credits:   t.Credits,
			LineCount: t.LineCount,
		})
	}

	if e.metrics != nil {
		e.metrics.IncIntegrityCheck(report.Balanced)
	}
	if !report.Balanced {
		e.logger.Warn("ledger integrity check failed", "entries", report.TotalEntries, "issues", len(report.Mismatches))
	}
	return report, nil
}

type AccountSpec struct {
	Code   string
	Name   string
	Type   storage.AccountType
	System bool
}

func StandardAccounts() []AccountSpec {
	return []AccountSpec{
		{Code: storage.AccountBank, Name: "Bank EUR", Type: storage.AccountTypeAsset, System: true},
		{Code: storage.AccountInvestorEquity, Name: "Investor Equity", Type: storage.AccountTypeEquity, System: true},
		{Code: storage.AccountTradingPNL, Name: "Trading PNL", Type: storage.AccountTypeRevenue, System: true},
		{Code: storage.AccountFeeIncome, Name: "Withdrawal Fee Income", Type: storage.AccountTypeRevenue, System: true},
	}
}

// SetupAccounts creates any missing accounts. Existing accounts are left as
// they are, but a type mismatch is an error.
func (e *Engine) SetupAccounts(ctx context.Context, specs []AccountSpec) ([]storage.Account, error) {
	var accounts []storage.Account
	err := e.store.InTx(ctx, func(tx storage.Tx) error {
		accounts = accounts[:0]
		for _, spec := range specs {
			code := strings.TrimSpace(spec.Code)
			if code == "" {
				return apperr.Invalid("code", "required")
			}
			if !spec.Type.Valid() {
				return apperr.Invalid("type", fmt.Sprintf("unknown account type %q", spec.Type))
			}

			existing, err := tx.GetAccountByCode(ctx, code)
			if err == nil {
				if existing.Type != spec.Type {
					return apperr.Invalid("type", fmt.Sprintf("account %s exists with type %s, want %s", code, existing.Type, spec.Type))
				}
				accounts = append(accounts, *existing)
				continue
			}
			if !errors.Is(err, apperr.ErrResource) {
				return err
			}

			account := storage.Account{
				ID:        uuid.New(),
				Code:      code,
				Name:      spec.Name,
				Type:      spec.Type,
				System:    spec.System,
				CreatedAt: e.now(),
			}
			if err := tx.InsertAccount(ctx, &account); err != nil {
				return err
			}
			e.logger.Info("ledger account created", "code", code, "type", spec.Type)
			accounts = append(accounts, account)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

// RenameAccount is the only mutation allowed on an account.
func (e *Engine) RenameAccount(ctx context.Context, code, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return apperr.Invalid("name", "required")
	}
	return e.store.InTx(ctx, func(tx storage.Tx) error {
		return tx.RenameAccount(ctx, code, name)
	})
}

func (e *Engine) observe(referenceType, status string) {
	if e.metrics == nil {
		return
	}
	if referenceType == "" {
		referenceType = "manual"
	}
	e.metrics.IncLedgerEntry(referenceType, status)
}
