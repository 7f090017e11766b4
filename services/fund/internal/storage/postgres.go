package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/PariazaInteligent/fundcore/services/fund/internal/apperr"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStore struct {
	pgReader
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{
		pgReader: pgReader{q: pool},
		pool:     pool,
		logger:   logger,
	}
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				s.logger.Warn("tx rollback failed", "error", rbErr)
			}
		}
	}()

	if err := fn(&pgTx{pgReader: pgReader{q: tx}}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}

type pgReader struct {
	q querier
}

type pgTx struct {
	pgReader
}

const (
	accountColumns    = `id, code, name, type, system, created_at`
	entryColumns      = `id, description, reference_type, reference_id, created_by, created_at`
	lineColumns       = `id, entry_id, position, debit_account_id, credit_account_id, amount::text, user_id, description`
	depositColumns    = `id, user_id, amount::text, status, units_issued::text, nav_at_issue::text, ledger_entry_id, processed_by, processed_at, created_at`
	withdrawalColumns = `id, user_id, amount::text, status, units_burned::text, nav_at_burn::text, fee_amount::text, net_payout::text, ledger_entry_id, processed_by, processed_at, paid_at, created_at`
	tradeColumns      = `id, sport, event, market, selection, odds::text, stake::text, potential_win::text, status, result_amount::text, settlement_event_id, ledger_entry_id, created_by, settled_by, settled_at, created_at`
	eventColumns      = `id, trade_id, provider_event_id, provider_odds::text, result, settled_by, created_at`
)

func (r pgReader) GetAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	row := r.q.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	acct, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("account", id)
	}
	return acct, err
}

func (r pgReader) GetAccountByCode(ctx context.Context, code string) (*Account, error) {
	row := r.q.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE code = $1`, code)
	acct, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("account", code)
	}
	return acct, err
}

func (r pgReader) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := r.q.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *acct)
	}
	return accounts, rows.Err()
}

func (r pgReader) GetEntry(ctx context.Context, id uuid.UUID) (*LedgerEntry, error) {
	row := r.q.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`, id)
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("ledger entry", id)
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.q.Query(ctx, `SELECT `+lineColumns+` FROM ledger_lines WHERE entry_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		line, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		entry.Lines = append(entry.Lines, *line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entry, nil
}

func (r pgReader) FindEntryByReference(ctx context.Context, referenceType string, referenceID uuid.UUID) (*LedgerEntry, error) {
	var id uuid.UUID
	err := r.q.QueryRow(ctx, `
		SELECT id FROM ledger_entries
		WHERE reference_type = $1 AND reference_id = $2
		ORDER BY created_at, id
		LIMIT 1
	`, referenceType, referenceID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("ledger entry", referenceType+":"+referenceID.String())
	}
	if err != nil {
		return nil, err
	}
	return r.GetEntry(ctx, id)
}

func (r pgReader) ListEntryTotals(ctx context.Context) ([]EntryTotals, error) {
	rows, err := r.q.Query(ctx, `
		SELECT e.id,
			COALESCE(SUM(l.amount) FILTER (WHERE l.debit_account_id IS NOT NULL), 0)::text,
			COALESCE(SUM(l.amount) FILTER (WHERE l.credit_account_id IS NOT NULL), 0)::text,
			COUNT(l.id)
		FROM ledger_entries e
		LEFT JOIN ledger_lines l ON l.entry_id = e.id
		GROUP BY e.id, e.created_at
		ORDER BY e.created_at, e.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var totals []EntryTotals
	for rows.Next() {
		var t EntryTotals
		var debits, credits string
		if err := rows.Scan(&t.EntryID, &debits, &credits, &t.LineCount); err != nil {
			return nil, err
		}
		if err := parseDecimals(
			decField{"debits", debits, &t.Debits},
			decField{"credits", credits, &t.Credits},
		); err != nil {
			return nil, err
		}
		totals = append(totals, t)
	}
	return totals, rows.Err()
}

func (r pgReader) SumAccountLines(ctx context.Context, accountID, userID uuid.UUID) (LineTotals, error) {
	var debits, credits string
	err := r.q.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE debit_account_id = $1), 0)::text,
			COALESCE(SUM(amount) FILTER (WHERE credit_account_id = $1), 0)::text
		FROM ledger_lines
		WHERE (debit_account_id = $1 OR credit_account_id = $1)
			AND ($2::uuid IS NULL OR user_id = $2)
	`, accountID, nullUUID(userID)).Scan(&debits, &credits)
	if err != nil {
		return LineTotals{}, err
	}

	var totals LineTotals
	if err := parseDecimals(
		decField{"debits", debits, &totals.Debits},
		decField{"credits", credits, &totals.Credits},
	); err != nil {
		return LineTotals{}, err
	}
	return totals, nil
}

func (r pgReader) GetDeposit(ctx context.Context, id uuid.UUID) (*Deposit, error) {
	return r.getDeposit(ctx, id, false)
}

func (r pgReader) getDeposit(ctx context.Context, id uuid.UUID, forUpdate bool) (*Deposit, error) {
	query := `SELECT ` + depositColumns + ` FROM deposits WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	d, err := scanDeposit(r.q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("deposit", id)
	}
	return d, err
}

func (r pgReader) GetWithdrawal(ctx context.Context, id uuid.UUID) (*Withdrawal, error) {
	return r.getWithdrawal(ctx, id, false)
}

func (r pgReader) getWithdrawal(ctx context.Context, id uuid.UUID, forUpdate bool) (*Withdrawal, error) {
	query := `SELECT ` + withdrawalColumns + ` FROM withdrawals WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	w, err := scanWithdrawal(r.q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("withdrawal", id)
	}
	return w, err
}

func (r pgReader) GetTrade(ctx context.Context, id uuid.UUID) (*Trade, error) {
	return r.getTrade(ctx, id, false)
}

func (r pgReader) getTrade(ctx context.Context, id uuid.UUID, forUpdate bool) (*Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	t, err := scanTrade(r.q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("trade", id)
	}
	return t, err
}

func (r pgReader) GetSettlementEvent(ctx context.Context, tradeID uuid.UUID) (*SettlementEvent, error) {
	row := r.q.QueryRow(ctx, `SELECT `+eventColumns+` FROM settlement_events WHERE trade_id = $1`, tradeID)
	var ev SettlementEvent
	var odds, result string
	var settledBy *uuid.UUID
	if err := row.Scan(&ev.ID, &ev.TradeID, &ev.ProviderEventID, &odds, &result, &settledBy, &ev.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("settlement event", tradeID)
		}
		return nil, err
	}
	if err := parseDecimals(decField{"provider_odds", odds, &ev.ProviderOdds}); err != nil {
		return nil, err
	}
	ev.Result = SettlementResult(result)
	ev.SettledBy = derefUUID(settledBy)
	return &ev, nil
}

func (r pgReader) UnitsIssued(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	return r.sumDecimal(ctx, "units_issued", `
		SELECT COALESCE(SUM(units_issued), 0)::text FROM deposits
		WHERE status = 'APPROVED' AND ($1::uuid IS NULL OR user_id = $1)
	`, nullUUID(userID))
}

func (r pgReader) UnitsBurned(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	return r.sumDecimal(ctx, "units_burned", `
		SELECT COALESCE(SUM(units_burned), 0)::text FROM withdrawals
		WHERE status IN ('APPROVED', 'PAID') AND ($1::uuid IS NULL OR user_id = $1)
	`, nullUUID(userID))
}

func (r pgReader) InvestorActivity(ctx context.Context, userID uuid.UUID) (InvestorActivity, error) {
	var activity InvestorActivity
	var deposited, issued, withdrawn, burned string
	err := r.q.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::text, COALESCE(SUM(units_issued), 0)::text, MIN(processed_at)
		FROM deposits
		WHERE status = 'APPROVED' AND user_id = $1
	`, userID).Scan(&deposited, &issued, &activity.FirstDepositedAt)
	if err != nil {
		return InvestorActivity{}, err
	}
	err = r.q.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::text, COALESCE(SUM(units_burned), 0)::text
		FROM withdrawals
		WHERE status IN ('APPROVED', 'PAID') AND user_id = $1
	`, userID).Scan(&withdrawn, &burned)
	if err != nil {
		return InvestorActivity{}, err
	}
	if err := parseDecimals(
		decField{"deposited", deposited, &activity.Deposited},
		decField{"units_issued", issued, &activity.UnitsIssued},
		decField{"withdrawn", withdrawn, &activity.Withdrawn},
		decField{"units_burned", burned, &activity.UnitsBurned},
	); err != nil {
		return InvestorActivity{}, err
	}
	return activity, nil
}

func (r pgReader) PendingWithdrawals(ctx context.Context) (PendingWithdrawals, error) {
	var pending PendingWithdrawals
	var amount string
	err := r.q.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(amount), 0)::text
		FROM withdrawals
		WHERE status = 'PENDING'
	`).Scan(&pending.Count, &amount)
	if err != nil {
		return PendingWithdrawals{}, err
	}
	if err := parseDecimals(decField{"pending_amount", amount, &pending.Amount}); err != nil {
		return PendingWithdrawals{}, err
	}
	return pending, nil
}

func (r pgReader) WithdrawnSince(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	return r.sumDecimal(ctx, "withdrawn", `
		SELECT COALESCE(SUM(amount), 0)::text FROM withdrawals
		WHERE status IN ('APPROVED', 'PAID') AND processed_at >= $1
	`, since)
}

func (r pgReader) PendingStakeBySport(ctx context.Context, sport string) (decimal.Decimal, error) {
	return r.sumDecimal(ctx, "stake", `
		SELECT COALESCE(SUM(stake), 0)::text FROM trades
		WHERE status = 'PENDING' AND sport = $1
	`, sport)
}

func (r pgReader) PendingStakeByMarket(ctx context.Context, market string) (decimal.Decimal, error) {
	return r.sumDecimal(ctx, "stake", `
		SELECT COALESCE(SUM(stake), 0)::text FROM trades
		WHERE status = 'PENDING' AND market = $1
	`, market)
}

func (r pgReader) ListTierDefinitions(ctx context.Context) ([]TierDefinition, error) {
	rows, err := r.q.Query(ctx, `
		SELECT code, name, rank, conditions::text, updated_at
		FROM loyalty_tiers
		ORDER BY rank
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tiers []TierDefinition
	for rows.Next() {
		var tier TierDefinition
		var conditions string
		if err := rows.Scan(&tier.Code, &tier.Name, &tier.Rank, &conditions, &tier.UpdatedAt); err != nil {
			return nil, err
		}
		tier.Conditions = []byte(conditions)
		tiers = append(tiers, tier)
	}
	return tiers, rows.Err()
}

func (r pgReader) sumDecimal(ctx context.Context, field, query string, args ...any) (decimal.Decimal, error) {
	var raw string
	if err := r.q.QueryRow(ctx, query, args...).Scan(&raw); err != nil {
		return decimal.Zero, err
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s: %w", field, err)
	}
	return value, nil
}

func (t *pgTx) LockDeposit(ctx context.Context, id uuid.UUID) (*Deposit, error) {
	return t.getDeposit(ctx, id, true)
}

func (t *pgTx) LockWithdrawal(ctx context.Context, id uuid.UUID) (*Withdrawal, error) {
	return t.getWithdrawal(ctx, id, true)
}

func (t *pgTx) LockTrade(ctx context.Context, id uuid.UUID) (*Trade, error) {
	return t.getTrade(ctx, id, true)
}

func (t *pgTx) LockInvestor(ctx context.Context, userID uuid.UUID) error {
	_, err := t.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "investor:"+userID.String())
	return err
}

// poolLockKey is shared by every transaction that moves money in or out of
// the bank account.
const poolLockKey = "fund:pool"

func (t *pgTx) LockPool(ctx context.Context) error {
	_, err := t.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, poolLockKey)
	return err
}

func (t *pgTx) InsertAccount(ctx context.Context, account *Account) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO accounts (id, code, name, type, system, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, account.ID, account.Code, account.Name, string(account.Type), account.System, account.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: account %s", ErrDuplicate, account.Code)
	}
	return err
}

func (t *pgTx) RenameAccount(ctx context.Context, code, name string) error {
	tag, err := t.q.Exec(ctx, `UPDATE accounts SET name = $2 WHERE code = $1`, code, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("account", code)
	}
	return nil
}

func (t *pgTx) InsertEntry(ctx context.Context, entry *LedgerEntry) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO ledger_entries (id, description, reference_type, reference_id, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.ID, entry.Description, entry.ReferenceType, nullUUID(entry.ReferenceID), nullUUID(entry.CreatedBy), entry.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: ledger entry %s:%s", ErrDuplicate, entry.ReferenceType, entry.ReferenceID)
	}
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}

	for _, line := range entry.Lines {
		_, err := t.q.Exec(ctx, `
			INSERT INTO ledger_lines (id, entry_id, position, debit_account_id, credit_account_id, amount, user_id, description)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, line.ID, entry.ID, line.Position, nullUUID(line.DebitAccountID), nullUUID(line.CreditAccountID),
			line.Amount.String(), nullUUID(line.UserID), line.Description)
		if err != nil {
			return fmt.Errorf("insert ledger line %d: %w", line.Position, err)
		}
	}
	return nil
}

func (t *pgTx) InsertDeposit(ctx context.Context, d *Deposit) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO deposits (id, user_id, amount, status, units_issued, nav_at_issue, ledger_entry_id, processed_by, processed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, d.ID, d.UserID, d.Amount.String(), string(d.Status), d.UnitsIssued.String(), d.NAVAtIssue.String(),
		nullUUID(d.LedgerEntryID), nullUUID(d.ProcessedBy), d.ProcessedAt, d.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: deposit %s", ErrDuplicate, d.ID)
	}
	return err
}

func (t *pgTx) UpdateDeposit(ctx context.Context, d *Deposit) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE deposits
		SET status = $2, units_issued = $3, nav_at_issue = $4, ledger_entry_id = $5, processed_by = $6, processed_at = $7
		WHERE id = $1
	`, d.ID, string(d.Status), d.UnitsIssued.String(), d.NAVAtIssue.String(),
		nullUUID(d.LedgerEntryID), nullUUID(d.ProcessedBy), d.ProcessedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("deposit", d.ID)
	}
	return nil
}

func (t *pgTx) InsertWithdrawal(ctx context.Context, w *Withdrawal) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO withdrawals (id, user_id, amount, status, units_burned, nav_at_burn, fee_amount, net_payout, ledger_entry_id, processed_by, processed_at, paid_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, w.ID, w.UserID, w.Amount.String(), string(w.Status), w.UnitsBurned.String(), w.NAVAtBurn.String(),
		w.FeeAmount.String(), w.NetPayout.String(), nullUUID(w.LedgerEntryID), nullUUID(w.ProcessedBy),
		w.ProcessedAt, w.PaidAt, w.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: withdrawal %s", ErrDuplicate, w.ID)
	}
	return err
}

func (t *pgTx) UpdateWithdrawal(ctx context.Context, w *Withdrawal) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE withdrawals
		SET status = $2, units_burned = $3, nav_at_burn = $4, fee_amount = $5, net_payout = $6,
			ledger_entry_id = $7, processed_by = $8, processed_at = $9, paid_at = $10
		WHERE id = $1
	`, w.ID, string(w.Status), w.UnitsBurned.String(), w.NAVAtBurn.String(), w.FeeAmount.String(),
		w.NetPayout.String(), nullUUID(w.LedgerEntryID), nullUUID(w.ProcessedBy), w.ProcessedAt, w.PaidAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("withdrawal", w.ID)
	}
	return nil
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *Trade) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO trades (id, sport, event, market, selection, odds, stake, potential_win, status, result_amount,
			settlement_event_id, ledger_entry_id, created_by, settled_by, settled_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, tr.ID, tr.Sport, tr.Event, tr.Market, tr.Selection, tr.Odds.String(), tr.Stake.String(),
		tr.PotentialWin.String(), string(tr.Status), tr.ResultAmount.String(), nullUUID(tr.SettlementEventID),
		nullUUID(tr.LedgerEntryID), nullUUID(tr.CreatedBy), nullUUID(tr.SettledBy), tr.SettledAt, tr.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: trade %s", ErrDuplicate, tr.ID)
	}
	return err
}

func (t *pgTx) UpdateTrade(ctx context.Context, tr *Trade) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE trades
		SET odds = $2, stake = $3, potential_win = $4, status = $5, result_amount = $6,
			settlement_event_id = $7, ledger_entry_id = $8, settled_by = $9, settled_at = $10
		WHERE id = $1
	`, tr.ID, tr.Odds.String(), tr.Stake.String(), tr.PotentialWin.String(), string(tr.Status),
		tr.ResultAmount.String(), nullUUID(tr.SettlementEventID), nullUUID(tr.LedgerEntryID),
		nullUUID(tr.SettledBy), tr.SettledAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("trade", tr.ID)
	}
	return nil
}

func (t *pgTx) InsertSettlementEvent(ctx context.Context, ev *SettlementEvent) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO settlement_events (id, trade_id, provider_event_id, provider_odds, result, settled_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ev.ID, ev.TradeID, ev.ProviderEventID, ev.ProviderOdds.String(), string(ev.Result), nullUUID(ev.SettledBy), ev.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: settlement event for trade %s", ErrDuplicate, ev.TradeID)
	}
	return err
}

func (t *pgTx) UpsertTierDefinition(ctx context.Context, tier TierDefinition) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO loyalty_tiers (code, name, rank, conditions, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5)
		ON CONFLICT (code) DO UPDATE
		SET name = EXCLUDED.name, rank = EXCLUDED.rank, conditions = EXCLUDED.conditions, updated_at = EXCLUDED.updated_at
	`, tier.Code, tier.Name, tier.Rank, string(tier.Conditions), tier.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: tier rank %d", ErrDuplicate, tier.Rank)
	}
	return err
}

func scanAccount(row pgx.Row) (*Account, error) {
	var acct Account
	var typ string
	if err := row.Scan(&acct.ID, &acct.Code, &acct.Name, &typ, &acct.System, &acct.CreatedAt); err != nil {
		return nil, err
	}
	acct.Type = AccountType(typ)
	return &acct, nil
}

func scanEntry(row pgx.Row) (*LedgerEntry, error) {
	var entry LedgerEntry
	var refID, createdBy *uuid.UUID
	if err := row.Scan(&entry.ID, &entry.Description, &entry.ReferenceType, &refID, &createdBy, &entry.CreatedAt); err != nil {
		return nil, err
	}
	entry.ReferenceID = derefUUID(refID)
	entry.CreatedBy = derefUUID(createdBy)
	return &entry, nil
}

func scanLine(row pgx.Row) (*LedgerLine, error) {
	var line LedgerLine
	var debitID, creditID, userID *uuid.UUID
	var amount string
	if err := row.Scan(&line.ID, &line.EntryID, &line.Position, &debitID, &creditID, &amount, &userID, &line.Description); err != nil {
		return nil, err
	}
	if err := parseDecimals(decField{"amount", amount, &line.Amount}); err != nil {
		return nil, err
	}
	line.DebitAccountID = derefUUID(debitID)
	line.CreditAccountID = derefUUID(creditID)
	line.UserID = derefUUID(userID)
	return &line, nil
}

func scanDeposit(row pgx.Row) (*Deposit, error) {
	var d Deposit
	var amount, status, units, nav string
	var entryID, processedBy *uuid.UUID
	if err := row.Scan(&d.ID, &d.UserID, &amount, &status, &units, &nav, &entryID, &processedBy, &d.ProcessedAt, &d.CreatedAt); err != nil {
		return nil, err
	}
	if err := parseDecimals(
		decField{"amount", amount, &d.Amount},
		decField{"units_issued", units, &d.UnitsIssued},
		decField{"nav_at_issue", nav, &d.NAVAtIssue},
	); err != nil {
		return nil, err
	}
	d.Status = DepositStatus(status)
	d.LedgerEntryID = derefUUID(entryID)
	d.ProcessedBy = derefUUID(processedBy)
	return &d, nil
}

func scanWithdrawal(row pgx.Row) (*Withdrawal, error) {
	var w Withdrawal
	var amount, status, units, nav, fee, net string
	var entryID, processedBy *uuid.UUID
	if err := row.Scan(&w.ID, &w.UserID, &amount, &status, &units, &nav, &fee, &net, &entryID, &processedBy, &w.ProcessedAt, &w.PaidAt, &w.CreatedAt); err != nil {
		return nil, err
	}
	if err := parseDecimals(
		decField{"amount", amount, &w.Amount},
		decField{"units_burned", units, &w.UnitsBurned},
		decField{"nav_at_burn", nav, &w.NAVAtBurn},
		decField{"fee_amount", fee, &w.FeeAmount},
		decField{"net_payout", net, &w.NetPayout},
	); err != nil {
		return nil, err
	}
	w.Status = WithdrawalStatus(status)
	w.LedgerEntryID = derefUUID(entryID)
	w.ProcessedBy = derefUUID(processedBy)
	return &w, nil
}

func scanTrade(row pgx.Row) (*Trade, error) {
	var tr Trade
	var odds, stake, potential, status, result string
	var eventID, entryID, createdBy, settledBy *uuid.UUID
	if err := row.Scan(&tr.ID, &tr.Sport, &tr.Event, &tr.Market, &tr.Selection, &odds, &stake, &potential, &status, &result,
		&eventID, &entryID, &createdBy, &settledBy, &tr.SettledAt, &tr.CreatedAt); err != nil {
		return nil, err
	}
	if err := parseDecimals(
		decField{"odds", odds, &tr.Odds},
		decField{"stake", stake, &tr.Stake},
		decField{"potential_win", potential, &tr.PotentialWin},
		decField{"result_amount", result, &tr.ResultAmount},
	); err != nil {
		return nil, err
	}
	tr.Status = TradeStatus(status)
	tr.SettlementEventID = derefUUID(eventID)
	tr.LedgerEntryID = derefUUID(entryID)
	tr.CreatedBy = derefUUID(createdBy)
	tr.SettledBy = derefUUID(settledBy)
	return &tr, nil
}

type decField struct {
	name string
	raw  string
	dst  *decimal.Decimal
}

func parseDecimals(fields ...decField) error {
	for _, f := range fields {
		value, err := decimal.NewFromString(f.raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", f.name, err)
		}
		*f.dst = value
	}
	return nil
}

func nullUUID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id
}

func derefUUID(id *uuid.UUID) uuid.UUID {
	if id == nil {
		return uuid.Nil
	}
	return *id
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
