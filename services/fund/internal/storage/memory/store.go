package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/PariazaInteligent/fundcore/services/fund/internal/apperr"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Store keeps committed state as an immutable snapshot. A transaction works
// on a private clone and swaps it in on success, so a failed transaction
// leaves no trace. Transactions are fully serialised.
type Store struct {
	txMu    sync.Mutex
	mu      sync.RWMutex
	current *state
}

func New() *Store {
	return &Store{current: newState()}
}

func (s *Store) InTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	work := s.snapshot().clone()
	if err := fn(&tx{reader: reader{st: work}}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.current = work
	s.mu.Unlock()
	return nil
}

func (s *Store) snapshot() *state {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *Store) r() reader { return reader{st: s.snapshot()} }

func (s *Store) GetAccount(ctx context.Context, id uuid.UUID) (*storage.Account, error) {
	return s.r().GetAccount(ctx, id)
}

func (s *Store) GetAccountByCode(ctx context.Context, code string) (*storage.Account, error) {
	return s.r().GetAccountByCode(ctx, code)
}

func (s *Store) ListAccounts(ctx context.Context) ([]storage.Account, error) {
	return s.r().ListAccounts(ctx)
}

func (s *Store) GetEntry(ctx context.Context, id uuid.UUID) (*storage.LedgerEntry, error) {
	return s.r().GetEntry(ctx, id)
}

func (s *Store) FindEntryByReference(ctx context.Context, referenceType string, referenceID uuid.UUID) (*storage.LedgerEntry, error) {
	return s.r().FindEntryByReference(ctx, referenceType, referenceID)
}

func (s *Store) ListEntryTotals(ctx context.Context) ([]storage.EntryTotals, error) {
	return s.r().ListEntryTotals(ctx)
}

func (s *Store) SumAccountLines(ctx context.Context, accountID, userID uuid.UUID) (storage.LineTotals, error) {
	return s.r().SumAccountLines(ctx, accountID, userID)
}

func (s *Store) GetDeposit(ctx context.Context, id uuid.UUID) (*storage.Deposit, error) {
	return s.r().GetDeposit(ctx, id)
}

func (s *Store) GetWithdrawal(ctx context.Context, id uuid.UUID) (*storage.Withdrawal, error) {
	return s.r().GetWithdrawal(ctx, id)
}

func (s *Store) GetTrade(ctx context.Context, id uuid.UUID) (*storage.Trade, error) {
	return s.r().GetTrade(ctx, id)
}

func (s *Store) GetSettlementEvent(ctx context.Context, tradeID uuid.UUID) (*storage.SettlementEvent, error) {
	return s.r().GetSettlementEvent(ctx, tradeID)
}

func (s *Store) UnitsIssued(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	return s.r().UnitsIssued(ctx, userID)
}

func (s *Store) UnitsBurned(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	return s.r().UnitsBurned(ctx, userID)
}

func (s *Store) InvestorActivity(ctx context.Context, userID uuid.UUID) (storage.InvestorActivity, error) {
	return s.r().InvestorActivity(ctx, userID)
}

func (s *Store) PendingWithdrawals(ctx context.Context) (storage.PendingWithdrawals, error) {
	return s.r().PendingWithdrawals(ctx)
}

func (s *Store) WithdrawnSince(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	return s.r().WithdrawnSince(ctx, since)
}

func (s *Store) PendingStakeBySport(ctx context.Context, sport string) (decimal.Decimal, error) {
	return s.r().PendingStakeBySport(ctx, sport)
}

func (s *Store) PendingStakeByMarket(ctx context.Context, market string) (decimal.Decimal, error) {
	return s.r().PendingStakeByMarket(ctx, market)
}

func (s *Store) ListTierDefinitions(ctx context.Context) ([]storage.TierDefinition, error) {
	return s.r().ListTierDefinitions(ctx)
}

type state struct {
	accounts    map[uuid.UUID]storage.Account
	entries     map[uuid.UUID]storage.LedgerEntry
	entryOrder  []uuid.UUID
	deposits    map[uuid.UUID]storage.Deposit
	withdrawals map[uuid.UUID]storage.Withdrawal
	trades      map[uuid.UUID]storage.Trade
	events      map[uuid.UUID]storage.SettlementEvent
	tiers       map[string]storage.TierDefinition
}

func newState() *state {
	return &state{
		accounts:    make(map[uuid.UUID]storage.Account),
		entries:     make(map[uuid.UUID]storage.LedgerEntry),
		deposits:    make(map[uuid.UUID]storage.Deposit),
		withdrawals: make(map[uuid.UUID]storage.Withdrawal),
		trades:      make(map[uuid.UUID]storage.Trade),
		events:      make(map[uuid.UUID]storage.SettlementEvent),
		tiers:       make(map[string]storage.TierDefinition),
	}
}

// clone copies every map. Stored entries are never mutated after insert, so
// their line slices can be shared.
func (s *state) clone() *state {
	c := newState()
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.entries {
		c.entries[k] = v
	}
	c.entryOrder = append([]uuid.UUID(nil), s.entryOrder...)
	for k, v := range s.deposits {
		c.deposits[k] = v
	}
	for k, v := range s.withdrawals {
		c.withdrawals[k] = v
	}
	for k, v := range s.trades {
		c.trades[k] = v
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	for k, v := range s.tiers {
		c.tiers[k] = v
	}
	return c
}

type reader struct {
	st *state
}

func (r reader) GetAccount(_ context.Context, id uuid.UUID) (*storage.Account, error) {
	acct, ok := r.st.accounts[id]
	if !ok {
		return nil, apperr.NotFound("account", id)
	}
	return &acct, nil
}

func (r reader) GetAccountByCode(_ context.Context, code string) (*storage.Account, error) {
	for _, acct := range r.st.accounts {
		if acct.Code == code {
			found := acct
			return &found, nil
		}
	}
	return nil, apperr.NotFound("account", code)
}

func (r reader) ListAccounts(_ context.Context) ([]storage.Account, error) {
	accounts := make([]storage.Account, 0, len(r.st.accounts))
	for _, acct := range r.st.accounts {
		accounts = append(accounts, acct)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Code < accounts[j].Code })
	return accounts, nil
}

func (r reader) GetEntry(_ context.Context, id uuid.UUID) (*storage.LedgerEntry, error) {
	entry, ok := r.st.entries[id]
	if !ok {
		return nil, apperr.NotFound("ledger entry", id)
	}
	entry.Lines = append([]storage.LedgerLine(nil), entry.Lines...)
	return &entry, nil
}

func (r reader) FindEntryByReference(ctx context.Context, referenceType string, referenceID uuid.UUID) (*storage.LedgerEntry, error) {
	for _, id := range r.st.entryOrder {
		entry := r.st.entries[id]
		if entry.ReferenceType == referenceType && entry.ReferenceID == referenceID {
			return r.GetEntry(ctx, id)
		}
	}
	return nil, apperr.NotFound("ledger entry", referenceType+":"+referenceID.String())
}

func (r reader) ListEntryTotals(_ context.Context) ([]storage.EntryTotals, error) {
	totals := make([]storage.EntryTotals, 0, len(r.st.entryOrder))
	for _, id := range r.st.entryOrder {
		entry := r.st.entries[id]
		t := storage.EntryTotals{EntryID: id, Debits: decimal.Zero, Credits: decimal.Zero, LineCount: len(entry.Lines)}
		for _, line := range entry.Lines {
			if line.IsDebit() {
				t.Debits = t.Debits.Add(line.Amount)
			} else {
				t.Credits = t.Credits.Add(line.Amount)
			}
		}
		totals = append(totals, t)
	}
	return totals, nil
}

func (r reader) SumAccountLines(_ context.Context, accountID, userID uuid.UUID) (storage.LineTotals, error) {
	totals := storage.LineTotals{Debits: decimal.Zero, Credits: decimal.Zero}
	for _, id := range r.st.entryOrder {
		for _, line := range r.st.entries[id].Lines {
			if userID != uuid.Nil && line.UserID != userID {
				continue
			}
			if line.DebitAccountID == accountID {
				totals.Debits = totals.Debits.Add(line.Amount)
			}
			if line.CreditAccountID == accountID {
				totals.Credits = totals.Credits.Add(line.Amount)
			}
		}
	}
	return totals, nil
}

func (r reader) GetDeposit(_ context.Context, id uuid.UUID) (*storage.Deposit, error) {
	d, ok := r.st.deposits[id]
	if !ok {
		return nil, apperr.NotFound("deposit", id)
	}
	return &d, nil
}

func (r reader) GetWithdrawal(_ context.Context, id uuid.UUID) (*storage.Withdrawal, error) {
	w, ok := r.st.withdrawals[id]
	if !ok {
		return nil, apperr.NotFound("withdrawal", id)
	}
	return &w, nil
}

func (r reader) GetTrade(_ context.Context, id uuid.UUID) (*storage.Trade, error) {
	t, ok := r.st.trades[id]
	if !ok {
		return nil, apperr.NotFound("trade", id)
	}
	return &t, nil
}

func (r reader) GetSettlementEvent(_ context.Context, tradeID uuid.UUID) (*storage.SettlementEvent, error) {
	ev, ok := r.st.events[tradeID]
	if !ok {
		return nil, apperr.NotFound("settlement event", tradeID)
	}
	return &ev, nil
}

func (r reader) UnitsIssued(_ context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, d := range r.st.deposits {
		if d.Status == storage.DepositApproved && (userID == uuid.Nil || d.UserID == userID) {
			total = total.Add(d.UnitsIssued)
		}
	}
	return total, nil
}

func (r reader) UnitsBurned(_ context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, w := range r.st.withdrawals {
		if settledWithdrawal(w.Status) && (userID == uuid.Nil || w.UserID == userID) {
			total = total.Add(w.UnitsBurned)
		}
	}
	return total, nil
}

func (r reader) InvestorActivity(_ context.Context, userID uuid.UUID) (storage.InvestorActivity, error) {
	activity := storage.InvestorActivity{
		Deposited:   decimal.Zero,
		Withdrawn:   decimal.Zero,
		UnitsIssued: decimal.Zero,
		UnitsBurned: decimal.Zero,
	}
	for _, d := range r.st.deposits {
		if d.UserID != userID || d.Status != storage.DepositApproved {
			continue
		}
		activity.Deposited = activity.Deposited.Add(d.Amount)
		activity.UnitsIssued = activity.UnitsIssued.Add(d.UnitsIssued)
		if d.ProcessedAt != nil && (activity.FirstDepositedAt == nil || d.ProcessedAt.Before(*activity.FirstDepositedAt)) {
			at := *d.ProcessedAt
			activity.FirstDepositedAt = &at
		}
	}
	for _, w := range r.st.withdrawals {
		if w.UserID != userID || !settledWithdrawal(w.Status) {
			continue
		}
		activity.Withdrawn = activity.Withdrawn.Add(w.Amount)
		activity.UnitsBurned = activity.UnitsBurned.Add(w.UnitsBurned)
	}
	return activity, nil
}

func (r reader) PendingWithdrawals(_ context.Context) (storage.PendingWithdrawals, error) {
	pending := storage.PendingWithdrawals{Amount: decimal.Zero}
	for _, w := range r.st.withdrawals {
		if w.Status == storage.WithdrawalPending {
			pending.Count++
			pending.Amount = pending.Amount.Add(w.Amount)
		}
	}
	return pending, nil
}

func (r reader) WithdrawnSince(_ context.Context, since time.Time) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, w := range r.st.withdrawals {
		if settledWithdrawal(w.Status) && w.ProcessedAt != nil && !w.ProcessedAt.Before(since) {
			total = total.Add(w.Amount)
		}
	}
	return total, nil
}

func (r reader) PendingStakeBySport(_ context.Context, sport string) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, t := range r.st.trades {
		if t.Status == storage.TradePending && t.Sport == sport {
			total = total.Add(t.Stake)
		}
	}
	return total, nil
}

func (r reader) PendingStakeByMarket(_ context.Context, market string) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, t := range r.st.trades {
		if t.Status == storage.TradePending && t.Market == market {
			total = total.Add(t.Stake)
		}
	}
	return total, nil
}

func (r reader) ListTierDefinitions(_ context.Context) ([]storage.TierDefinition, error) {
	tiers := make([]storage.TierDefinition, 0, len(r.st.tiers))
	for _, tier := range r.st.tiers {
		tier.Conditions = append([]byte(nil), tier.Conditions...)
		tiers = append(tiers, tier)
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].Rank < tiers[j].Rank })
	return tiers, nil
}

func settledWithdrawal(status storage.WithdrawalStatus) bool {
	return status == storage.WithdrawalApproved || status == storage.WithdrawalPaid
}

type tx struct {
	reader
}

func (t *tx) LockDeposit(ctx context.Context, id uuid.UUID) (*storage.Deposit, error) {
	return t.GetDeposit(ctx, id)
}

func (t *tx) LockWithdrawal(ctx context.Context, id uuid.UUID) (*storage.Withdrawal, error) {
	return t.GetWithdrawal(ctx, id)
}

func (t *tx) LockTrade(ctx context.Context, id uuid.UUID) (*storage.Trade, error) {
	return t.GetTrade(ctx, id)
}

// LockInvestor is a no-op: transactions already run one at a time.
func (t *tx) LockInvestor(_ context.Context, _ uuid.UUID) error {
	return nil
}

// LockPool is a no-op for the same reason as LockInvestor.
func (t *tx) LockPool(_ context.Context) error {
	return nil
}

func (t *tx) InsertAccount(_ context.Context, account *storage.Account) error {
	for _, existing := range t.st.accounts {
		if existing.Code == account.Code {
			return fmt.Errorf("%w: account %s", storage.ErrDuplicate, account.Code)
		}
	}
	t.st.accounts[account.ID] = *account
	return nil
}

func (t *tx) RenameAccount(_ context.Context, code, name string) error {
	for id, acct := range t.st.accounts {
		if acct.Code == code {
			acct.Name = name
			t.st.accounts[id] = acct
			return nil
		}
	}
	return apperr.NotFound("account", code)
}

func (t *tx) InsertEntry(_ context.Context, entry *storage.LedgerEntry) error {
	if _, ok := t.st.entries[entry.ID]; ok {
		return fmt.Errorf("%w: ledger entry %s", storage.ErrDuplicate, entry.ID)
	}
	if entry.ReferenceType == storage.ReferenceReversal {
		for _, existing := range t.st.entries {
			if existing.ReferenceType == storage.ReferenceReversal && existing.ReferenceID == entry.ReferenceID {
				return fmt.Errorf("%w: ledger entry %s:%s", storage.ErrDuplicate, entry.ReferenceType, entry.ReferenceID)
			}
		}
	}
	for _, line := range entry.Lines {
		for _, accountID := range []uuid.UUID{line.DebitAccountID, line.CreditAccountID} {
			if accountID == uuid.Nil {
				continue
			}
			if _, ok := t.st.accounts[accountID]; !ok {
				return apperr.NotFound("account", accountID)
			}
		}
	}
	stored := *entry
	stored.Lines = append([]storage.LedgerLine(nil), entry.Lines...)
	t.st.entries[entry.ID] = stored
	t.st.entryOrder = append(t.st.entryOrder, entry.ID)
	return nil
}

func (t *tx) InsertDeposit(_ context.Context, d *storage.Deposit) error {
	if _, ok := t.st.deposits[d.ID]; ok {
		return fmt.Errorf("%w: deposit %s", storage.ErrDuplicate, d.ID)
	}
	t.st.deposits[d.ID] = *d
	return nil
}

func (t *tx) UpdateDeposit(_ context.Context, d *storage.Deposit) error {
	if _, ok := t.st.deposits[d.ID]; !ok {
		return apperr.NotFound("deposit", d.ID)
	}
	t.st.deposits[d.ID] = *d
	return nil
}

func (t *tx) InsertWithdrawal(_ context.Context, w *storage.Withdrawal) error {
	if _, ok := t.st.withdrawals[w.ID]; ok {
		return fmt.Errorf("%w: withdrawal %s", storage.ErrDuplicate, w.ID)
	}
	t.st.withdrawals[w.ID] = *w
	return nil
}

func (t *tx) UpdateWithdrawal(_ context.Context, w *storage.Withdrawal) error {
	if _, ok := t.st.withdrawals[w.ID]; !ok {
		return apperr.NotFound("withdrawal", w.ID)
	}
	t.st.withdrawals[w.ID] = *w
	return nil
}

func (t *tx) InsertTrade(_ context.Context, tr *storage.Trade) error {
	if _, ok := t.st.trades[tr.ID]; ok {
		return fmt.Errorf("%w: trade %s", storage.ErrDuplicate, tr.ID)
	}
	t.st.trades[tr.ID] = *tr
	return nil
}

func (t *tx) UpdateTrade(_ context.Context, tr *storage.Trade) error {
	if _, ok := t.st.trades[tr.ID]; !ok {
		return apperr.NotFound("trade", tr.ID)
	}
	t.st.trades[tr.ID] = *tr
	return nil
}

func (t *tx) InsertSettlementEvent(_ context.Context, ev *storage.SettlementEvent) error {
	if _, ok := t.st.events[ev.TradeID]; ok {
		return fmt.Errorf("%w: settlement event for trade %s", storage.ErrDuplicate, ev.TradeID)
	}
	t.st.events[ev.TradeID] = *ev
	return nil
}

func (t *tx) UpsertTierDefinition(_ context.Context, tier storage.TierDefinition) error {
	for code, existing := range t.st.tiers {
		if code != tier.Code && existing.Rank == tier.Rank {
			return fmt.Errorf("%w: tier rank %d", storage.ErrDuplicate, tier.Rank)
		}
	}
	tier.Conditions = append([]byte(nil), tier.Conditions...)
	t.st.tiers[tier.Code] = tier
	return nil
}
