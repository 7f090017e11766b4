package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/PariazaInteligent/fundcore/libs/trace"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/apperr"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/audit"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/guardrail"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/ledger"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Ledger interface {
	CreateEntryTx(ctx context.Context, tx storage.Tx, req ledger.EntryRequest) (*storage.LedgerEntry, error)
}

type Guard interface {
	ValidateTradeCreation(ctx context.Context, r storage.Reader, p guardrail.Proposal) error
	ValidateTradeAmendment(ctx context.Context, r storage.Reader, current *storage.Trade, p guardrail.Proposal) error
}

type Metrics interface {
	IncTradeOperation(operation, status string)
}

type Service struct {
	store   storage.Store
	ledger  Ledger
	guard   Guard
	audit   audit.Sink
	logger  *slog.Logger
	metrics Metrics
	now     func() time.Time
}

func NewService(store storage.Store, ledger Ledger, guard Guard, sink audit.Sink, logger *slog.Logger, metrics Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Service{
		store:   store,
		ledger:  ledger,
		guard:   guard,
		audit:   sink,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// PotentialWin is the profit on a winning back bet, rounded to cents.
func PotentialWin(stake, odds decimal.Decimal) decimal.Decimal {
	return stake.Mul(odds.Sub(decimal.NewFromInt(1))).Round(2)
}

func validateOdds(stake, odds decimal.Decimal) error {
	if !stake.IsPositive() {
		return apperr.Invalid("stake", fmt.Sprintf("must be positive, got %s", stake))
	}
	if !storage.FitsScale(stake, storage.MoneyScale) {
		return apperr.Invalid("stake", fmt.Sprintf("%s has more than %d decimal places", stake, storage.MoneyScale))
	}
	if !odds.GreaterThan(decimal.NewFromInt(1)) {
		return apperr.Invalid("odds", fmt.Sprintf("must be greater than 1, got %s", odds))
	}
	if !storage.FitsScale(odds, storage.OddsScale) {
		return apperr.Invalid("odds", fmt.Sprintf("%s has more than %d decimal places", odds, storage.OddsScale))
	}
	return nil
}

type TradeRequest struct {
	Sport     string
	Event     string
	Market    string
	Selection string
	Odds      decimal.Decimal
	Stake     decimal.Decimal
	CreatedBy uuid.UUID
}

func (r TradeRequest) validate() error {
	for _, f := range []struct{ name, value string }{
		{"sport", r.Sport}, {"event", r.Event}, {"market", r.Market}, {"selection", r.Selection},
	} {
		if strings.TrimSpace(f.value) == "" {
			return apperr.Invalid(f.name, "required")
		}
	}
	return validateOdds(r.Stake, r.Odds)
}

// CreateTrade opens a pending trade once every guardrail passes against the
// same transaction that inserts it.
func (s *Service) CreateTrade(ctx context.Context, req TradeRequest) (trade *storage.Trade, err error) {
	ctx, span := trace.Start(ctx, "settlement.CreateTrade")
	defer func() { trace.End(span, err) }()

	if err := req.validate(); err != nil {
		s.observe("create", err)
		return nil, err
	}

	trade = &storage.Trade{
		ID:           uuid.New(),
		Sport:        strings.TrimSpace(req.Sport),
		Event:        strings.TrimSpace(req.Event),
		Market:       strings.TrimSpace(req.Market),
		Selection:    strings.TrimSpace(req.Selection),
		Odds:         req.Odds,
		Stake:        req.Stake,
		PotentialWin: PotentialWin(req.Stake, req.Odds),
		Status:       storage.TradePending,
		ResultAmount: decimal.Zero,
		CreatedBy:    req.CreatedBy,
		CreatedAt:    s.now(),
	}
	err = s.store.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.LockPool(ctx); err != nil {
			return fmt.Errorf("lock pool: %w", err)
		}
		proposal := guardrail.Proposal{Sport: trade.Sport, Market: trade.Market, Stake: trade.Stake}
		if err := s.guard.ValidateTradeCreation(ctx, tx, proposal); err != nil {
			return err
		}
		return tx.InsertTrade(ctx, trade)
	})
	if err != nil {
		s.observe("create", err)
		return nil, err
	}

	s.observe("create", nil)
	s.record(ctx, req.CreatedBy, audit.ActionTradeCreated, trade, map[string]string{
		"sport":         trade.Sport,
		"market":        trade.Market,
		"stake":         trade.Stake.String(),
		"odds":          trade.Odds.String(),
		"potential_win": trade.PotentialWin.StringFixed(2),
	})
	return trade, nil
}

type AmendRequest struct {
	TradeID   uuid.UUID
	Odds      decimal.Decimal
	Stake     decimal.Decimal
	AmendedBy uuid.UUID
}

// AmendTrade changes stake and odds of a pending trade. The guardrails are
// re-run with the trade's current stake excluded from exposure.
func (s *Service) AmendTrade(ctx context.Context, req AmendRequest) (trade *storage.Trade, err error) {
	ctx, span := trace.Start(ctx, "settlement.AmendTrade")
	defer func() { trace.End(span, err) }()

	if err := validateOdds(req.Stake, req.Odds); err != nil {
		s.observe("amend", err)
		return nil, err
	}

	var previous storage.Trade
	err = s.store.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.LockPool(ctx); err != nil {
			return fmt.Errorf("lock pool: %w", err)
		}
		t, err := tx.LockTrade(ctx, req.TradeID)
		if err != nil {
			return err
		}
		if t.Status != storage.TradePending {
			return &apperr.AlreadySettledError{TradeID: t.ID, Status: string(t.Status)}
		}
		previous = *t

		proposal := guardrail.Proposal{Sport: t.Sport, Market: t.Market, Stake: req.Stake}
		if err := s.guard.ValidateTradeAmendment(ctx, tx, t, proposal); err != nil {
			return err
		}
		t.Stake = req.Stake
		t.Odds = req.Odds
		t.PotentialWin = PotentialWin(req.Stake, req.Odds)
		if err := tx.UpdateTrade(ctx, t); err != nil {
			return err
		}
		trade = t
		return nil
	})
	if err != nil {
		s.observe("amend", err)
		return nil, err
	}

	s.observe("amend", nil)
	s.record(ctx, req.AmendedBy, audit.ActionTradeAmended, trade, map[string]string{
		"previous_stake": previous.Stake.String(),
		"previous_odds":  previous.Odds.String(),
		"stake":          trade.Stake.String(),
		"odds":           trade.Odds.String(),
	})
	return trade, nil
}

type SettleRequest struct {
	TradeID         uuid.UUID
	Result          storage.SettlementResult
	ProviderEventID string
	ProviderOdds    decimal.Decimal
	SettledBy       uuid.UUID
}

type Settlement struct {
	Trade *storage.Trade
	Event *storage.SettlementEvent
	// Entry is nil for a void result.
	Entry *storage.LedgerEntry
}

// SettleTrade moves a pending trade to its terminal state. The ledger entry,
// the settlement event and the trade update commit together or not at all.
func (s *Service) SettleTrade(ctx context.Context, req SettleRequest) (result *Settlement, err error) {
	ctx, span := trace.Start(ctx, "settlement.SettleTrade")
	defer func() { trace.End(span, err) }()

	if !req.Result.Valid() {
		err = apperr.Invalid("result", fmt.Sprintf("unknown settlement result %q", req.Result))
		s.observe("settle", err)
		return nil, err
	}
	if req.ProviderOdds.IsNegative() || !storage.FitsScale(req.ProviderOdds, storage.OddsScale) {
		err = apperr.Invalid("provider_odds", fmt.Sprintf("%s is not a valid price", req.ProviderOdds))
		s.observe("settle", err)
		return nil, err
	}

	err = s.store.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.LockPool(ctx); err != nil {
			return fmt.Errorf("lock pool: %w", err)
		}
		t, err := tx.LockTrade(ctx, req.TradeID)
		if err != nil {
			return err
		}
		if t.Status != storage.TradePending {
			return &apperr.AlreadySettledError{TradeID: t.ID, Status: string(t.Status)}
		}

		entry, amount, err := s.post(ctx, tx, t, req)
		if err != nil {
			return err
		}

		settledAt := s.now()
		event := &storage.SettlementEvent{
			ID:              uuid.New(),
			TradeID:         t.ID,
			ProviderEventID: req.ProviderEventID,
			ProviderOdds:    req.ProviderOdds,
			Result:          req.Result,
			SettledBy:       req.SettledBy,
			CreatedAt:       settledAt,
		}
		if err := tx.InsertSettlementEvent(ctx, event); err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				return &apperr.AlreadySettledError{TradeID: t.ID, Status: string(t.Status)}
			}
			return err
		}

		t.Status = req.Result.TradeStatus()
		t.ResultAmount = amount
		t.SettlementEventID = event.ID
		t.SettledBy = req.SettledBy
		t.SettledAt = &settledAt
		if entry != nil {
			t.LedgerEntryID = entry.ID
		}
		if err := tx.UpdateTrade(ctx, t); err != nil {
			return err
		}
		result = &Settlement{Trade: t, Event: event, Entry: entry}
		return nil
	})
	if err != nil {
		s.observe("settle", err)
		return nil, err
	}

	t := result.Trade
	s.observe("settle", nil)
	s.logger.Info("trade settled",
		"trade_id", t.ID,
		"result", req.Result,
		"result_amount", t.ResultAmount.String(),
		"provider_event_id", req.ProviderEventID,
	)
	metadata := map[string]string{
		"result":            string(req.Result),
		"result_amount":     t.ResultAmount.StringFixed(2),
		"provider_event_id": req.ProviderEventID,
		"provider_odds":     req.ProviderOdds.String(),
	}
	if result.Entry != nil {
		metadata["ledger_entry_id"] = result.Entry.ID.String()
	}
	s.record(ctx, req.SettledBy, audit.ActionTradeSettled, t, metadata)
	return result, nil
}

// post writes the ledger movement for a result and returns the signed result
// amount. A void trade moves no money.
func (s *Service) post(ctx context.Context, tx storage.Tx, t *storage.Trade, req SettleRequest) (*storage.LedgerEntry, decimal.Decimal, error) {
	if req.Result == storage.ResultVoid {
		return nil, decimal.Zero, nil
	}

	bank, err := tx.GetAccountByCode(ctx, storage.AccountBank)
	if err != nil {
		return nil, decimal.Zero, err
	}
	pnl, err := tx.GetAccountByCode(ctx, storage.AccountTradingPNL)
	if err != nil {
		return nil, decimal.Zero, err
	}

	var (
		lines  []ledger.Line
		amount decimal.Decimal
		label  string
	)
	switch req.Result {
	case storage.ResultWin:
		amount = t.PotentialWin
		label = "win"
		lines = []ledger.Line{ledger.Debit(bank.ID, t.PotentialWin), ledger.Credit(pnl.ID, t.PotentialWin)}
	case storage.ResultLoss:
		amount = t.Stake.Neg()
		label = "loss"
		lines = []ledger.Line{ledger.Debit(pnl.ID, t.Stake), ledger.Credit(bank.ID, t.Stake)}
	}

	entry, err := s.ledger.CreateEntryTx(ctx, tx, ledger.EntryRequest{
		Description:   fmt.Sprintf("Trade %s settled %s: %s %s", t.ID, label, t.Event, t.Selection),
		ReferenceType: storage.ReferenceTrade,
		ReferenceID:   t.ID,
		CreatedBy:     req.SettledBy,
		Lines:         lines,
	})
	if err != nil {
		return nil, decimal.Zero, err
	}
	return entry, amount, nil
}

func (s *Service) observe(operation string, err error) {
	if s.metrics == nil {
		return
	}
	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, apperr.ErrState):
		status = "duplicate"
	case errors.Is(err, apperr.ErrLimit):
		status = "limit"
	case errors.Is(err, apperr.ErrIntegrity):
		status = "integrity"
	case errors.Is(err, apperr.ErrInvalid):
		status = "invalid"
	default:
		status = "error"
	}
	s.metrics.IncTradeOperation(operation, status)
}

func (s *Service) record(ctx context.Context, actor uuid.UUID, action string, trade *storage.Trade, metadata map[string]string) {
	s.audit.Record(ctx, audit.Record{
		Actor:        actor,
		Action:       action,
		ResourceType: audit.ResourceTrade,
		ResourceID:   trade.ID.String(),
		Metadata:     metadata,
		OccurredAt:   s.now(),
	})
}
