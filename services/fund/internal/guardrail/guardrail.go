package guardrail

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/PariazaInteligent/fundcore/libs/trace"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/apperr"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/ledger"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	CheckReconciliation = "reconciliation"
	CheckStake          = "stake"
	CheckSportExposure  = "sport_exposure"
	CheckMarketExposure = "market_exposure"
	CheckLiquidity      = "liquidity"
)

type Limits struct {
	MaxStakePct       decimal.Decimal
	SportExposureCap  decimal.Decimal
	MarketExposureCap decimal.Decimal
}

func DefaultLimits() Limits {
	return Limits{
		MaxStakePct:       decimal.NewFromInt(5),
		SportExposureCap:  decimal.NewFromInt(50000),
		MarketExposureCap: decimal.NewFromInt(20000),
	}
}

type Ledger interface {
	VerifyIntegrityOf(ctx context.Context, r storage.Reader) (*ledger.IntegrityReport, error)
	BalanceByCode(ctx context.Context, r storage.Reader, code string, userID uuid.UUID) (ledger.Balance, error)
}

type Metrics interface {
	ObserveGuardrailCheck(check, result string, d time.Duration)
}

// Guard holds no state of its own. Every check reads through the supplied
// reader so it can run inside the transaction that performs the write.
type Guard struct {
	ledger  Ledger
	limits  Limits
	logger  *slog.Logger
	metrics Metrics
}

func New(ledger Ledger, limits Limits, logger *slog.Logger, metrics Metrics) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultLimits()
	if !limits.MaxStakePct.IsPositive() {
		limits.MaxStakePct = defaults.MaxStakePct
	}
	if !limits.SportExposureCap.IsPositive() {
		limits.SportExposureCap = defaults.SportExposureCap
	}
	if !limits.MarketExposureCap.IsPositive() {
		limits.MarketExposureCap = defaults.MarketExposureCap
	}
	return &Guard{ledger: ledger, limits: limits, logger: logger, metrics: metrics}
}

func (g *Guard) Limits() Limits {
	return g.limits
}

type Proposal struct {
	Sport  string
	Market string
	Stake  decimal.Decimal
}

func (p Proposal) validate() error {
	if strings.TrimSpace(p.Sport) == "" {
		return apperr.Invalid("sport", "required")
	}
	if strings.TrimSpace(p.Market) == "" {
		return apperr.Invalid("market", "required")
	}
	if !p.Stake.IsPositive() {
		return apperr.Invalid("stake", fmt.Sprintf("must be positive, got %s", p.Stake))
	}
	return nil
}

// ValidateReconciliation fails with the first unbalanced entry the ledger
// reports.
func (g *Guard) ValidateReconciliation(ctx context.Context, r storage.Reader) error {
	start := time.Now()
	report, err := g.ledger.VerifyIntegrityOf(ctx, r)
	if err != nil {
		g.record(CheckReconciliation, "error", start)
		return fmt.Errorf("verify ledger integrity: %w", err)
	}
	if report.Balanced {
		g.record(CheckReconciliation, "pass", start)
		return nil
	}

	g.record(CheckReconciliation, "reject", start)
	first := report.Mismatches[0]
	g.logger.Warn("guardrail rejected: ledger unbalanced", "entry_id", first.EntryID, "issues", len(report.Mismatches))
	return &apperr.LedgerUnbalancedError{
		EntryID: first.EntryID,
		Debits:  first.Debits,
		Credits: first.Credits,
		Issues:  len(report.Mismatches),
	}
}

func (g *Guard) ValidateStake(ctx context.Context, r storage.Reader, stake decimal.Decimal) error {
	start := time.Now()
	bank, err := g.ledger.BalanceByCode(ctx, r, storage.AccountBank, uuid.Nil)
	if err != nil {
		g.record(CheckStake, "error", start)
		return fmt.Errorf("bank balance: %w", err)
	}

	maxStake := bank.Balance.Mul(g.limits.MaxStakePct).Div(decimal.NewFromInt(100))
	if stake.GreaterThan(maxStake) {
		g.record(CheckStake, "reject", start)
		return &apperr.StakeTooLargeError{
			Stake:       stake,
			MaxStake:    maxStake,
			MaxPct:      g.limits.MaxStakePct,
			BankBalance: bank.Balance,
		}
	}
	g.record(CheckStake, "pass", start)
	return nil
}

func (g *Guard) ValidateSportExposure(ctx context.Context, r storage.Reader, sport string, stake decimal.Decimal) error {
	return g.sportExposure(ctx, r, sport, stake, decimal.Zero)
}

func (g *Guard) ValidateMarketExposure(ctx context.Context, r storage.Reader, market string, stake decimal.Decimal) error {
	return g.marketExposure(ctx, r, market, stake, decimal.Zero)
}

func (g *Guard) sportExposure(ctx context.Context, r storage.Reader, sport string, stake, excluded decimal.Decimal) error {
	start := time.Now()
	current, err := r.PendingStakeBySport(ctx, sport)
	if err != nil {
		g.record(CheckSportExposure, "error", start)
		return fmt.Errorf("pending stake by sport: %w", err)
	}
	return g.exposure(CheckSportExposure, apperr.ScopeSport, sport, current.Sub(excluded), stake, g.limits.SportExposureCap, start)
}

func (g *Guard) marketExposure(ctx context.Context, r storage.Reader, market string, stake, excluded decimal.Decimal) error {
	start := time.Now()
	current, err := r.PendingStakeByMarket(ctx, market)
	if err != nil {
		g.record(CheckMarketExposure, "error", start)
		return fmt.Errorf("pending stake by market: %w", err)
	}
	return g.exposure(CheckMarketExposure, apperr.ScopeMarket, market, current.Sub(excluded), stake, g.limits.MarketExposureCap, start)
}

func (g *Guard) exposure(check, scope, key string, current, stake, limit decimal.Decimal, start time.Time) error {
	if current.IsNegative() {
		current = decimal.Zero
	}
	if current.Add(stake).GreaterThan(limit) {
		g.record(check, "reject", start)
		return &apperr.ExposureExceededError{Scope: scope, Key: key, Current: current, Stake: stake, Limit: limit}
	}
	g.record(check, "pass", start)
	return nil
}

// ValidateTradeCreation runs reconciliation, stake size, sport exposure and
// market exposure in that order and stops at the first failure.
func (g *Guard) ValidateTradeCreation(ctx context.Context, r storage.Reader, p Proposal) (err error) {
	ctx, span := trace.Start(ctx, "guardrail.ValidateTradeCreation")
	defer func() { trace.End(span, err) }()

	if err := p.validate(); err != nil {
		return err
	}
	if err := g.ValidateReconciliation(ctx, r); err != nil {
		return err
	}
	if err := g.ValidateStake(ctx, r, p.Stake); err != nil {
		return err
	}
	if err := g.ValidateSportExposure(ctx, r, p.Sport, p.Stake); err != nil {
		return err
	}
	return g.ValidateMarketExposure(ctx, r, p.Market, p.Stake)
}

// ValidateTradeAmendment is ValidateTradeCreation for a pending trade being
// changed: the trade's current stake no longer counts toward the exposure it
// is replacing.
func (g *Guard) ValidateTradeAmendment(ctx context.Context, r storage.Reader, current *storage.Trade, p Proposal) (err error) {
	ctx, span := trace.Start(ctx, "guardrail.ValidateTradeAmendment")
	defer func() { trace.End(span, err) }()

	if err := p.validate(); err != nil {
		return err
	}
	if err := g.ValidateReconciliation(ctx, r); err != nil {
		return err
	}
	if err := g.ValidateStake(ctx, r, p.Stake); err != nil {
		return err
	}

	sportExcluded := decimal.Zero
	marketExcluded := decimal.Zero
	if current.Status == storage.TradePending {
		if current.Sport == p.Sport {
			sportExcluded = current.Stake
		}
		if current.Market == p.Market {
			marketExcluded = current.Stake
		}
	}
	if err := g.sportExposure(ctx, r, p.Sport, p.Stake, sportExcluded); err != nil {
		return err
	}
	return g.marketExposure(ctx, r, p.Market, p.Stake, marketExcluded)
}

// ValidateWithdrawal requires a balanced ledger and enough cash in the bank
// account to cover the requested amount.
func (g *Guard) ValidateWithdrawal(ctx context.Context, r storage.Reader, amount decimal.Decimal) (err error) {
	ctx, span := trace.Start(ctx, "guardrail.ValidateWithdrawal")
	defer func() { trace.End(span, err) }()

	if err := g.ValidateReconciliation(ctx, r); err != nil {
		return err
	}

	start := time.Now()
	bank, err := g.ledger.BalanceByCode(ctx, r, storage.AccountBank, uuid.Nil)
	if err != nil {
		g.record(CheckLiquidity, "error", start)
		return fmt.Errorf("bank balance: %w", err)
	}
	if amount.GreaterThan(bank.Balance) {
		g.record(CheckLiquidity, "reject", start)
		return &apperr.InsufficientLiquidityError{Amount: amount, BankBalance: bank.Balance}
	}
	g.record(CheckLiquidity, "pass", start)
	return nil
}

func (g *Guard) record(check, result string, start time.Time) {
	if g.metrics == nil {
		return
	}
	g.metrics.ObserveGuardrailCheck(check, result, time.Since(start))
}
