package fees

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/PariazaInteligent/fundcore/libs/trace"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/apperr"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/ledger"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/riskconfig"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type BalanceReader interface {
	BalanceByCode(ctx context.Context, r storage.Reader, code string, userID uuid.UUID) (ledger.Balance, error)
}

type Metrics interface {
	ObserveSurge(pct float64, capped bool)
}

type Calculator struct {
	balances    BalanceReader
	risk        riskconfig.Source
	fixedFeePct decimal.Decimal
	logger      *slog.Logger
	metrics     Metrics
	now         func() time.Time
}

func NewCalculator(balances BalanceReader, risk riskconfig.Source, fixedFeePct decimal.Decimal, logger *slog.Logger, metrics Metrics) *Calculator {
	if logger == nil {
		logger = slog.Default()
	}
	if !fixedFeePct.IsPositive() {
		fixedFeePct = DefaultFixedFeePct
	}
	return &Calculator{
		balances:    balances,
		risk:        risk,
		fixedFeePct: fixedFeePct,
		logger:      logger,
		metrics:     metrics,
		now:         time.Now,
	}
}

// Signals gathers the live surge inputs through r.
func (c *Calculator) Signals(ctx context.Context, r storage.Reader) (Signals, error) {
	bank, err := c.balances.BalanceByCode(ctx, r, storage.AccountBank, uuid.Nil)
	if err != nil {
		return Signals{}, fmt.Errorf("bank balance: %w", err)
	}
	pending, err := r.PendingWithdrawals(ctx)
	if err != nil {
		return Signals{}, fmt.Errorf("pending withdrawals: %w", err)
	}
	outflow, err := r.WithdrawnSince(ctx, c.now().Add(-24*time.Hour))
	if err != nil {
		return Signals{}, fmt.Errorf("24h outflow: %w", err)
	}
	flags, err := c.risk.Flags(ctx)
	if err != nil {
		return Signals{}, fmt.Errorf("system risk flags: %w", err)
	}

	return Signals{
		PendingCount:    pending.Count,
		PendingAmount:   pending.Amount,
		BankBalance:     bank.Balance,
		Utilization:     Ratio(pending.Amount, bank.Balance),
		Outflow24h:      outflow,
		OutflowRatio24h: Ratio(outflow, bank.Balance),
		RiskFlag:        flags.RiskFlag(),
		Risk:            flags,
	}, nil
}

func (c *Calculator) CalculateWithdrawalFees(ctx context.Context, r storage.Reader, amount decimal.Decimal) (quote *Quote, err error) {
	ctx, span := trace.Start(ctx, "fees.CalculateWithdrawalFees")
	defer func() { trace.End(span, err) }()

	if !amount.IsPositive() {
		return nil, apperr.Invalid("amount", fmt.Sprintf("must be positive, got %s", amount))
	}

	signals, err := c.Signals(ctx, r)
	if err != nil {
		return nil, err
	}

	q := BuildQuote(amount, c.fixedFeePct, signals)
	if c.metrics != nil {
		c.metrics.ObserveSurge(q.SurgePct.InexactFloat64(), q.Capped)
	}
	c.logger.Debug("withdrawal fee quoted",
		"amount", amount.String(),
		"surge_pct", q.SurgePct.String(),
		"total_fee", q.TotalFee.String(),
		"reasons", q.Reasons,
	)
	return &q, nil
}
